// Package env composes the environment handed to a supervised child.
package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

type Var map[string]string

// Env layers variables over an optional base taken from the OS.
type Env struct {
	useOS bool
	files []Var
	vars  Var
}

// New returns an Env. With useOS the current process environment is the base.
func New(useOS bool) *Env {
	return &Env{useOS: useOS, vars: make(Var)}
}

// AddFile loads KEY=VALUE lines from path. Later files override earlier ones.
func (e *Env) AddFile(path string) error {
	m, err := LoadFile(path)
	if err != nil {
		return err
	}
	e.files = append(e.files, m)
	return nil
}

// Set adds "K=V" entries; they override files and the OS base.
func (e *Env) Set(kvs ...string) {
	for _, kv := range kvs {
		if k, v, ok := split(kv); ok {
			e.vars[k] = v
		}
	}
}

// List returns the composed environment as sorted "K=V" pairs with ${VAR}
// references expanded once against the composed map.
func (e *Env) List() []string {
	m := make(Var)
	if e.useOS {
		for _, kv := range os.Environ() {
			if k, v, ok := split(kv); ok {
				m[k] = v
			}
		}
	}
	for _, f := range e.files {
		for k, v := range f {
			m[k] = v
		}
	}
	for k, v := range e.vars {
		m[k] = v
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// LoadFile parses a simple .env file: KEY=VALUE lines, # comments, no quoting.
func LoadFile(path string) (Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(Var)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := split(line); ok {
			m[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	return m, nil
}

func split(kv string) (string, string, bool) {
	k, v, ok := strings.Cut(kv, "=")
	if !ok || k == "" {
		return "", "", false
	}
	return k, v, true
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string {
		if v, ok := m[k]; ok {
			return v
		}
		return "${" + k + "}"
	})
}
