package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/warden/internal/env"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/supervisor"
	"github.com/loykin/warden/internal/testserver"
)

// EnvPrefix is the prefix of environment overrides, e.g. WARDEN_SUPERVISOR_PORT.
const EnvPrefix = "WARDEN"

var ErrInvalidConfig = errors.New("invalid config")

// Config represents the top-level TOML structure.
type Config struct {
	Supervisor SupervisorConfig  `toml:"supervisor" mapstructure:"supervisor"`
	Log        logger.Config     `toml:"log" mapstructure:"log"`
	Metrics    MetricsConfig     `toml:"metrics" mapstructure:"metrics"`
	Server     ServerConfig      `toml:"server" mapstructure:"server"`
	History    HistoryConfig     `toml:"history" mapstructure:"history"`
	TestServer testserver.Config `toml:"testserver" mapstructure:"testserver"`
}

type SupervisorConfig struct {
	Name            string            `toml:"name" mapstructure:"name"`
	Command         []string          `toml:"command" mapstructure:"command"`
	WorkDir         string            `toml:"workdir" mapstructure:"workdir"`
	Env             []string          `toml:"env" mapstructure:"env"`
	EnvFiles        []string          `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv        bool              `toml:"use_os_env" mapstructure:"use_os_env"`
	Host            string            `toml:"host" mapstructure:"host"`
	Port            int               `toml:"port" mapstructure:"port"`
	ProbePath       string            `toml:"probe_path" mapstructure:"probe_path"`
	ProbeTimeout    time.Duration     `toml:"probe_timeout" mapstructure:"probe_timeout"`
	Interval        time.Duration     `toml:"interval" mapstructure:"interval"`
	InitialTimeout  time.Duration     `toml:"initial_timeout" mapstructure:"initial_timeout"`
	BumpPortOnExit  bool              `toml:"bump_port_on_exit" mapstructure:"bump_port_on_exit"`
	KillWait        time.Duration     `toml:"kill_wait" mapstructure:"kill_wait"`
	SampleResources bool              `toml:"sample_resources" mapstructure:"sample_resources"`
	Log             logger.FileConfig `toml:"log" mapstructure:"log"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// ServerConfig configures the read-only status API.
type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

// HistoryConfig lists sink DSNs, see factory.NewSinkFromDSN.
type HistoryConfig struct {
	Enabled bool          `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string      `toml:"sinks" mapstructure:"sinks"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("supervisor.name", "webserver")
	v.SetDefault("supervisor.command", []string{})
	v.SetDefault("supervisor.workdir", "")
	v.SetDefault("supervisor.env", []string{})
	v.SetDefault("supervisor.env_files", []string{})
	v.SetDefault("supervisor.use_os_env", true)
	v.SetDefault("supervisor.host", supervisor.DefaultHost)
	v.SetDefault("supervisor.port", supervisor.DefaultPort)
	v.SetDefault("supervisor.probe_path", supervisor.DefaultProbePath)
	v.SetDefault("supervisor.probe_timeout", supervisor.DefaultProbeTimeout)
	v.SetDefault("supervisor.interval", supervisor.DefaultInterval)
	v.SetDefault("supervisor.initial_timeout", 10*time.Second)
	v.SetDefault("supervisor.bump_port_on_exit", true)
	v.SetDefault("supervisor.kill_wait", process.DefaultKillWait)
	v.SetDefault("supervisor.sample_resources", false)
	v.SetDefault("supervisor.log.path", "webserver.log")
	v.SetDefault("supervisor.log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("supervisor.log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("supervisor.log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("supervisor.log.compress", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.path", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9090")

	v.SetDefault("server.enabled", false)
	v.SetDefault("server.listen", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.timeout", supervisor.DefaultHistoryTimeout)

	ts := testserver.DefaultConfig()
	v.SetDefault("testserver.host", ts.Host)
	v.SetDefault("testserver.port", ts.Port)
	v.SetDefault("testserver.workers", ts.Workers)
	v.SetDefault("testserver.root", ts.Root)
	v.SetDefault("testserver.read_header_timeout", ts.ReadHeaderTimeout)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the built-in configuration with environment overrides.
func Default() (*Config, error) {
	return Load("")
}

// Load reads the TOML file at path (optional) over the defaults and applies
// WARDEN_* environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &c, nil
}

// Validate checks the parts every warden command relies on. A missing command
// is not an error here; the run and qualify commands require it themselves.
// The [testserver] section is validated by the testserver binary that reads it.
func (c *Config) Validate() error {
	var errs []error
	s := c.Supervisor
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Errorf("supervisor.port %d out of range", s.Port))
	}
	if s.Host == "" {
		errs = append(errs, errors.New("supervisor.host is required"))
	}
	if s.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("supervisor.probe_timeout must be positive"))
	}
	if s.Interval <= 0 {
		errs = append(errs, errors.New("supervisor.interval must be positive"))
	}
	if s.InitialTimeout < 0 {
		errs = append(errs, errors.New("supervisor.initial_timeout must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text, json or color", c.Log.Format))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the status API is enabled"))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.sinks must list at least one DSN when history is enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ChildEnv composes the child's environment from the OS (when enabled),
// env_files and env, in that order of precedence. The result is never nil:
// with use_os_env off the child gets exactly the listed variables.
func (s SupervisorConfig) ChildEnv() ([]string, error) {
	e := env.New(s.UseOSEnv)
	for _, f := range s.EnvFiles {
		if err := e.AddFile(f); err != nil {
			return nil, fmt.Errorf("env file %s: %w", f, err)
		}
	}
	e.Set(s.Env...)
	if l := e.List(); l != nil {
		return l, nil
	}
	return []string{}, nil
}

// ProcessSpec builds the child spec.
func (s SupervisorConfig) ProcessSpec() (process.Spec, error) {
	childEnv, err := s.ChildEnv()
	if err != nil {
		return process.Spec{}, err
	}
	return process.Spec{
		Name:    s.Name,
		Command: append([]string(nil), s.Command...),
		WorkDir: s.WorkDir,
		Env:     childEnv,
		Log:     s.Log,
	}, nil
}

// Options maps the section onto supervisor options. Logger, prober and
// history sinks are left for the caller.
func (s SupervisorConfig) Options() (supervisor.Options, error) {
	spec, err := s.ProcessSpec()
	if err != nil {
		return supervisor.Options{}, err
	}
	return supervisor.Options{
		Spec:            spec,
		Host:            s.Host,
		Port:            s.Port,
		KillWait:        s.KillWait,
		KeepPortOnExit:  !s.BumpPortOnExit,
		SampleResources: s.SampleResources,
	}, nil
}

func (s SupervisorConfig) RunOptions() supervisor.RunOptions {
	return supervisor.RunOptions{
		Path:           s.ProbePath,
		Timeout:        s.ProbeTimeout,
		Interval:       s.Interval,
		StartupTimeout: s.InitialTimeout,
	}
}
