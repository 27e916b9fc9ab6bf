// Package testserver is a small HTTP server with controllable failure modes
// (hang, crash, overload) used as the target of supervisor health checks.
package testserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/labstack/echo/v4"
)

// Server serves files from a document root behind an admission gate.
type Server struct {
	cfg    Config
	root   string
	log    *slog.Logger
	gate   *Gate
	faults faults
	exit   func(int)

	echo *echo.Echo
	http *http.Server

	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(*Server)

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithExit replaces os.Exit for /fail/boom.
func WithExit(fn func(code int)) Option {
	return func(s *Server) {
		if fn != nil {
			s.exit = fn
		}
	}
}

// New validates cfg and canonicalizes the document root.
func New(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("doc root %q: %w", cfg.Root, err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("doc root %q: %w", cfg.Root, err)
	}
	s := &Server{
		cfg:    cfg,
		root:   root,
		log:    slog.Default(),
		exit:   os.Exit,
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.gate = NewGate(cfg.Workers, s.log)
	s.echo = s.routes()
	s.http = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.log.Handler(), slog.LevelWarn),
	}
	s.http.SetKeepAlivesEnabled(false)
	return s, nil
}

// Handler exposes the routes without the admission gate.
func (s *Server) Handler() http.Handler { return s.echo }

// Root is the canonical document root.
func (s *Server) Root() string { return s.root }

// Active is the number of admitted, not yet finished connections.
func (s *Server) Active() int { return s.gate.Active() }

func (s *Server) State() State { return s.faults.load() }

// Serve accepts connections on ln until Close. It returns nil after Close.
func (s *Server) Serve(ln net.Listener) error {
	err := s.http.Serve(&admitListener{Listener: ln, gate: s.gate})
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr(), err)
	}
	s.log.Info("test server listening", "addr", ln.Addr().String(), "root", s.root, "workers", s.cfg.Workers)
	return s.Serve(ln)
}

// Close stops accepting, releases blocked workers and closes every connection.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.http.Close()
}
