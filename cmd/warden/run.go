package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/history/factory"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/server"
	"github.com/loykin/warden/internal/supervisor"
)

// errExitStatus makes main exit 1 without printing anything further; the
// command already reported the outcome.
var errExitStatus = errors.New("exit status 1")

func createRunCommand(c *command, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] [--] command [args...]",
		Short: "Supervise a web server until interrupted",
		Long: `Spawn the command with "-h HOST -p PORT" appended, probe it every interval
and respawn it on the next port whenever it dies or stops answering.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.run(ctx, cmd.Flags(), f, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&f.Name, "name", "", "name of the supervised service")
	cmd.Flags().StringVar(&f.Host, "host", "", "host the child listens on")
	cmd.Flags().IntVar(&f.Port, "port", 0, "first port the child listens on")
	cmd.Flags().StringVar(&f.ProbePath, "probe-path", "", "path requested by every health probe")
	cmd.Flags().DurationVar(&f.ProbeTimeout, "probe-timeout", 0, "health probe timeout")
	cmd.Flags().DurationVar(&f.Interval, "interval", 0, "time between health probes")
	cmd.Flags().DurationVar(&f.InitialTimeout, "initial-timeout", 0, "startup wait and first probe timeout")
	cmd.Flags().StringVar(&f.ChildLog, "child-log", "", "file receiving the child's stdout and stderr")
	cmd.Flags().BoolVar(&f.KeepPort, "keep-port-on-exit", false, "do not bump the port when the child exited by itself")
	cmd.Flags().StringVar(&f.StatusListen, "status-listen", "", "serve the status API on this address")
	cmd.Flags().StringVar(&f.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringSliceVar(&f.HistoryDSNs, "history", nil, "history sink DSN (repeatable)")
	return cmd
}

func (c *command) applyRunFlags(fs *pflag.FlagSet, f *RunFlags) {
	s := &c.cfg.Supervisor
	if fs.Changed("name") {
		s.Name = f.Name
	}
	if fs.Changed("host") {
		s.Host = f.Host
	}
	if fs.Changed("port") {
		s.Port = f.Port
	}
	if fs.Changed("probe-path") {
		s.ProbePath = f.ProbePath
	}
	if fs.Changed("probe-timeout") {
		s.ProbeTimeout = f.ProbeTimeout
	}
	if fs.Changed("interval") {
		s.Interval = f.Interval
	}
	if fs.Changed("initial-timeout") {
		s.InitialTimeout = f.InitialTimeout
	}
	if fs.Changed("child-log") {
		s.Log.Path = f.ChildLog
	}
	if fs.Changed("keep-port-on-exit") {
		s.BumpPortOnExit = !f.KeepPort
	}
	if fs.Changed("status-listen") {
		c.cfg.Server.Enabled = true
		c.cfg.Server.Listen = f.StatusListen
	}
	if fs.Changed("metrics-listen") {
		c.cfg.Metrics.Enabled = true
		c.cfg.Metrics.Listen = f.MetricsListen
	}
	if len(f.HistoryDSNs) > 0 {
		c.cfg.History.Enabled = true
		c.cfg.History.Sinks = append(c.cfg.History.Sinks, f.HistoryDSNs...)
	}
}

func (c *command) run(ctx context.Context, fs *pflag.FlagSet, f *RunFlags, args []string) error {
	c.applyRunFlags(fs, f)
	if len(args) > 0 {
		c.cfg.Supervisor.Command = args
	}
	if len(c.cfg.Supervisor.Command) == 0 {
		return errors.New("no command to supervise: pass it after the flags or set supervisor.command")
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}

	opts, err := c.cfg.Supervisor.Options()
	if err != nil {
		return err
	}
	opts.Logger = c.log

	sinks, closeSinks, err := openSinks(c.cfg.History.Sinks, c.cfg.History.Enabled)
	if err != nil {
		return err
	}
	defer closeSinks()
	opts.History = sinks
	opts.HistoryTimeout = c.cfg.History.Timeout

	if c.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	sup, err := supervisor.New(opts)
	if err != nil {
		return err
	}
	// The child is killed on every return path from here on.
	defer func() {
		if err := sup.Close(); err != nil {
			c.log.Error("close supervisor", "error", err)
		}
	}()

	shutdown, err := c.startHTTP(sup)
	if err != nil {
		return err
	}
	defer shutdown()

	ro := c.cfg.Supervisor.RunOptions()
	ro.OnCheck = func(e supervisor.CheckEvent) {
		if !e.Changed {
			return
		}
		if e.ExitCode != nil {
			c.log.Warn("webserver respawned after exit", "exit_code", *e.ExitCode, "host", e.Host, "port", e.Port)
			return
		}
		c.log.Warn("webserver respawned after hang", "host", e.Host, "port", e.Port)
	}
	host, port := sup.Address()
	c.log.Info("supervising", "name", opts.Spec.Name, "host", host, "port", port, "interval", ro.Interval)
	return sup.Run(ctx, ro)
}

// startHTTP serves the status API and metrics as configured. Metrics share
// the status listener when both are on the same address.
func (c *command) startHTTP(sup *supervisor.Supervisor) (func(), error) {
	var servers []*http.Server
	shutdown := func() {
		for _, s := range servers {
			_ = s.Close()
		}
	}

	metricsOnStatus := c.cfg.Metrics.Enabled && c.cfg.Server.Enabled && c.cfg.Metrics.Listen == c.cfg.Server.Listen
	if c.cfg.Server.Enabled {
		r := server.NewRouter(sup, c.cfg.Server.BasePath)
		if metricsOnStatus {
			r.WithMetrics(metrics.Handler())
		}
		srv, addr, err := server.NewServer(c.cfg.Server.Listen, r)
		if err != nil {
			return shutdown, fmt.Errorf("status api: %w", err)
		}
		servers = append(servers, srv)
		c.log.Info("status api listening", "addr", addr.String(), "base", c.cfg.Server.BasePath)
	}
	if c.cfg.Metrics.Enabled && !metricsOnStatus {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: c.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, srv)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				c.log.Error("metrics server failed", "addr", c.cfg.Metrics.Listen, "error", err)
			}
		}()
		c.log.Info("metrics listening", "addr", c.cfg.Metrics.Listen)
	}
	return shutdown, nil
}

func openSinks(dsns []string, enabled bool) ([]history.Sink, func(), error) {
	var sinks []history.Sink
	closeAll := func() {
		for _, s := range sinks {
			if cl, ok := s.(io.Closer); ok {
				_ = cl.Close()
			}
		}
	}
	if !enabled {
		return nil, closeAll, nil
	}
	for _, dsn := range dsns {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			closeAll()
			return nil, func() {}, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
	}
	return sinks, closeAll, nil
}
