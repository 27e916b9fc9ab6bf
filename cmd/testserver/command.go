package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/testserver"
)

// Flags holds everything besides the server config itself.
type Flags struct {
	ConfigPath    string
	LogLevel      string
	LogFormat     string
	MetricsListen string
}

// settings is the resolved startup configuration.
type settings struct {
	Server        testserver.Config
	Log           logger.Config
	MetricsListen string
}

func newRootCommand() *cobra.Command {
	flagCfg := testserver.DefaultConfig()
	flags := &Flags{}
	cmd := &cobra.Command{
		Use:           "testserver",
		Short:         "HTTP/1.0 GET-only file server with injectable hang and crash faults",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := resolve(cmd.Flags(), flagCfg, *flags)
			if err != nil {
				return err
			}
			return serve(st)
		},
	}
	// -h is the listen host, as passed by a supervisor; help is --help only.
	testserver.BindFlags(cmd.Flags(), &flagCfg)
	cmd.Flags().StringVar(&flags.ConfigPath, "config", "", "TOML config file; its [testserver] section is the base for flags")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.LogFormat, "log-format", "text", "log format (text, json, color)")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	return cmd
}

// resolve layers explicitly set flags over the config file, which is layered
// over the defaults and WARDEN_* environment.
func resolve(fs *pflag.FlagSet, flagCfg testserver.Config, f Flags) (settings, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return settings{}, err
	}
	st := settings{Server: cfg.TestServer, Log: cfg.Log}
	if cfg.Metrics.Enabled {
		st.MetricsListen = cfg.Metrics.Listen
	}

	if fs.Changed("host") {
		st.Server.Host = flagCfg.Host
	}
	if fs.Changed("port") {
		st.Server.Port = flagCfg.Port
	}
	if fs.Changed("workers") {
		st.Server.Workers = flagCfg.Workers
	}
	if fs.Changed("root") {
		st.Server.Root = flagCfg.Root
	}
	if fs.Changed("read-header-timeout") {
		st.Server.ReadHeaderTimeout = flagCfg.ReadHeaderTimeout
	}
	if fs.Changed("log-level") {
		st.Log.Level = f.LogLevel
	}
	if fs.Changed("log-format") {
		st.Log.Format = f.LogFormat
	}
	if fs.Changed("metrics-listen") {
		st.MetricsListen = f.MetricsListen
	}
	return st, st.Server.Validate()
}

func serve(st settings) error {
	log, closer := logger.New(st.Log, os.Stderr)
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)
	cfg := st.Server
	log.Info("starting test server", "host", cfg.Host, "port", cfg.Port, "workers", cfg.Workers, "root", cfg.Root)

	if st.MetricsListen != "" {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		go serveMetrics(log, st.MetricsListen)
	}

	srv, err := testserver.New(cfg, testserver.WithLogger(log))
	if err != nil {
		return err
	}
	return srv.ListenAndServe()
}

func serveMetrics(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", "addr", addr, "error", err)
	}
}
