package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/loykin/warden/internal/config"
	"github.com/loykin/warden/internal/logger"
)

// command carries the loaded configuration and output streams into the
// command implementations.
type command struct {
	stdout io.Writer
	stderr io.Writer
	cfg    *config.Config
	log    *slog.Logger
	closer io.Closer
}

func buildRoot(stdout, stderr io.Writer) *cobra.Command {
	g := &GlobalFlags{}
	c := &command{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "warden",
		Short:         "Launch a web server, probe it and respawn it when it dies or hangs",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd, g)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.closer != nil {
				_ = c.closer.Close()
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&g.ConfigPath, "config", "", "path to TOML config file")
	root.PersistentFlags().StringVar(&g.LogLevel, "log-level", "", "log level override (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.LogFormat, "log-format", "", "log format override (text, json, color)")

	root.AddCommand(
		createRunCommand(c, &RunFlags{}),
		createQualifyCommand(c, &QualifyFlags{}),
		createCheckCommand(c, &CheckFlags{}),
	)
	return root
}

func (c *command) setup(cmd *cobra.Command, g *GlobalFlags) error {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = g.LogLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = g.LogFormat
	}
	c.cfg = cfg
	c.log, c.closer = logger.New(cfg.Log, c.stderr)
	slog.SetDefault(c.log)
	return nil
}
