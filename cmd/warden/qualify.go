package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/process"
	"github.com/loykin/warden/internal/supervisor"
)

const instructions = `Instructions:

    Copy your webserver executable (e.g., "webserver") into this folder
    (i.e., the folder containing test.txt).

    Then use this program to launch your webserver, like this:

    warden qualify ./webserver

    The program will tell you whether or not your server qualifies.
`

func createQualifyCommand(c *command, f *QualifyFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qualify [flags] [--] command [args...]",
		Short: "Launch a web server once and verify it serves the probe path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.qualify(cmd.Context(), f, args)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&f.Host, "host", "localhost", "host the webserver listens on")
	cmd.Flags().IntVar(&f.Port, "port", 5005, "port the webserver listens on")
	cmd.Flags().StringVar(&f.ProbePath, "probe-path", supervisor.DefaultProbePath, "path that must answer 200")
	// The first probe gets far longer than a routine check so the server can start.
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 10*time.Second, "startup wait and probe timeout")
	cmd.Flags().StringVar(&f.ChildLog, "child-log", "webserver.log", "file receiving the webserver's output")
	return cmd
}

func (c *command) qualify(ctx context.Context, f *QualifyFlags, args []string) error {
	if len(args) == 0 {
		_, _ = fmt.Fprint(c.stdout, instructions)
		return nil
	}
	sup, err := supervisor.New(supervisor.Options{
		Spec: process.Spec{
			Name:    "webserver",
			Command: args,
			Log:     logger.FileConfig{Path: f.ChildLog},
		},
		Host:   f.Host,
		Port:   f.Port,
		Logger: c.log,
	})
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()

	if err := sup.WaitReady(ctx, f.Timeout); err != nil {
		c.log.Debug("webserver not accepting connections", "error", err)
	}
	if down, _ := sup.Check(ctx, f.ProbePath, f.Timeout); down {
		_, _ = fmt.Fprintf(c.stderr, "\n*** ERROR: the webserver was not successfully launched (or isn't properly configured to serve up %s)\n", f.ProbePath)
		return errExitStatus
	}
	_, _ = fmt.Fprintln(c.stdout, "\n*** OK! Your webserver qualifies.")
	return nil
}
