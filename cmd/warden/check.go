package main

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/warden/internal/probe"
	"github.com/loykin/warden/internal/supervisor"
)

type checkOutput struct {
	Address    string  `json:"address"`
	Path       string  `json:"path"`
	Healthy    bool    `json:"healthy"`
	StatusCode int     `json:"status_code,omitempty"`
	TimedOut   bool    `json:"timed_out,omitempty"`
	Reason     string  `json:"reason"`
	ElapsedMS  float64 `json:"elapsed_ms"`
}

func createCheckCommand(c *command, f *CheckFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe a running server once and print the outcome as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.check(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.Host, "host", supervisor.DefaultHost, "server host")
	cmd.Flags().IntVar(&f.Port, "port", supervisor.DefaultPort, "server port")
	cmd.Flags().StringVar(&f.Path, "path", supervisor.DefaultProbePath, "path to request")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", time.Second, "probe timeout")
	return cmd
}

func (c *command) check(ctx context.Context, f *CheckFlags) error {
	o := probe.NewHTTPProber().Get(ctx, f.Host, f.Port, f.Path, f.Timeout)
	out := checkOutput{
		Address:    net.JoinHostPort(f.Host, strconv.Itoa(f.Port)),
		Path:       f.Path,
		Healthy:    o.Healthy(),
		StatusCode: o.StatusCode,
		TimedOut:   o.TimedOut,
		Reason:     o.Reason(),
		ElapsedMS:  float64(o.Elapsed.Microseconds()) / 1000,
	}
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if !out.Healthy {
		return errExitStatus
	}
	return nil
}
