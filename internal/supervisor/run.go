package supervisor

import (
	"context"
	"time"
)

// Run checks the child every Interval until ctx is done. Checks never
// overlap. Run does not close the supervisor.
func (s *Supervisor) Run(ctx context.Context, ro RunOptions) error {
	ro.applyDefaults()
	timeout := ro.Timeout
	if ro.StartupTimeout > 0 {
		if err := s.WaitReady(ctx, ro.StartupTimeout); err != nil {
			s.opts.Logger.Warn("webserver not ready", "name", s.opts.Spec.Name, "error", err)
		}
		timeout = ro.StartupTimeout
	}

	ticker := time.NewTicker(ro.Interval)
	defer ticker.Stop()
	for {
		changed, code := s.Check(ctx, ro.Path, timeout)
		timeout = ro.Timeout
		if ro.OnCheck != nil && ctx.Err() == nil {
			host, port := s.Address()
			ro.OnCheck(CheckEvent{Time: time.Now(), Changed: changed, ExitCode: code, Host: host, Port: port})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
