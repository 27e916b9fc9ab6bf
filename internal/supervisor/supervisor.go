// Package supervisor launches a network service as a child process, probes
// it over HTTP and respawns it on a fresh port when it dies or hangs.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/metrics"
	"github.com/loykin/warden/internal/probe"
	"github.com/loykin/warden/internal/process"
)

var (
	ErrSpawn  = errors.New("supervisor: spawn failed")
	ErrClosed = errors.New("supervisor: closed")
)

// Supervisor exclusively owns one child at a time. Check is serialized;
// Address and Status may be called concurrently.
type Supervisor struct {
	opts Options

	checkMu sync.Mutex // serializes Check, Close and WaitReady

	mu         sync.Mutex
	host       string
	port       int
	proc       *process.Process
	state      probe.Status
	restarts   int
	lastExit   *int
	lastCheck  time.Time
	lastReason string
	failures   int
	closed     bool
}

// New spawns the child immediately. A spawn failure is returned and no
// Supervisor is created.
func New(opts Options) (*Supervisor, error) {
	opts.applyDefaults()
	s := &Supervisor{
		opts:  opts,
		host:  opts.Host,
		port:  opts.Port,
		state: probe.StatusAlive,
	}
	if err := s.spawn(); err != nil {
		return nil, err
	}
	return s, nil
}

// Address is where the child should currently be reached. It changes after
// every unhealthy Check.
func (s *Supervisor) Address() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host, s.port
}

// Check probes path with a bounded timeout. A 200 response leaves everything
// unchanged and returns (false, nil). Anything else bumps the port and
// respawns the child: (true, &code) when it had exited, (true, nil) when it
// was alive and had to be killed.
func (s *Supervisor) Check(ctx context.Context, path string, timeout time.Duration) (bool, *int) {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	host, port, proc, closed := s.host, s.port, s.proc, s.closed
	s.mu.Unlock()
	if closed {
		return false, nil
	}

	name := s.opts.Spec.Name
	log := s.opts.Logger.With("name", name)
	log.Debug("probing", "host", host, "port", port, "path", path)
	out := s.opts.Prober.Get(ctx, host, port, path, timeout)
	metrics.ObserveProbe(name, out.Elapsed.Seconds())

	if ctx.Err() != nil && !out.Healthy() {
		// Cancelled by the caller, not a verdict on the child.
		log.Debug("check cancelled", "error", ctx.Err())
		return false, nil
	}

	exited, code := true, 0
	if proc != nil {
		exited, code = proc.Poll()
	}
	res := probe.Classify(out, exited, code)
	if proc == nil && res.Status == probe.StatusDead {
		// A previous respawn failed; there is no exit status to report.
		res.ExitCode = nil
	}

	s.mu.Lock()
	s.lastCheck = time.Now()
	s.lastReason = out.Reason()
	s.state = res.Status
	if res.Status == probe.StatusAlive {
		s.failures = 0
	} else {
		s.failures++
	}
	s.mu.Unlock()
	metrics.IncCheck(name, string(res.Status))

	switch res.Status {
	case probe.StatusAlive:
		if s.opts.SampleResources && proc != nil {
			metrics.SampleChild(name, proc.PID())
		}
		return false, nil

	case probe.StatusDead:
		if !s.opts.KeepPortOnExit {
			s.bumpPort()
		}
		rec := s.record(proc)
		if res.ExitCode != nil {
			log.Info("webserver died; respawning", "exit_code", *res.ExitCode, "reason", out.Reason())
			metrics.SetLastExitCode(name, *res.ExitCode)
			s.mu.Lock()
			c := *res.ExitCode
			s.lastExit = &c
			s.mu.Unlock()
			rec.ExitCode = res.ExitCode
		} else {
			log.Info("no running webserver; respawning", "reason", out.Reason())
		}
		rec.Reason = out.Reason()
		s.emit(history.EventDead, rec)
		s.respawn("dead")
		return true, res.ExitCode

	default:
		s.bumpPort()
		log.Info("webserver not responding properly; bouncing", "reason", out.Reason(), "status", out.StatusCode)
		rec := s.record(proc)
		rec.Reason = out.Reason()
		s.emit(history.EventHung, rec)
		if err := proc.Kill(); err != nil {
			log.Error("error killing webserver process", "pid", proc.PID(), "error", err)
			metrics.IncKillFailure(name)
		}
		s.respawn("hung")
		return true, nil
	}
}

// WaitReady blocks until the current child accepts TCP connections, it
// exits, or timeout elapses.
func (s *Supervisor) WaitReady(ctx context.Context, timeout time.Duration) error {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return fmt.Errorf("wait ready %s: %w", addr, process.ErrNotStarted)
	}

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		select {
		case <-proc.Done():
			return fmt.Errorf("wait ready %s: child exited", addr)
		case <-ctx.Done():
			return fmt.Errorf("wait ready %s: %w", addr, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Close kills the current child. Later calls and Checks are no-ops.
func (s *Supervisor) Close() error {
	s.checkMu.Lock()
	defer s.checkMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}

	err := proc.Kill()
	rec := s.record(proc)
	if exited, code := proc.Poll(); exited {
		rec.ExitCode = &code
	}
	s.emit(history.EventStop, rec)
	if err != nil {
		s.opts.Logger.Error("error killing webserver on shutdown", "name", s.opts.Spec.Name, "pid", proc.PID(), "error", err)
		return err
	}
	s.opts.Logger.Info("webserver stopped", "name", s.opts.Spec.Name, "pid", proc.PID())
	return nil
}

// Status returns a snapshot of the supervisor and its current child.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:                s.opts.Spec.Name,
		State:               s.state,
		Host:                s.host,
		Port:                s.port,
		Restarts:            s.restarts,
		LastCheck:           s.lastCheck,
		LastReason:          s.lastReason,
		ConsecutiveFailures: s.failures,
		Closed:              s.closed,
	}
	if s.lastExit != nil {
		c := *s.lastExit
		st.LastExitCode = &c
	}
	if s.proc != nil {
		ps := s.proc.Snapshot()
		st.PID = ps.PID
		st.Running = ps.Running
		st.StartedAt = ps.StartedAt
	}
	return st
}

// maxPort is the highest TCP port; bumping past it wraps to the base port.
const maxPort = 65535

func (s *Supervisor) bumpPort() {
	s.mu.Lock()
	s.port++
	wrapped := s.port > maxPort
	if wrapped {
		s.port = s.opts.Port
	}
	port := s.port
	s.mu.Unlock()
	if wrapped {
		s.opts.Logger.Warn("port range exhausted, wrapping to base port",
			"name", s.opts.Spec.Name, "port", port)
	}
	metrics.SetListenPort(s.opts.Spec.Name, port)
}

// spawn starts a new child at the current address and makes it current.
func (s *Supervisor) spawn() error {
	s.mu.Lock()
	host, port := s.host, s.port
	s.mu.Unlock()

	spec := s.opts.Spec
	log := s.opts.Logger.With("name", spec.Name)
	p := process.New(spec)
	p.SetKillWait(s.opts.KillWait)
	log.Info("spawning webserver", "host", host, "port", port, "log", spec.Log.Path)
	if err := p.Start(host, port); err != nil {
		log.Error("error spawning webserver process",
			"command", strings.Join(spec.Command, " "),
			"host", host,
			"port", port,
			"log", spec.Log.Path,
			"error", err)
		metrics.IncSpawnFailure(spec.Name)
		s.mu.Lock()
		s.proc = nil
		s.state = probe.StatusDead
		s.mu.Unlock()
		s.emit(history.EventSpawnFailed, history.Record{Name: spec.Name, Host: host, Port: port, Reason: err.Error()})
		return fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	s.mu.Lock()
	s.proc = p
	s.state = probe.StatusAlive
	s.mu.Unlock()
	metrics.SetListenPort(spec.Name, port)
	s.emit(history.EventSpawn, s.record(p))
	return nil
}

// respawn replaces the child after an unhealthy check. Failures are logged
// and the next check tries again.
func (s *Supervisor) respawn(reason string) {
	if err := s.spawn(); err != nil {
		return
	}
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
	metrics.IncRespawn(s.opts.Spec.Name, reason)
}

func (s *Supervisor) record(p *process.Process) history.Record {
	if p == nil {
		host, port := s.Address()
		return history.Record{Name: s.opts.Spec.Name, Host: host, Port: port}
	}
	ps := p.Snapshot()
	return history.Record{Name: s.opts.Spec.Name, PID: ps.PID, Host: ps.Host, Port: ps.Port}
}

func (s *Supervisor) emit(t history.EventType, rec history.Record) {
	if len(s.opts.History) == 0 {
		return
	}
	evt := history.Event{Type: t, OccurredAt: time.Now().UTC(), Record: rec}
	for _, sink := range s.opts.History {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.HistoryTimeout)
		if err := sink.Send(ctx, evt); err != nil {
			s.opts.Logger.Warn("history sink failed", "name", rec.Name, "event", string(t), "error", err)
		}
		cancel()
	}
}
