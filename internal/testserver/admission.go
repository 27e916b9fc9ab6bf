package testserver

import (
	"log/slog"
	"net"
	"sync"

	"github.com/loykin/warden/internal/metrics"
)

// Gate is the admission counter. Check and increment happen in one critical
// section so the number of admitted connections never exceeds max.
type Gate struct {
	mu     sync.Mutex
	max    int
	active int
	log    *slog.Logger
}

func NewGate(max int, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{max: max, log: log}
}

// Acquire admits one worker, or reports false when the gate is full.
func (g *Gate) Acquire(remote string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active >= g.max {
		g.log.Warn("request would exceed worker limit; dropping", "remote", remote, "max_workers", g.max)
		metrics.IncAdmission(false)
		return false
	}
	g.active++
	g.log.Info("new request", "remote", remote, "active_workers", g.active)
	metrics.IncAdmission(true)
	metrics.SetActiveWorkers(g.active)
	return true
}

func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	g.log.Info("worker finished", "active_workers", g.active)
	metrics.SetActiveWorkers(g.active)
}

func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// admitListener runs the gate on every accepted connection before any byte
// of the request is read. Rejected connections are closed without a response.
type admitListener struct {
	net.Listener
	gate *Gate
}

func (l *admitListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		if !l.gate.Acquire(c.RemoteAddr().String()) {
			_ = c.Close()
			continue
		}
		return &admittedConn{Conn: c, gate: l.gate}, nil
	}
}

// admittedConn gives its worker slot back exactly once, on the first Close.
type admittedConn struct {
	net.Conn
	gate *Gate
	once sync.Once
}

func (c *admittedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.gate.Release)
	return err
}
