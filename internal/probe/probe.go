// Package probe defines the health-check protocol shared by the supervisor
// and its callers: a single bounded-timeout HTTP GET and the classification of
// its outcome against the OS view of the child.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Status is the derived state of a supervised process.
type Status string

const (
	StatusAlive Status = "alive"
	StatusHung  Status = "hung"
	StatusDead  Status = "dead"
)

// Result is the HealthCheckResult of one check. ExitCode is set only for
// StatusDead.
type Result struct {
	Status   Status `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Outcome is the raw result of one probe. A probe never returns an error to
// its caller; transport failures are recorded here instead.
type Outcome struct {
	StatusCode int
	Err        error
	TimedOut   bool
	Elapsed    time.Duration
}

// Healthy reports whether a response was received with status 200.
func (o Outcome) Healthy() bool { return o.Err == nil && o.StatusCode == http.StatusOK }

// Reason is a short human readable description used in logs and events.
func (o Outcome) Reason() string {
	switch {
	case o.TimedOut:
		return "timeout"
	case o.Err != nil:
		return o.Err.Error()
	case o.StatusCode != http.StatusOK:
		return "status=" + strconv.Itoa(o.StatusCode)
	default:
		return "ok"
	}
}

// Classify combines a probe outcome with the child's exit status.
func Classify(o Outcome, exited bool, exitCode int) Result {
	if o.Healthy() {
		return Result{Status: StatusAlive}
	}
	if exited {
		code := exitCode
		return Result{Status: StatusDead, ExitCode: &code}
	}
	return Result{Status: StatusHung}
}

// HTTPProber issues health probes over fresh connections.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober that never reuses connections: every probe
// reaches whichever process currently owns the port.
func NewHTTPProber() *HTTPProber {
	transport := &http.Transport{
		Proxy:             nil,
		DisableKeepAlives: true,
		DialContext:       (&net.Dialer{}).DialContext,
	}
	return &HTTPProber{client: &http.Client{Transport: transport}}
}

// Get requests path from host:port, bounded by timeout (and ctx).
func (p *HTTPProber) Get(ctx context.Context, host string, port int, path string, timeout time.Duration) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	attemptCtx := ctx
	cancel := func() {}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	url := "http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{Err: fmt.Errorf("request: %w", err), Elapsed: time.Since(start)}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Outcome{
			Err:      err,
			TimedOut: isTimeout(attemptCtx, err),
			Elapsed:  time.Since(start),
		}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return Outcome{StatusCode: resp.StatusCode, Elapsed: time.Since(start)}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
