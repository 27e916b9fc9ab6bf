package supervisor

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/logger"
	"github.com/loykin/warden/internal/testserver"
)

func docRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.txt"), []byte("still here\n"), 0o644))
	return root
}

// ready waits for the child to listen and for its single worker to be free
// again after the readiness connection.
func ready(t *testing.T, s *Supervisor) {
	t.Helper()
	require.NoError(t, s.WaitReady(context.Background(), 10*time.Second))
	time.Sleep(100 * time.Millisecond)
}

func get(host string, port int, path string, timeout time.Duration) (*http.Response, error) {
	c := &http.Client{Timeout: timeout, Transport: &http.Transport{DisableKeepAlives: true}}
	return c.Get("http://" + net.JoinHostPort(host, strconv.Itoa(port)) + path)
}

func TestEndToEndHangIsDetectedAndBounced(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns the probe target")
	}
	root := docRoot(t)
	spec := helperSpec(t, root, "1")
	spec.Log = logger.FileConfig{Path: filepath.Join(t.TempDir(), "webserver.log")}
	p := freePort(t)

	s := newSupervisor(t, Options{Spec: spec, Host: "127.0.0.1", Port: p})
	ready(t, s)

	changed, code := s.Check(context.Background(), "/existing.txt", 2*time.Second)
	require.False(t, changed)
	require.Nil(t, code)
	host, port := s.Address()
	require.Equal(t, p, port)
	oldPID := s.Status().PID

	_, err := get(host, port, "/fail/hang", 300*time.Millisecond)
	require.Error(t, err, "the hang endpoint never answers")

	changed, code = s.Check(context.Background(), "/existing.txt", 300*time.Millisecond)
	assert.True(t, changed)
	assert.Nil(t, code)
	_, port = s.Address()
	assert.Equal(t, p+1, port)
	require.Eventually(t, func() bool { return pidGone(oldPID) }, 5*time.Second, 20*time.Millisecond)

	ready(t, s)
	changed, code = s.Check(context.Background(), "/existing.txt", 2*time.Second)
	assert.False(t, changed)
	assert.Nil(t, code)

	b, err := os.ReadFile(spec.Log.Path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hang requested")
}

func TestEndToEndCrashReportsReservedExitCode(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns the probe target")
	}
	spec := helperSpec(t, docRoot(t), "4")
	p := freePort(t)

	s := newSupervisor(t, Options{Spec: spec, Host: "127.0.0.1", Port: p})
	ready(t, s)

	_, err := get("127.0.0.1", p, "/fail/boom", 2*time.Second)
	require.Error(t, err)
	waitExited(t, s)

	changed, code := s.Check(context.Background(), "/existing.txt", time.Second)
	assert.True(t, changed)
	require.NotNil(t, code)
	assert.Equal(t, testserver.ExitCodeBoom, *code)
	_, port := s.Address()
	assert.Equal(t, p+1, port)

	ready(t, s)
	changed, _ = s.Check(context.Background(), "/existing.txt", 2*time.Second)
	assert.False(t, changed)
}

func TestEndToEndOverloadIsUnhealthy(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns the probe target")
	}
	spec := helperSpec(t, docRoot(t), "1")
	p := freePort(t)
	s := newSupervisor(t, Options{Spec: spec, Host: "127.0.0.1", Port: p})
	ready(t, s)

	// Occupy the single worker so the probe is dropped at admission.
	holder, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
	require.NoError(t, err)
	defer func() { _ = holder.Close() }()
	time.Sleep(100 * time.Millisecond)

	changed, code := s.Check(context.Background(), "/existing.txt", time.Second)
	assert.True(t, changed)
	assert.Nil(t, code, "an overloaded but live server is bounced, not reported dead")
}
