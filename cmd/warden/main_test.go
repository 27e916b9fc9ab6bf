package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/testserver"
)

const helperEnv = "WARDEN_TEST_HELPER"

// TestMain doubles as a test server binary for qualify tests.
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "testserver" {
		cfg := testserver.DefaultConfig()
		fs := pflag.NewFlagSet("testserver", pflag.ContinueOnError)
		testserver.BindFlags(fs, &cfg)
		if err := fs.Parse(os.Args[1:]); err != nil {
			os.Exit(2)
		}
		srv, err := testserver.New(cfg)
		if err != nil {
			os.Exit(2)
		}
		if err := srv.ListenAndServe(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func execute(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	root := buildRoot(&stdout, &stderr)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func TestQualifyWithoutCommandPrintsInstructions(t *testing.T) {
	out, _, err := execute(context.Background(), "qualify")
	require.NoError(t, err)
	assert.Contains(t, out, "Instructions:")
}

func TestQualifyOK(t *testing.T) {
	requireUnix(t)
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "test.txt"), []byte("qualified\n"), 0o644))
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(helperEnv, "testserver")

	out, errOut, err := execute(context.Background(), "qualify",
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(freePort(t)),
		"--child-log", filepath.Join(t.TempDir(), "webserver.log"),
		"--", exe, "-r", root)
	require.NoError(t, err, errOut)
	assert.Contains(t, out, "*** OK!")
}

func TestQualifyFailure(t *testing.T) {
	requireUnix(t)
	_, errOut, err := execute(context.Background(), "qualify",
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(freePort(t)),
		"--timeout", "500ms",
		"--child-log", filepath.Join(t.TempDir(), "webserver.log"),
		"--", "sh", "-c", "exit 1", "sh")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errExitStatus))
	assert.Contains(t, errOut, "*** ERROR")
}

func TestCheckCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/test.txt" {
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	host, port, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	out, _, err := execute(context.Background(), "check", "--host", host, "--port", port)
	require.NoError(t, err)
	assert.Contains(t, out, `"healthy": true`)

	out, _, err = execute(context.Background(), "check", "--host", host, "--port", port, "--path", "/missing")
	assert.True(t, errors.Is(err, errExitStatus))
	assert.Contains(t, out, `"status_code": 404`)
	assert.Contains(t, out, `"reason": "status=404"`)
}

func TestRunRequiresCommand(t *testing.T) {
	_, _, err := execute(context.Background(), "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command")
}

func TestRunKillsChildOnShutdown(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	pids := filepath.Join(dir, "pids")
	port := strconv.Itoa(freePort(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := execute(ctx, "run",
			"--host", "127.0.0.1",
			"--port", port,
			"--interval", "50ms",
			"--initial-timeout", "0s",
			"--child-log", filepath.Join(dir, "child.log"),
			"--", "sh", "-c", "echo $$ >> "+pids+"; exec sleep 30", "sh")
		done <- err
	}()

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pids)
		return err == nil && len(strings.Fields(string(b))) >= 2
	}, 10*time.Second, 20*time.Millisecond, "unresponsive child should be respawned")
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	b, err := os.ReadFile(pids)
	require.NoError(t, err)
	for _, f := range strings.Fields(string(b)) {
		pid, err := strconv.Atoi(f)
		require.NoError(t, err)
		exists, err := gopsproc.PidExists(int32(pid))
		require.NoError(t, err)
		assert.False(t, exists, "pid %d left running", pid)
	}
}
