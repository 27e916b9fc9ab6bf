package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/warden/internal/history"
	"github.com/loykin/warden/internal/probe"
	"github.com/loykin/warden/internal/process"
)

func newSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitExited(t *testing.T, s *Supervisor) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := s.Status()
		return st.PID != 0 && !st.Running
	}, 5*time.Second, 10*time.Millisecond, "child did not exit")
}

func pidGone(pid int) bool {
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && !ok
}

func TestCheckHealthyLeavesEverythingUnchanged(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: healthy}
	s := newSupervisor(t, Options{Spec: shSpec("sleeper", "sleep 30"), Port: 7000, Prober: fp})
	pid := s.Status().PID

	changed, code := s.Check(context.Background(), "/test.txt", time.Second)
	assert.False(t, changed)
	assert.Nil(t, code)

	host, port := s.Address()
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 7000, port)
	st := s.Status()
	assert.Equal(t, probe.StatusAlive, st.State)
	assert.Equal(t, pid, st.PID)
	assert.True(t, st.Running)
	assert.Zero(t, st.Restarts)
}

func TestCheckDeadRespawnsWithExitCode(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: refused}
	s := newSupervisor(t, Options{Spec: shSpec("crasher", "exit 3"), Port: 7100, Prober: fp})
	oldPID := s.Status().PID
	waitExited(t, s)

	changed, code := s.Check(context.Background(), "/test.txt", time.Second)
	assert.True(t, changed)
	require.NotNil(t, code)
	assert.Equal(t, 3, *code, "a dead child reports its own exit code, not a kill signal")

	_, port := s.Address()
	assert.Equal(t, 7101, port)
	st := s.Status()
	assert.NotEqual(t, oldPID, st.PID)
	assert.Equal(t, 1, st.Restarts)
	require.NotNil(t, st.LastExitCode)
	assert.Equal(t, 3, *st.LastExitCode)
}

func TestCheckHungKillsAndRespawns(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: timedOut}
	sink := &memorySink{}
	s := newSupervisor(t, Options{
		Spec:    shSpec("wedged", "sleep 30"),
		Port:    7200,
		Prober:  fp,
		History: []history.Sink{sink},
	})
	oldPID := s.Status().PID

	changed, code := s.Check(context.Background(), "/test.txt", 50*time.Millisecond)
	assert.True(t, changed)
	assert.Nil(t, code)

	_, port := s.Address()
	assert.Equal(t, 7201, port)
	require.Eventually(t, func() bool { return pidGone(oldPID) }, 5*time.Second, 20*time.Millisecond)

	st := s.Status()
	assert.NotEqual(t, oldPID, st.PID)
	assert.True(t, st.Running)
	assert.Equal(t, 7201, st.Port)
	assert.Equal(t, "timeout", st.LastReason)
	assert.Equal(t, []history.EventType{history.EventSpawn, history.EventHung, history.EventSpawn}, sink.types())
}

func TestNonOKStatusIsUnhealthy(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: probe.Outcome{StatusCode: 404}}
	s := newSupervisor(t, Options{Spec: shSpec("wedged", "sleep 30"), Port: 7250, Prober: fp})

	changed, code := s.Check(context.Background(), "/missing.txt", time.Second)
	assert.True(t, changed)
	assert.Nil(t, code)
	assert.Equal(t, "status=404", s.Status().LastReason)
}

func TestPortMonotonicity(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: timedOut}
	s := newSupervisor(t, Options{Spec: shSpec("wedged", "sleep 30"), Port: 7300, Prober: fp})

	const n = 4
	prev := 7300
	for i := 0; i < n; i++ {
		changed, _ := s.Check(context.Background(), "/", 10*time.Millisecond)
		require.True(t, changed)
		_, port := s.Address()
		require.Greater(t, port, prev)
		prev = port
	}
	assert.GreaterOrEqual(t, prev, 7300+n)
	assert.Equal(t, []int{7300, 7301, 7302, 7303}, fp.ports)
	assert.Equal(t, n, s.Status().ConsecutiveFailures)

	fp.set(healthy)
	changed, _ := s.Check(context.Background(), "/", 10*time.Millisecond)
	assert.False(t, changed)
	assert.Zero(t, s.Status().ConsecutiveFailures)
}

func TestPortWrapsToBaseAfterRange(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: timedOut}
	s := newSupervisor(t, Options{Spec: shSpec("wedged", "sleep 30"), Port: 65534, Prober: fp})

	var ports []int
	for i := 0; i < 3; i++ {
		changed, _ := s.Check(context.Background(), "/", 10*time.Millisecond)
		require.True(t, changed)
		_, port := s.Address()
		ports = append(ports, port)
	}
	assert.Equal(t, []int{65535, 65534, 65535}, ports)
	assert.True(t, s.Status().Running)
}

func TestKeepPortOnExit(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: refused}
	s := newSupervisor(t, Options{Spec: shSpec("crasher", "exit 5"), Port: 7400, Prober: fp, KeepPortOnExit: true})
	waitExited(t, s)

	changed, code := s.Check(context.Background(), "/", time.Second)
	assert.True(t, changed)
	require.NotNil(t, code)
	assert.Equal(t, 5, *code)
	_, port := s.Address()
	assert.Equal(t, 7400, port, "clean exit keeps the port")
}

func TestNewSpawnFailureIsReturned(t *testing.T) {
	sink := &memorySink{}
	_, err := New(Options{
		Spec:    process.Spec{Name: "missing", Command: []string{"/nonexistent/warden-child"}},
		Logger:  quietLogger(),
		History: []history.Sink{sink},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawn))
	assert.Equal(t, []history.EventType{history.EventSpawnFailed}, sink.types())
}

func TestRespawnFailureIsRetriedByNextCheck(t *testing.T) {
	requireUnix(t)
	dir := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.Mkdir(dir, 0o755))
	spec := shSpec("wedged", "sleep 30")
	spec.WorkDir = dir

	fp := &fakeProber{outcome: timedOut}
	s := newSupervisor(t, Options{Spec: spec, Port: 7500, Prober: fp})
	require.NoError(t, os.RemoveAll(dir))

	changed, code := s.Check(context.Background(), "/", 10*time.Millisecond)
	assert.True(t, changed)
	assert.Nil(t, code)
	st := s.Status()
	assert.Zero(t, st.PID, "respawn failed, no child is held")
	assert.Equal(t, probe.StatusDead, st.State)

	// Still no child: reported dead without an exit code, port bumped again.
	changed, code = s.Check(context.Background(), "/", 10*time.Millisecond)
	assert.True(t, changed)
	assert.Nil(t, code)
	_, port := s.Address()
	assert.Equal(t, 7502, port)

	require.NoError(t, os.Mkdir(dir, 0o755))
	changed, _ = s.Check(context.Background(), "/", 10*time.Millisecond)
	assert.True(t, changed)
	st = s.Status()
	assert.NotZero(t, st.PID)
	assert.True(t, st.Running)
	assert.Equal(t, 7503, st.Port)
}

func TestCloseKillsChildAndIsIdempotent(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: timedOut}
	sink := &memorySink{}
	s, err := New(Options{Spec: shSpec("sleeper", "sleep 30"), Port: 7600, Prober: fp, Logger: quietLogger(), History: []history.Sink{sink}})
	require.NoError(t, err)
	pid := s.Status().PID

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.Eventually(t, func() bool { return pidGone(pid) }, 5*time.Second, 20*time.Millisecond)

	changed, code := s.Check(context.Background(), "/", 10*time.Millisecond)
	assert.False(t, changed)
	assert.Nil(t, code)
	_, port := s.Address()
	assert.Equal(t, 7600, port, "closed supervisor never respawns")
	assert.True(t, s.Status().Closed)
	assert.Equal(t, []history.EventType{history.EventSpawn, history.EventStop}, sink.types())
}

func TestCancelledCheckIsNotAVerdict(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: timedOut}
	s := newSupervisor(t, Options{Spec: shSpec("sleeper", "sleep 30"), Port: 7700, Prober: fp})
	pid := s.Status().PID

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	changed, _ := s.Check(ctx, "/", time.Second)
	assert.False(t, changed)
	assert.Equal(t, pid, s.Status().PID)
}

func TestConcurrentChecksAreSerialized(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: timedOut}
	s := newSupervisor(t, Options{Spec: shSpec("wedged", "sleep 30"), Port: 7800, Prober: fp})

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Check(context.Background(), "/", 10*time.Millisecond)
		}()
	}
	wg.Wait()
	assert.ElementsMatch(t, []int{7800, 7801, 7802}, fp.ports, "each check saw the address left by the previous one")
	_, port := s.Address()
	assert.Equal(t, 7803, port)
}

func TestRunReportsChecks(t *testing.T) {
	requireUnix(t)
	fp := &fakeProber{outcome: healthy}
	s := newSupervisor(t, Options{Spec: shSpec("sleeper", "sleep 30"), Port: 7900, Prober: fp})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan CheckEvent, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, RunOptions{Interval: 10 * time.Millisecond, OnCheck: func(e CheckEvent) {
			select {
			case events <- e:
			default:
			}
		}})
	}()

	for i := 0; i < 3; i++ {
		select {
		case e := <-events:
			assert.False(t, e.Changed)
			assert.Equal(t, 7900, e.Port)
		case <-time.After(2 * time.Second):
			t.Fatal("no check event")
		}
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
