package supervisor

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leaktk/nps/pkg/config"
)

type fakeChild struct {
	pid  int
	ctx  context.Context
	exit chan error
}

func (c *fakeChild) Pid() int {
	return c.pid
}

func (c *fakeChild) Wait() error {
	select {
	case err := <-c.exit:
		return err
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// fakeSpawner records spawns. Children either crash right away or run until
// the supervisor stops.
type fakeSpawner struct {
	mu      sync.Mutex
	crash   bool
	spawned []Role
	failFor Role
}

func (s *fakeSpawner) Spawn(ctx context.Context, role Role) (Child, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.spawned = append(s.spawned, role)
	if role == s.failFor {
		return nil, errors.New("fork failed")
	}

	child := &fakeChild{pid: len(s.spawned), ctx: ctx, exit: make(chan error, 1)}
	if s.crash {
		child.exit <- errors.New("signal: killed")
	}

	return child, nil
}

func (s *fakeSpawner) count(role Role) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, spawned := range s.spawned {
		if spawned == role {
			n++
		}
	}
	return n
}

type fakeReaper struct {
	mu     sync.Mutex
	reaped map[string]int
	err    error
}

func (r *fakeReaper) Reap(_ context.Context, queue string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reaped == nil {
		r.reaped = map[string]int{}
	}
	r.reaped[queue]++

	return 1, r.err
}

func (r *fakeReaper) calls(queue string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reaped[queue]
}

func newTestSupervisor(cfg *config.Config, spawner Spawner, reaper Reaper) *Supervisor {
	s := NewSupervisor(cfg, spawner, reaper)
	s.newBackOff = func() backoff.BackOff {
		return &backoff.ZeroBackOff{}
	}
	return s
}

// runSupervisor runs s in the background and returns a func that stops it
func runSupervisor(t *testing.T, s *Supervisor) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("supervisor did not stop")
		}
	}
}

func TestSupervisor(t *testing.T) {
	t.Run("SpawnsConfiguredCounts", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Supervisor.ScannerProcesses = 3
		cfg.Supervisor.ReporterProcesses = 2
		cfg.Supervisor.EnableUI = true

		spawner := &fakeSpawner{}
		stop := runSupervisor(t, newTestSupervisor(cfg, spawner, &fakeReaper{}))

		assert.Eventually(t, func() bool {
			return spawner.count(RoleScanner) == 3 && spawner.count(RoleReporter) == 2 && spawner.count(RoleUI) == 1
		}, 5*time.Second, 10*time.Millisecond)

		stop()

		// Nothing is respawned on shutdown
		assert.Equal(t, 3, spawner.count(RoleScanner))
		assert.Equal(t, 2, spawner.count(RoleReporter))
		assert.Equal(t, 1, spawner.count(RoleUI))
	})

	t.Run("UIDisabledByDefault", func(t *testing.T) {
		cfg := config.DefaultConfig()
		spawner := &fakeSpawner{}
		stop := runSupervisor(t, newTestSupervisor(cfg, spawner, &fakeReaper{}))

		assert.Eventually(t, func() bool {
			return spawner.count(RoleScanner) == 1 && spawner.count(RoleReporter) == 1
		}, 5*time.Second, 10*time.Millisecond)

		stop()
		assert.Equal(t, 0, spawner.count(RoleUI))
	})

	t.Run("RespawnsAreCapped", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Supervisor.ReporterProcesses = 0
		cfg.Supervisor.MaxRestarts = 3
		cfg.Supervisor.RestartWindow = 3600

		spawner := &fakeSpawner{crash: true}
		stop := runSupervisor(t, newTestSupervisor(cfg, spawner, &fakeReaper{}))

		// The first start plus max_restarts replacements
		assert.Eventually(t, func() bool {
			return spawner.count(RoleScanner) == 4
		}, 5*time.Second, 10*time.Millisecond)

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, 4, spawner.count(RoleScanner))

		stop()
	})

	t.Run("SpawnErrorsAreRetried", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Supervisor.ReporterProcesses = 0
		cfg.Supervisor.MaxRestarts = 2
		cfg.Supervisor.RestartWindow = 3600

		spawner := &fakeSpawner{failFor: RoleScanner}
		stop := runSupervisor(t, newTestSupervisor(cfg, spawner, &fakeReaper{}))

		assert.Eventually(t, func() bool {
			return spawner.count(RoleScanner) == 3
		}, 5*time.Second, 10*time.Millisecond)

		stop()
	})

	t.Run("ReapsAtStartupAndOnInterval", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Supervisor.ScannerProcesses = 0
		cfg.Supervisor.ReporterProcesses = 0

		reaper := &fakeReaper{}
		s := newTestSupervisor(cfg, &fakeSpawner{}, reaper)
		s.reapInterval = 20 * time.Millisecond
		stop := runSupervisor(t, s)

		assert.Eventually(t, func() bool {
			return reaper.calls(cfg.Queue.WorkQueue) >= 3 && reaper.calls(cfg.Queue.ResultQueue) >= 3
		}, 5*time.Second, 10*time.Millisecond)

		stop()
	})
}

func TestReapQueues(t *testing.T) {
	reaper := &fakeReaper{}
	require.NoError(t, ReapQueues(context.Background(), reaper, "work", "results"))
	assert.Equal(t, 1, reaper.calls("work"))
	assert.Equal(t, 1, reaper.calls("results"))

	// Every queue is tried even when one fails
	reaper = &fakeReaper{err: errors.New("store down")}
	assert.Error(t, ReapQueues(context.Background(), reaper, "work", "results"))
	assert.Equal(t, 1, reaper.calls("results"))
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		name     string
		expected Role
		err      bool
	}{
		{name: "scanner", expected: RoleScanner},
		{name: "Reporter", expected: RoleReporter},
		{name: " UI ", expected: RoleUI},
		{name: "master", err: true},
		{name: "", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role, err := ParseRole(tt.name)
			if tt.err {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, role)
		})
	}
}

func TestExecSpawner(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh is not available")
	}

	// "worker" is appended after the args and lands in $0
	spawner := &ExecSpawner{
		Path:        "/bin/sh",
		Args:        []string{"-c", `test "$` + RoleEnvVar + `" = reporter`},
		StopTimeout: time.Second,
	}

	t.Run("PassesRole", func(t *testing.T) {
		child, err := spawner.Spawn(context.Background(), RoleReporter)
		require.NoError(t, err)
		assert.Positive(t, child.Pid())
		assert.NoError(t, child.Wait())

		child, err = spawner.Spawn(context.Background(), RoleScanner)
		require.NoError(t, err)

		var exitErr *exec.ExitError
		require.ErrorAs(t, child.Wait(), &exitErr)
		assert.Equal(t, 1, exitErr.ExitCode())
	})

	t.Run("StopsOnCancel", func(t *testing.T) {
		spawner := &ExecSpawner{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}, StopTimeout: time.Second}

		ctx, cancel := context.WithCancel(context.Background())
		child, err := spawner.Spawn(ctx, RoleScanner)
		require.NoError(t, err)

		cancel()
		done := make(chan error, 1)
		go func() { done <- child.Wait() }()

		select {
		case err := <-done:
			assert.Error(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("child was not stopped")
		}
	})

	t.Run("MissingBinary", func(t *testing.T) {
		spawner := &ExecSpawner{Path: "/does/not/exist"}
		_, err := spawner.Spawn(context.Background(), RoleScanner)
		assert.Error(t, err)
	})
}
