package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/leaktk/nps/pkg/kind"
)

// Role selects which worker loop a child process runs
type Role string

const (
	RoleScanner  Role = "scanner"
	RoleReporter Role = "reporter"
	RoleUI       Role = "ui"
)

// RoleEnvVar carries the role from the supervisor to a worker process
const RoleEnvVar = "NPS_WORKER_ROLE"

// Roles lists every known role
var Roles = []Role{RoleScanner, RoleReporter, RoleUI}

// ParseRole matches name against the known roles ignoring case
func ParseRole(name string) (Role, error) {
	for _, role := range Roles {
		if kind.KindsMatch(string(role), name) {
			return role, nil
		}
	}

	return "", fmt.Errorf("unknown worker role: role=%q", name)
}

// Child is a running worker
type Child interface {
	Pid() int
	// Wait blocks until the child exits
	Wait() error
}

// Spawner starts worker processes. Cancelling ctx asks the child to stop.
type Spawner interface {
	Spawn(ctx context.Context, role Role) (Child, error)
}

// ExecSpawner starts workers by re-running a binary with the worker command
type ExecSpawner struct {
	// Path of the binary, the running executable by default
	Path string
	// Args go before the worker subcommand (e.g. --config)
	Args []string
	// StopTimeout is how long a child gets to exit after SIGTERM before it
	// is killed
	StopTimeout time.Duration
}

// NewExecSpawner returns a spawner for the running executable
func NewExecSpawner(args ...string) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("could not locate executable: %w", err)
	}

	return &ExecSpawner{
		Path:        path,
		Args:        args,
		StopTimeout: 30 * time.Second,
	}, nil
}

// Spawn starts `<path> <args> worker` with the role in the environment
func (s *ExecSpawner) Spawn(ctx context.Context, role Role) (Child, error) {
	args := append(append([]string{}, s.Args...), "worker")

	cmd := exec.CommandContext(ctx, s.Path, args...) // #nosec G204
	cmd.Env = append(os.Environ(), RoleEnvVar+"="+string(role))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = s.StopTimeout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start worker: role=%q command=%q error=%w", role, cmd.String(), err)
	}

	return &execChild{cmd: cmd}, nil
}

type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) Pid() int {
	return c.cmd.Process.Pid
}

func (c *execChild) Wait() error {
	return c.cmd.Wait()
}
