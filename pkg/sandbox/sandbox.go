// Package sandbox provides a uniform lifecycle over the execution backends
// used to run untrusted repair commands: ephemeral cloud micro-VMs (e2b),
// local Docker containers, and Kubernetes Jobs. A simulation backend runs
// commands in a temp directory for tests.
package sandbox

import (
	"context"
	"strings"
	"time"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/errs"
)

// ExitCommandNotFound is the shell exit code for an unknown command.
const ExitCommandNotFound = 127

// DefaultCommandTimeout applies when ExecOptions.Timeout is zero.
const DefaultCommandTimeout = 120 * time.Second

// ExecOptions controls a single command execution.
type ExecOptions struct {
	// Timeout bounds the command; zero means DefaultCommandTimeout.
	Timeout time.Duration
	// Cwd is the working directory inside the sandbox; empty means the
	// sandbox workspace root.
	Cwd string
}

// ExecResult is the outcome of one command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandNotFound reports whether the result indicates a missing command.
func (r *ExecResult) CommandNotFound() bool {
	if r == nil {
		return false
	}
	return r.ExitCode == ExitCommandNotFound ||
		strings.Contains(strings.ToLower(r.Stderr), "command not found")
}

// ResourceStats is a point-in-time usage snapshot. Backends that cannot
// observe usage return nil.
type ResourceStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Pids          int     `json:"pids"`
}

// Sandbox is the uniform contract over execution backends.
//
// All methods are fallible; errors are typed (errs.KindTransport,
// errs.KindTimeout, errs.KindCommandNotFound, errs.KindResourceExhausted).
// Callers serialize: one exec at a time per sandbox.
type Sandbox interface {
	// Init acquires the environment. For container backends this creates a
	// long-lived worker (sleep infinity); for Kubernetes it creates a Job and
	// waits for its Pod to be Running.
	Init(ctx context.Context) error

	// RunCommand executes a shell command line inside the sandbox.
	RunCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error)

	// RunArgv executes argv directly, without shell interpretation. Used on
	// trust-sensitive paths where no substitution may occur.
	RunArgv(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error)

	// WriteFile writes content at path inside the sandbox.
	WriteFile(ctx context.Context, path string, content []byte) error

	// ReadFile reads a file from inside the sandbox.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// ResourceStats returns current usage, or nil when unobservable.
	ResourceStats(ctx context.Context) (*ResourceStats, error)

	// Teardown releases all resources. Idempotent.
	Teardown(ctx context.Context) error
}

// New chooses the backend from configuration.
func New(cfg *config.SandboxConfig) (Sandbox, error) {
	switch cfg.Backend {
	case config.BackendDocker:
		return NewDockerSandbox(cfg)
	case config.BackendKubernetes:
		return NewKubernetesSandbox(cfg)
	case config.BackendE2B:
		return NewE2BSandbox(cfg)
	case config.BackendSimulation:
		return NewSimulationSandbox()
	default:
		return nil, errs.Ef(errs.KindConfig, "unknown execution backend %q", cfg.Backend)
	}
}

// shellJoin quotes argv for safe embedding into a shell command line, for
// backends that only expose a shell entrypoint.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func timeoutErr(cmd string) error {
	return errs.Ef(errs.KindTimeout, "command timed out: %s", truncateCmd(cmd))
}

func truncateCmd(cmd string) string {
	if len(cmd) > 120 {
		return cmd[:120] + "…"
	}
	return cmd
}
