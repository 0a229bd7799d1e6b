package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/anchapin/cifixd/pkg/errs"
)

// SimulationSandbox runs commands directly in a temporary directory with no
// isolation. Test use only.
type SimulationSandbox struct {
	root string
}

// NewSimulationSandbox creates the backend; the directory is made on Init.
func NewSimulationSandbox() (*SimulationSandbox, error) {
	return &SimulationSandbox{}, nil
}

// Init creates the workspace directory.
func (s *SimulationSandbox) Init(_ context.Context) error {
	if s.root != "" {
		return nil
	}
	dir, err := os.MkdirTemp("", "cifixd-sim-*")
	if err != nil {
		return errs.E(errs.KindTransport, "creating simulation workspace", err)
	}
	s.root = dir
	return nil
}

// Root returns the workspace directory (for test seeding).
func (s *SimulationSandbox) Root() string { return s.root }

// RunCommand executes the line through sh -c in the workspace.
func (s *SimulationSandbox) RunCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	return s.run(ctx, []string{"sh", "-c", cmd}, cmd, opts)
}

// RunArgv executes argv without shell interpretation.
func (s *SimulationSandbox) RunArgv(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errs.Ef(errs.KindClient, "empty argv")
	}
	return s.run(ctx, argv, strings.Join(argv, " "), opts)
}

func (s *SimulationSandbox) run(ctx context.Context, argv []string, display string, opts ExecOptions) (*ExecResult, error) {
	if s.root == "" {
		return nil, errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = s.root
	if opts.Cwd != "" {
		cmd.Dir = filepath.Join(s.root, filepath.Clean(opts.Cwd))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, timeoutErr(display)
	}
	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrNotFound):
			result.ExitCode = ExitCommandNotFound
			result.Stderr = fmt.Sprintf("%s: command not found", argv[0])
		default:
			return nil, errs.E(errs.KindTransport, "running command", err)
		}
	}
	return result, nil
}

// WriteFile writes content under the workspace root.
func (s *SimulationSandbox) WriteFile(_ context.Context, path string, content []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errs.E(errs.KindTransport, "creating parent directory", err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return errs.E(errs.KindTransport, "writing file", err)
	}
	return nil
}

// ReadFile reads a file from the workspace.
func (s *SimulationSandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errs.Ef(errs.KindClient, "file not found: %s", path)
		}
		return nil, errs.E(errs.KindTransport, "reading file", err)
	}
	return data, nil
}

// ResourceStats is unobservable for the simulation backend.
func (s *SimulationSandbox) ResourceStats(_ context.Context) (*ResourceStats, error) {
	return nil, nil
}

// Teardown removes the workspace. Idempotent.
func (s *SimulationSandbox) Teardown(_ context.Context) error {
	if s.root == "" {
		return nil
	}
	err := os.RemoveAll(s.root)
	s.root = ""
	if err != nil {
		return errs.E(errs.KindTransport, "removing simulation workspace", err)
	}
	return nil
}

// resolve confines path to the workspace root.
func (s *SimulationSandbox) resolve(path string) (string, error) {
	if s.root == "" {
		return "", errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	clean := filepath.Clean("/" + path)
	return filepath.Join(s.root, clean), nil
}
