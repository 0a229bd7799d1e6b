package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSandbox records the last command and returns a canned result.
type fakeSandbox struct {
	SimulationSandbox
	lastCmd string
	result  *ExecResult
}

func (f *fakeSandbox) RunCommand(_ context.Context, cmd string, _ ExecOptions) (*ExecResult, error) {
	f.lastCmd = cmd
	if f.result != nil {
		return f.result, nil
	}
	return &ExecResult{Stdout: "ok"}, nil
}

// fakeDetector counts hallucinations and triggers advice after two
// consecutive misses on the same path.
type fakeDetector struct {
	recorded []string
	lastPath string
	streak   int
}

func (d *fakeDetector) RecordHallucination(path string) {
	d.recorded = append(d.recorded, path)
	if path == d.lastPath {
		d.streak++
	} else {
		d.lastPath = path
		d.streak = 1
	}
}

func (d *fakeDetector) ShouldTriggerStrategyShift(path string) bool {
	return path == d.lastPath && d.streak >= 2
}

func (d *fakeDetector) TriggerAutomatedRecovery(path string) string {
	return "[SYSTEM ADVICE] The file '" + path + "' was not found. Use `glob(...)` to locate files before reading them."
}

func TestGuard_PassesThroughNonReadCommands(t *testing.T) {
	inner := &fakeSandbox{}
	guard := NewGuard(inner, nil)
	guard.SetFiles([]string{"src/app.py"})

	_, err := guard.RunCommand(context.Background(), "npm test", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "npm test", inner.lastCmd)
}

func TestGuard_ExistingPathUntouched(t *testing.T) {
	inner := &fakeSandbox{}
	guard := NewGuard(inner, nil)
	guard.SetFiles([]string{"src/app.py"})

	_, err := guard.RunCommand(context.Background(), "cat src/app.py", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cat src/app.py", inner.lastCmd)
}

func TestGuard_SingleMatchRewrites(t *testing.T) {
	inner := &fakeSandbox{}
	guard := NewGuard(inner, nil)
	guard.SetFiles([]string{"src/deep/nested/app.py", "src/other.py"})

	_, err := guard.RunCommand(context.Background(), "cat app.py", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cat src/deep/nested/app.py", inner.lastCmd)
}

func TestGuard_MultiMatchRefuses(t *testing.T) {
	inner := &fakeSandbox{}
	guard := NewGuard(inner, nil)
	guard.SetFiles([]string{"a/config.yaml", "b/config.yaml"})

	res, err := guard.RunCommand(context.Background(), "cat config.yaml", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "a/config.yaml")
	assert.Contains(t, res.Stderr, "b/config.yaml")
	assert.Empty(t, inner.lastCmd, "refused command must not reach the sandbox")
}

func TestGuard_NoMatchRecordsHallucination(t *testing.T) {
	inner := &fakeSandbox{}
	detector := &fakeDetector{}
	guard := NewGuard(inner, detector)
	guard.SetFiles([]string{"src/app.py"})

	_, err := guard.RunCommand(context.Background(), "cat ghost.py", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost.py"}, detector.recorded)
}

func TestGuard_AdviceInjectedOnRepeatedHallucination(t *testing.T) {
	inner := &fakeSandbox{result: &ExecResult{Stdout: "cat: ghost.py: No such file"}}
	detector := &fakeDetector{}
	guard := NewGuard(inner, detector)
	guard.SetFiles([]string{"src/app.py"})

	ctx := context.Background()
	res, err := guard.RunCommand(ctx, "cat ghost.py", ExecOptions{})
	require.NoError(t, err)
	assert.NotContains(t, res.Stdout, "[SYSTEM ADVICE]")

	res, err = guard.RunCommand(ctx, "cat ghost.py", ExecOptions{})
	require.NoError(t, err)
	assert.Contains(t, res.Stdout, "[SYSTEM ADVICE]")
	assert.Contains(t, res.Stdout, "glob(")
}

func TestGuard_FlagsSkipped(t *testing.T) {
	inner := &fakeSandbox{}
	guard := NewGuard(inner, nil)
	guard.SetFiles([]string{"logs/build.log"})

	_, err := guard.RunCommand(context.Background(), "tail -n 50 build.log", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, "tail -n 50 logs/build.log", inner.lastCmd)
}
