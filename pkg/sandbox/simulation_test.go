package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/errs"
)

func TestSimulationSandbox_Lifecycle(t *testing.T) {
	ctx := context.Background()
	sb, err := NewSimulationSandbox()
	require.NoError(t, err)
	require.NoError(t, sb.Init(ctx))
	t.Cleanup(func() { _ = sb.Teardown(ctx) })

	// Init is idempotent.
	root := sb.Root()
	require.NoError(t, sb.Init(ctx))
	assert.Equal(t, root, sb.Root())

	require.NoError(t, sb.WriteFile(ctx, "src/app.py", []byte("print('hi')\n")))

	data, err := sb.ReadFile(ctx, "src/app.py")
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(data))

	res, err := sb.RunCommand(ctx, "ls src", ExecOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "app.py")
}

func TestSimulationSandbox_ExitCodes(t *testing.T) {
	ctx := context.Background()
	sb, err := NewSimulationSandbox()
	require.NoError(t, err)
	require.NoError(t, sb.Init(ctx))
	t.Cleanup(func() { _ = sb.Teardown(ctx) })

	t.Run("nonzero exit is a result, not an error", func(t *testing.T) {
		res, err := sb.RunCommand(ctx, "exit 3", ExecOptions{})
		require.NoError(t, err)
		assert.Equal(t, 3, res.ExitCode)
	})

	t.Run("missing command maps to 127", func(t *testing.T) {
		res, err := sb.RunArgv(ctx, []string{"definitely-not-a-command-xyz"}, ExecOptions{})
		require.NoError(t, err)
		assert.Equal(t, ExitCommandNotFound, res.ExitCode)
		assert.True(t, res.CommandNotFound())
	})

	t.Run("shell reports command not found in stderr", func(t *testing.T) {
		res, err := sb.RunCommand(ctx, "definitely-not-a-command-xyz", ExecOptions{})
		require.NoError(t, err)
		assert.True(t, res.CommandNotFound())
	})
}

func TestSimulationSandbox_Timeout(t *testing.T) {
	ctx := context.Background()
	sb, err := NewSimulationSandbox()
	require.NoError(t, err)
	require.NoError(t, sb.Init(ctx))
	t.Cleanup(func() { _ = sb.Teardown(ctx) })

	_, err = sb.RunCommand(ctx, "sleep 5", ExecOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindTimeout))
}

func TestSimulationSandbox_PathConfinement(t *testing.T) {
	ctx := context.Background()
	sb, err := NewSimulationSandbox()
	require.NoError(t, err)
	require.NoError(t, sb.Init(ctx))
	t.Cleanup(func() { _ = sb.Teardown(ctx) })

	// Traversal attempts stay inside the workspace root.
	require.NoError(t, sb.WriteFile(ctx, "../../escape.txt", []byte("x")))
	data, err := sb.ReadFile(ctx, "escape.txt")
	require.NoError(t, err)
	assert.Equal(t, "x", string(data))
}

func TestSimulationSandbox_ReadMissingFile(t *testing.T) {
	ctx := context.Background()
	sb, err := NewSimulationSandbox()
	require.NoError(t, err)
	require.NoError(t, sb.Init(ctx))
	t.Cleanup(func() { _ = sb.Teardown(ctx) })

	_, err = sb.ReadFile(ctx, "missing.txt")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindClient))
}

func TestSimulationSandbox_TeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	sb, err := NewSimulationSandbox()
	require.NoError(t, err)
	require.NoError(t, sb.Init(ctx))

	require.NoError(t, sb.Teardown(ctx))
	require.NoError(t, sb.Teardown(ctx))
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(&config.SandboxConfig{Backend: "bogus"})
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConfig))
}
