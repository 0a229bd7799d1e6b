package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/errs"
)

const dockerWorkdir = "/workspace"

// DockerSandbox runs commands in a long-lived local container.
type DockerSandbox struct {
	cfg         *config.SandboxConfig
	cli         *client.Client
	containerID string
}

// NewDockerSandbox creates the backend; the container is created on Init.
func NewDockerSandbox(cfg *config.SandboxConfig) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errs.E(errs.KindTransport, "creating docker client", err)
	}
	return &DockerSandbox{cfg: cfg, cli: cli}, nil
}

// Init pulls the image if needed and starts the worker container with the
// configured CPU, memory and PID limits. The container idles on sleep
// infinity so commands can be exec'd into it.
func (d *DockerSandbox) Init(ctx context.Context) error {
	if d.containerID != "" {
		return nil
	}
	initCtx, cancel := context.WithTimeout(ctx, d.cfg.InitTimeout)
	defer cancel()

	if err := d.ensureImage(initCtx); err != nil {
		return err
	}

	pids := d.cfg.PidsLimit
	resp, err := d.cli.ContainerCreate(initCtx,
		&container.Config{
			Image:      d.cfg.Image,
			Cmd:        []string{"sleep", "infinity"},
			WorkingDir: dockerWorkdir,
		},
		&container.HostConfig{
			Resources: container.Resources{
				NanoCPUs:  int64(d.cfg.CPULimit * 1e9),
				Memory:    d.cfg.MemoryBytes,
				PidsLimit: &pids,
			},
		},
		nil, nil, "")
	if err != nil {
		return errs.E(errs.KindTransport, "creating sandbox container", err)
	}
	d.containerID = resp.ID

	if err := d.cli.ContainerStart(initCtx, d.containerID, container.StartOptions{}); err != nil {
		return errs.E(errs.KindTransport, "starting sandbox container", err)
	}

	// Workspace directory must exist before the first exec sets Cwd to it.
	if _, err := d.exec(initCtx, []string{"mkdir", "-p", dockerWorkdir}, ExecOptions{Cwd: "/"}); err != nil {
		return err
	}

	slog.Debug("Docker sandbox ready", "container_id", d.containerID[:12], "image", d.cfg.Image)
	return nil
}

func (d *DockerSandbox) ensureImage(ctx context.Context) error {
	_, err := d.cli.ImageInspect(ctx, d.cfg.Image)
	if err == nil {
		return nil
	}
	reader, err := d.cli.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return errs.E(errs.KindTransport, fmt.Sprintf("pulling image %s", d.cfg.Image), err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	if err != nil {
		return errs.E(errs.KindTransport, "streaming image pull", err)
	}
	return nil
}

// RunCommand executes a shell command line inside the container.
func (d *DockerSandbox) RunCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	return d.runTimed(ctx, []string{"sh", "-c", cmd}, cmd, opts)
}

// RunArgv executes argv without shell interpretation.
func (d *DockerSandbox) RunArgv(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errs.Ef(errs.KindClient, "empty argv")
	}
	return d.runTimed(ctx, argv, strings.Join(argv, " "), opts)
}

func (d *DockerSandbox) runTimed(ctx context.Context, argv []string, display string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := d.exec(runCtx, argv, opts)
	if runCtx.Err() == context.DeadlineExceeded {
		// Kill the stray process; sleep-infinity worker stays up.
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer killCancel()
		_, _ = d.exec(killCtx, []string{"sh", "-c", "pkill -9 -f " + shellJoin([]string{argv[0]})}, ExecOptions{})
		return nil, timeoutErr(display)
	}
	return res, err
}

func (d *DockerSandbox) exec(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	if d.containerID == "" {
		return nil, errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	cwd := dockerWorkdir
	if opts.Cwd != "" {
		cwd = opts.Cwd
	}
	created, err := d.cli.ContainerExecCreate(ctx, d.containerID, container.ExecOptions{
		Cmd:          argv,
		WorkingDir:   cwd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, errs.E(errs.KindTransport, "creating exec", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, errs.E(errs.KindTransport, "attaching exec", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && ctx.Err() == nil {
		return nil, errs.E(errs.KindTransport, "reading exec output", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, errs.E(errs.KindTransport, "inspecting exec", err)
	}

	return &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

// WriteFile copies content into the container via a tar stream.
func (d *DockerSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	if d.containerID == "" {
		return errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(dockerWorkdir, abs)
	}
	if _, err := d.exec(ctx, []string{"mkdir", "-p", filepath.Dir(abs)}, ExecOptions{}); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: filepath.Base(abs),
		Mode: 0o644,
		Size: int64(len(content)),
	}); err != nil {
		return errs.E(errs.KindTransport, "building tar header", err)
	}
	if _, err := tw.Write(content); err != nil {
		return errs.E(errs.KindTransport, "building tar payload", err)
	}
	if err := tw.Close(); err != nil {
		return errs.E(errs.KindTransport, "closing tar stream", err)
	}

	if err := d.cli.CopyToContainer(ctx, d.containerID, filepath.Dir(abs), &buf, container.CopyToContainerOptions{}); err != nil {
		return errs.E(errs.KindTransport, "copying file into container", err)
	}
	return nil
}

// ReadFile reads a file from the container via a tar stream.
func (d *DockerSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if d.containerID == "" {
		return nil, errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(dockerWorkdir, abs)
	}
	reader, _, err := d.cli.CopyFromContainer(ctx, d.containerID, abs)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, errs.Ef(errs.KindClient, "file not found: %s", path)
		}
		return nil, errs.E(errs.KindTransport, "copying file from container", err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	if _, err := tr.Next(); err != nil {
		return nil, errs.E(errs.KindTransport, "reading tar stream", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, errs.E(errs.KindTransport, "reading file content", err)
	}
	return data, nil
}

// ResourceStats reads a one-shot stats sample and derives percentages
// against the configured limits.
func (d *DockerSandbox) ResourceStats(ctx context.Context) (*ResourceStats, error) {
	if d.containerID == "" {
		return nil, nil
	}
	resp, err := d.cli.ContainerStatsOneShot(ctx, d.containerID)
	if err != nil {
		return nil, errs.E(errs.KindTransport, "reading container stats", err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, errs.E(errs.KindTransport, "decoding container stats", err)
	}

	out := &ResourceStats{Pids: int(stats.PidsStats.Current)}
	if d.cfg.MemoryBytes > 0 {
		out.MemoryPercent = float64(stats.MemoryStats.Usage) / float64(d.cfg.MemoryBytes) * 100
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage - stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage - stats.PreCPUStats.SystemUsage)
	if sysDelta > 0 && d.cfg.CPULimit > 0 {
		cores := float64(stats.CPUStats.OnlineCPUs)
		if cores == 0 {
			cores = 1
		}
		out.CPUPercent = cpuDelta / sysDelta * cores * 100 / d.cfg.CPULimit
	}
	return out, nil
}

// Teardown force-removes the container. Idempotent.
func (d *DockerSandbox) Teardown(ctx context.Context) error {
	if d.containerID == "" {
		return nil
	}
	err := d.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
	d.containerID = ""
	if err != nil && !client.IsErrNotFound(err) {
		return errs.E(errs.KindTransport, "removing sandbox container", err)
	}
	return nil
}

var _ Sandbox = (*DockerSandbox)(nil)
