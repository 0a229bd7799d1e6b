package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/errs"
)

const (
	e2bWorkdir        = "/home/user/workspace"
	e2bCreateAttempts = 3
)

// E2BSandbox runs commands in an ephemeral cloud micro-VM through the e2b
// HTTP API. Each Init provisions a fresh VM from the configured template.
type E2BSandbox struct {
	cfg        *config.SandboxConfig
	httpClient *http.Client
	baseURL    string
	apiKey     string
	sandboxID  string
}

// NewE2BSandbox builds the backend; the VM is provisioned on Init.
func NewE2BSandbox(cfg *config.SandboxConfig) (*E2BSandbox, error) {
	if cfg.E2BBaseURL == "" {
		return nil, errs.Ef(errs.KindConfig, "e2b backend requires e2b_base_url")
	}
	keyEnv := cfg.E2BAPIKeyEnv
	if keyEnv == "" {
		keyEnv = "E2B_API_KEY"
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, errs.Ef(errs.KindConfig, "missing API key: %s is not set", keyEnv)
	}
	return &E2BSandbox{
		cfg:        cfg,
		httpClient: &http.Client{},
		baseURL:    strings.TrimSuffix(cfg.E2BBaseURL, "/"),
		apiKey:     key,
	}, nil
}

// Init provisions a micro-VM. Provisioning is retried with backoff since VM
// pool exhaustion on the provider side is transient.
func (e *E2BSandbox) Init(ctx context.Context) error {
	if e.sandboxID != "" {
		return nil
	}
	initCtx, cancel := context.WithTimeout(ctx, e.cfg.InitTimeout)
	defer cancel()

	template := e.cfg.E2BTemplate
	if template == "" {
		template = "base"
	}

	create := func() error {
		var out struct {
			SandboxID string `json:"sandboxID"`
		}
		err := e.do(initCtx, http.MethodPost, "/sandboxes",
			map[string]any{"templateID": template}, &out)
		if err != nil {
			if !errs.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		e.sandboxID = out.SandboxID
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e2bCreateAttempts-1), initCtx)
	if err := backoff.Retry(create, policy); err != nil {
		return fmt.Errorf("provisioning e2b sandbox: %w", err)
	}

	if _, err := e.execRaw(initCtx, "mkdir -p "+e2bWorkdir, "/"); err != nil {
		e.release(context.Background())
		return err
	}

	slog.Debug("e2b sandbox ready", "sandbox_id", e.sandboxID, "template", template)
	return nil
}

// RunCommand executes a shell command line inside the VM.
func (e *E2BSandbox) RunCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	return e.runTimed(ctx, cmd, cmd, opts)
}

// RunArgv executes argv. The e2b API only exposes a shell entrypoint, so the
// arguments are quoted individually before embedding.
func (e *E2BSandbox) RunArgv(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errs.Ef(errs.KindClient, "empty argv")
	}
	return e.runTimed(ctx, shellJoin(argv), strings.Join(argv, " "), opts)
}

func (e *E2BSandbox) runTimed(ctx context.Context, cmd, display string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cwd := e2bWorkdir
	if opts.Cwd != "" {
		cwd = opts.Cwd
	}
	res, err := e.execRaw(runCtx, cmd, cwd)
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, timeoutErr(display)
	}
	return res, err
}

func (e *E2BSandbox) execRaw(ctx context.Context, cmd, cwd string) (*ExecResult, error) {
	if e.sandboxID == "" {
		return nil, errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	var out struct {
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
		ExitCode int    `json:"exitCode"`
	}
	err := e.do(ctx, http.MethodPost, "/sandboxes/"+e.sandboxID+"/commands",
		map[string]any{"cmd": cmd, "cwd": cwd}, &out)
	if err != nil {
		return nil, err
	}
	return &ExecResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, nil
}

// WriteFile uploads content at path inside the VM.
func (e *E2BSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	if e.sandboxID == "" {
		return errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e2bWorkdir, abs)
	}
	return e.do(ctx, http.MethodPut, "/sandboxes/"+e.sandboxID+"/files",
		map[string]any{
			"path":    abs,
			"content": base64.StdEncoding.EncodeToString(content),
		}, nil)
}

// ReadFile downloads a file from the VM.
func (e *E2BSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if e.sandboxID == "" {
		return nil, errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e2bWorkdir, abs)
	}
	var out struct {
		Content string `json:"content"`
	}
	err := e.do(ctx, http.MethodGet, "/sandboxes/"+e.sandboxID+"/files?path="+abs, nil, &out)
	if err != nil {
		if errs.IsKind(err, errs.KindClient) {
			return nil, errs.Ef(errs.KindClient, "file not found: %s", path)
		}
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return nil, errs.E(errs.KindTransport, "decoding file content", err)
	}
	return data, nil
}

// ResourceStats reads the VM metrics endpoint.
func (e *E2BSandbox) ResourceStats(ctx context.Context) (*ResourceStats, error) {
	if e.sandboxID == "" {
		return nil, nil
	}
	var out struct {
		CPUPct float64 `json:"cpuUsedPct"`
		MemPct float64 `json:"memUsedPct"`
		Pids   int     `json:"processCount"`
	}
	err := e.do(ctx, http.MethodGet, "/sandboxes/"+e.sandboxID+"/metrics", nil, &out)
	if err != nil {
		// Metrics are best effort; an older template without the endpoint is
		// treated as unobservable.
		if errs.IsKind(err, errs.KindClient) {
			return nil, nil
		}
		return nil, err
	}
	return &ResourceStats{CPUPercent: out.CPUPct, MemoryPercent: out.MemPct, Pids: out.Pids}, nil
}

// Teardown releases the micro-VM. Idempotent.
func (e *E2BSandbox) Teardown(ctx context.Context) error {
	if e.sandboxID == "" {
		return nil
	}
	return e.release(ctx)
}

func (e *E2BSandbox) release(ctx context.Context) error {
	id := e.sandboxID
	e.sandboxID = ""
	err := e.do(ctx, http.MethodDelete, "/sandboxes/"+id, nil, nil)
	if err != nil && !errs.IsKind(err, errs.KindClient) {
		return fmt.Errorf("releasing e2b sandbox %s: %w", id, err)
	}
	return nil
}

func (e *E2BSandbox) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal e2b request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build e2b request: %w", err)
	}
	req.Header.Set("X-API-Key", e.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return errs.E(errs.KindTransport, "e2b request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return errs.E(errs.KindTransport, "reading e2b response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Ef(errs.KindTransport, "e2b status %d: %s", resp.StatusCode, truncateCmd(string(raw)))
	case resp.StatusCode >= 400:
		return errs.Ef(errs.KindClient, "e2b status %d: %s", resp.StatusCode, truncateCmd(string(raw)))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return errs.E(errs.KindTransport, "decoding e2b response", err)
		}
	}
	return nil
}

var _ Sandbox = (*E2BSandbox)(nil)
