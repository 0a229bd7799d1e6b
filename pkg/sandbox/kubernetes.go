package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/remotecommand"
	"k8s.io/client-go/util/retry"
	utilexec "k8s.io/utils/exec"

	"github.com/anchapin/cifixd/pkg/config"
	"github.com/anchapin/cifixd/pkg/errs"
)

const (
	k8sWorkdir = "/workspace"

	// Finished Jobs are garbage-collected by the cluster after this window,
	// covering pods orphaned by a crashed worker.
	jobTTLSeconds = 300

	podPollInterval = 2 * time.Second
)

// KubernetesSandbox runs commands in a Job pod in a dedicated namespace. The
// pod runs under a scoped service account with no API permissions.
type KubernetesSandbox struct {
	cfg        *config.SandboxConfig
	clientset  *kubernetes.Clientset
	restConfig *rest.Config
	jobName    string
	podName    string
}

// NewKubernetesSandbox builds the backend from in-cluster config, falling
// back to the local kubeconfig.
func NewKubernetesSandbox(cfg *config.SandboxConfig) (*KubernetesSandbox, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, errs.E(errs.KindConfig, "loading kubernetes config", err)
		}
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, errs.E(errs.KindTransport, "creating kubernetes client", err)
	}
	return &KubernetesSandbox{cfg: cfg, clientset: clientset, restConfig: restCfg}, nil
}

// Init creates the Job and waits for its pod to reach Running.
func (k *KubernetesSandbox) Init(ctx context.Context) error {
	if k.podName != "" {
		return nil
	}
	initCtx, cancel := context.WithTimeout(ctx, k.cfg.InitTimeout)
	defer cancel()

	name := fmt.Sprintf("cifixd-sandbox-%d", time.Now().UnixNano())
	ttl := int32(jobTTLSeconds)
	backoff := int32(0)

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": "cifixd-sandbox"},
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			BackoffLimit:            &backoff,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"job-name": name},
				},
				Spec: corev1.PodSpec{
					ServiceAccountName: k.cfg.ServiceAccount,
					RestartPolicy:      corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:       "sandbox",
						Image:      k.cfg.Image,
						Command:    []string{"sleep", "infinity"},
						WorkingDir: k8sWorkdir,
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(k.cfg.CPULimit*1000), resource.DecimalSI),
								corev1.ResourceMemory: *resource.NewQuantity(k.cfg.MemoryBytes, resource.BinarySI),
							},
						},
					}},
				},
			},
		},
	}

	created, err := k.clientset.BatchV1().Jobs(k.cfg.Namespace).Create(initCtx, job, metav1.CreateOptions{})
	if err != nil {
		return errs.E(errs.KindTransport, "creating sandbox job", err)
	}
	k.jobName = created.Name

	if err := k.waitForPod(initCtx); err != nil {
		// Leave nothing behind on a failed acquisition.
		k.deleteJob(context.Background())
		return err
	}

	if _, err := k.exec(initCtx, []string{"mkdir", "-p", k8sWorkdir}, ExecOptions{Cwd: "/"}); err != nil {
		k.deleteJob(context.Background())
		return err
	}

	slog.Debug("Kubernetes sandbox ready", "job", k.jobName, "pod", k.podName, "namespace", k.cfg.Namespace)
	return nil
}

func (k *KubernetesSandbox) waitForPod(ctx context.Context) error {
	ticker := time.NewTicker(podPollInterval)
	defer ticker.Stop()
	for {
		pods, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: "job-name=" + k.jobName,
		})
		if err != nil {
			return errs.E(errs.KindTransport, "listing sandbox pods", err)
		}
		for i := range pods.Items {
			pod := &pods.Items[i]
			switch pod.Status.Phase {
			case corev1.PodRunning:
				k.podName = pod.Name
				return nil
			case corev1.PodFailed:
				return errs.Ef(errs.KindTransport, "sandbox pod %s failed during startup", pod.Name)
			}
		}
		select {
		case <-ctx.Done():
			return errs.Ef(errs.KindTimeout, "timed out waiting for sandbox pod (job %s)", k.jobName)
		case <-ticker.C:
		}
	}
}

// RunCommand executes a shell command line inside the pod.
func (k *KubernetesSandbox) RunCommand(ctx context.Context, cmd string, opts ExecOptions) (*ExecResult, error) {
	return k.runTimed(ctx, []string{"sh", "-c", cmd}, cmd, opts)
}

// RunArgv executes argv without shell interpretation.
func (k *KubernetesSandbox) RunArgv(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, errs.Ef(errs.KindClient, "empty argv")
	}
	return k.runTimed(ctx, argv, strings.Join(argv, " "), opts)
}

func (k *KubernetesSandbox) runTimed(ctx context.Context, argv []string, display string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := k.exec(runCtx, argv, opts)
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, timeoutErr(display)
	}
	return res, err
}

func (k *KubernetesSandbox) exec(ctx context.Context, argv []string, opts ExecOptions) (*ExecResult, error) {
	if k.podName == "" {
		return nil, errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	cwd := k8sWorkdir
	if opts.Cwd != "" {
		cwd = opts.Cwd
	}
	// Exec has no working-directory option; wrap in a cd.
	wrapped := []string{"sh", "-c", "cd " + shellJoin([]string{cwd}) + " && exec " + shellJoin(argv)}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(k.podName).
		Namespace(k.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "sandbox",
			Command:   wrapped,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewWebSocketExecutor(k.restConfig, "GET", req.URL().String())
	if err != nil {
		return nil, errs.E(errs.KindTransport, "creating pod exec", err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: &stdout,
		Stderr: &stderr,
	})

	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var codeErr utilexec.CodeExitError
		if errors.As(err, &codeErr) {
			result.ExitCode = codeErr.Code
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.E(errs.KindTransport, "streaming pod exec", err)
	}
	return result, nil
}

// WriteFile writes content at path inside the pod. The payload travels over
// exec stdin so no shared volume is needed.
func (k *KubernetesSandbox) WriteFile(ctx context.Context, path string, content []byte) error {
	if k.podName == "" {
		return errs.Ef(errs.KindTransport, "sandbox not initialized")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(k8sWorkdir, abs)
	}
	script := "mkdir -p " + shellJoin([]string{filepath.Dir(abs)}) + " && cat > " + shellJoin([]string{abs})

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(k.podName).
		Namespace(k.cfg.Namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: "sandbox",
			Command:   []string{"sh", "-c", script},
			Stdin:     true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewWebSocketExecutor(k.restConfig, "GET", req.URL().String())
	if err != nil {
		return errs.E(errs.KindTransport, "creating pod exec", err)
	}
	var stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  bytes.NewReader(content),
		Stderr: &stderr,
	})
	if err != nil {
		return errs.Ef(errs.KindTransport, "writing file to pod: %v: %s", err, truncateCmd(stderr.String()))
	}
	return nil
}

// ReadFile reads a file from the pod.
func (k *KubernetesSandbox) ReadFile(ctx context.Context, path string) ([]byte, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(k8sWorkdir, abs)
	}
	res, err := k.exec(ctx, []string{"cat", abs}, ExecOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errs.Ef(errs.KindClient, "file not found: %s", path)
	}
	return []byte(res.Stdout), nil
}

// ResourceStats is unobservable without the metrics API; the monitor treats
// nil as healthy.
func (k *KubernetesSandbox) ResourceStats(_ context.Context) (*ResourceStats, error) {
	return nil, nil
}

// Teardown deletes the Job with cascading pod deletion. Idempotent.
func (k *KubernetesSandbox) Teardown(ctx context.Context) error {
	if k.jobName == "" {
		return nil
	}
	err := k.deleteJob(ctx)
	k.jobName = ""
	k.podName = ""
	return err
}

func (k *KubernetesSandbox) deleteJob(ctx context.Context) error {
	propagation := metav1.DeletePropagationBackground
	err := retry.OnError(retry.DefaultBackoff,
		func(err error) bool { return ctx.Err() == nil },
		func() error {
			return k.clientset.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, k.jobName, metav1.DeleteOptions{
				PropagationPolicy: &propagation,
			})
		})
	if err != nil && !apierrors.IsNotFound(err) {
		return errs.E(errs.KindTransport, "deleting sandbox job", err)
	}
	return nil
}

var _ Sandbox = (*KubernetesSandbox)(nil)
