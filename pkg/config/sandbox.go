package config

import "time"

// SandboxBackend selects the execution backend for repair sandboxes.
type SandboxBackend string

// Supported backends.
const (
	BackendE2B        SandboxBackend = "e2b"
	BackendDocker     SandboxBackend = "docker_local"
	BackendKubernetes SandboxBackend = "kubernetes"
	// BackendSimulation runs commands directly in a temp directory with no
	// isolation. Test use only.
	BackendSimulation SandboxBackend = "simulation"
)

// ResourceThresholds are the monitoring thresholds for container backends,
// expressed as percentages for CPU/memory and absolute counts for PIDs.
type ResourceThresholds struct {
	CPUWarn  float64 `yaml:"cpu_warn"`
	CPUCrit  float64 `yaml:"cpu_crit"`
	MemWarn  float64 `yaml:"mem_warn"`
	MemCrit  float64 `yaml:"mem_crit"`
	PidsWarn int     `yaml:"pids_warn"`
	PidsCrit int     `yaml:"pids_crit"`
}

// SandboxConfig configures sandbox creation and resource policy.
type SandboxConfig struct {
	// Backend is the default execution backend for new runs.
	Backend SandboxBackend `yaml:"backend"`

	// Image is the container image for docker_local and kubernetes backends.
	Image string `yaml:"image"`

	// Namespace is the Kubernetes namespace for Job sandboxes.
	Namespace string `yaml:"namespace,omitempty"`

	// ServiceAccount is the scoped account Job pods run under.
	ServiceAccount string `yaml:"service_account,omitempty"`

	// E2B micro-VM API settings.
	E2BBaseURL   string `yaml:"e2b_base_url,omitempty"`
	E2BAPIKeyEnv string `yaml:"e2b_api_key_env,omitempty"`
	E2BTemplate  string `yaml:"e2b_template,omitempty"`

	// Resource limits applied to container backends.
	CPULimit    float64 `yaml:"cpu_limit"`
	MemoryBytes int64   `yaml:"memory_bytes"`
	PidsLimit   int64   `yaml:"pids_limit"`

	// InitTimeout bounds environment acquisition (pod Running wait, container
	// start). Defaults to 120s.
	InitTimeout time.Duration `yaml:"init_timeout"`

	ResourceThresholds ResourceThresholds `yaml:"resource_thresholds"`
}

// DefaultSandboxConfig returns the built-in sandbox defaults.
func DefaultSandboxConfig() *SandboxConfig {
	return &SandboxConfig{
		Backend:        BackendDocker,
		Image:          "ubuntu:24.04",
		Namespace:      "cifixd-sandboxes",
		ServiceAccount: "cifixd-sandbox",
		CPULimit:       1.0,
		MemoryBytes:    2 << 30, // 2 GiB
		PidsLimit:      2048,
		InitTimeout:    120 * time.Second,
		ResourceThresholds: ResourceThresholds{
			CPUWarn:  80,
			CPUCrit:  95,
			MemWarn:  80,
			MemCrit:  95,
			PidsWarn: 1000,
			PidsCrit: 2000,
		},
	}
}
