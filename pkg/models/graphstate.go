package models

import (
	"sort"
	"strings"
	"time"
)

// GraphNode names a node of the repair state machine.
type GraphNode string

// Graph nodes.
const (
	NodeAnalysis     GraphNode = "analysis"
	NodePlanning     GraphNode = "planning"
	NodeExecution    GraphNode = "execution"
	NodeVerification GraphNode = "verification"
	NodeFinish       GraphNode = "finish"
)

// FixAction is the kind of fix a diagnosis proposes.
type FixAction string

// Fix actions.
const (
	FixActionEdit    FixAction = "edit"
	FixActionCommand FixAction = "command"
)

// ErrorCategory classifies a CI failure.
type ErrorCategory string

// Error categories.
const (
	CategorySyntax        ErrorCategory = "SYNTAX"
	CategoryDependency    ErrorCategory = "DEPENDENCY"
	CategoryRuntime       ErrorCategory = "RUNTIME"
	CategoryBuild         ErrorCategory = "BUILD"
	CategoryTestFailure   ErrorCategory = "TEST_FAILURE"
	CategoryTimeout       ErrorCategory = "TIMEOUT"
	CategoryConfiguration ErrorCategory = "CONFIGURATION"
	CategoryUnknown       ErrorCategory = "UNKNOWN"
)

// RunConfig is the per-session configuration carried in GraphState.
type RunConfig struct {
	Host             string  `json:"host"`
	Token            string  `json:"-"`
	RepoURL          string  `json:"repo_url"`
	ExecutionBackend string  `json:"execution_backend"`
	LLMProvider      string  `json:"llm_provider"`
	LLMModel         string  `json:"llm_model"`
	BudgetUSD        float64 `json:"budget_usd,omitempty"`
}

// RunGroup is the set of related workflow runs; the main run identifies the
// failure being repaired.
type RunGroup struct {
	MainRunID    int64   `json:"main_run_id"`
	RelatedRuns  []int64 `json:"related_runs,omitempty"`
	WorkflowPath string  `json:"workflow_path,omitempty"`
	HeadSHA      string  `json:"head_sha,omitempty"`
}

// Diagnosis is the analysis node's conclusion about the failure.
type Diagnosis struct {
	Summary             string    `json:"summary"`
	FilePath            string    `json:"file_path,omitempty"`
	FixAction           FixAction `json:"fix_action"`
	SuggestedCommand    string    `json:"suggested_command,omitempty"`
	ReproductionCommand string    `json:"reproduction_command,omitempty"`
	Confidence          float64   `json:"confidence"`
}

// Classification is the coarse error categorization computed before diagnosis.
type Classification struct {
	Category        ErrorCategory `json:"category"`
	AffectedFiles   []string      `json:"affected_files,omitempty"`
	Confidence      float64       `json:"confidence"`
	SuggestedAction string        `json:"suggested_action,omitempty"`
}

// TaskStatus is the lifecycle of a plan task.
type TaskStatus string

// Task statuses.
const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// PlanTask is one step of a repair plan.
type PlanTask struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	TargetFile   string     `json:"target_file,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
}

// Plan is the planning node's output.
type Plan struct {
	Goal            string     `json:"goal"`
	Tasks           []PlanTask `json:"tasks"`
	Approved        bool       `json:"approved"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
}

// FileStatus tracks whether a tracked file has been modified this session.
type FileStatus string

// File statuses.
const (
	FileOriginal FileStatus = "original"
	FileModified FileStatus = "modified"
)

// FileVersion is one version (original or modified) of a tracked file.
type FileVersion struct {
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
	Name     string `json:"name,omitempty"`
}

// FileState is the per-path entry of GraphState.Files.
type FileState struct {
	Path     string       `json:"path"`
	Status   FileStatus   `json:"status"`
	Original FileVersion  `json:"original"`
	Modified *FileVersion `json:"modified,omitempty"`
}

// HistoryEntry records one node action in session order.
type HistoryEntry struct {
	Node      GraphNode `json:"node"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDAGNode is one sub-problem of a decomposed composite failure.
type ErrorDAGNode struct {
	ID           string   `json:"id"`
	Problem      string   `json:"problem"`
	Priority     int      `json:"priority"`
	Complexity   int      `json:"complexity"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// ErrorDAG decomposes a root problem into priority-ordered sub-problems.
type ErrorDAG struct {
	Nodes       []ErrorDAGNode `json:"nodes"`
	RootProblem string         `json:"root_problem"`
}

// GraphState is the in-memory state of the repair machine for one AgentRun.
// It is a plain value: services live in graph.Context, never here.
type GraphState struct {
	RunID  string    `json:"run_id"`
	Config RunConfig `json:"config"`
	Group  RunGroup  `json:"group"`

	Iteration     int       `json:"iteration"`
	MaxIterations int       `json:"max_iterations"`
	Status        RunStatus `json:"status"`

	CurrentLogText     string `json:"current_log_text,omitempty"`
	InitialLogText     string `json:"initial_log_text,omitempty"`
	InitialRepoContext string `json:"initial_repo_context,omitempty"`

	Diagnosis      *Diagnosis      `json:"diagnosis,omitempty"`
	Classification *Classification `json:"classification,omitempty"`
	Plan           *Plan           `json:"plan,omitempty"`

	Files            map[string]*FileState `json:"files"`
	FileReservations []string              `json:"file_reservations,omitempty"`

	Feedback []string       `json:"feedback,omitempty"`
	History  []HistoryEntry `json:"history,omitempty"`

	ComplexityHistory []int `json:"complexity_history,omitempty"`
	// DivergingPrefix is the length of the leading run of strictly increasing
	// complexity estimates, tracked for loop detection.
	DivergingPrefix int `json:"diverging_prefix,omitempty"`

	ProblemComplexity       int    `json:"problem_complexity,omitempty"`
	RefinedProblemStatement string `json:"refined_problem_statement,omitempty"`
	IsAtomic                bool   `json:"is_atomic,omitempty"`

	ErrorDAG    *ErrorDAG `json:"error_dag,omitempty"`
	SolvedNodes []string  `json:"solved_nodes,omitempty"`

	// SandboxUnhealthy is set when the sandbox crossed a critical resource
	// threshold; the iteration that observed it was aborted.
	SandboxUnhealthy bool `json:"sandbox_unhealthy,omitempty"`

	CurrentNode   GraphNode `json:"current_node"`
	FailureReason string    `json:"failure_reason,omitempty"`
}

// NewGraphState builds the initial state for a run.
func NewGraphState(runID string, cfg RunConfig, group RunGroup, maxIterations int) *GraphState {
	return &GraphState{
		RunID:         runID,
		Config:        cfg,
		Group:         group,
		MaxIterations: maxIterations,
		Status:        RunStatusWorking,
		Files:         make(map[string]*FileState),
		CurrentNode:   NodeAnalysis,
	}
}

// AppendHistory records a node action.
func (s *GraphState) AppendHistory(node GraphNode, action, result string) {
	s.History = append(s.History, HistoryEntry{
		Node:      node,
		Action:    action,
		Result:    result,
		Timestamp: time.Now(),
	})
}

// AppendComplexity appends an estimate and maintains the diverging prefix.
func (s *GraphState) AppendComplexity(c int) {
	n := len(s.ComplexityHistory)
	if n == 0 || (s.DivergingPrefix == n && c > s.ComplexityHistory[n-1]) {
		s.DivergingPrefix = n + 1
	}
	s.ComplexityHistory = append(s.ComplexityHistory, c)
}

// Fail marks the state terminally failed and routes it to the finish node.
func (s *GraphState) Fail(reason string) {
	s.Status = RunStatusFailed
	s.FailureReason = reason
	s.CurrentNode = NodeFinish
}

// atomicTailLen and atomicThreshold govern IsAtomicTail: the complexity tail
// inspected and the ceiling under which a problem counts as atomic.
const (
	atomicTailLen   = 3
	atomicThreshold = 4
)

// IsAtomicTail reports whether the last atomicTailLen complexity estimates are
// non-increasing and end at or below atomicThreshold. With fewer estimates the
// whole history is inspected.
func IsAtomicTail(history []int) bool {
	if len(history) == 0 {
		return false
	}
	start := len(history) - atomicTailLen
	if start < 0 {
		start = 0
	}
	tail := history[start:]
	for i := 1; i < len(tail); i++ {
		if tail[i] > tail[i-1] {
			return false
		}
	}
	return tail[len(tail)-1] <= atomicThreshold
}

// LoopStateSnapshot captures the externally observable state of one iteration.
type LoopStateSnapshot struct {
	Iteration        int       `json:"iteration"`
	FilesChanged     []string  `json:"files_changed"`
	ContentChecksum  string    `json:"content_checksum"`
	ErrorFingerprint string    `json:"error_fingerprint"`
	Timestamp        time.Time `json:"timestamp"`
}

// Fingerprint is the deterministic identity of the snapshot:
// sorted files joined with "," then "|" checksum "|" error fingerprint.
func (s LoopStateSnapshot) Fingerprint() string {
	files := append([]string(nil), s.FilesChanged...)
	sort.Strings(files)
	return strings.Join(files, ",") + "|" + s.ContentChecksum + "|" + s.ErrorFingerprint
}
