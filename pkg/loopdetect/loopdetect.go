// Package loopdetect fingerprints iteration states to catch oscillating
// fixes and tracks hallucinated file paths to steer the model away from
// repeated misses.
package loopdetect

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/anchapin/cifixd/pkg/models"
)

// Telemetry receives loop events. Nil-safe via the detector; the concrete
// implementation lives in the reliability package.
type Telemetry interface {
	RecordStrategyLoopDetected(ctx context.Context, context map[string]any)
}

// Result of a duplicate-state check.
type Result struct {
	Detected             bool
	DuplicateOfIteration int
	Message              string
}

// Detector tracks per-session iteration snapshots and hallucinated paths.
// Not safe for concurrent use; each session owns one detector.
type Detector struct {
	telemetry Telemetry
	logger    *slog.Logger

	history  []models.LoopStateSnapshot
	stateMap map[string]int

	counts      map[string]int
	lastPath    string
	consecutive int
}

// New builds a detector. telemetry may be nil.
func New(telemetry Telemetry, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		telemetry: telemetry,
		logger:    logger,
		stateMap:  make(map[string]int),
		counts:    make(map[string]int),
	}
}

// DetectLoop records the snapshot and reports whether an identical state was
// seen in an earlier iteration.
func (d *Detector) DetectLoop(ctx context.Context, snapshot models.LoopStateSnapshot) Result {
	fingerprint := snapshot.Fingerprint()
	d.history = append(d.history, snapshot)

	if first, seen := d.stateMap[fingerprint]; seen {
		msg := fmt.Sprintf("iteration %d repeats the state first produced in iteration %d",
			snapshot.Iteration, first)
		d.logger.Warn("Strategy loop detected",
			"iteration", snapshot.Iteration, "duplicate_of", first)
		if d.telemetry != nil {
			d.telemetry.RecordStrategyLoopDetected(ctx, map[string]any{
				"iteration":      snapshot.Iteration,
				"duplicate_of":   first,
				"files_changed":  snapshot.FilesChanged,
				"error_checksum": snapshot.ErrorFingerprint,
			})
		}
		return Result{Detected: true, DuplicateOfIteration: first, Message: msg}
	}

	d.stateMap[fingerprint] = snapshot.Iteration
	return Result{}
}

// History returns the recorded snapshots in order.
func (d *Detector) History() []models.LoopStateSnapshot {
	return d.history
}

// RecordHallucination notes a reference to a path that does not exist.
func (d *Detector) RecordHallucination(path string) {
	d.counts[path]++
	if path == d.lastPath {
		d.consecutive++
	} else {
		d.lastPath = path
		d.consecutive = 1
	}
	d.logger.Info("Hallucinated path recorded",
		"path", path, "count", d.counts[path], "consecutive", d.consecutive)
}

// HallucinationCount returns how often path has been hallucinated.
func (d *Detector) HallucinationCount(path string) int {
	return d.counts[path]
}

// ShouldTriggerStrategyShift reports whether the same path was hallucinated
// at least twice in a row.
func (d *Detector) ShouldTriggerStrategyShift(path string) bool {
	return path == d.lastPath && d.consecutive >= 2
}

// TriggerAutomatedRecovery returns the advisory appended to tool output to
// steer the next model turn toward locating files before reading them.
func (d *Detector) TriggerAutomatedRecovery(path string) string {
	return fmt.Sprintf("[SYSTEM ADVICE] The path '%s' does not exist in this repository. "+
		"Stop guessing paths: use `glob(...)` to list matching files, then read one of the results.", path)
}

// ChecksumContents derives the content checksum for a snapshot from the
// modified files. Deterministic across map iteration order.
func ChecksumContents(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	hasher := blake3.New()
	for _, name := range names {
		hasher.Write([]byte(name))
		hasher.Write([]byte{0})
		hasher.Write(files[name])
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// ChecksumText fingerprints a log or error excerpt.
func ChecksumText(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
