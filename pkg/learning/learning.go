// Package learning is the in-process reflection store: failure and success
// patterns aggregated per error type, with an async persistence queue for
// durable trajectory records. In-memory counters stay authoritative for
// reads; the queue only trails them.
package learning

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// FailurePattern aggregates repeated failures of one (errorType, reason) pair.
type FailurePattern struct {
	ErrorType     string         `json:"error_type"`
	FailureReason string         `json:"failure_reason"`
	Frequency     int            `json:"frequency"`
	FirstSeen     time.Time      `json:"first_seen"`
	LastSeen      time.Time      `json:"last_seen"`
	AttemptedFix  string         `json:"attempted_fix"`
	Context       map[string]any `json:"context,omitempty"`
}

// SuccessPattern is the last known working fix for an error type.
type SuccessPattern struct {
	ErrorType  string         `json:"error_type"`
	Fix        string         `json:"fix"`
	RecordedAt time.Time      `json:"recorded_at"`
	Context    map[string]any `json:"context,omitempty"`
}

// Insight is one ranked recurring failure.
type Insight struct {
	ErrorType     string  `json:"error_type"`
	FailureReason string  `json:"failure_reason"`
	Frequency     int     `json:"frequency"`
	FailureRate   float64 `json:"failure_rate"`
}

// Report is the output of one reflection pass.
type Report struct {
	Insights    []Insight `json:"insights"`
	Suggestions []string  `json:"suggestions"`
}

// reflectMinFrequency is the repeat count before a pattern becomes an insight;
// suggestionFailureRate is the failure-rate cutoff for emitting a suggestion.
const (
	reflectMinFrequency   = 3
	suggestionFailureRate = 0.5
)

type patternKey struct {
	errorType string
	reason    string
}

// Reflection is the in-process pattern store. Safe for concurrent use.
type Reflection struct {
	mu            sync.RWMutex
	failures      map[patternKey]*FailurePattern
	successes     map[string]*SuccessPattern
	successCounts map[string]int

	queue *PersistenceQueue
}

// NewReflection builds the store. queue may be nil, which keeps the store
// purely in-memory.
func NewReflection(queue *PersistenceQueue) *Reflection {
	return &Reflection{
		failures:      make(map[patternKey]*FailurePattern),
		successes:     make(map[string]*SuccessPattern),
		successCounts: make(map[string]int),
		queue:         queue,
	}
}

// RecordFailure increments the (errorType, failureReason) pattern.
func (r *Reflection) RecordFailure(errorType, failureReason, attemptedFix string, context map[string]any) {
	now := time.Now()
	key := patternKey{errorType: errorType, reason: failureReason}

	r.mu.Lock()
	pattern, ok := r.failures[key]
	if !ok {
		pattern = &FailurePattern{
			ErrorType:     errorType,
			FailureReason: failureReason,
			FirstSeen:     now,
		}
		r.failures[key] = pattern
	}
	pattern.Frequency++
	pattern.LastSeen = now
	pattern.AttemptedFix = attemptedFix
	if context != nil {
		pattern.Context = context
	}
	snapshot := *pattern
	r.mu.Unlock()

	if r.queue != nil {
		r.queue.Enqueue(snapshot)
	}
}

// RecordSuccess overwrites the success pattern for an error type.
func (r *Reflection) RecordSuccess(errorType, fix string, context map[string]any) {
	pattern := &SuccessPattern{
		ErrorType:  errorType,
		Fix:        fix,
		RecordedAt: time.Now(),
		Context:    context,
	}

	r.mu.Lock()
	r.successes[errorType] = pattern
	r.successCounts[errorType]++
	snapshot := *pattern
	r.mu.Unlock()

	if r.queue != nil {
		r.queue.Enqueue(snapshot)
	}
}

// FailurePatterns returns a snapshot of all failure patterns.
func (r *Reflection) FailurePatterns() []FailurePattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FailurePattern, 0, len(r.failures))
	for _, p := range r.failures {
		out = append(out, *p)
	}
	return out
}

// SuccessPattern returns the recorded success for an error type, if any.
func (r *Reflection) SuccessPattern(errorType string) (SuccessPattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.successes[errorType]
	if !ok {
		return SuccessPattern{}, false
	}
	return *p, true
}

// Reflect ranks recurring failures and emits improvement suggestions for
// error types still failing more often than they succeed.
func (r *Reflection) Reflect() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report := &Report{}
	failuresByType := make(map[string]int)
	for _, p := range r.failures {
		failuresByType[p.ErrorType] += p.Frequency
	}

	for _, p := range r.failures {
		if p.Frequency < reflectMinFrequency {
			continue
		}
		rate := r.failureRateLocked(p.ErrorType, failuresByType)
		report.Insights = append(report.Insights, Insight{
			ErrorType:     p.ErrorType,
			FailureReason: p.FailureReason,
			Frequency:     p.Frequency,
			FailureRate:   rate,
		})
		if rate > suggestionFailureRate {
			report.Suggestions = append(report.Suggestions, fmt.Sprintf(
				"error type %q keeps failing (%d occurrences of %q, %.0f%% failure rate); last attempted fix: %s",
				p.ErrorType, p.Frequency, p.FailureReason, rate*100, p.AttemptedFix))
		}
	}

	sort.SliceStable(report.Insights, func(i, j int) bool {
		return report.Insights[i].Frequency > report.Insights[j].Frequency
	})
	sort.Strings(report.Suggestions)
	return report
}

// failureRateLocked computes failures/(failures+successes) for an error type.
func (r *Reflection) failureRateLocked(errorType string, failuresByType map[string]int) float64 {
	failures := failuresByType[errorType]
	total := failures + r.successCounts[errorType]
	if total == 0 {
		return 0
	}
	return float64(failures) / float64(total)
}
