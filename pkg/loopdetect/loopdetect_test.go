package loopdetect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchapin/cifixd/pkg/models"
)

type recordingTelemetry struct {
	contexts []map[string]any
}

func (r *recordingTelemetry) RecordStrategyLoopDetected(_ context.Context, ctx map[string]any) {
	r.contexts = append(r.contexts, ctx)
}

func snapshot(iteration int, files []string, checksum, errFP string) models.LoopStateSnapshot {
	return models.LoopStateSnapshot{
		Iteration:        iteration,
		FilesChanged:     files,
		ContentChecksum:  checksum,
		ErrorFingerprint: errFP,
		Timestamp:        time.Now(),
	}
}

func TestDetectLoop_NoDuplicate(t *testing.T) {
	d := New(nil, nil)
	ctx := context.Background()

	res := d.DetectLoop(ctx, snapshot(0, []string{"a.py"}, "c1", "e1"))
	assert.False(t, res.Detected)

	res = d.DetectLoop(ctx, snapshot(1, []string{"a.py"}, "c2", "e1"))
	assert.False(t, res.Detected)
	assert.Len(t, d.History(), 2)
}

func TestDetectLoop_Duplicate(t *testing.T) {
	telemetry := &recordingTelemetry{}
	d := New(telemetry, nil)
	ctx := context.Background()

	d.DetectLoop(ctx, snapshot(0, []string{"a.py"}, "c1", "e1"))
	d.DetectLoop(ctx, snapshot(1, []string{"a.py", "b.py"}, "c2", "e1"))
	res := d.DetectLoop(ctx, snapshot(2, []string{"a.py"}, "c1", "e1"))

	require.True(t, res.Detected)
	assert.Equal(t, 0, res.DuplicateOfIteration)
	assert.Contains(t, res.Message, "iteration 2")
	require.Len(t, telemetry.contexts, 1)
	assert.Equal(t, 2, telemetry.contexts[0]["iteration"])
}

func TestDetectLoop_FileOrderDoesNotMatter(t *testing.T) {
	d := New(nil, nil)
	ctx := context.Background()

	d.DetectLoop(ctx, snapshot(0, []string{"b.py", "a.py"}, "c1", "e1"))
	res := d.DetectLoop(ctx, snapshot(1, []string{"a.py", "b.py"}, "c1", "e1"))
	assert.True(t, res.Detected)
}

func TestHallucinationTracking(t *testing.T) {
	d := New(nil, nil)

	d.RecordHallucination("src/ghost.py")
	assert.False(t, d.ShouldTriggerStrategyShift("src/ghost.py"), "single miss must not trigger")

	d.RecordHallucination("src/ghost.py")
	assert.True(t, d.ShouldTriggerStrategyShift("src/ghost.py"))
	assert.Equal(t, 2, d.HallucinationCount("src/ghost.py"))

	advice := d.TriggerAutomatedRecovery("src/ghost.py")
	assert.Contains(t, advice, "[SYSTEM ADVICE]")
	assert.Contains(t, advice, "glob(")
	assert.Contains(t, advice, "src/ghost.py")
}

func TestHallucinationStreakResetsOnDifferentPath(t *testing.T) {
	d := New(nil, nil)

	d.RecordHallucination("a.py")
	d.RecordHallucination("b.py")
	d.RecordHallucination("a.py")
	assert.False(t, d.ShouldTriggerStrategyShift("a.py"))
	assert.Equal(t, 2, d.HallucinationCount("a.py"))

	d.RecordHallucination("a.py")
	assert.True(t, d.ShouldTriggerStrategyShift("a.py"))
	assert.False(t, d.ShouldTriggerStrategyShift("b.py"))
}

func TestChecksumContents_Deterministic(t *testing.T) {
	a := ChecksumContents(map[string][]byte{"x.go": []byte("one"), "y.go": []byte("two")})
	b := ChecksumContents(map[string][]byte{"y.go": []byte("two"), "x.go": []byte("one")})
	assert.Equal(t, a, b)

	c := ChecksumContents(map[string][]byte{"x.go": []byte("one"), "y.go": []byte("other")})
	assert.NotEqual(t, a, c)
}

func TestChecksumText(t *testing.T) {
	assert.Equal(t, ChecksumText("error A"), ChecksumText("error A"))
	assert.NotEqual(t, ChecksumText("error A"), ChecksumText("error B"))
	assert.Len(t, ChecksumText("error A"), 64)
}
