package runbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchapin/cifixd/pkg/models"
)

func TestLookup_TagMatchWins(t *testing.T) {
	m := NewMatcher()

	res := m.Lookup(models.CategoryUnknown,
		"Traceback (most recent call last):\nModuleNotFoundError: No module named 'requests'", "")
	require.NotNil(t, res)
	assert.Equal(t, "module-not-found", res.Pattern.ID)
	assert.GreaterOrEqual(t, res.Score, 2)
	assert.NotEmpty(t, res.Pattern.SuggestedCommands)
}

func TestLookup_CategoryFallback(t *testing.T) {
	m := NewMatcher()

	// No tag hits; the category alone selects a pattern.
	res := m.Lookup(models.CategorySyntax, "build exploded with no recognizable message", "")
	require.NotNil(t, res)
	assert.Equal(t, "syntax-error", res.Pattern.ID)
	assert.Equal(t, 0, res.Score)
}

func TestLookup_NoMatch(t *testing.T) {
	m := NewMatcher()
	res := m.Lookup(models.CategoryUnknown, "everything is fine", "")
	assert.Nil(t, res)
}

func TestLookup_MoreTagHitsRankHigher(t *testing.T) {
	m := NewMatcher()

	res := m.Lookup(models.CategoryTestFailure,
		"AssertionError: expected 200 to equal 500", "")
	require.NotNil(t, res)
	assert.Equal(t, "assertion-failure", res.Pattern.ID)
}

func TestLookup_CachedByFingerprint(t *testing.T) {
	m := NewMatcher()

	first := m.Lookup(models.CategorySyntax, "SyntaxError: invalid syntax", "fp-1")
	require.NotNil(t, first)

	// Same fingerprint returns the cached resolution even for different text.
	second := m.Lookup(models.CategoryUnknown, "completely unrelated", "fp-1")
	require.NotNil(t, second)
	assert.Equal(t, first.Pattern.ID, second.Pattern.ID)
}

func TestCache_Expiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	c.Set("fp", &Resolution{Pattern: builtins[0]})

	_, ok := c.Get("fp")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("fp")
	assert.False(t, ok)
}

func TestPatterns_TableIsExposed(t *testing.T) {
	m := NewMatcher()
	assert.NotEmpty(t, m.Patterns())
}
