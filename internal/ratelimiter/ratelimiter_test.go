package ratelimiter

import (
	"testing"
	"time"

	"github.com/arbnet/coordinator/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_RateLimitThenRefill(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Config{MaxTokens: 2, TokensPerMessage: 1, RefillPeriod: 100 * time.Millisecond}, fc)

	assert.True(t, l.Check("A"))
	assert.True(t, l.Check("A"))
	assert.False(t, l.Check("A"))

	fc.Advance(150 * time.Millisecond)
	assert.True(t, l.Check("A"))
}

func TestLimiter_PerStreamIsolation(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Config{MaxTokens: 2, TokensPerMessage: 1, RefillPeriod: time.Minute}, fc)

	assert.True(t, l.Check("A"))
	assert.True(t, l.Check("A"))
	assert.False(t, l.Check("A"))
	assert.True(t, l.Check("B"))
	assert.True(t, l.Check("B"))
	assert.False(t, l.Check("B"))
}

func TestLimiter_UnknownStreamReportsFull(t *testing.T) {
	l := New(Config{MaxTokens: 5, TokensPerMessage: 1, RefillPeriod: time.Second}, nil)
	require.Equal(t, 5, l.GetTokenCount("never-seen"))
}

// Token bucket invariant: 0 <= tokens <= maxTokens for every stream.
func TestLimiter_TokensNeverExceedMax(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	l := New(Config{MaxTokens: 3, TokensPerMessage: 1, RefillPeriod: time.Millisecond}, fc)

	l.Check("A")
	fc.Advance(time.Hour)
	assert.Equal(t, 3, l.GetTokenCount("A"))
}

// boundary: cost > max is denied on the first call, never underflows.
func TestLimiter_CostGreaterThanMax_FirstCallDenied(t *testing.T) {
	l := New(Config{MaxTokens: 1, TokensPerMessage: 5, RefillPeriod: time.Second}, nil)
	assert.False(t, l.Check("A"))
	assert.GreaterOrEqual(t, l.GetTokenCount("A"), 0)
}

func TestLimiter_ResetIsIdempotent(t *testing.T) {
	l := New(Config{MaxTokens: 2, TokensPerMessage: 1, RefillPeriod: time.Second}, nil)
	l.Check("A")
	l.Reset("A")
	l.Reset("A")
	assert.Equal(t, 2, l.GetTokenCount("A"))
}

func TestLimiter_ResetAll(t *testing.T) {
	l := New(Config{MaxTokens: 2, TokensPerMessage: 1, RefillPeriod: time.Second}, nil)
	l.Check("A")
	l.Check("B")
	l.ResetAll()
	assert.Equal(t, 2, l.GetTokenCount("A"))
	assert.Equal(t, 2, l.GetTokenCount("B"))
}
