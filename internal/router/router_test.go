package router

import (
	"context"
	"testing"
	"time"

	"github.com/arbnet/coordinator/internal/cb"
	"github.com/arbnet/coordinator/internal/clock"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		DuplicateWindow:      time.Second,
		OpportunityTTL:       30 * time.Second,
		MinProfitPercentage:  0,
		MaxProfitPercentage:  1000,
		ForwardRetryAttempts: 1,
		ExecutionStream:      "stream:execution",
		ForwardingDLQStream:  "stream:forwarding-dlq",
	}
}

func opp(id string) model.Opportunity {
	return model.Opportunity{
		ID:       id,
		Type:     model.TypeSimple,
		TokenIn:  "A",
		TokenOut: "B",
		AmountIn: "100",
		Status:   model.StatusPending,
	}
}

func TestProcessOpportunity_RejectsMissingID(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	r := New(fc, cb.New(5, time.Minute, clk), logger.Noop{}, clk, testSettings())

	err := r.ProcessOpportunity(context.Background(), model.Opportunity{}, true)
	assert.Error(t, err)
}

func TestProcessOpportunity_RejectsProfitOutOfBounds(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	r := New(fc, cb.New(5, time.Minute, clk), logger.Noop{}, clk, testSettings())

	p := 2000.0
	o := opp("1")
	o.ProfitPercentage = &p
	err := r.ProcessOpportunity(context.Background(), o, true)
	assert.Error(t, err)
}

func TestProcessOpportunity_RejectsDuplicateWithinWindow(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	r := New(fc, cb.New(5, time.Minute, clk), logger.Noop{}, clk, testSettings())

	require.NoError(t, r.ProcessOpportunity(context.Background(), opp("1"), false))
	err := r.ProcessOpportunity(context.Background(), opp("1"), false)
	assert.Error(t, err)
}

func TestProcessOpportunity_LeaderForwardsPending(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	r := New(fc, cb.New(5, time.Minute, clk), logger.Noop{}, clk, testSettings())

	require.NoError(t, r.ProcessOpportunity(context.Background(), opp("1"), true))
	assert.Len(t, fc.addedTo("stream:execution"), 1)
}

func TestProcessOpportunity_NonLeaderDoesNotForward(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	r := New(fc, cb.New(5, time.Minute, clk), logger.Noop{}, clk, testSettings())

	require.NoError(t, r.ProcessOpportunity(context.Background(), opp("1"), false))
	assert.Empty(t, fc.addedTo("stream:execution"))
}

func TestForward_CircuitOpen_WritesForwardingDLQ(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	breaker := cb.New(1, time.Minute, clk)
	breaker.RecordFailure() // opens after 1 failure

	r := New(fc, breaker, logger.Noop{}, clk, testSettings())
	require.NoError(t, r.ProcessOpportunity(context.Background(), opp("1"), true))

	assert.Empty(t, fc.addedTo("stream:execution"))
	assert.Len(t, fc.addedTo("stream:forwarding-dlq"), 1)
	assert.Equal(t, int64(1), r.Stats().OpportunitiesDropped)
}

func TestCleanupExpiredOpportunities_RemovesExpiredAndTTLd(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	r := New(fc, cb.New(5, time.Minute, clk), logger.Noop{}, clk, testSettings())

	o1 := opp("1")
	expiry := clk.Now().Add(-time.Second)
	o1.ExpiresAt = &expiry
	require.NoError(t, r.ProcessOpportunity(context.Background(), o1, false))

	removed := r.CleanupExpiredOpportunities()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, r.PendingCount())
}
