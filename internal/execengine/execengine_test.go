package execengine

import (
	"context"
	"testing"
	"time"

	"github.com/arbnet/coordinator/internal/clock"
	"github.com/arbnet/coordinator/internal/errtag"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/streams"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings() Settings {
	return Settings{
		Stream:               "stream:execution-requests",
		Group:                "execution-engine-group",
		Consumer:             "self",
		DLQStream:            "stream:dead-letter-queue",
		Service:              "execution-engine",
		InstanceID:           "inst-1",
		PendingMessageMaxAge: 10 * time.Minute,
		OrphanClaimMinIdle:   60 * time.Second,
		OrphanClaimBatchSize: 100,
	}
}

func oppMsg(id, oppID string) model.StreamMessage {
	o := model.Opportunity{ID: oppID, Type: model.TypeSimple, TokenIn: "A", TokenOut: "B", AmountIn: "10", Status: model.StatusPending}
	return model.StreamMessage{Stream: "stream:execution-requests", ID: id, Fields: map[string]string{"data": string(o.JSON())}}
}

func TestHandleMessage_SuccessfulExecution_NoAckYet(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return nil },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	c.HandleMessage(context.Background(), oppMsg("1-1", "opp-1"))

	assert.Equal(t, 1, c.PendingCount())
	assert.Equal(t, 1, c.ActiveCount())
	assert.Empty(t, fc.ackedIDs(), "successful enqueue doesn't ack until MarkComplete")
}

func TestMarkComplete_AcksAndClearsState(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return nil },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	c.HandleMessage(context.Background(), oppMsg("1-1", "opp-1"))
	c.MarkComplete(context.Background(), "opp-1")

	assert.Equal(t, []string{"1-1"}, fc.ackedIDs())
	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, 0, c.ActiveCount())
}

func TestHandleMessage_DuplicateOpportunity_AcksPrior(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return nil },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	c.HandleMessage(context.Background(), oppMsg("1-1", "opp-1"))
	c.HandleMessage(context.Background(), oppMsg("1-2", "opp-1"))

	assert.Equal(t, []string{"1-1"}, fc.ackedIDs())
	assert.Equal(t, 1, c.PendingCount())
}

func TestHandleMessage_BusinessRejection_SilentAckNoDLQ(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return errtag.NewBusinessRejected("low profit") },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	c.HandleMessage(context.Background(), oppMsg("1-1", "opp-1"))

	assert.Equal(t, []string{"1-1"}, fc.ackedIDs())
	assert.Empty(t, fc.addedTo("stream:dead-letter-queue"))
}

func TestHandleMessage_StructuralError_DLQAndAck(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return errtag.NewValidation("bad") },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	c.HandleMessage(context.Background(), oppMsg("1-1", "opp-1"))

	assert.Equal(t, []string{"1-1"}, fc.ackedIDs())
	assert.Len(t, fc.addedTo("stream:dead-letter-queue"), 1)
}

func TestHandleMessage_BackpressureValidation_LeavesInPEL(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return errtag.NewBackpressure("full") },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	c.HandleMessage(context.Background(), oppMsg("1-1", "opp-1"))

	assert.Empty(t, fc.ackedIDs())
	assert.Equal(t, 0, c.PendingCount())
}

func TestShutdown_AcksCompletedLeavesInFlight(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return nil },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	c.HandleMessage(context.Background(), oppMsg("1-1", "opp-1"))
	c.HandleMessage(context.Background(), oppMsg("1-2", "opp-2"))
	c.MarkComplete(context.Background(), "opp-1") // opp-1 now gone from pending/active
	c.active["opp-2"] = true                      // opp-2 still in-flight

	c.Shutdown(context.Background())

	acked := fc.ackedIDs()
	assert.Contains(t, acked, "1-1")
	assert.NotContains(t, acked, "1-2")
}

func TestCleanupStalePending_ForceAcksOldEntries(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	settings := testSettings()
	settings.PendingMessageMaxAge = time.Minute
	c := New(fc, func(context.Context, model.Opportunity) error { return nil },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, settings)

	c.mu.Lock()
	c.pending["opp-1"] = pendingEntry{messageID: "1-1", addedAt: clk.Now()}
	c.active["opp-1"] = true
	c.mu.Unlock()

	clk.Advance(2 * time.Minute)
	removed := c.CleanupStalePending(context.Background())

	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"1-1"}, fc.ackedIDs())
	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, 0, c.ActiveCount())
}

func TestRecoverPending_ReprocessesSuccessfully(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return nil },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	fc.pendingSummary["stream:execution-requests"] = streams.PendingSummary{
		Count:     1,
		Consumers: map[string]int64{"crashed-consumer": 1},
	}
	fc.pendingDetail["stream:execution-requests"] = []streams.PendingDetail{
		{ID: "5-1", Consumer: "crashed-consumer", Idle: 700 * time.Second},
	}
	fc.claimResult["stream:execution-requests"] = []model.StreamMessage{oppMsg("5-1", "opp-recovered")}

	claimed, err := c.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.Equal(t, 1, c.ActiveCount())
}

func TestRecoverPending_ReprocessFailure_DLQsAndAcks(t *testing.T) {
	fc := newFakeClient()
	clk := clock.NewFake(time.Unix(0, 0))
	c := New(fc, func(context.Context, model.Opportunity) error { return errtag.NewValidation("bad") },
		func(context.Context, model.Opportunity) error { return nil },
		logger.Noop{}, clk, testSettings())

	fc.pendingSummary["stream:execution-requests"] = streams.PendingSummary{
		Count:     1,
		Consumers: map[string]int64{"crashed-consumer": 1},
	}
	fc.pendingDetail["stream:execution-requests"] = []streams.PendingDetail{
		{ID: "5-1", Consumer: "crashed-consumer", Idle: 700 * time.Second},
	}
	fc.claimResult["stream:execution-requests"] = []model.StreamMessage{oppMsg("5-1", "opp-recovered")}

	claimed, err := c.RecoverPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)
	assert.Equal(t, []string{"5-1"}, fc.ackedIDs())
	assert.Len(t, fc.addedTo("stream:dead-letter-queue"), 1)
}
