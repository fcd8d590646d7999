// Package execengine implements the execution-engine's stream consumer: a
// peer of internal/streamconsumer with opportunity-keyed pending tracking,
// an active-execution set, shutdown ACK reconciliation, and its own XCLAIM
// startup recovery that, unlike the coordinator's, reprocesses claimed
// messages through the normal handler pipeline instead of always DLQ'ing
// them — reprocessing is safe here because stale execution state is
// recoverable, where the coordinator's reclaimed messages are stale market
// data and are not.
package execengine

import (
	"context"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/clock"
	"github.com/arbnet/coordinator/internal/errtag"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/streams"
)

// Validator runs the structural/business validation pipeline against one
// opportunity and classifies the result via errtag.
type Validator func(ctx context.Context, opp model.Opportunity) error

// Executor enqueues a validated opportunity onto the bounded in-process
// execution queue. Returning errtag.Backpressure means the queue is full.
type Executor func(ctx context.Context, opp model.Opportunity) error

type pendingEntry struct {
	messageID string
	opp       model.Opportunity
	addedAt   time.Time
}

// Settings configures one Consumer.
type Settings struct {
	Stream               string
	Group                string
	Consumer             string
	DLQStream            string
	Service              string
	InstanceID           string
	PendingMessageMaxAge time.Duration
	OrphanClaimMinIdle   time.Duration
	OrphanClaimBatchSize int64
}

// Consumer is the execution-engine's stream consumer.
type Consumer struct {
	mu      sync.Mutex
	pending map[string]pendingEntry // opportunity ID -> entry
	active  map[string]bool         // opportunity ID -> in flight

	client   streams.Client
	validate Validator
	execute  Executor
	log      logger.Logger
	clk      clock.Clock
	settings Settings
}

// New creates a Consumer.
func New(client streams.Client, validate Validator, execute Executor, log logger.Logger, clk clock.Clock, settings Settings) *Consumer {
	if clk == nil {
		clk = clock.Default
	}
	return &Consumer{
		pending:  make(map[string]pendingEntry),
		active:   make(map[string]bool),
		client:   client,
		validate: validate,
		execute:  execute,
		log:      log,
		clk:      clk,
		settings: settings,
	}
}

// HandleMessage implements duplicate-opportunity-ID detection, structural
// and business validation, and active-set bookkeeping for one message.
func (c *Consumer) HandleMessage(ctx context.Context, msg model.StreamMessage) {
	outcome := model.DecodeOpportunity(msg)
	switch outcome.Kind {
	case model.OutcomeSystem, model.OutcomeEmpty:
		c.ack(ctx, msg.ID)
		return
	case model.OutcomeReject:
		c.writeDLQ(ctx, msg, errtag.NewValidation(outcome.RejectDetail))
		c.ack(ctx, msg.ID)
		return
	}

	opp := *outcome.Opportunity
	c.mu.Lock()
	if prior, exists := c.pending[opp.ID]; exists {
		c.mu.Unlock()
		c.ack(ctx, prior.messageID) // fire-and-forget, warn on failure
		c.mu.Lock()
	}
	c.pending[opp.ID] = pendingEntry{messageID: msg.ID, opp: opp, addedAt: c.clk.Now()}
	c.mu.Unlock()

	if err := c.validate(ctx, opp); err != nil {
		c.handleValidationError(ctx, msg, opp, err)
		return
	}

	c.mu.Lock()
	c.active[opp.ID] = true
	c.mu.Unlock()

	if err := c.execute(ctx, opp); err != nil {
		if errtag.Class(err) == errtag.Backpressure {
			c.mu.Lock()
			delete(c.active, opp.ID)
			delete(c.pending, opp.ID)
			c.mu.Unlock()
			// Left in the PEL; not acked.
			return
		}
		c.writeDLQ(ctx, msg, err)
		c.ack(ctx, msg.ID)
		c.mu.Lock()
		delete(c.active, opp.ID)
		delete(c.pending, opp.ID)
		c.mu.Unlock()
		return
	}
}

func (c *Consumer) handleValidationError(ctx context.Context, msg model.StreamMessage, opp model.Opportunity, err error) {
	defer func() {
		c.mu.Lock()
		delete(c.pending, opp.ID)
		c.mu.Unlock()
	}()

	switch errtag.Class(err) {
	case errtag.Backpressure:
		return // left in PEL
	case errtag.BusinessRejected, errtag.Duplicate:
		c.ack(ctx, msg.ID)
	default:
		c.writeDLQ(ctx, msg, err)
		c.ack(ctx, msg.ID)
	}
}

// MarkComplete removes an opportunity from the active-execution set and
// its pending entry, acking its original message.
func (c *Consumer) MarkComplete(ctx context.Context, opportunityID string) {
	c.mu.Lock()
	entry, ok := c.pending[opportunityID]
	delete(c.active, opportunityID)
	delete(c.pending, opportunityID)
	c.mu.Unlock()

	if ok {
		c.ack(ctx, entry.messageID)
	}
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.client.XAck(ctx, c.settings.Stream, c.settings.Group, id); err != nil {
		c.log.Warn("execengine: ack failed", "id", id, "error", err.Error())
	}
}

func (c *Consumer) writeDLQ(ctx context.Context, msg model.StreamMessage, cause error) {
	rec := dlqRecord(msg, cause, c.settings.Service, c.settings.InstanceID, c.clk.Now())
	if _, err := c.client.XAdd(ctx, c.settings.DLQStream, rec); err != nil {
		c.log.Warn("execengine: dlq write failed", "id", msg.ID, "error", err.Error())
	}
}

// CleanupStalePending force-ACKs and evicts pending/active entries older
// than PendingMessageMaxAge, returning the count removed.
func (c *Consumer) CleanupStalePending(ctx context.Context) int {
	now := c.clk.Now()

	c.mu.Lock()
	var toAck []string
	for oppID, entry := range c.pending {
		if now.Sub(entry.addedAt) > c.settings.PendingMessageMaxAge {
			toAck = append(toAck, entry.messageID)
			delete(c.pending, oppID)
			delete(c.active, oppID)
		}
	}
	c.mu.Unlock()

	for _, id := range toAck {
		c.ack(ctx, id)
	}
	return len(toAck)
}

// Shutdown acks every pending message whose opportunity is NOT in the
// active-execution set (completed but un-ACKed); in-flight ones stay in
// the PEL for a restarted peer to reclaim via XCLAIM recovery.
func (c *Consumer) Shutdown(ctx context.Context) {
	c.mu.Lock()
	var toAck []string
	for oppID, entry := range c.pending {
		if !c.active[oppID] {
			toAck = append(toAck, entry.messageID)
		}
	}
	c.mu.Unlock()

	for _, id := range toAck {
		c.ack(ctx, id)
	}
}

// PendingCount and ActiveCount expose the owned maps' sizes for metrics.
func (c *Consumer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Consumer) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
