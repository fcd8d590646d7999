package execengine

import (
	"context"

	"github.com/arbnet/coordinator/internal/model"
)

// RecoverPending reclaims PEL entries orphaned by a crashed execution
// engine instance. Unlike the coordinator's stream consumer (always DLQ,
// never re-execute), the execution engine reprocesses claimed messages
// through the normal handler pipeline and ACKs on reprocess failure to
// avoid infinite retry — stale execution state is recoverable, stale
// price data is not.
func (c *Consumer) RecoverPending(ctx context.Context) (claimed int, err error) {
	summary, serr := c.client.XPending(ctx, c.settings.Stream, c.settings.Group)
	if serr != nil {
		return 0, serr
	}

	for consumer, count := range summary.Consumers {
		if consumer == c.settings.Consumer || count == 0 {
			continue
		}

		details, derr := c.client.XPendingRange(ctx, c.settings.Stream, c.settings.Group, c.settings.OrphanClaimMinIdle, c.settings.OrphanClaimBatchSize)
		if derr != nil {
			c.log.Warn("execengine: recovery xpendingrange failed", "error", derr.Error())
			continue
		}

		var ids []string
		for _, d := range details {
			if d.Consumer == consumer && d.Idle >= c.settings.OrphanClaimMinIdle {
				ids = append(ids, d.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		msgs, cerr := c.client.XClaim(ctx, c.settings.Stream, c.settings.Group, c.settings.Consumer, c.settings.OrphanClaimMinIdle, ids...)
		if cerr != nil {
			c.log.Warn("execengine: recovery xclaim failed", "error", cerr.Error())
			continue
		}

		for _, msg := range msgs {
			c.reprocessClaimed(ctx, msg)
			claimed++
		}
	}
	return claimed, nil
}

func (c *Consumer) reprocessClaimed(ctx context.Context, msg model.StreamMessage) {
	outcome := model.DecodeOpportunity(msg)
	if outcome.Kind != model.OutcomeOk {
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.validate(ctx, *outcome.Opportunity); err != nil {
		// ACK on reprocess failure to avoid infinite retry.
		c.writeDLQ(ctx, msg, err)
		c.ack(ctx, msg.ID)
		return
	}

	if err := c.execute(ctx, *outcome.Opportunity); err != nil {
		c.writeDLQ(ctx, msg, err)
		c.ack(ctx, msg.ID)
		return
	}

	c.mu.Lock()
	c.active[outcome.Opportunity.ID] = true
	c.pending[outcome.Opportunity.ID] = pendingEntry{messageID: msg.ID, opp: *outcome.Opportunity, addedAt: c.clk.Now()}
	c.mu.Unlock()
}
