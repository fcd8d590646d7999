// Package router implements the opportunity router: a dedup window, TTL
// cleanup, and leader-only forwarding to the execution engine gated by a
// circuit breaker with bounded retry and a DLQ fallback for forwards that
// exhaust retry.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arbnet/coordinator/internal/cb"
	"github.com/arbnet/coordinator/internal/clock"
	"github.com/arbnet/coordinator/internal/errtag"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/streams"
)

// Settings configures one Router.
type Settings struct {
	DuplicateWindow     time.Duration
	OpportunityTTL      time.Duration
	MinProfitPercentage float64
	MaxProfitPercentage float64
	ForwardRetryAttempts int
	ExecutionStream     string
	ForwardingDLQStream string
}

// Stats are the router's running counters, exposed for metrics.
type Stats struct {
	TotalOpportunities  int64
	OpportunitiesDropped int64
}

// Router owns the pending-opportunity map and the duplicate window.
type Router struct {
	mu        sync.Mutex
	pending   map[string]model.Opportunity
	recentIDs map[string]time.Time

	client   streams.Client
	breaker  *cb.CircuitBreaker
	log      logger.Logger
	clk      clock.Clock
	settings Settings
	stats    Stats
}

// New creates a Router.
func New(client streams.Client, breaker *cb.CircuitBreaker, log logger.Logger, clk clock.Clock, settings Settings) *Router {
	if clk == nil {
		clk = clock.Default
	}
	return &Router{
		pending:   make(map[string]model.Opportunity),
		recentIDs: make(map[string]time.Time),
		client:    client,
		breaker:   breaker,
		log:       log,
		clk:       clk,
		settings:  settings,
	}
}

// ProcessOpportunity validates, dedups, and (if this instance is leader)
// forwards an opportunity. Returns an error describing the rejection
// reason, or nil on acceptance (forwarding, if any, happens regardless of
// this return value's outcome since forwarding failures are handled
// internally via the circuit breaker and DLQ).
func (r *Router) ProcessOpportunity(ctx context.Context, opp model.Opportunity, isLeader bool) error {
	if opp.ID == "" {
		return errtag.NewValidation("router: missing opportunity id")
	}

	if opp.ProfitPercentage != nil {
		p := *opp.ProfitPercentage
		if p < r.settings.MinProfitPercentage || p > r.settings.MaxProfitPercentage {
			return errtag.NewBusinessRejected(fmt.Sprintf("router: profitPercentage %f outside [%f, %f]", p, r.settings.MinProfitPercentage, r.settings.MaxProfitPercentage))
		}
	}

	r.mu.Lock()
	now := r.clk.Now()
	if firstSeen, ok := r.recentIDs[opp.ID]; ok && now.Sub(firstSeen) <= r.settings.DuplicateWindow {
		r.mu.Unlock()
		return errtag.NewDuplicate(fmt.Sprintf("router: duplicate opportunity %s within window", opp.ID))
	}
	r.recentIDs[opp.ID] = now
	r.pending[opp.ID] = opp
	r.stats.TotalOpportunities++
	shouldForward := isLeader && opp.Status == model.StatusPending
	r.mu.Unlock()

	if shouldForward {
		r.forwardToExecutionEngine(ctx, opp)
	}
	return nil
}

// forwardToExecutionEngine publishes opp to the execution stream with
// bounded retry, gated by the circuit breaker.
func (r *Router) forwardToExecutionEngine(ctx context.Context, opp model.Opportunity) {
	if !r.breaker.Allow() {
		r.writeForwardingDLQ(ctx, opp, "Circuit breaker open")
		r.mu.Lock()
		r.stats.OpportunitiesDropped++
		r.mu.Unlock()
		return
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.settings.ForwardRetryAttempts))
	err := backoff.Retry(func() error {
		_, xerr := r.client.XAdd(ctx, r.settings.ExecutionStream, map[string]string{"data": string(opp.JSON())})
		return xerr
	}, backoff.WithContext(bo, ctx))

	if err != nil {
		r.breaker.RecordFailure()
		r.writeForwardingDLQ(ctx, opp, err.Error())
		return
	}
	r.breaker.RecordSuccess()
}

func (r *Router) writeForwardingDLQ(ctx context.Context, opp model.Opportunity, reason string) {
	rec := map[string]interface{}{
		"opportunityId":  opp.ID,
		"error":          reason,
		"originalStream": r.settings.ExecutionStream,
		"timestamp":      r.clk.Now(),
	}
	data, _ := json.Marshal(rec)
	if _, err := r.client.XAdd(ctx, r.settings.ForwardingDLQStream, map[string]string{"data": string(data)}); err != nil {
		r.log.Warn("router: forwarding-dlq write failed", "opportunity", opp.ID, "error", err.Error())
	}
}

// CleanupExpiredOpportunities removes entries whose expiresAt has passed
// or whose age exceeds opportunityTtlMs, returning the removal count.
func (r *Router) CleanupExpiredOpportunities() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	removed := 0
	for id, opp := range r.pending {
		expired := (opp.ExpiresAt != nil && opp.ExpiresAt.Before(now)) || now.Sub(opp.Timestamp) > r.settings.OpportunityTTL
		if expired {
			delete(r.pending, id)
			removed++
		}
	}
	for id, seen := range r.recentIDs {
		if now.Sub(seen) > r.settings.DuplicateWindow {
			delete(r.recentIDs, id)
		}
	}
	return removed
}

// Stats returns a copy of the running counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// PendingCount reports the current size of the pending map.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
