// Package coordinator is the wiring and lifecycle glue that turns the
// individually-testable components (rate limiter, stream consumer manager,
// health monitor, leader elector, opportunity router, active-pairs tracker,
// alert notifier) into one running process: construct every dependency up
// front, launch one goroutine per input stream plus a handful of periodic
// tickers, and tear everything down in a fixed order on shutdown.
// Supervision uses golang.org/x/sync/errgroup, since the coordinator runs
// several independent read loops that must all be waited on and whose
// first error should cancel the rest.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arbnet/coordinator/internal/activepairs"
	"github.com/arbnet/coordinator/internal/alert"
	"github.com/arbnet/coordinator/internal/cb"
	"github.com/arbnet/coordinator/internal/clock"
	"github.com/arbnet/coordinator/internal/config"
	"github.com/arbnet/coordinator/internal/errtag"
	"github.com/arbnet/coordinator/internal/health"
	"github.com/arbnet/coordinator/internal/leader"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/metrics"
	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/ratelimiter"
	"github.com/arbnet/coordinator/internal/router"
	"github.com/arbnet/coordinator/internal/streamconsumer"
	"github.com/arbnet/coordinator/internal/streams"
)

// Well-known stream names.
const (
	StreamOpportunities      = "stream:opportunities"
	StreamExecutionRequests  = "stream:execution-requests"
	StreamFastLane           = "stream:fast-lane"
	StreamHealth             = "stream:health"
	StreamWhaleAlerts        = "stream:whale-alerts"
	StreamSwapEvents         = "stream:swap-events"
	StreamVolumeAggregates   = "stream:volume-aggregates"
	StreamPriceUpdates       = "stream:price-updates"
	StreamDeadLetterQueue    = "stream:dead-letter-queue"
	StreamForwardingDLQ      = "stream:forwarding-dlq"
)

// inputStreams is every stream the coordinator's own consumer group reads
// (execution-requests belongs to the execution engine's group, not ours).
var inputStreams = []string{
	StreamOpportunities,
	StreamFastLane,
	StreamHealth,
	StreamWhaleAlerts,
	StreamSwapEvents,
	StreamVolumeAggregates,
	StreamPriceUpdates,
}

// readBlock is how long one XReadGroup call blocks waiting for new entries
// before looping again to check ctx.Done().
const readBlock = 2 * time.Second

// readCount bounds how many entries one XReadGroup call returns.
const readCount = 50

// Coordinator owns every long-running component and the goroutines that
// drive them.
type Coordinator struct {
	cfg     *config.Config
	client  streams.Client
	log     logger.Logger
	clk     clock.Clock
	metrics *metrics.Metrics

	notifier    *alert.Notifier
	limiter     *ratelimiter.Limiter
	consumerMgr *streamconsumer.Manager
	healthMon   *health.Monitor
	elector     *leader.Elector
	router      *router.Router
	pairs       *activepairs.Tracker
}

// New wires every component from cfg. client, notifier, and log are
// injected so cmd/coordinator controls their concrete construction
// (Redis dial, webhook URLs, slog handler).
func New(cfg *config.Config, client streams.Client, notifier *alert.Notifier, log logger.Logger, clk clock.Clock) *Coordinator {
	if clk == nil {
		clk = clock.Default
	}
	m := metrics.NewMetrics()

	limiter := ratelimiter.New(ratelimiter.Config{
		MaxTokens:        cfg.RateLimitMaxTokens,
		TokensPerMessage: cfg.RateLimitTokensPerMsg,
		RefillPeriod:     cfg.RateLimitRefillPeriod,
	}, clk)

	fallback := streamconsumer.NewFallbackFile(cfg.DLQFallbackDir, cfg.DLQFallbackMaxBytes, clk)
	consumerMgr := streamconsumer.NewManager(client, limiter, notifier, fallback, log, clk, streamconsumer.Settings{
		Group:                cfg.ConsumerGroupCoordinator,
		Consumer:             cfg.InstanceID,
		DLQStream:            StreamDeadLetterQueue,
		Service:              "coordinator",
		InstanceID:           cfg.InstanceID,
		MaxStreamErrors:      cfg.MaxStreamErrors,
		OrphanClaimMinIdle:   cfg.OrphanClaimMinIdle,
		OrphanClaimBatchSize: cfg.OrphanClaimBatchSize,
	})

	healthMon := health.NewMonitor(health.Settings{
		StartupGracePeriod:             cfg.StartupGracePeriod,
		MinServicesForGracePeriodAlert: cfg.MinServicesForGracePeriodAlert,
		StaleHeartbeatThreshold:        cfg.StaleHeartbeatThreshold,
		StalePurgeAge:                  cfg.StalePurgeAge,
		ConsecutiveFailuresThreshold:   cfg.ConsecutiveFailuresThreshold,
		ExecutionEngineServiceName:     cfg.ExecutionEngineServiceName,
		DetectorPattern:                cfg.DetectorPattern,
	}, notifier, log, clk)

	elector := leader.New(client, notifier, log, clk, leader.Settings{
		LockKey:              cfg.LeaderLockKey,
		InstanceID:           cfg.InstanceID,
		LockTTL:              cfg.LockTTL,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		JitterRange:          cfg.JitterRange,
		MaxHeartbeatFailures: cfg.MaxHeartbeatFailures,
	}, func(isLeader bool) {
		if isLeader {
			m.IsLeader.Set(1)
		} else {
			m.IsLeader.Set(0)
		}
	})

	breaker := cb.New(cfg.CBFailureThreshold, cfg.CBResetTimeout, clk)
	rt := router.New(client, breaker, log, clk, router.Settings{
		DuplicateWindow:      cfg.DuplicateWindow,
		OpportunityTTL:       cfg.OpportunityTTL,
		MinProfitPercentage:  cfg.MinProfitPercentage,
		MaxProfitPercentage:  cfg.MaxProfitPercentage,
		ForwardRetryAttempts: cfg.ForwardRetryAttempts,
		ExecutionStream:      StreamExecutionRequests,
		ForwardingDLQStream:  StreamForwardingDLQ,
	})

	pairs := activepairs.New(cfg.MaxActivePairs, cfg.PairTTL, clk)

	return &Coordinator{
		cfg:         cfg,
		client:      client,
		log:         log,
		clk:         clk,
		metrics:     m,
		notifier:    notifier,
		limiter:     limiter,
		consumerMgr: consumerMgr,
		healthMon:   healthMon,
		elector:     elector,
		router:      rt,
		pairs:       pairs,
	}
}

// Metrics exposes the Prometheus registry so cmd/coordinator can serve it.
func (c *Coordinator) Metrics() *metrics.Metrics { return c.metrics }

// Run activates leader-election eligibility, ensures every consumer group
// exists, recovers orphaned PEL entries from a crashed prior instance, then
// launches the read loops and periodic tickers. It blocks until ctx is
// canceled or a supervised goroutine returns a non-nil error.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.elector.ActivateStandby(ctx); err != nil {
		return fmt.Errorf("coordinator: activate standby: %w", err)
	}

	for _, s := range inputStreams {
		if err := c.client.CreateConsumerGroup(ctx, s, c.cfg.ConsumerGroupCoordinator); err != nil {
			c.log.Warn("coordinator: create consumer group failed", "stream", s, "error", err.Error())
		}
	}

	streamGroups := make(map[string]string, len(inputStreams))
	for _, s := range inputStreams {
		streamGroups[s] = c.cfg.ConsumerGroupCoordinator
	}
	if recovered, err := c.consumerMgr.RecoverPendingMessages(ctx, streamGroups); err != nil {
		c.log.Warn("coordinator: startup pel recovery failed", "error", err.Error())
	} else if recovered > 0 {
		c.metrics.PELMessagesReclaimed.Add(float64(recovered))
		c.log.Info("coordinator: startup pel recovery complete", "recovered", recovered)
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, stream := range inputStreams {
		stream := stream
		g.Go(func() error { return c.readLoop(gctx, stream) })
	}

	g.Go(func() error { return c.leaderHeartbeatLoop(gctx) })
	g.Go(func() error { return c.healthTickLoop(gctx) })
	g.Go(func() error { return c.maintenanceLoop(gctx) })

	err := g.Wait()
	c.Shutdown(context.Background())
	return err
}

// readLoop blocks on XReadGroup for one stream and dispatches each message
// through the stream consumer manager's wrapped handler. It exits cleanly
// when ctx is canceled: shutdown means "stop accepting new messages" first,
// everything else follows from that.
func (c *Coordinator) readLoop(ctx context.Context, stream string) error {
	handler := c.consumerMgr.WrapHandler(stream, c.dispatch(stream))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := c.client.XReadGroup(ctx, stream, c.cfg.ConsumerGroupCoordinator, c.cfg.InstanceID, readBlock, readCount)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("coordinator: xreadgroup failed", "stream", stream, "error", err.Error())
			continue
		}

		for _, msg := range msgs {
			mctx := logger.WithTraceID(ctx, logger.GenerateTraceID(stream, c.clk.Now()))
			if err := handler(mctx, msg); err != nil {
				attrs := append([]any{"stream", stream, "id", msg.ID, "error", err.Error()}, logger.LogWithTrace(mctx)...)
				c.log.Warn("coordinator: handler returned error", attrs...)
			}
		}
	}
}

// dispatch returns the per-stream business handler the consumer manager
// wraps with rate-limit/ACK/DLQ behavior.
func (c *Coordinator) dispatch(stream string) streamconsumer.Handler {
	switch stream {
	case StreamOpportunities, StreamFastLane:
		return c.handleOpportunity
	case StreamHealth:
		return c.handleHealthReport
	case StreamWhaleAlerts, StreamSwapEvents, StreamVolumeAggregates, StreamPriceUpdates:
		return c.handleMarketSignal
	default:
		return func(context.Context, model.StreamMessage) error { return nil }
	}
}

func (c *Coordinator) handleOpportunity(ctx context.Context, msg model.StreamMessage) error {
	outcome := model.DecodeOpportunity(msg)
	switch outcome.Kind {
	case model.OutcomeSystem, model.OutcomeEmpty:
		return errtag.NewSystemMessage("stream-init or empty payload")
	case model.OutcomeReject:
		return errtag.NewValidation(outcome.RejectDetail)
	}

	c.metrics.OpportunitiesTotal.Inc()
	err := c.router.ProcessOpportunity(ctx, *outcome.Opportunity, c.elector.IsLeader())
	if err != nil && errtag.Class(err) != errtag.Duplicate && errtag.Class(err) != errtag.BusinessRejected {
		c.metrics.OpportunitiesDropped.Inc()
	}
	return err
}

func (c *Coordinator) handleHealthReport(ctx context.Context, msg model.StreamMessage) error {
	hr, err := model.DecodeHealthReport(msg)
	if err != nil {
		return errtag.NewValidation(err.Error())
	}

	var latency *float64
	if hr.LatencyMs != nil {
		latency = hr.LatencyMs
	}
	c.healthMon.RecordHeartbeat(model.ServiceHealth{
		Name:          hr.Service,
		Status:        model.ServiceStatus(hr.Status),
		Uptime:        time.Duration(hr.Uptime * float64(time.Second)),
		MemoryUsage:   hr.MemoryUsage,
		CPUUsage:      hr.CPUUsage,
		LastHeartbeat: hr.Timestamp,
		Latency:       latency,
	})
	return nil
}

// handleMarketSignal feeds swap/price/volume/whale events that carry a
// pair address into the active-pairs tracker; every other message on
// these streams is informational only and silently ACKed.
func (c *Coordinator) handleMarketSignal(ctx context.Context, msg model.StreamMessage) error {
	raw, ok := msg.Fields["data"]
	if !ok || raw == "" {
		return errtag.NewSystemMessage("empty payload")
	}

	var probe struct {
		Chain string `json:"chain"`
		Dex   string `json:"dex"`
		Pair  string `json:"pair"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return errtag.NewValidation(err.Error())
	}
	if probe.Pair != "" {
		c.pairs.TrackPair(probe.Pair, probe.Chain, probe.Dex)
	}
	return nil
}

// leaderHeartbeatLoop ticks the leader elector on its configured interval
// plus jitter.
func (c *Coordinator) leaderHeartbeatLoop(ctx context.Context) error {
	for {
		c.elector.Tick(ctx)
		c.metrics.LeaderHeartbeatFailures.Set(0) // reset display; Tick logs real failures

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.elector.JitterSleep()):
		}
	}
}

// healthTickLoop evaluates the degradation-level state machine once every
// third of the stale-heartbeat threshold, using the services map's own healthy fraction as the
// externally-supplied systemHealthPercent figure.
func (c *Coordinator) healthTickLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.StaleHeartbeatThreshold / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snapshot := c.healthMon.Snapshot()
			pct := systemHealthPercent(snapshot)
			level, m := c.healthMon.Tick(ctx, pct)

			c.metrics.DegradationLevel.Set(float64(level))
			c.metrics.ActiveServices.Set(float64(m.ActiveServices))
			c.metrics.SystemHealthPct.Set(m.SystemHealth)
			c.metrics.AverageMemoryMB.Set(m.AverageMemory)
			c.metrics.AverageLatencyMs.Set(m.AverageLatency)
		}
	}
}

func systemHealthPercent(services map[string]model.ServiceHealth) float64 {
	if len(services) == 0 {
		return 0
	}
	healthy := 0
	for _, s := range services {
		if s.Status == model.StatusHealthy {
			healthy++
		}
	}
	return float64(healthy) / float64(len(services)) * 100
}

// maintenanceLoop runs the periodic cleanup sweeps (expired opportunities,
// evicted active pairs) as background jobs rather than per-message work.
func (c *Coordinator) maintenanceLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PairTTL / 24) // arbitrary sub-multiple of the pair TTL; bounded by ctx below
	if c.cfg.OpportunityTTL > 0 && c.cfg.OpportunityTTL < c.cfg.PairTTL/24 {
		ticker.Reset(c.cfg.OpportunityTTL)
	}
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed := c.router.CleanupExpiredOpportunities()
			evicted := c.pairs.Cleanup()
			c.metrics.ActivePairsSize.Set(float64(c.pairs.Size()))
			if removed > 0 || evicted > 0 {
				c.log.Debug("coordinator: maintenance sweep", "opportunities_removed", removed, "pairs_evicted", evicted)
			}
		}
	}
}

// Shutdown runs a fixed teardown order and is safe to call more than
// once. Run already stopped accepting new messages (its read loops
// returned); this releases the leader lock and logs completion. The Redis
// client itself is owned and closed by cmd/coordinator.
func (c *Coordinator) Shutdown(ctx context.Context) {
	shutCtx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownAckTimeout)
	defer cancel()
	c.elector.Stop(shutCtx)
	c.log.Info("coordinator: shutdown complete")
}
