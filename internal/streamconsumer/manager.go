// Package streamconsumer wraps the raw Redis-Streams client interface with
// per-stream rate limiting, deferred ACK, DLQ fallback, and PEL recovery
// shared across every stream one consumer group reads.
package streamconsumer

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arbnet/coordinator/internal/alert"
	"github.com/arbnet/coordinator/internal/clock"
	"github.com/arbnet/coordinator/internal/errtag"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/ratelimiter"
	"github.com/arbnet/coordinator/internal/streams"
)

// Handler processes one decoded message. A Backpressure-tagged error
// leaves the message in the PEL for redelivery; Duplicate,
// BusinessRejected and SystemMessage errors are ACKed without a DLQ
// record; any other error is treated as permanent for this delivery,
// routed to the DLQ, and ACKed.
type Handler func(ctx context.Context, msg model.StreamMessage) error

// Settings configures one Manager instance. Defaults for these fields
// live in internal/config; this struct is just the subset the manager
// needs.
type Settings struct {
	Group                string
	Consumer             string
	DLQStream            string
	Service              string
	InstanceID           string
	MaxStreamErrors      int
	OrphanClaimMinIdle   time.Duration
	OrphanClaimBatchSize int64
}

// Manager owns rate limiting, deferred ACK, DLQ dispatch, and PEL recovery
// for every stream a consumer group reads.
type Manager struct {
	client   streams.Client
	limiter  *ratelimiter.Limiter
	notifier *alert.Notifier
	fallback *FallbackFile
	log      logger.Logger
	clk      clock.Clock

	settings Settings

	errCount int64 // atomic
	alerting int32 // atomic flag: 1 once STREAM_CONSUMER_FAILURE has fired, cleared by resetErrors
}

// NewManager builds a Manager. notifier may be nil in tests that don't
// care about alert dispatch.
func NewManager(client streams.Client, limiter *ratelimiter.Limiter, notifier *alert.Notifier, fallback *FallbackFile, log logger.Logger, clk clock.Clock, settings Settings) *Manager {
	if clk == nil {
		clk = clock.Default
	}
	return &Manager{
		client:   client,
		limiter:  limiter,
		notifier: notifier,
		fallback: fallback,
		log:      log,
		clk:      clk,
		settings: settings,
	}
}

// WrapHandler combines rate-limit + deferred-ACK + DLQ around userHandler
// for messages read from streamName. Rate-limited messages are still
// ACKed so the PEL never accumulates entries the rate limiter has already
// decided to drop.
func (m *Manager) WrapHandler(streamName string, userHandler Handler) Handler {
	return func(ctx context.Context, msg model.StreamMessage) error {
		if !m.limiter.Check(streamName) {
			m.ack(ctx, streamName, msg.ID)
			return nil
		}

		err := userHandler(ctx, msg)
		if err == nil {
			m.ack(ctx, streamName, msg.ID)
			return nil
		}

		switch errtag.Class(err) {
		case errtag.Backpressure:
			// Left in the PEL for redelivery once the downstream queue drains.
			return nil
		case errtag.Duplicate, errtag.BusinessRejected, errtag.SystemMessage:
			// Silent-ACK: a policy rejection or control message, not a failure.
			m.ack(ctx, streamName, msg.ID)
			return nil
		default:
			// Permanent, Validation, Transient, or unclassified: DLQ + ACK.
			m.writeDLQ(ctx, streamName, msg, err)
			m.ack(ctx, streamName, msg.ID)
			m.trackError(ctx, streamName)
			return nil
		}
	}
}

func (m *Manager) ack(ctx context.Context, stream, id string) {
	if err := m.client.XAck(ctx, stream, m.settings.Group, id); err != nil {
		m.log.Warn("stream consumer: ack failed", "stream", stream, "id", id, "error", err.Error())
	}
}

func (m *Manager) writeDLQ(ctx context.Context, stream string, msg model.StreamMessage, cause error) {
	rec := m.buildRecord(stream, msg, cause)

	if err := m.publishDLQ(ctx, rec); err != nil {
		m.log.Warn("stream consumer: dlq publish failed, falling back to file", "stream", stream, "error", err.Error())
		if ferr := m.fallback.Append(rec); ferr != nil {
			m.log.Warn("stream consumer: dlq fallback write failed, dropping record", "stream", stream, "error", ferr.Error())
		}
	}
}

func (m *Manager) buildRecord(stream string, msg model.StreamMessage, cause error) DLQRecord {
	stack := cause.Error()
	if len(stack) > 500 {
		stack = stack[:500]
	}
	return DLQRecord{
		OriginalMessageID: msg.ID,
		OriginalStream:    stream,
		OriginalData:      msg.Fields["data"],
		Error:             cause.Error(),
		ErrorStack:        stack,
		Timestamp:         m.clk.Now(),
		Service:           m.settings.Service,
		InstanceID:        m.settings.InstanceID,
	}
}

// publishDLQ retries the Redis write a few times (transient connection
// blips) before the caller falls back to the local JSONL file.
func (m *Manager) publishDLQ(ctx context.Context, rec DLQRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(func() error {
		_, err := m.client.XAdd(ctx, m.settings.DLQStream, map[string]string{"data": string(data)})
		return err
	}, backoff.WithContext(bo, ctx))
}

// trackError accounts one handler failure. Reaching maxStreamErrors fires
// exactly one STREAM_CONSUMER_FAILURE alert; the atomic flag is set
// synchronously before the notifier is invoked so concurrent callers never
// double-dispatch.
func (m *Manager) trackError(ctx context.Context, streamName string) {
	n := atomic.AddInt64(&m.errCount, 1)
	if int(n) < m.settings.MaxStreamErrors {
		return
	}
	if !atomic.CompareAndSwapInt32(&m.alerting, 0, 1) {
		return
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, model.Alert{
			Type:      "STREAM_CONSUMER_FAILURE",
			Severity:  model.SeverityCritical,
			Service:   streamName,
			Message:   "stream consumer error threshold reached",
			Timestamp: m.clk.Now(),
		})
	}
}

// ResetErrors clears the error counter and, if an alert had fired, emits
// the matching STREAM_RECOVERED alert.
func (m *Manager) ResetErrors(ctx context.Context, streamName string) {
	atomic.StoreInt64(&m.errCount, 0)
	if !atomic.CompareAndSwapInt32(&m.alerting, 1, 0) {
		return
	}
	if m.notifier != nil {
		m.notifier.Notify(ctx, model.Alert{
			Type:      "STREAM_RECOVERED",
			Severity:  model.SeverityWarning,
			Service:   streamName,
			Message:   "stream consumer recovered",
			Timestamp: m.clk.Now(),
		})
	}
}

// RecoverPendingMessages reclaims orphaned PEL entries left by a crashed
// consumer on each group's stream. Reclaimed messages are never
// re-executed — stale market data is unsafe to act on — they are DLQ'd
// and ACKed directly.
func (m *Manager) RecoverPendingMessages(ctx context.Context, streamGroups map[string]string) (recovered int, err error) {
	for stream, group := range streamGroups {
		summary, serr := m.client.XPending(ctx, stream, group)
		if serr != nil {
			m.log.Warn("recover pending: xpending failed", "stream", stream, "error", serr.Error())
			continue
		}
		for consumer, count := range summary.Consumers {
			if consumer == m.settings.Consumer || count == 0 {
				continue
			}
			details, derr := m.client.XPendingRange(ctx, stream, group, m.settings.OrphanClaimMinIdle, m.settings.OrphanClaimBatchSize)
			if derr != nil {
				m.log.Warn("recover pending: xpendingrange failed", "stream", stream, "error", derr.Error())
				continue
			}

			var ids []string
			for _, d := range details {
				if d.Consumer == consumer && d.Idle >= m.settings.OrphanClaimMinIdle {
					ids = append(ids, d.ID)
				}
			}
			if len(ids) == 0 {
				continue
			}

			claimed, cerr := m.client.XClaim(ctx, stream, group, m.settings.Consumer, m.settings.OrphanClaimMinIdle, ids...)
			if cerr != nil {
				m.log.Warn("recover pending: xclaim failed", "stream", stream, "error", cerr.Error())
				continue
			}

			for _, msg := range claimed {
				m.writeDLQ(ctx, stream, msg, errtag.NewPermanent("orphaned pel message reclaimed"))
				m.ack(ctx, stream, msg.ID)
				recovered++
			}
		}
	}
	return recovered, nil
}
