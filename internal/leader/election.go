// Package leader implements Redis-lease leader election: owner-qualified
// renewal, jittered heartbeat, and singleflight-serialized standby
// activation over the setNX/renew/release trio exposed by
// internal/streams.Client.
package leader

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/arbnet/coordinator/internal/clock"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/streams"
)

// Listener is notified of leadership transitions.
type Listener func(isLeader bool)

// Notifier is the narrow alert-dispatch surface leader needs, satisfied by
// *alert.Notifier.
type Notifier interface {
	Notify(ctx context.Context, a model.Alert)
}

// Settings configures one Elector.
type Settings struct {
	LockKey              string
	InstanceID           string
	LockTTL              time.Duration
	HeartbeatInterval    time.Duration
	JitterRange          time.Duration
	MaxHeartbeatFailures int
}

// Elector runs the heartbeat loop and owns the is-leader/standby state.
// Tick is expected to be called from a single goroutine; IsLeader/
// ActivateStandby may be called concurrently from others, hence mu.
type Elector struct {
	client   streams.Client
	notifier Notifier
	log      logger.Logger
	clk      clock.Clock
	settings Settings
	listener Listener

	sf singleflight.Group

	mu                sync.Mutex
	isLeader          bool
	activating        bool
	heartbeatFailures int
}

// New creates an Elector. Standby instances must call ActivateStandby
// before they are eligible to acquire the lock.
func New(client streams.Client, notifier Notifier, log logger.Logger, clk clock.Clock, settings Settings, listener Listener) *Elector {
	if clk == nil {
		clk = clock.Default
	}
	return &Elector{
		client:   client,
		notifier: notifier,
		log:      log,
		clk:      clk,
		settings: settings,
		listener: listener,
	}
}

// ActivateStandby serializes concurrent activation requests into one
// in-flight call; all concurrent callers observe the same result.
func (e *Elector) ActivateStandby(ctx context.Context) error {
	_, err, _ := e.sf.Do("activate", func() (interface{}, error) {
		e.mu.Lock()
		e.activating = true
		e.mu.Unlock()
		return nil, nil
	})
	return err
}

func (e *Elector) canBecomeLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activating
}

// Tick runs one heartbeat iteration: renew the lock if leader, otherwise
// attempt to acquire it.
func (e *Elector) Tick(ctx context.Context) {
	ttl := e.lockTTLSeconds()

	if e.IsLeader() {
		ok, err := e.client.RenewLockIfOwner(ctx, e.settings.LockKey, e.settings.InstanceID, ttl)
		e.mu.Lock()
		if err != nil || !ok {
			e.heartbeatFailures++
			failures := e.heartbeatFailures
			e.mu.Unlock()
			e.log.Warn("leader election: renew failed", "failures", failures, "error", errString(err))
			if failures >= e.settings.MaxHeartbeatFailures {
				e.demote(ctx)
			}
			return
		}
		e.heartbeatFailures = 0
		e.mu.Unlock()
		return
	}

	if !e.canBecomeLeader() {
		return
	}

	acquired, err := e.client.SetNX(ctx, e.settings.LockKey, e.settings.InstanceID, ttl)
	if err != nil {
		e.log.Warn("leader election: setnx failed", "error", err.Error())
		return
	}
	if !acquired {
		// Covers "we are the owner but restarted": a prior instance of us
		// may already hold the lock under our own instanceId.
		renewed, rerr := e.client.RenewLockIfOwner(ctx, e.settings.LockKey, e.settings.InstanceID, ttl)
		if rerr != nil || !renewed {
			return
		}
	}

	e.promote(ctx)
}

func (e *Elector) promote(ctx context.Context) {
	e.mu.Lock()
	e.isLeader = true
	e.heartbeatFailures = 0
	e.mu.Unlock()

	e.log.Info("leader election: acquired leadership", "instance", e.settings.InstanceID)
	e.alert(ctx, "LEADER_ACQUIRED", model.SeverityInfo)
	if e.listener != nil {
		e.listener(true)
	}
}

func (e *Elector) demote(ctx context.Context) {
	e.mu.Lock()
	e.isLeader = false
	e.heartbeatFailures = 0
	e.mu.Unlock()

	e.log.Warn("leader election: demoted", "instance", e.settings.InstanceID)
	e.alert(ctx, "LEADER_DEMOTION", model.SeverityWarning)
	if e.listener != nil {
		e.listener(false)
	}
}

// Stop releases the lock (if owned) and notifies the listener of the loss.
func (e *Elector) Stop(ctx context.Context) {
	_, _ = e.client.ReleaseLockIfOwner(ctx, e.settings.LockKey, e.settings.InstanceID)
	if e.IsLeader() {
		e.mu.Lock()
		e.isLeader = false
		e.mu.Unlock()
		if e.listener != nil {
			e.listener(false)
		}
	}
}

func (e *Elector) alert(ctx context.Context, alertType string, sev model.AlertSeverity) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(ctx, model.Alert{
		Type:      alertType,
		Severity:  sev,
		Service:   "leader-election",
		Message:   alertType,
		Timestamp: e.clk.Now(),
	})
}

// lockTTLSeconds rounds up to whole seconds, matching Redis's key-TTL
// resolution.
func (e *Elector) lockTTLSeconds() time.Duration {
	secs := (e.settings.LockTTL + time.Second - 1) / time.Second
	return secs * time.Second
}

// JitterSleep returns how long to sleep before the next heartbeat: the
// configured interval plus uniform jitter in [0, jitterRange).
func (e *Elector) JitterSleep() time.Duration {
	if e.settings.JitterRange <= 0 {
		return e.settings.HeartbeatInterval
	}
	return e.settings.HeartbeatInterval + time.Duration(rand.Int63n(int64(e.settings.JitterRange)))
}

// IsLeader reports current leadership state.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
