// Package health implements a degradation-level state machine: grace-period
// suppression during startup, stale-heartbeat hysteresis, escalation log
// throttling, and single-pass metrics aggregation over the tracked
// services. State lives behind a mutex-guarded struct with Set/Get-style
// accessors so concurrent readers (metrics, /healthz) never race with the
// tick goroutine.
package health

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arbnet/coordinator/internal/alert"
	"github.com/arbnet/coordinator/internal/clock"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/model"
)

// Settings configures one Monitor.
type Settings struct {
	StartupGracePeriod             time.Duration
	MinServicesForGracePeriodAlert int
	StaleHeartbeatThreshold        time.Duration
	StalePurgeAge                  time.Duration
	ConsecutiveFailuresThreshold   int
	ExecutionEngineServiceName     string
	DetectorPattern                string
}

type escalationState struct {
	firstDetected time.Time
	lastLoggedAt  time.Duration // duration-since-first at which we last logged
}

// Monitor owns the per-service health map and the derived degradation
// level. All exported methods are safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	settings Settings
	clk      clock.Clock
	notifier *alert.Notifier
	log      logger.Logger

	startedAt time.Time
	services  map[string]model.ServiceHealth

	level                 model.DegradationLevel
	consecutiveStaleCount int
	escalations           map[string]*escalationState

	hasReceivedHeartbeat map[string]bool
}

// NewMonitor creates a Monitor and records start() as now.
func NewMonitor(settings Settings, notifier *alert.Notifier, log logger.Logger, clk clock.Clock) *Monitor {
	if clk == nil {
		clk = clock.Default
	}
	return &Monitor{
		settings:             settings,
		clk:                  clk,
		notifier:             notifier,
		log:                  log,
		startedAt:            clk.Now(),
		services:             make(map[string]model.ServiceHealth),
		escalations:          make(map[string]*escalationState),
		hasReceivedHeartbeat: make(map[string]bool),
	}
}

// isInGracePeriod reports whether now is still within startupGracePeriodMs
// of start().
func (m *Monitor) isInGracePeriod(now time.Time) bool {
	return now.Sub(m.startedAt) < m.settings.StartupGracePeriod
}

// RecordHeartbeat ingests one service's reported health, marking it as
// having sent at least one heartbeat ever (used by the grace-period stale
// check).
func (m *Monitor) RecordHeartbeat(h model.ServiceHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[h.Name] = h
	m.hasReceivedHeartbeat[h.Name] = true
}

// Tick runs one evaluation pass: stale detection + hysteresis, degradation
// computation, metrics aggregation, and any alerts the transition implies.
// systemHealthPercent is an externally supplied system-wide figure,
// independent of the per-service map's derived SystemHealth metric.
func (m *Monitor) Tick(ctx context.Context, systemHealthPercent float64) (model.DegradationLevel, model.Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clk.Now()
	inGrace := m.isInGracePeriod(now)

	staleCount := m.detectStaleLocked(now, inGrace)
	m.purgeStaleLocked(now)

	if staleCount > 0 {
		m.consecutiveStaleCount++
	} else {
		m.consecutiveStaleCount = 0
	}

	if staleCount > 0 && m.consecutiveStaleCount < m.settings.ConsecutiveFailuresThreshold {
		m.log.Debug("health monitor: stale count below hysteresis threshold", "consecutive", m.consecutiveStaleCount)
		metrics := m.computeMetricsLocked(now)
		return m.level, metrics
	}

	newLevel := m.computeLevelLocked(systemHealthPercent, inGrace)
	if newLevel != m.level {
		m.log.Warn("health monitor: degradation level changed", "from", m.level.String(), "to", newLevel.String())
		m.notifyLevelChange(ctx, newLevel)
	}
	m.level = newLevel

	if inGrace && len(m.services) >= m.settings.MinServicesForGracePeriodAlert && systemHealthPercent < 80 {
		m.notify(ctx, "SYSTEM_HEALTH_LOW", model.SeverityWarning, "", "system health below 80% during startup grace period")
	}

	metrics := m.computeMetricsLocked(now)
	return m.level, metrics
}

func (m *Monitor) notifyLevelChange(ctx context.Context, newLevel model.DegradationLevel) {
	if newLevel == model.CompleteOutage {
		m.notify(ctx, "COMPLETE_OUTAGE", model.SeverityCritical, "", "all services unhealthy")
	}
}

func (m *Monitor) notify(ctx context.Context, alertType string, sev model.AlertSeverity, service, message string) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(ctx, model.Alert{
		Type:      alertType,
		Severity:  sev,
		Service:   service,
		Message:   message,
		Timestamp: m.clk.Now(),
	})
}

// detectStaleLocked flips healthy-but-overdue services to unhealthy and
// returns how many were flipped this tick.
func (m *Monitor) detectStaleLocked(now time.Time, inGrace bool) int {
	count := 0
	for name, svc := range m.services {
		if svc.Status != model.StatusHealthy || svc.LastHeartbeat.IsZero() {
			continue
		}
		age := now.Sub(svc.LastHeartbeat)
		if age <= m.settings.StaleHeartbeatThreshold {
			m.clearEscalation(name)
			continue
		}
		if inGrace && !m.hasReceivedHeartbeat[name] {
			continue
		}
		svc.Status = model.StatusUnhealthy
		m.services[name] = svc
		count++
		m.logStaleEscalation(name, now)
	}
	return count
}

// purgeStaleLocked drops entries stale long enough to be from a prior,
// now-dead process rather than a merely slow one.
func (m *Monitor) purgeStaleLocked(now time.Time) {
	for name, svc := range m.services {
		if svc.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(svc.LastHeartbeat) > m.settings.StalePurgeAge {
			delete(m.services, name)
			delete(m.hasReceivedHeartbeat, name)
			m.clearEscalation(name)
		}
	}
}

func (m *Monitor) clearEscalation(name string) {
	delete(m.escalations, name)
}

// logStaleEscalation implements the escalation-based log throttling:
// first detection WARN, subsequent DEBUG, escalating back to WARN at
// 60s/120s/300s since first detection.
func (m *Monitor) logStaleEscalation(name string, now time.Time) {
	esc, ok := m.escalations[name]
	if !ok {
		m.escalations[name] = &escalationState{firstDetected: now}
		m.log.Warn("health monitor: service heartbeat stale", "service", name)
		return
	}

	sinceFirst := now.Sub(esc.firstDetected)
	thresholds := []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second}
	for _, th := range thresholds {
		if sinceFirst >= th && esc.lastLoggedAt < th {
			esc.lastLoggedAt = th
			m.log.Warn("health monitor: service heartbeat still stale", "service", name, "since", sinceFirst.String())
			return
		}
	}
	m.log.Debug("health monitor: service heartbeat still stale", "service", name, "since", sinceFirst.String())
}

// computeLevelLocked derives the degradation level from the current
// per-service map in a single pass over it.
func (m *Monitor) computeLevelLocked(systemHealthPercent float64, inGrace bool) model.DegradationLevel {
	if len(m.services) == 0 || systemHealthPercent == 0 {
		if inGrace {
			return model.ReadOnly
		}
		return model.CompleteOutage
	}

	executorUnhealthy := false
	anyHealthyDetector := false
	anyDetector := false
	allDetectorsHealthy := true

	for name, svc := range m.services {
		if strings.EqualFold(name, m.settings.ExecutionEngineServiceName) {
			if svc.Status != model.StatusHealthy {
				executorUnhealthy = true
			}
			continue
		}
		if strings.Contains(strings.ToLower(name), strings.ToLower(m.settings.DetectorPattern)) {
			anyDetector = true
			if svc.Status == model.StatusHealthy {
				anyHealthyDetector = true
			} else {
				allDetectorsHealthy = false
			}
		}
	}

	switch {
	case executorUnhealthy && !anyHealthyDetector:
		return model.ReadOnly
	case executorUnhealthy:
		return model.DetectionOnly
	case !allDetectorsHealthy || !anyDetector:
		return model.ReducedChains
	default:
		return model.FullOperation
	}
}

// computeMetricsLocked aggregates active-service count, average memory,
// and average latency over the current per-service map in one pass.
func (m *Monitor) computeMetricsLocked(now time.Time) model.Metrics {
	size := len(m.services)
	active := 0
	var memSum, latSum float64

	for _, svc := range m.services {
		if svc.Status == model.StatusHealthy {
			active++
		}
		memSum += svc.MemoryUsage
		if svc.Latency != nil {
			latSum += *svc.Latency
		} else if !svc.LastHeartbeat.IsZero() {
			latSum += float64(now.Sub(svc.LastHeartbeat).Milliseconds())
		}
	}

	denom := float64(size)
	if denom == 0 {
		denom = 1
	}

	return model.Metrics{
		ActiveServices: active,
		SystemHealth:   float64(active) / denom * 100,
		AverageMemory:  memSum / denom,
		AverageLatency: latSum / denom,
		LastUpdate:     now,
	}
}

// Snapshot returns a copy of the current per-service map so callers can't
// mutate state the monitor still owns.
func (m *Monitor) Snapshot() map[string]model.ServiceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.ServiceHealth, len(m.services))
	for k, v := range m.services {
		out[k] = v.Copy()
	}
	return out
}

// Level returns the current degradation level.
func (m *Monitor) Level() model.DegradationLevel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}
