package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus metric the coordinator and execution
// engine expose, one field per observable quantity.
type Metrics struct {
	// Rate limiter
	RateLimitedMessages *prometheus.CounterVec // labels: stream

	// Stream consumer manager
	MessagesProcessed   *prometheus.CounterVec // labels: stream
	MessagesDLQd        *prometheus.CounterVec // labels: stream
	DLQFallbackWrites   prometheus.Counter
	PELMessagesReclaimed prometheus.Counter
	StreamErrorCount    prometheus.Gauge

	// Health monitor
	DegradationLevel prometheus.Gauge // 0=FULL_OPERATION .. 4=COMPLETE_OUTAGE
	ActiveServices   prometheus.Gauge
	SystemHealthPct  prometheus.Gauge
	AverageMemoryMB  prometheus.Gauge
	AverageLatencyMs prometheus.Gauge

	// Leader election
	IsLeader                prometheus.Gauge
	LeaderHeartbeatFailures prometheus.Gauge

	// Opportunity router
	OpportunitiesTotal     prometheus.Counter
	OpportunitiesDropped   prometheus.Counter
	ForwardingCircuitState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	ForwardingCircuitTrips prometheus.Counter

	// Alert pipeline
	AlertsSent       *prometheus.CounterVec // labels: channel
	AlertsSuppressed prometheus.Counter
	ChannelCircuitState *prometheus.GaugeVec // labels: channel

	// Active-pairs tracker
	ActivePairsSize prometheus.Gauge

	// Execution-engine consumer
	ExecPendingSize prometheus.Gauge
	ExecActiveSize  prometheus.Gauge
}

// NewMetrics registers and returns every coordinator/execution-engine metric.
func NewMetrics() *Metrics {
	m := &Metrics{
		RateLimitedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_rate_limited_messages_total",
			Help: "Messages rejected by the per-stream rate limiter",
		}, []string{"stream"}),

		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_messages_processed_total",
			Help: "Messages successfully handled and acked",
		}, []string{"stream"}),
		MessagesDLQd: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_messages_dlq_total",
			Help: "Messages routed to the dead-letter queue",
		}, []string{"stream"}),
		DLQFallbackWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_dlq_fallback_writes_total",
			Help: "DLQ records written to the local fallback file because the DLQ stream publish failed",
		}),
		PELMessagesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_pel_messages_reclaimed_total",
			Help: "Orphaned PEL messages reclaimed via XCLAIM",
		}),
		StreamErrorCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_stream_error_count",
			Help: "Current error-burst counter for the stream consumer manager",
		}),

		DegradationLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_degradation_level",
			Help: "Current degradation level (0=FULL_OPERATION .. 4=COMPLETE_OUTAGE)",
		}),
		ActiveServices: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_active_services",
			Help: "Count of services reporting healthy",
		}),
		SystemHealthPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_system_health_percent",
			Help: "Percentage of services reporting healthy",
		}),
		AverageMemoryMB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_average_memory_mb",
			Help: "Average reported memory usage across services",
		}),
		AverageLatencyMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_average_latency_ms",
			Help: "Average reported or derived heartbeat latency across services",
		}),

		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_is_leader",
			Help: "1 if this instance currently holds leadership",
		}),
		LeaderHeartbeatFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_leader_heartbeat_failures",
			Help: "Consecutive leader-lock heartbeat failures",
		}),

		OpportunitiesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_opportunities_total",
			Help: "Decoded opportunities handed to the router, accepted or not",
		}),
		OpportunitiesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_opportunities_dropped_total",
			Help: "Opportunities the router rejected, excluding duplicates and profit-bound rejections",
		}),
		ForwardingCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_forwarding_circuit_state",
			Help: "Execution-engine forwarding circuit breaker state (0=closed,1=open,2=half-open)",
		}),
		ForwardingCircuitTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_forwarding_circuit_trips_total",
			Help: "Times the forwarding circuit breaker tripped open",
		}),

		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_alerts_sent_total",
			Help: "Alerts delivered, by channel",
		}, []string{"channel"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_alerts_suppressed_total",
			Help: "Alerts suppressed by the per-type cooldown",
		}),
		ChannelCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_alert_channel_circuit_state",
			Help: "Per-channel alert circuit breaker state (0=closed,1=open,2=half-open)",
		}, []string{"channel"}),

		ActivePairsSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_active_pairs_size",
			Help: "Current size of the active-pairs tracker",
		}),

		ExecPendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execengine_pending_size",
			Help: "Current size of the execution engine's opportunity-ID-keyed pending index",
		}),
		ExecActiveSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "execengine_active_size",
			Help: "Current size of the execution engine's active-execution set",
		}),
	}

	prometheus.MustRegister(
		m.RateLimitedMessages,
		m.MessagesProcessed,
		m.MessagesDLQd,
		m.DLQFallbackWrites,
		m.PELMessagesReclaimed,
		m.StreamErrorCount,
		m.DegradationLevel,
		m.ActiveServices,
		m.SystemHealthPct,
		m.AverageMemoryMB,
		m.AverageLatencyMs,
		m.IsLeader,
		m.LeaderHeartbeatFailures,
		m.OpportunitiesTotal,
		m.OpportunitiesDropped,
		m.ForwardingCircuitState,
		m.ForwardingCircuitTrips,
		m.AlertsSent,
		m.AlertsSuppressed,
		m.ChannelCircuitState,
		m.ActivePairsSize,
		m.ExecPendingSize,
		m.ExecActiveSize,
	)

	return m
}

// HealthStatus represents the coordinator or execution-engine process's
// externally-visible health, served as JSON over /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	RedisConnected    bool   `json:"redis_connected"`
	AuditDBOK         bool   `json:"audit_db_ok"`
	IsLeader          bool   `json:"is_leader"`
	DegradationLevel  string `json:"degradation_level"`
	ReceivingHeartbeats bool `json:"receiving_heartbeats"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetAuditDBOK(v bool) {
	h.mu.Lock()
	h.AuditDBOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetIsLeader(v bool) {
	h.mu.Lock()
	h.IsLeader = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetDegradationLevel(level string) {
	h.mu.Lock()
	h.DegradationLevel = level
	h.mu.Unlock()
}

func (h *HealthStatus) SetReceivingHeartbeats(v bool) {
	h.mu.Lock()
	h.ReceivingHeartbeats = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite runs a trivial query against the audit journal and records
// latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.AuditDBOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	// Determine overall status
	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.RedisConnected || !h.AuditDBOK || !h.ReceivingHeartbeats {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.RedisConnected && !h.AuditDBOK {
		overallStatus = "unhealthy"
	}

	status := struct {
		Status              string  `json:"status"`
		Uptime              string  `json:"uptime"`
		RedisConnected      bool    `json:"redis_connected"`
		RedisLatencyMs      float64 `json:"redis_latency_ms"`
		AuditDBOK           bool    `json:"audit_db_ok"`
		SQLiteLatencyMs     float64 `json:"sqlite_latency_ms"`
		IsLeader            bool    `json:"is_leader"`
		DegradationLevel    string  `json:"degradation_level"`
		ReceivingHeartbeats bool    `json:"receiving_heartbeats"`
		LastCheckAt         string  `json:"last_check_at"`
	}{
		Status:              overallStatus,
		Uptime:              time.Since(h.StartedAt).Round(time.Second).String(),
		RedisConnected:      h.RedisConnected,
		RedisLatencyMs:      h.RedisLatencyMs,
		AuditDBOK:           h.AuditDBOK,
		SQLiteLatencyMs:     h.SQLiteLatencyMs,
		IsLeader:            h.IsLeader,
		DegradationLevel:    h.DegradationLevel,
		ReceivingHeartbeats: h.ReceivingHeartbeats,
		LastCheckAt:         h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
