// Package config loads a single, typed, immutable Config record once at
// startup and hands it to every component by injection — nothing
// downstream reads the environment directly. Uses viper so env vars, an
// optional config file, and defaults compose in the usual precedence
// order.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the coordinator's full set of tunables.
type Config struct {
	// Infrastructure
	RedisURL string
	Hostname string

	// Consumer identity
	ConsumerGroupCoordinator string
	ConsumerGroupExecEngine  string
	InstanceID               string // filled in by the caller (hostname+start ts+uuid suffix)

	// Rate limiter
	RateLimitMaxTokens       int
	RateLimitTokensPerMsg    int
	RateLimitRefillPeriod    time.Duration

	// Stream consumer
	OrphanClaimMinIdle   time.Duration
	OrphanClaimBatchSize int64
	MaxStreamErrors      int
	ShutdownAckTimeout   time.Duration
	DLQFallbackDir       string
	DLQFallbackMaxBytes  int64

	// Health monitor
	StartupGracePeriod            time.Duration
	MinServicesForGracePeriodAlert int
	StaleHeartbeatThreshold        time.Duration
	StalePurgeAge                  time.Duration
	ConsecutiveFailuresThreshold   int
	ExecutionEngineServiceName     string
	DetectorPattern                string

	// Leader election
	LockTTL              time.Duration
	HeartbeatInterval     time.Duration
	JitterRange           time.Duration
	MaxHeartbeatFailures  int
	LeaderLockKey         string

	// Opportunity router
	DuplicateWindow      time.Duration
	OpportunityTTL       time.Duration
	MinProfitPercentage  float64
	MaxProfitPercentage  float64
	ForwardRetryAttempts int
	CBFailureThreshold   int
	CBResetTimeout       time.Duration

	// Active-pairs tracker
	MaxActivePairs int
	PairTTL        time.Duration

	// Alert pipeline
	AlertHistorySize    int
	AlertCooldown       time.Duration
	CooldownMaxAge      time.Duration
	CooldownCleanupThreshold int
	DiscordWebhookURL   string
	SlackWebhookURL     string

	// Execution-engine consumer
	PendingMessageMaxAge time.Duration
	ExecutionQueueSize   int

	// Feature flags
	FeatureFastLane bool

	// Audit
	AuditDBPath string
}

// Load reads configuration from environment variables (and an optional
// config file discovered by viper) with the defaults below, then returns a
// single immutable Config. It never panics: REDIS_URL falls back to
// redis://localhost:6379/0 when unset, and every tunable has a safe default.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigName("coordinator")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coordinator")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("config: read config file: %w", err)
		}
	}

	setDefaults(v)

	redisURL := v.GetString("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	cfg := &Config{
		RedisURL: redisURL,
		Hostname: v.GetString("HOSTNAME"),

		ConsumerGroupCoordinator: "coordinator-group",
		ConsumerGroupExecEngine:  "execution-engine-group",

		RateLimitMaxTokens:    v.GetInt("rate_limit_max_tokens"),
		RateLimitTokensPerMsg: v.GetInt("rate_limit_tokens_per_message"),
		RateLimitRefillPeriod: v.GetDuration("rate_limit_refill_period"),

		OrphanClaimMinIdle:   v.GetDuration("orphan_claim_min_idle"),
		OrphanClaimBatchSize: v.GetInt64("orphan_claim_batch_size"),
		MaxStreamErrors:      v.GetInt("max_stream_errors"),
		ShutdownAckTimeout:   v.GetDuration("shutdown_ack_timeout"),
		DLQFallbackDir:       v.GetString("dlq_fallback_dir"),
		DLQFallbackMaxBytes:  v.GetInt64("dlq_fallback_max_bytes"),

		StartupGracePeriod:             v.GetDuration("startup_grace_period"),
		MinServicesForGracePeriodAlert: v.GetInt("min_services_for_grace_period_alert"),
		StaleHeartbeatThreshold:        v.GetDuration("stale_heartbeat_threshold"),
		StalePurgeAge:                  v.GetDuration("stale_purge_age"),
		ConsecutiveFailuresThreshold:   v.GetInt("consecutive_failures_threshold"),
		ExecutionEngineServiceName:     v.GetString("execution_engine_service_name"),
		DetectorPattern:                v.GetString("detector_pattern"),

		LockTTL:              v.GetDuration("lock_ttl"),
		HeartbeatInterval:    v.GetDuration("heartbeat_interval"),
		JitterRange:          v.GetDuration("jitter_range"),
		MaxHeartbeatFailures: v.GetInt("max_heartbeat_failures"),
		LeaderLockKey:        v.GetString("leader_lock_key"),

		DuplicateWindow:      v.GetDuration("duplicate_window"),
		OpportunityTTL:       v.GetDuration("opportunity_ttl"),
		MinProfitPercentage:  v.GetFloat64("min_profit_percentage"),
		MaxProfitPercentage:  v.GetFloat64("max_profit_percentage"),
		ForwardRetryAttempts: v.GetInt("forward_retry_attempts"),
		CBFailureThreshold:   v.GetInt("cb_failure_threshold"),
		CBResetTimeout:       v.GetDuration("cb_reset_timeout"),

		MaxActivePairs: v.GetInt("max_active_pairs"),
		PairTTL:        v.GetDuration("pair_ttl"),

		AlertHistorySize:         v.GetInt("alert_history_size"),
		AlertCooldown:            v.GetDuration("alert_cooldown"),
		CooldownMaxAge:           v.GetDuration("cooldown_max_age"),
		CooldownCleanupThreshold: v.GetInt("cooldown_cleanup_threshold"),
		DiscordWebhookURL:        v.GetString("DISCORD_WEBHOOK_URL"),
		SlackWebhookURL:          v.GetString("SLACK_WEBHOOK_URL"),

		PendingMessageMaxAge: v.GetDuration("pending_message_max_age"),
		ExecutionQueueSize:   v.GetInt("execution_queue_size"),

		FeatureFastLane: v.GetBool("FEATURE_FAST_LANE"),

		AuditDBPath: v.GetString("audit_db_path"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rate_limit_max_tokens", 20)
	v.SetDefault("rate_limit_tokens_per_message", 1)
	v.SetDefault("rate_limit_refill_period", time.Second)

	v.SetDefault("orphan_claim_min_idle", 60*time.Second)
	v.SetDefault("orphan_claim_batch_size", 100)
	v.SetDefault("max_stream_errors", 10)
	v.SetDefault("shutdown_ack_timeout", 5*time.Second)
	v.SetDefault("dlq_fallback_dir", "data")
	v.SetDefault("dlq_fallback_max_bytes", 100*1024*1024)

	v.SetDefault("startup_grace_period", 180*time.Second)
	v.SetDefault("min_services_for_grace_period_alert", 3)
	v.SetDefault("stale_heartbeat_threshold", 90*time.Second)
	v.SetDefault("stale_purge_age", 300*time.Second)
	v.SetDefault("consecutive_failures_threshold", 3)
	v.SetDefault("execution_engine_service_name", "executionEngine")
	v.SetDefault("detector_pattern", "detector")

	v.SetDefault("lock_ttl", 15*time.Second)
	v.SetDefault("heartbeat_interval", 5*time.Second)
	v.SetDefault("jitter_range", 500*time.Millisecond)
	v.SetDefault("max_heartbeat_failures", 3)
	v.SetDefault("leader_lock_key", "coordinator:leader:lock")

	v.SetDefault("duplicate_window", time.Second)
	v.SetDefault("opportunity_ttl", 30*time.Second)
	v.SetDefault("min_profit_percentage", 0.0)
	v.SetDefault("max_profit_percentage", 1000.0)
	v.SetDefault("forward_retry_attempts", 3)
	v.SetDefault("cb_failure_threshold", 5)
	v.SetDefault("cb_reset_timeout", 30*time.Second)

	v.SetDefault("max_active_pairs", 10000)
	v.SetDefault("pair_ttl", 24*time.Hour)

	v.SetDefault("alert_history_size", 200)
	v.SetDefault("alert_cooldown", 5*time.Minute)
	v.SetDefault("cooldown_max_age", time.Hour)
	v.SetDefault("cooldown_cleanup_threshold", 500)

	v.SetDefault("pending_message_max_age", 10*time.Minute)
	v.SetDefault("execution_queue_size", 1000)

	v.SetDefault("audit_db_path", "data/audit.db")
}
