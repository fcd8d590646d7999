// Command coordinator runs the opportunity router, health monitor, leader
// elector, active-pairs tracker, and alert pipeline as one process: load
// config, construct every store/component up front, launch goroutines,
// wait on a shutdown signal, tear down in order.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/arbnet/coordinator/internal/alert"
	"github.com/arbnet/coordinator/internal/audit"
	"github.com/arbnet/coordinator/internal/config"
	"github.com/arbnet/coordinator/internal/coordinator"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/metrics"
	"github.com/arbnet/coordinator/internal/streams"
)

func main() {
	slogLog := logger.Init("coordinator", slog.LevelInfo)
	log := logger.Wrap(slogLog)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}
	cfg.InstanceID = instanceID(cfg.Hostname)

	log.Info("coordinator starting",
		"instance_id", cfg.InstanceID,
		"leader_lock_key", cfg.LeaderLockKey,
		"consumer_group", cfg.ConsumerGroupCoordinator,
	)

	redisOpts, err := parseRedisURL(cfg.RedisURL)
	if err != nil {
		log.Error("redis url parse failed", "error", err.Error())
		os.Exit(1)
	}
	client, err := streams.NewRedisClient(redisOpts)
	if err != nil {
		log.Error("redis client init failed", "error", err.Error())
		os.Exit(1)
	}
	defer client.Close()

	os.MkdirAll("data", 0o755)
	journal, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		log.Error("audit journal init failed", "error", err.Error())
		os.Exit(1)
	}
	defer journal.Close()

	channels := buildAlertChannels(cfg, log)
	cooldown := alert.NewCooldown(cfg.AlertCooldown, cfg.CooldownMaxAge, cfg.CooldownCleanupThreshold, nil)
	notifier := alert.NewNotifier(channels, cfg.AlertHistorySize, cooldown, cfg.CBFailureThreshold, cfg.CBResetTimeout, logger.Component(slogLog, "alert"))

	co := coordinator.New(cfg, client, notifier, logger.Component(slogLog, "coordinator"), nil)

	health := metrics.NewHealthStatus()
	health.SetRedisConnected(true)
	httpSrv := metrics.NewServer(":9090", health)
	httpSrv.Start()
	defer httpSrv.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go livenessLoop(ctx, client, journal, health)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- co.Run(ctx) }()

	log.Info("coordinator running, press ctrl+c to stop")

	select {
	case <-sigCh:
		log.Info("shutdown signal received")
	case err := <-runErrCh:
		if err != nil {
			log.Error("coordinator run loop exited with error", "error", err.Error())
		}
	}

	cancel()
	<-runErrCh
	log.Info("coordinator shutdown complete")
}

// livenessLoop periodically refreshes the /healthz snapshot's dependency
// fields, independent of the coordinator's own degradation-level tick.
func livenessLoop(ctx context.Context, client streams.Client, journal *audit.Journal, health *metrics.HealthStatus) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			health.SetRedisConnected(client.Ping(probeCtx) == nil)
			health.SetAuditDBOK(journal.Ping() == nil)
			cancel()
		}
	}
}

func buildAlertChannels(cfg *config.Config, log logger.Logger) []alert.Channel {
	channels := []alert.Channel{alert.NewLogChannel(log)}
	if cfg.DiscordWebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("discord", cfg.DiscordWebhookURL))
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackChannel(cfg.SlackWebhookURL))
	}
	return channels
}

// parseRedisURL converts a redis:// URL into the coordinator's minimal
// RedisConfig, reusing go-redis's own URL parser rather than hand-rolling
// one.
func parseRedisURL(rawURL string) (streams.RedisConfig, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return streams.RedisConfig{}, err
	}
	return streams.RedisConfig{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}, nil
}

// instanceID builds the consumer-name instance identifier: hostname plus
// startup timestamp, with a uuid suffix to disambiguate two instances
// started in the same process second on the same host.
func instanceID(hostname string) string {
	if hostname == "" {
		h, err := os.Hostname()
		if err == nil {
			hostname = h
		} else {
			hostname = "unknown"
		}
	}
	return hostname + "-" + time.Now().UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8]
}
