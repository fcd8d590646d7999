// Command execengine runs the execution-engine consumer: it reads
// stream:execution-requests, validates each opportunity, and hands
// validated ones to a bounded in-process worker pool that signals
// backpressure back to the consumer rather than blocking the read loop.
// The concrete trade execution strategy is out of scope here — workers
// record the outcome to the audit journal, standing in for wherever a
// real execution strategy would plug in.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/arbnet/coordinator/internal/audit"
	"github.com/arbnet/coordinator/internal/config"
	"github.com/arbnet/coordinator/internal/errtag"
	"github.com/arbnet/coordinator/internal/execengine"
	"github.com/arbnet/coordinator/internal/logger"
	"github.com/arbnet/coordinator/internal/metrics"
	"github.com/arbnet/coordinator/internal/model"
	"github.com/arbnet/coordinator/internal/streams"
)

const executionRequestsStream = "stream:execution-requests"

func main() {
	slogLog := logger.Init("execengine", slog.LevelInfo)
	log := logger.Wrap(slogLog)

	cfg, err := config.Load()
	if err != nil {
		log.Error("config load failed", "error", err.Error())
		os.Exit(1)
	}
	cfg.InstanceID = instanceID(cfg.Hostname)

	redisOpts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("redis url parse failed", "error", err.Error())
		os.Exit(1)
	}
	client, err := streams.NewRedisClient(streams.RedisConfig{Addr: redisOpts.Addr, Password: redisOpts.Password, DB: redisOpts.DB})
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

	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	httpSrv := metrics.NewServer(":9091", health)
	httpSrv.Start()
	defer httpSrv.Stop(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := make(chan model.Opportunity, cfg.ExecutionQueueSize)

	var consumer *execengine.Consumer
	validate := func(_ context.Context, opp model.Opportunity) error {
		if err := opp.Validate(); err != nil {
			return errtag.NewValidation(err.Error())
		}
		return nil
	}
	execute := func(_ context.Context, opp model.Opportunity) error {
		select {
		case queue <- opp:
			return nil
		default:
			return errtag.NewBackpressure("execution queue full")
		}
	}

	consumer = execengine.New(client, validate, execute, logger.Component(slogLog, "execengine"), nil, execengine.Settings{
		Stream:               executionRequestsStream,
		Group:                cfg.ConsumerGroupExecEngine,
		Consumer:             cfg.InstanceID,
		DLQStream:            "stream:dead-letter-queue",
		Service:              "executionEngine",
		InstanceID:           cfg.InstanceID,
		PendingMessageMaxAge: cfg.PendingMessageMaxAge,
		OrphanClaimMinIdle:   60 * time.Second,
		OrphanClaimBatchSize: 100,
	})

	if err := client.CreateConsumerGroup(ctx, executionRequestsStream, cfg.ConsumerGroupExecEngine); err != nil {
		log.Warn("create consumer group failed", "error", err.Error())
	}
	if recovered, err := consumer.RecoverPending(ctx); err != nil {
		log.Warn("startup pel recovery failed", "error", err.Error())
	} else if recovered > 0 {
		log.Info("startup pel recovery complete", "recovered", recovered)
	}

	workerCount := 4
	for i := 0; i < workerCount; i++ {
		go worker(ctx, queue, consumer, journal, log)
	}

	go readLoop(ctx, client, consumer, cfg, log)

	go func() {
		ticker := time.NewTicker(cfg.PendingMessageMaxAge / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := consumer.CleanupStalePending(ctx)
				m.ExecPendingSize.Set(float64(consumer.PendingCount()))
				m.ExecActiveSize.Set(float64(consumer.ActiveCount()))
				if removed > 0 {
					log.Debug("stale pending cleanup", "removed", removed)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, probeCancel := context.WithTimeout(ctx, 3*time.Second)
				health.SetRedisConnected(client.Ping(probeCtx) == nil)
				health.SetAuditDBOK(journal.Ping() == nil)
				probeCancel()
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Info("execengine running, press ctrl+c to stop")
	<-sigCh

	log.Info("shutdown signal received")
	cancel()
	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.ShutdownAckTimeout)
	consumer.Shutdown(shutCtx)
	shutCancel()
	log.Info("execengine shutdown complete")
}

func readLoop(ctx context.Context, client streams.Client, consumer *execengine.Consumer, cfg *config.Config, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msgs, err := client.XReadGroup(ctx, executionRequestsStream, cfg.ConsumerGroupExecEngine, cfg.InstanceID, 2*time.Second, 50)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("xreadgroup failed", "error", err.Error())
			continue
		}
		for _, msg := range msgs {
			consumer.HandleMessage(ctx, msg)
		}
	}
}

func worker(ctx context.Context, queue <-chan model.Opportunity, consumer *execengine.Consumer, journal *audit.Journal, log logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case opp, ok := <-queue:
			if !ok {
				return
			}
			if err := journal.RecordForwardingOutcome(opp.ID, true, nil, time.Now()); err != nil {
				log.Warn("audit record failed", "opportunity", opp.ID, "error", err.Error())
			}
			consumer.MarkComplete(ctx, opp.ID)
		}
	}
}

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
