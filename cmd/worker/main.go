package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/cache"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/config"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/database"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/entitlement"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/logging"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/metrics"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/orchestrator"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/provider"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/queue"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/sweeper"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/tracing"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/webhook"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// jobLockTTL bounds how long a crashed worker can hold a job lock.
const jobLockTTL = 30 * time.Minute

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logging")
	}

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName+"-worker", cfg.Tracing.JaegerEndpoint)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracing")
		}
		defer closer.Close()
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	repo := database.NewRepository(db)

	jobCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.WithError(err).Warn("Redis unavailable, job locking disabled")
		jobCache = nil
	} else {
		defer jobCache.Close()
	}

	q, err := queue.New(cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to queue")
	}
	defer q.Close()

	if err := q.SetupDeadLetterQueue(); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up dead letter queue")
	}

	registry := provider.NewRegistry()
	s3Adapter, err := provider.NewS3Adapter(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize s3 adapter")
	}
	registry.Register(models.ProviderS3, s3Adapter)

	catalog := entitlement.NewCatalog(cfg.Plans)
	accounter := entitlement.NewAccounter(repo, catalog, logger)
	notifier := webhook.NewService(cfg.Webhook)
	orch := orchestrator.NewService(repo, accounter, registry, q, notifier, cfg.Transfer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully")
		cancel()
	}()

	// Metrics server
	metricsServer := metrics.NewServer(cfg.Metrics.Port)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	// Sweeper
	sw := sweeper.New(repo, q, cfg.Transfer, logger)
	go sw.Run(ctx)

	jobHandler := func(jobID string, retryCount int) error {
		jobLogger := logger.WithJobID(jobID)
		if retryCount > 0 {
			jobLogger = jobLogger.WithField("retry", retryCount)
		}

		// Only one worker drives a job at a time.
		if jobCache != nil {
			acquired, err := jobCache.AcquireJobLock(ctx, jobID, jobLockTTL)
			if err != nil {
				jobLogger.WithError(err).Warn("Failed to acquire job lock")
			} else if !acquired {
				jobLogger.Info("Job already locked by another worker")
				return nil
			} else {
				defer func() {
					_ = jobCache.ReleaseJobLock(ctx, jobID)
				}()
			}
		}

		jobLogger.Info("Processing transfer job")

		if err := orch.Prepare(ctx, jobID); err != nil {
			switch {
			case errors.Is(err, models.ErrInvalidTransition):
				// Requeued job that already prepared; fall through to Run.
			case errors.Is(err, models.ErrTooManyItems):
				// Terminal validation failure, already landed on failed.
				return nil
			case errors.Is(err, models.ErrJobNotFound):
				jobLogger.Warn("Job vanished, dropping message")
				return nil
			default:
				jobLogger.WithError(err).Error("Failed to prepare job")
				return q.PublishToRetryQueue(ctx, jobID, retryCount)
			}
		}

		job, err := repo.GetJob(ctx, jobID)
		if err != nil {
			jobLogger.WithError(err).Error("Failed to reload job after prepare")
			return nil
		}
		if job.Status != models.JobStatusQueued {
			// blocked_quota, cancelled, or already terminal; nothing to run.
			jobLogger.WithField("status", job.Status).Info("Job not runnable")
			return nil
		}

		if err := orch.Run(ctx, jobID); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				jobLogger.Info("Job already claimed elsewhere")
				return nil
			}
			jobLogger.WithError(err).Error("Failed to run job")
			return q.PublishToRetryQueue(ctx, jobID, retryCount)
		}

		jobLogger.Info("Transfer job finished")
		return nil
	}

	// Jobs the queue gave up on will never see another worker, so land
	// them on failed instead of leaving them stuck in a live status.
	dlqHandler := func(jobID, reason string) error {
		failed, err := repo.MarkJobFailed(ctx, jobID, "retries exhausted: "+reason)
		if err != nil {
			logger.WithJobID(jobID).WithError(err).Error("Failed to fail dead-lettered job")
			return err
		}
		if failed {
			logger.WithJobID(jobID).WithField("reason", reason).Warn("Dead-lettered job marked failed")
		}
		return nil
	}

	logger.Info("Worker started, waiting for transfer jobs")
	if err := q.ConsumeJobs(ctx, jobHandler); err != nil {
		log.Fatal().Err(err).Msg("Failed to consume jobs")
	}
	if err := q.ConsumeDLQ(ctx, dlqHandler); err != nil {
		log.Fatal().Err(err).Msg("Failed to consume dead letter queue")
	}

	<-ctx.Done()
	logger.Info("Worker stopped")
}
