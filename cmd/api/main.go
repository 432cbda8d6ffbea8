package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/cache"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/config"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/database"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/entitlement"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/ledger"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/logging"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/middleware"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/orchestrator"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/ownership"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/provider"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/queue"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/tracing"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/webhook"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// API bundles the services the handlers dispatch to.
type API struct {
	repo         *database.Repository
	ledger       *ledger.Service
	accounter    *entitlement.Accounter
	orchestrator *orchestrator.Service
	ownership    *ownership.Service
	cache        *cache.Cache
	statusTTL    time.Duration
}

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

	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName+"-api", cfg.Tracing.JaegerEndpoint)
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

	statusCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		// The status cache only shields the poll loop; the API works
		// without it.
		logger.WithError(err).Warn("Redis unavailable, status caching disabled")
		statusCache = nil
	} else {
		defer statusCache.Close()
	}

	q, err := queue.New(cfg.Queue)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to queue")
	}
	defer q.Close()

	registry := provider.NewRegistry()
	s3Adapter, err := provider.NewS3Adapter(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize s3 adapter")
	}
	registry.Register(models.ProviderS3, s3Adapter)

	catalog := entitlement.NewCatalog(cfg.Plans)
	accounter := entitlement.NewAccounter(repo, catalog, logger)
	ledgerSvc := ledger.NewService(repo, logger)
	ownershipSvc := ownership.NewService(repo, logger)
	notifier := webhook.NewService(cfg.Webhook)
	orch := orchestrator.NewService(repo, accounter, registry, q, notifier, cfg.Transfer, logger)

	api := &API{
		repo:         repo,
		ledger:       ledgerSvc,
		accounter:    accounter,
		orchestrator: orch,
		ownership:    ownershipSvc,
		cache:        statusCache,
		statusTTL:    cfg.Redis.StatusTTL,
	}

	router := setupRouter(api, cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.WithField("addr", addr).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API, cfg *config.Config) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	go limiter.Cleanup()

	v1 := router.Group("/api/v1")
	v1.Use(middleware.JWTAuth())
	v1.Use(middleware.RateLimit(limiter))
	{
		// Accounts and slots
		v1.POST("/accounts/connect", api.connectAccount)
		v1.POST("/accounts/disconnect", api.disconnectAccount)
		v1.GET("/accounts/slots", api.listSlots)

		// Entitlement
		v1.GET("/entitlement", api.getEntitlement)

		// Transfer jobs
		v1.POST("/jobs", api.createJob)
		v1.GET("/jobs", api.listJobs)
		v1.GET("/jobs/:id", api.getJobStatus)
		v1.POST("/jobs/:id/cancel", api.cancelJob)
	}

	// Internal operations driven by the worker or operators, not user
	// sessions.
	internal := router.Group("/internal/v1")
	internal.Use(middleware.InternalAuth(cfg.Auth.ServiceToken))
	{
		internal.POST("/jobs/:id/prepare", api.prepareJob)
		internal.POST("/jobs/:id/run", api.runJob)
		internal.POST("/jobs/:id/complete-usage", api.completeUsage)
		internal.POST("/ownership/transfer", api.transferOwnership)
	}

	return router
}
