package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/ai"
	"github.com/beaconcrm/beacon/internal/api"
	"github.com/beaconcrm/beacon/internal/audience"
	"github.com/beaconcrm/beacon/internal/campaign"
	"github.com/beaconcrm/beacon/internal/circuitbreaker"
	"github.com/beaconcrm/beacon/internal/config"
	"github.com/beaconcrm/beacon/internal/db"
	"github.com/beaconcrm/beacon/internal/dispatch"
	"github.com/beaconcrm/beacon/internal/metrics"
	"github.com/beaconcrm/beacon/internal/observ"
	"github.com/beaconcrm/beacon/internal/reconcile"
	"github.com/beaconcrm/beacon/internal/redis"
	"github.com/beaconcrm/beacon/internal/sqs"
	"github.com/beaconcrm/beacon/internal/vendor"
	"github.com/beaconcrm/beacon/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting beacon gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("vendor_mode", cfg.VendorMode),
	)

	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis for idempotency and rate limiting. Optional: without it the API
	// still works, minus retry protection.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	// The reconciler is the single writer of delivery transitions and
	// campaign counters.
	reconciler := reconcile.New(repo, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// Receipt queue. When configured, webhook receipts and simulator receipts
	// take the SQS path and a consumer loop drains them into the reconciler.
	var producer *sqs.Producer
	var receiptSink vendor.ReceiptSink = reconciler
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSQueueURL,
			DLQURL:   cfg.SQSDLQURL,
		}
		producer, err = sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, receipts applied inline", zap.Error(err))
			producer = nil
		} else {
			defer producer.Close()
			receiptSink = producer.Sink("vendor")

			consumer, err := sqs.NewConsumer(ctx, sqsCfg, reconciler, logger)
			if err != nil {
				return fmt.Errorf("failed to create sqs consumer: %w", err)
			}
			go consumer.Run(workerCtx)
		}
	}

	// Vendor adapter, wrapped in a circuit breaker either way.
	var adapter vendor.Adapter
	var simulator *vendor.Simulator
	switch cfg.VendorMode {
	case "aws":
		ses, err := vendor.NewSESAdapter(ctx, vendor.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES adapter: %w", err)
		}
		sns, err := vendor.NewSNSAdapter(ctx, vendor.SNSConfig{
			Region: cfg.SNSRegion,
		}, logger)
		if err != nil {
			logger.Warn("SNS adapter unavailable, sms channel disabled", zap.Error(err))
			adapter = vendor.NewMultiAdapter(logger, ses)
		} else {
			adapter = vendor.NewMultiAdapter(logger, ses, sns)
		}
	default:
		simCfg := vendor.DefaultSimulatorConfig()
		simCfg.Workers = cfg.SimWorkers
		simCfg.FailureRate = cfg.SimFailureRate
		simCfg.Seed = cfg.SimSeed
		simulator = vendor.NewSimulator(simCfg, receiptSink, logger)
		simulator.Start(workerCtx)
		defer simulator.Stop()
		adapter = simulator
	}

	protected := circuitbreaker.NewProtectedAdapter(adapter,
		circuitbreaker.DefaultConfig(adapter.Name()), logger)

	resolver := audience.NewResolver(repo, logger)
	dispatcher := dispatch.New(repo, protected, reconciler, logger)
	svc := campaign.NewService(repo, resolver, dispatcher, logger)

	// Background loops: retry sweeping and counter reconciliation.
	sweeper := worker.NewSweeper(repo, dispatcher, worker.SweeperConfig{
		PollInterval: cfg.RetrySweepInterval,
		BatchSize:    cfg.RetrySweepBatch,
	}, logger)
	go sweeper.Start(workerCtx)

	statsSync := worker.NewStatsSync(reconciler, cfg.StatsSyncInterval, logger)
	go statsSync.Start(workerCtx)

	// Campaign assistant: OpenAI when configured, keyword fallback always.
	var primary ai.Assistant
	if cfg.AIEnabled {
		aiClient, err := ai.NewClient(ai.Config{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
		}, logger)
		if err != nil {
			logger.Warn("ai client unavailable, using keyword fallback", zap.Error(err))
		} else {
			primary = ai.NewOpenAIAssistant(aiClient, logger)
		}
	}
	assistant := ai.WithFallback(primary, logger)

	handler := api.NewHandler(logger, svc, repo, assistant, idempotencyService)

	var publisher api.ReceiptPublisher
	if producer != nil {
		publisher = producer
	}
	vendorHandler := api.NewVendorHandler(logger, protected, reconciler, publisher, cfg.ClickFallbackURL)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))

		r.Post("/campaigns", handler.CreateCampaign)
		r.Get("/campaigns", handler.ListCampaigns)
		r.Post("/campaigns/preview", handler.PreviewAudience)
		r.Get("/campaigns/{id}", handler.GetCampaign)
		r.Put("/campaigns/{id}", handler.UpdateCampaign)
		r.Delete("/campaigns/{id}", handler.DeleteCampaign)
		r.Post("/campaigns/{id}/launch", handler.LaunchCampaign)
		r.Patch("/campaigns/{id}/status", handler.SetCampaignStatus)
		r.Get("/campaigns/{id}/stats", handler.GetCampaignStats)
		r.Get("/campaigns/{id}/deliveries", handler.ListCampaignDeliveries)

		r.Get("/customers", handler.ListCustomers)
		r.Get("/customers/{id}", handler.GetCustomer)

		r.Post("/ai/rules", handler.GenerateRules)
		r.Post("/ai/messages", handler.SuggestMessages)

		r.Post("/vendor/send", vendorHandler.Send)
		r.Post("/vendor/delivery-receipt", vendorHandler.DeliveryReceipt)
		r.Post("/vendor/batch-update", vendorHandler.BatchUpdate)
		r.Get("/vendor/track/open/{messageId}", vendorHandler.TrackOpen)
		r.Get("/vendor/track/click/{messageId}", vendorHandler.TrackClick)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("DB DOWN"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
