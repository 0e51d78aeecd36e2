package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/misty-step/gitpulse-sub000/internal/api"
	"github.com/misty-step/gitpulse-sub000/internal/config"
	"github.com/misty-step/gitpulse-sub000/internal/facts"
	"github.com/misty-step/gitpulse-sub000/internal/policy"
	"github.com/misty-step/gitpulse-sub000/internal/scheduler"
	"github.com/misty-step/gitpulse-sub000/internal/source"
	"github.com/misty-step/gitpulse-sub000/internal/store"
	"github.com/misty-step/gitpulse-sub000/internal/syncer"
	"github.com/misty-step/gitpulse-sub000/internal/webhook"
)

// @title GitPulse Ingestion API
// @version 1.0
// @description GitHub activity ingestion and synchronization service
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8080
// @BasePath /api/v1
func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.DBConnectionString == "" || cfg.SourceToken == "" {
		logger.Fatal("Missing required configuration (DB_CONNECTION_STRING and SOURCE_API_TOKEN must be set)")
	}

	dbStore, err := store.NewPostgresStore(cfg.DBConnectionString)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}

	// Run migrations with retry logic
	if err := retry(3, 5*time.Second, func() error {
		return dbStore.Migrate()
	}); err != nil {
		logger.Fatalf("Failed to run migrations after retries: %v", err)
	}

	tokens, err := source.NewTokenCache(cfg.Source.TokenCacheSize, source.StaticMint(cfg.SourceToken))
	if err != nil {
		logger.Fatalf("Failed to initialize token cache: %v", err)
	}

	sched := scheduler.NewTimerScheduler(logger)
	defer sched.Close()

	client := source.NewClient(cfg.Source, cfg.Sync, logger)
	factSvc := facts.NewService(dbStore, logger)
	batches := syncer.NewBatchService(dbStore, sched, logger)
	runner := syncer.NewJobRunner(dbStore, client, tokens, factSvc, batches, sched, cfg.Sync, logger)
	syncSvc := syncer.NewService(dbStore, policy.NewEngine(cfg.Sync), batches, sched, logger)
	intake := webhook.NewIntake(dbStore, factSvc, cfg.Sync, logger)

	sched.Register(scheduler.TaskJobRun, func(ctx context.Context, args map[string]string) error {
		return runner.Run(ctx, args["job_id"])
	})
	sched.Register(scheduler.TaskReportGenerate, func(ctx context.Context, args map[string]string) error {
		// Report generation lives downstream; this service only emits the
		// trigger.
		logger.WithFields(logrus.Fields{
			"batch_id":        args["batch_id"],
			"installation_id": args["installation_id"],
		}).Info("Report generation triggered")
		return nil
	})

	router := api.SetupRouter(api.NewHandler(dbStore, syncSvc, batches, intake, logger))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runSweeps(ctx, cfg, batches, intake, logger)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}
	logger.Info("Server exited properly")
}

// runSweeps drives the periodic safety nets: batch finalization for batches
// whose lazy finalize never fired, and webhook retry for failed envelopes.
func runSweeps(ctx context.Context, cfg *config.Config, batches *syncer.BatchService, intake *webhook.Intake, logger *logrus.Logger) {
	finalizeTicker := time.NewTicker(cfg.FinalizeSweepEvery)
	defer finalizeTicker.Stop()
	webhookTicker := time.NewTicker(cfg.WebhookSweepEvery)
	defer webhookTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-finalizeTicker.C:
			if err := batches.FinalizeCompleteBatches(ctx); err != nil {
				logger.Errorf("Batch finalize sweep failed: %v", err)
			}
		case <-webhookTicker.C:
			if err := intake.RetryFailed(ctx); err != nil {
				logger.Errorf("Webhook retry sweep failed: %v", err)
			}
		}
	}
}

// retry retries a function up to a certain number of attempts with a delay between attempts
func retry(attempts int, sleep time.Duration, fn func() error) error {
	if err := fn(); err != nil {
		if attempts--; attempts > 0 {
			time.Sleep(sleep)
			return retry(attempts, sleep, fn)
		}
		return err
	}
	return nil
}
