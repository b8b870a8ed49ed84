// @title           Contract Signing API
// @version         1.0.0
// @description     Membership contract e-signature service: send, sign, counter-sign and audit contracts.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                         Authorization
// @description                  "Member JWT: 'Bearer {token}'"
// @securityDefinitions.apiKey  SigningToken
// @in                          header
// @name                         X-Signing-Token
//
// @tag.name         Contracts
// @tag.description  Contract lifecycle and signing.

// Package main is the entry point for the contract signing server binary.
// It dispatches three subcommands (serve, migrate and version) via a switch on os.Args.
// The serve command runs auto-migration on startup.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/membershiphub/esign/internal/api"
	"github.com/membershiphub/esign/internal/artifact"
	"github.com/membershiphub/esign/internal/audit"
	"github.com/membershiphub/esign/internal/auth"
	"github.com/membershiphub/esign/internal/config"
	"github.com/membershiphub/esign/internal/crypto"
	"github.com/membershiphub/esign/internal/db"
	"github.com/membershiphub/esign/internal/db/repositories"
	"github.com/membershiphub/esign/internal/events"
	"github.com/membershiphub/esign/internal/jobs"
	"github.com/membershiphub/esign/internal/middleware"
	"github.com/membershiphub/esign/internal/notify"
	"github.com/membershiphub/esign/internal/render"
	"github.com/membershiphub/esign/internal/safego"
	"github.com/membershiphub/esign/internal/signing"
	"github.com/membershiphub/esign/internal/storage"
	"github.com/membershiphub/esign/internal/telemetry"

	_ "github.com/membershiphub/esign/internal/storage/azure"
	_ "github.com/membershiphub/esign/internal/storage/gcs"
	_ "github.com/membershiphub/esign/internal/storage/local"
	_ "github.com/membershiphub/esign/internal/storage/minio"
	_ "github.com/membershiphub/esign/internal/storage/s3"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("esign %s\n", api.Version)
		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down|force VERSION>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2], os.Args[3:])
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := auth.InitJWTSecret(cfg.Auth.JWTSecret); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"name", cfg.Database.Name,
		"sslmode", cfg.Database.SSLMode)

	database, err := db.Connect(ctx, cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	telemetry.StartDBStatsCollector(ctx, database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if v, dirty, err := db.GetMigrationVersion(database); err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", v, "dirty", dirty)
	}

	backend, err := storage.NewStorage(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialise storage: %w", err)
	}

	sqlxDB := sqlx.NewDb(database, "postgres")
	contractRepo := repositories.NewContractRepository(sqlxDB)
	fieldCipher, err := crypto.FromConfig(cfg.Security.Encryption)
	if err != nil {
		return fmt.Errorf("invalid signature encryption key: %w", err)
	}
	if fieldCipher != nil {
		contractRepo.WithSealer(fieldCipher)
	}
	recipientRepo := repositories.NewRecipientRepository(sqlxDB)
	activityRepo := repositories.NewActivityRepository(database)

	shipper, err := audit.NewMultiShipper(cfg.Audit.Shippers)
	if err != nil {
		return fmt.Errorf("failed to initialise audit shippers: %w", err)
	}
	auditLogger := audit.NewLogger(activityRepo, shipper, cfg.Audit.Enabled)
	defer func() {
		if err := auditLogger.Close(); err != nil {
			slog.Warn("failed to close audit shippers", "error", err)
		}
	}()

	publisher, err := events.New(&cfg.Events)
	if err != nil {
		return fmt.Errorf("failed to initialise events publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Warn("failed to close events publisher", "error", err)
		}
	}()

	notifier := notify.New(&cfg.Notifications)
	signingCfg := signing.ConfigFrom(cfg)

	group := &safego.Group{}
	svc := signing.NewService(signing.Deps{
		Contracts:  contractRepo,
		Recipients: recipientRepo,
		Activity:   activityRepo,
		Renderer:   render.New(slog.Default()),
		Artifacts:  artifact.New(backend, cfg.Signing.ArtifactUploadTimeout, cfg.Signing.ArtifactURLTTL),
		Audit:      auditLogger,
		Notifier:   notifier,
		Events:     publisher,
		Group:      group,
	}, signingCfg)

	reminder := jobs.NewCounterSignReminder(contractRepo, notifier, &cfg.Notifications, signingCfg.PublicURL)
	if reminder.Enabled() {
		safego.Go(func() { reminder.Start(ctx) })
		defer reminder.Stop()
	}

	limiter, closeLimiter := middleware.NewLimiterFromConfig(cfg.Security.RateLimiting)
	defer func() {
		if err := closeLimiter(); err != nil {
			slog.Warn("failed to close rate limiter", "error", err)
		}
	}()

	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{
			Addr:         metricsAddr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		safego.Go(func() {
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		})
		defer metricsSrv.Close()
	}

	router := api.NewRouter(cfg, api.Deps{
		DB:        database,
		Storage:   backend,
		Contracts: svc,
		Signer:    svc,
		Limiter:   limiter,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	safego.Go(func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"public_url", cfg.Server.GetPublicURL(),
			"storage", cfg.Storage.DefaultBackend,
			"events", cfg.Events.Publisher,
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	})

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Notifications, audit shipping and events still in flight finish before their sinks close.
	if err := svc.Wait(shutdownCtx); err != nil {
		slog.Warn("side effects still running at shutdown", "error", err)
	}

	slog.Info("server stopped")
	return nil
}

func runMigrations(cfg *config.Config, direction string, args []string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level, cfg.Logging.Output)

	database, err := db.Connect(context.Background(), cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if direction == "force" {
		if len(args) != 1 {
			return fmt.Errorf("usage: %s migrate force VERSION", os.Args[0])
		}
		forced, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid migration version %q: %w", args[0], err)
		}
		slog.Warn("forcing migration version", "version", forced)
		if err := db.ForceMigrationVersion(database, forced); err != nil {
			return err
		}
	} else {
		slog.Info("running migrations", "direction", direction)
		if err := db.RunMigrations(database, direction); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	v, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "version", v, "dirty", dirty)
	return nil
}
