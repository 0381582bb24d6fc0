package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/praxis-crm/syncbridge/internal/auth"
	"github.com/praxis-crm/syncbridge/internal/config"
	"github.com/praxis-crm/syncbridge/internal/mailerlite"
	"github.com/praxis-crm/syncbridge/internal/orchestrator"
	"github.com/praxis-crm/syncbridge/internal/ratelimit"
	"github.com/praxis-crm/syncbridge/internal/server"
	"github.com/praxis-crm/syncbridge/internal/storage"
	recsync "github.com/praxis-crm/syncbridge/internal/sync"
	"github.com/praxis-crm/syncbridge/internal/telemetry"
	"github.com/praxis-crm/syncbridge/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("SYNCBRIDGE_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("syncbridge starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry before anything registers instruments.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database and apply the embedded schema.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Client-side MailerLite request budget, shared by every caller.
	bucket := ratelimit.NewBucket(cfg.RateLimitCapacity, cfg.RateLimitWindow)
	snapWriter := ratelimit.NewSnapshotWriter(bucket, db, logger, cfg.SnapshotInterval)

	mlOpts := []mailerlite.Option{}
	if cfg.MailerLiteBaseURL != "" {
		mlOpts = append(mlOpts, mailerlite.WithBaseURL(cfg.MailerLiteBaseURL))
	}
	api := mailerlite.New(cfg.MailerLiteToken, bucket, logger, mlOpts...)
	// The repair loop paces itself and treats a 429 as terminal for the
	// request, so its client must not retry internally.
	repairAPI := mailerlite.New(cfg.MailerLiteToken, bucket, logger,
		append(mlOpts, mailerlite.WithMaxRetries(0))...)

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	authn, err := auth.NewAuthenticator(jwtMgr, cfg.ServiceAPIKey)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Record executor and the orchestrators layered on it.
	locker := recsync.NewLocker(db)
	exec := recsync.NewExecutor(locker, api, logger)
	resolver := recsync.NewResolver(db, locker, api, logger)

	backfill := orchestrator.NewBackfill(db, api, logger, func(fn func()) { go fn() })
	bidirectional := orchestrator.NewBidirectional(db, api, exec, logger)
	idRepair := orchestrator.NewIDRepair(db, repairAPI, logger)
	diagnostic := orchestrator.NewDiagnostic(db, api, logger)
	watchdog := orchestrator.NewWatchdog(db, logger)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		States:              db,
		Conflicts:           db,
		Auth:                authn,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Backfill:            backfill,
		Bidirectional:       bidirectional,
		IDRepair:            idRepair,
		Diagnostic:          diagnostic,
		Resolver:            resolver,
		Bucket:              bucket,
		SyncMaxRecords:      cfg.SyncMaxRecords,
		SyncMaxDuration:     cfg.SyncMaxDuration,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return snapWriter.Run(gctx)
	})
	g.Go(func() error {
		if err := watchdog.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("watchdog: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("syncbridge shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
