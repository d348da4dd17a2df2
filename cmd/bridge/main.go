package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	migrations "chatbridge_backend/db"
	"chatbridge_backend/internal/autoreply"
	"chatbridge_backend/internal/bridge"
	"chatbridge_backend/internal/connection"
	"chatbridge_backend/internal/contacts"
	apphttp "chatbridge_backend/internal/http"
	"chatbridge_backend/internal/http/router"
	"chatbridge_backend/internal/http/stream"
	"chatbridge_backend/internal/ingest"
	"chatbridge_backend/internal/protocol/wa"
	"chatbridge_backend/internal/reconcile"
	"chatbridge_backend/internal/scheduler"
	"chatbridge_backend/internal/voice"
	"chatbridge_backend/platform/config"
	"chatbridge_backend/platform/db"
	"chatbridge_backend/platform/events"
	"chatbridge_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load configuration: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting chatbridge backend", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========================================================================
	// Infrastructure Layer
	// ========================================================================

	if err := withRetry(ctx, log, "database migrations", 5, 2*time.Second, func() error {
		return db.RunMigrations(ctx, cfg, migrations.MigrationsFS)
	}); err != nil {
		log.Error("failed to run migrations", "error", err)
		panic("failed to run migrations: " + err.Error())
	}

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database pool", 5, 2*time.Second, func() error {
		var poolErr error
		pool, poolErr = db.NewPool(ctx, cfg)
		return poolErr
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	eventBus := events.NewInMemoryBus(log)

	waClient, err := wa.NewClient(cfg.CredentialsDir, cfg.Env, log)
	if err != nil {
		log.Error("failed to initialize whatsapp client", "error", err)
		panic("failed to initialize whatsapp client: " + err.Error())
	}
	creds := wa.NewCredentialStore(cfg.CredentialsDir)

	// ========================================================================
	// Domain Layer
	// ========================================================================

	store := contacts.NewRepository(pool)
	engine := reconcile.NewEngine(store, eventBus, log)

	var transcriber ingest.Transcriber
	if cfg.WhisperModelPath != "" {
		t, err := voice.New(cfg.WhisperModelPath, log)
		if err != nil {
			log.Error("failed to load whisper model", "error", err, "path", cfg.WhisperModelPath)
			panic("failed to load whisper model: " + err.Error())
		}
		defer t.Close()
		transcriber = t
	} else {
		log.Info("WHISPER_MODEL_PATH not configured; voice transcription disabled")
	}

	rules, err := loadRules(cfg, log)
	if err != nil {
		log.Error("failed to load keyword rules", "error", err, "path", cfg.KeywordRulesPath)
		panic("failed to load keyword rules: " + err.Error())
	}

	followups, closeFollowups := initFollowupScheduler(cfg, log)
	if closeFollowups != nil {
		defer closeFollowups()
	}

	dispatcher := autoreply.NewDispatcher(store, nil, rules, followups, eventBus, log, autoreply.Config{
		ViewDelayMin:   cfg.ViewDelayMin,
		ViewDelayMax:   cfg.ViewDelayMax,
		ReplyDelayMin:  cfg.ReplyDelayMin,
		ReplyDelayMax:  cfg.ReplyDelayMax,
		AudioAssetsDir: cfg.AudioAssetsDir,
	})

	pipeline := ingest.NewPipeline(engine, store, ingest.NewStoreDetector(store, cfg.DedupWindow), dispatcher, transcriber, eventBus, log, ingest.Config{
		HistoryRecencyWindow: cfg.HistoryRecencyWindow,
	})

	svc := bridge.NewService(waClient, creds, store, engine, pipeline, dispatcher, eventBus, log, bridge.Config{
		Connection: connection.Config{
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			RestartRetryDelay:    cfg.RestartRetryDelay,
			QRTTL:                cfg.QRTTL,
		},
		DefaultRegion: cfg.DefaultRegion,
	})
	dispatcher.BindSessions(svc)

	if cfg.RedisURL != "" {
		worker, err := scheduler.NewWorker(cfg, store, svc, eventBus, log, scheduler.DefaultFollowupText)
		if err != nil {
			log.Error("failed to initialize follow-up worker", "error", err)
			panic("failed to initialize follow-up worker: " + err.Error())
		}
		go worker.Run(ctx)
	}

	for _, raw := range cfg.TenantIDs {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			log.Warn("skipping invalid tenant id in TENANT_IDS", "value", raw)
			continue
		}
		if err := svc.StartTenant(tenantID); err != nil {
			log.Error("failed to start tenant", "tenant_id", tenantID, "error", err)
		}
	}

	// ========================================================================
	// HTTP Layer
	// ========================================================================

	hub := stream.NewHub(eventBus)
	handler := bridge.NewHandler(svc, hub, log)
	engineHTTP := router.New(cfg, log, []apphttp.Module{handler})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engineHTTP,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddr)
		srvErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, gracefully shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Error("tenant shutdown incomplete", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown incomplete", "error", err)
		}
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			panic("server error: " + err.Error())
		}
	}
}

func loadRules(cfg *config.Config, log *logger.Logger) (autoreply.RuleSource, error) {
	if !cfg.AutoReplyEnabled {
		log.Info("auto-reply disabled by configuration")
		return autoreply.NewStaticRules(autoreply.NewRuleSet()), nil
	}
	if cfg.KeywordRulesPath == "" {
		log.Warn("KEYWORD_RULES_PATH not configured; no keyword rules loaded")
		return autoreply.NewStaticRules(autoreply.NewRuleSet()), nil
	}
	set, err := autoreply.LoadRulesFile(cfg.KeywordRulesPath)
	if err != nil {
		return nil, err
	}
	log.Info("keyword rules loaded", "path", cfg.KeywordRulesPath, "rules", set.Len())
	return autoreply.NewStaticRules(set), nil
}

func initFollowupScheduler(cfg *config.Config, log *logger.Logger) (autoreply.FollowupScheduler, func()) {
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not configured; follow-up scheduling disabled")
		return nil, nil
	}

	client, err := scheduler.NewClient(cfg, cfg.FollowupDelay)
	if err != nil {
		log.Error("failed to initialize follow-up scheduler client", "error", err)
		return nil, nil
	}

	return client, func() {
		_ = client.Close()
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return fmt.Errorf("%s: invalid retry attempts", name)
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}
