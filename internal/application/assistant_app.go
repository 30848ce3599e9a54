package application

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/domain/service"
	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
	"github.com/joi-assistant/joi/internal/infrastructure/ingestion"
	"github.com/joi-assistant/joi/internal/infrastructure/llm"
	"github.com/joi-assistant/joi/internal/infrastructure/meshclient"
	"github.com/joi-assistant/joi/internal/infrastructure/persistence"
	"github.com/joi-assistant/joi/internal/infrastructure/prompt"
	httpserver "github.com/joi-assistant/joi/internal/interfaces/http"
	"github.com/joi-assistant/joi/internal/interfaces/http/handlers"
)

// AssistantApp is the assistant process: memory, LLM orchestration, policy
// authority, scheduler and the signed HTTP surface.
type AssistantApp struct {
	cfg    *config.AssistantConfig
	logger *zap.Logger

	db        *gorm.DB
	store     *persistence.Store
	manager   *policy.Manager
	rotator   *hmacauth.Rotator
	mesh      *meshclient.MeshClient
	pusher    *ConfigPusher
	responder *Responder
	ingester  *ingestion.Ingester
	watcher   *ingestion.Watcher
	scheduler *service.Scheduler
	server    *httpserver.Server
}

// NewAssistantApp wires every component. Construction order matters: the
// rotator must exist before the mesh client so signing follows rotation.
func NewAssistantApp(cfg *config.AssistantConfig, logger *zap.Logger) (*AssistantApp, error) {
	app := &AssistantApp{cfg: cfg, logger: logger}

	if cfg.Memory.RequireEncrypted {
		if _, err := persistence.LoadEncryptionKey(cfg.Memory); err != nil {
			return nil, fmt.Errorf("encryption requirement not satisfiable: %w", err)
		}
	}

	db, err := persistence.NewDBConnection(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	app.db = db
	app.store = persistence.NewStore(db, logger)

	app.manager, err = policy.NewManager(cfg.PolicyPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}

	bootSecret := cfg.HMAC.ReadSecret()
	if bootSecret == nil {
		logger.Warn("HMAC secret not configured, signed endpoints will fail closed")
	}
	app.rotator = hmacauth.NewRotator(bootSecret, cfg.HMAC.SecretFile,
		cfg.HMAC.RotationStateFile, cfg.HMAC.GracePeriodMS, logger)
	rotationInterval := time.Duration(cfg.HMAC.RotationIntervalHours) * time.Hour
	if rotationInterval <= 0 {
		rotationInterval = 7 * 24 * time.Hour
	}

	meshTimeout := time.Duration(cfg.Mesh.TimeoutSeconds) * time.Second
	app.mesh = meshclient.NewMeshClient(cfg.Mesh.URL, app.rotator.CurrentSecret, meshTimeout, logger)
	app.pusher = NewConfigPusher(app.manager, app.mesh, app.rotator, meshTimeout, logger)

	llmTimeout := time.Duration(cfg.LLM.TimeoutSeconds) * time.Second
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.Model, llmTimeout, cfg.LLM.NumCtx, logger)

	generate := func(ctx context.Context, p string) (string, string) {
		resp := llmClient.Generate(ctx, p, "", "")
		return resp.Text, resp.Err
	}
	consolidator := service.NewConsolidator(
		app.store, generate,
		app.manager.Get().Identity.BotName,
		cfg.Compaction.ContextSize, cfg.Compaction.BatchSize, cfg.Compaction.Archive,
		logger,
	)

	membership := NewMembershipCache(app.mesh, 30*time.Minute, logger)
	resolver := prompt.NewResolver(cfg.PromptsDir, logger)

	app.responder = NewResponder(
		app.store, llmClient, app.mesh, resolver, consolidator, membership,
		app.manager, cfg.Outbound,
		llmTimeout+30*time.Second,
		logger,
	)

	app.ingester = ingestion.NewIngester(
		cfg.Ingestion.Dir,
		cfg.Ingestion.ChunkSize, cfg.Ingestion.Overlap, int(cfg.Ingestion.MaxFileBytes),
		cfg.Ingestion.KeepFiles,
		app.store, logger,
	)
	app.watcher, err = ingestion.NewWatcher(app.ingester, logger)
	if err != nil {
		logger.Warn("ingestion watcher unavailable, relying on scheduler", zap.Error(err))
		app.watcher = nil
	}

	nonces := persistence.NewDBNonceStore(db)
	tamper := service.NewTamperDetector(
		[]string{cfg.PolicyPath, cfg.HMAC.SecretFile, cfg.EnvFile},
		[]string{cfg.PromptsDir},
		logger,
	)

	app.scheduler = service.NewScheduler(
		time.Duration(cfg.Scheduler.IntervalSeconds)*time.Second,
		time.Duration(cfg.Scheduler.StartupDelaySeconds)*time.Second,
		service.SchedulerTasks{
			Ingest:      func() { app.ingester.ProcessPending() },
			TamperCheck: tamper.Check,
			ConfigSync: func() {
				ctx, cancel := context.WithTimeout(context.Background(), meshTimeout)
				defer cancel()
				app.pusher.CheckMeshSync(ctx)
			},
			RefreshMembership: func() {
				if !app.manager.Get().IsDMGroupKnowledgeEnabled() {
					return
				}
				ctx, cancel := context.WithTimeout(context.Background(), meshTimeout)
				defer cancel()
				membership.Refresh(ctx)
			},
			NonceCleanup: func() { nonces.Cleanup() },
			RotationCheck: func() {
				if app.rotator.ShouldRotate(rotationInterval) {
					if err := app.pusher.RotateKey(true); err != nil {
						logger.Error("scheduled rotation failed", zap.Error(err))
					}
				}
			},
			Compaction: func() { app.runFullCompaction(consolidator) },
		},
		os.Exit,
		logger,
	)

	handler := handlers.NewAssistantHandler(app.responder, app.ingester, logger)
	admin := handlers.NewAdminHandler(app.manager, app.rotator, app.pusher, app.store, logger)

	startedAt := time.Now()
	health := func() map[string]any {
		dbOK := false
		if sqlDB, err := db.DB(); err == nil {
			dbOK = sqlDB.Ping() == nil
		}
		return map[string]any{
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
			"queue_depth":    app.responder.QueueDepth(),
			"database_ok":    dbOK,
		}
	}
	app.server = httpserver.NewAssistantServer(cfg.Server, app.rotator, nonces,
		cfg.HMAC.ToleranceMS, handler, admin, health, logger)

	return app, nil
}

// runFullCompaction compacts every conversation with stored messages.
func (a *AssistantApp) runFullCompaction(consolidator *service.Consolidator) {
	var conversationIDs []string
	err := a.db.Table("messages").
		Where("archived = ?", false).
		Distinct().
		Pluck("conversation_id", &conversationIDs).Error
	if err != nil {
		a.logger.Warn("failed to list conversations for compaction", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(a.cfg.LLM.TimeoutSeconds)*time.Second*2)
	defer cancel()

	for _, id := range conversationIDs {
		if _, err := consolidator.CompactConversation(ctx, id); err != nil {
			a.logger.Warn("scheduled compaction failed",
				zap.String("conversation", id), zap.Error(err))
		}
	}
}

// Pusher exposes the config pusher for the CLI subcommands.
func (a *AssistantApp) Pusher() *ConfigPusher {
	return a.pusher
}

// Ingester exposes the document ingester for the CLI subcommands.
func (a *AssistantApp) Ingester() *ingestion.Ingester {
	return a.ingester
}

// Start launches the queue worker, watcher, scheduler and HTTP server, then
// pushes the policy so the mesh starts with current config.
func (a *AssistantApp) Start(ctx context.Context) error {
	a.responder.Start(ctx)

	if err := a.ingester.EnsureDirectories(); err != nil {
		return err
	}
	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			a.logger.Warn("ingestion watcher failed to start, relying on scheduler", zap.Error(err))
		}
	}

	a.scheduler.Start(ctx)

	if err := a.server.Start(ctx); err != nil {
		return err
	}

	pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := a.pusher.PushNow(pushCtx); err != nil {
		a.logger.Warn("initial policy push failed, drift check will retry", zap.Error(err))
	}
	return nil
}

// Stop drains the HTTP server; background loops exit with the root context.
func (a *AssistantApp) Stop(ctx context.Context) error {
	return a.server.Stop(ctx)
}
