package application

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/domain/service"
	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
	"github.com/joi-assistant/joi/internal/infrastructure/meshclient"
	"github.com/joi-assistant/joi/internal/infrastructure/signalrpc"
	httpserver "github.com/joi-assistant/joi/internal/interfaces/http"
	"github.com/joi-assistant/joi/internal/interfaces/http/handlers"
)

// MeshApp is the transport process: the signal-cli child, the receive loop
// and the signed HTTP surface the assistant talks to.
type MeshApp struct {
	cfg    *config.MeshConfig
	logger *zap.Logger

	state  *policy.State
	rpc    *signalrpc.Client
	worker *MeshWorker
	server *httpserver.Server
}

// NewMeshApp wires the mesh. The signal-cli child starts immediately so the
// receive loop has a stream to drain as soon as Start runs.
func NewMeshApp(cfg *config.MeshConfig, logger *zap.Logger) (*MeshApp, error) {
	app := &MeshApp{cfg: cfg, logger: logger}

	bootSecret := cfg.HMAC.ReadSecret()
	if bootSecret == nil {
		logger.Warn("HMAC secret not configured, signed endpoints will fail closed")
	}
	app.state = policy.NewState(bootSecret, cfg.HMAC.SecretFile, logger)

	rpc, err := signalrpc.Start(
		[]string{cfg.Signal.Command, "-a", cfg.Signal.Account, "jsonRpc"},
		logger,
	)
	if err != nil {
		return nil, err
	}
	app.rpc = rpc

	assistantTimeout := time.Duration(cfg.Assistant.TimeoutSeconds) * time.Second
	assistant := meshclient.NewAssistantClient(cfg.Assistant.URL, func() []byte {
		current, _ := app.state.Secrets()
		return current
	}, assistantTimeout, logger)

	defaults := policy.Default()
	limiter := service.NewSlidingWindowLimiter(
		defaults.RateLimits.Inbound.MaxPerMinute,
		defaults.RateLimits.Inbound.MaxPerHour,
	)

	app.worker = NewMeshWorker(
		rpc, app.state, assistant, limiter,
		cfg.Signal.Account, cfg.Signal.AttachmentsDir,
		cfg.ForwardWorkers, assistantTimeout,
		logger,
	)

	rpcTimeout := time.Duration(cfg.Signal.RPCTimeoutSeconds) * time.Second
	handler := handlers.NewMeshHandler(
		app.state, rpc, app.worker.Tracker(),
		service.NewOutboundLimiter(cfg.Outbound.MaxPerHour, logger),
		service.NewOutboundLimiter(cfg.Outbound.EscalatedMaxPerHour, logger),
		service.NewCooldown(
			time.Duration(cfg.Outbound.DMCooldownSeconds)*time.Second,
			time.Duration(cfg.Outbound.GroupCooldownSeconds)*time.Second,
		),
		rpcTimeout, logger,
	)
	startedAt := time.Now()
	health := func() map[string]any {
		return map[string]any{
			"uptime_seconds": int64(time.Since(startedAt).Seconds()),
			"signal_running": rpc.Running(),
		}
	}
	app.server = httpserver.NewMeshServer(cfg.Server, app.state, handler,
		hmacauth.NewMemoryNonceStore(), cfg.HMAC.ToleranceMS, health, logger)

	return app, nil
}

// Start launches the receive loop and HTTP server.
func (a *MeshApp) Start(ctx context.Context) error {
	a.resolveBotUUID(ctx)
	a.worker.Start(ctx)
	return a.server.Start(ctx)
}

// resolveBotUUID asks signal-cli for the account's own UUID so mention
// detection covers both identifier forms. Best effort.
func (a *MeshApp) resolveBotUUID(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	raw, err := a.rpc.Call(callCtx, "listAccounts", nil)
	if err != nil {
		a.logger.Debug("could not resolve own uuid", zap.Error(err))
		return
	}
	var accounts []struct {
		Number string `json:"number"`
		UUID   string `json:"uuid"`
	}
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return
	}
	for _, acc := range accounts {
		if acc.Number == a.cfg.Signal.Account && acc.UUID != "" {
			a.worker.SetBotUUID(acc.UUID)
			return
		}
	}
}

// Stop drains the HTTP server and terminates the signal-cli child.
func (a *MeshApp) Stop(ctx context.Context) error {
	err := a.server.Stop(ctx)
	a.rpc.Close()
	return err
}
