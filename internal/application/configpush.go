package application

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
	"github.com/joi-assistant/joi/internal/infrastructure/meshclient"
)

// ConfigPusher keeps the mesh's policy copy in sync with the assistant's
// authoritative one: explicit pushes, drift detection, and the push half of
// key rotation.
type ConfigPusher struct {
	manager *policy.Manager
	mesh    *meshclient.MeshClient
	rotator *hmacauth.Rotator
	timeout time.Duration
	logger  *zap.Logger

	mu           sync.Mutex
	lastPushHash string
	lastPushAt   time.Time
}

// NewConfigPusher wires the push pipeline.
func NewConfigPusher(manager *policy.Manager, mesh *meshclient.MeshClient, rotator *hmacauth.Rotator, timeout time.Duration, logger *zap.Logger) *ConfigPusher {
	return &ConfigPusher{
		manager: manager,
		mesh:    mesh,
		rotator: rotator,
		timeout: timeout,
		logger:  logger,
	}
}

// PushNow pushes the current policy and returns its canonical hash.
func (p *ConfigPusher) PushNow(ctx context.Context) (string, error) {
	payload, err := p.manager.PushPayload()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeInternal, "build push payload")
	}
	if err := p.mesh.PushConfig(ctx, payload); err != nil {
		return "", err
	}

	hash := p.manager.ConfigHash()
	p.mu.Lock()
	p.lastPushHash = hash
	p.lastPushAt = time.Now()
	p.mu.Unlock()

	p.logger.Info("Pushed policy to mesh", zap.String("config_hash", hash[:16]))
	return hash, nil
}

// MeshStatus reports the mesh's applied-config state.
func (p *ConfigPusher) MeshStatus(ctx context.Context) (*meshclient.ConfigStatus, error) {
	return p.mesh.Status(ctx)
}

// RotateKey runs a full key rotation: the rotator generates the key and the
// push delivers it inside a signed config push. The new key only takes
// effect locally after the mesh accepts it.
func (p *ConfigPusher) RotateKey(useGrace bool) error {
	return p.rotator.Rotate(useGrace, p.manager.PushPayload, func(payload map[string]any, secret []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		return p.mesh.PushConfigSigned(ctx, payload, secret)
	})
}

// NeedsPush reports whether the local policy changed since the last
// successful push.
func (p *ConfigPusher) NeedsPush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPushHash == "" || p.lastPushHash != p.manager.ConfigHash()
}

// CheckMeshSync probes the mesh and re-pushes when the mesh is empty, has
// drifted, or the local policy changed. Unreachable meshes are left for the
// next tick.
func (p *ConfigPusher) CheckMeshSync(ctx context.Context) {
	status, err := p.MeshStatus(ctx)
	if err != nil {
		p.logger.Warn("mesh status probe failed", zap.Error(err))
		return
	}

	localHash := p.manager.ConfigHash()
	reason := ""
	switch {
	case !status.HasConfig:
		reason = string(apperrors.CodeMeshEmpty)
	case status.ConfigHash != localHash:
		reason = string(apperrors.CodeMeshDrift)
	case p.NeedsPush():
		reason = "local_change"
	}
	if reason == "" {
		return
	}

	p.logger.Info("Re-pushing policy to mesh", zap.String("reason", reason))
	if _, err := p.PushNow(ctx); err != nil {
		p.logger.Error("policy re-push failed", zap.Error(err))
	}
}
