package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
	"github.com/joi-assistant/joi/internal/infrastructure/meshclient"
	"github.com/joi-assistant/joi/internal/infrastructure/prompt"
	"github.com/joi-assistant/joi/internal/interfaces/http/middleware"
)

// ConfigPusher pushes the authoritative policy to the mesh and reports the
// mesh's applied state.
type ConfigPusher interface {
	PushNow(ctx context.Context) (string, error)
	MeshStatus(ctx context.Context) (*meshclient.ConfigStatus, error)
	RotateKey(useGrace bool) error
}

// KnowledgeReader is the read-only slice of the memory store the admin
// surface exposes.
type KnowledgeReader interface {
	SearchKnowledge(query string, limit int, scopes []string) ([]entity.KnowledgeChunk, error)
	ListScopes() (map[string]int64, error)
}

// AdminHandler serves the loopback-only operator endpoints.
type AdminHandler struct {
	manager   *policy.Manager
	rotator   *hmacauth.Rotator
	pusher    ConfigPusher
	knowledge KnowledgeReader
	logger    *zap.Logger
}

// NewAdminHandler creates the admin handler set.
func NewAdminHandler(manager *policy.Manager, rotator *hmacauth.Rotator, pusher ConfigPusher, knowledge KnowledgeReader, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		manager:   manager,
		rotator:   rotator,
		pusher:    pusher,
		knowledge: knowledge,
		logger:    logger,
	}
}

// ConfigStatus compares the authoritative policy hash with the mesh's.
func (h *AdminHandler) ConfigStatus(c *gin.Context) {
	localHash := h.manager.ConfigHash()

	resp := gin.H{
		"status":      "ok",
		"config_hash": localHash,
	}
	if mesh, err := h.pusher.MeshStatus(c.Request.Context()); err != nil {
		resp["mesh"] = gin.H{"reachable": false, "error": err.Error()}
	} else {
		resp["mesh"] = gin.H{
			"reachable":     true,
			"has_config":    mesh.HasConfig,
			"config_hash":   mesh.ConfigHash,
			"applied_at_ms": mesh.AppliedAt,
		}
		resp["in_sync"] = mesh.HasConfig && mesh.ConfigHash == localHash
	}
	c.JSON(http.StatusOK, resp)
}

// ConfigPush forces an immediate policy push to the mesh.
func (h *AdminHandler) ConfigPush(c *gin.Context) {
	hash, err := h.pusher.PushNow(c.Request.Context())
	if err != nil {
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "config_hash": hash})
}

// RotateKey runs an HMAC key rotation. grace=false forces an immediate
// cutover (incident response); the default keeps the old key briefly valid.
func (h *AdminHandler) RotateKey(c *gin.Context) {
	useGrace := c.DefaultQuery("grace", "true") != "false"
	if err := h.pusher.RotateKey(useGrace); err != nil {
		h.logger.Error("key rotation failed", zap.Error(err))
		middleware.AbortWithError(c, apperrors.NewInternalErrorWithCause("rotation failed", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "grace": useGrace})
}

// HMACStatus reports rotation bookkeeping.
func (h *AdminHandler) HMACStatus(c *gin.Context) {
	last := h.rotator.LastRotation()
	resp := gin.H{
		"status":  "ok",
		"rotated": !last.IsZero(),
	}
	if !last.IsZero() {
		resp["last_rotation_ms"] = last.UnixMilli()
	}
	c.JSON(http.StatusOK, resp)
}

// SecurityStatus reports the operational switches.
func (h *AdminHandler) SecurityStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"kill_switch":  h.manager.IsKillSwitchActive(),
		"privacy_mode": h.manager.IsPrivacyMode(),
	})
}

// SetPrivacyMode flips privacy mode and propagates it to the mesh.
func (h *AdminHandler) SetPrivacyMode(c *gin.Context) {
	enabled, err := strconv.ParseBool(c.Query("enabled"))
	if err != nil {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("enabled query parameter must be true or false"))
		return
	}
	if err := h.manager.SetPrivacyMode(enabled); err != nil {
		middleware.AbortWithError(c, apperrors.NewInternalErrorWithCause("persist privacy mode", err))
		return
	}
	h.propagate(c, gin.H{"status": "ok", "privacy_mode": enabled})
}

// SetKillSwitch flips the kill switch and propagates it to the mesh.
func (h *AdminHandler) SetKillSwitch(c *gin.Context) {
	active, err := strconv.ParseBool(c.Query("active"))
	if err != nil {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("active query parameter must be true or false"))
		return
	}
	if err := h.manager.SetKillSwitch(active); err != nil {
		middleware.AbortWithError(c, apperrors.NewInternalErrorWithCause("persist kill switch", err))
		return
	}
	h.propagate(c, gin.H{"status": "ok", "kill_switch": active})
}

// propagate pushes the updated policy; a failed push is reported in the
// response and retried by the scheduler's drift check.
func (h *AdminHandler) propagate(c *gin.Context, resp gin.H) {
	if _, err := h.pusher.PushNow(c.Request.Context()); err != nil {
		h.logger.Warn("policy push after admin change failed", zap.Error(err))
		resp["pushed"] = false
		resp["push_error"] = err.Error()
	} else {
		resp["pushed"] = true
	}
	c.JSON(http.StatusOK, resp)
}

// RAGScopes lists indexed knowledge scopes and their chunk counts.
func (h *AdminHandler) RAGScopes(c *gin.Context) {
	scopes, err := h.knowledge.ListScopes()
	if err != nil {
		middleware.AbortWithError(c, apperrors.NewInternalErrorWithCause("list scopes", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "scopes": scopes})
}

// RAGSearch runs a knowledge query, optionally restricted to one scope.
func (h *AdminHandler) RAGSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("q query parameter is required"))
		return
	}
	var scopes []string
	if scope := prompt.SanitizeScope(c.Query("scope")); scope != "" {
		scopes = []string{scope}
	}

	chunks, err := h.knowledge.SearchKnowledge(query, 10, scopes)
	if err != nil {
		middleware.AbortWithError(c, apperrors.NewInternalErrorWithCause("knowledge search", err))
		return
	}

	results := make([]gin.H, 0, len(chunks))
	for _, chunk := range chunks {
		results = append(results, gin.H{
			"scope":   chunk.Scope,
			"source":  chunk.Source,
			"title":   chunk.Title,
			"content": chunk.Content,
			"index":   chunk.ChunkIndex,
		})
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "results": results})
}
