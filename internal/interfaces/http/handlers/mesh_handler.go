package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/domain/service"
	"github.com/joi-assistant/joi/internal/interfaces/http/middleware"
	"github.com/joi-assistant/joi/internal/interfaces/signal"
)

const maxOutboundTextLength = 2048

// RPCCaller is the transport RPC surface the mesh handlers need.
type RPCCaller interface {
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// MeshHandler serves the mesh's signed HTTP surface: config pushes from the
// assistant, outbound sends, group membership and delivery lookups.
type MeshHandler struct {
	state      *policy.State
	rpc        RPCCaller
	tracker    *signal.DeliveryTracker
	limiter    *service.OutboundLimiter
	escalated  *service.OutboundLimiter
	cooldown   *service.Cooldown
	rpcTimeout time.Duration
	logger     *zap.Logger
}

// NewMeshHandler creates the mesh handler set. Escalated sends draw from
// their own, more permissive hourly bucket.
func NewMeshHandler(state *policy.State, rpc RPCCaller, tracker *signal.DeliveryTracker, limiter, escalated *service.OutboundLimiter, cooldown *service.Cooldown, rpcTimeout time.Duration, logger *zap.Logger) *MeshHandler {
	return &MeshHandler{
		state:      state,
		rpc:        rpc,
		tracker:    tracker,
		limiter:    limiter,
		escalated:  escalated,
		cooldown:   cooldown,
		rpcTimeout: rpcTimeout,
		logger:     logger,
	}
}

// ConfigStatus reports the applied config hash. Unauthenticated so the
// assistant can detect drift even across a key mismatch.
func (h *MeshHandler) ConfigStatus(c *gin.Context) {
	// A fresh mesh omits config_hash entirely.
	data := gin.H{"applied_at": h.state.AppliedAt()}
	if hash := h.state.ConfigHash(); hash != "" {
		data["config_hash"] = hash
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": data})
}

// ConfigSync installs a pushed policy (and any embedded key rotation).
func (h *MeshHandler) ConfigSync(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("config push body must be a JSON object"))
		return
	}

	hash, err := h.state.ApplyPush(body)
	if err != nil {
		middleware.AbortWithError(c, apperrors.Wrap(err, apperrors.CodeApplyFailed, "failed to apply config push"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"data": gin.H{
			"config_hash": hash,
			"applied_at":  h.state.AppliedAt(),
		},
	})
}

// signalGroup is the subset of a listGroups entry the mesh cares about.
type signalGroup struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Members []struct {
		Number string `json:"number"`
		UUID   string `json:"uuid"`
	} `json:"members"`
}

// GroupMembers returns member lists keyed by group id. An empty or absent
// group_id returns every group the account belongs to.
func (h *MeshHandler) GroupMembers(c *gin.Context) {
	var req struct {
		GroupID string `json:"group_id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			middleware.AbortWithError(c, apperrors.NewInvalidInputError("invalid group members request"))
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.rpcTimeout)
	defer cancel()

	raw, err := h.rpc.Call(ctx, "listGroups", nil)
	if err != nil {
		h.logger.Error("listGroups failed", zap.Error(err))
		middleware.AbortWithError(c, apperrors.NewInternalErrorWithCause("failed to list groups", err))
		return
	}

	var groups []signalGroup
	if err := json.Unmarshal(raw, &groups); err != nil {
		middleware.AbortWithError(c, apperrors.NewInternalErrorWithCause("unexpected listGroups response", err))
		return
	}

	members := entity.GroupMembers{}
	for _, g := range groups {
		if req.GroupID != "" && g.ID != req.GroupID {
			continue
		}
		list := make([]entity.GroupMember, 0, len(g.Members))
		for _, m := range g.Members {
			list = append(list, entity.GroupMember{Number: m.Number, UUID: m.UUID})
		}
		members[g.ID] = list
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": members})
}

// Outbound sends one message through the transport.
func (h *MeshHandler) Outbound(c *gin.Context) {
	if h.state.IsKillSwitchActive() {
		middleware.AbortWithError(c, apperrors.New(apperrors.CodeKillSwitchActive, "outbound sends are disabled"))
		return
	}

	var req entity.OutboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("invalid outbound request"))
		return
	}
	if req.Transport != "signal" {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("unsupported transport "+req.Transport))
		return
	}
	if req.Content.Type != entity.ContentTypeText || req.Content.Text == "" {
		middleware.AbortWithError(c, apperrors.NewPolicyError(apperrors.CodeInvalidText, "outbound content must be non-empty text"))
		return
	}
	if len([]rune(req.Content.Text)) > maxOutboundTextLength {
		middleware.AbortWithError(c, apperrors.NewPolicyError(apperrors.CodeTextTooLong, "outbound text exceeds limit"))
		return
	}

	// Only critical sends bypass rate limiting. Escalated sends draw from
	// the wider escalation bucket instead of the normal one.
	switch {
	case req.Priority == "critical":
		h.limiter.Allow(true)
	case req.Escalated:
		if !h.escalated.Allow(false) {
			middleware.AbortWithError(c, apperrors.New(apperrors.CodeRateLimitedHour, "escalated hourly limit reached"))
			return
		}
	default:
		if !h.limiter.Allow(false) {
			middleware.AbortWithError(c, apperrors.New(apperrors.CodeRateLimitedHour, "outbound hourly limit reached"))
			return
		}
	}

	params := map[string]any{"message": req.Content.Text}
	conversationType := entity.ConversationDirect
	conversationID := req.Recipient.TransportID
	if req.Delivery.Target == "group" && req.Delivery.GroupID != "" {
		params["groupId"] = req.Delivery.GroupID
		conversationType = entity.ConversationGroup
		conversationID = req.Delivery.GroupID
	} else {
		params["recipients"] = []string{req.Recipient.TransportID}
	}
	if req.ReplyTo != "" {
		if quoteTS, err := strconv.ParseInt(req.ReplyTo, 10, 64); err == nil {
			params["quoteTimestamp"] = quoteTS
			params["quoteAuthor"] = req.Recipient.TransportID
		}
	}

	h.cooldown.Wait(conversationType, conversationID)

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.rpcTimeout)
	defer cancel()

	raw, err := h.rpc.Call(ctx, "send", params)
	if err != nil {
		h.logger.Error("transport send failed", zap.Error(err))
		middleware.AbortWithError(c, apperrors.NewInternalErrorWithCause("transport send failed", err))
		return
	}

	var result struct {
		Timestamp int64 `json:"timestamp"`
	}
	_ = json.Unmarshal(raw, &result)

	messageID := strconv.FormatInt(result.Timestamp, 10)
	if result.Timestamp > 0 {
		h.tracker.RegisterSent(result.Timestamp, conversationID, messageID)
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"data": entity.OutboundResult{
			MessageID: messageID,
			Transport: "signal",
			SentAt:    time.Now().UnixMilli(),
			Delivered: false,
		},
	})
}

// DeliveryStatus looks up the receipt state of a sent message by its
// transport timestamp.
func (h *MeshHandler) DeliveryStatus(c *gin.Context) {
	ts, err := strconv.ParseInt(c.Query("timestamp"), 10, 64)
	if err != nil {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("timestamp query parameter must be an integer"))
		return
	}
	status, ok := h.tracker.Status(ts)
	if !ok {
		middleware.AbortWithError(c, apperrors.NewNotFoundError("no tracked message for timestamp"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "data": status})
}
