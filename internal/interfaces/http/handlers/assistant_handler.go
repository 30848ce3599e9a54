package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/infrastructure/ingestion"
	"github.com/joi-assistant/joi/internal/infrastructure/prompt"
	"github.com/joi-assistant/joi/internal/interfaces/http/middleware"
)

// InboundProcessor runs the full inbound pipeline: store, policy-aware
// response decision, queueing, LLM call and outbound send.
type InboundProcessor interface {
	Process(ctx context.Context, msg *entity.InboundMessage) error
}

// AssistantHandler serves the assistant's mesh-facing endpoints.
type AssistantHandler struct {
	processor InboundProcessor
	ingester  *ingestion.Ingester
	logger    *zap.Logger
}

// NewAssistantHandler creates the assistant handler set.
func NewAssistantHandler(processor InboundProcessor, ingester *ingestion.Ingester, logger *zap.Logger) *AssistantHandler {
	return &AssistantHandler{
		processor: processor,
		ingester:  ingester,
		logger:    logger,
	}
}

// Inbound accepts one forwarded message from the mesh. The request blocks
// until the pipeline finishes (including a queued LLM turn when the message
// warrants a response).
func (h *AssistantHandler) Inbound(c *gin.Context) {
	var msg entity.InboundMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("invalid inbound message"))
		return
	}
	if msg.MessageID == "" || msg.Sender.TransportID == "" || msg.Conversation.ID == "" {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("inbound message missing identifiers"))
		return
	}

	if err := h.processor.Process(c.Request.Context(), &msg); err != nil {
		h.logger.Error("inbound processing failed",
			zap.String("message_id", msg.MessageID), zap.Error(err))
		middleware.AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "message_id": msg.MessageID})
}

// Ingest accepts a document attachment for the knowledge index. The file is
// placed atomically into the ingestion input tree; the scheduler (or the
// directory watcher) indexes it shortly after.
func (h *AssistantHandler) Ingest(c *gin.Context) {
	var req entity.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("invalid ingest request"))
		return
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	if ext != ".txt" && ext != ".md" {
		middleware.AbortWithError(c, apperrors.New(apperrors.CodeUnsupportedContentType, "only .txt and .md documents are ingested"))
		return
	}

	scope := prompt.SanitizeScope(req.Scope)
	if scope == "" {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("ingest scope is required"))
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		middleware.AbortWithError(c, apperrors.NewInvalidInputError("content_base64 is not valid base64"))
		return
	}

	dest, err := h.ingester.WriteIncoming(scope, req.Filename, data)
	if err != nil {
		h.logger.Error("failed to stage document",
			zap.String("filename", req.Filename), zap.Error(err))
		middleware.AbortWithError(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}

	h.logger.Info("document staged for ingestion",
		zap.String("filename", filepath.Base(dest)),
		zap.String("scope", scope),
		zap.Int("bytes", len(data)))
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"filename": filepath.Base(dest),
		"scope":    scope,
	})
}
