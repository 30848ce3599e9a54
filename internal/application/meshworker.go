package application

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"
	"github.com/joi-assistant/joi/pkg/safego"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/domain/service"
	"github.com/joi-assistant/joi/internal/infrastructure/meshclient"
	"github.com/joi-assistant/joi/internal/infrastructure/signalrpc"
	"github.com/joi-assistant/joi/internal/interfaces/signal"
)

// rateNotice is the user-facing message for a flooding sender.
const rateNotice = "You're sending messages too quickly. Please slow down a bit."

const maxAttachmentBytes = 1 << 20

// MeshWorker is the transport-receive loop: it drains signal-cli
// notifications, applies inbound policy, and forwards admitted messages and
// document attachments to the assistant through a bounded pool.
type MeshWorker struct {
	rpc            *signalrpc.Client
	state          *policy.State
	assistant      *meshclient.AssistantClient
	dedupe         *signal.DedupeCache
	tracker        *signal.DeliveryTracker
	limiter        *service.SlidingWindowLimiter
	notices        *service.NoticeLimiter
	botAccount     string
	botUUID        string
	attachmentsDir string
	forwardSem     chan struct{}
	forwardTimeout time.Duration
	logger         *zap.Logger
}

// NewMeshWorker wires the receive loop.
func NewMeshWorker(
	rpc *signalrpc.Client,
	state *policy.State,
	assistant *meshclient.AssistantClient,
	limiter *service.SlidingWindowLimiter,
	botAccount, attachmentsDir string,
	forwardWorkers int,
	forwardTimeout time.Duration,
	logger *zap.Logger,
) *MeshWorker {
	if forwardWorkers <= 0 {
		forwardWorkers = 4
	}
	return &MeshWorker{
		rpc:            rpc,
		state:          state,
		assistant:      assistant,
		dedupe:         signal.NewDedupeCache(time.Hour, 10000),
		tracker:        signal.NewDeliveryTracker(24*time.Hour, 10000),
		limiter:        limiter,
		notices:        service.NewNoticeLimiter(time.Minute),
		botAccount:     botAccount,
		attachmentsDir: attachmentsDir,
		forwardSem:     make(chan struct{}, forwardWorkers),
		forwardTimeout: forwardTimeout,
		logger:         logger,
	}
}

// Tracker exposes the delivery tracker for the HTTP handlers.
func (w *MeshWorker) Tracker() *signal.DeliveryTracker {
	return w.tracker
}

// SetBotUUID records the account's own UUID so @-mentions that reference it
// are detected. Called once after the account is resolved at startup.
func (w *MeshWorker) SetBotUUID(uuid string) {
	w.botUUID = uuid
}

// Start launches the receive loop.
func (w *MeshWorker) Start(ctx context.Context) {
	safego.Loop(ctx, w.logger, "mesh-receive", time.Second, func() {
		w.receiveLoop(ctx)
	})
}

func (w *MeshWorker) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-w.rpc.Notifications():
			if !ok {
				return
			}
			if note.Method != "receive" {
				continue
			}
			w.handleEnvelope(ctx, signal.ParseEnvelope(note.Params))
		}
	}
}

func (w *MeshWorker) handleEnvelope(ctx context.Context, env *signal.Envelope) {
	if env == nil {
		return
	}
	// Receipts update the tracker and are never forwarded.
	if signal.HandleReceipt(env, w.tracker) {
		return
	}

	msg := signal.Normalize(env, w.botAccount, w.botUUID)
	if msg == nil {
		return
	}
	if !w.dedupe.CheckAndAdd(msg.MessageID) {
		w.logger.Debug("duplicate envelope dropped",
			zap.String("message_id", msg.MessageID))
		return
	}

	p, hasPolicy := w.state.Policy()
	if !hasPolicy {
		w.logger.Warn("dropping message, no policy pushed yet",
			zap.String("sender", w.redact(msg.Sender.TransportID)))
		return
	}
	w.limiter.SetLimits(p.RateLimits.Inbound.MaxPerMinute, p.RateLimits.Inbound.MaxPerHour)

	decision := policy.Evaluate(p, msg, w.limiter, time.Now())
	if !decision.Allowed {
		w.handleRejection(ctx, msg, decision.Reason)
		return
	}
	msg.StoreOnly = decision.StoreOnly

	// The kill switch blocks replies, not context: inbound still reaches
	// the assistant's store.
	if w.state.IsKillSwitchActive() {
		msg.StoreOnly = true
	}

	if msg.Conversation.Type == entity.ConversationGroup {
		if g, ok := p.Identity.Groups[msg.Conversation.ID]; ok {
			msg.GroupNames = g.Names
		}
	}

	if len(env.DataMessage.Attachments) > 0 {
		w.forwardAttachments(ctx, msg, env.DataMessage.Attachments)
		if msg.Content.Type == entity.ContentTypeAttachment {
			return
		}
	}

	w.forward(ctx, msg)
}

// handleRejection logs a denial and notifies a rate-limited sender at most
// once per interval.
func (w *MeshWorker) handleRejection(ctx context.Context, msg *entity.InboundMessage, reason apperrors.ErrorCode) {
	// Unknown senders are logged unredacted so the operator can allowlist.
	sender := w.redact(msg.Sender.TransportID)
	if reason == apperrors.CodeUnknownSender {
		sender = msg.Sender.TransportID
	}
	w.logger.Info("inbound message rejected",
		zap.String("reason", string(reason)),
		zap.String("sender", sender),
		zap.String("conversation", w.redactConversation(msg)))

	if reason != apperrors.CodeRateLimitedMinute && reason != apperrors.CodeRateLimitedHour {
		return
	}
	if !w.notices.ShouldNotify(msg.Sender.TransportID) {
		return
	}

	params := map[string]any{"message": rateNotice}
	if msg.Conversation.Type == entity.ConversationGroup {
		params["groupId"] = msg.Conversation.ID
	} else {
		params["recipients"] = []string{msg.Sender.TransportID}
	}
	callCtx, cancel := context.WithTimeout(ctx, w.forwardTimeout)
	defer cancel()
	if _, err := w.rpc.Call(callCtx, "send", params); err != nil {
		w.logger.Warn("failed to send rate notice", zap.Error(err))
	}
}

// forward ships one admitted message to the assistant without blocking the
// receive loop.
func (w *MeshWorker) forward(ctx context.Context, msg *entity.InboundMessage) {
	w.forwardSem <- struct{}{}
	safego.Go(w.logger, "mesh-forward", func() {
		defer func() { <-w.forwardSem }()

		callCtx, cancel := context.WithTimeout(ctx, w.forwardTimeout)
		defer cancel()
		if err := w.assistant.ForwardInbound(callCtx, msg); err != nil {
			w.logger.Error("forward to assistant failed",
				zap.String("message_id", msg.MessageID),
				zap.Error(err))
		}
	})
}

// forwardAttachments ships supported document attachments to the assistant's
// ingestion endpoint and removes the local copies.
func (w *MeshWorker) forwardAttachments(ctx context.Context, msg *entity.InboundMessage, attachments []signal.Attachment) {
	scope := msg.Sender.TransportID
	if msg.Conversation.Type == entity.ConversationGroup {
		scope = msg.Conversation.ID
	}

	for _, att := range attachments {
		name := att.Filename
		if name == "" {
			name = att.ID
		}
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".txt" && ext != ".md" {
			continue
		}

		path := filepath.Join(w.attachmentsDir, att.ID)
		data, err := os.ReadFile(path)
		if err != nil {
			w.logger.Warn("attachment not readable",
				zap.String("id", att.ID), zap.Error(err))
			continue
		}
		if len(data) > maxAttachmentBytes || !utf8.Valid(data) {
			w.logger.Warn("attachment rejected",
				zap.String("filename", name), zap.Int("bytes", len(data)))
			os.Remove(path)
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, w.forwardTimeout)
		err = w.assistant.ForwardIngest(callCtx, &entity.IngestRequest{
			Filename:      name,
			ContentBase64: base64.StdEncoding.EncodeToString(data),
			ContentType:   att.ContentType,
			Scope:         scope,
			SenderID:      msg.Sender.TransportID,
		})
		cancel()
		if err != nil {
			w.logger.Error("attachment forward failed",
				zap.String("filename", name), zap.Error(err))
			continue
		}

		os.Remove(path)
		w.logger.Info("attachment forwarded for ingestion",
			zap.String("filename", name),
			zap.String("scope", w.redactConversation(msg)))
	}
}

func (w *MeshWorker) redact(id string) string {
	return signal.RedactPhone(id, w.state.IsPrivacyMode())
}

func (w *MeshWorker) redactConversation(msg *entity.InboundMessage) string {
	if msg.Conversation.Type == entity.ConversationGroup {
		return signal.RedactGroup(msg.Conversation.ID, w.state.IsPrivacyMode())
	}
	return signal.RedactPhone(msg.Conversation.ID, w.state.IsPrivacyMode())
}
