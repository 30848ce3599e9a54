package policy

import (
	"time"

	"github.com/joi-assistant/joi/internal/domain/entity"
	apperrors "github.com/joi-assistant/joi/pkg/errors"
)

// Decision is the outcome of evaluating one inbound envelope.
// StoreOnly admits the message for context without a reply.
type Decision struct {
	Allowed   bool
	Reason    apperrors.ErrorCode
	StoreOnly bool
}

func deny(reason apperrors.ErrorCode) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// RateChecker applies the per-sender inbound sliding windows and records the
// event when admitted.
type RateChecker interface {
	CheckAndAdd(senderID string) (bool, apperrors.ErrorCode)
}

// Evaluate applies the inbound policy to a normalized envelope, in the fixed
// order: sender, conversation, content, timestamp, rate limit.
func Evaluate(p Policy, msg *entity.InboundMessage, limiter RateChecker, now time.Time) Decision {
	senderID := msg.Sender.TransportID
	if senderID == "" {
		return deny(apperrors.CodeInvalidSender)
	}
	if !p.IsAllowedSender(senderID) {
		return deny(apperrors.CodeUnknownSender)
	}

	if msg.Conversation.ID == "" ||
		(msg.Conversation.Type != entity.ConversationDirect && msg.Conversation.Type != entity.ConversationGroup) {
		return deny(apperrors.CodeInvalidConversation)
	}

	storeOnly := false
	if msg.Conversation.Type == entity.ConversationGroup {
		if _, ok := p.Identity.Groups[msg.Conversation.ID]; !ok {
			return deny(apperrors.CodeGroupNotAllowed)
		}
		if !p.IsGroupParticipant(msg.Conversation.ID, senderID) {
			storeOnly = true
		}
	}

	switch msg.Content.Type {
	case entity.ContentTypeText:
		if msg.Content.Text == "" {
			return deny(apperrors.CodeInvalidText)
		}
		if len(msg.Content.Text) > p.Validation.MaxTextLength {
			return deny(apperrors.CodeTextTooLong)
		}
	case entity.ContentTypeReaction:
		if msg.Content.Reaction == "" {
			return deny(apperrors.CodeInvalidReaction)
		}
	case entity.ContentTypeAttachment:
		// size and type limits are enforced by the attachment handler
	case "":
		return deny(apperrors.CodeInvalidContent)
	default:
		return deny(apperrors.CodeUnsupportedContentType)
	}

	if msg.Timestamp <= 0 {
		return deny(apperrors.CodeInvalidTimestamp)
	}
	skew := now.UnixMilli() - msg.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > p.Validation.MaxTimestampSkewMS {
		return deny(apperrors.CodeTimestampOutOfWindow)
	}

	if limiter != nil {
		if ok, reason := limiter.CheckAndAdd(senderID); !ok {
			return deny(reason)
		}
	}

	return Decision{Allowed: true, StoreOnly: storeOnly}
}
