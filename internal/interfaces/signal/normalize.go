package signal

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joi-assistant/joi/internal/domain/entity"
)

// Envelope is the interesting subset of a signal-cli receive notification.
type Envelope struct {
	Source       string          `json:"source"`
	SourceNumber string          `json:"sourceNumber"`
	SourceUUID   string          `json:"sourceUuid"`
	SourceName   string          `json:"sourceName"`
	Timestamp    int64           `json:"timestamp"`
	ServerGUID   string          `json:"serverGuid"`
	DataMessage  *DataMessage    `json:"dataMessage"`
	Receipt      *ReceiptMessage `json:"receiptMessage"`
}

// DataMessage is a user-visible message payload.
type DataMessage struct {
	Message     string       `json:"message"`
	GroupInfo   *GroupInfo   `json:"groupInfo"`
	Quote       *QuoteInfo   `json:"quote"`
	Reaction    *Reaction    `json:"reaction"`
	Mentions    []Mention    `json:"mentions"`
	Attachments []Attachment `json:"attachments"`
}

// GroupInfo identifies a group thread.
type GroupInfo struct {
	GroupID string `json:"groupId"`
}

// QuoteInfo references a replied-to message by its send timestamp.
type QuoteInfo struct {
	ID int64 `json:"id"`
}

// Reaction is an emoji reaction to an earlier message.
type Reaction struct {
	Emoji string `json:"emoji"`
}

// Mention is one @-mention inside a message.
type Mention struct {
	Number string `json:"number"`
	UUID   string `json:"uuid"`
}

// Attachment describes a received file.
type Attachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

// ReceiptMessage is a delivery/read confirmation.
type ReceiptMessage struct {
	IsDelivery bool    `json:"isDelivery"`
	IsRead     bool    `json:"isRead"`
	IsViewed   bool    `json:"isViewed"`
	Timestamps []int64 `json:"timestamps"`
}

// ReceiveNotification is the params shape of a "receive" notification.
type ReceiveNotification struct {
	Envelope *Envelope `json:"envelope"`
}

// ParseEnvelope decodes notification params into an envelope; nil when the
// notification carries none.
func ParseEnvelope(params json.RawMessage) *Envelope {
	var n ReceiveNotification
	if err := json.Unmarshal(params, &n); err != nil {
		return nil
	}
	return n.Envelope
}

// Normalize converts a signal-cli envelope into the wire InboundMessage,
// or nil when the envelope carries nothing forwardable (typing indicators,
// receipts, empty sync messages).
func Normalize(env *Envelope, botAccount, botUUID string) *entity.InboundMessage {
	if env == nil || env.DataMessage == nil {
		return nil
	}
	dm := env.DataMessage

	text := strings.TrimSpace(dm.Message)
	contentType := entity.ContentTypeText
	reaction := ""
	switch {
	case dm.Reaction != nil:
		contentType = entity.ContentTypeReaction
		reaction = dm.Reaction.Emoji
	case text == "":
		if len(dm.Attachments) == 0 {
			return nil
		}
		contentType = entity.ContentTypeAttachment
	}

	// Phone number preferred over UUID for sender identity.
	sender := env.SourceNumber
	if sender == "" {
		sender = env.Source
	}
	if sender == "" {
		sender = env.SourceUUID
	}
	if sender == "" {
		sender = "unknown"
	}

	timestamp := env.Timestamp
	if timestamp <= 0 {
		timestamp = time.Now().UnixMilli()
	}

	messageID := env.ServerGUID
	if messageID == "" {
		messageID = uuid.NewString()
	}

	conversationType := entity.ConversationDirect
	conversationID := sender
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		conversationType = entity.ConversationGroup
		conversationID = dm.GroupInfo.GroupID
	}

	var quote *entity.Quote
	if dm.Quote != nil && dm.Quote.ID != 0 {
		quote = &entity.Quote{MessageID: strconv.FormatInt(dm.Quote.ID, 10)}
	}

	return &entity.InboundMessage{
		Transport: "signal",
		MessageID: messageID,
		Sender: entity.Sender{
			ID:          "owner",
			TransportID: sender,
			DisplayName: env.SourceName,
		},
		Conversation: entity.Conversation{
			Type: conversationType,
			ID:   conversationID,
		},
		Priority: "normal",
		Content: entity.Content{
			Type:     contentType,
			Text:     text,
			Reaction: reaction,
		},
		Timestamp:    timestamp,
		Quote:        quote,
		BotMentioned: botMentioned(dm.Mentions, botAccount, botUUID),
	}
}

// botMentioned checks the mention list against the bot's number and UUID;
// Signal autocomplete may use either.
func botMentioned(mentions []Mention, botAccount, botUUID string) bool {
	if botAccount == "" && botUUID == "" {
		return false
	}
	for _, m := range mentions {
		if botAccount != "" && m.Number == botAccount {
			return true
		}
		if botUUID != "" && m.UUID == botUUID {
			return true
		}
	}
	return false
}
