package entity

// Wire shapes for the mesh ↔ assistant HTTP contract.

// Sender identifies the message author. ID is "owner" for the configured
// owner, otherwise an opaque identifier; TransportID is the raw transport
// identity (phone number or UUID).
type Sender struct {
	ID          string `json:"id"`
	TransportID string `json:"transport_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Conversation locates the thread a message belongs to.
type Conversation struct {
	Type string `json:"type"` // direct, group
	ID   string `json:"id"`
}

// Content is the typed message payload.
type Content struct {
	Type            string         `json:"type"` // text, reaction, attachment
	Text            string         `json:"text,omitempty"`
	Reaction        string         `json:"reaction,omitempty"`
	TransportNative map[string]any `json:"transport_native,omitempty"`
}

// Quote references the message being replied to.
type Quote struct {
	MessageID string `json:"message_id"`
}

// InboundMessage is the body of POST /api/v1/message/inbound (mesh → assistant).
type InboundMessage struct {
	Transport    string       `json:"transport"`
	MessageID    string       `json:"message_id"`
	Sender       Sender       `json:"sender"`
	Conversation Conversation `json:"conversation"`
	Priority     string       `json:"priority"` // normal, critical
	Content      Content      `json:"content"`
	Timestamp    int64        `json:"timestamp"`
	Quote        *Quote       `json:"quote,omitempty"`
	StoreOnly    bool         `json:"store_only,omitempty"`
	GroupNames   []string     `json:"group_names,omitempty"`
	BotMentioned bool         `json:"bot_mentioned,omitempty"`
}

// Delivery selects direct vs group addressing for an outbound send.
type Delivery struct {
	Target  string `json:"target"` // direct, group
	GroupID string `json:"group_id,omitempty"`
}

// OutboundRequest is the body of POST /api/v1/message/outbound (assistant → mesh).
type OutboundRequest struct {
	Transport     string   `json:"transport"`
	Recipient     Sender   `json:"recipient"`
	Priority      string   `json:"priority"`
	Delivery      Delivery `json:"delivery"`
	Content       Content  `json:"content"`
	ReplyTo       string   `json:"reply_to,omitempty"`
	Escalated     bool     `json:"escalated"`
	VoiceResponse bool     `json:"voice_response"`
}

// OutboundResult is the data payload of a successful outbound send.
type OutboundResult struct {
	MessageID string `json:"message_id"`
	Transport string `json:"transport"`
	SentAt    int64  `json:"sent_at"`
	Delivered bool   `json:"delivered"`
}

// IngestRequest is the body of POST /api/v1/document/ingest (mesh → assistant).
type IngestRequest struct {
	Filename      string `json:"filename"`
	ContentBase64 string `json:"content_base64"`
	ContentType   string `json:"content_type"`
	Scope         string `json:"scope"`
	SenderID      string `json:"sender_id"`
}

// GroupMember is one entry of the mesh /groups/members response. Members
// carry both identifier forms so lookups accept either.
type GroupMember struct {
	Number string `json:"number,omitempty"`
	UUID   string `json:"uuid,omitempty"`
}

// GroupMembers maps group id to its member list.
type GroupMembers map[string][]GroupMember
