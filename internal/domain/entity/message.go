package entity

// Message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Content types.
const (
	ContentTypeText       = "text"
	ContentTypeReaction   = "reaction"
	ContentTypeAttachment = "attachment"
)

// Conversation types.
const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

// Fact sources.
const (
	FactSourceStated     = "stated"
	FactSourceInferred   = "inferred"
	FactSourceConfigured = "configured"
)

// Message is one stored conversation message. Messages are never mutated;
// compaction removes (or archives) them wholesale.
type Message struct {
	ID             int64
	MessageID      string
	Direction      string
	ConversationID string
	SenderID       string
	SenderName     string
	ContentType    string
	ContentText    string
	ReplyToID      string
	Timestamp      int64 // epoch ms
	CreatedAt      int64
	Archived       bool
}

// UserFact is a structured fact learned about a person, keyed by
// (conversation_id, category, key, active).
type UserFact struct {
	ID             int64
	ConversationID string
	Category       string
	Key            string
	Value          string
	Confidence     float64
	Source         string
	Active         bool
	CreatedAt      int64
	UpdatedAt      int64
	LastVerifiedAt int64
}

// ValidFactCategories is the closed set accepted from LLM extraction.
var ValidFactCategories = map[string]bool{
	"personal":     true,
	"preference":   true,
	"relationship": true,
	"work":         true,
	"routine":      true,
	"interest":     true,
}

// ContextSummary is an append-only rolling summary of a compacted batch.
type ContextSummary struct {
	ID             int64
	ConversationID string
	PeriodStart    int64
	PeriodEnd      int64
	SummaryText    string
	MessageCount   int
	CreatedAt      int64
}

// KnowledgeChunk is one indexed fragment of an ingested document, keyed by
// (scope, source, chunk_index). Scope is never empty for reachable chunks.
type KnowledgeChunk struct {
	ID         int64
	Scope      string
	Source     string
	Title      string
	Content    string
	ChunkIndex int
	CreatedAt  int64
}
