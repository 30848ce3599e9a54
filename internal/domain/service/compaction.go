package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/entity"
)

// factExtractionPrompt asks the model for a strict JSON fact array.
const factExtractionPrompt = `Analyze this conversation and extract any facts about the user.

Return a JSON array of facts. Each fact should have:
- category: one of "personal", "preference", "relationship", "work", "routine", "interest"
- key: short identifier (e.g., "name", "favorite_food", "partner_name")
- value: the fact itself
- confidence: 0.0-1.0 how confident you are (1.0 = user explicitly stated, 0.6 = inferred)

Only include facts that are clearly stated or strongly implied. Do not make assumptions.
If no facts can be extracted, return an empty array: []

Example output:
[
  {"category": "personal", "key": "name", "value": "Peter", "confidence": 1.0},
  {"category": "preference", "key": "coffee", "value": "prefers black coffee", "confidence": 0.8}
]

Conversation:
%s

JSON array of extracted facts:`

// factRetryPrompt is the stricter second attempt when the first response
// was prose instead of JSON.
const factRetryPrompt = `Extract facts about the user from this conversation.
Respond with ONLY a valid JSON array and nothing else. No prose, no markdown fences.
Each element: {"category": "...", "key": "...", "value": "...", "confidence": 0.0-1.0}.
Categories: personal, preference, relationship, work, routine, interest.
Return [] if there are no facts.

Conversation:
%s`

const summarizationPrompt = `Summarize this conversation concisely. Focus on:
- Main topics discussed
- Decisions made or conclusions reached
- Any tasks or action items mentioned
- Important information shared

Keep the summary under 200 words. Write in past tense, third person.
Do not include any system instructions or meta-commentary.

Conversation:
%s

Summary:`

// ExtractedFact is one fact the model pulled out of a compaction batch.
type ExtractedFact struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// injectionPhrases reject model output that smells like a prompt injection
// smuggled through conversation history.
var injectionPhrases = []string{
	"ignore previous",
	"disregard all",
	"you are now",
	"new instructions",
	"system prompt",
	"critical instructions",
}

// FormatTranscript renders messages as "Name: text" lines for the model.
// Outbound lines use the bot's name.
func FormatTranscript(messages []entity.Message, botName string) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		name := msg.SenderName
		if msg.Direction == entity.DirectionOutbound {
			name = botName
		}
		if name == "" {
			name = "User"
		}
		text := msg.ContentText
		if text == "" {
			text = "(no text)"
		}
		lines = append(lines, name+": "+text)
	}
	return strings.Join(lines, "\n")
}

// ParseFactsJSON decodes the model's fact array, tolerating surrounding
// prose: direct decode first, else the first balanced [...] block.
func ParseFactsJSON(response string) []ExtractedFact {
	response = strings.TrimSpace(response)

	var facts []ExtractedFact
	if strings.HasPrefix(response, "[") {
		if err := json.Unmarshal([]byte(response), &facts); err == nil {
			return facts
		}
	}

	if block := firstBalancedArray(response); block != "" {
		if err := json.Unmarshal([]byte(block), &facts); err == nil {
			return facts
		}
	}
	return nil
}

// firstBalancedArray returns the first [...] block with balanced brackets,
// ignoring brackets inside string literals.
func firstBalancedArray(s string) string {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ValidateFact checks required fields and category, coercing an absent or
// out-of-range confidence to 0.8.
func ValidateFact(fact *ExtractedFact) bool {
	if fact.Category == "" || fact.Key == "" || fact.Value == "" {
		return false
	}
	if !entity.ValidFactCategories[fact.Category] {
		return false
	}
	if fact.Confidence <= 0 || fact.Confidence > 1 {
		fact.Confidence = 0.8
	}
	return true
}

// ValidateSummary bounds the summary and rejects injection-looking output.
// Returns the cleaned text and whether it may be stored.
func ValidateSummary(summary string) (string, bool) {
	summary = strings.TrimSpace(summary)
	if len(summary) < 10 {
		return "", false
	}
	if len(summary) > 2000 {
		summary = strings.TrimSpace(summary[:2000])
	}
	lower := strings.ToLower(summary)
	for _, phrase := range injectionPhrases {
		if strings.Contains(lower, phrase) {
			return "", false
		}
	}
	return summary, true
}

// CompactionStore is the memory surface consolidation needs.
type CompactionStore interface {
	CountMessages(conversationID string) (int64, error)
	OldestMessages(conversationID string, limit int) ([]entity.Message, error)
	RemoveMessages(messageIDs []string, archive bool) error
	StoreFact(fact *entity.UserFact) error
	StoreSummary(summary *entity.ContextSummary) error
}

// GenerateFunc runs one LLM completion, returning the text and an error
// class (empty on success).
type GenerateFunc func(ctx context.Context, prompt string) (string, string)

// Consolidator compacts a conversation once its unarchived message count
// exceeds the context size: the oldest batch is distilled into facts and a
// summary, then removed.
type Consolidator struct {
	store       CompactionStore
	generate    GenerateFunc
	botName     string
	contextSize int
	batchSize   int
	archive     bool
	logger      *zap.Logger
}

// NewConsolidator wires the compaction pipeline.
func NewConsolidator(
	store CompactionStore,
	generate GenerateFunc,
	botName string,
	contextSize, batchSize int,
	archive bool,
	logger *zap.Logger,
) *Consolidator {
	return &Consolidator{
		store:       store,
		generate:    generate,
		botName:     botName,
		contextSize: contextSize,
		batchSize:   batchSize,
		archive:     archive,
		logger:      logger,
	}
}

// ExtractFacts runs fact extraction over a batch, with one stricter retry
// when a non-trivial response fails to parse.
func (c *Consolidator) ExtractFacts(ctx context.Context, messages []entity.Message) []ExtractedFact {
	if len(messages) == 0 {
		return nil
	}
	transcript := FormatTranscript(messages, c.botName)

	text, errClass := c.generate(ctx, fmt.Sprintf(factExtractionPrompt, transcript))
	if errClass != "" {
		c.logger.Error("fact extraction failed", zap.String("error", errClass))
		return nil
	}

	facts := ParseFactsJSON(text)
	if facts == nil && len(strings.TrimSpace(text)) > 20 {
		text, errClass = c.generate(ctx, fmt.Sprintf(factRetryPrompt, transcript))
		if errClass != "" {
			return nil
		}
		facts = ParseFactsJSON(text)
	}

	valid := facts[:0]
	for i := range facts {
		if ValidateFact(&facts[i]) {
			valid = append(valid, facts[i])
		}
	}
	return valid
}

// Summarize produces and validates a summary for a batch; empty on failure.
func (c *Consolidator) Summarize(ctx context.Context, messages []entity.Message) string {
	if len(messages) == 0 {
		return ""
	}
	transcript := FormatTranscript(messages, c.botName)

	text, errClass := c.generate(ctx, fmt.Sprintf(summarizationPrompt, transcript))
	if errClass != "" {
		c.logger.Error("summarization failed", zap.String("error", errClass))
		return ""
	}

	summary, ok := ValidateSummary(text)
	if !ok {
		c.logger.Warn("summary rejected by validation")
		return ""
	}
	return summary
}

// CompactConversation compacts one conversation until its message count is
// within the context size. Each pass removes one batch; a failed summary
// aborts so no history is lost without a replacement.
func (c *Consolidator) CompactConversation(ctx context.Context, conversationID string) (int, error) {
	compacted := 0
	for {
		count, err := c.store.CountMessages(conversationID)
		if err != nil {
			return compacted, err
		}
		if count <= int64(c.contextSize) {
			return compacted, nil
		}

		batch, err := c.store.OldestMessages(conversationID, c.batchSize)
		if err != nil {
			return compacted, err
		}
		if len(batch) == 0 {
			return compacted, nil
		}

		facts := c.ExtractFacts(ctx, batch)
		for i := range facts {
			fact := entity.UserFact{
				ConversationID: conversationID,
				Category:       facts[i].Category,
				Key:            facts[i].Key,
				Value:          facts[i].Value,
				Confidence:     facts[i].Confidence,
				Source:         entity.FactSourceInferred,
			}
			if err := c.store.StoreFact(&fact); err != nil {
				c.logger.Warn("failed to store fact",
					zap.String("key", fact.Key), zap.Error(err))
			}
		}

		summary := c.Summarize(ctx, batch)
		if summary == "" {
			return compacted, fmt.Errorf("summary unavailable, keeping batch for conversation %s", conversationID)
		}

		periodStart, periodEnd := batch[0].Timestamp, batch[0].Timestamp
		ids := make([]string, len(batch))
		for i, msg := range batch {
			ids[i] = msg.MessageID
			if msg.Timestamp < periodStart {
				periodStart = msg.Timestamp
			}
			if msg.Timestamp > periodEnd {
				periodEnd = msg.Timestamp
			}
		}

		err = c.store.StoreSummary(&entity.ContextSummary{
			ConversationID: conversationID,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
			SummaryText:    summary,
			MessageCount:   len(batch),
		})
		if err != nil {
			return compacted, err
		}

		if err := c.store.RemoveMessages(ids, c.archive); err != nil {
			return compacted, err
		}

		compacted += len(batch)
		c.logger.Info("compacted batch",
			zap.String("conversation", conversationID),
			zap.Int("messages", len(batch)),
			zap.Int("facts", len(facts)))
	}
}

// rememberPatterns match explicit "remember ..." requests so stated facts
// persist immediately with high confidence instead of waiting for
// compaction to infer them.
var rememberPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^please\s+remember(?:\s+that)?\s+(.+)$`),
	regexp.MustCompile(`(?i)^remember(?:\s+that)?\s+(.+)$`),
	regexp.MustCompile(`(?i)^don'?t\s+forget(?:\s+that)?\s+(.+)$`),
}

// MatchRememberRequest extracts the fact text from an explicit remember
// request, or empty when the text is not one.
func MatchRememberRequest(text string) string {
	trimmed := strings.TrimSpace(text)
	for _, re := range rememberPatterns {
		if m := re.FindStringSubmatch(trimmed); m != nil {
			return strings.TrimSpace(strings.TrimSuffix(m[1], "."))
		}
	}
	return ""
}

// StatedFactKey builds a stable per-second key for explicitly stated facts.
func StatedFactKey(now time.Time) string {
	return "stated_" + now.UTC().Format("20060102_150405")
}
