package application

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/domain/service"
	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/llm"
	"github.com/joi-assistant/joi/internal/infrastructure/prompt"
)

// fallbackReply goes out when the model returns empty text.
const fallbackReply = "I'm not sure how to respond to that."

// rememberAck confirms an explicitly stated fact was stored.
const rememberAck = "Got it, I'll remember that."

// statedFactPrompt structures an explicit remember request into a fact.
const statedFactPrompt = `The user explicitly asked you to remember this: "%s"

Structure it as a fact. Respond with ONLY a JSON array containing one element:
[{"category": "...", "key": "...", "value": "..."}]
Categories: personal, preference, relationship, work, routine, interest.
Key is a short snake_case identifier. Value restates the fact concisely.`

// ResponderStore is the memory surface the inbound pipeline reads and writes.
type ResponderStore interface {
	StoreMessage(msg *entity.Message) (bool, error)
	GetRecentMessages(conversationID string, limit int) ([]entity.Message, error)
	StoreFact(fact *entity.UserFact) error
	GetFacts(conversationID string, minConfidence float64) ([]entity.UserFact, error)
	GetRecentSummaries(conversationID string, sinceMS int64) ([]entity.ContextSummary, error)
	SearchKnowledge(query string, limit int, scopes []string) ([]entity.KnowledgeChunk, error)
}

// OutboundSender delivers a reply through the mesh.
type OutboundSender interface {
	Send(ctx context.Context, req *entity.OutboundRequest) (*entity.OutboundResult, error)
}

// Generator is the LLM surface the responder needs.
type Generator interface {
	Generate(ctx context.Context, prompt, system, model string) llm.Response
	Chat(ctx context.Context, messages []llm.ChatMessage, system, model string) llm.Response
}

// Responder runs the inbound message pipeline: persistence, stated-fact
// capture, the respond decision, and the queued LLM turn that produces and
// delivers the reply.
type Responder struct {
	store        ResponderStore
	llm          Generator
	mesh         OutboundSender
	resolver     *prompt.Resolver
	consolidator *service.Consolidator
	membership   *MembershipCache
	manager      *policy.Manager
	queue        *service.MessageQueue
	cfg          config.OutboundConfig
	logger       *zap.Logger
}

// NewResponder wires the pipeline and its single-worker queue. queueTimeout
// bounds how long an inbound HTTP request blocks on the LLM worker.
func NewResponder(
	store ResponderStore,
	generator Generator,
	mesh OutboundSender,
	resolver *prompt.Resolver,
	consolidator *service.Consolidator,
	membership *MembershipCache,
	manager *policy.Manager,
	cfg config.OutboundConfig,
	queueTimeout time.Duration,
	logger *zap.Logger,
) *Responder {
	r := &Responder{
		store:        store,
		llm:          generator,
		mesh:         mesh,
		resolver:     resolver,
		consolidator: consolidator,
		membership:   membership,
		manager:      manager,
		cfg:          cfg,
		logger:       logger,
	}
	r.queue = service.NewMessageQueue(r.handleTurn, queueTimeout, logger)
	return r
}

// Start launches the queue worker.
func (r *Responder) Start(ctx context.Context) {
	r.queue.Start(ctx)
}

// QueueDepth reports the number of waiting turns.
func (r *Responder) QueueDepth() int {
	return r.queue.Depth()
}

// Process runs the pipeline for one forwarded message. It returns once the
// message is stored and, when a response is warranted, the reply was sent.
func (r *Responder) Process(ctx context.Context, msg *entity.InboundMessage) error {
	switch msg.Content.Type {
	case entity.ContentTypeReaction:
		if msg.Content.Reaction == "" {
			return apperrors.NewPolicyError(apperrors.CodeInvalidReaction, "reaction without emoji")
		}
	case entity.ContentTypeText:
		if strings.TrimSpace(msg.Content.Text) == "" {
			return apperrors.NewPolicyError(apperrors.CodeInvalidText, "text message without body")
		}
	default:
		return apperrors.NewPolicyError(apperrors.CodeUnsupportedContentType, "unsupported content type "+msg.Content.Type)
	}

	// Stored regardless of the respond decision so context stays complete.
	stored, err := r.store.StoreMessage(inboundRecord(msg))
	if err != nil {
		return apperrors.NewInternalErrorWithCause("store inbound message", err)
	}
	if !stored {
		r.logger.Debug("duplicate inbound message ignored",
			zap.String("message_id", msg.MessageID))
		return nil
	}

	if msg.StoreOnly {
		return nil
	}

	if msg.Content.Type == entity.ContentTypeText {
		if factText := service.MatchRememberRequest(msg.Content.Text); factText != "" {
			return r.handleRememberRequest(ctx, msg, factText)
		}
	}

	if !r.shouldRespond(msg) {
		return nil
	}

	_, err = r.queue.Enqueue(ctx, msg, msg.Sender.ID == "owner")
	return err
}

// inboundRecord maps a wire message to its stored form.
func inboundRecord(msg *entity.InboundMessage) *entity.Message {
	text := msg.Content.Text
	if msg.Content.Type == entity.ContentTypeReaction {
		text = msg.Content.Reaction
	}
	record := &entity.Message{
		MessageID:      msg.MessageID,
		Direction:      entity.DirectionInbound,
		ConversationID: msg.Conversation.ID,
		SenderID:       msg.Sender.TransportID,
		SenderName:     msg.Sender.DisplayName,
		ContentType:    msg.Content.Type,
		ContentText:    text,
		Timestamp:      msg.Timestamp,
	}
	if msg.Quote != nil {
		record.ReplyToID = msg.Quote.MessageID
	}
	return record
}

// shouldRespond decides whether the message warrants a reply. Group messages
// only get one when the bot was mentioned, either via the transport mention
// list or an @BotName in the text.
func (r *Responder) shouldRespond(msg *entity.InboundMessage) bool {
	if msg.Conversation.Type != entity.ConversationGroup {
		return true
	}
	if msg.BotMentioned {
		return true
	}

	names := append([]string{r.manager.Get().Identity.BotName}, msg.GroupNames...)
	text := msg.Content.Text
	for _, name := range names {
		if name == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)@` + regexp.QuoteMeta(name) + `\b`)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// handleRememberRequest structures and stores an explicitly stated fact,
// then acknowledges. The raw statement is kept verbatim when the model
// cannot structure it.
func (r *Responder) handleRememberRequest(ctx context.Context, msg *entity.InboundMessage, factText string) error {
	fact := entity.UserFact{
		ConversationID: msg.Conversation.ID,
		Category:       "personal",
		Key:            service.StatedFactKey(time.Now()),
		Value:          factText,
		Confidence:     0.95,
		Source:         entity.FactSourceStated,
	}

	resp := r.llm.Generate(ctx, fmt.Sprintf(statedFactPrompt, factText), "", "")
	if resp.OK() {
		if parsed := service.ParseFactsJSON(resp.Text); len(parsed) > 0 {
			first := parsed[0]
			if first.Category != "" && first.Key != "" && first.Value != "" &&
				entity.ValidFactCategories[first.Category] {
				fact.Category = first.Category
				fact.Key = first.Key
				fact.Value = first.Value
			}
		}
	}

	if err := r.store.StoreFact(&fact); err != nil {
		return apperrors.NewInternalErrorWithCause("store stated fact", err)
	}
	r.logger.Info("stored stated fact",
		zap.String("conversation", msg.Conversation.ID),
		zap.String("key", fact.Key))

	return r.sendReply(ctx, msg, rememberAck)
}

// handleTurn is the queue worker body: one LLM turn, the send, and the
// compaction trigger.
func (r *Responder) handleTurn(ctx context.Context, msg *entity.InboundMessage) (string, error) {
	system := r.buildSystemPrompt(msg)
	model := r.resolver.Model(msg.Conversation.Type, msg.Conversation.ID, msg.Sender.TransportID)

	var resp llm.Response
	if msg.Content.Type == entity.ContentTypeReaction {
		ackPrompt := fmt.Sprintf(
			"The user reacted with %s to your last message. Acknowledge it in one very short, warm sentence.",
			msg.Content.Reaction)
		resp = r.llm.Generate(ctx, ackPrompt, system, model)
	} else {
		resp = r.llm.Chat(ctx, r.buildChatHistory(msg), system, model)
	}
	if resp.Err != "" {
		return "", apperrors.NewInternalError("llm call failed: " + resp.Err)
	}

	reply := strings.TrimSpace(resp.Text)
	if reply == "" {
		reply = fallbackReply
	}

	if err := r.sendReply(ctx, msg, reply); err != nil {
		return "", err
	}

	if n, err := r.consolidator.CompactConversation(ctx, msg.Conversation.ID); err != nil {
		r.logger.Warn("compaction after send failed",
			zap.String("conversation", msg.Conversation.ID), zap.Error(err))
	} else if n > 0 {
		r.logger.Info("compacted after send",
			zap.String("conversation", msg.Conversation.ID), zap.Int("messages", n))
	}
	return reply, nil
}

// buildChatHistory renders the recent window as chat turns. Group user turns
// carry a sender prefix so the model can track who said what.
func (r *Responder) buildChatHistory(msg *entity.InboundMessage) []llm.ChatMessage {
	limit := r.resolver.ContextSize(msg.Conversation.Type, msg.Conversation.ID, msg.Sender.TransportID)
	if limit <= 0 {
		limit = r.cfg.ContextMessages
	}

	history, err := r.store.GetRecentMessages(msg.Conversation.ID, limit)
	if err != nil {
		r.logger.Warn("failed to load history, responding without it", zap.Error(err))
		history = nil
	}

	turns := make([]llm.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		if m.ContentType != entity.ContentTypeText || m.ContentText == "" {
			continue
		}
		role := "user"
		content := m.ContentText
		if m.Direction == entity.DirectionOutbound {
			role = "assistant"
		} else if msg.Conversation.Type == entity.ConversationGroup {
			name := m.SenderName
			if name == "" {
				name = m.SenderID
			}
			content = "[" + name + "]: " + content
		}
		turns = append(turns, llm.ChatMessage{Role: role, Content: content})
	}

	if len(turns) == 0 && msg.Content.Type == entity.ContentTypeText {
		turns = append(turns, llm.ChatMessage{Role: "user", Content: msg.Content.Text})
	}
	return turns
}

// buildSystemPrompt layers facts, summaries, knowledge and the clock onto
// the resolved base prompt. With a custom model the base prompt is optional
// since the modelfile may embed the persona; an empty result omits the
// system field entirely.
func (r *Responder) buildSystemPrompt(msg *entity.InboundMessage) string {
	convType, convID, senderID := msg.Conversation.Type, msg.Conversation.ID, msg.Sender.TransportID

	var base string
	if r.resolver.HasCustomModel(convType, convID, senderID) {
		base = r.resolver.SystemPromptOptional(convType, convID, senderID)
	} else {
		base = r.resolver.SystemPrompt(convType, convID, senderID)
	}

	var sections []string
	if base != "" {
		sections = append(sections, base)
	}

	if facts, err := r.store.GetFacts(convID, 0.6); err == nil && len(facts) > 0 {
		lines := make([]string, 0, len(facts)+1)
		lines = append(lines, "Known facts about the user:")
		for _, f := range facts {
			lines = append(lines, "- "+f.Key+": "+f.Value)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	since := time.Now().AddDate(0, 0, -7).UnixMilli()
	if summaries, err := r.store.GetRecentSummaries(convID, since); err == nil && len(summaries) > 0 {
		lines := make([]string, 0, len(summaries)+1)
		lines = append(lines, "Summaries of earlier conversation:")
		for _, s := range summaries {
			lines = append(lines, "- "+s.SummaryText)
		}
		sections = append(sections, strings.Join(lines, "\n"))
	}

	if msg.Content.Type == entity.ContentTypeText {
		if knowledge := r.knowledgeContext(msg); knowledge != "" {
			sections = append(sections, knowledge)
		}
	}

	if r.cfg.TimeAwareness {
		sections = append(sections, "Current date and time: "+time.Now().Format("Monday, 2 January 2006 15:04 MST"))
	}

	return strings.Join(sections, "\n\n")
}

// knowledgeContext searches the scoped knowledge index with the message text.
func (r *Responder) knowledgeContext(msg *entity.InboundMessage) string {
	var extra []string
	p := r.manager.Get()
	if msg.Conversation.Type == entity.ConversationDirect && p.IsDMGroupKnowledgeEnabled() {
		extra = r.membership.GroupsFor(msg.Sender.TransportID)
	}

	scopes := r.resolver.KnowledgeScopes(msg.Conversation.Type, msg.Conversation.ID, msg.Sender.TransportID, extra)
	if len(scopes) == 0 {
		return ""
	}

	chunks, err := r.store.SearchKnowledge(msg.Content.Text, 5, scopes)
	if err != nil || len(chunks) == 0 {
		return ""
	}

	lines := make([]string, 0, len(chunks)+1)
	lines = append(lines, "Relevant knowledge:")
	for _, chunk := range chunks {
		if chunk.Title != "" {
			lines = append(lines, "["+chunk.Title+"] "+chunk.Content)
		} else {
			lines = append(lines, chunk.Content)
		}
	}
	return strings.Join(lines, "\n")
}

// sendReply delivers the text through the mesh and stores the outbound
// record.
func (r *Responder) sendReply(ctx context.Context, msg *entity.InboundMessage, text string) error {
	req := &entity.OutboundRequest{
		Transport: "signal",
		Recipient: entity.Sender{
			ID:          msg.Sender.ID,
			TransportID: msg.Sender.TransportID,
		},
		Priority: "normal",
		Delivery: entity.Delivery{Target: "direct"},
		Content:  entity.Content{Type: entity.ContentTypeText, Text: text},
	}
	if msg.Conversation.Type == entity.ConversationGroup {
		req.Delivery = entity.Delivery{Target: "group", GroupID: msg.Conversation.ID}
	}

	result, err := r.mesh.Send(ctx, req)
	if err != nil {
		return err
	}

	record := &entity.Message{
		MessageID:      result.MessageID,
		Direction:      entity.DirectionOutbound,
		ConversationID: msg.Conversation.ID,
		SenderName:     r.manager.Get().Identity.BotName,
		ContentType:    entity.ContentTypeText,
		ContentText:    text,
		ReplyToID:      msg.MessageID,
		Timestamp:      result.SentAt,
	}
	if _, err := r.store.StoreMessage(record); err != nil {
		r.logger.Warn("failed to store outbound message",
			zap.String("message_id", result.MessageID), zap.Error(err))
	}
	return nil
}
