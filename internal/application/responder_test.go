package application

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/domain/policy"
	"github.com/joi-assistant/joi/internal/domain/service"
	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/llm"
	"github.com/joi-assistant/joi/internal/infrastructure/prompt"
)

// === Fakes ===

type fakeStore struct {
	mu       sync.Mutex
	messages []entity.Message
	facts    []entity.UserFact
}

func (s *fakeStore) StoreMessage(msg *entity.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.MessageID == msg.MessageID {
			return false, nil
		}
	}
	s.messages = append(s.messages, *msg)
	return true, nil
}

func (s *fakeStore) GetRecentMessages(conversationID string, limit int) ([]entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) StoreFact(fact *entity.UserFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, *fact)
	return nil
}

func (s *fakeStore) GetFacts(string, float64) ([]entity.UserFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.UserFact(nil), s.facts...), nil
}

func (s *fakeStore) GetRecentSummaries(string, int64) ([]entity.ContextSummary, error) {
	return nil, nil
}

func (s *fakeStore) SearchKnowledge(string, int, []string) ([]entity.KnowledgeChunk, error) {
	return nil, nil
}

func (s *fakeStore) outbound() []entity.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Message
	for _, m := range s.messages {
		if m.Direction == entity.DirectionOutbound {
			out = append(out, m)
		}
	}
	return out
}

type fakeLLM struct {
	reply string
}

func (l *fakeLLM) Generate(_ context.Context, prompt, _, _ string) llm.Response {
	return llm.Response{Text: l.reply, Done: true}
}

func (l *fakeLLM) Chat(_ context.Context, _ []llm.ChatMessage, _, _ string) llm.Response {
	return llm.Response{Text: l.reply, Done: true}
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []entity.OutboundRequest
	reply entity.OutboundResult
}

func (s *fakeSender) Send(_ context.Context, req *entity.OutboundRequest) (*entity.OutboundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, *req)
	r := s.reply
	if r.MessageID == "" {
		r = entity.OutboundResult{MessageID: "out-1", Transport: "signal", SentAt: time.Now().UnixMilli()}
	}
	return &r, nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type emptyCompactionStore struct{}

func (emptyCompactionStore) CountMessages(string) (int64, error)                  { return 0, nil }
func (emptyCompactionStore) OldestMessages(string, int) ([]entity.Message, error) { return nil, nil }
func (emptyCompactionStore) RemoveMessages([]string, bool) error                  { return nil }
func (emptyCompactionStore) StoreFact(*entity.UserFact) error                     { return nil }
func (emptyCompactionStore) StoreSummary(*entity.ContextSummary) error            { return nil }

type emptyMembers struct{}

func (emptyMembers) Members(context.Context, string) (*entity.GroupMembers, error) {
	m := entity.GroupMembers{}
	return &m, nil
}

// === Harness ===

func testResponder(t *testing.T, llmReply string) (*Responder, *fakeStore, *fakeSender, context.CancelFunc) {
	t.Helper()
	logger := zap.NewNop()
	store := &fakeStore{}
	sender := &fakeSender{}

	manager, err := policy.NewManager(filepath.Join(t.TempDir(), "policy.json"), logger)
	if err != nil {
		t.Fatalf("policy manager: %v", err)
	}

	gen := func(ctx context.Context, p string) (string, string) { return "", "connection_error" }
	consolidator := service.NewConsolidator(emptyCompactionStore{}, gen, "Joi", 50, 20, false, logger)

	r := NewResponder(
		store,
		&fakeLLM{reply: llmReply},
		sender,
		prompt.NewResolver(t.TempDir(), logger),
		consolidator,
		NewMembershipCache(emptyMembers{}, 15*time.Minute, logger),
		manager,
		config.OutboundConfig{ContextMessages: 20, TimeAwareness: true},
		5*time.Second,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	return r, store, sender, cancel
}

func directText(id, text string) *entity.InboundMessage {
	return &entity.InboundMessage{
		Transport: "signal",
		MessageID: id,
		Sender: entity.Sender{
			ID:          "owner",
			TransportID: "+15550001111",
			DisplayName: "Alex",
		},
		Conversation: entity.Conversation{Type: entity.ConversationDirect, ID: "+15550001111"},
		Priority:     "normal",
		Content:      entity.Content{Type: entity.ContentTypeText, Text: text},
		Timestamp:    time.Now().UnixMilli(),
	}
}

// === Tests ===

func TestProcessDirectTextRepliesAndStores(t *testing.T) {
	r, store, sender, cancel := testResponder(t, "Hello there!")
	defer cancel()

	if err := r.Process(context.Background(), directText("m-1", "hi Joi")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if sender.count() != 1 {
		t.Fatalf("expected 1 send, got %d", sender.count())
	}
	out := store.outbound()
	if len(out) != 1 || out[0].ContentText != "Hello there!" {
		t.Fatalf("outbound not stored: %+v", out)
	}
	if out[0].ReplyToID != "m-1" {
		t.Fatalf("outbound should link to the inbound message: %+v", out[0])
	}
}

func TestProcessEmptyLLMReplyFallsBack(t *testing.T) {
	r, _, sender, cancel := testResponder(t, "   ")
	defer cancel()

	if err := r.Process(context.Background(), directText("m-1", "hi")); err != nil {
		t.Fatalf("process: %v", err)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0].Content.Text != fallbackReply {
		t.Fatalf("expected fallback reply, got %+v", sender.sent)
	}
}

func TestProcessStoreOnlySkipsReply(t *testing.T) {
	r, store, sender, cancel := testResponder(t, "should not go out")
	defer cancel()

	msg := directText("m-1", "background chatter")
	msg.StoreOnly = true
	if err := r.Process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	if sender.count() != 0 {
		t.Fatal("store-only message must not be answered")
	}
	if len(store.messages) != 1 {
		t.Fatalf("store-only message must still be stored, got %d", len(store.messages))
	}
}

func TestProcessDuplicateIgnored(t *testing.T) {
	r, _, sender, cancel := testResponder(t, "hello")
	defer cancel()

	msg := directText("m-dup", "hi")
	if err := r.Process(context.Background(), msg); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := r.Process(context.Background(), directText("m-dup", "hi")); err != nil {
		t.Fatalf("duplicate process: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("duplicate must not trigger a second reply, sends=%d", sender.count())
	}
}

func TestProcessGroupRequiresMention(t *testing.T) {
	r, store, sender, cancel := testResponder(t, "group reply")
	defer cancel()

	group := func(id, text string, mentioned bool) *entity.InboundMessage {
		msg := directText(id, text)
		msg.Conversation = entity.Conversation{Type: entity.ConversationGroup, ID: "grp-1"}
		msg.BotMentioned = mentioned
		return msg
	}

	if err := r.Process(context.Background(), group("g-1", "just chatting", false)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sender.count() != 0 {
		t.Fatal("unmentioned group message must not be answered")
	}
	if len(store.messages) != 1 {
		t.Fatal("group message must still be stored")
	}

	if err := r.Process(context.Background(), group("g-2", "hey @Joi what's up", false)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sender.count() != 1 {
		t.Fatal("@BotName text must trigger a reply")
	}

	if err := r.Process(context.Background(), group("g-3", "ping", true)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sender.count() != 2 {
		t.Fatal("transport mention must trigger a reply")
	}

	sender.mu.Lock()
	if sender.sent[0].Delivery.Target != "group" || sender.sent[0].Delivery.GroupID != "grp-1" {
		t.Fatalf("group reply must address the group: %+v", sender.sent[0].Delivery)
	}
	sender.mu.Unlock()
}

func TestProcessRememberRequestStoresStatedFact(t *testing.T) {
	r, store, sender, cancel := testResponder(t,
		`[{"category": "preference", "key": "coffee", "value": "drinks black coffee"}]`)
	defer cancel()

	err := r.Process(context.Background(), directText("m-1", "remember that I drink my coffee black"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	store.mu.Lock()
	facts := append([]entity.UserFact(nil), store.facts...)
	store.mu.Unlock()
	if len(facts) != 1 {
		t.Fatalf("expected 1 stated fact, got %d", len(facts))
	}
	if facts[0].Source != entity.FactSourceStated || facts[0].Confidence != 0.95 {
		t.Fatalf("stated fact metadata wrong: %+v", facts[0])
	}
	if facts[0].Key != "coffee" {
		t.Fatalf("structured key not used: %+v", facts[0])
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 1 || sender.sent[0].Content.Text != rememberAck {
		t.Fatalf("acknowledgement not sent: %+v", sender.sent)
	}
}

func TestProcessRememberRequestKeepsRawOnUnparseableLLM(t *testing.T) {
	r, store, _, cancel := testResponder(t, "sure, noted!")
	defer cancel()

	err := r.Process(context.Background(), directText("m-1", "please remember my sister is called Ana"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.facts) != 1 {
		t.Fatalf("expected fallback fact, got %d", len(store.facts))
	}
	if !strings.Contains(store.facts[0].Value, "my sister is called Ana") {
		t.Fatalf("raw statement lost: %+v", store.facts[0])
	}
	if !strings.HasPrefix(store.facts[0].Key, "stated_") {
		t.Fatalf("fallback key wrong: %+v", store.facts[0])
	}
}

func TestProcessReactionGetsBriefAck(t *testing.T) {
	r, _, sender, cancel := testResponder(t, "Glad you liked it!")
	defer cancel()

	msg := directText("m-1", "")
	msg.Content = entity.Content{Type: entity.ContentTypeReaction, Reaction: "👍"}
	if err := r.Process(context.Background(), msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sender.count() != 1 {
		t.Fatal("reaction should produce a brief acknowledgement")
	}
}

func TestProcessRejectsEmptyText(t *testing.T) {
	r, _, _, cancel := testResponder(t, "x")
	defer cancel()

	if err := r.Process(context.Background(), directText("m-1", "   ")); err == nil {
		t.Fatal("empty text must be rejected")
	}
}
