package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/infrastructure/config"
	apperrors "github.com/joi-assistant/joi/pkg/errors"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := NewDBConnection(&config.DatabaseConfig{
		Type: "sqlite",
		DSN:  filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return NewStore(db, zap.NewNop())
}

func testMessage(messageID, conversationID, text string, ts int64) *entity.Message {
	return &entity.Message{
		MessageID:      messageID,
		Direction:      entity.DirectionInbound,
		ConversationID: conversationID,
		SenderID:       "+15550001111",
		SenderName:     "Alex",
		ContentType:    entity.ContentTypeText,
		ContentText:    text,
		Timestamp:      ts,
	}
}

// === Messages ===

func TestStoreMessageDedup(t *testing.T) {
	store := testStore(t)

	inserted, err := store.StoreMessage(testMessage("m-1", "direct:+15550001111", "hello", 1000))
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Fatal("first insert should report inserted")
	}

	inserted, err = store.StoreMessage(testMessage("m-1", "direct:+15550001111", "hello again", 2000))
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatal("duplicate message_id should be ignored")
	}

	n, err := store.CountMessages("direct:+15550001111")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
}

func TestRecentAndOldestOrdering(t *testing.T) {
	store := testStore(t)
	conv := "direct:+15550001111"

	for i, ts := range []int64{100, 200, 300, 400, 500} {
		msg := testMessage(string(rune('a'+i))+"-id", conv, "msg", ts)
		if _, err := store.StoreMessage(msg); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	recent, err := store.GetRecentMessages(conv, 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 recent, got %d", len(recent))
	}
	if recent[0].Timestamp != 300 || recent[2].Timestamp != 500 {
		t.Fatalf("recent not chronological: %d..%d", recent[0].Timestamp, recent[2].Timestamp)
	}

	oldest, err := store.OldestMessages(conv, 2)
	if err != nil {
		t.Fatalf("oldest: %v", err)
	}
	if len(oldest) != 2 || oldest[0].Timestamp != 100 || oldest[1].Timestamp != 200 {
		t.Fatalf("unexpected oldest batch: %+v", oldest)
	}
}

func TestRemoveMessagesNullsReplyReferences(t *testing.T) {
	store := testStore(t)
	conv := "direct:+15550001111"

	if _, err := store.StoreMessage(testMessage("m-old", conv, "original", 100)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	reply := testMessage("m-reply", conv, "replying", 200)
	reply.ReplyToID = "m-old"
	if _, err := store.StoreMessage(reply); err != nil {
		t.Fatalf("insert reply: %v", err)
	}

	if err := store.RemoveMessages([]string{"m-old"}, false); err != nil {
		t.Fatalf("remove: %v", err)
	}

	remaining, err := store.GetRecentMessages(conv, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining, got %d", len(remaining))
	}
	if remaining[0].ReplyToID != "" {
		t.Fatalf("reply reference not nulled: %q", remaining[0].ReplyToID)
	}
}

func TestRemoveMessagesArchive(t *testing.T) {
	store := testStore(t)
	conv := "direct:+15550001111"

	if _, err := store.StoreMessage(testMessage("m-1", conv, "keep me", 100)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.RemoveMessages([]string{"m-1"}, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	n, err := store.CountMessages(conv)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatal("archived messages should not count as context")
	}
}

// === Facts ===

func TestStoreFactUpsert(t *testing.T) {
	store := testStore(t)
	conv := "direct:+15550001111"

	fact := &entity.UserFact{
		ConversationID: conv,
		Category:       "preference",
		Key:            "coffee",
		Value:          "black",
		Confidence:     0.8,
		Source:         entity.FactSourceInferred,
	}
	if err := store.StoreFact(fact); err != nil {
		t.Fatalf("store fact: %v", err)
	}

	fact.Value = "oat milk latte"
	fact.Confidence = 0.95
	fact.Source = entity.FactSourceStated
	if err := store.StoreFact(fact); err != nil {
		t.Fatalf("upsert fact: %v", err)
	}

	facts, err := store.GetFacts(conv, 0)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("expected 1 fact after upsert, got %d", len(facts))
	}
	if facts[0].Value != "oat milk latte" || facts[0].Confidence != 0.95 {
		t.Fatalf("unexpected fact after upsert: %+v", facts[0])
	}
}

func TestGetFactsConfidenceFilter(t *testing.T) {
	store := testStore(t)
	conv := "direct:+15550001111"

	for key, conf := range map[string]float64{"low": 0.4, "mid": 0.6, "high": 0.9} {
		err := store.StoreFact(&entity.UserFact{
			ConversationID: conv,
			Category:       "personal",
			Key:            key,
			Value:          "v",
			Confidence:     conf,
			Source:         entity.FactSourceInferred,
		})
		if err != nil {
			t.Fatalf("store: %v", err)
		}
	}

	facts, err := store.GetFacts(conv, 0.6)
	if err != nil {
		t.Fatalf("get facts: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("expected 2 facts at >= 0.6, got %d", len(facts))
	}
	if facts[0].Confidence < facts[1].Confidence {
		t.Fatal("facts should be ordered strongest first")
	}
}

// === Summaries ===

func TestSummariesSinceFilter(t *testing.T) {
	store := testStore(t)
	conv := "direct:+15550001111"

	for _, end := range []int64{1000, 2000, 3000} {
		err := store.StoreSummary(&entity.ContextSummary{
			ConversationID: conv,
			PeriodStart:    end - 500,
			PeriodEnd:      end,
			SummaryText:    "talked about plans",
			MessageCount:   20,
		})
		if err != nil {
			t.Fatalf("store summary: %v", err)
		}
	}

	got, err := store.GetRecentSummaries(conv, 2000)
	if err != nil {
		t.Fatalf("get summaries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(got))
	}
	if got[0].PeriodEnd != 2000 || got[1].PeriodEnd != 3000 {
		t.Fatalf("summaries not oldest first: %+v", got)
	}
}

// === Knowledge ===

func storeChunks(t *testing.T, store *Store, scope, source string, contents ...string) {
	t.Helper()
	for i, content := range contents {
		err := store.StoreKnowledgeChunk(&entity.KnowledgeChunk{
			Scope:      scope,
			Source:     source,
			ChunkIndex: i,
			Title:      "Doc",
			Content:    content,
		})
		if err != nil {
			t.Fatalf("store chunk: %v", err)
		}
	}
}

func TestSearchKnowledgeScoping(t *testing.T) {
	store := testStore(t)
	storeChunks(t, store, "group:team", "handbook.md", "the standup is at nine thirty")
	storeChunks(t, store, "user:+15550002222", "notes.md", "standup notes from yesterday")

	all, err := store.SearchKnowledge("standup", 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("nil scopes should search everything, got %d", len(all))
	}

	scoped, err := store.SearchKnowledge("standup", 10, []string{"group:team"})
	if err != nil {
		t.Fatalf("scoped search: %v", err)
	}
	if len(scoped) != 1 || scoped[0].Scope != "group:team" {
		t.Fatalf("unexpected scoped results: %+v", scoped)
	}

	none, err := store.SearchKnowledge("standup", 10, []string{})
	if err != nil {
		t.Fatalf("empty-scope search: %v", err)
	}
	if len(none) != 0 {
		t.Fatal("empty scopes slice must match nothing")
	}
}

func TestSearchKnowledgeEmptyQuery(t *testing.T) {
	store := testStore(t)
	storeChunks(t, store, "group:team", "handbook.md", "content")

	got, err := store.SearchKnowledge("   !!! ", 10, nil)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("query with no word tokens should return nothing")
	}
}

func TestDeleteKnowledgeSource(t *testing.T) {
	store := testStore(t)
	storeChunks(t, store, "group:team", "handbook.md", "one", "two", "three")
	storeChunks(t, store, "group:team", "faq.md", "other doc")

	removed, err := store.DeleteKnowledgeSource("group:team", "handbook.md")
	if err != nil {
		t.Fatalf("delete source: %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	scopes, err := store.ListScopes()
	if err != nil {
		t.Fatalf("list scopes: %v", err)
	}
	if scopes["group:team"] != 1 {
		t.Fatalf("expected 1 remaining chunk in scope, got %d", scopes["group:team"])
	}
}

// === System state ===

func TestSystemState(t *testing.T) {
	store := testStore(t)

	v, err := store.GetState("missing")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if v != "" {
		t.Fatalf("missing key should be empty, got %q", v)
	}

	if err := store.SetState("k", "v1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetState("k", "v2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err = store.GetState("k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}
}

// === Nonce store ===

func TestDBNonceStoreReplay(t *testing.T) {
	store := testStore(t)
	nonces := NewDBNonceStore(store.db)

	if err := nonces.CheckAndStore("nonce-1", "mesh"); err != nil {
		t.Fatalf("first use: %v", err)
	}
	err := nonces.CheckAndStore("nonce-1", "mesh")
	if apperrors.CodeOf(err) != apperrors.CodeReplayDetected {
		t.Fatalf("expected replay_detected, got %v", err)
	}
}

func TestDBNonceStoreCleanup(t *testing.T) {
	store := testStore(t)
	nonces := &DBNonceStore{db: store.db, retention: -time.Second}

	if err := nonces.CheckAndStore("expired-nonce", "mesh"); err != nil {
		t.Fatalf("store: %v", err)
	}
	if n := nonces.Cleanup(); n != 1 {
		t.Fatalf("expected 1 cleaned, got %d", n)
	}
	if err := nonces.CheckAndStore("expired-nonce", "mesh"); err != nil {
		t.Fatalf("nonce should be reusable after cleanup: %v", err)
	}
}
