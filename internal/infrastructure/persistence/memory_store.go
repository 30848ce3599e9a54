package persistence

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/joi-assistant/joi/internal/domain/entity"
	"github.com/joi-assistant/joi/internal/infrastructure/persistence/models"
)

// System state keys.
const (
	StateLastInteraction = "last_interaction_ms"
	StateLastConfigPush  = "last_config_push_hash"
)

// Store is the assistant's durable memory: messages, facts, summaries and
// the knowledge index.
type Store struct {
	db         *gorm.DB
	logger     *zap.Logger
	ftsEnabled bool
}

// NewStore wraps an open connection and prepares the FTS5 index.
// When the linked SQLite has no FTS5, search falls back to LIKE matching.
func NewStore(db *gorm.DB, logger *zap.Logger) *Store {
	s := &Store{db: db, logger: logger}
	s.ftsEnabled = s.initFTS()
	return s
}

// initFTS probes for FTS5 by creating the external-content index, and
// rebuilds it when chunks exist but the index is empty (e.g. after a
// restore from a plain dump).
func (s *Store) initFTS() bool {
	err := s.db.Exec(
		`CREATE VIRTUAL TABLE IF NOT EXISTS knowledge_fts USING fts5(
			content, content='knowledge_chunks', content_rowid='id')`,
	).Error
	if err != nil {
		s.logger.Warn("FTS5 unavailable, knowledge search uses LIKE fallback",
			zap.Error(err))
		return false
	}

	var chunks, indexed int64
	s.db.Model(&models.KnowledgeChunkModel{}).Count(&chunks)
	s.db.Raw(`SELECT count(*) FROM knowledge_fts`).Scan(&indexed)
	if chunks > 0 && indexed == 0 {
		if err := s.db.Exec(
			`INSERT INTO knowledge_fts(knowledge_fts) VALUES('rebuild')`,
		).Error; err != nil {
			s.logger.Warn("FTS rebuild failed", zap.Error(err))
		} else {
			s.logger.Info("FTS index rebuilt", zap.Int64("chunks", chunks))
		}
	}
	return true
}

// FTSEnabled reports whether full-text search is active.
func (s *Store) FTSEnabled() bool {
	return s.ftsEnabled
}

// === Messages ===

// StoreMessage inserts a message, ignoring duplicates by message_id.
// Returns true when the row was actually inserted. Inbound messages also
// bump the last-interaction clock.
func (s *Store) StoreMessage(msg *entity.Message) (bool, error) {
	now := time.Now().UnixMilli()
	row := models.MessageModel{
		MessageID:      msg.MessageID,
		Direction:      msg.Direction,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		SenderName:     msg.SenderName,
		ContentType:    msg.ContentType,
		ContentText:    msg.ContentText,
		Timestamp:      msg.Timestamp,
		CreatedAt:      now,
	}
	if msg.ReplyToID != "" {
		replyTo := msg.ReplyToID
		row.ReplyToID = &replyTo
	}

	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "message_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("store message: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	if msg.Direction == entity.DirectionInbound {
		if err := s.SetState(StateLastInteraction, fmt.Sprintf("%d", now)); err != nil {
			s.logger.Warn("failed to update last interaction", zap.Error(err))
		}
	}
	return true, nil
}

// GetRecentMessages returns the newest N unarchived text messages of a
// conversation in chronological order.
func (s *Store) GetRecentMessages(conversationID string, limit int) ([]entity.Message, error) {
	var rows []models.MessageModel
	err := s.db.
		Where("conversation_id = ? AND content_type = ? AND archived = ?",
			conversationID, entity.ContentTypeText, false).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get recent messages: %w", err)
	}

	out := make([]entity.Message, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = messageFromModel(row)
	}
	return out, nil
}

// CountMessages counts unarchived text messages in a conversation.
func (s *Store) CountMessages(conversationID string) (int64, error) {
	var n int64
	err := s.db.Model(&models.MessageModel{}).
		Where("conversation_id = ? AND content_type = ? AND archived = ?",
			conversationID, entity.ContentTypeText, false).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// OldestMessages returns the oldest N unarchived text messages of a
// conversation in chronological order, for compaction.
func (s *Store) OldestMessages(conversationID string, limit int) ([]entity.Message, error) {
	var rows []models.MessageModel
	err := s.db.
		Where("conversation_id = ? AND content_type = ? AND archived = ?",
			conversationID, entity.ContentTypeText, false).
		Order("timestamp ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("oldest messages: %w", err)
	}

	out := make([]entity.Message, len(rows))
	for i, row := range rows {
		out[i] = messageFromModel(row)
	}
	return out, nil
}

// RemoveMessages deletes (or archives) messages after a compaction batch is
// summarized. Reply references to removed messages are nulled first so no
// dangling reply_to_id survives.
func (s *Store) RemoveMessages(messageIDs []string, archive bool) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.MessageModel{}).
			Where("reply_to_id IN ?", messageIDs).
			Update("reply_to_id", nil).Error; err != nil {
			return fmt.Errorf("null reply references: %w", err)
		}
		if archive {
			if err := tx.Model(&models.MessageModel{}).
				Where("message_id IN ?", messageIDs).
				Update("archived", true).Error; err != nil {
				return fmt.Errorf("archive messages: %w", err)
			}
			return nil
		}
		if err := tx.Where("message_id IN ?", messageIDs).
			Delete(&models.MessageModel{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return nil
	})
}

func messageFromModel(row models.MessageModel) entity.Message {
	msg := entity.Message{
		ID:             row.ID,
		MessageID:      row.MessageID,
		Direction:      row.Direction,
		ConversationID: row.ConversationID,
		SenderID:       row.SenderID,
		SenderName:     row.SenderName,
		ContentType:    row.ContentType,
		ContentText:    row.ContentText,
		Timestamp:      row.Timestamp,
		CreatedAt:      row.CreatedAt,
		Archived:       row.Archived,
	}
	if row.ReplyToID != nil {
		msg.ReplyToID = *row.ReplyToID
	}
	return msg
}

// === User facts ===

// StoreFact upserts a fact on its (conversation, category, key, active) key.
// A re-learned fact refreshes value, confidence, source and timestamps.
func (s *Store) StoreFact(fact *entity.UserFact) error {
	now := time.Now().UnixMilli()
	row := models.UserFactModel{
		ConversationID: fact.ConversationID,
		Category:       fact.Category,
		Key:            fact.Key,
		Active:         true,
		Value:          fact.Value,
		Confidence:     fact.Confidence,
		Source:         fact.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastVerifiedAt: now,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "conversation_id"}, {Name: "category"},
			{Name: "key"}, {Name: "active"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"value", "confidence", "source", "updated_at", "last_verified_at",
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store fact: %w", err)
	}
	return nil
}

// GetFacts returns active facts for a conversation at or above the given
// confidence, strongest first.
func (s *Store) GetFacts(conversationID string, minConfidence float64) ([]entity.UserFact, error) {
	var rows []models.UserFactModel
	err := s.db.
		Where("conversation_id = ? AND active = ? AND confidence >= ?",
			conversationID, true, minConfidence).
		Order("confidence DESC, updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get facts: %w", err)
	}

	out := make([]entity.UserFact, len(rows))
	for i, row := range rows {
		out[i] = entity.UserFact{
			ID:             row.ID,
			ConversationID: row.ConversationID,
			Category:       row.Category,
			Key:            row.Key,
			Value:          row.Value,
			Confidence:     row.Confidence,
			Source:         row.Source,
			Active:         row.Active,
			CreatedAt:      row.CreatedAt,
			UpdatedAt:      row.UpdatedAt,
			LastVerifiedAt: row.LastVerifiedAt,
		}
	}
	return out, nil
}

// === Context summaries ===

// StoreSummary appends a compaction summary.
func (s *Store) StoreSummary(summary *entity.ContextSummary) error {
	row := models.ContextSummaryModel{
		ConversationID: summary.ConversationID,
		PeriodStart:    summary.PeriodStart,
		PeriodEnd:      summary.PeriodEnd,
		SummaryText:    summary.SummaryText,
		MessageCount:   summary.MessageCount,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	return nil
}

// GetRecentSummaries returns summaries whose period ended at or after
// sinceMS, oldest first.
func (s *Store) GetRecentSummaries(conversationID string, sinceMS int64) ([]entity.ContextSummary, error) {
	var rows []models.ContextSummaryModel
	err := s.db.
		Where("conversation_id = ? AND period_end >= ?", conversationID, sinceMS).
		Order("period_end ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get summaries: %w", err)
	}

	out := make([]entity.ContextSummary, len(rows))
	for i, row := range rows {
		out[i] = entity.ContextSummary{
			ID:             row.ID,
			ConversationID: row.ConversationID,
			PeriodStart:    row.PeriodStart,
			PeriodEnd:      row.PeriodEnd,
			SummaryText:    row.SummaryText,
			MessageCount:   row.MessageCount,
			CreatedAt:      row.CreatedAt,
		}
	}
	return out, nil
}

// === Knowledge ===

// StoreKnowledgeChunk inserts one chunk of an ingested document.
func (s *Store) StoreKnowledgeChunk(chunk *entity.KnowledgeChunk) error {
	row := models.KnowledgeChunkModel{
		Scope:      chunk.Scope,
		Source:     chunk.Source,
		ChunkIndex: chunk.ChunkIndex,
		Title:      chunk.Title,
		Content:    chunk.Content,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("store knowledge chunk: %w", err)
	}
	if s.ftsEnabled {
		if err := s.db.Exec(
			`INSERT INTO knowledge_fts(rowid, content) VALUES (?, ?)`,
			row.ID, row.Content,
		).Error; err != nil {
			s.logger.Warn("FTS insert failed", zap.Error(err))
		}
	}
	return nil
}

// DeleteKnowledgeSource removes all chunks of a (scope, source) pair so a
// re-ingest starts clean. Returns the number of chunks removed.
func (s *Store) DeleteKnowledgeSource(scope, source string) (int64, error) {
	var ids []int64
	if err := s.db.Model(&models.KnowledgeChunkModel{}).
		Where("scope = ? AND source = ?", scope, source).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("list knowledge source: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	result := s.db.Where("scope = ? AND source = ?", scope, source).
		Delete(&models.KnowledgeChunkModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete knowledge source: %w", result.Error)
	}
	if s.ftsEnabled {
		if err := s.db.Exec(
			`DELETE FROM knowledge_fts WHERE rowid IN ?`, ids,
		).Error; err != nil {
			s.logger.Warn("FTS delete failed", zap.Error(err))
		}
	}
	return result.RowsAffected, nil
}

var searchTokenRe = regexp.MustCompile(`\w+`)

// SearchKnowledge ranks chunks against a free-text query. A nil scopes slice
// searches everything; an empty slice matches nothing.
func (s *Store) SearchKnowledge(query string, limit int, scopes []string) ([]entity.KnowledgeChunk, error) {
	if scopes != nil && len(scopes) == 0 {
		return nil, nil
	}

	tokens := searchTokenRe.FindAllString(query, 20)
	if len(tokens) == 0 {
		return nil, nil
	}

	if s.ftsEnabled {
		chunks, err := s.searchFTS(tokens, limit, scopes)
		if err == nil {
			return chunks, nil
		}
		s.logger.Warn("FTS query failed, using LIKE fallback", zap.Error(err))
	}
	return s.searchLike(tokens, limit, scopes)
}

func (s *Store) searchFTS(tokens []string, limit int, scopes []string) ([]entity.KnowledgeChunk, error) {
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	match := strings.Join(quoted, " OR ")

	sql := `SELECT kc.* FROM knowledge_chunks kc
		JOIN knowledge_fts ON knowledge_fts.rowid = kc.id
		WHERE knowledge_fts MATCH ?`
	args := []any{match}
	if scopes != nil {
		sql += ` AND kc.scope IN ?`
		args = append(args, scopes)
	}
	sql += ` ORDER BY bm25(knowledge_fts) LIMIT ?`
	args = append(args, limit)

	var rows []models.KnowledgeChunkModel
	if err := s.db.Raw(sql, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return chunksFromModels(rows), nil
}

func (s *Store) searchLike(tokens []string, limit int, scopes []string) ([]entity.KnowledgeChunk, error) {
	q := s.db.Model(&models.KnowledgeChunkModel{})
	likes := s.db.Session(&gorm.Session{NewDB: true})
	for _, tok := range tokens {
		likes = likes.Or("content LIKE ?", "%"+tok+"%")
	}
	q = q.Where(likes)
	if scopes != nil {
		q = q.Where("scope IN ?", scopes)
	}

	var rows []models.KnowledgeChunkModel
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return chunksFromModels(rows), nil
}

func chunksFromModels(rows []models.KnowledgeChunkModel) []entity.KnowledgeChunk {
	out := make([]entity.KnowledgeChunk, len(rows))
	for i, row := range rows {
		out[i] = entity.KnowledgeChunk{
			ID:         row.ID,
			Scope:      row.Scope,
			Source:     row.Source,
			Title:      row.Title,
			Content:    row.Content,
			ChunkIndex: row.ChunkIndex,
			CreatedAt:  row.CreatedAt,
		}
	}
	return out
}

// ListScopes returns the distinct knowledge scopes with their chunk counts.
func (s *Store) ListScopes() (map[string]int64, error) {
	type scopeCount struct {
		Scope string
		N     int64
	}
	var rows []scopeCount
	err := s.db.Model(&models.KnowledgeChunkModel{}).
		Select("scope, count(*) AS n").
		Group("scope").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Scope] = row.N
	}
	return out, nil
}

// === System state ===

// GetState reads a system state value; empty when unset.
func (s *Store) GetState(key string) (string, error) {
	var row models.SystemStateModel
	err := s.db.Where("key = ?", key).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", fmt.Errorf("get state: %w", err)
	}
	return row.Value, nil
}

// SetState upserts a system state value.
func (s *Store) SetState(key, value string) error {
	row := models.SystemStateModel{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UnixMilli(),
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("set state: %w", err)
	}
	return nil
}
