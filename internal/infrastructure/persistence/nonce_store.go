package persistence

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/joi-assistant/joi/pkg/errors"

	"github.com/joi-assistant/joi/internal/infrastructure/hmacauth"
	"github.com/joi-assistant/joi/internal/infrastructure/persistence/models"
)

// DBNonceStore persists seen signing nonces so replay protection survives
// restarts. Implements hmacauth.NonceStore.
type DBNonceStore struct {
	db        *gorm.DB
	retention time.Duration
}

// NewDBNonceStore creates a store with the default retention window.
func NewDBNonceStore(db *gorm.DB) *DBNonceStore {
	return &DBNonceStore{db: db, retention: hmacauth.NonceRetention}
}

// CheckAndStore records the nonce, failing with replay_detected when it was
// already seen inside the retention window.
func (s *DBNonceStore) CheckAndStore(nonce, source string) error {
	now := time.Now()
	row := models.ReplayNonceModel{
		Nonce:      nonce,
		Source:     source,
		ReceivedAt: now.UnixMilli(),
		ExpiresAt:  now.Add(s.retention).UnixMilli(),
	}
	result := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "nonce"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("store nonce: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.New(apperrors.CodeReplayDetected, "nonce already seen")
	}
	return nil
}

// Cleanup deletes expired nonces and returns how many were removed.
func (s *DBNonceStore) Cleanup() int {
	result := s.db.Where("expires_at < ?", time.Now().UnixMilli()).
		Delete(&models.ReplayNonceModel{})
	if result.Error != nil {
		return 0
	}
	return int(result.RowsAffected)
}
