package models

// ReplayNonceModel records a seen signing nonce until its retention expires.
type ReplayNonceModel struct {
	Nonce      string `gorm:"primaryKey;size:64"`
	Source     string `gorm:"size:32;not null;index:idx_nonces_source"`
	ReceivedAt int64  `gorm:"not null"`
	ExpiresAt  int64  `gorm:"not null;index:idx_nonces_expires"`
}

// TableName sets the table name.
func (ReplayNonceModel) TableName() string {
	return "replay_nonces"
}
