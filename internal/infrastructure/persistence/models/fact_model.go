package models

// UserFactModel is a structured fact learned about a person.
// The composite unique index implements UPSERT-on-same-key semantics.
type UserFactModel struct {
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	ConversationID string  `gorm:"size:128;not null;uniqueIndex:idx_facts_key"`
	Category       string  `gorm:"size:32;not null;uniqueIndex:idx_facts_key"`
	Key            string  `gorm:"size:128;not null;uniqueIndex:idx_facts_key"`
	Active         bool    `gorm:"not null;default:true;uniqueIndex:idx_facts_key"`
	Value          string  `gorm:"type:text;not null"`
	Confidence     float64 `gorm:"not null"`
	Source         string  `gorm:"size:32;not null"`
	CreatedAt      int64   `gorm:"not null"`
	UpdatedAt      int64   `gorm:"not null"`
	LastVerifiedAt int64   `gorm:"not null"`
}

// TableName sets the table name.
func (UserFactModel) TableName() string {
	return "user_facts"
}
