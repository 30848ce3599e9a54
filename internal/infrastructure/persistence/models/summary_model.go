package models

// ContextSummaryModel is one append-only compaction summary.
type ContextSummaryModel struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:128;not null;index:idx_summaries_conversation"`
	PeriodStart    int64  `gorm:"not null"`
	PeriodEnd      int64  `gorm:"not null;index:idx_summaries_period_end"`
	SummaryText    string `gorm:"type:text;not null"`
	MessageCount   int    `gorm:"not null"`
	CreatedAt      int64  `gorm:"not null"`
}

// TableName sets the table name.
func (ContextSummaryModel) TableName() string {
	return "context_summaries"
}
