package models

// MessageModel is the stored conversation message row.
// MessageID is globally unique; duplicate arrivals are ignored on insert.
type MessageModel struct {
	ID             int64   `gorm:"primaryKey;autoIncrement"`
	MessageID      string  `gorm:"uniqueIndex;size:128;not null"`
	Direction      string  `gorm:"size:16;not null;index:idx_messages_direction"`
	ConversationID string  `gorm:"size:128;index:idx_messages_conversation"`
	SenderID       string  `gorm:"size:128"`
	SenderName     string  `gorm:"size:128"`
	ContentType    string  `gorm:"size:32;not null"`
	ContentText    string  `gorm:"type:text"`
	ReplyToID      *string `gorm:"size:128"`
	Timestamp      int64   `gorm:"not null;index:idx_messages_timestamp"`
	CreatedAt      int64   `gorm:"not null"`
	Archived       bool    `gorm:"not null;default:false"`
}

// TableName sets the table name.
func (MessageModel) TableName() string {
	return "messages"
}
