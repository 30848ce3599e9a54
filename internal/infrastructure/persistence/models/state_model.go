package models

// SystemStateModel holds singleton operational values by key.
type SystemStateModel struct {
	Key       string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt int64  `gorm:"not null"`
}

// TableName sets the table name.
func (SystemStateModel) TableName() string {
	return "system_state"
}
