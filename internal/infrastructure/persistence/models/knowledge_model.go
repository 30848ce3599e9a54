package models

// KnowledgeChunkModel is one indexed fragment of an ingested document.
// Re-ingesting a source deletes and replaces all of its chunks.
type KnowledgeChunkModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Scope      string `gorm:"size:128;not null;uniqueIndex:idx_knowledge_chunk;index:idx_knowledge_scope"`
	Source     string `gorm:"size:256;not null;uniqueIndex:idx_knowledge_chunk"`
	ChunkIndex int    `gorm:"not null;uniqueIndex:idx_knowledge_chunk"`
	Title      string `gorm:"size:256"`
	Content    string `gorm:"type:text;not null"`
	CreatedAt  int64  `gorm:"not null"`
}

// TableName sets the table name.
func (KnowledgeChunkModel) TableName() string {
	return "knowledge_chunks"
}
