package persistence

import (
	"fmt"
	"os"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/joi-assistant/joi/internal/infrastructure/config"
	"github.com/joi-assistant/joi/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the database selected by the config and applies
// the schema migrations. SQLite runs with WAL and foreign keys on.
func NewDBConnection(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(sqliteDSN(cfg.DSN))
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormConfig := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// sqliteDSN appends the pragmas the store relies on.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=5000"
}

// SQLiteVersion reports the linked libsqlite3 version for startup logs.
func SQLiteVersion() string {
	v, _, _ := sqlite3.Version()
	return v
}

// autoMigrate applies additive schema migrations.
func autoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.MessageModel{},
		&models.UserFactModel{},
		&models.ContextSummaryModel{},
		&models.KnowledgeChunkModel{},
		&models.SystemStateModel{},
		&models.ReplayNonceModel{},
	)
}

// LoadEncryptionKey reads the store encryption key file. The key must be at
// least 32 characters and the file must not be group/world readable.
// Returns empty when no key file exists.
//
// This build has no SQLCipher linked in, so a present key only arms the
// RequireEncrypted check; startup fails when encryption is required.
func LoadEncryptionKey(cfg config.MemoryConfig) (string, error) {
	if cfg.KeyFile == "" {
		if cfg.RequireEncrypted {
			return "", fmt.Errorf("encryption required but no key file configured")
		}
		return "", nil
	}

	info, err := os.Stat(cfg.KeyFile)
	if err != nil {
		if os.IsNotExist(err) {
			if cfg.RequireEncrypted {
				return "", fmt.Errorf("encryption required but key file %s missing", cfg.KeyFile)
			}
			return "", nil
		}
		return "", fmt.Errorf("stat key file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("key file %s must be mode 0600, got %o", cfg.KeyFile, info.Mode().Perm())
	}

	data, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	key := strings.TrimSpace(string(data))
	if len(key) < 32 {
		return "", fmt.Errorf("key file %s too short, need >= 32 chars", cfg.KeyFile)
	}

	if cfg.RequireEncrypted {
		return "", fmt.Errorf("encryption required but this build has no encrypted storage engine")
	}
	return key, nil
}
