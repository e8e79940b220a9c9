package profilesync

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"go.uber.org/zap"

	"github.com/nao1215/bookshelf/pkg/migration"
)

//go:embed migrations
var migrationsFS embed.FS

// NewMigrator はアウトボックスのスキーマを管理するMigratorを返す。
func NewMigrator(db *sql.DB, logger *zap.Logger) *migration.Migrator {
	return migration.New(db, migrationsFS, "migrations", logger)
}

// initSchema はアウトボックスの未適用のマイグレーションを適用する。
func initSchema(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	if _, err := NewMigrator(db, logger).Up(ctx); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}
