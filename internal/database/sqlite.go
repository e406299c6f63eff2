package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/feedsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations. The pool is limited to
// one connection so readers never observe a merge before it commits.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Models lists every table owned by the service.
func Models() []any {
	models := append([]any{}, cache.Models()...)
	return append(models, &accounts.Account{}, &migrationRecord{})
}
