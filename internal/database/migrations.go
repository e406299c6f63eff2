package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNullEmptyReplyTargets = "2026-10-01_null_empty_reply_targets"
	migrationBackfillFeedEntryTime = "2026-10-16_backfill_feed_entry_time"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNullEmptyReplyTargets, apply: nullEmptyReplyTargets},
		{name: migrationBackfillFeedEntryTime, apply: backfillFeedEntryTime},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// nullEmptyReplyTargets clears reply columns stored as empty strings so that "not a reply" has a
// single representation.
func nullEmptyReplyTargets(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&cache.Post{}).
			Where("reply_to_post_id = ?", "").
			Update("reply_to_post_id", gorm.Expr("NULL")).Error; err != nil {
			return err
		}
		return tx.Model(&cache.Post{}).
			Where("reply_to_author_id = ?", "").
			Update("reply_to_author_id", gorm.Expr("NULL")).Error
	})
}

// backfillFeedEntryTime gives feed links created before entry times were tracked the creation time
// of their post.
func backfillFeedEntryTime(db *gorm.DB) error {
	return db.Model(&cache.FeedPostRef{}).
		Where("entered_at = ?", 0).
		Update("entered_at", gorm.Expr("COALESCE((SELECT posts.created_at FROM posts WHERE posts.post_id = feed_post_refs.post_id), 0)")).Error
}
