package cache

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const writeBatchSize = 200

// UnitOfWork groups cache writes into one transaction. Nothing it writes is visible to other
// readers until Commit succeeds.
type UnitOfWork struct {
	ctx      context.Context
	tx       *gorm.DB
	store    *Store
	finished bool
}

// Commit makes every write of the unit visible. It fails when the unit's context is already done.
func (u *UnitOfWork) Commit() error {
	if u.finished {
		return newServiceError(opCommit, reasonCommitFailed, ErrUnitFinished)
	}
	if err := u.ctx.Err(); err != nil {
		u.finished = true
		_ = u.tx.Rollback().Error
		return newServiceError(opCommit, reasonCanceled, err)
	}
	u.finished = true
	if err := u.tx.Commit().Error; err != nil {
		u.store.logError(opCommit, reasonCommitFailed, err)
		return newServiceError(opCommit, reasonCommitFailed, err)
	}
	return nil
}

// Rollback discards the unit's writes. It is a no-op once the unit has finished.
func (u *UnitOfWork) Rollback() error {
	if u.finished {
		return nil
	}
	u.finished = true
	err := u.tx.Rollback().Error
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// UpsertPosts replaces posts by primary key; the latest merge wins.
func (u *UnitOfWork) UpsertPosts(posts []Post) error {
	rows := dedupeLast(posts, func(post Post) string { return post.PostID })
	return u.write(opUpsertPosts, clause.OnConflict{UpdateAll: true}, &rows, len(rows))
}

// UpsertReposts replaces reposts by primary key.
func (u *UnitOfWork) UpsertReposts(reposts []Repost) error {
	rows := dedupeLast(reposts, func(repost Repost) string { return repost.RepostID })
	return u.write(opUpsertReposts, clause.OnConflict{UpdateAll: true}, &rows, len(rows))
}

// FeedEntry places one post in a feed at the time it entered the feed.
type FeedEntry struct {
	PostID    string
	EnteredAt int64
}

// ConnectFeed links posts to a feed directive. A post linked again keeps the later of its entry
// times, so a repost of an older note moves it to the repost time.
func (u *UnitOfWork) ConnectFeed(directive string, entries []FeedEntry) error {
	refs := make([]FeedPostRef, 0, len(entries))
	positions := make(map[string]int, len(entries))
	for _, entry := range entries {
		if entry.PostID == "" {
			continue
		}
		if position, ok := positions[entry.PostID]; ok {
			refs[position].EnteredAt = max(refs[position].EnteredAt, entry.EnteredAt)
			continue
		}
		positions[entry.PostID] = len(refs)
		refs = append(refs, FeedPostRef{FeedDirective: directive, PostID: entry.PostID, EnteredAt: entry.EnteredAt})
	}
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "feed_directive"}, {Name: "post_id"}},
		DoUpdates: clause.Set{{
			Column: clause.Column{Name: "entered_at"},
			Value:  gorm.Expr("MAX(" + FeedPostRef{}.TableName() + ".entered_at, excluded.entered_at)"),
		}},
	}
	return u.write(opConnectFeed, onConflict, &refs, len(refs))
}

// UpsertNotifications inserts notifications keyed by (owner, created_at, type). On conflict the
// payload columns are replaced while the locally seen marker keeps the value chosen at first insert.
func (u *UnitOfWork) UpsertNotifications(notifications []Notification) error {
	rows := dedupeLast(notifications, notificationKey)
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "created_at"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"action_user_id",
			"action_post_id",
			"sats_zapped",
			"seen_globally_at",
		}),
	}
	return u.write(opUpsertNotes, onConflict, &rows, len(rows))
}

// UpsertNoteStats replaces aggregate counters per post.
func (u *UnitOfWork) UpsertNoteStats(stats []NoteStats) error {
	rows := dedupeLast(stats, func(row NoteStats) string { return row.PostID })
	return u.write(opUpsertStats, clause.OnConflict{UpdateAll: true}, &rows, len(rows))
}

// UpsertNoteUserStats replaces per-user interaction flags.
func (u *UnitOfWork) UpsertNoteUserStats(stats []NoteUserStats) error {
	rows := dedupeLast(stats, func(row NoteUserStats) string { return row.PostID + "\x00" + row.UserID })
	return u.write(opUpsertUserStats, clause.OnConflict{UpdateAll: true}, &rows, len(rows))
}

// UpsertProfiles stores metadata, keeping the newest event per owner.
func (u *UnitOfWork) UpsertProfiles(profiles []Profile) error {
	rows := newestProfiles(profiles)
	onConflict := clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"event_id",
			"created_at",
			"raw",
			"name",
			"display_name",
			"picture",
			"about",
			"internet_identifier",
			"lightning_address",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "excluded.created_at >= profiles.created_at"},
		}},
	}
	return u.write(opUpsertProfiles, onConflict, &rows, len(rows))
}

// UpsertProfileStats replaces profile counters.
func (u *UnitOfWork) UpsertProfileStats(stats []ProfileStats) error {
	rows := dedupeLast(stats, func(row ProfileStats) string { return row.ProfileID })
	return u.write(opUpsertProfStats, clause.OnConflict{UpdateAll: true}, &rows, len(rows))
}

// UpsertMediaResources replaces media mappings per (event, url).
func (u *UnitOfWork) UpsertMediaResources(resources []MediaResource) error {
	rows := dedupeLast(resources, func(row MediaResource) string { return row.EventID + "\x00" + row.URL })
	return u.write(opUpsertMedia, clause.OnConflict{UpdateAll: true}, &rows, len(rows))
}

func (u *UnitOfWork) write(operation string, onConflict clause.OnConflict, rows any, count int) error {
	if u.finished {
		return newServiceError(operation, reasonWriteFailed, ErrUnitFinished)
	}
	if count == 0 {
		return nil
	}
	if err := u.tx.Clauses(onConflict).CreateInBatches(rows, writeBatchSize).Error; err != nil {
		u.store.logError(operation, reasonWriteFailed, err, zap.Int("rows", count))
		return newServiceError(operation, reasonWriteFailed, err)
	}
	return nil
}

func notificationKey(notification Notification) string {
	return notification.OwnerID + "\x00" + formatInt(notification.CreatedAt) + "\x00" + formatInt(int64(notification.Type))
}

// dedupeLast keeps the last occurrence of each key while preserving first-seen order.
func dedupeLast[T any](rows []T, key func(T) string) []T {
	if len(rows) == 0 {
		return nil
	}
	positions := make(map[string]int, len(rows))
	result := make([]T, 0, len(rows))
	for _, row := range rows {
		rowKey := key(row)
		if position, ok := positions[rowKey]; ok {
			result[position] = row
			continue
		}
		positions[rowKey] = len(result)
		result = append(result, row)
	}
	return result
}

func newestProfiles(profiles []Profile) []Profile {
	if len(profiles) == 0 {
		return nil
	}
	positions := make(map[string]int, len(profiles))
	result := make([]Profile, 0, len(profiles))
	for _, profile := range profiles {
		if position, ok := positions[profile.OwnerID]; ok {
			if profile.CreatedAt >= result[position].CreatedAt {
				result[position] = profile
			}
			continue
		}
		positions[profile.OwnerID] = len(result)
		result = append(result, profile)
	}
	return result
}
