package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	fieldDirective = "feed_directive"
	fieldOwnerID   = "owner_id"

	feedWindowQuery = `SELECT %s(feed_post_refs.entered_at) FROM feed_post_refs
INNER JOIN posts ON posts.post_id = feed_post_refs.post_id
WHERE feed_post_refs.feed_directive = ?`

	feedPageQuery = `SELECT
	posts.post_id,
	posts.author_id,
	posts.created_at,
	feed_post_refs.entered_at,
	posts.content,
	posts.raw,
	posts.hashtags,
	posts.reply_to_post_id,
	posts.reply_to_author_id,
	profiles.name AS author_name,
	profiles.display_name AS author_display_name,
	profiles.picture AS author_picture,
	COALESCE(note_stats.likes, 0) AS likes,
	COALESCE(note_stats.replies, 0) AS replies,
	COALESCE(note_stats.reposts, 0) AS reposts,
	COALESCE(note_stats.zaps, 0) AS zaps,
	COALESCE(note_stats.sats_zapped, 0) AS sats_zapped,
	COALESCE(note_user_stats.liked, 0) AS user_liked,
	COALESCE(note_user_stats.replied, 0) AS user_replied,
	COALESCE(note_user_stats.reposted, 0) AS user_reposted,
	COALESCE(note_user_stats.zapped, 0) AS user_zapped
FROM posts
INNER JOIN feed_post_refs ON feed_post_refs.post_id = posts.post_id
LEFT JOIN profiles ON profiles.owner_id = posts.author_id
LEFT JOIN note_stats ON note_stats.post_id = posts.post_id
LEFT JOIN note_user_stats ON note_user_stats.post_id = posts.post_id AND note_user_stats.user_id = ?
WHERE feed_post_refs.feed_directive = ?
	AND (feed_post_refs.entered_at < ? OR (feed_post_refs.entered_at = ? AND feed_post_refs.post_id < ?))
ORDER BY feed_post_refs.entered_at DESC, feed_post_refs.post_id DESC
LIMIT ?`
)

// noUpperBound stands in for a missing "before" cursor.
const noUpperBound = int64(1<<62 - 1)

// ErrInvalidCursor indicates a cursor key that does not fit the paged table.
var ErrInvalidCursor = errors.New("cache: invalid cursor")

// Cursor is a keyset position: the sort timestamp of the last item served and its tie-breaking key.
// Feed keys are post ids; notification keys are the decimal notification type. An empty key admits
// nothing at At itself.
type Cursor struct {
	At  int64
	Key string
}

// FeedCursor returns the position right after post in its feed.
func FeedCursor(post FeedPost) Cursor {
	return Cursor{At: post.EnteredAt, Key: post.PostID}
}

// NotificationCursor returns the position right after notification in its owner's list.
func NotificationCursor(notification Notification) Cursor {
	return Cursor{At: notification.CreatedAt, Key: strconv.Itoa(int(notification.Type))}
}

// FeedPageQuery selects one keyset page of a feed, newest first.
type FeedPageQuery struct {
	Directive string
	UserID    string
	Before    *Cursor
	Limit     int
}

// QueryOldestFeedTimestamp returns the earliest entry time of a post linked to the directive.
func (s *Store) QueryOldestFeedTimestamp(ctx context.Context, directive string) (int64, bool, error) {
	return s.feedBound(ctx, "MIN", directive)
}

// QueryNewestFeedTimestamp returns the latest entry time of a post linked to the directive.
func (s *Store) QueryNewestFeedTimestamp(ctx context.Context, directive string) (int64, bool, error) {
	return s.feedBound(ctx, "MAX", directive)
}

// QueryOldestNotificationTimestamp returns the oldest cached notification time for the owner.
func (s *Store) QueryOldestNotificationTimestamp(ctx context.Context, ownerID string) (int64, bool, error) {
	return s.notificationBound(ctx, "MIN", ownerID)
}

// QueryNewestNotificationTimestamp returns the newest cached notification time for the owner.
func (s *Store) QueryNewestNotificationTimestamp(ctx context.Context, ownerID string) (int64, bool, error) {
	return s.notificationBound(ctx, "MAX", ownerID)
}

// CountFeed reports how many posts are linked to the directive.
func (s *Store) CountFeed(ctx context.Context, directive string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, newServiceError(opCount, reasonMissingDatabase, ErrMissingDatabase)
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&FeedPostRef{}).
		Where(fieldDirective+" = ?", directive).
		Count(&count).Error; err != nil {
		s.logError(opCount, reasonQueryFailed, err, zap.String("directive", directive))
		return 0, newServiceError(opCount, reasonQueryFailed, err)
	}
	return count, nil
}

// CountNotifications reports how many notifications are cached for the owner.
func (s *Store) CountNotifications(ctx context.Context, ownerID string) (int64, error) {
	return s.countNotifications(ctx, s.ownedNotifications(ctx, ownerID), ownerID)
}

// CountUnseen reports how many cached notifications for the owner carry no seen marker.
func (s *Store) CountUnseen(ctx context.Context, ownerID string) (int64, error) {
	return s.countNotifications(ctx, s.ownedNotifications(ctx, ownerID).Where("seen_locally_at IS NULL"), ownerID)
}

// FeedPage returns one page of the directive's posts joined with stats and author metadata.
func (s *Store) FeedPage(ctx context.Context, query FeedPageQuery) ([]FeedPost, error) {
	if s == nil || s.db == nil {
		return nil, newServiceError(opFeedPage, reasonMissingDatabase, ErrMissingDatabase)
	}
	before := Cursor{At: noUpperBound}
	if query.Before != nil {
		before = *query.Before
	}
	var posts []FeedPost
	if err := s.db.WithContext(ctx).
		Raw(feedPageQuery, query.UserID, query.Directive, before.At, before.At, before.Key, normalizeLimit(query.Limit)).
		Scan(&posts).Error; err != nil {
		s.logError(opFeedPage, reasonQueryFailed, err, zap.String("directive", query.Directive))
		return nil, newServiceError(opFeedPage, reasonQueryFailed, err)
	}
	return posts, nil
}

// SeenNotifications returns one page of notifications already marked seen, newest first.
func (s *Store) SeenNotifications(ctx context.Context, ownerID string, before *Cursor, limit int) ([]Notification, error) {
	if s == nil || s.db == nil {
		return nil, newServiceError(opNotificationsPage, reasonMissingDatabase, ErrMissingDatabase)
	}
	upper, typeBound := noUpperBound, -1
	if before != nil {
		upper = before.At
		if before.Key != "" {
			parsed, err := strconv.Atoi(before.Key)
			if err != nil {
				return nil, newServiceError(opNotificationsPage, reasonInvalidCursor, ErrInvalidCursor)
			}
			typeBound = parsed
		}
	}
	var notifications []Notification
	if err := s.ownedNotifications(ctx, ownerID).
		Where("seen_locally_at IS NOT NULL").
		Where("(created_at < ? OR (created_at = ? AND type < ?))", upper, upper, typeBound).
		Order("created_at DESC, type DESC").
		Limit(normalizeLimit(limit)).
		Find(&notifications).Error; err != nil {
		s.logError(opNotificationsPage, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return nil, newServiceError(opNotificationsPage, reasonQueryFailed, err)
	}
	return notifications, nil
}

// UnseenNotifications returns every unseen notification for the owner, newest first.
func (s *Store) UnseenNotifications(ctx context.Context, ownerID string) ([]Notification, error) {
	if s == nil || s.db == nil {
		return nil, newServiceError(opNotificationsPage, reasonMissingDatabase, ErrMissingDatabase)
	}
	var notifications []Notification
	if err := s.ownedNotifications(ctx, ownerID).
		Where("seen_locally_at IS NULL").
		Order("created_at DESC, type DESC").
		Find(&notifications).Error; err != nil {
		s.logError(opNotificationsPage, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return nil, newServiceError(opNotificationsPage, reasonQueryFailed, err)
	}
	return notifications, nil
}

// MarkAllAsRead stamps every unseen notification created at or before seenAt. It is the only path
// that changes the seen state of an already stored notification.
func (s *Store) MarkAllAsRead(ctx context.Context, ownerID string, seenAt int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, newServiceError(opMarkAllAsRead, reasonMissingDatabase, ErrMissingDatabase)
	}
	result := s.ownedNotifications(ctx, ownerID).
		Where("seen_locally_at IS NULL AND created_at <= ?", seenAt).
		Update("seen_locally_at", seenAt)
	if result.Error != nil {
		s.logError(opMarkAllAsRead, reasonWriteFailed, result.Error, zap.String(fieldOwnerID, ownerID))
		return 0, newServiceError(opMarkAllAsRead, reasonWriteFailed, result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) ownedNotifications(ctx context.Context, ownerID string) *gorm.DB {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Model(&Notification{}).Where(fieldOwnerID+" = ?", ownerID)
}

func (s *Store) countNotifications(ctx context.Context, query *gorm.DB, ownerID string) (int64, error) {
	if query == nil {
		return 0, newServiceError(opCount, reasonMissingDatabase, ErrMissingDatabase)
	}
	var count int64
	if err := query.Count(&count).Error; err != nil {
		s.logError(opCount, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return 0, newServiceError(opCount, reasonQueryFailed, err)
	}
	return count, nil
}

func (s *Store) feedBound(ctx context.Context, aggregate, directive string) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, newServiceError(opWindow, reasonMissingDatabase, ErrMissingDatabase)
	}
	var bound sql.NullInt64
	query := windowQuery(aggregate)
	if err := s.db.WithContext(ctx).Raw(query, directive).Row().Scan(&bound); err != nil {
		s.logError(opWindow, reasonQueryFailed, err, zap.String("directive", directive))
		return 0, false, newServiceError(opWindow, reasonQueryFailed, err)
	}
	return bound.Int64, bound.Valid, nil
}

func (s *Store) notificationBound(ctx context.Context, aggregate, ownerID string) (int64, bool, error) {
	if s == nil || s.db == nil {
		return 0, false, newServiceError(opWindow, reasonMissingDatabase, ErrMissingDatabase)
	}
	var bound sql.NullInt64
	if err := s.ownedNotifications(ctx, ownerID).
		Select(aggregate + "(created_at)").
		Row().Scan(&bound); err != nil {
		s.logError(opWindow, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID))
		return 0, false, newServiceError(opWindow, reasonQueryFailed, err)
	}
	return bound.Int64, bound.Valid, nil
}

func windowQuery(aggregate string) string {
	if aggregate != "MIN" {
		aggregate = "MAX"
	}
	return fmt.Sprintf(feedWindowQuery, aggregate)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func formatInt(value int64) string {
	return strconv.FormatInt(value, 10)
}
