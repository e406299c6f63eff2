package cache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrMissingDatabase indicates that the store was constructed without a database handle.
	ErrMissingDatabase = errors.New("cache: database handle is required")
	// ErrUnitFinished indicates that a unit of work was used after commit or rollback.
	ErrUnitFinished = errors.New("cache: unit of work already finished")

	noOpLogger = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew          = "cache.store.new"
	opBegin             = "cache.begin"
	opCommit            = "cache.commit"
	opUpsertPosts       = "cache.upsert_posts"
	opUpsertReposts     = "cache.upsert_reposts"
	opConnectFeed       = "cache.connect_feed"
	opUpsertNotes       = "cache.upsert_notifications"
	opUpsertStats       = "cache.upsert_note_stats"
	opUpsertUserStats   = "cache.upsert_note_user_stats"
	opUpsertProfiles    = "cache.upsert_profiles"
	opUpsertProfStats   = "cache.upsert_profile_stats"
	opUpsertMedia       = "cache.upsert_media_resources"
	opWindow            = "cache.query_window"
	opCount             = "cache.count"
	opFeedPage          = "cache.feed_page"
	opNotificationsPage = "cache.notifications_page"
	opMarkAllAsRead     = "cache.mark_all_as_read"

	reasonMissingDatabase = "missing_database"
	reasonBeginFailed     = "begin_failed"
	reasonCommitFailed    = "commit_failed"
	reasonWriteFailed     = "write_failed"
	reasonQueryFailed     = "query_failed"
	reasonInvalidCursor   = "invalid_cursor"
	reasonCanceled        = "canceled"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (s *Store) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("cache store error", attrs...)
}
