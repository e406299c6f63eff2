package mediator

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/feedsync/internal/normalizer"
	"github.com/MarcoPoloResearchLab/feedsync/internal/remote"
	"go.uber.org/zap"
)

const sourceNotifications = "notifications"

// NotificationsAPI fetches one page of a user's notifications.
type NotificationsAPI interface {
	GetNotifications(ctx context.Context, body remote.NotificationsRequestBody) (events.Response, error)
}

// SeenTracker supplies the seen boundary used to classify notifications at merge time.
type SeenTracker interface {
	Ensure(ctx context.Context) (int64, error)
	Annotate(notifications []cache.Notification) []cache.Notification
}

// NotificationsConfig describes the dependencies of a NotificationsMediator.
type NotificationsConfig struct {
	OwnerID  string
	PageSize int
	Store    *cache.Store
	API      NotificationsAPI
	Tracker  SeenTracker
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// NotificationsMediator loads pages of one user's notifications into the cache.
type NotificationsMediator struct {
	ownerID  string
	pageSize int
	store    *cache.Store
	api      NotificationsAPI
	tracker  SeenTracker
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *metrics.Recorder
}

// NewNotificationsMediator validates the configuration and returns a mediator for one owner.
func NewNotificationsMediator(cfg NotificationsConfig) (*NotificationsMediator, error) {
	if cfg.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidConfig)
	}
	if cfg.Store == nil || cfg.API == nil || cfg.Tracker == nil {
		return nil, fmt.Errorf("%w: store, api and tracker are required", ErrInvalidConfig)
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationsMediator{
		ownerID:  cfg.OwnerID,
		pageSize: pageSize,
		store:    cfg.Store,
		api:      cfg.API,
		tracker:  cfg.Tracker,
		clock:    clock,
		logger:   logger.With(zap.String("owner_id", cfg.OwnerID)),
		metrics:  cfg.Metrics,
	}, nil
}

// OwnerID returns the user whose notifications this mediator loads.
func (m *NotificationsMediator) OwnerID() string {
	return m.ownerID
}

// Initialize asks for an initial refresh only when no notification is cached for the owner.
func (m *NotificationsMediator) Initialize(ctx context.Context) (InitializeAction, error) {
	count, err := m.store.CountNotifications(ctx, m.ownerID)
	if err != nil {
		return SkipInitialRefresh, err
	}
	if count == 0 {
		return LaunchInitialRefresh, nil
	}
	return SkipInitialRefresh, nil
}

// Load runs one fetch-and-merge cycle in direction. Notifications are classified as seen or unseen
// against the tracker's boundary as they are inserted.
func (m *NotificationsMediator) Load(ctx context.Context, direction Direction, window Window) (result Result, err error) {
	run := cycle{source: sourceNotifications, direction: direction, started: m.clock(), logger: m.logger, recorder: m.metrics}
	defer func() { run.finish(ctx, result, err, m.clock) }()

	cursor, ok, err := resolveCursor(ctx, direction, window,
		func(ctx context.Context) (int64, bool, error) { return m.store.QueryOldestNotificationTimestamp(ctx, m.ownerID) },
		func(ctx context.Context) (int64, bool, error) { return m.store.QueryNewestNotificationTimestamp(ctx, m.ownerID) },
	)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{EndOfPaginationReached: true}, nil
	}

	since, until := requestBounds(direction, cursor, m.clock().Unix())
	response, err := m.api.GetNotifications(ctx, remote.NotificationsRequestBody{
		Pubkey:     m.ownerID,
		UserPubkey: m.ownerID,
		Limit:      m.pageSize,
		Since:      since,
		Until:      until,
	})
	if err != nil {
		return Result{}, transportError(ctx, err)
	}

	if _, err := m.tracker.Ensure(ctx); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		m.logger.Warn("seen boundary unavailable, classifying with the current boundary", zap.Error(err))
	}

	batch := normalizer.Normalize(response, normalizer.Options{UserID: m.ownerID})
	owned := m.ownNotifications(&batch)
	reportDropped(m.metrics, &batch)

	annotated := m.tracker.Annotate(owned)
	steps := append(recordSteps(&batch), mergeStep{
		table: "notifications",
		rows:  len(annotated),
		write: func(unit *cache.UnitOfWork) error { return unit.UpsertNotifications(annotated) },
	})
	if err := commitSteps(ctx, m.store, steps); err != nil {
		return Result{}, err
	}
	reportMerged(m.metrics, steps)

	fresh := freshCount(direction, cursor, notificationTimestamps(annotated))
	result = Result{Appended: fresh}
	switch direction {
	case Refresh:
		return result, nil
	case Prepend:
		if fresh == 0 {
			result.EndOfPaginationReached = true
			return result, nil
		}
		unseen, err := m.store.CountUnseen(ctx, m.ownerID)
		if err != nil {
			return result, err
		}
		result.EndOfPaginationReached = int64(fresh) <= unseen
		return result, nil
	default:
		result.EndOfPaginationReached = fresh == 0
		return result, nil
	}
}

// ownNotifications keeps the owner's notifications and counts the rest as dropped.
func (m *NotificationsMediator) ownNotifications(batch *normalizer.Batch) []cache.Notification {
	owned := make([]cache.Notification, 0, len(batch.Notifications))
	for _, notification := range batch.Notifications {
		if notification.OwnerID != m.ownerID {
			batch.Dropped++
			continue
		}
		owned = append(owned, notification)
	}
	return owned
}

func notificationTimestamps(notifications []cache.Notification) []int64 {
	timestamps := make([]int64, 0, len(notifications))
	for _, notification := range notifications {
		timestamps = append(timestamps, notification.CreatedAt)
	}
	return timestamps
}
