package paging

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/mediator"
	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/feedsync/internal/seen"
	"go.uber.org/zap"
)

// InboxConfig describes the dependencies of a NotificationInbox.
type InboxConfig struct {
	OwnerID  string
	Store    *cache.Store
	API      mediator.NotificationsAPI
	Tracker  *seen.Tracker
	PageSize int
	Retry    RetryPolicy
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// NotificationInbox is the paged view of one user's notifications together with their seen state.
type NotificationInbox struct {
	ownerID string
	store   *cache.Store
	tracker *seen.Tracker
	pager   *Pager[cache.Notification]
	loader  *mediator.NotificationsMediator
	retry   RetryPolicy
	logger  *zap.Logger
}

// NewNotificationInbox wires a notifications mediator and a pager over the seen list.
func NewNotificationInbox(cfg InboxConfig) (*NotificationInbox, error) {
	if cfg.Tracker == nil {
		return nil, mediator.ErrInvalidConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	loader, err := mediator.NewNotificationsMediator(mediator.NotificationsConfig{
		OwnerID:  cfg.OwnerID,
		PageSize: cfg.PageSize,
		Store:    cfg.Store,
		API:      cfg.API,
		Tracker:  cfg.Tracker,
		Clock:    cfg.Clock,
		Logger:   logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	store := cfg.Store
	ownerID := cfg.OwnerID
	pager, err := NewPager(PagerConfig[cache.Notification]{
		Loader: loader,
		Query: func(ctx context.Context, before *cache.Cursor, limit int) ([]cache.Notification, error) {
			return store.SeenNotifications(ctx, ownerID, before, limit)
		},
		Cursor:   cache.NotificationCursor,
		PageSize: cfg.PageSize,
		Retry:    cfg.Retry,
		Logger:   logger.With(zap.String("owner_id", ownerID)),
	})
	if err != nil {
		return nil, err
	}
	return &NotificationInbox{
		ownerID: ownerID,
		store:   store,
		tracker: cfg.Tracker,
		pager:   pager,
		loader:  loader,
		retry:   cfg.Retry,
		logger:  logger,
	}, nil
}

// OwnerID returns the user the inbox belongs to.
func (i *NotificationInbox) OwnerID() string {
	return i.ownerID
}

// Seen returns one page of notifications already classified as seen, newest first.
func (i *NotificationInbox) Seen(ctx context.Context, before *cache.Cursor, limit int) (Page[cache.Notification], error) {
	return i.pager.Page(ctx, before, limit)
}

// Unseen returns the unseen notifications grouped for display.
func (i *NotificationInbox) Unseen(ctx context.Context) ([][]cache.Notification, error) {
	if err := i.pager.Initialize(ctx); err != nil {
		return nil, err
	}
	notifications, err := i.store.UnseenNotifications(ctx, i.ownerID)
	if err != nil {
		return nil, err
	}
	return seen.GroupUnseen(notifications), nil
}

// UnseenCount reports how many cached notifications are still unseen.
func (i *NotificationInbox) UnseenCount(ctx context.Context) (int64, error) {
	return i.store.CountUnseen(ctx, i.ownerID)
}

// Load runs one notification cycle in direction.
func (i *NotificationInbox) Load(ctx context.Context, direction mediator.Direction) (mediator.Result, error) {
	return i.pager.Load(ctx, direction)
}

// Refresh reloads the newest notifications.
func (i *NotificationInbox) Refresh(ctx context.Context) (mediator.Result, error) {
	return i.pager.Refresh(ctx)
}

// RefreshDetached reloads the newest notifications outside the pager's cycle lock, so paged reads
// never wait on it.
func (i *NotificationInbox) RefreshDetached(ctx context.Context) (mediator.Result, error) {
	var result mediator.Result
	err := i.retry.Do(ctx, func(ctx context.Context) error {
		var loadErr error
		result, loadErr = i.loader.Load(ctx, mediator.Refresh, mediator.Window{})
		if errors.Is(loadErr, mediator.ErrTransport) {
			i.logger.Info("detached refresh hit a transport failure", zap.String("owner_id", i.ownerID), zap.Error(loadErr))
		}
		return loadErr
	})
	return result, err
}

// SignalSeen records that the user looked at the notifications; flushes are debounced.
func (i *NotificationInbox) SignalSeen() {
	i.tracker.SignalSeen()
}

// MarkAllAsRead advances the seen boundary to now and stamps every unseen notification up to it.
// A failed push to the cache server is logged; the local state is still updated.
func (i *NotificationInbox) MarkAllAsRead(ctx context.Context) (int64, int64, error) {
	boundary, err := i.tracker.Flush(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, 0, ctx.Err()
		}
		i.logger.Warn("seen boundary push failed", zap.String("owner_id", i.ownerID), zap.Error(err))
	}
	updated, err := i.store.MarkAllAsRead(ctx, i.ownerID, boundary)
	if err != nil {
		return 0, boundary, err
	}
	return updated, boundary, nil
}

// LastSeen returns the current seen boundary.
func (i *NotificationInbox) LastSeen() int64 {
	return i.tracker.LastSeen()
}
