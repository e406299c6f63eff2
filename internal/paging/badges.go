package paging

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"go.uber.org/zap"
)

const defaultBadgeInterval = 30 * time.Second

// Badge is the unseen notification count published to a user's subscribers.
type Badge struct {
	UserID string    `json:"user_id"`
	Unseen int64     `json:"unseen"`
	At     time.Time `json:"at"`
}

// BadgePublisher delivers badge updates. Implementations must not block.
type BadgePublisher interface {
	PublishBadge(badge Badge)
}

// BadgeWatcherConfig describes the dependencies of a BadgeWatcher.
type BadgeWatcherConfig struct {
	Inbox     *NotificationInbox
	Interval  time.Duration
	Publisher BadgePublisher
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
}

// BadgeWatcher periodically refreshes a user's notifications and publishes the unseen count when it
// changes.
type BadgeWatcher struct {
	inbox     *NotificationInbox
	interval  time.Duration
	publisher BadgePublisher
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Recorder
	signal    chan struct{}

	mu        sync.Mutex
	current   Badge
	published bool
}

// NewBadgeWatcher validates the configuration and returns an idle watcher.
func NewBadgeWatcher(cfg BadgeWatcherConfig) (*BadgeWatcher, error) {
	if cfg.Inbox == nil {
		return nil, errors.New("paging: badge watcher requires an inbox")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultBadgeInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgeWatcher{
		inbox:     cfg.Inbox,
		interval:  interval,
		publisher: cfg.Publisher,
		clock:     clock,
		logger:    logger,
		metrics:   cfg.Metrics,
		signal:    make(chan struct{}, 1),
	}, nil
}

// Run checks once immediately, then on every tick or poke until ctx is done.
func (w *BadgeWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.checkAndLog(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkAndLog(ctx, true)
		case <-w.signal:
			w.checkAndLog(ctx, false)
		}
	}
}

// Poke requests a recount without a remote refresh. Pokes arriving while one is pending collapse.
func (w *BadgeWatcher) Poke() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Check optionally runs a refresh cycle, counts unseen notifications and publishes the count when it
// differs from the last published one. A failed refresh still publishes the cached count.
func (w *BadgeWatcher) Check(ctx context.Context, refresh bool) (Badge, error) {
	if refresh {
		if _, err := w.inbox.RefreshDetached(ctx); err != nil {
			if ctx.Err() != nil {
				return Badge{}, ctx.Err()
			}
			w.logger.Warn("badge refresh failed", zap.String("owner_id", w.inbox.OwnerID()), zap.Error(err))
		}
	}
	unseen, err := w.inbox.UnseenCount(ctx)
	if err != nil {
		return Badge{}, err
	}
	badge := Badge{UserID: w.inbox.OwnerID(), Unseen: unseen, At: w.clock().UTC()}

	w.mu.Lock()
	changed := !w.published || w.current.Unseen != unseen
	w.current = badge
	w.published = true
	w.mu.Unlock()

	if changed && w.publisher != nil {
		w.publisher.PublishBadge(badge)
		w.metrics.BadgeUpdated()
	}
	return badge, nil
}

// Current returns the last computed badge.
func (w *BadgeWatcher) Current() (Badge, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.published
}

func (w *BadgeWatcher) checkAndLog(ctx context.Context, refresh bool) {
	if _, err := w.Check(ctx, refresh); err != nil && ctx.Err() == nil {
		w.logger.Warn("badge check failed", zap.String("owner_id", w.inbox.OwnerID()), zap.Error(err))
	}
}
