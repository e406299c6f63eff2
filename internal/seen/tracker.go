// Package seen tracks the per-user notification seen boundary and classifies notifications against it.
package seen

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// ErrMissingUser indicates that a tracker was constructed without a user id.
var ErrMissingUser = errors.New("seen: user id is required")

// BoundaryStore persists the seen boundary. SaveBoundary must never lower a stored value and returns
// the boundary in effect after the write.
type BoundaryStore interface {
	LoadBoundary(ctx context.Context, userID string) (int64, bool, error)
	SaveBoundary(ctx context.Context, userID string, seenAt int64) (int64, error)
}

// RemoteBoundary reads and writes the boundary held by the cache server.
type RemoteBoundary interface {
	GetLastSeenTimestamp(ctx context.Context, pubkey string) (int64, bool, error)
	SetLastSeenTimestamp(ctx context.Context, pubkey string, seenAt int64) error
}

// TrackerConfig describes the dependencies of a Tracker.
type TrackerConfig struct {
	UserID   string
	Store    BoundaryStore
	Remote   RemoteBoundary
	Debounce time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
	// OnAdvance observes every boundary increase.
	OnAdvance func(userID string, seenAt int64)
}

// Tracker holds one user's seen boundary for the session. The boundary only moves forward.
type Tracker struct {
	userID    string
	store     BoundaryStore
	remote    RemoteBoundary
	debounce  time.Duration
	clock     func() time.Time
	logger    *zap.Logger
	onAdvance func(string, int64)

	mu       sync.Mutex
	lastSeen int64
	loaded   bool
	timer    *time.Timer
	closed   bool
	flushing sync.WaitGroup
}

// NewTracker validates the configuration and returns a Tracker with an empty boundary.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.UserID == "" {
		return nil, ErrMissingUser
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		userID:    cfg.UserID,
		store:     cfg.Store,
		remote:    cfg.Remote,
		debounce:  debounce,
		clock:     clock,
		logger:    logger,
		onAdvance: cfg.OnAdvance,
	}, nil
}

// UserID returns the user the tracker belongs to.
func (t *Tracker) UserID() string {
	return t.userID
}

// LastSeen returns the current boundary in unix seconds; zero means nothing has been seen.
func (t *Tracker) LastSeen() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeen
}

// Ensure loads the boundary on first need: the local store first, then the cache server. A loaded
// value is kept for the rest of the session.
func (t *Tracker) Ensure(ctx context.Context) (int64, error) {
	t.mu.Lock()
	if t.loaded {
		lastSeen := t.lastSeen
		t.mu.Unlock()
		return lastSeen, nil
	}
	t.mu.Unlock()

	if t.store != nil {
		stored, ok, err := t.store.LoadBoundary(ctx, t.userID)
		if err != nil {
			t.logger.Warn("seen boundary load failed", zap.String("user_id", t.userID), zap.Error(err))
		} else if ok {
			return t.markLoaded(stored), nil
		}
	}

	if t.remote == nil {
		return t.markLoaded(0), nil
	}
	remote, ok, err := t.remote.GetLastSeenTimestamp(ctx, t.userID)
	if err != nil {
		return t.LastSeen(), err
	}
	if !ok {
		return t.markLoaded(0), nil
	}
	if t.store != nil {
		if _, err := t.store.SaveBoundary(ctx, t.userID, remote); err != nil {
			t.logger.Warn("seen boundary save failed", zap.String("user_id", t.userID), zap.Error(err))
		}
	}
	return t.markLoaded(remote), nil
}

// Advance raises the boundary to seenAt and persists it locally. Lower values are ignored.
func (t *Tracker) Advance(ctx context.Context, seenAt int64) (int64, error) {
	t.mu.Lock()
	if seenAt <= t.lastSeen {
		current := t.lastSeen
		t.mu.Unlock()
		return current, nil
	}
	t.lastSeen = seenAt
	t.loaded = true
	t.mu.Unlock()

	if t.onAdvance != nil {
		t.onAdvance(t.userID, seenAt)
	}
	if t.store == nil {
		return seenAt, nil
	}
	effective, err := t.store.SaveBoundary(ctx, t.userID, seenAt)
	if err != nil {
		return seenAt, err
	}
	if effective > seenAt {
		t.raise(effective)
		return effective, nil
	}
	return seenAt, nil
}

// Annotate stamps notifications created at or before the boundary with it and leaves the rest unseen.
// It returns a new slice; the input is not modified.
func (t *Tracker) Annotate(notifications []cache.Notification) []cache.Notification {
	return AnnotateAt(notifications, t.LastSeen())
}

// AnnotateAt classifies notifications against an explicit boundary.
func AnnotateAt(notifications []cache.Notification, lastSeen int64) []cache.Notification {
	annotated := make([]cache.Notification, len(notifications))
	for index, notification := range notifications {
		notification.SeenLocallyAt = nil
		if lastSeen > 0 && notification.CreatedAt <= lastSeen {
			seenAt := lastSeen
			notification.SeenLocallyAt = &seenAt
		}
		annotated[index] = notification
	}
	return annotated
}

// SignalSeen records a user-visible "seen" signal. Signals arriving within the debounce window
// collapse into one flush.
func (t *Tracker) SignalSeen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.timer != nil {
		t.timer.Reset(t.debounce)
		return
	}
	t.timer = time.AfterFunc(t.debounce, t.flushFromTimer)
}

// Flush advances the boundary to the clock's now and pushes it to the cache server.
func (t *Tracker) Flush(ctx context.Context) (int64, error) {
	seenAt := t.clock().Unix()
	boundary, err := t.Advance(ctx, seenAt)
	if err != nil {
		t.logger.Warn("seen boundary persist failed", zap.String("user_id", t.userID), zap.Error(err))
	}
	if t.remote != nil {
		if remoteErr := t.remote.SetLastSeenTimestamp(ctx, t.userID, boundary); remoteErr != nil {
			return boundary, remoteErr
		}
	}
	return boundary, err
}

// Close stops a pending debounce and waits for a running flush.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.flushing.Wait()
}

func (t *Tracker) flushFromTimer() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.flushing.Add(1)
	t.mu.Unlock()
	defer t.flushing.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := t.Flush(ctx); err != nil {
		t.logger.Warn("debounced seen flush failed", zap.String("user_id", t.userID), zap.Error(err))
	}
}

func (t *Tracker) markLoaded(value int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if value > t.lastSeen {
		t.lastSeen = value
	}
	t.loaded = true
	return t.lastSeen
}

func (t *Tracker) raise(value int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if value > t.lastSeen {
		t.lastSeen = value
	}
}
