package seen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type memoryStore struct {
	mu     sync.Mutex
	values map[string]int64
	loads  int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{values: make(map[string]int64)}
}

func (s *memoryStore) LoadBoundary(_ context.Context, userID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	value, ok := s.values[userID]
	return value, ok, nil
}

func (s *memoryStore) SaveBoundary(_ context.Context, userID string, seenAt int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seenAt > s.values[userID] {
		s.values[userID] = seenAt
	}
	return s.values[userID], nil
}

type stubRemote struct {
	mu      sync.Mutex
	value   int64
	found   bool
	err     error
	gets    int
	pushed  []int64
	pushErr error
}

func (r *stubRemote) GetLastSeenTimestamp(context.Context, string) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	return r.value, r.found, r.err
}

func (r *stubRemote) SetLastSeenTimestamp(_ context.Context, _ string, seenAt int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, seenAt)
	return r.pushErr
}

func (r *stubRemote) pushes() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.pushed...)
}

func TestEnsurePrefersLocalStoreAndCachesForSession(t *testing.T) {
	store := newMemoryStore()
	store.values["owner"] = 500
	remote := &stubRemote{value: 900, found: true}
	tracker := mustTracker(t, TrackerConfig{UserID: "owner", Store: store, Remote: remote})

	for attempt := 0; attempt < 3; attempt++ {
		value, err := tracker.Ensure(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(500), value)
	}
	require.Equal(t, 1, store.loads)
	require.Equal(t, 0, remote.gets)
}

func TestEnsureFallsBackToRemoteOnce(t *testing.T) {
	store := newMemoryStore()
	remote := &stubRemote{value: 900, found: true}
	tracker := mustTracker(t, TrackerConfig{UserID: "owner", Store: store, Remote: remote})

	value, err := tracker.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(900), value)
	_, err = tracker.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, remote.gets)
	require.Equal(t, int64(900), store.values["owner"])
}

func TestEnsureRetriesAfterRemoteFailure(t *testing.T) {
	remote := &stubRemote{err: errors.New("offline")}
	tracker := mustTracker(t, TrackerConfig{UserID: "owner", Remote: remote})

	_, err := tracker.Ensure(context.Background())
	require.Error(t, err)

	remote.err = nil
	remote.value, remote.found = 42, true
	value, err := tracker.Ensure(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(42), value)
	require.Equal(t, 2, remote.gets)
}

func TestAdvanceIsMonotonic(t *testing.T) {
	var observed []int64
	tracker := mustTracker(t, TrackerConfig{
		UserID: "owner",
		Store:  newMemoryStore(),
		OnAdvance: func(_ string, seenAt int64) {
			observed = append(observed, seenAt)
		},
	})

	value, err := tracker.Advance(context.Background(), 100)
	require.NoError(t, err)
	require.Equal(t, int64(100), value)

	value, err = tracker.Advance(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, int64(100), value)
	require.Equal(t, int64(100), tracker.LastSeen())
	require.Equal(t, []int64{100}, observed)
}

func TestAnnotateClassifiesAgainstBoundary(t *testing.T) {
	tracker := mustTracker(t, TrackerConfig{UserID: "owner"})
	_, err := tracker.Advance(context.Background(), 1000)
	require.NoError(t, err)

	input := []cache.Notification{
		{OwnerID: "owner", CreatedAt: 999},
		{OwnerID: "owner", CreatedAt: 1000},
		{OwnerID: "owner", CreatedAt: 1001},
	}
	annotated := tracker.Annotate(input)

	require.NotNil(t, annotated[0].SeenLocallyAt)
	require.Equal(t, int64(1000), *annotated[0].SeenLocallyAt)
	require.NotNil(t, annotated[1].SeenLocallyAt)
	require.Nil(t, annotated[2].SeenLocallyAt)
	require.Nil(t, input[0].SeenLocallyAt, "input must not be modified")
}

func TestSignalSeenDebouncesIntoOneFlush(t *testing.T) {
	remote := &stubRemote{}
	now := time.Unix(1_700_000_000, 0)
	tracker := mustTracker(t, TrackerConfig{
		UserID:   "owner",
		Remote:   remote,
		Store:    newMemoryStore(),
		Debounce: 30 * time.Millisecond,
		Clock:    func() time.Time { return now },
	})

	for signal := 0; signal < 5; signal++ {
		tracker.SignalSeen()
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(remote.pushes()) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, []int64{now.Unix()}, remote.pushes())
	require.Equal(t, now.Unix(), tracker.LastSeen())
}

func TestCloseCancelsPendingFlush(t *testing.T) {
	remote := &stubRemote{}
	tracker, err := NewTracker(TrackerConfig{UserID: "owner", Remote: remote, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)

	tracker.SignalSeen()
	tracker.Close()
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, remote.pushes())

	tracker.SignalSeen()
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, remote.pushes())
}

func TestNewTrackerRequiresUser(t *testing.T) {
	_, err := NewTracker(TrackerConfig{})
	require.ErrorIs(t, err, ErrMissingUser)
}

func TestGroupUnseenCollapsesReactionsByPost(t *testing.T) {
	postA, postB := "post-a", "post-b"
	notifications := []cache.Notification{
		{CreatedAt: 9, Type: events.NotificationYourPostWasLiked, ActionPostID: &postA},
		{CreatedAt: 8, Type: events.NotificationNewUserFollowedYou},
		{CreatedAt: 7, Type: events.NotificationYourPostWasLiked, ActionPostID: &postB},
		{CreatedAt: 6, Type: events.NotificationYourPostWasLiked, ActionPostID: &postA},
		{CreatedAt: 5, Type: events.NotificationNewUserFollowedYou},
		{CreatedAt: 4, Type: events.NotificationYourPostWasZapped, ActionPostID: &postA},
	}

	groups := GroupUnseen(notifications)

	require.Len(t, groups, 5)
	require.Len(t, groups[0], 2, "likes on post-a collapse")
	require.Equal(t, int64(9), groups[0][0].CreatedAt)
	require.Equal(t, int64(6), groups[0][1].CreatedAt)
	require.Len(t, groups[1], 1, "likes on post-b stand alone")
	require.Len(t, groups[2], 1, "follows never collapse")
	require.Len(t, groups[3], 1)
	require.Equal(t, events.NotificationYourPostWasZapped, groups[4][0].Type)
}

func TestRedisBoundaryStoreNeverLowersBoundary(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisBoundaryStore(client, "")
	ctx := context.Background()

	_, ok, err := store.LoadBoundary(ctx, "owner")
	require.NoError(t, err)
	require.False(t, ok)

	effective, err := store.SaveBoundary(ctx, "owner", 200)
	require.NoError(t, err)
	require.Equal(t, int64(200), effective)

	effective, err = store.SaveBoundary(ctx, "owner", 150)
	require.NoError(t, err)
	require.Equal(t, int64(200), effective)

	value, ok, err := store.LoadBoundary(ctx, "owner")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(200), value)
	require.True(t, server.Exists(defaultKeyPrefix+"owner"))
}

func TestTrackerAdoptsHigherBoundaryFromSharedStore(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisBoundaryStore(client, "test:")
	require.NoError(t, server.Set("test:owner", "5000"))

	tracker := mustTracker(t, TrackerConfig{UserID: "owner", Store: store})
	value, err := tracker.Advance(context.Background(), 4000)
	require.NoError(t, err)
	require.Equal(t, int64(5000), value)
	require.Equal(t, int64(5000), tracker.LastSeen())
}

func mustTracker(t *testing.T, cfg TrackerConfig) *Tracker {
	t.Helper()
	tracker, err := NewTracker(cfg)
	require.NoError(t, err)
	t.Cleanup(tracker.Close)
	return tracker
}
