package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/feedsync/internal/paging"
)

const (
	RealtimeEventBadge     = "badge"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "feedsync"
)

// BadgeDispatcher fans badge updates out to every stream a user has open. Slow subscribers miss
// updates instead of blocking the publisher.
type BadgeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*badgeSubscriber
	nextID      int64
	bufferSize  int
	metrics     *metrics.Recorder
}

type badgeSubscriber struct {
	id     int64
	stream chan paging.Badge
}

func NewBadgeDispatcher(recorder *metrics.Recorder) *BadgeDispatcher {
	return &BadgeDispatcher{
		subscribers: make(map[string]map[int64]*badgeSubscriber),
		bufferSize:  16,
		metrics:     recorder,
	}
}

// Subscribe registers a stream for userID until ctx is done or the returned cleanup runs.
func (d *BadgeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan paging.Badge, func()) {
	if userID == "" {
		ch := make(chan paging.Badge)
		close(ch)
		return ch, func() {}
	}
	subscriber := &badgeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan paging.Badge, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	d.metrics.SubscriberOpened()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
			d.metrics.SubscriberClosed()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishBadge delivers badge to the user's subscribers without blocking.
func (d *BadgeDispatcher) PublishBadge(badge paging.Badge) {
	if badge.UserID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[badge.UserID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*badgeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- badge:
		default:
		}
	}
}

// SubscriberCount reports how many streams userID has open.
func (d *BadgeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *BadgeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *BadgeDispatcher) registerSubscriber(userID string, subscriber *badgeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*badgeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *BadgeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
