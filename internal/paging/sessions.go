package paging

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/mediator"
	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/feedsync/internal/seen"
	"go.uber.org/zap"
)

var (
	// ErrMissingUser indicates an empty user pubkey.
	ErrMissingUser = errors.New("paging: user pubkey is required")
	// ErrSessionsClosed indicates use of a registry after Close.
	ErrSessionsClosed = errors.New("paging: sessions closed")
)

// AccountRegistry validates a user key and records the account; it returns the canonical pubkey.
type AccountRegistry interface {
	Register(ctx context.Context, raw string) (string, error)
}

// SessionsConfig describes the dependencies shared by every user session.
type SessionsConfig struct {
	Store         *cache.Store
	FeedAPI       mediator.FeedAPI
	InboxAPI      mediator.NotificationsAPI
	RemoteSeen    seen.RemoteBoundary
	Boundaries    seen.BoundaryStore
	Accounts      AccountRegistry
	PageSize      int
	Retry         RetryPolicy
	Debounce      time.Duration
	BadgeInterval time.Duration
	Badges        BadgePublisher
	Clock         func() time.Time
	Logger        *zap.Logger
	Metrics       *metrics.Recorder
}

// Session groups the paged views of one user.
type Session struct {
	UserID  string
	Feeds   *FeedCatalog
	Inbox   *NotificationInbox
	Badges  *BadgeWatcher
	tracker *seen.Tracker
}

// Sessions creates user sessions on first use and keeps them until Close.
type Sessions struct {
	cfg    SessionsConfig
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
}

// NewSessions validates the configuration and returns an empty registry.
func NewSessions(cfg SessionsConfig) (*Sessions, error) {
	if cfg.Store == nil || cfg.FeedAPI == nil || cfg.InboxAPI == nil {
		return nil, mediator.ErrInvalidConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sessions{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}, nil
}

// Get returns the session for the user, creating it and starting its badge watcher on first use.
func (s *Sessions) Get(ctx context.Context, rawPubkey string) (*Session, error) {
	userID, err := s.resolve(ctx, rawPubkey)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionsClosed
	}
	if session, ok := s.sessions[userID]; ok {
		return session, nil
	}
	session, err := s.open(userID)
	if err != nil {
		return nil, err
	}
	s.sessions[userID] = session
	if s.cfg.Badges != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.Badges.Run(s.ctx)
		}()
	}
	s.logger.Info("session opened", zap.String("user_id", userID))
	return session, nil
}

// Close stops every badge watcher and flushes pending seen signals.
func (s *Sessions) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	for _, session := range sessions {
		session.tracker.Close()
	}
}

func (s *Sessions) resolve(ctx context.Context, rawPubkey string) (string, error) {
	trimmed := strings.TrimSpace(rawPubkey)
	if trimmed == "" {
		return "", ErrMissingUser
	}
	if s.cfg.Accounts == nil {
		return trimmed, nil
	}
	return s.cfg.Accounts.Register(ctx, trimmed)
}

func (s *Sessions) open(userID string) (*Session, error) {
	logger := s.logger.With(zap.String("user_id", userID))
	session := &Session{UserID: userID}

	tracker, err := seen.NewTracker(seen.TrackerConfig{
		UserID:   userID,
		Store:    s.cfg.Boundaries,
		Remote:   s.cfg.RemoteSeen,
		Debounce: s.cfg.Debounce,
		Clock:    s.cfg.Clock,
		Logger:   logger,
		OnAdvance: func(string, int64) {
			if session.Badges != nil {
				session.Badges.Poke()
			}
		},
	})
	if err != nil {
		return nil, err
	}

	feeds, err := NewFeedCatalog(FeedCatalogConfig{
		UserID:   userID,
		Store:    s.cfg.Store,
		API:      s.cfg.FeedAPI,
		PageSize: s.cfg.PageSize,
		Retry:    s.cfg.Retry,
		Clock:    s.cfg.Clock,
		Logger:   logger,
		Metrics:  s.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	inbox, err := NewNotificationInbox(InboxConfig{
		OwnerID:  userID,
		Store:    s.cfg.Store,
		API:      s.cfg.InboxAPI,
		Tracker:  tracker,
		PageSize: s.cfg.PageSize,
		Retry:    s.cfg.Retry,
		Clock:    s.cfg.Clock,
		Logger:   logger,
		Metrics:  s.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	badges, err := NewBadgeWatcher(BadgeWatcherConfig{
		Inbox:     inbox,
		Interval:  s.cfg.BadgeInterval,
		Publisher: s.cfg.Badges,
		Clock:     s.cfg.Clock,
		Logger:    logger,
		Metrics:   s.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	session.Feeds = feeds
	session.Inbox = inbox
	session.Badges = badges
	session.tracker = tracker
	return session, nil
}
