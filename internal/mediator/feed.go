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

const (
	sourceFeed      = "feed"
	defaultPageSize = 50
)

// FeedAPI fetches one page of a feed directive.
type FeedAPI interface {
	GetFeed(ctx context.Context, body remote.FeedRequestBody) (events.Response, error)
}

// FeedConfig describes the dependencies of a FeedMediator.
type FeedConfig struct {
	Directive string
	UserID    string
	PageSize  int
	Store     *cache.Store
	API       FeedAPI
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
}

// FeedMediator loads pages of one feed directive into the cache.
type FeedMediator struct {
	directive string
	userID    string
	pageSize  int
	store     *cache.Store
	api       FeedAPI
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Recorder
}

// NewFeedMediator validates the configuration and returns a mediator for one directive.
func NewFeedMediator(cfg FeedConfig) (*FeedMediator, error) {
	if cfg.Directive == "" {
		return nil, fmt.Errorf("%w: directive is required", ErrInvalidConfig)
	}
	if cfg.Store == nil || cfg.API == nil {
		return nil, fmt.Errorf("%w: store and api are required", ErrInvalidConfig)
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
	return &FeedMediator{
		directive: cfg.Directive,
		userID:    cfg.UserID,
		pageSize:  pageSize,
		store:     cfg.Store,
		api:       cfg.API,
		clock:     clock,
		logger:    logger.With(zap.String("directive", cfg.Directive)),
		metrics:   cfg.Metrics,
	}, nil
}

// Directive returns the feed directive this mediator serves.
func (m *FeedMediator) Directive() string {
	return m.directive
}

// Initialize asks for an initial refresh only when nothing is cached for the directive.
func (m *FeedMediator) Initialize(ctx context.Context) (InitializeAction, error) {
	count, err := m.store.CountFeed(ctx, m.directive)
	if err != nil {
		return SkipInitialRefresh, err
	}
	if count == 0 {
		return LaunchInitialRefresh, nil
	}
	return SkipInitialRefresh, nil
}

// Load runs one fetch-and-merge cycle in direction.
func (m *FeedMediator) Load(ctx context.Context, direction Direction, window Window) (result Result, err error) {
	run := cycle{source: sourceFeed, direction: direction, started: m.clock(), logger: m.logger, recorder: m.metrics}
	defer func() { run.finish(ctx, result, err, m.clock) }()

	cursor, ok, err := resolveCursor(ctx, direction, window,
		func(ctx context.Context) (int64, bool, error) { return m.store.QueryOldestFeedTimestamp(ctx, m.directive) },
		func(ctx context.Context) (int64, bool, error) { return m.store.QueryNewestFeedTimestamp(ctx, m.directive) },
	)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{EndOfPaginationReached: true}, nil
	}

	since, until := requestBounds(direction, cursor, m.clock().Unix())
	response, err := m.api.GetFeed(ctx, remote.FeedRequestBody{
		Directive:  m.directive,
		UserPubkey: m.userID,
		Limit:      m.pageSize,
		Since:      since,
		Until:      until,
	})
	if err != nil {
		return Result{}, transportError(ctx, err)
	}

	batch := normalizer.Normalize(response, normalizer.Options{UserID: m.userID})
	reportDropped(m.metrics, &batch)

	entries := batch.FeedEntries()
	steps := append(recordSteps(&batch), mergeStep{
		table: "feed_post_refs",
		rows:  len(entries),
		write: func(unit *cache.UnitOfWork) error { return unit.ConnectFeed(m.directive, entries) },
	})
	if err := commitSteps(ctx, m.store, steps); err != nil {
		return Result{}, err
	}
	reportMerged(m.metrics, steps)

	fresh := freshCount(direction, cursor, entryTimes(entries))
	return Result{
		Appended:               fresh,
		EndOfPaginationReached: direction != Refresh && fresh == 0,
	}, nil
}

func entryTimes(entries []cache.FeedEntry) []int64 {
	times := make([]int64, 0, len(entries))
	for _, entry := range entries {
		times = append(times, entry.EnteredAt)
	}
	return times
}
