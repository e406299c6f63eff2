package paging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/mediator"
	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"go.uber.org/zap"
)

// ErrMissingDirective indicates an empty feed directive.
var ErrMissingDirective = errors.New("paging: feed directive is required")

// FeedCatalogConfig describes the dependencies shared by every feed of one user.
type FeedCatalogConfig struct {
	UserID   string
	Store    *cache.Store
	API      mediator.FeedAPI
	PageSize int
	Retry    RetryPolicy
	Clock    func() time.Time
	Logger   *zap.Logger
	Metrics  *metrics.Recorder
}

// FeedCatalog owns one pager per feed directive viewed by a user.
type FeedCatalog struct {
	cfg    FeedCatalogConfig
	logger *zap.Logger

	mu     sync.Mutex
	pagers map[string]*Pager[cache.FeedPost]
}

// NewFeedCatalog validates the configuration and returns an empty catalog.
func NewFeedCatalog(cfg FeedCatalogConfig) (*FeedCatalog, error) {
	if cfg.Store == nil || cfg.API == nil {
		return nil, mediator.ErrInvalidConfig
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedCatalog{
		cfg:    cfg,
		logger: logger,
		pagers: make(map[string]*Pager[cache.FeedPost]),
	}, nil
}

// Feed returns the pager for directive, creating it on first use.
func (c *FeedCatalog) Feed(directive string) (*Pager[cache.FeedPost], error) {
	directive = strings.TrimSpace(directive)
	if directive == "" {
		return nil, ErrMissingDirective
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pager, ok := c.pagers[directive]; ok {
		return pager, nil
	}

	feed, err := mediator.NewFeedMediator(mediator.FeedConfig{
		Directive: directive,
		UserID:    c.cfg.UserID,
		PageSize:  c.cfg.PageSize,
		Store:     c.cfg.Store,
		API:       c.cfg.API,
		Clock:     c.cfg.Clock,
		Logger:    c.logger,
		Metrics:   c.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	store := c.cfg.Store
	userID := c.cfg.UserID
	pager, err := NewPager(PagerConfig[cache.FeedPost]{
		Loader: feed,
		Query: func(ctx context.Context, before *cache.Cursor, limit int) ([]cache.FeedPost, error) {
			return store.FeedPage(ctx, cache.FeedPageQuery{
				Directive: directive,
				UserID:    userID,
				Before:    before,
				Limit:     limit,
			})
		},
		Cursor:   cache.FeedCursor,
		PageSize: c.cfg.PageSize,
		Retry:    c.cfg.Retry,
		Logger:   c.logger.With(zap.String("directive", directive)),
	})
	if err != nil {
		return nil, err
	}
	c.pagers[directive] = pager
	return pager, nil
}

// Directives lists the directives opened so far, sorted.
func (c *FeedCatalog) Directives() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	directives := make([]string, 0, len(c.pagers))
	for directive := range c.pagers {
		directives = append(directives, directive)
	}
	sort.Strings(directives)
	return directives
}
