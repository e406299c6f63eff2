// Package paging turns cached keyset queries into restartable paged reads that load more from the
// cache server on demand.
package paging

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/mediator"
	"go.uber.org/zap"
)

const defaultPageSize = 50

// ErrMissingLoader indicates that a pager was constructed without a loader or page query.
var ErrMissingLoader = errors.New("paging: loader and page query are required")

// Loader runs mediator cycles for one query.
type Loader interface {
	Initialize(ctx context.Context) (mediator.InitializeAction, error)
	Load(ctx context.Context, direction mediator.Direction, window mediator.Window) (mediator.Result, error)
}

// PageQuery reads up to limit cached items ordered strictly after before, newest first.
type PageQuery[T any] func(ctx context.Context, before *cache.Cursor, limit int) ([]T, error)

// Page is one slice of a paged query.
type Page[T any] struct {
	Items []T
	// Next is the cursor for the following page; nil when the page is empty.
	Next                   *cache.Cursor
	EndOfPaginationReached bool
}

// PagerConfig describes the dependencies of a Pager.
type PagerConfig[T any] struct {
	Loader Loader
	Query  PageQuery[T]
	// Cursor returns the keyset position of an item; its At also bounds append windows.
	Cursor   func(T) cache.Cursor
	PageSize int
	Retry    RetryPolicy
	Logger   *zap.Logger
}

// Pager serves cached pages and extends the cache through its Loader when a page runs short.
// Load cycles of one pager never overlap.
type Pager[T any] struct {
	loader   Loader
	query    PageQuery[T]
	cursor   func(T) cache.Cursor
	pageSize int
	retry    RetryPolicy
	logger   *zap.Logger

	mu          sync.Mutex
	initialized bool
}

// NewPager validates the configuration and returns a Pager.
func NewPager[T any](cfg PagerConfig[T]) (*Pager[T], error) {
	if cfg.Loader == nil || cfg.Query == nil || cfg.Cursor == nil {
		return nil, ErrMissingLoader
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager[T]{
		loader:   cfg.Loader,
		query:    cfg.Query,
		cursor:   cfg.Cursor,
		pageSize: pageSize,
		retry:    cfg.Retry,
		logger:   logger,
	}, nil
}

// Initialize runs the initial refresh once, when the loader asks for it.
func (p *Pager[T]) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return nil
	}
	action, err := p.loader.Initialize(ctx)
	if err != nil {
		return err
	}
	if action == mediator.LaunchInitialRefresh {
		if _, err := p.loadLocked(ctx, mediator.Refresh, mediator.Window{}); err != nil {
			return err
		}
	}
	p.initialized = true
	return nil
}

// Refresh reloads the newest page from the cache server.
func (p *Pager[T]) Refresh(ctx context.Context) (mediator.Result, error) {
	return p.load(ctx, mediator.Refresh, mediator.Window{})
}

// LoadNewer fetches items newer than newest, or newer than the newest cached item when newest is nil.
func (p *Pager[T]) LoadNewer(ctx context.Context, newest *int64) (mediator.Result, error) {
	return p.load(ctx, mediator.Prepend, mediator.Window{Newest: newest})
}

// LoadOlder fetches items older than oldest, or older than the oldest cached item when oldest is nil.
func (p *Pager[T]) LoadOlder(ctx context.Context, oldest *int64) (mediator.Result, error) {
	return p.load(ctx, mediator.Append, mediator.Window{Oldest: oldest})
}

// Load runs one cycle in direction with the window taken from the cache.
func (p *Pager[T]) Load(ctx context.Context, direction mediator.Direction) (mediator.Result, error) {
	return p.load(ctx, direction, mediator.Window{})
}

// Page returns up to limit items after the before cursor. A short cached page triggers one append
// cycle before the page is read again.
func (p *Pager[T]) Page(ctx context.Context, before *cache.Cursor, limit int) (Page[T], error) {
	if limit <= 0 {
		limit = p.pageSize
	}
	if err := p.Initialize(ctx); err != nil {
		return Page[T]{}, err
	}

	items, err := p.query(ctx, before, limit)
	if err != nil {
		return Page[T]{}, err
	}
	if len(items) >= limit {
		return p.page(items, false), nil
	}

	var window mediator.Window
	if len(items) > 0 {
		oldest := p.cursor(items[len(items)-1]).At
		window.Oldest = &oldest
	}
	result, err := p.load(ctx, mediator.Append, window)
	if err != nil {
		return Page[T]{}, err
	}
	items, err = p.query(ctx, before, limit)
	if err != nil {
		return Page[T]{}, err
	}
	return p.page(items, result.EndOfPaginationReached && len(items) < limit), nil
}

// All walks every page from the newest item until the end of pagination.
func (p *Pager[T]) All(ctx context.Context, limit int) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var before *cache.Cursor
		for {
			page, err := p.Page(ctx, before, limit)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			for _, item := range page.Items {
				if !yield(item, nil) {
					return
				}
			}
			if page.EndOfPaginationReached || page.Next == nil {
				return
			}
			before = page.Next
		}
	}
}

func (p *Pager[T]) page(items []T, end bool) Page[T] {
	page := Page[T]{Items: items, EndOfPaginationReached: end}
	if len(items) > 0 {
		next := p.cursor(items[len(items)-1])
		page.Next = &next
	}
	return page
}

func (p *Pager[T]) load(ctx context.Context, direction mediator.Direction, window mediator.Window) (mediator.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadLocked(ctx, direction, window)
}

func (p *Pager[T]) loadLocked(ctx context.Context, direction mediator.Direction, window mediator.Window) (mediator.Result, error) {
	var result mediator.Result
	err := p.retry.Do(ctx, func(ctx context.Context) error {
		var loadErr error
		result, loadErr = p.loader.Load(ctx, direction, window)
		if errors.Is(loadErr, mediator.ErrTransport) {
			p.logger.Info("load cycle hit a transport failure", zap.String("direction", direction.String()), zap.Error(loadErr))
		}
		return loadErr
	})
	return result, err
}
