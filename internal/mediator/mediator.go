// Package mediator runs fetch-and-merge cycles between the cache server and the local cache.
package mediator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Direction selects which side of the cached window a load extends.
type Direction int

const (
	// Refresh fetches the latest page without a cursor.
	Refresh Direction = iota
	// Prepend fetches items newer than the newest known item.
	Prepend
	// Append fetches items older than the oldest known item.
	Append
)

var directionNames = map[Direction]string{
	Refresh: "refresh",
	Prepend: "prepend",
	Append:  "append",
}

func (d Direction) String() string {
	if name, ok := directionNames[d]; ok {
		return name
	}
	return "unknown"
}

// ParseDirection maps a case-insensitive direction name to a Direction.
func ParseDirection(raw string) (Direction, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	for direction, name := range directionNames {
		if name == value {
			return direction, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, raw)
}

// InitializeAction tells the paging layer whether to run a refresh before serving cached pages.
type InitializeAction int

const (
	SkipInitialRefresh InitializeAction = iota
	LaunchInitialRefresh
)

func (a InitializeAction) String() string {
	if a == LaunchInitialRefresh {
		return "launch_initial_refresh"
	}
	return "skip_initial_refresh"
}

// Window carries the oldest and newest timestamps of the caller's current result set.
// Either bound may be absent, in which case the cache supplies it.
type Window struct {
	Oldest *int64
	Newest *int64
}

// Result reports the outcome of one load cycle.
type Result struct {
	// Appended counts items of the page beyond the cursor that were committed.
	Appended               int
	EndOfPaginationReached bool
}

var (
	// ErrTransport wraps every failure of the remote fetch.
	ErrTransport = errors.New("mediator: transport failure")
	// ErrInvalidDirection reports an unrecognized direction name.
	ErrInvalidDirection = errors.New("mediator: invalid direction")
	// ErrInvalidConfig reports a mediator constructed without its collaborators.
	ErrInvalidConfig = errors.New("mediator: invalid configuration")
)

type boundFunc func(ctx context.Context) (int64, bool, error)

// resolveCursor returns the anchor timestamp for direction. The boolean is false when prepend or
// append has nothing to anchor to; refresh always yields a nil cursor.
func resolveCursor(ctx context.Context, direction Direction, window Window, oldest, newest boundFunc) (*int64, bool, error) {
	var (
		known *int64
		bound boundFunc
	)
	switch direction {
	case Refresh:
		return nil, true, nil
	case Prepend:
		known, bound = window.Newest, newest
	case Append:
		known, bound = window.Oldest, oldest
	default:
		return nil, false, fmt.Errorf("%w: %d", ErrInvalidDirection, int(direction))
	}
	if known != nil {
		cursor := *known
		return &cursor, true, nil
	}
	value, ok, err := bound(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return &value, true, nil
}

// requestBounds converts a cursor into since/until request bounds.
func requestBounds(direction Direction, cursor *int64, now int64) (since, until *int64) {
	switch direction {
	case Prepend:
		upper := now
		return cursor, &upper
	case Append:
		return nil, cursor
	default:
		return nil, nil
	}
}

// freshCount counts timestamps strictly beyond the cursor in the load direction. The cache server
// treats bounds inclusively, so the anchor item itself comes back on every incremental page.
func freshCount(direction Direction, cursor *int64, timestamps []int64) int {
	if cursor == nil {
		return len(timestamps)
	}
	count := 0
	for _, timestamp := range timestamps {
		switch direction {
		case Prepend:
			if timestamp > *cursor {
				count++
			}
		case Append:
			if timestamp < *cursor {
				count++
			}
		default:
			count++
		}
	}
	return count
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}
