package mediator

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/feedsync/internal/normalizer"
	"go.uber.org/zap"
)

// mergeStep writes one table's rows inside the unit and reports the row count.
type mergeStep struct {
	table string
	rows  int
	write func(*cache.UnitOfWork) error
}

// recordSteps lists the record writes shared by feed and notification merges. Records come before any
// row that references them.
func recordSteps(batch *normalizer.Batch) []mergeStep {
	posts := batch.AllPosts()
	return []mergeStep{
		{table: "profiles", rows: len(batch.Profiles), write: func(unit *cache.UnitOfWork) error { return unit.UpsertProfiles(batch.Profiles) }},
		{table: "posts", rows: len(posts), write: func(unit *cache.UnitOfWork) error { return unit.UpsertPosts(posts) }},
		{table: "reposts", rows: len(batch.Reposts), write: func(unit *cache.UnitOfWork) error { return unit.UpsertReposts(batch.Reposts) }},
		{table: "note_stats", rows: len(batch.NoteStats), write: func(unit *cache.UnitOfWork) error { return unit.UpsertNoteStats(batch.NoteStats) }},
		{table: "note_user_stats", rows: len(batch.NoteUserStats), write: func(unit *cache.UnitOfWork) error { return unit.UpsertNoteUserStats(batch.NoteUserStats) }},
		{table: "profile_stats", rows: len(batch.ProfileStats), write: func(unit *cache.UnitOfWork) error { return unit.UpsertProfileStats(batch.ProfileStats) }},
		{table: "media_resources", rows: len(batch.MediaResources), write: func(unit *cache.UnitOfWork) error { return unit.UpsertMediaResources(batch.MediaResources) }},
	}
}

// commitSteps runs every step in one unit of work. Nothing is visible unless all steps succeed and
// the context is still live at commit time.
func commitSteps(ctx context.Context, store *cache.Store, steps []mergeStep) error {
	unit, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer unit.Rollback() //nolint:errcheck

	for _, step := range steps {
		if err := step.write(unit); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return unit.Commit()
}

func reportMerged(recorder *metrics.Recorder, steps []mergeStep) {
	for _, step := range steps {
		recorder.AddMerged(step.table, step.rows)
	}
}

func reportDropped(recorder *metrics.Recorder, batch *normalizer.Batch) {
	recorder.AddDropped("malformed", batch.Dropped)
	recorder.AddDropped("unrouted", batch.Unrouted)
}

// cycle carries the bookkeeping shared by one load of either mediator.
type cycle struct {
	source    string
	direction Direction
	started   time.Time
	logger    *zap.Logger
	recorder  *metrics.Recorder
}

func (c cycle) finish(ctx context.Context, result Result, err error, clock func() time.Time) {
	elapsed := clock().Sub(c.started)
	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil && ctx.Err() != nil:
		outcome = metrics.OutcomeCancelled
	case err != nil:
		outcome = metrics.OutcomeError
	case result.EndOfPaginationReached:
		outcome = metrics.OutcomeEnd
	}
	c.recorder.ObserveLoad(c.source, c.direction.String(), outcome, elapsed)

	fields := []zap.Field{
		zap.String("source", c.source),
		zap.String("direction", c.direction.String()),
		zap.String("outcome", outcome),
		zap.Int("appended", result.Appended),
		zap.Duration("elapsed", elapsed),
	}
	if err != nil && outcome == metrics.OutcomeError {
		c.logger.Warn("load cycle failed", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Debug("load cycle finished", fields...)
}
