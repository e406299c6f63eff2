package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StoreConfig describes the dependencies of the cache store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the local relational cache of normalized records.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, ErrMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Begin opens a unit of work bound to ctx. A context canceled before Commit rolls the unit back.
func (s *Store) Begin(ctx context.Context) (*UnitOfWork, error) {
	if s == nil || s.db == nil {
		s.logError(opBegin, reasonMissingDatabase, ErrMissingDatabase)
		return nil, newServiceError(opBegin, reasonMissingDatabase, ErrMissingDatabase)
	}
	if err := ctx.Err(); err != nil {
		return nil, newServiceError(opBegin, reasonCanceled, err)
	}

	transaction := s.db.WithContext(ctx).Begin()
	if transaction.Error != nil {
		s.logError(opBegin, reasonBeginFailed, transaction.Error)
		return nil, newServiceError(opBegin, reasonBeginFailed, transaction.Error)
	}

	return &UnitOfWork{
		ctx:   ctx,
		tx:    transaction,
		store: s,
	}, nil
}

// RunTransaction executes block inside a unit of work, committing only when block succeeds
// and ctx is still live.
func (s *Store) RunTransaction(ctx context.Context, block func(*UnitOfWork) error) error {
	unit, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	defer unit.Rollback() //nolint:errcheck

	if err := block(unit); err != nil {
		return err
	}
	return unit.Commit()
}
