package accounts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidPubkey indicates the value is neither a valid hex public key nor an npub.
var ErrInvalidPubkey = errors.New("accounts: invalid pubkey")

// ServiceConfig describes the dependencies required for account bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service registers accounts and persists their notification seen boundary.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("accounts: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Register normalizes raw into a hex pubkey and creates the account when it has not been seen before.
func (s *Service) Register(ctx context.Context, raw string) (string, error) {
	pubkey, err := ParsePubkey(raw)
	if err != nil {
		return "", err
	}
	if _, ok := s.known.Load(pubkey); ok {
		return pubkey, nil
	}

	account := Account{Pubkey: pubkey}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&account).Error; err != nil {
		return "", err
	}
	s.known.Store(pubkey, struct{}{})
	return pubkey, nil
}

// LoadBoundary returns the stored seen boundary. Accounts that never saw a notification report false.
func (s *Service) LoadBoundary(ctx context.Context, pubkey string) (int64, bool, error) {
	var account Account
	err := s.db.WithContext(ctx).
		Where("pubkey = ?", pubkey).
		Take(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if account.LastSeenNotificationAt <= 0 {
		return 0, false, nil
	}
	return account.LastSeenNotificationAt, true, nil
}

// SaveBoundary raises the stored boundary to seenAt, never lowering it, and returns the stored value.
func (s *Service) SaveBoundary(ctx context.Context, pubkey string, seenAt int64) (int64, error) {
	var stored Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account := Account{Pubkey: pubkey, LastSeenNotificationAt: seenAt}
		upsert := clause.OnConflict{
			Columns: []clause.Column{{Name: "pubkey"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_seen_notification_at": gorm.Expr("MAX(accounts.last_seen_notification_at, excluded.last_seen_notification_at)"),
				"updated_at":                s.now().UTC(),
			}),
		}
		if err := tx.Clauses(upsert).Create(&account).Error; err != nil {
			return err
		}
		return tx.Where("pubkey = ?", pubkey).Take(&stored).Error
	})
	if err != nil {
		return 0, err
	}
	s.known.Store(pubkey, struct{}{})
	return stored.LastSeenNotificationAt, nil
}
