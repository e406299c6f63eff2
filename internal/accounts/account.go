package accounts

import (
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

const npubPrefix = "npub"

// Account stores per-user sync state kept next to the cache.
type Account struct {
	Pubkey                 string    `gorm:"column:pubkey;primaryKey;size:64;not null"`
	LastSeenNotificationAt int64     `gorm:"column:last_seen_notification_at;not null;default:0"`
	CreatedAt              time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt              time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing accounts.
func (Account) TableName() string {
	return "accounts"
}

// ParsePubkey accepts a hex public key or an npub and returns the lowercase hex form.
func ParsePubkey(raw string) (string, error) {
	value := normalize(raw)
	if value == "" {
		return "", ErrInvalidPubkey
	}
	if strings.HasPrefix(value, npubPrefix) {
		prefix, decoded, err := nip19.Decode(value)
		if err != nil || prefix != npubPrefix {
			return "", ErrInvalidPubkey
		}
		hex, ok := decoded.(string)
		if !ok {
			return "", ErrInvalidPubkey
		}
		value = hex
	}
	value = strings.ToLower(value)
	if !nostr.IsValidPublicKey(value) {
		return "", ErrInvalidPubkey
	}
	return value, nil
}

// Npub renders a hex public key in bech32 form.
func Npub(pubkey string) (string, error) {
	return nip19.EncodePublicKey(pubkey)
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
