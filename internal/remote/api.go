package remote

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/MarcoPoloResearchLab/feedsync/internal/normalizer"
)

// Cache server verbs.
const (
	VerbFeedDirective        = "feed_directive_2"
	VerbGetNotifications     = "get_notifications"
	VerbGetNotificationsSeen = "get_notifications_seen"
	VerbSetNotificationsSeen = "set_notifications_seen"
)

// FeedRequestBody selects one page of a feed directive. Nil bounds are omitted from the request.
type FeedRequestBody struct {
	Directive  string `json:"directive"`
	UserPubkey string `json:"user_pubkey"`
	Limit      int    `json:"limit"`
	Since      *int64 `json:"since,omitempty"`
	Until      *int64 `json:"until,omitempty"`
}

// NotificationsRequestBody selects one page of a user's notifications.
type NotificationsRequestBody struct {
	Pubkey     string `json:"pubkey"`
	UserPubkey string `json:"user_pubkey"`
	Limit      int    `json:"limit"`
	Since      *int64 `json:"since,omitempty"`
	Until      *int64 `json:"until,omitempty"`
}

type seenRequestBody struct {
	Pubkey    string `json:"pubkey"`
	SeenUntil *int64 `json:"seen_until,omitempty"`
}

// GetFeed fetches one page of a feed directive.
func (c *Client) GetFeed(ctx context.Context, body FeedRequestBody) (events.Response, error) {
	return c.Query(ctx, VerbFeedDirective, body)
}

// GetNotifications fetches one page of notifications.
func (c *Client) GetNotifications(ctx context.Context, body NotificationsRequestBody) (events.Response, error) {
	return c.Query(ctx, VerbGetNotifications, body)
}

// GetLastSeenTimestamp returns the seen boundary the server holds for pubkey. The boolean is false
// when the server has none.
func (c *Client) GetLastSeenTimestamp(ctx context.Context, pubkey string) (int64, bool, error) {
	response, err := c.Query(ctx, VerbGetNotificationsSeen, seenRequestBody{Pubkey: pubkey})
	if err != nil {
		return 0, false, err
	}
	seenUntil, ok := normalizer.AsNotificationsSeenUntil(response.PrimalEvents)
	return seenUntil, ok, nil
}

// SetLastSeenTimestamp pushes a new seen boundary for pubkey.
func (c *Client) SetLastSeenTimestamp(ctx context.Context, pubkey string, seenAt int64) error {
	if _, err := c.Query(ctx, VerbSetNotificationsSeen, seenRequestBody{Pubkey: pubkey, SeenUntil: &seenAt}); err != nil {
		return fmt.Errorf("remote: set seen boundary: %w", err)
	}
	return nil
}
