package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/nbd-wtf/go-nostr"
	"gorm.io/datatypes"
)

type noteStatsContent struct {
	EventID    string `json:"event_id"`
	Likes      int64  `json:"likes"`
	Replies    int64  `json:"replies"`
	Mentions   int64  `json:"mentions"`
	Reposts    int64  `json:"reposts"`
	Zaps       int64  `json:"zaps"`
	SatsZapped int64  `json:"satszapped"`
	Score      int64  `json:"score"`
	Score24h   int64  `json:"score24h"`
}

type noteUserStatsContent struct {
	EventID  string `json:"event_id"`
	Liked    bool   `json:"liked"`
	Replied  bool   `json:"replied"`
	Reposted bool   `json:"reposted"`
	Zapped   bool   `json:"zapped"`
}

type profileStatsContent struct {
	Pubkey         string `json:"pubkey"`
	FollowsCount   int64  `json:"follows_count"`
	FollowersCount int64  `json:"followers_count"`
	NoteCount      int64  `json:"note_count"`
}

type mediaMappingContent struct {
	EventID   string `json:"event_id"`
	Resources []struct {
		URL      string          `json:"url"`
		MimeType string          `json:"mt"`
		Variants json.RawMessage `json:"variants"`
	} `json:"resources"`
}

// AsNoteStats decodes aggregate counters per note.
func AsNoteStats(group []nostr.Event) []cache.NoteStats {
	rows := make([]cache.NoteStats, 0, len(group))
	for _, event := range group {
		var content noteStatsContent
		if !decodeContent(event, &content) || content.EventID == "" {
			continue
		}
		rows = append(rows, cache.NoteStats{
			PostID:     content.EventID,
			Likes:      content.Likes,
			Replies:    content.Replies,
			Mentions:   content.Mentions,
			Reposts:    content.Reposts,
			Zaps:       content.Zaps,
			SatsZapped: content.SatsZapped,
			Score:      content.Score,
			Score24h:   content.Score24h,
		})
	}
	return rows
}

// AsNoteUserStats decodes the viewer's interaction flags per note. Without a viewer nothing is kept.
func AsNoteUserStats(group []nostr.Event, userID string) []cache.NoteUserStats {
	if userID == "" {
		return nil
	}
	rows := make([]cache.NoteUserStats, 0, len(group))
	for _, event := range group {
		var content noteUserStatsContent
		if !decodeContent(event, &content) || content.EventID == "" {
			continue
		}
		rows = append(rows, cache.NoteUserStats{
			PostID:   content.EventID,
			UserID:   userID,
			Liked:    content.Liked,
			Replied:  content.Replied,
			Reposted: content.Reposted,
			Zapped:   content.Zapped,
		})
	}
	return rows
}

// AsProfileStats decodes follower and note counters per profile.
func AsProfileStats(group []nostr.Event) []cache.ProfileStats {
	rows := make([]cache.ProfileStats, 0, len(group))
	for _, event := range group {
		var content profileStatsContent
		if !decodeContent(event, &content) || content.Pubkey == "" {
			continue
		}
		rows = append(rows, cache.ProfileStats{
			ProfileID: content.Pubkey,
			Following: content.FollowsCount,
			Followers: content.FollowersCount,
			Notes:     content.NoteCount,
		})
	}
	return rows
}

// AsMediaResources flattens media mappings into one row per (event, url).
func AsMediaResources(group []nostr.Event) []cache.MediaResource {
	rows := make([]cache.MediaResource, 0, len(group))
	for _, event := range group {
		var content mediaMappingContent
		if !decodeContent(event, &content) || content.EventID == "" {
			continue
		}
		for _, resource := range content.Resources {
			if resource.URL == "" {
				continue
			}
			variants := datatypes.JSON("[]")
			if len(resource.Variants) > 0 && string(resource.Variants) != "null" {
				variants = datatypes.JSON(resource.Variants)
			}
			rows = append(rows, cache.MediaResource{
				EventID:  content.EventID,
				URL:      resource.URL,
				MimeType: resource.MimeType,
				Variants: variants,
			})
		}
	}
	return rows
}

// AsNotifications decodes aggregator notifications. The owner comes from the content pubkey and the
// acting user and post from the fields named by the type's layout. Unknown types are skipped.
func AsNotifications(group []nostr.Event) []cache.Notification {
	rows := make([]cache.Notification, 0, len(group))
	for _, event := range group {
		notification, ok := asNotification(event)
		if !ok {
			continue
		}
		rows = append(rows, notification)
	}
	return rows
}

// AsNotificationsSeenUntil returns the newest seen-until timestamp carried by the group.
func AsNotificationsSeenUntil(group []nostr.Event) (int64, bool) {
	var newest int64
	found := false
	for _, event := range group {
		value, err := strconv.ParseInt(strings.TrimSpace(event.Content), 10, 64)
		if err != nil || value < 0 {
			continue
		}
		if !found || value > newest {
			newest = value
			found = true
		}
	}
	return newest, found
}

// AsPaging returns the last well-formed paging descriptor in the group.
func AsPaging(group []nostr.Event) (events.PagingInfo, bool) {
	var paging events.PagingInfo
	found := false
	for _, event := range group {
		var content events.PagingInfo
		if !decodeContent(event, &content) {
			continue
		}
		paging = content
		found = true
	}
	return paging, found
}

func processNoteStats(batch *Batch, group []nostr.Event) int {
	rows := AsNoteStats(group)
	batch.NoteStats = append(batch.NoteStats, rows...)
	return len(group) - len(rows)
}

func processNoteUserStats(batch *Batch, group []nostr.Event) int {
	rows := AsNoteUserStats(group, batch.UserID)
	batch.NoteUserStats = append(batch.NoteUserStats, rows...)
	return len(group) - len(rows)
}

func processProfileStats(batch *Batch, group []nostr.Event) int {
	rows := AsProfileStats(group)
	batch.ProfileStats = append(batch.ProfileStats, rows...)
	return len(group) - len(rows)
}

func processMediaResources(batch *Batch, group []nostr.Event) int {
	dropped := 0
	for _, event := range group {
		rows := AsMediaResources([]nostr.Event{event})
		if len(rows) == 0 {
			dropped++
			continue
		}
		batch.MediaResources = append(batch.MediaResources, rows...)
	}
	return dropped
}

func processNotifications(batch *Batch, group []nostr.Event) int {
	rows := AsNotifications(group)
	batch.Notifications = append(batch.Notifications, rows...)
	return len(group) - len(rows)
}

func processSeenUntil(batch *Batch, group []nostr.Event) int {
	value, ok := AsNotificationsSeenUntil(group)
	if !ok {
		return len(group)
	}
	if batch.SeenUntil == nil || value > *batch.SeenUntil {
		batch.SeenUntil = &value
	}
	return 0
}

func processPaging(batch *Batch, group []nostr.Event) int {
	paging, ok := AsPaging(group)
	if !ok {
		return len(group)
	}
	batch.Paging = &paging
	return 0
}

func asNotification(event nostr.Event) (cache.Notification, bool) {
	var fields map[string]json.RawMessage
	if !decodeContent(event, &fields) {
		return cache.Notification{}, false
	}

	var rawType int
	if !decodeField(fields, "type", &rawType) {
		return cache.Notification{}, false
	}
	notificationType, layout, ok := events.LookupNotificationType(rawType)
	if !ok {
		return cache.Notification{}, false
	}

	var ownerID string
	if !decodeField(fields, "pubkey", &ownerID) || ownerID == "" {
		return cache.Notification{}, false
	}

	createdAt := int64(event.CreatedAt)
	var contentCreatedAt int64
	if decodeField(fields, "created_at", &contentCreatedAt) && contentCreatedAt > 0 {
		createdAt = contentCreatedAt
	}
	if createdAt <= 0 {
		return cache.Notification{}, false
	}

	notification := cache.Notification{
		OwnerID:      ownerID,
		CreatedAt:    createdAt,
		Type:         notificationType,
		ActionUserID: optionalField(fields, layout.ActionUser),
		ActionPostID: optionalField(fields, layout.ActionPost),
	}
	var sats int64
	if decodeField(fields, "satszapped", &sats) {
		notification.SatsZapped = sats
	}
	return notification, true
}

func decodeContent(event nostr.Event, target any) bool {
	content := strings.TrimSpace(event.Content)
	if content == "" {
		return false
	}
	return json.Unmarshal([]byte(content), target) == nil
}

func decodeField(fields map[string]json.RawMessage, name string, target any) bool {
	raw, ok := fields[name]
	if !ok {
		return false
	}
	return json.Unmarshal(raw, target) == nil
}

func optionalField(fields map[string]json.RawMessage, name string) *string {
	if name == "" {
		return nil
	}
	var value string
	if !decodeField(fields, name, &value) || value == "" {
		return nil
	}
	return &value
}
