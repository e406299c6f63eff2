// Package normalizer turns events returned by the cache server into cache rows.
// Every conversion is total: malformed events are counted and skipped, never returned as errors.
package normalizer

import (
	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/nbd-wtf/go-nostr"
)

// Options carries the request context the conversions need.
type Options struct {
	// UserID is the viewer whose per-note interaction flags are attached to NoteUserStats rows.
	UserID string
}

// Batch holds the rows produced from one response, grouped by destination table.
type Batch struct {
	UserID          string
	Posts           []cache.Post
	ReferencedPosts []cache.Post
	Reposts         []cache.Repost
	Profiles        []cache.Profile
	NoteStats       []cache.NoteStats
	NoteUserStats   []cache.NoteUserStats
	ProfileStats    []cache.ProfileStats
	MediaResources  []cache.MediaResource
	Notifications   []cache.Notification
	SeenUntil       *int64
	Paging          *events.PagingInfo
	// Dropped counts malformed events of a known kind.
	Dropped int
	// Unrouted counts events whose kind has no processor.
	Unrouted int
}

// FeedEntries lists every post a feed directive should reference with the time it entered the feed:
// posts at their creation time and reposted posts at the repost time.
func (b *Batch) FeedEntries() []cache.FeedEntry {
	entries := make([]cache.FeedEntry, 0, len(b.Posts)+len(b.Reposts))
	for _, post := range b.Posts {
		entries = append(entries, cache.FeedEntry{PostID: post.PostID, EnteredAt: post.CreatedAt})
	}
	for _, repost := range b.Reposts {
		entries = append(entries, cache.FeedEntry{PostID: repost.PostID, EnteredAt: repost.CreatedAt})
	}
	return entries
}

// AllPosts returns feed posts followed by referenced posts.
func (b *Batch) AllPosts() []cache.Post {
	posts := make([]cache.Post, 0, len(b.Posts)+len(b.ReferencedPosts))
	posts = append(posts, b.Posts...)
	posts = append(posts, b.ReferencedPosts...)
	return posts
}

// Processor converts the events of one kind into rows on the batch and returns how many it dropped.
type Processor func(batch *Batch, group []nostr.Event) int

// Partition is the set of events sharing one classified kind.
type Partition struct {
	Kind   events.Kind
	Events []nostr.Event
}

var processors = map[events.Kind]Processor{
	events.KindMetadata:                     processProfiles,
	events.KindShortTextNote:                processPosts,
	events.KindRepost:                       processReposts,
	events.KindPrimalEventStats:             processNoteStats,
	events.KindPrimalEventUserStats:         processNoteUserStats,
	events.KindPrimalUserProfileStats:       processProfileStats,
	events.KindPrimalReferencedEvent:        processReferencedPosts,
	events.KindPrimalMediaMapping:           processMediaResources,
	events.KindPrimalNotification:           processNotifications,
	events.KindPrimalNotificationsSeenUntil: processSeenUntil,
	events.KindPrimalPaging:                 processPaging,
}

// Route returns the processor registered for kind, or a no-op that keeps nothing.
func Route(kind events.Kind) (Processor, bool) {
	if processor, ok := processors[kind]; ok {
		return processor, true
	}
	return skip, false
}

func skip(*Batch, []nostr.Event) int {
	return 0
}

// PartitionEvents groups events by classified kind, preserving first-appearance order of kinds
// and the relative order of events within a kind.
func PartitionEvents(all []nostr.Event) []Partition {
	positions := make(map[events.Kind]int)
	partitions := make([]Partition, 0)
	for _, event := range all {
		kind := events.Classify(event.Kind)
		position, ok := positions[kind]
		if !ok {
			position = len(partitions)
			positions[kind] = position
			partitions = append(partitions, Partition{Kind: kind})
		}
		partitions[position].Events = append(partitions[position].Events, event)
	}
	return partitions
}

// Normalize converts a full response into a batch.
func Normalize(response events.Response, options Options) Batch {
	batch := Batch{UserID: options.UserID}
	for _, partition := range PartitionEvents(response.All()) {
		processor, ok := Route(partition.Kind)
		if !ok {
			batch.Unrouted += len(partition.Events)
			continue
		}
		batch.Dropped += processor(&batch, partition.Events)
	}
	return batch
}
