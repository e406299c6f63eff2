package normalizer

import (
	"testing"

	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/nbd-wtf/go-nostr"
)

func TestNormalizeDropsUnknownKindsAndKeepsPosts(t *testing.T) {
	var response events.Response
	response.Add(nostr.Event{ID: "note-1", PubKey: "author", CreatedAt: 100, Kind: 1, Content: "hello"})
	response.Add(nostr.Event{ID: "mystery", PubKey: "author", CreatedAt: 101, Kind: 9999, Content: "?"})
	response.Add(nostr.Event{ID: "note-2", PubKey: "author", CreatedAt: 102, Kind: 1, Content: "world"})

	batch := Normalize(response, Options{UserID: "viewer"})

	if len(batch.Posts) != 2 {
		t.Fatalf("expected 2 posts, got %d", len(batch.Posts))
	}
	if batch.Unrouted != 1 {
		t.Fatalf("expected one unrouted event, got %d", batch.Unrouted)
	}
	if batch.Dropped != 0 {
		t.Fatalf("expected no dropped events, got %d", batch.Dropped)
	}
}

func TestNormalizeSkipsMalformedEventsWithoutAbortingBatch(t *testing.T) {
	var response events.Response
	response.Add(nostr.Event{ID: "", PubKey: "author", Kind: 1})
	response.Add(nostr.Event{ID: "note-1", PubKey: "author", Kind: 1, CreatedAt: 5})
	response.Add(nostr.Event{ID: "meta", PubKey: "author", Kind: 0, Content: "not json"})
	response.Add(nostr.Event{Kind: int(events.KindPrimalEventStats), Content: "{broken"})
	response.Add(nostr.Event{Kind: int(events.KindPrimalEventStats), Content: `{"event_id":"note-1","likes":3}`})

	batch := Normalize(response, Options{})

	if len(batch.Posts) != 1 || batch.Posts[0].PostID != "note-1" {
		t.Fatalf("expected the valid post to survive, got %+v", batch.Posts)
	}
	if len(batch.NoteStats) != 1 || batch.NoteStats[0].Likes != 3 {
		t.Fatalf("expected the valid stats row to survive, got %+v", batch.NoteStats)
	}
	if batch.Dropped != 3 {
		t.Fatalf("expected 3 dropped events, got %d", batch.Dropped)
	}
}

func TestRouteFallsBackToNoOp(t *testing.T) {
	processor, ok := Route(events.KindUnknown)
	if ok {
		t.Fatalf("expected no processor for unknown kinds")
	}
	batch := Batch{}
	if dropped := processor(&batch, []nostr.Event{{Kind: 9999}}); dropped != 0 {
		t.Fatalf("no-op processor must not count drops, got %d", dropped)
	}
	if len(batch.Posts) != 0 {
		t.Fatalf("no-op processor must not produce rows")
	}
}

func TestPartitionEventsPreservesOrder(t *testing.T) {
	partitions := PartitionEvents([]nostr.Event{
		{ID: "a", Kind: 6},
		{ID: "b", Kind: 1},
		{ID: "c", Kind: 6},
		{ID: "d", Kind: 424242},
	})
	if len(partitions) != 3 {
		t.Fatalf("expected 3 partitions, got %d", len(partitions))
	}
	if partitions[0].Kind != events.KindRepost || len(partitions[0].Events) != 2 || partitions[0].Events[1].ID != "c" {
		t.Fatalf("unexpected first partition %+v", partitions[0])
	}
	if partitions[2].Kind != events.KindUnknown {
		t.Fatalf("expected unknown kinds grouped last, got %v", partitions[2].Kind)
	}
}

func TestAsPostsExtractsHashtagsAndReplyTarget(t *testing.T) {
	posts := AsPosts([]nostr.Event{{
		ID:        "reply-note",
		PubKey:    "author",
		CreatedAt: 10,
		Kind:      1,
		Content:   "#go is fun",
		Tags: nostr.Tags{
			{"e", "root-note", "", "root"},
			{"e", "parent-note", "", "reply"},
			{"e", "quoted-note", "", "mention"},
			{"p", "parent-author"},
			{"t", "go"},
			{"t", "go"},
			{"t", "nostr"},
		},
	}})
	if len(posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(posts))
	}
	post := posts[0]
	if post.ReplyToPostID == nil || *post.ReplyToPostID != "parent-note" {
		t.Fatalf("expected reply marker to win, got %v", post.ReplyToPostID)
	}
	if post.ReplyToAuthorID == nil || *post.ReplyToAuthorID != "parent-author" {
		t.Fatalf("expected reply author from first p tag, got %v", post.ReplyToAuthorID)
	}
	if len(post.Hashtags) != 2 || post.Hashtags[0] != "go" || post.Hashtags[1] != "nostr" {
		t.Fatalf("unexpected hashtags %v", post.Hashtags)
	}
	if post.Raw == "" {
		t.Fatalf("expected raw payload to be kept")
	}
}

func TestAsPostsUsesLastPositionalETag(t *testing.T) {
	posts := AsPosts([]nostr.Event{{
		ID:     "note",
		PubKey: "author",
		Kind:   1,
		Tags:   nostr.Tags{{"e", "first"}, {"e", "last"}},
	}})
	if posts[0].ReplyToPostID == nil || *posts[0].ReplyToPostID != "last" {
		t.Fatalf("expected the last positional e tag, got %v", posts[0].ReplyToPostID)
	}
	if posts[0].ReplyToAuthorID != nil {
		t.Fatalf("expected no reply author without p tags")
	}

	plain := AsPosts([]nostr.Event{{ID: "plain", PubKey: "author", Kind: 1}})
	if plain[0].ReplyToPostID != nil {
		t.Fatalf("expected no reply target for a root note")
	}
}

func TestRepostsLinkEmbeddedNote(t *testing.T) {
	embedded := nostr.Event{ID: "original", PubKey: "original-author", CreatedAt: 50, Kind: 1, Content: "original"}
	var response events.Response
	response.Add(nostr.Event{
		ID:        "repost-1",
		PubKey:    "reposter",
		CreatedAt: 60,
		Kind:      6,
		Content:   embedded.String(),
		Tags:      nostr.Tags{{"e", "original"}, {"p", "original-author"}},
	})
	response.Add(nostr.Event{ID: "repost-2", PubKey: "reposter", Kind: 6})

	batch := Normalize(response, Options{})

	if len(batch.Reposts) != 1 || batch.Reposts[0].PostID != "original" {
		t.Fatalf("expected one repost pointing at the original, got %+v", batch.Reposts)
	}
	if len(batch.ReferencedPosts) != 1 || batch.ReferencedPosts[0].PostID != "original" {
		t.Fatalf("expected the embedded note to be kept, got %+v", batch.ReferencedPosts)
	}
	entries := batch.FeedEntries()
	if len(entries) != 1 || entries[0].PostID != "original" || entries[0].EnteredAt != 60 {
		t.Fatalf("expected the reposted note to enter the feed at the repost time, got %+v", entries)
	}
	if batch.Dropped != 1 {
		t.Fatalf("expected the repost without e tag to be dropped, got %d", batch.Dropped)
	}
}

func TestAsNotificationsUsesTypeLayout(t *testing.T) {
	notifications := AsNotifications([]nostr.Event{
		{Kind: int(events.KindPrimalNotification), Content: `{"pubkey":"owner","created_at":1000,"type":3,"who_zapped_it":"zapper","your_post":"note-1","satszapped":2100}`},
		{Kind: int(events.KindPrimalNotification), Content: `{"pubkey":"owner","created_at":1001,"type":1,"follower":"fan"}`},
		{Kind: int(events.KindPrimalNotification), Content: `{"pubkey":"owner","created_at":1002,"type":77}`},
		{Kind: int(events.KindPrimalNotification), Content: `{"created_at":1003,"type":1}`},
	})
	if len(notifications) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(notifications))
	}
	zap := notifications[0]
	if zap.Type != events.NotificationYourPostWasZapped || zap.SatsZapped != 2100 {
		t.Fatalf("unexpected zap notification %+v", zap)
	}
	if zap.ActionUserID == nil || *zap.ActionUserID != "zapper" || zap.ActionPostID == nil || *zap.ActionPostID != "note-1" {
		t.Fatalf("expected action fields from the layout, got %+v", zap)
	}
	follow := notifications[1]
	if follow.ActionPostID != nil || follow.ActionUserID == nil || *follow.ActionUserID != "fan" {
		t.Fatalf("unexpected follow notification %+v", follow)
	}
	if follow.SeenLocallyAt != nil {
		t.Fatalf("normalizer must not classify seen state")
	}
}

func TestAggregatorContentConversions(t *testing.T) {
	var response events.Response
	response.Add(nostr.Event{Kind: int(events.KindPrimalEventUserStats), Content: `{"event_id":"note-1","liked":true,"zapped":true}`})
	response.Add(nostr.Event{Kind: int(events.KindPrimalUserProfileStats), Content: `{"pubkey":"author","follows_count":3,"followers_count":40,"note_count":7}`})
	response.Add(nostr.Event{Kind: int(events.KindPrimalMediaMapping), Content: `{"event_id":"note-1","resources":[{"url":"https://m/1.jpg","mt":"image/jpeg","variants":[{"s":"small"}]},{"url":"https://m/2.mp4","mt":"video/mp4"}]}`})
	response.Add(nostr.Event{Kind: int(events.KindPrimalNotificationsSeenUntil), Content: "1700000000"})
	response.Add(nostr.Event{Kind: int(events.KindPrimalPaging), Content: `{"since":10,"until":20,"order":"desc"}`})
	response.Add(nostr.Event{ID: "meta", PubKey: "author", CreatedAt: 9, Kind: 0, Content: `{"name":"alice","display_name":"Alice","nip05":"alice@example.com","lud16":"alice@ln.example"}`})

	batch := Normalize(response, Options{UserID: "viewer"})

	if len(batch.NoteUserStats) != 1 || !batch.NoteUserStats[0].Liked || batch.NoteUserStats[0].UserID != "viewer" {
		t.Fatalf("unexpected user stats %+v", batch.NoteUserStats)
	}
	if len(batch.ProfileStats) != 1 || batch.ProfileStats[0].Followers != 40 {
		t.Fatalf("unexpected profile stats %+v", batch.ProfileStats)
	}
	if len(batch.MediaResources) != 2 || string(batch.MediaResources[1].Variants) != "[]" {
		t.Fatalf("unexpected media resources %+v", batch.MediaResources)
	}
	if batch.SeenUntil == nil || *batch.SeenUntil != 1700000000 {
		t.Fatalf("unexpected seen until %v", batch.SeenUntil)
	}
	if batch.Paging == nil || batch.Paging.Until != 20 || batch.Paging.Order != "desc" {
		t.Fatalf("unexpected paging %+v", batch.Paging)
	}
	if len(batch.Profiles) != 1 || batch.Profiles[0].InternetIdentifier != "alice@example.com" || batch.Profiles[0].LightningAddress != "alice@ln.example" {
		t.Fatalf("unexpected profiles %+v", batch.Profiles)
	}
}

func TestNoteUserStatsRequireViewer(t *testing.T) {
	rows := AsNoteUserStats([]nostr.Event{{Content: `{"event_id":"note-1","liked":true}`}}, "")
	if len(rows) != 0 {
		t.Fatalf("expected no rows without a viewer, got %d", len(rows))
	}
}
