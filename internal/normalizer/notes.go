package normalizer

import (
	"encoding/json"
	"strings"

	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/nbd-wtf/go-nostr"
)

const (
	tagEvent   = "e"
	tagPubkey  = "p"
	tagHashtag = "t"

	markerReply   = "reply"
	markerRoot    = "root"
	markerMention = "mention"
)

// AsPosts converts short text notes into posts. Events missing an id or author are skipped.
func AsPosts(group []nostr.Event) []cache.Post {
	posts := make([]cache.Post, 0, len(group))
	for _, event := range group {
		post, ok := asPost(event)
		if !ok {
			continue
		}
		posts = append(posts, post)
	}
	return posts
}

// AsReferencedPosts decodes notes embedded in aggregator referenced-event wrappers.
func AsReferencedPosts(group []nostr.Event) []cache.Post {
	posts := make([]cache.Post, 0, len(group))
	for _, wrapper := range group {
		embedded, ok := decodeEmbeddedEvent(wrapper.Content)
		if !ok || embedded.Kind != int(events.KindShortTextNote) {
			continue
		}
		post, ok := asPost(embedded)
		if !ok {
			continue
		}
		posts = append(posts, post)
	}
	return posts
}

// AsReposts converts repost events. The reposted note id comes from the first e tag.
func AsReposts(group []nostr.Event) []cache.Repost {
	reposts := make([]cache.Repost, 0, len(group))
	for _, event := range group {
		if event.ID == "" || event.PubKey == "" {
			continue
		}
		postID := firstTagValue(event.Tags, tagEvent)
		if postID == "" {
			continue
		}
		reposts = append(reposts, cache.Repost{
			RepostID:  event.ID,
			PostID:    postID,
			AuthorID:  event.PubKey,
			CreatedAt: int64(event.CreatedAt),
		})
	}
	return reposts
}

// AsRepostedPosts decodes the notes carried in repost contents.
func AsRepostedPosts(group []nostr.Event) []cache.Post {
	posts := make([]cache.Post, 0, len(group))
	for _, event := range group {
		embedded, ok := decodeEmbeddedEvent(event.Content)
		if !ok || embedded.Kind != int(events.KindShortTextNote) {
			continue
		}
		post, ok := asPost(embedded)
		if !ok {
			continue
		}
		posts = append(posts, post)
	}
	return posts
}

type profileContent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Picture     string `json:"picture"`
	About       string `json:"about"`
	Nip05       string `json:"nip05"`
	Lud16       string `json:"lud16"`
}

// AsProfiles converts metadata events. Content that is not a JSON object is skipped.
func AsProfiles(group []nostr.Event) []cache.Profile {
	profiles := make([]cache.Profile, 0, len(group))
	for _, event := range group {
		if event.ID == "" || event.PubKey == "" {
			continue
		}
		var content profileContent
		if err := json.Unmarshal([]byte(event.Content), &content); err != nil {
			continue
		}
		profiles = append(profiles, cache.Profile{
			OwnerID:            event.PubKey,
			EventID:            event.ID,
			CreatedAt:          int64(event.CreatedAt),
			Raw:                event.String(),
			Name:               content.Name,
			DisplayName:        content.DisplayName,
			Picture:            content.Picture,
			About:              content.About,
			InternetIdentifier: content.Nip05,
			LightningAddress:   content.Lud16,
		})
	}
	return profiles
}

func processPosts(batch *Batch, group []nostr.Event) int {
	posts := AsPosts(group)
	batch.Posts = append(batch.Posts, posts...)
	return len(group) - len(posts)
}

func processReferencedPosts(batch *Batch, group []nostr.Event) int {
	posts := AsReferencedPosts(group)
	batch.ReferencedPosts = append(batch.ReferencedPosts, posts...)
	return len(group) - len(posts)
}

func processReposts(batch *Batch, group []nostr.Event) int {
	reposts := AsReposts(group)
	batch.Reposts = append(batch.Reposts, reposts...)
	batch.ReferencedPosts = append(batch.ReferencedPosts, AsRepostedPosts(group)...)
	return len(group) - len(reposts)
}

func processProfiles(batch *Batch, group []nostr.Event) int {
	profiles := AsProfiles(group)
	batch.Profiles = append(batch.Profiles, profiles...)
	return len(group) - len(profiles)
}

func asPost(event nostr.Event) (cache.Post, bool) {
	if event.ID == "" || event.PubKey == "" {
		return cache.Post{}, false
	}
	replyToPostID, replyToAuthorID := replyTarget(event.Tags)
	return cache.Post{
		PostID:          event.ID,
		AuthorID:        event.PubKey,
		CreatedAt:       int64(event.CreatedAt),
		Raw:             event.String(),
		Content:         event.Content,
		Hashtags:        hashtags(event.Tags),
		ReplyToPostID:   replyToPostID,
		ReplyToAuthorID: replyToAuthorID,
	}, true
}

func decodeEmbeddedEvent(content string) (nostr.Event, bool) {
	if strings.TrimSpace(content) == "" {
		return nostr.Event{}, false
	}
	var embedded nostr.Event
	if err := json.Unmarshal([]byte(content), &embedded); err != nil {
		return nostr.Event{}, false
	}
	return embedded, true
}

func hashtags(tags nostr.Tags) []string {
	seen := make(map[string]struct{})
	result := make([]string, 0)
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != tagHashtag || tag[1] == "" {
			continue
		}
		if _, ok := seen[tag[1]]; ok {
			continue
		}
		seen[tag[1]] = struct{}{}
		result = append(result, tag[1])
	}
	return result
}

// replyTarget follows NIP-10: a "reply" marker wins, then a "root" marker, then the last unmarked e tag.
func replyTarget(tags nostr.Tags) (*string, *string) {
	var reply, root, positional string
	for _, tag := range tags {
		if len(tag) < 2 || tag[0] != tagEvent || tag[1] == "" {
			continue
		}
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case markerReply:
			reply = tag[1]
		case markerRoot:
			root = tag[1]
		case markerMention:
		default:
			positional = tag[1]
		}
	}

	target := reply
	if target == "" {
		target = root
	}
	if target == "" {
		target = positional
	}
	if target == "" {
		return nil, nil
	}

	var author *string
	if pubkey := firstTagValue(tags, tagPubkey); pubkey != "" {
		author = &pubkey
	}
	return &target, author
}

func firstTagValue(tags nostr.Tags, name string) string {
	for _, tag := range tags {
		if len(tag) >= 2 && tag[0] == name && tag[1] != "" {
			return tag[1]
		}
	}
	return ""
}
