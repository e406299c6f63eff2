package cache

import (
	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"gorm.io/datatypes"
)

// Post models a cached short text note.
type Post struct {
	PostID          string                      `gorm:"column:post_id;primaryKey;size:190;not null"`
	AuthorID        string                      `gorm:"column:author_id;size:190;not null;index:idx_posts_author"`
	CreatedAt       int64                       `gorm:"column:created_at;not null;autoCreateTime:false;index:idx_posts_created"`
	Raw             string                      `gorm:"column:raw;type:text;not null"`
	Content         string                      `gorm:"column:content;type:text;not null"`
	Hashtags        datatypes.JSONSlice[string] `gorm:"column:hashtags"`
	ReplyToPostID   *string                     `gorm:"column:reply_to_post_id;size:190"`
	ReplyToAuthorID *string                     `gorm:"column:reply_to_author_id;size:190"`
}

// TableName provides the explicit table binding for GORM.
func (Post) TableName() string {
	return "posts"
}

// Repost links a reposting author to the reposted note.
type Repost struct {
	RepostID  string `gorm:"column:repost_id;primaryKey;size:190;not null"`
	PostID    string `gorm:"column:post_id;size:190;not null;index:idx_reposts_post"`
	AuthorID  string `gorm:"column:author_id;size:190;not null"`
	CreatedAt int64  `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Repost) TableName() string {
	return "reposts"
}

// FeedPostRef associates a feed directive with a cached post. EnteredAt is when the post entered the
// feed: its own creation time, or the repost time when it arrived through a repost.
type FeedPostRef struct {
	FeedDirective string `gorm:"column:feed_directive;primaryKey;size:190;not null;index:idx_feed_post_refs_entered,priority:1"`
	PostID        string `gorm:"column:post_id;primaryKey;size:190;not null;index:idx_feed_post_refs_post"`
	EnteredAt     int64  `gorm:"column:entered_at;not null;default:0;index:idx_feed_post_refs_entered,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (FeedPostRef) TableName() string {
	return "feed_post_refs"
}

// Notification is keyed by owner, creation time and type; SeenLocallyAt is nil while unseen.
type Notification struct {
	OwnerID        string                  `gorm:"column:owner_id;primaryKey;size:190;not null"`
	CreatedAt      int64                   `gorm:"column:created_at;primaryKey;not null;autoCreateTime:false"`
	Type           events.NotificationType `gorm:"column:type;primaryKey;not null"`
	ActionUserID   *string                 `gorm:"column:action_user_id;size:190"`
	ActionPostID   *string                 `gorm:"column:action_post_id;size:190;index:idx_notifications_action_post"`
	SatsZapped     int64                   `gorm:"column:sats_zapped;not null;default:0"`
	SeenLocallyAt  *int64                  `gorm:"column:seen_locally_at;index:idx_notifications_seen"`
	SeenGloballyAt *int64                  `gorm:"column:seen_globally_at"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// NoteStats holds aggregate counters shared by every user.
type NoteStats struct {
	PostID     string `gorm:"column:post_id;primaryKey;size:190;not null"`
	Likes      int64  `gorm:"column:likes;not null;default:0"`
	Replies    int64  `gorm:"column:replies;not null;default:0"`
	Mentions   int64  `gorm:"column:mentions;not null;default:0"`
	Reposts    int64  `gorm:"column:reposts;not null;default:0"`
	Zaps       int64  `gorm:"column:zaps;not null;default:0"`
	SatsZapped int64  `gorm:"column:sats_zapped;not null;default:0"`
	Score      int64  `gorm:"column:score;not null;default:0"`
	Score24h   int64  `gorm:"column:score24h;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (NoteStats) TableName() string {
	return "note_stats"
}

// NoteUserStats holds the per-user interaction flags for a post.
type NoteUserStats struct {
	PostID   string `gorm:"column:post_id;primaryKey;size:190;not null"`
	UserID   string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_note_user_stats_user"`
	Liked    bool   `gorm:"column:liked;not null;default:false"`
	Replied  bool   `gorm:"column:replied;not null;default:false"`
	Reposted bool   `gorm:"column:reposted;not null;default:false"`
	Zapped   bool   `gorm:"column:zapped;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (NoteUserStats) TableName() string {
	return "note_user_stats"
}

// Profile caches the newest metadata event per author.
type Profile struct {
	OwnerID            string `gorm:"column:owner_id;primaryKey;size:190;not null"`
	EventID            string `gorm:"column:event_id;size:190;not null"`
	CreatedAt          int64  `gorm:"column:created_at;not null;autoCreateTime:false"`
	Raw                string `gorm:"column:raw;type:text;not null"`
	Name               string `gorm:"column:name;size:320"`
	DisplayName        string `gorm:"column:display_name;size:320"`
	Picture            string `gorm:"column:picture;size:1024"`
	About              string `gorm:"column:about;type:text"`
	InternetIdentifier string `gorm:"column:internet_identifier;size:320"`
	LightningAddress   string `gorm:"column:lightning_address;size:320"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string {
	return "profiles"
}

// ProfileStats holds follower and note counters for a profile.
type ProfileStats struct {
	ProfileID string `gorm:"column:profile_id;primaryKey;size:190;not null"`
	Following int64  `gorm:"column:following;not null;default:0"`
	Followers int64  `gorm:"column:followers;not null;default:0"`
	Notes     int64  `gorm:"column:notes;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (ProfileStats) TableName() string {
	return "profile_stats"
}

// MediaResource maps a media URL referenced by an event to its variants.
type MediaResource struct {
	EventID  string         `gorm:"column:event_id;primaryKey;size:190;not null"`
	URL      string         `gorm:"column:url;primaryKey;size:1024;not null"`
	MimeType string         `gorm:"column:mime_type;size:190"`
	Variants datatypes.JSON `gorm:"column:variants"`
}

// TableName provides the explicit table binding for GORM.
func (MediaResource) TableName() string {
	return "media_resources"
}

// Models lists every table owned by the cache for schema migration.
func Models() []any {
	return []any{
		&Post{},
		&Repost{},
		&FeedPostRef{},
		&Notification{},
		&NoteStats{},
		&NoteUserStats{},
		&Profile{},
		&ProfileStats{},
		&MediaResource{},
	}
}

// FeedPost is the joined read model returned by feed page queries.
type FeedPost struct {
	PostID            string                      `gorm:"column:post_id"`
	AuthorID          string                      `gorm:"column:author_id"`
	CreatedAt         int64                       `gorm:"column:created_at"`
	EnteredAt         int64                       `gorm:"column:entered_at"`
	Content           string                      `gorm:"column:content"`
	Raw               string                      `gorm:"column:raw"`
	Hashtags          datatypes.JSONSlice[string] `gorm:"column:hashtags"`
	ReplyToPostID     *string                     `gorm:"column:reply_to_post_id"`
	ReplyToAuthorID   *string                     `gorm:"column:reply_to_author_id"`
	AuthorName        *string                     `gorm:"column:author_name"`
	AuthorDisplayName *string                     `gorm:"column:author_display_name"`
	AuthorPicture     *string                     `gorm:"column:author_picture"`
	Likes             int64                       `gorm:"column:likes"`
	Replies           int64                       `gorm:"column:replies"`
	Reposts           int64                       `gorm:"column:reposts"`
	Zaps              int64                       `gorm:"column:zaps"`
	SatsZapped        int64                       `gorm:"column:sats_zapped"`
	UserLiked         bool                        `gorm:"column:user_liked"`
	UserReplied       bool                        `gorm:"column:user_replied"`
	UserReposted      bool                        `gorm:"column:user_reposted"`
	UserZapped        bool                        `gorm:"column:user_zapped"`
}
