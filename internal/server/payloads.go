package server

import (
	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
)

type feedPostPayload struct {
	PostID            string   `json:"post_id"`
	AuthorID          string   `json:"author_id"`
	CreatedAt         int64    `json:"created_at"`
	Content           string   `json:"content"`
	Raw               string   `json:"raw"`
	Hashtags          []string `json:"hashtags"`
	ReplyToPostID     *string  `json:"reply_to_post_id,omitempty"`
	ReplyToAuthorID   *string  `json:"reply_to_author_id,omitempty"`
	AuthorName        *string  `json:"author_name,omitempty"`
	AuthorDisplayName *string  `json:"author_display_name,omitempty"`
	AuthorPicture     *string  `json:"author_picture,omitempty"`
	Stats             struct {
		Likes      int64 `json:"likes"`
		Replies    int64 `json:"replies"`
		Reposts    int64 `json:"reposts"`
		Zaps       int64 `json:"zaps"`
		SatsZapped int64 `json:"sats_zapped"`
	} `json:"stats"`
	UserStats struct {
		Liked    bool `json:"liked"`
		Replied  bool `json:"replied"`
		Reposted bool `json:"reposted"`
		Zapped   bool `json:"zapped"`
	} `json:"user_stats"`
}

func newFeedPostPayload(post cache.FeedPost) feedPostPayload {
	hashtags := []string(post.Hashtags)
	if hashtags == nil {
		hashtags = []string{}
	}
	payload := feedPostPayload{
		PostID:            post.PostID,
		AuthorID:          post.AuthorID,
		CreatedAt:         post.CreatedAt,
		Content:           post.Content,
		Raw:               post.Raw,
		Hashtags:          hashtags,
		ReplyToPostID:     post.ReplyToPostID,
		ReplyToAuthorID:   post.ReplyToAuthorID,
		AuthorName:        post.AuthorName,
		AuthorDisplayName: post.AuthorDisplayName,
		AuthorPicture:     post.AuthorPicture,
	}
	payload.Stats.Likes = post.Likes
	payload.Stats.Replies = post.Replies
	payload.Stats.Reposts = post.Reposts
	payload.Stats.Zaps = post.Zaps
	payload.Stats.SatsZapped = post.SatsZapped
	payload.UserStats.Liked = post.UserLiked
	payload.UserStats.Replied = post.UserReplied
	payload.UserStats.Reposted = post.UserReposted
	payload.UserStats.Zapped = post.UserZapped
	return payload
}

type notificationPayload struct {
	CreatedAt      int64   `json:"created_at"`
	Type           string  `json:"type"`
	ActionUserID   *string `json:"action_user_id,omitempty"`
	ActionPostID   *string `json:"action_post_id,omitempty"`
	SatsZapped     int64   `json:"sats_zapped"`
	SeenLocallyAt  *int64  `json:"seen_locally_at,omitempty"`
	SeenGloballyAt *int64  `json:"seen_globally_at,omitempty"`
}

type notificationGroupPayload struct {
	Type          string                `json:"type"`
	Notifications []notificationPayload `json:"notifications"`
}

func newNotificationPayloads(notifications []cache.Notification) []notificationPayload {
	payload := make([]notificationPayload, 0, len(notifications))
	for _, notification := range notifications {
		payload = append(payload, notificationPayload{
			CreatedAt:      notification.CreatedAt,
			Type:           notification.Type.String(),
			ActionUserID:   notification.ActionUserID,
			ActionPostID:   notification.ActionPostID,
			SatsZapped:     notification.SatsZapped,
			SeenLocallyAt:  notification.SeenLocallyAt,
			SeenGloballyAt: notification.SeenGloballyAt,
		})
	}
	return payload
}

func newNotificationGroupPayload(group []cache.Notification) notificationGroupPayload {
	payload := notificationGroupPayload{Notifications: newNotificationPayloads(group)}
	if len(group) > 0 {
		payload.Type = group[0].Type.String()
	}
	return payload
}
