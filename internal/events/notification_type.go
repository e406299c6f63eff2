package events

// NotificationType enumerates the notification categories produced by the cache server.
type NotificationType int

const (
	NotificationNewUserFollowedYou         NotificationType = 1
	NotificationUserUnfollowedYou          NotificationType = 2
	NotificationYourPostWasZapped          NotificationType = 3
	NotificationYourPostWasLiked           NotificationType = 4
	NotificationYourPostWasReposted        NotificationType = 5
	NotificationYourPostWasRepliedTo       NotificationType = 6
	NotificationYouWereMentionedInPost     NotificationType = 7
	NotificationYourPostWasMentionedInPost NotificationType = 8
)

// NotificationLayout names the content fields that carry the acting user and acted-upon post for a type.
type NotificationLayout struct {
	Name        string
	ActionUser  string
	ActionPost  string
	Collapsable bool
}

var notificationLayouts = map[NotificationType]NotificationLayout{
	NotificationNewUserFollowedYou: {
		Name:       "new_user_followed_you",
		ActionUser: "follower",
	},
	NotificationUserUnfollowedYou: {
		Name:       "user_unfollowed_you",
		ActionUser: "who_unfollowed_it",
	},
	NotificationYourPostWasZapped: {
		Name:        "your_post_was_zapped",
		ActionUser:  "who_zapped_it",
		ActionPost:  "your_post",
		Collapsable: true,
	},
	NotificationYourPostWasLiked: {
		Name:        "your_post_was_liked",
		ActionUser:  "who_liked_it",
		ActionPost:  "your_post",
		Collapsable: true,
	},
	NotificationYourPostWasReposted: {
		Name:        "your_post_was_reposted",
		ActionUser:  "who_reposted_it",
		ActionPost:  "your_post",
		Collapsable: true,
	},
	NotificationYourPostWasRepliedTo: {
		Name:        "your_post_was_replied_to",
		ActionUser:  "who_replied_to_it",
		ActionPost:  "your_post",
		Collapsable: true,
	},
	NotificationYouWereMentionedInPost: {
		Name:       "you_were_mentioned_in_post",
		ActionUser: "you_were_mentioned_by",
		ActionPost: "you_were_mentioned_in",
	},
	NotificationYourPostWasMentionedInPost: {
		Name:       "your_post_was_mentioned_in_post",
		ActionUser: "your_post_was_mentioned_by",
		ActionPost: "your_post_was_mentioned_in",
	},
}

// LookupNotificationType returns the layout registered for a raw type value.
func LookupNotificationType(raw int) (NotificationType, NotificationLayout, bool) {
	notificationType := NotificationType(raw)
	layout, ok := notificationLayouts[notificationType]
	return notificationType, layout, ok
}

// Collapsable reports whether notifications of this type group by acted-upon post.
func (t NotificationType) Collapsable() bool {
	return notificationLayouts[t].Collapsable
}

func (t NotificationType) String() string {
	if layout, ok := notificationLayouts[t]; ok {
		return layout.Name
	}
	return "unknown"
}
