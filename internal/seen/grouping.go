package seen

import (
	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
)

// GroupUnseen groups unseen notifications for display. Types appear in first-seen order. Collapsable
// types gather every notification about the same acted-upon post into one group; other types yield
// one group per notification.
func GroupUnseen(notifications []cache.Notification) [][]cache.Notification {
	typeOrder := make([]events.NotificationType, 0)
	byType := make(map[events.NotificationType][]cache.Notification)
	for _, notification := range notifications {
		if _, ok := byType[notification.Type]; !ok {
			typeOrder = append(typeOrder, notification.Type)
		}
		byType[notification.Type] = append(byType[notification.Type], notification)
	}

	groups := make([][]cache.Notification, 0, len(notifications))
	for _, notificationType := range typeOrder {
		members := byType[notificationType]
		if !notificationType.Collapsable() {
			for _, notification := range members {
				groups = append(groups, []cache.Notification{notification})
			}
			continue
		}
		groups = append(groups, groupByPost(members)...)
	}
	return groups
}

func groupByPost(members []cache.Notification) [][]cache.Notification {
	postOrder := make([]string, 0)
	byPost := make(map[string][]cache.Notification)
	for _, notification := range members {
		postID := ""
		if notification.ActionPostID != nil {
			postID = *notification.ActionPostID
		}
		if _, ok := byPost[postID]; !ok {
			postOrder = append(postOrder, postID)
		}
		byPost[postID] = append(byPost[postID], notification)
	}
	groups := make([][]cache.Notification, 0, len(postOrder))
	for _, postID := range postOrder {
		groups = append(groups, byPost[postID])
	}
	return groups
}
