package events

import "strconv"

// Kind identifies the payload shape of an event received from the cache server.
// The enumeration is open: values outside the known set classify as KindUnknown.
type Kind int

const (
	// KindUnknown marks an event kind with no registered meaning.
	KindUnknown Kind = -1

	KindMetadata      Kind = 0
	KindShortTextNote Kind = 1
	KindContacts      Kind = 3
	KindRepost        Kind = 6
	KindReaction      Kind = 7
	KindZap           Kind = 9735

	KindPrimalEventStats             Kind = 10000100
	KindPrimalUserProfileStats       Kind = 10000105
	KindPrimalReferencedEvent        Kind = 10000107
	KindPrimalNotification           Kind = 10000110
	KindPrimalNotificationsSeenUntil Kind = 10000111
	KindPrimalPaging                 Kind = 10000113
	KindPrimalEventUserStats         Kind = 10000115
	KindPrimalMediaMapping           Kind = 10000119
)

// aggregatorKindFloor is the lowest kind number reserved for aggregator-generated events.
const aggregatorKindFloor = 10000000

var kindNames = map[Kind]string{
	KindMetadata:                     "metadata",
	KindShortTextNote:                "short_text_note",
	KindContacts:                     "contacts",
	KindRepost:                       "repost",
	KindReaction:                     "reaction",
	KindZap:                          "zap",
	KindPrimalEventStats:             "primal_event_stats",
	KindPrimalUserProfileStats:       "primal_user_profile_stats",
	KindPrimalReferencedEvent:        "primal_referenced_event",
	KindPrimalNotification:           "primal_notification",
	KindPrimalNotificationsSeenUntil: "primal_notifications_seen_until",
	KindPrimalPaging:                 "primal_paging",
	KindPrimalEventUserStats:         "primal_event_user_stats",
	KindPrimalMediaMapping:           "primal_media_mapping",
}

// Classify maps a raw kind number to a Kind. It never fails; unrecognized values yield KindUnknown.
func Classify(raw int) Kind {
	kind := Kind(raw)
	if _, ok := kindNames[kind]; ok {
		return kind
	}
	return KindUnknown
}

// IsAggregatorKind reports whether a raw kind number belongs to the aggregator range.
func IsAggregatorKind(raw int) bool {
	return raw >= aggregatorKindFloor
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	if k == KindUnknown {
		return "unknown"
	}
	return "kind_" + strconv.Itoa(int(k))
}
