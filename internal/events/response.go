package events

import "github.com/nbd-wtf/go-nostr"

// Response collects the events streamed back for a single cache-server request.
// Nostr events and aggregator events are kept apart because they are routed by different processors.
type Response struct {
	Events       []nostr.Event
	PrimalEvents []nostr.Event
}

// Add files the event under the list matching its kind range.
func (r *Response) Add(event nostr.Event) {
	if IsAggregatorKind(event.Kind) {
		r.PrimalEvents = append(r.PrimalEvents, event)
		return
	}
	r.Events = append(r.Events, event)
}

// Len reports the total number of events in the response.
func (r Response) Len() int {
	return len(r.Events) + len(r.PrimalEvents)
}

// All returns nostr events followed by aggregator events.
func (r Response) All() []nostr.Event {
	all := make([]nostr.Event, 0, r.Len())
	all = append(all, r.Events...)
	all = append(all, r.PrimalEvents...)
	return all
}

// PagingInfo mirrors the paging descriptor the cache server attaches to feed responses.
type PagingInfo struct {
	Since int64  `json:"since"`
	Until int64  `json:"until"`
	Order string `json:"order"`
}
