package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	subscriptionID string
	verb           string
	body           map[string]any
}

type fakeCacheServer struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader
	respond  func(conn *websocket.Conn, request recordedRequest)

	mu       sync.Mutex
	requests []recordedRequest
	closes   []string
	dials    int
}

func newFakeCacheServer(t *testing.T, respond func(conn *websocket.Conn, request recordedRequest)) *fakeCacheServer {
	t.Helper()
	fake := &fakeCacheServer{t: t, respond: respond}
	fake.server = httptest.NewServer(http.HandlerFunc(fake.handle))
	t.Cleanup(fake.server.Close)
	return fake
}

func (f *fakeCacheServer) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

func (f *fakeCacheServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	f.mu.Lock()
	f.dials++
	f.mu.Unlock()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var message []json.RawMessage
		if err := json.Unmarshal(payload, &message); err != nil {
			continue
		}
		var label, subscriptionID string
		_ = json.Unmarshal(message[0], &label)
		_ = json.Unmarshal(message[1], &subscriptionID)
		if label == messageClose {
			f.mu.Lock()
			f.closes = append(f.closes, subscriptionID)
			f.mu.Unlock()
			continue
		}
		var filter struct {
			Cache []json.RawMessage `json:"cache"`
		}
		_ = json.Unmarshal(message[2], &filter)
		request := recordedRequest{subscriptionID: subscriptionID}
		_ = json.Unmarshal(filter.Cache[0], &request.verb)
		_ = json.Unmarshal(filter.Cache[1], &request.body)
		f.mu.Lock()
		f.requests = append(f.requests, request)
		f.mu.Unlock()
		f.respond(conn, request)
	}
}

func (f *fakeCacheServer) snapshot() ([]recordedRequest, []string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...), append([]string(nil), f.closes...), f.dials
}

func writeJSON(conn *websocket.Conn, message ...any) {
	payload, _ := json.Marshal(message)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

func TestGetFeedCollectsEventsUntilEOSE(t *testing.T) {
	fake := newFakeCacheServer(t, func(conn *websocket.Conn, request recordedRequest) {
		writeJSON(conn, messageEvent, "stale-subscription", nostr.Event{ID: "ignored", Kind: 1})
		writeJSON(conn, messageEvent, request.subscriptionID, nostr.Event{ID: "note-1", PubKey: "author", Kind: 1})
		writeJSON(conn, messageEvent, request.subscriptionID, nostr.Event{Kind: 10000100, Content: `{"event_id":"note-1"}`})
		writeJSON(conn, messageEOSE, request.subscriptionID)
	})

	client, err := NewClient(ClientConfig{URL: fake.url()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	until := int64(1700000000)
	response, err := client.GetFeed(context.Background(), FeedRequestBody{
		Directive:  "explore;trending",
		UserPubkey: "viewer",
		Limit:      20,
		Until:      &until,
	})
	require.NoError(t, err)
	require.Len(t, response.Events, 1)
	require.Equal(t, "note-1", response.Events[0].ID)
	require.Len(t, response.PrimalEvents, 1)

	require.Eventually(t, func() bool {
		_, closes, _ := fake.snapshot()
		return len(closes) == 1
	}, time.Second, 10*time.Millisecond)

	requests, closes, _ := fake.snapshot()
	require.Len(t, requests, 1)
	require.Equal(t, VerbFeedDirective, requests[0].verb)
	require.Equal(t, "explore;trending", requests[0].body["directive"])
	require.Equal(t, float64(until), requests[0].body["until"])
	require.NotContains(t, requests[0].body, "since")
	require.Equal(t, requests[0].subscriptionID, closes[0])
}

func TestQueryReusesConnection(t *testing.T) {
	fake := newFakeCacheServer(t, func(conn *websocket.Conn, request recordedRequest) {
		writeJSON(conn, messageEOSE, request.subscriptionID)
	})
	client, err := NewClient(ClientConfig{URL: fake.url()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	for attempt := 0; attempt < 3; attempt++ {
		_, err := client.GetNotifications(context.Background(), NotificationsRequestBody{Pubkey: "owner", UserPubkey: "owner", Limit: 10})
		require.NoError(t, err)
	}
	requests, _, dials := fake.snapshot()
	require.Len(t, requests, 3)
	require.Equal(t, 1, dials)
	require.Equal(t, VerbGetNotifications, requests[0].verb)
}

func TestQueryReturnsNotice(t *testing.T) {
	fake := newFakeCacheServer(t, func(conn *websocket.Conn, request recordedRequest) {
		writeJSON(conn, messageNotice, request.subscriptionID, "unknown directive")
	})
	client, err := NewClient(ClientConfig{URL: fake.url()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.GetFeed(context.Background(), FeedRequestBody{Directive: "bogus"})
	require.ErrorIs(t, err, ErrNotice)
	require.Contains(t, err.Error(), "unknown directive")
}

func TestQueryHonorsCancellation(t *testing.T) {
	release := make(chan struct{})
	fake := newFakeCacheServer(t, func(conn *websocket.Conn, request recordedRequest) {
		<-release
	})
	t.Cleanup(func() { close(release) })

	client, err := NewClient(ClientConfig{URL: fake.url(), Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = client.GetFeed(ctx, FeedRequestBody{Directive: "slow"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestQueryReportsConnectionFailure(t *testing.T) {
	client, err := NewClient(ClientConfig{URL: "ws://127.0.0.1:1/unreachable", Timeout: time.Second})
	require.NoError(t, err)

	_, err = client.GetFeed(context.Background(), FeedRequestBody{Directive: "any"})
	require.ErrorIs(t, err, ErrConnection)
}

func TestLastSeenTimestampRoundTrip(t *testing.T) {
	var pushed sync.Map
	fake := newFakeCacheServer(t, func(conn *websocket.Conn, request recordedRequest) {
		switch request.verb {
		case VerbGetNotificationsSeen:
			writeJSON(conn, messageEvent, request.subscriptionID, nostr.Event{Kind: 10000111, Content: "1690000000"})
		case VerbSetNotificationsSeen:
			pushed.Store(request.body["pubkey"], request.body["seen_until"])
		}
		writeJSON(conn, messageEOSE, request.subscriptionID)
	})
	client, err := NewClient(ClientConfig{URL: fake.url()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	seenAt, ok, err := client.GetLastSeenTimestamp(context.Background(), "owner")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1690000000), seenAt)

	require.NoError(t, client.SetLastSeenTimestamp(context.Background(), "owner", 1700000000))
	value, found := pushed.Load("owner")
	require.True(t, found)
	require.Equal(t, float64(1700000000), value)
}

func TestClosedClientRejectsRequests(t *testing.T) {
	client, err := NewClient(ClientConfig{URL: "ws://example.invalid"})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = client.GetFeed(context.Background(), FeedRequestBody{})
	require.True(t, errors.Is(err, ErrClosed))
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(ClientConfig{})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
