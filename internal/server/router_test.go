package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/auth"
	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/feedsync/internal/paging"
	"github.com/MarcoPoloResearchLab/feedsync/internal/remote"
	"github.com/gin-gonic/gin"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testNow = int64(1_700_000_000)

type stubFeedAPI struct {
	mu        sync.Mutex
	responses []events.Response
	err       error
	requests  []remote.FeedRequestBody
}

func (s *stubFeedAPI) GetFeed(_ context.Context, body remote.FeedRequestBody) (events.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, body)
	if s.err != nil {
		return events.Response{}, s.err
	}
	if len(s.responses) == 0 {
		return events.Response{}, nil
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	return response, nil
}

type stubInboxAPI struct {
	mu        sync.Mutex
	responses []events.Response
}

func (s *stubInboxAPI) GetNotifications(context.Context, remote.NotificationsRequestBody) (events.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return events.Response{}, nil
	}
	response := s.responses[0]
	s.responses = s.responses[1:]
	return response, nil
}

type testServer struct {
	handler http.Handler
	tokens  *auth.TokenIssuer
}

func newTestServer(t *testing.T, feedAPI *stubFeedAPI, inboxAPI *stubInboxAPI) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(githubsqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(cache.Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := cache.NewStore(cache.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	recorder := metrics.NewRecorder()
	registry := prometheus.NewRegistry()
	if err := recorder.Register(registry); err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}
	dispatcher := NewBadgeDispatcher(recorder)

	sessions, err := paging.NewSessions(paging.SessionsConfig{
		Store:    store,
		FeedAPI:  feedAPI,
		InboxAPI: inboxAPI,
		Retry:    paging.RetryPolicy{Attempts: 1},
		Badges:   dispatcher,
		Clock:    func() time.Time { return time.Unix(testNow, 0) },
		Metrics:  recorder,
	})
	if err != nil {
		t.Fatalf("failed to create sessions: %v", err)
	}
	t.Cleanup(sessions.Close)

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "feedsync-test",
		Audience:      "feedsync-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokens,
		Sessions:     sessions,
		Badges:       dispatcher,
		Metrics:      recorder,
		Gatherer:     registry,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{handler: handler, tokens: tokens}
}

func (s testServer) token(t *testing.T, pubkey string) string {
	t.Helper()
	token, _, err := s.tokens.IssueAccessToken(context.Background(), pubkey)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s testServer) do(t *testing.T, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, target, http.NoBody)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingTokenManager) {
		t.Fatalf("expected errMissingTokenManager, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{TokenManager: stubTokenManager{}}); !errors.Is(err, errMissingSessions) {
		t.Fatalf("expected errMissingSessions, got %v", err)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, &stubFeedAPI{}, &stubInboxAPI{})

	for _, target := range []string{"/feeds/global", "/notifications", "/notifications/unseen"} {
		if recorder := server.do(t, http.MethodGet, target, ""); recorder.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", target, recorder.Code)
		}
	}
	if recorder := server.do(t, http.MethodGet, "/healthz", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected health check to be public, got %d", recorder.Code)
	}
}

func TestFeedPageServesRefreshedPosts(t *testing.T) {
	feedAPI := &stubFeedAPI{responses: []events.Response{responseOf(
		nostr.Event{ID: "note-2", PubKey: "author", CreatedAt: 200, Kind: 1, Content: "second #go", Tags: nostr.Tags{{"t", "go"}}},
		nostr.Event{ID: "note-1", PubKey: "author", CreatedAt: 100, Kind: 1, Content: "first"},
	)}}
	server := newTestServer(t, feedAPI, &stubInboxAPI{})
	token := server.token(t, "viewer")

	recorder := server.do(t, http.MethodGet, "/feeds/global?limit=10", token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload pagePayload[feedPostPayload]
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode page: %v", err)
	}
	if len(payload.Items) != 2 || payload.Items[0].PostID != "note-2" || payload.Items[1].PostID != "note-1" {
		t.Fatalf("unexpected items %+v", payload.Items)
	}
	if !payload.EndOfPaginationReached {
		t.Fatalf("expected end of pagination")
	}
	if payload.Next == nil || *payload.Next != 100 || payload.NextKey != "note-1" {
		t.Fatalf("expected next cursor 100/note-1, got %v/%q", payload.Next, payload.NextKey)
	}
	if payload.Items[0].Hashtags == nil || payload.Items[1].Hashtags == nil {
		t.Fatalf("expected hashtags to serialize as arrays")
	}
}

func TestFeedPageRejectsInvalidQuery(t *testing.T) {
	server := newTestServer(t, &stubFeedAPI{}, &stubInboxAPI{})
	token := server.token(t, "viewer")

	for _, target := range []string{"/feeds/global?before=abc", "/feeds/global?limit=-1", "/feeds/global?before=0", "/feeds/global?before_key=note-1"} {
		if recorder := server.do(t, http.MethodGet, target, token); recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, recorder.Code)
		}
	}
}

func TestFeedLoadMapsErrors(t *testing.T) {
	feedAPI := &stubFeedAPI{err: errors.New("socket closed")}
	server := newTestServer(t, feedAPI, &stubInboxAPI{})
	token := server.token(t, "viewer")

	if recorder := server.do(t, http.MethodPost, "/feeds/global/load?direction=sideways", token); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown direction, got %d", recorder.Code)
	}
	recorder := server.do(t, http.MethodPost, "/feeds/global/load?direction=refresh", token)
	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for a transport failure, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "remote_unavailable") {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestFeedLoadReportsResult(t *testing.T) {
	feedAPI := &stubFeedAPI{responses: []events.Response{responseOf(
		nostr.Event{ID: "note-1", PubKey: "author", CreatedAt: 100, Kind: 1, Content: "first"},
	)}}
	server := newTestServer(t, feedAPI, &stubInboxAPI{})
	token := server.token(t, "viewer")

	recorder := server.do(t, http.MethodPost, "/feeds/global/load?direction=refresh", token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload loadResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode load response: %v", err)
	}
	if payload.Direction != "refresh" || payload.Appended != 1 || payload.EndOfPaginationReached {
		t.Fatalf("unexpected load response %+v", payload)
	}
	if len(feedAPI.requests) != 1 || feedAPI.requests[0].Directive != "global" {
		t.Fatalf("unexpected feed requests %+v", feedAPI.requests)
	}
}

func TestNotificationsReadFlow(t *testing.T) {
	inboxAPI := &stubInboxAPI{responses: []events.Response{responseOf(
		followNotification("owner", 100, "fan-1"),
		followNotification("owner", 200, "fan-2"),
	)}}
	server := newTestServer(t, &stubFeedAPI{}, inboxAPI)
	token := server.token(t, "owner")

	unseen := server.do(t, http.MethodGet, "/notifications/unseen", token)
	if unseen.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", unseen.Code, unseen.Body.String())
	}
	var groups struct {
		Groups []notificationGroupPayload `json:"groups"`
	}
	if err := json.Unmarshal(unseen.Body.Bytes(), &groups); err != nil {
		t.Fatalf("failed to decode unseen response: %v", err)
	}
	total := 0
	for _, group := range groups.Groups {
		total += len(group.Notifications)
	}
	if total != 2 {
		t.Fatalf("expected two unseen notifications, got %+v", groups.Groups)
	}

	read := server.do(t, http.MethodPost, "/notifications/read", token)
	if read.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", read.Code, read.Body.String())
	}
	var readPayload readResponsePayload
	if err := json.Unmarshal(read.Body.Bytes(), &readPayload); err != nil {
		t.Fatalf("failed to decode read response: %v", err)
	}
	if readPayload.Updated != 2 || readPayload.SeenUntil != testNow {
		t.Fatalf("unexpected read response %+v", readPayload)
	}

	seenPage := server.do(t, http.MethodGet, "/notifications?limit=10", token)
	var page pagePayload[notificationPayload]
	if err := json.Unmarshal(seenPage.Body.Bytes(), &page); err != nil {
		t.Fatalf("failed to decode seen page: %v", err)
	}
	if len(page.Items) != 2 || page.Items[0].CreatedAt != 200 || page.Items[0].SeenLocallyAt == nil {
		t.Fatalf("unexpected seen page %+v", page.Items)
	}
	if page.Next == nil || *page.Next != 100 || page.NextKey == "" {
		t.Fatalf("expected a composite next cursor, got %v/%q", page.Next, page.NextKey)
	}

	following := server.do(t, http.MethodGet, fmt.Sprintf("/notifications?limit=10&before=%d&before_key=%s", *page.Next, page.NextKey), token)
	var rest pagePayload[notificationPayload]
	if err := json.Unmarshal(following.Body.Bytes(), &rest); err != nil {
		t.Fatalf("failed to decode following page: %v", err)
	}
	if following.Code != http.StatusOK || len(rest.Items) != 0 {
		t.Fatalf("expected an empty following page, got %d %+v", following.Code, rest.Items)
	}
	if bad := server.do(t, http.MethodGet, "/notifications?before=100&before_key=like", token); bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed cursor key, got %d", bad.Code)
	}

	if accepted := server.do(t, http.MethodPost, "/notifications/seen", token); accepted.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", accepted.Code)
	}
}

func TestMetricsEndpointReportsRequests(t *testing.T) {
	server := newTestServer(t, &stubFeedAPI{}, &stubInboxAPI{})
	server.do(t, http.MethodGet, "/healthz", "")

	recorder := server.do(t, http.MethodGet, "/metrics", "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), `feedsync_http_requests_total{path="/healthz"`) {
		t.Fatalf("expected the health check to be counted, got %s", recorder.Body.String())
	}
}

func responseOf(all ...nostr.Event) events.Response {
	var response events.Response
	for _, event := range all {
		response.Add(event)
	}
	return response
}

func followNotification(owner string, createdAt int64, follower string) nostr.Event {
	return nostr.Event{
		Kind:      int(events.KindPrimalNotification),
		CreatedAt: nostr.Timestamp(createdAt),
		Content: fmt.Sprintf(`{"pubkey":%q,"created_at":%d,"type":%d,"follower":%q}`,
			owner, createdAt, int(events.NotificationNewUserFollowedYou), follower),
	}
}
