package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/feedsync/internal/auth"
	"github.com/MarcoPoloResearchLab/feedsync/internal/cache"
	"github.com/MarcoPoloResearchLab/feedsync/internal/mediator"
	"github.com/MarcoPoloResearchLab/feedsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/feedsync/internal/paging"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey  = "feedsync_user_id"
	maxPageLimit      = 200
	heartbeatInterval = 25 * time.Second
)

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingSessions      = errors.New("sessions dependency required")
	errMissingDispatcher    = errors.New("badge dispatcher dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager validates API bearer tokens and returns the user pubkey they carry.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// SessionProvider resolves the paged views of a user.
type SessionProvider interface {
	Get(ctx context.Context, pubkey string) (*paging.Session, error)
}

type Dependencies struct {
	TokenManager TokenManager
	Sessions     SessionProvider
	Badges       *BadgeDispatcher
	Metrics      *metrics.Recorder
	Gatherer     prometheus.Gatherer
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Badges == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(observeRequests(deps.Metrics))

	handler := &httpHandler{
		tokens:   deps.TokenManager,
		sessions: deps.Sessions,
		badges:   deps.Badges,
		logger:   logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/feeds/:directive", handler.handleFeedPage)
	protected.POST("/feeds/:directive/load", handler.handleFeedLoad)
	protected.GET("/notifications", handler.handleSeenNotifications)
	protected.GET("/notifications/unseen", handler.handleUnseenNotifications)
	protected.POST("/notifications/load", handler.handleNotificationsLoad)
	protected.POST("/notifications/seen", handler.handleNotificationsSeen)
	protected.POST("/notifications/read", handler.handleNotificationsRead)
	protected.GET("/badges/stream", handler.handleBadgeStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	})
}

func observeRequests(recorder *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		recorder.ObserveHTTP(path, c.Writer.Status(), time.Since(started))
	}
}

type httpHandler struct {
	tokens   TokenManager
	sessions SessionProvider
	badges   *BadgeDispatcher
	logger   *zap.Logger
}

type pagePayload[T any] struct {
	Items                  []T    `json:"items"`
	Next                   *int64 `json:"next,omitempty"`
	NextKey                string `json:"next_key,omitempty"`
	EndOfPaginationReached bool   `json:"end_of_pagination_reached"`
}

func newPagePayload[T any, V any](page paging.Page[V], items []T) pagePayload[T] {
	payload := pagePayload[T]{Items: items, EndOfPaginationReached: page.EndOfPaginationReached}
	if page.Next != nil {
		next := page.Next.At
		payload.Next = &next
		payload.NextKey = page.Next.Key
	}
	return payload
}

type loadResponsePayload struct {
	Direction              string `json:"direction"`
	Appended               int    `json:"appended"`
	EndOfPaginationReached bool   `json:"end_of_pagination_reached"`
}

type readResponsePayload struct {
	Updated   int64 `json:"updated"`
	SeenUntil int64 `json:"seen_until"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleFeedPage(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	before, limit, err := parsePageQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pager, err := session.Feeds.Feed(c.Param("directive"))
	if err != nil {
		h.writeError(c, "feed page failed", err)
		return
	}
	page, err := pager.Page(c.Request.Context(), before, limit)
	if err != nil {
		h.writeError(c, "feed page failed", err)
		return
	}
	items := make([]feedPostPayload, 0, len(page.Items))
	for _, post := range page.Items {
		items = append(items, newFeedPostPayload(post))
	}
	c.JSON(http.StatusOK, newPagePayload(page, items))
}

func (h *httpHandler) handleFeedLoad(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	direction, err := mediator.ParseDirection(c.Query("direction"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_direction"})
		return
	}
	pager, err := session.Feeds.Feed(c.Param("directive"))
	if err != nil {
		h.writeError(c, "feed load failed", err)
		return
	}
	result, err := pager.Load(c.Request.Context(), direction)
	if err != nil {
		h.writeError(c, "feed load failed", err)
		return
	}
	c.JSON(http.StatusOK, newLoadResponse(direction, result))
}

func (h *httpHandler) handleSeenNotifications(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	before, limit, err := parsePageQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	page, err := session.Inbox.Seen(c.Request.Context(), before, limit)
	if err != nil {
		h.writeError(c, "seen notifications failed", err)
		return
	}
	c.JSON(http.StatusOK, newPagePayload(page, newNotificationPayloads(page.Items)))
}

func (h *httpHandler) handleUnseenNotifications(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	groups, err := session.Inbox.Unseen(c.Request.Context())
	if err != nil {
		h.writeError(c, "unseen notifications failed", err)
		return
	}
	payload := make([]notificationGroupPayload, 0, len(groups))
	for _, group := range groups {
		payload = append(payload, newNotificationGroupPayload(group))
	}
	c.JSON(http.StatusOK, gin.H{"groups": payload, "last_seen": session.Inbox.LastSeen()})
}

func (h *httpHandler) handleNotificationsLoad(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	direction, err := mediator.ParseDirection(c.Query("direction"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_direction"})
		return
	}
	result, err := session.Inbox.Load(c.Request.Context(), direction)
	if err != nil {
		h.writeError(c, "notifications load failed", err)
		return
	}
	session.Badges.Poke()
	c.JSON(http.StatusOK, newLoadResponse(direction, result))
}

func (h *httpHandler) handleNotificationsSeen(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	session.Inbox.SignalSeen()
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleNotificationsRead(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	updated, seenUntil, err := session.Inbox.MarkAllAsRead(c.Request.Context())
	if err != nil {
		h.writeError(c, "mark all as read failed", err)
		return
	}
	session.Badges.Poke()
	c.JSON(http.StatusOK, readResponsePayload{Updated: updated, SeenUntil: seenUntil})
}

func (h *httpHandler) handleBadgeStream(c *gin.Context) {
	session, ok := h.session(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.badges.Subscribe(ctx, session.UserID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if current, ok := session.Badges.Current(); ok {
		c.SSEvent(RealtimeEventBadge, current)
	} else {
		session.Badges.Poke()
	}
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case badge, open := <-stream:
			if !open {
				return
			}
			c.SSEvent(RealtimeEventBadge, badge)
			c.Writer.Flush()
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "at": now.UTC()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) session(c *gin.Context) (*paging.Session, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return nil, false
	}
	session, err := h.sessions.Get(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidPubkey) || errors.Is(err, paging.ErrMissingUser) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return nil, false
		}
		h.writeError(c, "session unavailable", err)
		return nil, false
	}
	return session, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) || errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) writeError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, mediator.ErrInvalidDirection), errors.Is(err, paging.ErrMissingDirective),
		errors.Is(err, cache.ErrInvalidCursor):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, mediator.ErrTransport):
		h.logger.Warn(message, zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "remote_unavailable"})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.logger.Info(message, zap.Error(err))
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "request_cancelled"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// parsePageQuery reads "before" and "before_key" as the keyset cursor echoed from a previous
// page's "next" and "next_key", plus an optional "limit".
func parsePageQuery(c *gin.Context) (*cache.Cursor, int, error) {
	var before *cache.Cursor
	if raw := strings.TrimSpace(c.Query("before")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			return nil, 0, errors.New("invalid before cursor")
		}
		before = &cache.Cursor{At: value, Key: c.Query("before_key")}
	} else if c.Query("before_key") != "" {
		return nil, 0, errors.New("before_key without before")
	}
	limit := 0
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			return nil, 0, errors.New("invalid limit")
		}
		limit = min(value, maxPageLimit)
	}
	return before, limit, nil
}

func newLoadResponse(direction mediator.Direction, result mediator.Result) loadResponsePayload {
	return loadResponsePayload{
		Direction:              direction.String(),
		Appended:               result.Appended,
		EndOfPaginationReached: result.EndOfPaginationReached,
	}
}
