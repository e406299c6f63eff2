// Package remote talks to the cache server over a websocket using the REQ/EVENT/EOSE exchange.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/feedsync/internal/events"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	messageRequest = "REQ"
	messageEvent   = "EVENT"
	messageEOSE    = "EOSE"
	messageNotice  = "NOTICE"
	messageClose   = "CLOSE"

	defaultTimeout = 15 * time.Second
)

var (
	// ErrConnection reports a failed dial, write or read on the websocket.
	ErrConnection = errors.New("remote: connection failed")
	// ErrNotice reports an error notice sent by the cache server for a request.
	ErrNotice = errors.New("remote: server notice")
	// ErrInvalidConfig reports a client constructed without a server url.
	ErrInvalidConfig = errors.New("remote: invalid client configuration")
	// ErrClosed reports use of a client after Close.
	ErrClosed = errors.New("remote: client closed")
)

// ClientConfig configures a cache-server client.
type ClientConfig struct {
	URL           string
	Dialer        *websocket.Dialer
	Timeout       time.Duration
	RatePerSecond float64
	IDProvider    func() (string, error)
	Logger        *zap.Logger
}

// Client holds one lazily dialed websocket connection and issues one request at a time on it.
type Client struct {
	url        string
	dialer     *websocket.Dialer
	timeout    time.Duration
	limiter    *rate.Limiter
	idProvider func() (string, error)
	logger     *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewClient validates the configuration and returns a client. No connection is made until the first request.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = newSubscriptionID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		url:        cfg.URL,
		dialer:     dialer,
		timeout:    timeout,
		limiter:    rate.NewLimiter(limit, 1),
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Query sends one cache request and collects every event streamed back until EOSE.
func (c *Client) Query(ctx context.Context, verb string, body any) (events.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return events.Response{}, err
	}

	subscriptionID, err := c.idProvider()
	if err != nil {
		return events.Response{}, fmt.Errorf("remote: subscription id: %w", err)
	}
	request, err := json.Marshal([]any{
		messageRequest,
		subscriptionID,
		map[string]any{"cache": []any{verb, body}},
	})
	if err != nil {
		return events.Response{}, fmt.Errorf("remote: encode %s request: %w", verb, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return events.Response{}, err
	}

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, request); err != nil {
		c.dropConnection()
		return events.Response{}, c.failure(ctx, verb, err)
	}

	response, err := c.collect(conn, subscriptionID)
	if err != nil {
		if errors.Is(err, ErrNotice) {
			return events.Response{}, err
		}
		c.dropConnection()
		return events.Response{}, c.failure(ctx, verb, err)
	}

	closeMessage, _ := json.Marshal([]string{messageClose, subscriptionID})
	if err := conn.WriteMessage(websocket.TextMessage, closeMessage); err != nil {
		c.logger.Warn("remote close message failed", zap.String("verb", verb), zap.Error(err))
		c.dropConnection()
	}
	return response, nil
}

// Close shuts the connection down; later requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Error("remote dial failed", zap.String("url", c.url), zap.Error(err))
		return nil, fmt.Errorf("%w: dial: %w", ErrConnection, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) collect(conn *websocket.Conn, subscriptionID string) (events.Response, error) {
	var response events.Response
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return events.Response{}, err
		}
		var message []json.RawMessage
		if err := json.Unmarshal(payload, &message); err != nil || len(message) < 2 {
			c.logger.Debug("remote message ignored", zap.ByteString("payload", payload))
			continue
		}
		var label string
		if err := json.Unmarshal(message[0], &label); err != nil {
			continue
		}

		switch label {
		case messageNotice:
			var notice string
			if len(message) == 2 {
				_ = json.Unmarshal(message[1], &notice)
				return events.Response{}, fmt.Errorf("%w: %s", ErrNotice, notice)
			}
			if !matchesSubscription(message[1], subscriptionID) {
				continue
			}
			_ = json.Unmarshal(message[2], &notice)
			return events.Response{}, fmt.Errorf("%w: %s", ErrNotice, notice)
		case messageEOSE:
			if matchesSubscription(message[1], subscriptionID) {
				return response, nil
			}
		case messageEvent:
			if len(message) < 3 || !matchesSubscription(message[1], subscriptionID) {
				continue
			}
			var event nostr.Event
			if err := json.Unmarshal(message[2], &event); err != nil {
				c.logger.Debug("remote event ignored", zap.Error(err))
				continue
			}
			response.Add(event)
		}
	}
}

func (c *Client) failure(ctx context.Context, verb string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	c.logger.Error("remote request failed", zap.String("verb", verb), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", ErrConnection, verb, err)
}

func (c *Client) dropConnection() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
}

func matchesSubscription(raw json.RawMessage, subscriptionID string) bool {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return false
	}
	return value == subscriptionID
}

func newSubscriptionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
