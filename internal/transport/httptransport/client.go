package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rowsync/engine/internal/transport"
	"nhooyr.io/websocket"
)

// AuthMode selects how the client authenticates requests to syncd.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthCookie
	AuthBearer
)

// TokenFunc supplies a bearer token, called fresh on every request so a
// caller can rotate or refresh tokens between retries.
type TokenFunc func(ctx context.Context) (string, error)

// Logger is the narrow logging interface a Client accepts, satisfied by
// *log.Logger among others.
type Logger interface {
	Printf(format string, args ...any)
}

type ClientOptions struct {
	HTTPClient *http.Client
	AuthMode   AuthMode
	TokenFunc  TokenFunc // required when AuthMode == AuthBearer
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Logger receives push/pull outcome messages. Nil disables logging.
	Logger Logger
}

// Client implements transport.Transport over HTTP push/pull calls and a
// WebSocket event stream, following the retry-with-backoff-honoring-
// Retry-After idiom used for cross-process HTTP calls elsewhere in this
// codebase.
type Client struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	authMode   AuthMode
	tokenFunc  TokenFunc
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     Logger

	mu             sync.Mutex
	nextListenerID int
	listeners      map[int]func(transport.TransportEvent)
	wsCancel       context.CancelFunc
}

func NewClient(baseURL string, opts ClientOptions) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}

	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &Client{
		baseURL:    base,
		wsURL:      wsURLFromHTTP(base),
		httpClient: httpClient,
		authMode:   opts.AuthMode,
		tokenFunc:  opts.TokenFunc,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		logger:     opts.Logger,
		listeners:  map[int]func(transport.TransportEvent){},
	}
}

func (c *Client) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}

func wsURLFromHTTP(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}

func (c *Client) Push(ctx context.Context, req transport.PushRequest) (transport.PushResponse, error) {
	body := pushRequestWire{Operations: req.Operations, Namespace: req.Namespace}
	var out pushResponseWire
	if err := c.doJSON(ctx, http.MethodPost, "/sync/push", body, &out); err != nil {
		c.logf("push: %d operations failed: %v", len(req.Operations), err)
		return transport.PushResponse{}, err
	}
	c.logf("push: %d operations sent", len(req.Operations))
	return transport.PushResponse{AcknowledgedThroughSequence: out.AcknowledgedThroughSequence}, nil
}

func (c *Client) Pull(ctx context.Context, req transport.PullRequest) (transport.PullResponse, error) {
	q := url.Values{}
	if req.Namespace != "" {
		q.Set("namespace", req.Namespace)
	}
	if req.CollectionID != "" {
		q.Set("collectionId", req.CollectionID)
	}
	if req.ParentID != nil {
		q.Set("parentId", *req.ParentID)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Cursor != nil {
		q.Set("cursorCommittedTimestampMs", strconv.FormatInt(req.Cursor.CommittedTimestampMs, 10))
		q.Set("cursorCollectionId", req.Cursor.CollectionID)
		q.Set("cursorId", req.Cursor.ID)
	}

	var out pullResponseWire
	path := "/sync/pull"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		c.logf("pull: request failed: %v", err)
		return transport.PullResponse{}, err
	}
	c.logf("pull: received %d changes, hasMore=%t", len(out.Changes), out.HasMore)
	return transport.PullResponse{Changes: out.Changes, NextCursor: out.NextCursor, HasMore: out.HasMore}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyBytes = b
	}

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		if bodyBytes != nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
		if err := c.applyAuth(ctx, httpReq); err != nil {
			return err
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out == nil || len(payload) == 0 {
				return nil
			}
			if err := json.Unmarshal(payload, out); err != nil {
				return &transport.ProtocolError{Path: path, Expected: "valid JSON response body"}
			}
			return nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			c.emit(transport.TransportEvent{Kind: transport.EventNeedsAuth})
			return &transport.Unauthorized{Status: resp.StatusCode}

		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries:
			delay := c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue

		default:
			return &transport.TransportError{Status: resp.StatusCode, Body: string(payload)}
		}
	}
}

func (c *Client) applyAuth(ctx context.Context, req *http.Request) error {
	switch c.authMode {
	case AuthBearer:
		if c.tokenFunc == nil {
			return fmt.Errorf("httptransport: bearer auth requires a TokenFunc")
		}
		token, err := c.tokenFunc(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case AuthCookie:
		// c.httpClient's own CookieJar, if any, attaches cookies; nothing to add here.
	}
	return nil
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnEvent lazily opens a WebSocket event stream on the first subscriber
// and tears it down once the last one unsubscribes.
func (c *Client) OnEvent(listener func(transport.TransportEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = listener
	first := len(c.listeners) == 1
	c.mu.Unlock()

	if first {
		c.startEventStream()
	}

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		empty := len(c.listeners) == 0
		cancel := c.wsCancel
		c.mu.Unlock()
		if empty && cancel != nil {
			cancel()
		}
	}
}

func (c *Client) startEventStream() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.wsCancel = cancel
	c.mu.Unlock()
	go c.runEventStream(ctx)
}

func (c *Client) runEventStream(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.dialAndRead(ctx); err != nil {
			attempt++
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt, "")); waitErr != nil {
				return
			}
			continue
		}
		attempt = 0
	}
}

func (c *Client) dialAndRead(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.wsURL+"/sync/events", nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		event, err := decodeWSEvent(data)
		if err != nil {
			continue // malformed frame from a misbehaving peer; drop it, keep reading
		}
		c.emit(event)
	}
}

func (c *Client) emit(event transport.TransportEvent) {
	c.mu.Lock()
	listeners := make([]func(transport.TransportEvent), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}
