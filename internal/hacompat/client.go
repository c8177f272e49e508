// Package hacompat is a second ingress path alongside
// internal/mqttintegration: it reads a Home-Assistant-shaped
// "state_changed" WebSocket event stream and pushes entity states into
// the value store, satisfying internal/adapter's Ingress contract.
//
// Grounded on the teacher's internal/homeassistant package
// (websocket.go's WSClient connect/auth/read-loop/reconnect shape,
// statewatch.go's EntityFilter/EntityRateLimiter/StateWatcher),
// adapted to push into internal/store instead of the teacher's own
// agent event bus, and trimmed to the state-stream ingress path —
// registry/area/device lookups (GetAreaRegistry, GetEntityRegistryWS)
// aren't needed by this adapter and were dropped.
package hacompat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/ksev-successor/bramble/internal/httpkit"
)

// Event is a Home Assistant WebSocket event envelope.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// State is a single entity's state snapshot.
type State struct {
	EntityID   string          `json:"entity_id"`
	State      string          `json:"state"`
	Attributes json.RawMessage `json:"attributes"`
}

// StateChangedData is the payload of a state_changed event.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsResponse struct {
	Success bool
	Result  json.RawMessage
	Error   *wsError
}

// WSClient manages a WebSocket connection to Home Assistant's event API.
type WSClient struct {
	baseURL string
	token   string
	http    *http.Client
	conn    *websocket.Conn
	connMu  sync.Mutex
	msgID   atomic.Int64

	pending   map[int64]chan wsResponse
	pendingMu sync.Mutex

	events chan Event

	subscriptions   []string
	subscriptionsMu sync.Mutex

	logger *slog.Logger
}

// NewWSClient creates a client for the Home Assistant instance at
// baseURL (http(s)://host:port), authenticating with a long-lived
// access token.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL:       baseURL,
		token:         token,
		http:          httpkit.NewClient(httpkit.WithTimeout(5 * time.Second)),
		pending:       make(map[int64]chan wsResponse),
		events:        make(chan Event, 256),
		subscriptions: make([]string, 0),
		logger:        logger,
	}
}

// restPing checks that the Home Assistant REST API answers before
// paying for a WebSocket handshake — a config or DNS mistake shows up
// as a clear HTTP error instead of a WebSocket dial failure.
func (c *WSClient) restPing(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/", nil)
	if err != nil {
		return fmt.Errorf("hacompat: build rest ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hacompat: rest ping: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hacompat: rest ping: unexpected status %s", resp.Status)
	}
	return nil
}

// Connect dials, authenticates, and starts the background read loop.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.restPing(ctx); err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("hacompat: parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	c.logger.Info("hacompat connecting", "url", u.String())

	dialer := websocket.Dialer{ReadBufferSize: 1024 * 1024, WriteBufferSize: 64 * 1024}
	// Respect HTTP_PROXY/ALL_PROXY/NO_PROXY when dialing Home Assistant,
	// since it's frequently reached through a reverse proxy or VPN
	// gateway rather than directly.
	if pd, ok := proxy.FromEnvironment().(proxy.ContextDialer); ok {
		dialer.NetDialContext = pd.DialContext
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("hacompat: dial: %w", err)
	}
	conn.SetReadLimit(100 * 1024 * 1024)
	c.conn = conn

	var authReq wsMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return fmt.Errorf("hacompat: read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("hacompat: expected auth_required, got %s", authReq.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": c.token}); err != nil {
		conn.Close()
		return fmt.Errorf("hacompat: send auth: %w", err)
	}

	var authResp wsMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("hacompat: read auth response: %w", err)
	}
	if authResp.Type == "auth_invalid" {
		conn.Close()
		return fmt.Errorf("hacompat: authentication failed")
	}
	if authResp.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("hacompat: unexpected auth response: %s", authResp.Type)
	}

	c.logger.Info("hacompat authenticated")
	go c.readLoop()
	c.restoreSubscriptions()
	return nil
}

// Close closes the underlying connection.
func (c *WSClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Reconnect tears down and re-establishes the connection, restoring
// all prior subscriptions.
func (c *WSClient) Reconnect(ctx context.Context) error {
	c.logger.Info("hacompat reconnecting")
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	return c.Connect(ctx)
}

// Events returns the channel events arrive on.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Subscribe subscribes to a Home Assistant event type (typically
// "state_changed").
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	id := c.msgID.Add(1)
	msg := map[string]any{"id": id, "type": "subscribe_events", "event_type": eventType}
	if _, err := c.sendAndWait(ctx, id, msg); err != nil {
		return fmt.Errorf("hacompat: subscribe to %s: %w", eventType, err)
	}

	c.subscriptionsMu.Lock()
	c.subscriptions = append(c.subscriptions, eventType)
	c.subscriptionsMu.Unlock()

	c.logger.Info("hacompat subscribed", "event_type", eventType)
	return nil
}

func (c *WSClient) sendAndWait(ctx context.Context, id int64, msg any) (json.RawMessage, error) {
	respCh := make(chan wsResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	err := c.conn.WriteJSON(msg)
	c.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("hacompat: send message: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("hacompat: %s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("hacompat: request failed")
		}
		return resp.Result, nil
	}
}

func (c *WSClient) restoreSubscriptions() {
	c.subscriptionsMu.Lock()
	subs := append([]string(nil), c.subscriptions...)
	c.subscriptions = nil
	c.subscriptionsMu.Unlock()

	for _, eventType := range subs {
		if err := c.Subscribe(context.Background(), eventType); err != nil {
			c.logger.Warn("hacompat failed to restore subscription", "event_type", eventType, "error", err)
		}
	}
}

// readLoop reads frames off the socket until it errors or closes,
// dispatching responses to pending waiters and events to the events
// channel.
func (c *WSClient) readLoop() {
	defer close(c.events)
	for {
		var msg wsMessage
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.ReadJSON(&msg); err != nil {
			c.logger.Warn("hacompat read loop ended", "error", err)
			return
		}

		switch {
		case msg.Event != nil:
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("hacompat event channel full, dropping event")
			}
		case msg.ID != 0:
			c.pendingMu.Lock()
			ch, ok := c.pending[msg.ID]
			c.pendingMu.Unlock()
			if ok {
				ch <- wsResponse{Success: msg.Success, Result: msg.Result, Error: msg.Error}
			}
		}
	}
}
