// Package ha talks to Home Assistant: a websocket session for reading states
// and watching state_changed events, and the REST states endpoint for
// publishing entity states.
package ha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	requestTimeout = 10 * time.Second
	minBackoff     = time.Second
	maxBackoff     = 30 * time.Second
)

// HAClient is the Home Assistant surface used by the service.
type HAClient interface {
	Connect() error
	Disconnect() error
	IsConnected() bool
	GetAllStates() ([]*State, error)
	CallService(domain, service string, data map[string]interface{}) error
	SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error)
	SetState(ctx context.Context, entityID, state string, attributes map[string]interface{}) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRESTBase overrides the REST base URL derived from the websocket URL.
func WithRESTBase(base string) Option {
	return func(c *Client) {
		c.restBase = strings.TrimRight(base, "/")
	}
}

// Client implements HAClient.
type Client struct {
	url        string
	restBase   string
	token      string
	logger     *zap.Logger
	httpClient *http.Client

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	reconnect bool
	ctx       context.Context
	cancel    context.CancelFunc

	// writeMu serialises websocket writes.
	writeMu sync.Mutex

	msgIDMu sync.Mutex
	msgID   int

	pendingMu sync.Mutex
	pending   map[int]chan Message

	subs *subscriberSet
}

// NewClient creates a client for the websocket endpoint wsURL, usually
// ws://host:8123/api/websocket.
func NewClient(wsURL, token string, logger *zap.Logger, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:        wsURL,
		restBase:   RESTBase(wsURL),
		token:      token,
		logger:     logger,
		httpClient: &http.Client{Timeout: requestTimeout},
		reconnect:  true,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[int]chan Message),
		subs:       newSubscriberSet(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RESTBase derives the REST base URL from a websocket URL: ws becomes http,
// wss becomes https and the /api/websocket suffix is dropped.
func RESTBase(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return strings.TrimSuffix(wsURL, "/api/websocket")
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/api/websocket")
	u.RawQuery = ""
	return strings.TrimRight(u.String(), "/")
}

// Connect dials, authenticates and subscribes to state_changed events.
func (c *Client) Connect() error {
	c.connMu.Lock()
	if c.connected {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}

	conn, err := c.dial()
	if err != nil {
		c.connMu.Unlock()
		return err
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.conn = conn
	c.connected = true
	c.reconnect = true
	ctx := c.ctx
	c.connMu.Unlock()

	c.logger.Info("Connected to Home Assistant", zap.String("url", c.url))
	go c.receiveMessages(ctx, conn)

	if err := c.subscribeToStateChanges(); err != nil {
		c.logger.Warn("Failed to subscribe to state changes", zap.Error(err))
	}
	return nil
}

// dial opens the websocket and runs the auth handshake.
func (c *Client) dial() (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}

	if err := conn.WriteJSON(AuthMessage{Type: "auth", AccessToken: token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var reply Message
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read auth response: %w", err)
	}
	switch reply.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return fmt.Errorf("authentication failed: invalid token")
	default:
		return fmt.Errorf("expected auth_ok, got %s", reply.Type)
	}
}

// Disconnect closes the session and stops reconnecting.
func (c *Client) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.reconnect = false
	if !c.connected {
		c.cancel()
		return nil
	}

	c.cancel()
	c.connected = false
	if c.conn != nil {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		c.conn = nil
	}

	c.subs.clear()
	c.logger.Info("Disconnected from Home Assistant")
	return nil
}

// IsConnected reports whether the websocket session is up.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

func (c *Client) nextMsgID() int {
	c.msgIDMu.Lock()
	defer c.msgIDMu.Unlock()
	c.msgID++
	return c.msgID
}

// send writes req and waits for its result frame.
func (c *Client) send(req request) (*Message, error) {
	c.connMu.RLock()
	conn, ctx, connected := c.conn, c.ctx, c.connected
	c.connMu.RUnlock()
	if !connected {
		return nil, fmt.Errorf("not connected")
	}

	id := req.messageID()
	respCh := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Success != nil && !*resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("HA error: %s - %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, fmt.Errorf("request failed")
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for response")
	case <-ctx.Done():
		return nil, fmt.Errorf("client disconnected")
	}
}

func (c *Client) receiveMessages(ctx context.Context, conn *websocket.Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("Failed to read message", zap.Error(err))
			c.handleDisconnect(conn)
			return
		}

		if msg.Type == "event" {
			c.handleEvent(&msg)
			continue
		}
		if msg.ID == 0 {
			continue
		}

		c.pendingMu.Lock()
		if ch, ok := c.pending[msg.ID]; ok {
			select {
			case ch <- msg:
			default:
				c.logger.Warn("Response channel full", zap.Int("msg_id", msg.ID))
			}
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) handleEvent(msg *Message) {
	if msg.Event == nil || msg.Event.EventType != "state_changed" {
		return
	}

	var data StateChangedEvent
	if err := json.Unmarshal(msg.Event.Data, &data); err != nil {
		c.logger.Error("Failed to unmarshal state_changed event", zap.Error(err))
		return
	}
	c.subs.notify(data.EntityID, data.OldState, data.NewState)
}

// handleDisconnect marks the session down and starts reconnecting unless
// Disconnect was called. Subscriptions survive a reconnect.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	conn.Close()
	reconnect := c.reconnect
	ctx := c.ctx
	c.connMu.Unlock()

	c.logger.Warn("Connection lost")
	if reconnect {
		go c.attemptReconnect(ctx)
	}
}

func (c *Client) attemptReconnect(ctx context.Context) {
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		c.logger.Info("Attempting to reconnect...")
		if err := c.Connect(); err != nil {
			c.logger.Error("Reconnection failed", zap.Error(err), zap.Duration("next_attempt", backoff*2))
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.logger.Info("Reconnected successfully")
		return
	}
}

func (c *Client) subscribeToStateChanges() error {
	_, err := c.send(&SubscribeEventsRequest{
		ID:        c.nextMsgID(),
		Type:      "subscribe_events",
		EventType: "state_changed",
	})
	return err
}

// GetAllStates returns every entity state.
func (c *Client) GetAllStates() ([]*State, error) {
	resp, err := c.send(&GetStatesRequest{ID: c.nextMsgID(), Type: "get_states"})
	if err != nil {
		return nil, err
	}

	var states []*State
	if err := json.Unmarshal(resp.Result, &states); err != nil {
		return nil, fmt.Errorf("failed to unmarshal states: %w", err)
	}
	return states, nil
}

// CallService calls a Home Assistant service.
func (c *Client) CallService(domain, service string, data map[string]interface{}) error {
	_, err := c.send(&CallServiceRequest{
		ID:          c.nextMsgID(),
		Type:        "call_service",
		Domain:      domain,
		Service:     service,
		ServiceData: data,
	})
	if err != nil {
		return fmt.Errorf("failed to call %s.%s: %w", domain, service, err)
	}
	return nil
}

// SubscribeStateChanges calls handler for every state change of entityID.
func (c *Client) SubscribeStateChanges(entityID string, handler StateChangeHandler) (Subscription, error) {
	id := c.subs.add(entityID, handler)
	return &subscription{entityID: entityID, subID: id, set: c.subs}, nil
}

// SetState creates or replaces the state of entityID through the REST API.
// The websocket API has no equivalent command.
func (c *Client) SetState(ctx context.Context, entityID, state string, attributes map[string]interface{}) error {
	body, err := json.Marshal(StateUpdate{State: state, Attributes: attributes})
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", entityID, err)
	}

	endpoint := c.restBase + "/api/states/" + url.PathEscape(entityID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to set state of %s: %w", entityID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("failed to set state of %s: HTTP %d: %s", entityID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	c.logger.Debug("Set entity state",
		zap.String("entity_id", entityID),
		zap.String("state", state))
	return nil
}
