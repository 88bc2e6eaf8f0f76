package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/dingclaw/pkg/logger"
)

const registerPath = "/v1.0/gateway/connections/open"

// State is the lifecycle state of a StreamClient.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler receives envelopes routed to its topic. It runs on the socket's
// read goroutine and must not block.
type Handler func(Envelope)

// Timer is a pending delayed task.
type Timer interface {
	Stop() bool
}

// Scheduler runs f after d. time.AfterFunc is the default.
type Scheduler func(d time.Duration, f func()) Timer

// StreamConfig tunes connection and reconnect behaviour.
type StreamConfig struct {
	OpenTimeout     time.Duration
	DisconnectDelay time.Duration
	BaseDelay       time.Duration
	Growth          float64
	MaxMultiplier   float64
	MaxAttempts     int
	UserAgent       string
}

func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		OpenTimeout:     30 * time.Second,
		DisconnectDelay: 10 * time.Second,
		BaseDelay:       2 * time.Second,
		Growth:          1.5,
		MaxMultiplier:   2,
		MaxAttempts:     10,
		UserAgent:       "dingclaw/1.0",
	}
}

// BackoffDelay returns the delay before reconnect attempt n (1-based):
// base * min(maxMultiplier, growth^(n-1)).
func (c StreamConfig) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := math.Min(c.MaxMultiplier, math.Pow(c.Growth, float64(attempt-1)))
	return time.Duration(float64(c.BaseDelay) * mult)
}

// StreamClient holds the long-lived DingTalk stream connection. It
// registers for a one-time endpoint, acks every envelope before routing
// it, and reconnects with bounded backoff. One reconnect is pending at a
// time.
type StreamClient struct {
	creds      Credentials
	apiBase    string
	httpClient *http.Client
	dialer     *websocket.Dialer
	cfg        StreamConfig
	after      Scheduler

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	handlers map[string]Handler
	timer    Timer
	attempts int
	runCtx   context.Context
	err      error

	writeMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

type StreamOption func(*StreamClient)

func WithStreamAPIBase(base string) StreamOption {
	return func(c *StreamClient) {
		if base != "" {
			c.apiBase = strings.TrimRight(base, "/")
		}
	}
}

func WithStreamHTTPClient(hc *http.Client) StreamOption {
	return func(c *StreamClient) { c.httpClient = hc }
}

func WithStreamConfig(cfg StreamConfig) StreamOption {
	return func(c *StreamClient) { c.cfg = cfg }
}

func WithScheduler(s Scheduler) StreamOption {
	return func(c *StreamClient) { c.after = s }
}

func NewStreamClient(creds Credentials, opts ...StreamOption) *StreamClient {
	c := &StreamClient{
		creds:      creds,
		apiBase:    DefaultAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cfg:        DefaultStreamConfig(),
		after: func(d time.Duration, f func()) Timer {
			return time.AfterFunc(d, f)
		},
		handlers: make(map[string]Handler),
		runCtx:   context.Background(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.OpenTimeout,
	}
	return c
}

// OnMessage registers handler for topic. A later registration for the same
// topic replaces the earlier one.
func (c *StreamClient) OnMessage(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
}

func (c *StreamClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the client reaches StateClosed.
func (c *StreamClient) Done() <-chan struct{} {
	return c.done
}

// Err returns ErrMaxReconnect after the reconnect budget is exhausted.
func (c *StreamClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Run connects and keeps the connection alive until ctx is cancelled or
// reconnects are exhausted. Credential failures on the first connect are
// returned immediately; other failures go through the reconnect loop.
func (c *StreamClient) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	if err := c.Connect(ctx); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) || errors.Is(err, ErrClosed) {
			c.Disconnect()
			return err
		}
		logger.WarnCF("dingtalk", "Initial stream connect failed", map[string]any{"error": err.Error()})
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		c.Disconnect()
		return nil
	case <-c.done:
		return c.Err()
	}
}

// Connect registers a connection ticket and opens the socket. It returns
// once the socket is open or fails with *ConnectTimeoutError after
// OpenTimeout.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.state = StateConnecting
	c.mu.Unlock()

	endpoint, err := c.register(ctx)
	if err != nil {
		c.setDisconnected()
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.OpenTimeout)
	defer cancel()

	logger.InfoCF("dingtalk", "Connecting to stream endpoint", map[string]any{"endpoint": redactTicket(endpoint)})

	conn, _, err := c.dialer.DialContext(dialCtx, endpoint, nil)
	if err != nil {
		c.setDisconnected()
		if ctx.Err() == nil && errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return &ConnectTimeoutError{Endpoint: redactTicket(endpoint), Timeout: c.cfg.OpenTimeout}
		}
		return &SocketError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.mu.Unlock()

	logger.InfoC("dingtalk", "Stream connected")
	go c.readLoop(conn)
	return nil
}

// Disconnect closes the socket, clears handlers and cancels any pending
// reconnect. It is safe to call more than once.
func (c *StreamClient) Disconnect() {
	c.mu.Lock()
	wasClosed := c.state == StateClosed
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.handlers = make(map[string]Handler)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.doneOnce.Do(func() { close(c.done) })

	if !wasClosed {
		logger.InfoC("dingtalk", "Stream disconnected")
	}
}

type subscription struct {
	Type  EnvelopeType `json:"type"`
	Topic string       `json:"topic"`
}

type registerRequest struct {
	ClientID      string         `json:"clientId"`
	ClientSecret  string         `json:"clientSecret"`
	Subscriptions []subscription `json:"subscriptions"`
	UA            string         `json:"ua"`
}

type registerResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

func (c *StreamClient) register(ctx context.Context) (string, error) {
	if !c.creds.Valid() {
		return "", &AuthError{Err: ErrMissingCredentials}
	}

	body, err := json.Marshal(registerRequest{
		ClientID:     c.creds.AppKey,
		ClientSecret: c.creds.AppSecret,
		Subscriptions: []subscription{
			{Type: TypeEvent, Topic: TopicAll},
			{Type: TypeCallback, Topic: TopicBotMessage},
		},
		UA: c.cfg.UserAgent,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+registerPath, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &SocketError{Op: "register", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &SocketError{Op: "register", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &AuthError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	var out registerResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("dingtalk: decode connection ticket: %w", err)
	}
	if out.Endpoint == "" || out.Ticket == "" {
		return "", errors.New("dingtalk: connection registration returned no endpoint")
	}

	u, err := url.Parse(out.Endpoint)
	if err != nil {
		return "", fmt.Errorf("dingtalk: invalid stream endpoint: %w", err)
	}
	q := u.Query()
	q.Set("ticket", out.Ticket)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *StreamClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.DebugCF("dingtalk", "Stream read ended", map[string]any{"error": err.Error()})
			}
			break
		}
		c.handleFrame(conn, data)
	}
	c.onSocketClosed(conn)
}

func (c *StreamClient) handleFrame(conn *websocket.Conn, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.WarnCF("dingtalk", "Dropping malformed stream frame", map[string]any{"error": err.Error()})
		return
	}

	logger.DebugCF("dingtalk", "Envelope received", map[string]any{
		"type":       string(env.Type),
		"topic":      env.Headers.Topic,
		"message_id": env.Headers.MessageID,
	})

	c.sendAck(conn, env)

	switch env.Type {
	case TypeSystem:
		c.handleSystem(conn, env)
	case TypeCallback:
		c.dispatch(env.Headers.Topic, env)
	case TypeEvent:
		c.dispatch(TopicAll, env)
	default:
		logger.DebugCF("dingtalk", "Unknown envelope type", map[string]any{"type": string(env.Type)})
	}
}

// sendAck is fire-and-forget; a failed write surfaces as a read error and
// goes through reconnect.
func (c *StreamClient) sendAck(conn *websocket.Conn, env Envelope) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(NewAck(env)); err != nil {
		logger.WarnCF("dingtalk", "Failed to ack envelope", map[string]any{
			"message_id": env.Headers.MessageID,
			"error":      err.Error(),
		})
	}
}

func (c *StreamClient) handleSystem(conn *websocket.Conn, env Envelope) {
	switch env.Headers.Topic {
	case TopicPing:
		logger.DebugC("dingtalk", "Stream ping")
	case TopicDisconnect:
		logger.WarnCF("dingtalk", "Server requested disconnect, reconnecting", map[string]any{
			"delay": c.cfg.DisconnectDelay.String(),
		})
		c.mu.Lock()
		if c.state != StateClosed && c.timer == nil && c.conn == conn {
			c.timer = c.after(c.cfg.DisconnectDelay, c.reconnect)
		}
		c.mu.Unlock()
	}
}

func (c *StreamClient) dispatch(topic string, env Envelope) {
	c.mu.Lock()
	h := c.handlers[topic]
	c.mu.Unlock()
	if h == nil {
		logger.DebugCF("dingtalk", "No handler for topic", map[string]any{"topic": topic})
		return
	}
	h(env)
}

func (c *StreamClient) onSocketClosed(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.conn = nil
	if c.state == StateClosed {
		return
	}
	logger.WarnC("dingtalk", "Stream socket closed")
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the next reconnect attempt unless one is
// already pending. Exhausting MaxAttempts moves the client to StateClosed.
func (c *StreamClient) scheduleReconnectLocked() {
	if c.state == StateClosed {
		return
	}
	c.state = StateDisconnected
	if c.timer != nil {
		return
	}
	if c.attempts >= c.cfg.MaxAttempts {
		logger.ErrorCF("dingtalk", "Max reconnection attempts reached", map[string]any{
			"attempts": c.attempts,
		})
		c.err = ErrMaxReconnect
		c.state = StateClosed
		c.handlers = make(map[string]Handler)
		c.doneOnce.Do(func() { close(c.done) })
		return
	}
	c.attempts++
	delay := c.cfg.BackoffDelay(c.attempts)
	logger.InfoCF("dingtalk", "Scheduling reconnect", map[string]any{
		"attempt": c.attempts,
		"delay":   delay.String(),
	})
	c.timer = c.after(delay, c.reconnect)
}

func (c *StreamClient) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	stale := c.conn
	c.conn = nil
	ctx := c.runCtx
	c.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	if err := c.Connect(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		logger.ErrorCF("dingtalk", "Reconnection failed", map[string]any{"error": err.Error()})
		c.mu.Lock()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
	}
}

func (c *StreamClient) setDisconnected() {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
}

func redactTicket(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Has("ticket") {
		q.Set("ticket", "***")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
