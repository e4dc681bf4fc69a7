package onebot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is the subset of a WebSocket connection the client needs. Satisfied
// by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a connection to the OneBot endpoint.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

func defaultDialer(ctx context.Context, rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Options configures a Client.
type Options struct {
	URL         string
	AccessToken string
	// CallTimeout bounds each API call; default 10s.
	CallTimeout time.Duration
	// ReconnectInterval is the flat delay between reconnect attempts; default 5s.
	ReconnectInterval time.Duration
	// Dialer overrides the WebSocket dialer. Nil uses gorilla's default.
	Dialer Dialer
}

// EventHandler receives unsolicited events from the read loop. It must return
// promptly; anything slow belongs in a goroutine of the handler's own.
type EventHandler func(evt Event)

// StateHandler is notified on every connection state transition.
type StateHandler func(state State)

// Client is a correlated-RPC channel over one persistent OneBot WebSocket
// connection, with automatic reconnection. Each Call is matched to its
// response by a process-unique echo token; unanswered calls time out, and a
// dropped connection fails every pending call with ErrConnectionLost.
type Client struct {
	url               string
	callTimeout       time.Duration
	reconnectInterval time.Duration
	logger            *slog.Logger
	dial              Dialer

	seq     atomic.Int64
	pending *pendingCalls

	mu               sync.Mutex
	conn             Conn
	state            State
	reconnectTimer   *time.Timer
	reconnectPending bool
	stopped          bool

	writeMu sync.Mutex

	eventHandler EventHandler
	stateHandler StateHandler
}

// NewClient creates a client for the given endpoint. Call SetEventHandler
// before Start.
func NewClient(log *slog.Logger, opts Options) *Client {
	if log == nil {
		log = slog.Default()
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	reconnectInterval := opts.ReconnectInterval
	if reconnectInterval <= 0 {
		reconnectInterval = 5 * time.Second
	}
	dial := opts.Dialer
	if dial == nil {
		dial = defaultDialer
	}
	return &Client{
		url:               buildURL(opts.URL, opts.AccessToken),
		callTimeout:       callTimeout,
		reconnectInterval: reconnectInterval,
		logger:            log.With(slog.String("component", "onebot")),
		dial:              dial,
		pending:           newPendingCalls(),
		state:             StateDisconnected,
	}
}

func buildURL(rawURL, accessToken string) string {
	if accessToken == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()
	return u.String()
}

// SetEventHandler registers the handler for unsolicited events.
func (c *Client) SetEventHandler(handler EventHandler) {
	c.eventHandler = handler
}

// SetStateHandler registers the handler for connection state transitions.
func (c *Client) SetStateHandler(handler StateHandler) {
	c.stateHandler = handler
}

func (c *Client) notify(state State) {
	if h := c.stateHandler; h != nil {
		h(state)
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel is live.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Start dials the endpoint and begins the read loop. The first dial failure
// is returned to the caller; losses after a successful start are handled by
// the reconnect loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("onebot: client stopped")
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting)

	conn, err := c.dial(ctx, c.url)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notify(StateDisconnected)
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.install(conn)
	return nil
}

// Stop closes the connection, cancels any scheduled reconnect, and fails all
// pending calls. No reconnect attempt fires after Stop returns.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnectPending = false
	conn := c.conn
	c.conn = nil
	wasConnected := c.state == StateConnected
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	c.pending.failAll(ErrConnectionLost)
	if wasConnected {
		c.notify(StateDisconnected)
	}
	c.logger.Info("stopped")
}

// install takes ownership of a freshly dialed connection.
func (c *Client) install(conn Conn) {
	connID := uuid.NewString()
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.pending.reopen()
	c.logger.Info("connected", slog.String("conn_id", connID))
	c.notify(StateConnected)
	go c.readLoop(conn, connID)
}

func (c *Client) readLoop(conn Conn, connID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, connID, err)
			return
		}
		kind, resp, evt := Classify(raw)
		switch kind {
		case FrameResponse:
			if !c.pending.resolve(resp) {
				c.logger.Debug("late response dropped", slog.String("echo", resp.Echo))
			}
		case FrameEvent:
			if h := c.eventHandler; h != nil {
				h(evt)
			}
		default:
			c.logger.Warn("malformed frame dropped", slog.String("conn_id", connID))
		}
	}
}

func (c *Client) handleDisconnect(conn Conn, connID string, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A replaced connection's read loop winding down; nothing to do.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateDisconnected
	stopped := c.stopped
	c.mu.Unlock()

	conn.Close()
	failed := c.pending.failAll(ErrConnectionLost)
	c.logger.Warn("connection lost",
		slog.String("conn_id", connID),
		slog.Int("pending_failed", failed),
		slog.Any("error", cause),
	)
	c.notify(StateDisconnected)
	if !stopped {
		c.scheduleReconnect()
	}
}

// scheduleReconnect arms the reconnect timer. At most one attempt is
// scheduled or in flight at a time.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped || c.reconnectPending || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.reconnectPending = true
	c.reconnectTimer = time.AfterFunc(c.reconnectInterval, c.attemptReconnect)
	c.mu.Unlock()
	c.logger.Info("reconnect scheduled", slog.Duration("after", c.reconnectInterval))
}

func (c *Client) attemptReconnect() {
	c.mu.Lock()
	c.reconnectPending = false
	c.reconnectTimer = nil
	if c.stopped || c.state != StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting)

	conn, err := c.dial(context.Background(), c.url)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notify(StateDisconnected)
		c.logger.Error("reconnect failed", slog.Any("error", err))
		c.scheduleReconnect()
		return
	}
	c.install(conn)
}

// Call issues an API call with the client's default timeout.
func (c *Client) Call(ctx context.Context, action string, params any) (json.RawMessage, error) {
	return c.CallWithTimeout(ctx, action, params, c.callTimeout)
}

// CallWithTimeout issues an API call bounded by the given timeout. The
// response data is returned on success; a declared failure yields *APIError.
// The call fails with ErrNotConnected when the channel is down, ErrTimeout
// when unanswered past the deadline, and ErrConnectionLost when the
// connection drops while the call is pending.
func (c *Client) CallWithTimeout(ctx context.Context, action string, params any, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	live := c.state == StateConnected
	c.mu.Unlock()
	if !live || conn == nil {
		return nil, ErrNotConnected
	}

	echo := fmt.Sprintf("echo_%d_%d", time.Now().UnixMilli(), c.seq.Add(1))
	data, err := json.Marshal(Request{Action: action, Params: params, Echo: echo})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", action, err)
	}

	ch, err := c.pending.register(echo)
	if err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.pending.remove(echo)
		return nil, fmt.Errorf("write %s: %w", action, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return unpack(action, res)
	case <-timer.C:
		if c.pending.remove(echo) {
			return nil, fmt.Errorf("%s: %w", action, ErrTimeout)
		}
		// Deregistered by a concurrent resolve: the result is already in
		// flight on the buffered channel.
		return unpack(action, <-ch)
	case <-ctx.Done():
		c.pending.remove(echo)
		return nil, ctx.Err()
	}
}

func unpack(action string, res callResult) (json.RawMessage, error) {
	if res.err != nil {
		return nil, res.err
	}
	if !res.resp.OK() {
		return nil, &APIError{Action: action, RetCode: res.resp.RetCode, Message: res.resp.Message}
	}
	return res.resp.Data, nil
}
