package huddle

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures the realtime transport.
type ConnectionConfig struct {
	// URL is the realtime host, e.g. wss://rt.example.com. http(s) schemes are
	// mapped to ws(s).
	URL string
	// Path is appended to URL. Defaults to /ws/chat.
	Path   string
	Tokens TokenProvider

	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	// ReconnectInterval is the backoff step: the delay before attempt k is
	// k * ReconnectInterval.
	ReconnectInterval time.Duration
	// HeartbeatInterval is the ping period while connected. Negative disables it.
	HeartbeatInterval time.Duration
	HTTPClient        *http.Client

	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *ConnectionConfig) defaults() {
	if c.Path == "" {
		c.Path = "/ws/chat"
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 2 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

const readLimit = 1 << 20

// ConnectionState is the transport lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ConnectionStateEvent is published on every transition to connected or
// disconnected. Attempt and RetryIn describe the scheduled reconnect, if any.
type ConnectionStateEvent struct {
	State     ConnectionState
	Connected bool
	Attempt   int
	RetryIn   time.Duration
	Err       error
}

// ============================================================================
// Connection
// ============================================================================

// Connection owns the single realtime socket. All reads and writes to the
// socket go through it; decoded events are published on its EventBus.
type Connection struct {
	cfg     ConnectionConfig
	bus     *EventBus
	codec   *Codec
	logger  *zap.Logger
	metrics *Metrics

	mu          sync.Mutex
	conn        *websocket.Conn
	state       ConnectionState
	generation  uint64
	intentional bool
	attempts    int
	timer       *time.Timer
	cancelRead  context.CancelFunc
}

// NewConnection creates a disconnected transport.
func NewConnection(cfg ConnectionConfig) *Connection {
	cfg.defaults()
	return &Connection{
		cfg:     cfg,
		bus:     NewEventBus(cfg.Logger),
		codec:   NewCodec(),
		logger:  cfg.Logger.Named("realtime"),
		metrics: cfg.Metrics,
		state:   StateDisconnected,
	}
}

// Events returns the bus decoded events are published on.
func (c *Connection) Events() *EventBus { return c.bus }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the socket is open.
func (c *Connection) Connected() bool { return c.State() == StateConnected }

// ReconnectAttempts returns the number of automatic reconnects scheduled
// since the last successful open.
func (c *Connection) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect opens the socket. It is a no-op while connected or connecting.
// Lifecycle errors are also published on Events().Errors.
func (c *Connection) Connect(ctx context.Context) error {
	return c.connect(ctx, 0, false)
}

func (c *Connection) connect(ctx context.Context, scheduledGen uint64, scheduled bool) error {
	c.mu.Lock()
	if scheduled && (c.generation != scheduledGen || c.intentional) {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	token, err := c.bearerToken()
	if err == nil {
		var endpoint string
		endpoint, err = c.endpoint()
		if err == nil {
			c.state = StateConnecting
			c.intentional = false
			c.generation++
			gen := c.generation
			c.mu.Unlock()
			return c.dial(ctx, endpoint, token, gen)
		}
	}
	c.bus.Errors.Publish(err)
	c.mu.Unlock()
	c.logger.Warn("connect rejected", zap.Error(err))
	return err
}

func (c *Connection) bearerToken() (string, error) {
	if c.cfg.Tokens == nil {
		return "", newError(ErrorAuthenticationFailed, "no token provider")
	}
	token, ok := c.cfg.Tokens.CurrentToken()
	if !ok || token == "" {
		return "", newError(ErrorAuthenticationFailed, "no bearer token available")
	}
	if claims, err := ParseTokenClaims(token); err == nil && claims.Expired(time.Now()) {
		return "", newError(ErrorAuthenticationFailed, "bearer token expired")
	}
	return token, nil
}

func (c *Connection) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", wrapError(ErrorInvalidURL, c.cfg.URL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", newError(ErrorInvalidURL, c.cfg.URL)
	}
	if u.Host == "" {
		return "", newError(ErrorInvalidURL, c.cfg.URL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.cfg.Path
	return u.String(), nil
}

func (c *Connection) dial(ctx context.Context, endpoint, token string, gen uint64) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.logger.Debug("dialing", zap.String("url", endpoint))
	conn, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			rerr := wrapError(ErrorAuthenticationFailed, "handshake rejected", err)
			c.mu.Lock()
			if c.generation == gen && c.state == StateConnecting {
				c.state = StateDisconnected
				c.bus.ConnectionState.Publish(ConnectionStateEvent{State: StateDisconnected, Err: rerr})
			}
			c.bus.Errors.Publish(rerr)
			c.mu.Unlock()
			return rerr
		}
		rerr := wrapError(ErrorConnectionFailed, "dial", err)
		c.fail(gen, rerr, -1)
		return rerr
	}

	c.mu.Lock()
	if c.generation != gen || c.intentional {
		c.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "client disconnect")
		return newError(ErrorDisconnected, "disconnected while connecting")
	}
	conn.SetReadLimit(readLimit)
	readCtx, cancelRead := context.WithCancel(context.Background())
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.cancelRead = cancelRead
	// Publishing never blocks, so events go out under mu in transition order.
	c.bus.ConnectionState.Publish(ConnectionStateEvent{State: StateConnected, Connected: true})
	c.mu.Unlock()

	c.metrics.setConnected(true)
	c.logger.Info("connected", zap.String("url", endpoint))

	go c.readLoop(readCtx, conn, gen)
	if c.cfg.HeartbeatInterval > 0 {
		go c.heartbeatLoop(readCtx, conn)
	}
	return nil
}

// Disconnect closes the socket with a going-away status and cancels any
// pending reconnect. It is terminal until the next Connect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.intentional = true
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	cancelRead := c.cancelRead
	c.conn = nil
	c.cancelRead = nil
	c.state = StateDisconnected
	c.bus.ConnectionState.Publish(ConnectionStateEvent{State: StateDisconnected})
	c.mu.Unlock()

	c.metrics.setConnected(false)
	if conn != nil {
		if err := conn.Close(websocket.StatusGoingAway, "client disconnect"); err != nil {
			c.logger.Debug("close", zap.Error(err))
		}
		c.logger.Info("disconnected")
	}
	if cancelRead != nil {
		cancelRead()
	}
}

// Close disconnects and cancels every bus subscription.
func (c *Connection) Close() {
	c.Disconnect()
	c.bus.Close()
}

// fail handles a lost connection or failed dial for generation gen.
func (c *Connection) fail(gen uint64, err error, status websocket.StatusCode) {
	c.mu.Lock()
	if c.generation != gen || c.intentional {
		c.mu.Unlock()
		return
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	c.conn = nil
	c.state = StateDisconnected

	ev := ConnectionStateEvent{State: StateDisconnected, Err: err}
	if status != websocket.StatusGoingAway && c.attempts < c.cfg.MaxReconnectAttempts {
		c.attempts++
		delay := time.Duration(c.attempts) * c.cfg.ReconnectInterval
		ev.RetryIn = delay
		c.timer = time.AfterFunc(delay, func() {
			c.connect(context.Background(), gen, true)
		})
		c.metrics.reconnectScheduled()
	}
	ev.Attempt = c.attempts
	c.bus.ConnectionState.Publish(ev)
	c.bus.Errors.Publish(err)
	c.mu.Unlock()

	c.metrics.setConnected(false)
	c.logger.Warn("connection lost",
		zap.Error(err),
		zap.Int("attempt", ev.Attempt),
		zap.Duration("retry_in", ev.RetryIn),
	)
}

// ============================================================================
// Sending
// ============================================================================

// Send encodes ev and writes it. Write failures are returned as SendFailed
// and do not trigger a reconnect.
func (c *Connection) Send(ctx context.Context, ev OutgoingEvent) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || conn == nil {
		return newError(ErrorDisconnected, "not connected")
	}
	data, err := c.codec.Encode(ev)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.metrics.sendFailed(ev.Type)
		return wrapError(ErrorSendFailed, string(ev.Type), err)
	}
	return nil
}

// SendChatMessage sends a send_message command.
func (c *Connection) SendChatMessage(ctx context.Context, conversationID, content string, msgType MessageType) error {
	return c.Send(ctx, OutgoingEvent{
		Type:           OutgoingSendMessage,
		ConversationID: conversationID,
		Content:        content,
		MessageType:    msgType,
	})
}

// SendTyping sends typing_start or typing_stop.
func (c *Connection) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	t := OutgoingTypingStop
	if typing {
		t = OutgoingTypingStart
	}
	return c.Send(ctx, OutgoingEvent{Type: t, ConversationID: conversationID})
}

// SendReadReceipt sends a mark_read command for messageID.
func (c *Connection) SendReadReceipt(ctx context.Context, conversationID, messageID string) error {
	return c.Send(ctx, OutgoingEvent{
		Type:           OutgoingMarkRead,
		ConversationID: conversationID,
		MessageID:      messageID,
	})
}

// ============================================================================
// Receive Loop
// ============================================================================

func (c *Connection) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.fail(gen, wrapError(ErrorConnectionFailed, "receive", err), websocket.CloseStatus(err))
			return
		}
		c.dispatch(data)
	}
}

func (c *Connection) dispatch(data []byte) {
	ev, err := c.codec.Decode(data)
	if errors.Is(err, ErrFrameIgnored) {
		c.metrics.frameIgnored()
		c.logger.Debug("frame ignored", zap.Int("bytes", len(data)))
		return
	}
	if err != nil {
		c.metrics.decodeFailed()
		c.logger.Warn("frame decode failed", zap.Error(err))
		c.bus.Errors.Publish(err)
		return
	}

	c.metrics.frameReceived(ev.EventType())
	switch e := ev.(type) {
	case MessageEvent:
		c.bus.Messages.Publish(e)
	case TypingEvent:
		c.bus.Typing.Publish(e)
	case ReadReceiptEvent:
		c.bus.ReadReceipts.Publish(e)
	}
}

func (c *Connection) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		err := conn.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		// A dead peer never answers a close handshake, so drop the socket
		// and let the read loop fail into the backoff path.
		c.logger.Warn("heartbeat failed", zap.Error(err))
		c.metrics.bestEffortFailed("heartbeat")
		conn.CloseNow()
		return
	}
}
