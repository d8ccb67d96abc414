package huddle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"nhooyr.io/websocket"
)

// serverConn is the server half of an accepted socket. A goroutine drains
// it so control frames are answered.
type serverConn struct {
	conn     *websocket.Conn
	frames   chan []byte
	closed   chan struct{}
	closeErr error
}

func (s *serverConn) write(t *testing.T, frame string) {
	t.Helper()
	if err := s.conn.Write(context.Background(), websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (s *serverConn) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case b := <-s.frames:
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("client frame %q: %v", b, err)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

type wsServer struct {
	srv   *httptest.Server
	conns chan *serverConn

	mu     sync.Mutex
	dials  int
	auth   []string
	paths  []string
	reject func(dial int) int
	// silent connections are accepted but never read, so pings go unanswered.
	silent bool
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *serverConn, 8)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.dials++
	dial := s.dials
	s.auth = append(s.auth, r.Header.Get("Authorization"))
	s.paths = append(s.paths, r.URL.Path)
	reject := s.reject
	silent := s.silent
	s.mu.Unlock()

	if reject != nil {
		if status := reject(dial); status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn, frames: make(chan []byte, 16), closed: make(chan struct{})}
	if silent {
		s.conns <- sc
		return
	}
	go func() {
		for {
			_, b, err := conn.Read(context.Background())
			if err != nil {
				sc.closeErr = err
				close(sc.closed)
				return
			}
			sc.frames <- b
		}
	}()
	s.conns <- sc
}

func (s *wsServer) accepted(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

func (s *wsServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func newTestConnection(t *testing.T, url string, tokens TokenProvider, metrics *Metrics) *Connection {
	t.Helper()
	c := NewConnection(ConnectionConfig{
		URL:               url,
		Tokens:            tokens,
		ConnectTimeout:    2 * time.Second,
		ReconnectInterval: 10 * time.Millisecond,
		HeartbeatInterval: -1,
		Metrics:           metrics,
	})
	t.Cleanup(c.Close)
	return c
}

// ============================================================================
// Connecting
// ============================================================================

func TestConnectionConnect(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConnection(t, srv.srv.URL, StaticToken("tok"), nil)
	var states recorder[ConnectionStateEvent]
	c.Events().ConnectionState.Subscribe(states.add)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.accepted(t)
	if !c.Connected() || c.State() != StateConnected {
		t.Errorf("state = %s", c.State())
	}
	if srv.auth[0] != "Bearer tok" {
		t.Errorf("Authorization = %q", srv.auth[0])
	}
	if srv.paths[0] != "/ws/chat" {
		t.Errorf("path = %q", srv.paths[0])
	}
	waitFor(t, "connected event", func() bool { return states.len() == 1 })
	if ev := states.snapshot()[0]; !ev.Connected || ev.State != StateConnected {
		t.Errorf("event = %+v", ev)
	}

	// Connect while connected is a no-op.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := srv.dialCount(); n != 1 {
		t.Errorf("dials = %d", n)
	}
}

func TestConnectionRejectsBeforeDialing(t *testing.T) {
	srv := newWSServer(t)
	tests := []struct {
		name   string
		url    string
		tokens TokenProvider
		want   error
	}{
		{"no provider", srv.srv.URL, nil, ErrAuthenticationFailed},
		{"empty token", srv.srv.URL, StaticToken(""), ErrAuthenticationFailed},
		{"expired jwt", srv.srv.URL, StaticToken(signedToken(t, "me", time.Now().Add(-time.Minute))), ErrAuthenticationFailed},
		{"bad scheme", "ftp://rt.huddle.fit", StaticToken("tok"), ErrInvalidURL},
		{"no host", "wss://", StaticToken("tok"), ErrInvalidURL},
		{"unparsable", "://nope", StaticToken("tok"), ErrInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConnection(t, tt.url, tt.tokens, nil)
			var errs recorder[error]
			c.Events().Errors.Subscribe(errs.add)

			err := c.Connect(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if c.State() != StateDisconnected {
				t.Errorf("state = %s", c.State())
			}
			waitFor(t, "published error", func() bool { return errs.len() == 1 })
		})
	}
	if n := srv.dialCount(); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
}

func TestConnectionHandshakeUnauthorized(t *testing.T) {
	srv := newWSServer(t)
	srv.reject = func(int) int { return http.StatusUnauthorized }
	c := newTestConnection(t, srv.srv.URL, StaticToken("revoked"), nil)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Fatalf("err = %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := srv.dialCount(); n != 1 {
		t.Errorf("dials = %d, want no retry", n)
	}
	if c.ReconnectAttempts() != 0 || c.State() != StateDisconnected {
		t.Errorf("attempts = %d, state = %s", c.ReconnectAttempts(), c.State())
	}
}

// ============================================================================
// Receiving
// ============================================================================

func TestConnectionDispatchesFrames(t *testing.T) {
	srv := newWSServer(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	c := newTestConnection(t, srv.srv.URL, StaticToken("tok"), metrics)

	var msgs recorder[MessageEvent]
	var typing recorder[TypingEvent]
	var receipts recorder[ReadReceiptEvent]
	var errs recorder[error]
	bus := c.Events()
	bus.Messages.Subscribe(msgs.add)
	bus.Typing.Subscribe(typing.add)
	bus.ReadReceipts.Subscribe(receipts.add)
	bus.Errors.Subscribe(errs.add)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := srv.accepted(t)
	sc.write(t, `{"type":"new_message","data":{"message":{"id":"m1","conversationId":"c1","senderId":"other","content":"hi"}}}`)
	sc.write(t, `{"type":"typing_start","data":{"conversationId":"c1","userId":"other","userName":"Olivia"}}`)
	sc.write(t, `{"type":"read_receipt","data":{"conversationId":"c1","messageId":"m1","userId":"other"}}`)
	sc.write(t, `{"type":"presence","data":{}}`)
	sc.write(t, `{"type":"new_message","data":`)

	waitFor(t, "message", func() bool { return msgs.len() == 1 })
	waitFor(t, "typing", func() bool { return typing.len() == 1 })
	waitFor(t, "receipt", func() bool { return receipts.len() == 1 })
	waitFor(t, "decode error", func() bool { return errs.len() == 1 })

	if ev := msgs.snapshot()[0]; ev.ConversationID != "c1" || ev.Message.ID != "m1" || ev.Message.MessageType != MessageTypeText {
		t.Errorf("message = %+v", ev)
	}
	if ev := typing.snapshot()[0]; ev.UserName != "Olivia" || !ev.IsTyping {
		t.Errorf("typing = %+v", ev)
	}
	if !errors.Is(errs.snapshot()[0], ErrDecodingFailed) {
		t.Errorf("error = %v", errs.snapshot()[0])
	}
	if got := testutil.ToFloat64(metrics.framesIgnored); got != 1 {
		t.Errorf("ignored frames = %v", got)
	}
	if got := testutil.ToFloat64(metrics.framesReceived.WithLabelValues(string(IncomingNewMessage))); got != 1 {
		t.Errorf("new_message frames = %v", got)
	}
	if !c.Connected() {
		t.Error("a bad frame must not drop the connection")
	}
}

// ============================================================================
// Sending
// ============================================================================

func TestConnectionSend(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConnection(t, srv.srv.URL, StaticToken("tok"), nil)
	ctx := context.Background()

	if err := c.SendTyping(ctx, "c1", true); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("send before connect = %v", err)
	}
	if err := c.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	sc := srv.accepted(t)

	if err := c.SendTyping(ctx, "c1", true); err != nil {
		t.Fatal(err)
	}
	if err := c.SendReadReceipt(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	if err := c.SendChatMessage(ctx, "c1", "hello", ""); err != nil {
		t.Fatal(err)
	}

	f := sc.next(t)
	if f["type"] != "typing_start" || f["data"].(map[string]interface{})["conversationId"] != "c1" {
		t.Errorf("frame = %v", f)
	}
	f = sc.next(t)
	if f["type"] != "mark_read" || f["data"].(map[string]interface{})["messageId"] != "m1" {
		t.Errorf("frame = %v", f)
	}
	f = sc.next(t)
	data := f["data"].(map[string]interface{})
	if f["type"] != "send_message" || data["content"] != "hello" || data["messageType"] != "text" {
		t.Errorf("frame = %v", f)
	}

	if err := c.Send(ctx, OutgoingEvent{Type: "bogus", ConversationID: "c1"}); !errors.Is(err, ErrSendFailed) {
		t.Errorf("unknown type = %v", err)
	}
}

// ============================================================================
// Disconnecting and reconnecting
// ============================================================================

func TestConnectionDisconnect(t *testing.T) {
	srv := newWSServer(t)
	c := newTestConnection(t, srv.srv.URL, StaticToken("tok"), nil)
	var states recorder[ConnectionStateEvent]
	c.Events().ConnectionState.Subscribe(states.add)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := srv.accepted(t)
	c.Disconnect()

	select {
	case <-sc.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not see the close")
	}
	if status := websocket.CloseStatus(sc.closeErr); status != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", status)
	}
	waitFor(t, "disconnected event", func() bool { return states.len() == 2 })
	time.Sleep(50 * time.Millisecond)
	if n := srv.dialCount(); n != 1 {
		t.Errorf("dials = %d, want no reconnect", n)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %s", c.State())
	}

	// An explicit Connect after Disconnect opens a new socket.
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.accepted(t)
}

func TestConnectionServerCloseStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    websocket.StatusCode
		reconnect bool
	}{
		{"going away", websocket.StatusGoingAway, false},
		{"normal closure", websocket.StatusNormalClosure, true},
		{"internal error", websocket.StatusInternalError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newWSServer(t)
			c := newTestConnection(t, srv.srv.URL, StaticToken("tok"), nil)
			var drops recorder[ConnectionStateEvent]
			c.Events().ConnectionState.Subscribe(drops.add, func(ev ConnectionStateEvent) bool {
				return ev.State == StateDisconnected
			})
			if err := c.Connect(context.Background()); err != nil {
				t.Fatal(err)
			}
			srv.accepted(t).conn.Close(tt.status, "bye")

			waitFor(t, "disconnect event", func() bool { return drops.len() > 0 })
			if !tt.reconnect {
				time.Sleep(50 * time.Millisecond)
				if n := srv.dialCount(); n != 1 {
					t.Errorf("dials = %d, want 1", n)
				}
				if ev := drops.snapshot()[0]; ev.RetryIn != 0 || ev.Attempt != 0 {
					t.Errorf("event = %+v, want no retry", ev)
				}
				return
			}
			if ev := drops.snapshot()[0]; ev.RetryIn != 10*time.Millisecond || ev.Attempt != 1 {
				t.Errorf("event = %+v, want retry 1 in 10ms", ev)
			}
			srv.accepted(t)
			waitFor(t, "reconnect", c.Connected)
		})
	}
}

func TestConnectionReconnectBackoff(t *testing.T) {
	srv := newWSServer(t)
	srv.reject = func(dial int) int {
		if dial > 1 {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	c := newTestConnection(t, srv.srv.URL, StaticToken("tok"), metrics)

	var drops recorder[ConnectionStateEvent]
	c.Events().ConnectionState.Subscribe(drops.add, func(ev ConnectionStateEvent) bool {
		return ev.State == StateDisconnected
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := srv.accepted(t)
	sc.conn.Close(websocket.StatusInternalError, "crash")

	waitFor(t, "six failures", func() bool { return drops.len() == 6 })
	time.Sleep(100 * time.Millisecond)

	got := drops.snapshot()
	if len(got) != 6 {
		t.Fatalf("disconnect events = %d, want 6", len(got))
	}
	for i, ev := range got {
		want := time.Duration(i+1) * 10 * time.Millisecond
		if i == 5 {
			want = 0
		}
		if ev.RetryIn != want {
			t.Errorf("event %d RetryIn = %v, want %v", i, ev.RetryIn, want)
		}
		if ev.Err == nil || !errors.Is(ev.Err, ErrConnectionFailed) {
			t.Errorf("event %d Err = %v", i, ev.Err)
		}
	}
	if n := srv.dialCount(); n != 6 {
		t.Errorf("dials = %d, want 6", n)
	}
	if got := testutil.ToFloat64(metrics.reconnects); got != 5 {
		t.Errorf("reconnects = %v, want 5", got)
	}
	if c.State() != StateDisconnected || c.ReconnectAttempts() != 5 {
		t.Errorf("state = %s, attempts = %d", c.State(), c.ReconnectAttempts())
	}

	// A successful open resets the counter.
	srv.mu.Lock()
	srv.reject = nil
	srv.mu.Unlock()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.accepted(t)
	if n := c.ReconnectAttempts(); n != 0 {
		t.Errorf("attempts after open = %d", n)
	}
}

func TestConnectionDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newWSServer(t)
	c := NewConnection(ConnectionConfig{
		URL:               srv.srv.URL,
		Tokens:            StaticToken("tok"),
		ReconnectInterval: 100 * time.Millisecond,
		HeartbeatInterval: -1,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	sc := srv.accepted(t)
	sc.conn.Close(websocket.StatusInternalError, "crash")
	waitFor(t, "reconnect scheduled", func() bool { return c.ReconnectAttempts() == 1 })

	c.Disconnect()
	time.Sleep(250 * time.Millisecond)
	if n := srv.dialCount(); n != 1 {
		t.Errorf("dials = %d, want pending reconnect cancelled", n)
	}
}

func TestConnectionHeartbeat(t *testing.T) {
	srv := newWSServer(t)
	c := NewConnection(ConnectionConfig{
		URL:               srv.srv.URL,
		Tokens:            StaticToken("tok"),
		HeartbeatInterval: 10 * time.Millisecond,
		ConnectTimeout:    time.Second,
	})
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.accepted(t)
	time.Sleep(100 * time.Millisecond)
	if !c.Connected() {
		t.Error("answered pings should keep the connection open")
	}
}

func TestConnectionHeartbeatFailureReconnects(t *testing.T) {
	srv := newWSServer(t)
	srv.silent = true
	srv.reject = func(dial int) int {
		if dial > 1 {
			return http.StatusServiceUnavailable
		}
		return 0
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	c := NewConnection(ConnectionConfig{
		URL:               srv.srv.URL,
		Tokens:            StaticToken("tok"),
		HeartbeatInterval: 20 * time.Millisecond,
		ConnectTimeout:    100 * time.Millisecond,
		ReconnectInterval: time.Hour,
		Metrics:           metrics,
	})
	defer c.Close()

	var drops recorder[ConnectionStateEvent]
	c.Events().ConnectionState.Subscribe(drops.add, func(ev ConnectionStateEvent) bool {
		return ev.State == StateDisconnected
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.accepted(t)

	start := time.Now()
	waitFor(t, "heartbeat teardown", func() bool { return drops.len() > 0 })
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("teardown took %v", elapsed)
	}
	ev := drops.snapshot()[0]
	if ev.Attempt != 1 || ev.RetryIn != time.Hour {
		t.Errorf("event = %+v, want retry 1 in 1h", ev)
	}
	if !errors.Is(ev.Err, ErrConnectionFailed) {
		t.Errorf("err = %v", ev.Err)
	}
	if n := c.ReconnectAttempts(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if got := testutil.ToFloat64(metrics.bestEffortFailures.WithLabelValues("heartbeat")); got != 1 {
		t.Errorf("heartbeat failures = %v", got)
	}
}
