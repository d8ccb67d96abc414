package huddle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Realtime is the part of *Connection the sync engines use.
type Realtime interface {
	Events() *EventBus
	Connected() bool
	Connect(ctx context.Context) error
	Disconnect()
	SendTyping(ctx context.Context, conversationID string, typing bool) error
	SendReadReceipt(ctx context.Context, conversationID, messageID string) error
}

var _ Realtime = (*Connection)(nil)

// ConversationConfig configures a ConversationSync.
type ConversationConfig struct {
	CurrentUserID string
	// TypingTimeout is how long after the last keystroke typing_stop is sent.
	TypingTimeout time.Duration
	// TypingTTL is how long a received typing indicator stays visible
	// without a refresh.
	TypingTTL    time.Duration
	TimestampGap time.Duration

	Logger  *zap.Logger
	Metrics *Metrics
}

func (c *ConversationConfig) defaults() {
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 3 * time.Second
	}
	if c.TypingTTL == 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.TimestampGap == 0 {
		c.TimestampGap = DefaultTimestampGap
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// ConversationSync
// ============================================================================

// ConversationSync is the view model of one open conversation. It merges
// history from the repository with live events and drives the local typing
// indicator. All state is owned by a single actor goroutine; network sends
// that must not block it go through a separate serial outbox.
type ConversationSync struct {
	id      string
	rt      Realtime
	repo    *Repository
	cfg     ConversationConfig
	logger  *zap.Logger
	metrics *Metrics

	state  *actor
	outbox *actor
	subs   []*Subscription
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// Owned by state.
	conversation *Conversation
	messages     []Message
	index        map[string]int
	draft        string
	lastErr      error
	others       map[string]TypingUser
	typing       *typingIndicator
	loaded       bool
}

// NewConversationSync opens conversationID and subscribes to its live events.
// Close must be called when the view goes away.
func NewConversationSync(conversationID string, rt Realtime, repo *Repository, cfg ConversationConfig) *ConversationSync {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &ConversationSync{
		id:      conversationID,
		rt:      rt,
		repo:    repo,
		cfg:     cfg,
		logger:  cfg.Logger.Named("conversation").With(zap.String("conversation", conversationID)),
		metrics: cfg.Metrics,
		state:   newActor(),
		outbox:  newActor(),
		ctx:     ctx,
		cancel:  cancel,
		index:   make(map[string]int),
		others:  make(map[string]TypingUser),
	}
	s.typing = newTypingIndicator(cfg.TypingTimeout, s.sendTyping, func(gen uint64) {
		s.state.post(func() { s.typing.expired(gen) })
	})

	mine := func(id string) bool { return id == conversationID }
	bus := rt.Events()
	s.subs = []*Subscription{
		bus.Messages.Subscribe(s.onMessage, func(ev MessageEvent) bool { return mine(ev.ConversationID) }),
		bus.Typing.Subscribe(s.onTyping, func(ev TypingEvent) bool { return mine(ev.ConversationID) }),
		bus.ReadReceipts.Subscribe(s.onReadReceipt, func(ev ReadReceiptEvent) bool { return mine(ev.ConversationID) }),
		bus.ConnectionState.Subscribe(s.onConnectionState),
	}
	return s
}

// ID returns the conversation id.
func (s *ConversationSync) ID() string { return s.id }

// ── Loading ───────────────────────────────────────────────

// LoadMessages loads history and conversation metadata, merges it with live
// messages already received, and marks unread messages from others as read.
// The cached unread count of the conversation is reset.
func (s *ConversationSync) LoadMessages(ctx context.Context, useCache bool) error {
	conv, err := s.repo.LoadConversation(ctx, s.id, useCache)
	if err != nil {
		s.logger.Warn("load conversation", zap.Error(err))
	}
	msgs, err := s.repo.LoadMessages(ctx, s.id, useCache)
	if err != nil {
		s.state.call(func() { s.lastErr = err })
		return err
	}

	var unread []Message
	s.state.call(func() {
		if conv != nil {
			s.conversation = conv
		}
		for _, m := range msgs {
			s.insert(m)
		}
		s.loaded = true
		for _, m := range msgs {
			if m.SenderID == s.cfg.CurrentUserID || m.IsRead {
				continue
			}
			s.setRead(m.ID)
			unread = append(unread, m)
		}
	})
	for _, m := range unread {
		s.markRead(m)
	}
	s.repo.ClearUnread(s.id)
	return nil
}

// ── Composing and sending ─────────────────────────────────

// SetDraft replaces the compose buffer and updates the typing indicator.
func (s *ConversationSync) SetDraft(text string) {
	s.state.call(func() {
		s.draft = text
		s.typing.draftChanged(text)
	})
}

// SendMessage sends text. Blank text is ignored. The compose buffer is
// cleared before the request and restored if it fails; the error is also
// kept in LastError.
func (s *ConversationSync) SendMessage(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !s.rt.Connected() {
		err := newError(ErrorDisconnected, "not connected")
		s.state.call(func() { s.lastErr = err })
		return err
	}

	s.state.call(func() { s.draft = "" })
	msg, err := s.repo.SendMessage(ctx, s.id, text, MessageTypeText)
	if err != nil {
		s.logger.Warn("send message", zap.Error(err))
		s.state.call(func() {
			if s.draft == "" {
				s.draft = text
			}
			s.lastErr = err
		})
		return err
	}

	s.state.call(func() {
		s.insert(*msg)
		s.lastErr = nil
		s.typing.stop()
	})
	return nil
}

// ── Live events ───────────────────────────────────────────

func (s *ConversationSync) onMessage(ev MessageEvent) {
	msg := ev.Message
	s.state.post(func() {
		if !s.insert(msg) {
			return
		}
		delete(s.others, msg.SenderID)
		if msg.SenderID == s.cfg.CurrentUserID {
			return
		}
		s.setRead(msg.ID)
		s.markRead(msg)
	})
}

func (s *ConversationSync) onTyping(ev TypingEvent) {
	if ev.UserID == s.cfg.CurrentUserID {
		return
	}
	s.state.post(func() {
		if !ev.IsTyping {
			delete(s.others, ev.UserID)
			return
		}
		s.others[ev.UserID] = TypingUser{
			UserID:      ev.UserID,
			DisplayName: ev.UserName,
			ExpiresAt:   time.Now().Add(s.cfg.TypingTTL),
		}
	})
}

func (s *ConversationSync) onReadReceipt(ev ReadReceiptEvent) {
	s.state.post(func() { s.setRead(ev.MessageID) })
}

func (s *ConversationSync) onConnectionState(ev ConnectionStateEvent) {
	if !ev.Connected {
		return
	}
	var reload bool
	s.state.call(func() { reload = s.loaded })
	if !reload {
		return
	}
	if err := s.LoadMessages(s.ctx, false); err != nil {
		s.logger.Warn("reload after reconnect", zap.Error(err))
	}
}

// ── State helpers (run on the state actor) ────────────────

// insert adds m unless a message with the same id is present.
func (s *ConversationSync) insert(m Message) bool {
	if _, ok := s.index[m.ID]; ok {
		return false
	}
	s.messages = append(s.messages, m)
	n := len(s.messages)
	if n > 1 && m.Timestamp.Before(s.messages[n-2].Timestamp) {
		sortMessages(s.messages)
		for i := range s.messages {
			s.index[s.messages[i].ID] = i
		}
	} else {
		s.index[m.ID] = n - 1
	}
	if s.conversation != nil && !m.Timestamp.Before(s.conversation.LastMessageTimestamp) {
		s.conversation.LastMessage = m.Content
		s.conversation.LastMessageTimestamp = m.Timestamp
	}
	return true
}

func (s *ConversationSync) setRead(id string) {
	if i, ok := s.index[id]; ok {
		s.messages[i].IsRead = true
	}
}

func (s *ConversationSync) markRead(m Message) {
	s.outbox.post(func() {
		bestEffort(s.logger, s.metrics, "mark_read", func() error {
			return s.repo.MarkRead(s.ctx, m.ID)
		})
		bestEffort(s.logger, s.metrics, "read_receipt", func() error {
			return s.rt.SendReadReceipt(s.ctx, s.id, m.ID)
		})
	})
}

func (s *ConversationSync) sendTyping(typing bool) {
	op := string(OutgoingTypingStop)
	if typing {
		op = string(OutgoingTypingStart)
	}
	s.outbox.post(func() {
		bestEffort(s.logger, s.metrics, op, func() error {
			return s.rt.SendTyping(context.Background(), s.id, typing)
		})
	})
}

// ── Accessors ─────────────────────────────────────────────

// Messages returns the merged message list in timestamp order.
func (s *ConversationSync) Messages() []Message {
	var out []Message
	s.state.call(func() { out = append([]Message(nil), s.messages...) })
	return out
}

// Items returns the messages annotated for display.
func (s *ConversationSync) Items() []MessageItem {
	return GroupMessages(s.Messages(), s.cfg.CurrentUserID, s.cfg.TimestampGap)
}

// TypingUserNames returns the names of other users currently typing.
func (s *ConversationSync) TypingUserNames() []string {
	var users []TypingUser
	now := time.Now()
	s.state.call(func() {
		for _, u := range s.others {
			if u.ExpiresAt.After(now) {
				users = append(users, u)
			}
		}
	})
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	names := make([]string, len(users))
	for i, u := range users {
		names[i] = u.DisplayName
	}
	return names
}

// Draft returns the compose buffer.
func (s *ConversationSync) Draft() string {
	var d string
	s.state.call(func() { d = s.draft })
	return d
}

// IsTyping reports whether the local user is currently marked as typing.
func (s *ConversationSync) IsTyping() bool {
	var active bool
	s.state.call(func() { active = s.typing.active() })
	return active
}

// LastError returns the most recent user-visible failure, if any.
func (s *ConversationSync) LastError() error {
	var err error
	s.state.call(func() { err = s.lastErr })
	return err
}

// Conversation returns the loaded conversation metadata, or nil.
func (s *ConversationSync) Conversation() *Conversation {
	var out *Conversation
	s.state.call(func() {
		if s.conversation != nil {
			c := s.conversation.clone()
			out = &c
		}
	})
	return out
}

// Close cancels the typing timer, sends a final typing_stop if needed, and
// releases the subscriptions. Queued network sends are flushed first.
func (s *ConversationSync) Close() {
	s.once.Do(func() {
		for _, sub := range s.subs {
			sub.Close()
		}
		s.state.call(func() { s.typing.stop() })
		s.state.stop()
		s.outbox.stop()
		s.cancel()
	})
}
