package huddle

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ConversationListConfig configures a ConversationListSync.
type ConversationListConfig struct {
	CurrentUserID string
	// TypingTTL is how long a received typing indicator stays visible
	// without a refresh.
	TypingTTL time.Duration

	Logger *zap.Logger
}

func (c *ConversationListConfig) defaults() {
	if c.TypingTTL == 0 {
		c.TypingTTL = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// ConversationListSync
// ============================================================================

// ConversationListSync maintains the aggregate conversation list. Live
// message and typing events are written to the cache through the repository
// and the list is then re-read from the cache; a reconnect triggers one
// network refresh.
type ConversationListSync struct {
	rt     Realtime
	repo   *Repository
	cfg    ConversationListConfig
	logger *zap.Logger

	state  *actor
	subs   []*Subscription
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// Owned by state.
	conversations []Conversation
	search        string
	lastErr       error
}

// NewConversationListSync subscribes to live events on rt. Close must be
// called to release the subscriptions.
func NewConversationListSync(rt Realtime, repo *Repository, cfg ConversationListConfig) *ConversationListSync {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &ConversationListSync{
		rt:     rt,
		repo:   repo,
		cfg:    cfg,
		logger: cfg.Logger.Named("conversation_list"),
		state:  newActor(),
		ctx:    ctx,
		cancel: cancel,
	}
	bus := rt.Events()
	s.subs = []*Subscription{
		bus.Messages.Subscribe(s.onMessage),
		bus.Typing.Subscribe(s.onTyping),
		bus.ConnectionState.Subscribe(s.onConnectionState),
	}
	return s
}

// Activate connects the transport and shows the cached list. A connect
// failure does not prevent the cache load and is returned only if the load
// succeeded.
func (s *ConversationListSync) Activate(ctx context.Context) error {
	connErr := s.rt.Connect(ctx)
	if connErr != nil {
		s.logger.Warn("connect", zap.Error(connErr))
		s.state.call(func() { s.lastErr = connErr })
	}
	if err := s.LoadConversations(ctx, true); err != nil {
		return err
	}
	return connErr
}

// Deactivate disconnects the transport.
func (s *ConversationListSync) Deactivate() {
	s.rt.Disconnect()
}

// LoadConversations replaces the list from the repository.
func (s *ConversationListSync) LoadConversations(ctx context.Context, useCache bool) error {
	convs, err := s.repo.LoadConversations(ctx, useCache)
	s.state.call(func() {
		if err != nil {
			s.lastErr = err
			return
		}
		s.conversations = convs
	})
	return err
}

// CreateConversation creates a conversation and adds it to the list.
func (s *ConversationListSync) CreateConversation(ctx context.Context, participantIDs []string) (*Conversation, error) {
	conv, err := s.repo.CreateConversation(ctx, participantIDs)
	if err != nil {
		s.state.call(func() { s.lastErr = err })
		return nil, err
	}
	s.state.call(s.reloadFromCache)
	return conv, nil
}

// DeleteConversation deletes a conversation and removes it from the list.
func (s *ConversationListSync) DeleteConversation(ctx context.Context, id string) error {
	if err := s.repo.DeleteConversation(ctx, id); err != nil {
		s.state.call(func() { s.lastErr = err })
		return err
	}
	s.state.call(s.reloadFromCache)
	return nil
}

// SetSearchText sets the filter applied by Conversations.
func (s *ConversationListSync) SetSearchText(text string) {
	s.state.call(func() { s.search = text })
}

// Conversations returns the conversations matching the search text,
// case-insensitively, against display name or last message.
func (s *ConversationListSync) Conversations() []Conversation {
	var out []Conversation
	s.state.call(func() {
		q := strings.ToLower(strings.TrimSpace(s.search))
		for _, c := range s.conversations {
			if q == "" ||
				strings.Contains(strings.ToLower(c.DisplayName(s.cfg.CurrentUserID)), q) ||
				strings.Contains(strings.ToLower(c.LastMessage), q) {
				out = append(out, c.clone())
			}
		}
	})
	return out
}

// TotalUnread sums the unread counts of every conversation, ignoring the filter.
func (s *ConversationListSync) TotalUnread() int {
	var total int
	s.state.call(func() {
		for _, c := range s.conversations {
			total += c.UnreadCount
		}
	})
	return total
}

// LastError returns the most recent failure, if any.
func (s *ConversationListSync) LastError() error {
	var err error
	s.state.call(func() { err = s.lastErr })
	return err
}

// Close releases the subscriptions. It does not disconnect the transport.
func (s *ConversationListSync) Close() {
	s.once.Do(func() {
		for _, sub := range s.subs {
			sub.Close()
		}
		s.cancel()
		s.state.stop()
	})
}

// ── Live events ───────────────────────────────────────────

func (s *ConversationListSync) onMessage(ev MessageEvent) {
	if err := s.repo.ApplyIncomingMessage(s.ctx, ev.Message, s.cfg.CurrentUserID); err != nil {
		s.logger.Warn("apply message", zap.String("conversation", ev.ConversationID), zap.Error(err))
	}
	s.state.post(s.reloadFromCache)
}

func (s *ConversationListSync) onTyping(ev TypingEvent) {
	if ev.UserID == s.cfg.CurrentUserID {
		return
	}
	if err := s.repo.ApplyTyping(ev, s.cfg.TypingTTL); err != nil {
		s.logger.Warn("apply typing", zap.String("conversation", ev.ConversationID), zap.Error(err))
	}
	s.state.post(s.reloadFromCache)
}

func (s *ConversationListSync) onConnectionState(ev ConnectionStateEvent) {
	if !ev.Connected {
		return
	}
	if err := s.LoadConversations(s.ctx, false); err != nil {
		s.logger.Warn("refresh after connect", zap.Error(err))
	}
}

// reloadFromCache runs on the state actor.
func (s *ConversationListSync) reloadFromCache() {
	convs, err := s.repo.CachedConversations()
	if err != nil {
		s.logger.Warn("read cached conversations", zap.Error(err))
		return
	}
	s.conversations = convs
}
