package huddle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Repository
// ============================================================================

// Repository decides between the local Store and the REST API and keeps the
// store consistent with what the network returns. Store write failures are
// logged and do not fail the read that triggered them.
type Repository struct {
	api    API
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository creates a repository over api and store. logger may be nil.
func NewRepository(api API, store Store, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		api:    api,
		store:  store,
		logger: logger.Named("repository"),
		now:    time.Now,
	}
}

// Store returns the underlying cache.
func (r *Repository) Store() Store { return r.store }

// ── Reads ─────────────────────────────────────────────────

// LoadMessages returns a conversation's history. With useCache, the cache
// answers once a network load has completed for the conversation; messages
// that only arrived live do not count as history. Network results are merged
// with cached messages the server did not return.
func (r *Repository) LoadMessages(ctx context.Context, conversationID string, useCache bool) ([]Message, error) {
	if useCache {
		if cached, ok := r.cachedHistory(conversationID); ok {
			return cached, nil
		}
	}

	msgs, err := r.api.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(msgs))
	for i := range msgs {
		if msgs[i].ConversationID == "" {
			msgs[i].ConversationID = conversationID
		}
		seen[msgs[i].ID] = true
	}

	cached, err := r.store.Messages(conversationID)
	if err != nil {
		r.logger.Warn("read cached messages", zap.String("conversation", conversationID), zap.Error(err))
	}
	if err := r.store.PutMessages(msgs); err != nil {
		r.logger.Warn("cache messages", zap.String("conversation", conversationID), zap.Error(err))
	} else if err := r.store.MarkHistorySynced(conversationID); err != nil {
		r.logger.Warn("mark history synced", zap.String("conversation", conversationID), zap.Error(err))
	}

	for _, m := range cached {
		if !seen[m.ID] {
			msgs = append(msgs, m)
		}
	}
	sortMessages(msgs)
	return msgs, nil
}

func (r *Repository) cachedHistory(conversationID string) ([]Message, bool) {
	synced, err := r.store.HistorySynced(conversationID)
	if err != nil {
		r.logger.Warn("read history marker", zap.String("conversation", conversationID), zap.Error(err))
		return nil, false
	}
	if !synced {
		return nil, false
	}
	cached, err := r.store.Messages(conversationID)
	if err != nil {
		r.logger.Warn("read cached messages", zap.String("conversation", conversationID), zap.Error(err))
		return nil, false
	}
	return cached, true
}

// LoadConversation returns one conversation, from cache when allowed.
func (r *Repository) LoadConversation(ctx context.Context, id string, useCache bool) (*Conversation, error) {
	if useCache {
		if conv, ok, err := r.store.Conversation(id); err == nil && ok {
			return conv, nil
		}
	}
	conv, err := r.api.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	r.putConversation(*conv)
	return conv, nil
}

// CachedConversations returns the cached list without network access.
func (r *Repository) CachedConversations() ([]Conversation, error) {
	return r.store.Conversations()
}

// LoadConversations returns the conversation list. The network result is
// authoritative: cached conversations it does not contain are removed.
func (r *Repository) LoadConversations(ctx context.Context, useCache bool) ([]Conversation, error) {
	if useCache {
		cached, err := r.store.Conversations()
		if err != nil {
			r.logger.Warn("read cached conversations", zap.Error(err))
		} else if len(cached) > 0 {
			return cached, nil
		}
	}

	convs, err := r.api.GetConversations(ctx)
	if err != nil {
		return nil, err
	}

	previous, err := r.store.Conversations()
	if err != nil {
		r.logger.Warn("read cached conversations", zap.Error(err))
	}
	live := make(map[string]bool, len(convs))
	for i := range convs {
		live[convs[i].ID] = true
	}
	for _, old := range previous {
		if live[old.ID] {
			continue
		}
		if err := r.store.DeleteConversation(old.ID); err != nil {
			r.logger.Warn("drop stale conversation", zap.String("conversation", old.ID), zap.Error(err))
		}
	}
	// Typing indicators only exist locally.
	typing := make(map[string]map[string]TypingUser, len(previous))
	for _, old := range previous {
		if len(old.TypingUsers) > 0 {
			typing[old.ID] = old.TypingUsers
		}
	}
	for i := range convs {
		if t, ok := typing[convs[i].ID]; ok && len(convs[i].TypingUsers) == 0 {
			convs[i].TypingUsers = t
		}
	}

	if err := r.store.PutConversations(convs); err != nil {
		r.logger.Warn("cache conversations", zap.Error(err))
	}
	sortConversations(convs)
	return convs, nil
}

// ── Writes ────────────────────────────────────────────────

// SendMessage posts text and records the confirmed message locally.
func (r *Repository) SendMessage(ctx context.Context, conversationID, content string, msgType MessageType) (*Message, error) {
	msg, err := r.api.SendMessage(ctx, conversationID, content, msgType)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	if err := r.store.PutMessages([]Message{*msg}); err != nil {
		r.logger.Warn("cache sent message", zap.String("message", msg.ID), zap.Error(err))
	}
	sent := *msg
	r.updateConversation(conversationID, func(c *Conversation) {
		c.LastMessage = sent.Content
		c.LastMessageTimestamp = sent.Timestamp
	})
	return msg, nil
}

// MarkRead marks a message read on the server and in the cache. The
// conversation's unread count is left to ClearUnread.
func (r *Repository) MarkRead(ctx context.Context, messageID string) error {
	if err := r.api.MarkMessageAsRead(ctx, messageID); err != nil {
		return err
	}
	if _, err := r.store.UpdateMessage(messageID, func(m *Message) { m.IsRead = true }); err != nil {
		r.logger.Warn("cache read flag", zap.String("message", messageID), zap.Error(err))
	}
	return nil
}

// ClearUnread zeroes the cached unread count of a conversation the user has
// just read in full.
func (r *Repository) ClearUnread(conversationID string) {
	r.updateConversation(conversationID, func(c *Conversation) { c.UnreadCount = 0 })
}

// ApplyIncomingMessage records a live message and updates the conversation
// preview. Unread is incremented when someone other than currentUserID sent
// it. A message already in the store is ignored. An unknown conversation is
// fetched first; if that fails the message is still stored.
func (r *Repository) ApplyIncomingMessage(ctx context.Context, msg Message, currentUserID string) error {
	seen, err := r.store.HasMessage(msg.ID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	if _, ok, err := r.store.Conversation(msg.ConversationID); err != nil {
		return err
	} else if !ok {
		conv, err := r.api.GetConversation(ctx, msg.ConversationID)
		if err != nil {
			r.logger.Warn("fetch unknown conversation",
				zap.String("conversation", msg.ConversationID), zap.Error(err))
		} else {
			r.putConversation(*conv)
		}
	}

	if err := r.store.PutMessages([]Message{msg}); err != nil {
		return err
	}
	_, err = r.store.UpdateConversation(msg.ConversationID, func(c *Conversation) {
		c.LastMessage = msg.Content
		c.LastMessageTimestamp = msg.Timestamp
		if msg.SenderID != currentUserID {
			c.UnreadCount++
		}
		delete(c.TypingUsers, msg.SenderID)
	})
	return err
}

// ApplyTyping records or clears a typing indicator. Indicators expire after
// ttl unless refreshed. Events for unknown conversations are ignored.
func (r *Repository) ApplyTyping(ev TypingEvent, ttl time.Duration) error {
	_, err := r.store.UpdateConversation(ev.ConversationID, func(c *Conversation) {
		if !ev.IsTyping {
			delete(c.TypingUsers, ev.UserID)
			return
		}
		if c.TypingUsers == nil {
			c.TypingUsers = make(map[string]TypingUser)
		}
		c.TypingUsers[ev.UserID] = TypingUser{
			UserID:      ev.UserID,
			DisplayName: ev.UserName,
			ExpiresAt:   r.now().Add(ttl),
		}
	})
	return err
}

// CreateConversation creates a conversation on the server and caches it.
func (r *Repository) CreateConversation(ctx context.Context, participantIDs []string) (*Conversation, error) {
	conv, err := r.api.CreateConversation(ctx, participantIDs)
	if err != nil {
		return nil, err
	}
	r.putConversation(*conv)
	return conv, nil
}

// DeleteConversation deletes a conversation on the server, then locally.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	if err := r.api.DeleteConversation(ctx, id); err != nil {
		return err
	}
	return r.store.DeleteConversation(id)
}

func (r *Repository) putConversation(conv Conversation) {
	if err := r.store.PutConversations([]Conversation{conv}); err != nil {
		r.logger.Warn("cache conversation", zap.String("conversation", conv.ID), zap.Error(err))
	}
}

func (r *Repository) updateConversation(id string, fn func(*Conversation)) {
	if _, err := r.store.UpdateConversation(id, fn); err != nil {
		r.logger.Warn("update conversation", zap.String("conversation", id), zap.Error(err))
	}
}
