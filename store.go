package huddle

import (
	"sync"
)

// Store is the local cache the sync engines reconcile against.
// Implementations must be safe for concurrent use and return copies.
type Store interface {
	// Messages

	PutMessages(msgs []Message) error
	// Messages returns a conversation's messages ordered by timestamp.
	Messages(conversationID string) ([]Message, error)
	HasMessage(id string) (bool, error)
	// UpdateMessage applies fn to the stored message. It reports false when
	// no message has that id.
	UpdateMessage(id string, fn func(*Message)) (bool, error)
	// MarkHistorySynced records that a conversation's full history has been
	// fetched from the network. Live messages alone never set it.
	MarkHistorySynced(conversationID string) error
	HistorySynced(conversationID string) (bool, error)

	// Conversations

	PutConversations(convs []Conversation) error
	Conversation(id string) (*Conversation, bool, error)
	// Conversations returns every conversation, most recent activity first.
	Conversations() ([]Conversation, error)
	UpdateConversation(id string, fn func(*Conversation)) (bool, error)
	// DeleteConversation removes the conversation, its messages and its
	// history marker.
	DeleteConversation(id string) error

	Close() error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]Message
	conversations map[string]Conversation
	synced        map[string]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]Message),
		conversations: make(map[string]Conversation),
		synced:        make(map[string]bool),
	}
}

// ── Messages ─────────────────────────────────────────────

func (s *MemoryStore) PutMessages(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.messages[m.ID] = m
	}
	return nil
}

func (s *MemoryStore) Messages(conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			result = append(result, m)
		}
	}
	sortMessages(result)
	return result, nil
}

func (s *MemoryStore) HasMessage(id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok, nil
}

func (s *MemoryStore) UpdateMessage(id string, fn func(*Message)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return false, nil
	}
	fn(&m)
	s.messages[id] = m
	return true, nil
}

func (s *MemoryStore) MarkHistorySynced(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced[conversationID] = true
	return nil
}

func (s *MemoryStore) HistorySynced(conversationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.synced[conversationID], nil
}

// ── Conversations ────────────────────────────────────────

func (s *MemoryStore) PutConversations(convs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		s.conversations[c.ID] = c.clone()
	}
	return nil
}

func (s *MemoryStore) Conversation(id string) (*Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, false, nil
	}
	out := c.clone()
	return &out, true, nil
}

func (s *MemoryStore) Conversations() ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		result = append(result, c.clone())
	}
	sortConversations(result)
	return result, nil
}

func (s *MemoryStore) UpdateConversation(id string, fn func(*Conversation)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return false, nil
	}
	c = c.clone()
	fn(&c)
	s.conversations[id] = c
	return true, nil
}

func (s *MemoryStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	delete(s.synced, id)
	for mid, m := range s.messages {
		if m.ConversationID == id {
			delete(s.messages, mid)
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
