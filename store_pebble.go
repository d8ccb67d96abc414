package huddle

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	m\x00<conversation>\x00<message>  message JSON
//	i\x00<message>                    conversation id of a message
//	c\x00<conversation>               conversation JSON
//	h\x00<conversation>               present once history was fetched
const (
	messagePrefix      = "m\x00"
	messageIndexPrefix = "i\x00"
	conversationPrefix = "c\x00"
	historyPrefix      = "h\x00"
)

func messageKey(conversationID, id string) []byte {
	return []byte(messagePrefix + conversationID + "\x00" + id)
}

func conversationMessagesPrefix(conversationID string) []byte {
	return []byte(messagePrefix + conversationID + "\x00")
}

func messageIndexKey(id string) []byte {
	return []byte(messageIndexPrefix + id)
}

func conversationKey(id string) []byte {
	return []byte(conversationPrefix + id)
}

func historyKey(conversationID string) []byte {
	return []byte(historyPrefix + conversationID)
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// PebbleStore is a durable Store backed by a Pebble database.
type PebbleStore struct {
	db *pebble.DB
	// mu serializes read-modify-write updates.
	mu sync.Mutex
}

var _ Store = (*PebbleStore)(nil)

// OpenPebbleStore opens or creates the cache database at dir. opts may be nil.
func OpenPebbleStore(dir string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	if opts.FS == nil {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, err
		}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PebbleStore) get(key []byte, v interface{}) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if v == nil {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) scan(prefix []byte, fn func(value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// ── Messages ─────────────────────────────────────────────

func (s *PebbleStore) PutMessages(msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := b.Set(messageKey(m.ConversationID, m.ID), data, nil); err != nil {
			return err
		}
		if err := b.Set(messageIndexKey(m.ID), []byte(m.ConversationID), nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Messages(conversationID string) ([]Message, error) {
	var out []Message
	err := s.scan(conversationMessagesPrefix(conversationID), func(v []byte) error {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortMessages(out)
	return out, nil
}

func (s *PebbleStore) HasMessage(id string) (bool, error) {
	return s.get(messageIndexKey(id), nil)
}

func (s *PebbleStore) UpdateMessage(id string, fn func(*Message)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, closer, err := s.db.Get(messageIndexKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	convID := string(data)
	closer.Close()

	key := messageKey(convID, id)
	var m Message
	ok, err := s.get(key, &m)
	if err != nil || !ok {
		return false, err
	}
	fn(&m)
	out, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	return true, s.db.Set(key, out, pebble.Sync)
}

func (s *PebbleStore) MarkHistorySynced(conversationID string) error {
	return s.db.Set(historyKey(conversationID), nil, pebble.Sync)
}

func (s *PebbleStore) HistorySynced(conversationID string) (bool, error) {
	return s.get(historyKey(conversationID), nil)
}

// ── Conversations ────────────────────────────────────────

func (s *PebbleStore) PutConversations(convs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	for _, c := range convs {
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		if err := b.Set(conversationKey(c.ID), data, nil); err != nil {
			return err
		}
	}
	return b.Commit(pebble.Sync)
}

func (s *PebbleStore) Conversation(id string) (*Conversation, bool, error) {
	var c Conversation
	ok, err := s.get(conversationKey(id), &c)
	if err != nil || !ok {
		return nil, false, err
	}
	return &c, true, nil
}

func (s *PebbleStore) Conversations() ([]Conversation, error) {
	out := []Conversation{}
	err := s.scan([]byte(conversationPrefix), func(v []byte) error {
		var c Conversation
		if err := json.Unmarshal(v, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortConversations(out)
	return out, nil
}

func (s *PebbleStore) UpdateConversation(id string, fn func(*Conversation)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Conversation
	ok, err := s.get(conversationKey(id), &c)
	if err != nil || !ok {
		return false, err
	}
	fn(&c)
	data, err := json.Marshal(c)
	if err != nil {
		return false, err
	}
	return true, s.db.Set(conversationKey(id), data, pebble.Sync)
}

func (s *PebbleStore) DeleteConversation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	prefix := conversationMessagesPrefix(id)
	err := s.scan(prefix, func(v []byte) error {
		var m Message
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		return b.Delete(messageIndexKey(m.ID), nil)
	})
	if err != nil {
		return err
	}
	if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return err
	}
	if err := b.Delete(conversationKey(id), nil); err != nil {
		return err
	}
	if err := b.Delete(historyKey(id), nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}
