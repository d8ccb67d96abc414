package huddle

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects values delivered on a topic.
type recorder[T any] struct {
	mu  sync.Mutex
	got []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.got = append(r.got, v)
	r.mu.Unlock()
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.got...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// ============================================================================
// Fakes
// ============================================================================

type sentFrame struct {
	Type           OutgoingEventType
	ConversationID string
	MessageID      string
}

// fakeRealtime is an in-process Realtime with a real EventBus.
type fakeRealtime struct {
	bus *EventBus

	mu         sync.Mutex
	connected  bool
	connectErr error
	connects   int
	sent       []sentFrame
}

func newFakeRealtime(connected bool) *fakeRealtime {
	return &fakeRealtime{bus: NewEventBus(nil), connected: connected}
}

func (f *fakeRealtime) Events() *EventBus { return f.bus }

func (f *fakeRealtime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRealtime) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	if f.connectErr != nil {
		err := f.connectErr
		f.mu.Unlock()
		return err
	}
	f.connected = true
	f.mu.Unlock()
	f.bus.ConnectionState.Publish(ConnectionStateEvent{State: StateConnected, Connected: true})
	return nil
}

func (f *fakeRealtime) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.bus.ConnectionState.Publish(ConnectionStateEvent{State: StateDisconnected})
}

func (f *fakeRealtime) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	t := OutgoingTypingStop
	if typing {
		t = OutgoingTypingStart
	}
	return f.record(sentFrame{Type: t, ConversationID: conversationID})
}

func (f *fakeRealtime) SendReadReceipt(ctx context.Context, conversationID, messageID string) error {
	return f.record(sentFrame{Type: OutgoingMarkRead, ConversationID: conversationID, MessageID: messageID})
}

func (f *fakeRealtime) record(fr sentFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return newError(ErrorDisconnected, "not connected")
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeRealtime) frames(t OutgoingEventType) []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentFrame
	for _, fr := range f.sent {
		if fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeRealtime) typingSequence() []OutgoingEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OutgoingEventType
	for _, fr := range f.sent {
		if fr.Type == OutgoingTypingStart || fr.Type == OutgoingTypingStop {
			out = append(out, fr.Type)
		}
	}
	return out
}

// fakeAPI is an in-memory API.
type fakeAPI struct {
	mu            sync.Mutex
	conversations map[string]Conversation
	messages      map[string][]Message
	read          []string
	nextID        int

	sendErr          error
	getMessagesErr   error
	getConvErr       error
	getConvsErr      error
	markReadErr      error
	getConvCalls     int
	getConvsCalls    int
	getMessagesCalls int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID, content string, msgType MessageType) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	msg := Message{
		ID:             "srv-" + strconv.Itoa(f.nextID),
		ConversationID: conversationID,
		SenderID:       "me",
		Content:        content,
		MessageType:    msgType,
		Timestamp:      fixedNow.Add(time.Duration(f.nextID) * time.Minute),
	}
	f.messages[conversationID] = append(f.messages[conversationID], msg)
	return &msg, nil
}

func (f *fakeAPI) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getMessagesCalls++
	if f.getMessagesErr != nil {
		return nil, f.getMessagesErr
	}
	return append([]Message(nil), f.messages[conversationID]...), nil
}

func (f *fakeAPI) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getConvCalls++
	if f.getConvErr != nil {
		return nil, f.getConvErr
	}
	c, ok := f.conversations[id]
	if !ok {
		return nil, &APIError{Code: "HTTP_404", Message: "not found", Status: 404}
	}
	c = c.clone()
	return &c, nil
}

func (f *fakeAPI) GetConversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getConvsCalls++
	if f.getConvsErr != nil {
		return nil, f.getConvsErr
	}
	var out []Conversation
	for _, c := range f.conversations {
		out = append(out, c.clone())
	}
	return out, nil
}

func (f *fakeAPI) MarkMessageAsRead(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markReadErr != nil {
		return f.markReadErr
	}
	f.read = append(f.read, messageID)
	return nil
}

func (f *fakeAPI) CreateConversation(ctx context.Context, participantIDs []string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := Conversation{ID: "new-" + strconv.Itoa(f.nextID), ParticipantIDs: participantIDs}
	f.conversations[c.ID] = c
	return &c, nil
}

func (f *fakeAPI) DeleteConversation(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conversations[id]; !ok {
		return &APIError{Code: "HTTP_404", Message: "not found", Status: 404}
	}
	delete(f.conversations, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeAPI) readIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.read...)
}

func (f *fakeAPI) calls() (conv, convs, msgs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getConvCalls, f.getConvsCalls, f.getMessagesCalls
}
