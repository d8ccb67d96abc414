package huddle

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Event Bus
// ============================================================================

// EventBus fans decoded events out to subscribers, one topic per category.
// Within a topic, each subscriber observes events in publish order. There is
// no ordering across topics and no replay for late subscribers.
type EventBus struct {
	Messages        *Topic[MessageEvent]
	Typing          *Topic[TypingEvent]
	ReadReceipts    *Topic[ReadReceiptEvent]
	ConnectionState *Topic[ConnectionStateEvent]
	Errors          *Topic[error]
}

// NewEventBus creates a bus with one topic per event category.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("bus")
	return &EventBus{
		Messages:        newTopic[MessageEvent]("message", logger),
		Typing:          newTopic[TypingEvent]("typing", logger),
		ReadReceipts:    newTopic[ReadReceiptEvent]("read_receipt", logger),
		ConnectionState: newTopic[ConnectionStateEvent]("connection_state", logger),
		Errors:          newTopic[error]("error", logger),
	}
}

// Close cancels every subscription on every topic.
func (b *EventBus) Close() {
	b.Messages.closeAll()
	b.Typing.closeAll()
	b.ReadReceipts.closeAll()
	b.ConnectionState.closeAll()
	b.Errors.closeAll()
}

// ============================================================================
// Topic
// ============================================================================

// Topic is a single publish channel with any number of subscribers.
type Topic[T any] struct {
	name   string
	logger *zap.Logger

	mu   sync.RWMutex
	subs []*subscriber[T]
}

func newTopic[T any](name string, logger *zap.Logger) *Topic[T] {
	return &Topic[T]{name: name, logger: logger}
}

// Subscribe registers handler. When filters are given, an event is delivered
// only if every filter accepts it. Handlers run on a goroutine owned by the
// subscription; the returned Subscription must be closed by its owner.
func (t *Topic[T]) Subscribe(handler func(T), filters ...func(T) bool) *Subscription {
	s := &subscriber[T]{
		id:      uuid.NewString(),
		topic:   t,
		handler: handler,
		filters: filters,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	t.mu.Lock()
	t.subs = append(t.subs, s)
	t.mu.Unlock()

	go s.run()
	return &Subscription{id: s.id, topic: t.name, close: s.close}
}

// Publish broadcasts ev to all current subscribers, enqueuing it on each
// mailbox in subscription order. It never blocks on a slow subscriber. Each
// subscriber sees events in publish order, but handlers of different
// subscribers run on their own goroutines and may interleave.
func (t *Topic[T]) Publish(ev T) {
	t.mu.RLock()
	subs := append([]*subscriber[T](nil), t.subs...)
	t.mu.RUnlock()
	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Len returns the number of live subscriptions.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

func (t *Topic[T]) remove(target *subscriber[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s == target {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

func (t *Topic[T]) closeAll() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

// ============================================================================
// Subscription
// ============================================================================

// Subscription is the handle returned by Topic.Subscribe.
type Subscription struct {
	id    string
	topic string
	close func()
}

// ID returns the unique subscription id.
func (s *Subscription) ID() string { return s.id }

// Close stops delivery. Events still queued for this subscriber are discarded.
// Close is idempotent and safe to call from inside the handler.
func (s *Subscription) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

type subscriber[T any] struct {
	id      string
	topic   *Topic[T]
	handler func(T)
	filters []func(T) bool

	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (s *subscriber[T]) enqueue(ev T) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.deliver(ev)
		}
	}
}

func (s *subscriber[T]) deliver(ev T) {
	defer func() {
		if r := recover(); r != nil {
			s.topic.logger.Error("subscriber panicked",
				zap.String("topic", s.topic.name),
				zap.String("subscription", s.id),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	for _, accept := range s.filters {
		if !accept(ev) {
			return
		}
	}
	s.handler(ev)
}

func (s *subscriber[T]) stop() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

func (s *subscriber[T]) close() {
	s.topic.remove(s)
	s.stop()
}
