package huddle

import "sync"

// actor runs submitted functions one at a time on a dedicated goroutine.
// State owned by an actor is only touched from functions it runs.
type actor struct {
	mu     sync.Mutex
	closed bool
	inbox  chan func()
	done   chan struct{}
}

func newActor() *actor {
	a := &actor{
		inbox: make(chan func(), 128),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for fn := range a.inbox {
		fn()
	}
}

// post queues fn and returns immediately. It must not be called from inside
// the actor. Returns false once the actor is stopped.
func (a *actor) post(fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.inbox <- fn
	return true
}

// call runs fn on the actor and waits for it to finish.
func (a *actor) call(fn func()) bool {
	finished := make(chan struct{})
	if !a.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	<-finished
	return true
}

// stop runs everything already queued, then terminates the goroutine.
func (a *actor) stop() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.inbox)
	}
	a.mu.Unlock()
	<-a.done
}
