package huddle

import "time"

type typingState int

const (
	typingIdle typingState = iota
	typingActive
)

// typingIndicator drives outgoing typing_start/typing_stop for one compose
// buffer. It is owned by a single goroutine; the timer callback only reports
// its generation back through expire, which the owner must route onto that
// goroutine before calling expired.
type typingIndicator struct {
	state   typingState
	timeout time.Duration
	timer   *time.Timer
	gen     uint64

	send   func(typing bool)
	expire func(gen uint64)
}

func newTypingIndicator(timeout time.Duration, send func(bool), expire func(uint64)) *typingIndicator {
	return &typingIndicator{timeout: timeout, send: send, expire: expire}
}

// draftChanged handles an edit of the compose buffer.
func (t *typingIndicator) draftChanged(text string) {
	if text == "" {
		t.stop()
		return
	}
	if t.state == typingIdle {
		t.state = typingActive
		t.send(true)
	}
	t.arm()
}

// expired is called on the owner goroutine when the timer of generation gen fired.
func (t *typingIndicator) expired(gen uint64) {
	if gen != t.gen {
		return
	}
	t.stop()
}

// stop cancels the timer and sends typing_stop if typing.
func (t *typingIndicator) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
	if t.state == typingActive {
		t.state = typingIdle
		t.send(false)
	}
}

func (t *typingIndicator) active() bool { return t.state == typingActive }

func (t *typingIndicator) arm() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout, func() { t.expire(gen) })
}
