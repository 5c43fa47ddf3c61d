package isotp

import (
	"sync"
	"time"
)

// timerKind identifies which protocol timer fired, so the worker loop can
// dispatch without re-deriving it from context state that may have already
// moved on.
type timerKind uint8

const (
	timerNone timerKind = iota
	timerSendAs
	timerSendBs
	timerSendCr // STmin-derived pacing delay between our own CFs is handled inline, not via this timer
	timerRecvCr
)

// timerEvent is what an expiring timer posts into the engine's wake
// channel. generation guards against acting on a timer that fired after its
// owning context was already recycled for a different peer: the
// time.AfterFunc callback only enqueues this struct, it never touches
// context memory itself.
type timerEvent struct {
	kind       timerKind
	slot       int
	generation uint64
}

// sessionTimer wraps time.Timer; each fire carries the generation passed to
// start, so a worker can cheaply tell a stale fire from a live one without
// canceling in a hot path.
type sessionTimer struct {
	mu    sync.Mutex
	timer *time.Timer
}

func (t *sessionTimer) start(d time.Duration, kind timerKind, slot int, generation uint64, wake chan<- timerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, func() {
		select {
		case wake <- timerEvent{kind: kind, slot: slot, generation: generation}:
		default:
			// Wake channel full: the worker is already behind. Dropping
			// this timer fire is safe because the context's deadline
			// check below re-evaluates elapsed time, not just "did a
			// fire arrive".
		}
	})
}

func (t *sessionTimer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
