package coroutine

import (
	"fmt"
	"sync"
)

// State describes the lifecycle position of a coroutine handler.
type State int32

const (
	// StateNotStarted means the handler exists but the body has not run yet.
	StateNotStarted State = iota

	// StateRunning means the body side currently holds control.
	StateRunning

	// StateYielded means the body is suspended waiting for a Continue.
	StateYielded

	// StateFinished means the body has returned and the handler is retired.
	StateFinished
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateRunning:
		return "running"
	case StateYielded:
		return "yielded"
	case StateFinished:
		return "finished"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Body is the function executed by a coroutine. It receives the handler it
// runs under so it can Yield.
type Body func(*Handler)

// Handler is the per-coroutine control block shared by the caller side and
// the body side. Exactly one side runs at a time.
type Handler struct {
	rt *Runtime
	w  *worker

	mu            sync.Mutex
	state         State
	interrupted   bool
	interruptSeen bool

	// resume wakes the body; yield hands control back to the blocked
	// Continue, carrying StateYielded or StateFinished. Both are unbuffered
	// so the handoff is a rendezvous.
	resume chan struct{}
	yield  chan State
}

func newHandler(rt *Runtime, w *worker) *Handler {
	return &Handler{
		rt:     rt,
		w:      w,
		state:  StateNotStarted,
		resume: make(chan struct{}),
		yield:  make(chan State),
	}
}

// State reports the handler's current lifecycle state. It is safe to call
// from any goroutine, including after the handler has finished.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Interrupted reports whether Continue(true) has been called. The flag is
// monotonic.
func (h *Handler) Interrupted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupted
}

// Continue resumes a suspended coroutine and blocks until it yields again
// or finishes. It returns true when the body has finished; the handler is
// retired at that point and must not be continued again. interrupt marks
// the handler interrupted before resuming, making the body's pending or
// next Yield return true.
//
// Continue is the caller-side half of the handoff. It may be invoked from
// any goroutine, but never concurrently with another Continue on the same
// handler, and never on a finished handler. Both misuses panic.
func (h *Handler) Continue(interrupt bool) bool {
	h.mu.Lock()
	switch h.state {
	case StateFinished:
		h.mu.Unlock()
		panic("coroutine: Continue on a finished handler")
	case StateRunning:
		h.mu.Unlock()
		panic("coroutine: concurrent Continue on a running coroutine")
	}
	if interrupt {
		h.interrupted = true
	}
	h.state = StateRunning
	h.mu.Unlock()

	h.resume <- struct{}{}
	st := <-h.yield

	if st == StateFinished {
		h.rt.retire(h)
		return true
	}
	return false
}

// Yield suspends the body until the next Continue and reports whether the
// coroutine was interrupted before or during the suspension. A true return
// obliges the body to unwind without further suspending work; yielding
// again after that panics. Yield must only be called from the body, with
// the handler the body received.
func (h *Handler) Yield() bool {
	h.mu.Lock()
	if h.state != StateRunning {
		h.mu.Unlock()
		panic("coroutine: Yield called outside a running coroutine body")
	}
	if h.interruptSeen {
		h.mu.Unlock()
		panic("coroutine: Yield after interruption was already observed")
	}
	h.state = StateYielded
	h.mu.Unlock()

	h.yield <- StateYielded
	<-h.resume

	h.mu.Lock()
	interrupted := h.interrupted
	if interrupted {
		h.interruptSeen = true
	}
	h.mu.Unlock()
	return interrupted
}

// run is the body-side trampoline executed on the worker goroutine. It
// waits for the initial Continue, invokes the body, then performs the
// final handoff. The trampoline returns to the worker loop afterwards, so
// a finished body can never be resumed.
func (h *Handler) run(body Body) {
	<-h.resume

	body(h)

	h.mu.Lock()
	h.state = StateFinished
	h.mu.Unlock()
	h.yield <- StateFinished
}
