package coroutine

import (
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxIdleWorkers is the number of idle worker goroutines the
// runtime keeps for reuse. Workers released beyond this bound exit
// instead of being parked.
const DefaultMaxIdleWorkers = 25

// Config configures a Runtime.
type Config struct {
	// MaxIdleWorkers caps the reuse pool. Zero means DefaultMaxIdleWorkers.
	MaxIdleWorkers int

	// Logger receives runtime lifecycle events. A zero logger is valid and
	// discards everything.
	Logger zerolog.Logger
}

// Runtime owns a set of live coroutines and a bounded pool of parked
// worker goroutines. The pool plays the role a stack pool plays in a
// fiber-based design: completing coroutines hand their worker back for the
// next StartCoroutine instead of paying goroutine startup again.
//
// The live set and the pool are mutex-guarded, so handlers may be
// continued from any goroutine.
type Runtime struct {
	mu     sync.Mutex
	cfg    Config
	live   map[*Handler]struct{}
	idle   []*worker
	closed bool
	logger zerolog.Logger
}

// worker is a reusable goroutine that executes coroutine trampolines one
// at a time. Closing jobs terminates it.
type worker struct {
	jobs chan func()
}

func (w *worker) loop() {
	for job := range w.jobs {
		job()
	}
}

// NewRuntime creates a coroutine runtime.
func NewRuntime(cfg Config) *Runtime {
	if cfg.MaxIdleWorkers <= 0 {
		cfg.MaxIdleWorkers = DefaultMaxIdleWorkers
	}
	return &Runtime{
		cfg:    cfg,
		live:   make(map[*Handler]struct{}),
		logger: cfg.Logger,
	}
}

// StartCoroutine runs body as a new coroutine and performs the first
// Continue, so the body has executed up to its first Yield (or to
// completion) when StartCoroutine returns. The returned handler is owned
// by the runtime; if the body already finished, the handler is retired and
// must not be continued.
//
// StartCoroutine panics if the runtime has been closed.
func (r *Runtime) StartCoroutine(body Body) *Handler {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		panic("coroutine: StartCoroutine on a closed runtime")
	}
	w := r.acquireWorkerLocked()
	h := newHandler(r, w)
	r.live[h] = struct{}{}
	r.mu.Unlock()

	w.jobs <- func() { h.run(body) }
	h.Continue(false)
	return h
}

// Close force-continues every live coroutine with the interrupt flag set
// until all have finished, then releases the idle worker pool. After Close
// returns no runtime-owned goroutine remains. Close is idempotent.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	drain := make([]*Handler, 0, len(r.live))
	for h := range r.live {
		drain = append(drain, h)
	}
	r.mu.Unlock()

	if len(drain) > 0 {
		r.logger.Debug().Int("live", len(drain)).Msg("Draining live coroutines")
	}
	for _, h := range drain {
		for h.State() != StateFinished {
			h.Continue(true)
		}
	}

	r.mu.Lock()
	idle := r.idle
	r.idle = nil
	r.mu.Unlock()
	for _, w := range idle {
		close(w.jobs)
	}
}

// LiveCount reports the number of coroutines that have started but not yet
// finished.
func (r *Runtime) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// IdleWorkers reports the number of parked workers currently available for
// reuse.
func (r *Runtime) IdleWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.idle)
}

func (r *Runtime) acquireWorkerLocked() *worker {
	if n := len(r.idle); n > 0 {
		w := r.idle[n-1]
		r.idle = r.idle[:n-1]
		return w
	}
	w := &worker{jobs: make(chan func())}
	go w.loop()
	return w
}

// retire runs on the caller side after a Continue observed completion. It
// removes the handler from the live set and parks or discards its worker.
func (r *Runtime) retire(h *Handler) {
	r.mu.Lock()
	delete(r.live, h)
	if r.closed || len(r.idle) >= r.cfg.MaxIdleWorkers {
		r.mu.Unlock()
		close(h.w.jobs)
		return
	}
	r.idle = append(r.idle, h.w)
	r.mu.Unlock()
}
