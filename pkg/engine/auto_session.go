package engine

import (
	"sync"

	"github.com/driftdb/driftdb/pkg/stores"
)

// DecideFunc produces the merge decision for a single conflicted key.
type DecideFunc func(ConflictInfo) (MergeDecision, error)

// AutoSession is an in-process resolver session that answers every merge
// from a decision function instead of a remote resolver. On Resolve it
// decides all conflicts up front and queues the instruction stream the
// client expects: one batch of explicit decisions, the non-conflicting
// sweep, then done.
//
// Callbacks are dispatched on fresh goroutines so they never run on the
// caller's stack.
type AutoSession struct {
	decide DecideFunc

	mu       sync.Mutex
	requests []*ResolverRequest
	next     int
	closed   bool
	onError  func(error)
}

// NewAutoSession creates a session that resolves conflicts with decide.
func NewAutoSession(decide DecideFunc) *AutoSession {
	return &AutoSession{decide: decide}
}

// Resolve decides every conflict with the session's decision function and
// exposes the resulting instruction stream through the provider handed to
// done. A decision error fails the merge before any instruction is sent.
func (s *AutoSession) Resolve(left, right, ancestor Snapshot, conflicts []ConflictInfo, done func(stores.Status, ResultProvider)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go done(stores.StatusChannelClosed, nil)
		return
	}

	decisions := make([]MergeDecision, 0, len(conflicts))
	for _, conflict := range conflicts {
		decision, err := s.decide(conflict)
		if err != nil {
			onError := s.onError
			s.mu.Unlock()
			if onError != nil {
				onError(NewPermanentError("conflict decision failed", err).
					WithCode(ErrCodeResolverFailed).WithDetail("key", conflict.Key))
			}
			go done(stores.StatusInternalError, nil)
			return
		}
		decisions = append(decisions, decision)
	}

	s.requests = s.requests[:0]
	s.next = 0
	if len(decisions) > 0 {
		s.requests = append(s.requests, &ResolverRequest{
			Kind:      RequestMerge,
			Decisions: decisions,
			Respond:   s.respond,
		})
	}
	s.requests = append(s.requests,
		&ResolverRequest{Kind: RequestMergeNonConflicting, Respond: s.respond},
		&ResolverRequest{Kind: RequestDone, Respond: s.respond},
	)
	s.mu.Unlock()

	go done(stores.StatusOK, s)
}

// Next hands the caller the next queued instruction. After the stream is
// exhausted or the session is disconnected it reports a closed channel.
func (s *AutoSession) Next(done func(stores.Status, *ResolverRequest)) {
	s.mu.Lock()
	if s.closed || s.next >= len(s.requests) {
		s.mu.Unlock()
		go done(stores.StatusChannelClosed, nil)
		return
	}
	req := s.requests[s.next]
	s.next++
	s.mu.Unlock()

	go done(stores.StatusOK, req)
}

// Disconnect stops the instruction stream. Subsequent Next calls report a
// closed channel.
func (s *AutoSession) Disconnect() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// SetOnError registers a callback for decision failures and rejected
// instructions.
func (s *AutoSession) SetOnError(cb func(error)) {
	s.mu.Lock()
	s.onError = cb
	s.mu.Unlock()
}

// Close permanently disconnects the session.
func (s *AutoSession) Close() error {
	s.Disconnect()
	return nil
}

// respond receives the client's verdict on an applied instruction. The
// session's own decisions only target known conflicts, so a rejection
// means the merge is failing on the client side; stop streaming and
// surface the status.
func (s *AutoSession) respond(st stores.Status) {
	if st == stores.StatusOK {
		return
	}
	s.mu.Lock()
	s.closed = true
	onError := s.onError
	s.mu.Unlock()
	if onError != nil {
		onError(StatusError(st, "apply resolver instruction"))
	}
}
