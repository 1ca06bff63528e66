package engine

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/stores"
)

// ResolverConfig carries the dependencies of a MergeResolver.
type ResolverConfig struct {
	// Store is the document store whose heads the resolver converges.
	Store stores.Store

	// Runtime hosts the resolver's coroutines. The resolver does not
	// own the runtime; close the resolver first, the store second, and
	// the runtime last.
	Runtime *coroutine.Runtime

	// Strategy performs the merges. Optional; without one the resolver
	// only tracks the head set until SetMergeStrategy installs a
	// strategy.
	Strategy MergeStrategy

	// Events receives the merge timeline. Optional.
	Events EventPublisher

	// Logger is the parent logger.
	Logger zerolog.Logger
}

// MergeResolver watches a store's head set and drives it toward a single
// head: whenever more than one head exists it merges the two lowest in
// (timestamp, id) order with the installed strategy, repeating until the
// set converges. Failed merges retry with exponential backoff; a head set
// that converges fires the registered no-conflict callbacks.
//
// One merge runs at a time. All decisions are re-derived from the live
// head set each round, so concurrent commits simply feed the next round.
type MergeResolver struct {
	store   stores.Store
	runtime *coroutine.Runtime
	events  EventPublisher
	logger  zerolog.Logger

	mu          sync.Mutex
	strategy    MergeStrategy
	started     bool
	merging     bool
	stopped     bool
	lastHeads   int
	attempt     int
	noConflict  []func()
	watchCancel func()
	retryTimer  *time.Timer

	wake     chan struct{}
	stopc    chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// NewMergeResolver creates a resolver. Call Start to begin watching the
// store.
func NewMergeResolver(cfg ResolverConfig) (*MergeResolver, error) {
	if cfg.Store == nil {
		return nil, NewPermanentError("resolver requires a store", nil).WithCode(ErrCodeValidation)
	}
	if cfg.Runtime == nil {
		return nil, NewPermanentError("resolver requires a coroutine runtime", nil).WithCode(ErrCodeValidation)
	}
	return &MergeResolver{
		store:     cfg.Store,
		runtime:   cfg.Runtime,
		events:    cfg.Events,
		logger:    cfg.Logger.With().Str("component", "merge-resolver").Logger(),
		strategy:  cfg.Strategy,
		lastHeads: -1,
		wake:      make(chan struct{}, 1),
		stopc:     make(chan struct{}),
		loopDone:  make(chan struct{}),
	}, nil
}

// Start subscribes to head changes and begins converging. Starting a
// stopped resolver is an error.
func (r *MergeResolver) Start() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return NewPermanentError("resolver is stopped", nil).WithCode(ErrCodeValidation)
	}
	if r.started {
		r.mu.Unlock()
		return NewPermanentError("resolver already started", nil).WithCode(ErrCodeValidation)
	}
	r.started = true
	r.watchCancel = r.store.WatchHeads(r.poke)
	r.mu.Unlock()

	go r.loop()
	r.poke()
	r.logger.Info().Msg("merge resolver started")
	return nil
}

// SetMergeStrategy swaps the merge strategy. A merge in flight on the old
// strategy is cancelled; the next round runs with the new one. A nil
// strategy disables auto-merging.
func (r *MergeResolver) SetMergeStrategy(strategy MergeStrategy) {
	r.mu.Lock()
	old := r.strategy
	r.strategy = strategy
	merging := r.merging
	r.mu.Unlock()

	if merging && old != nil {
		old.Cancel()
	}
	if strategy != nil {
		r.poke()
	}
}

// RegisterNoConflictCallback registers cb to fire once the head set next
// converges to at most one head. When the set is already conflict-free
// the callback is not registered and true is returned instead.
func (r *MergeResolver) RegisterNoConflictCallback(cb func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastHeads >= 0 && r.lastHeads <= 1 {
		return true
	}
	r.noConflict = append(r.noConflict, cb)
	return false
}

// HasUnfinishedMerges reports whether the resolver still has converging
// to do: more than one head, a merge in flight, or the head set not yet
// observed.
func (r *MergeResolver) HasUnfinishedMerges() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeads < 0 || r.lastHeads > 1 || r.merging
}

// IsEmpty reports whether the store had no commits at the last
// observation.
func (r *MergeResolver) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHeads == 0
}

// State reports the resolver's current state.
func (r *MergeResolver) State() ResolverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.stopped:
		return ResolverStateStopped
	case r.merging:
		return ResolverStateMerging
	case r.retryTimer != nil:
		return ResolverStateBackoff
	default:
		return ResolverStateIdle
	}
}

// Close stops the resolver: it cancels the head watch and any in-flight
// merge, then waits for the merge to unwind. The store and runtime stay
// open; closing them is the caller's job, in that order.
func (r *MergeResolver) Close() error {
	r.mu.Lock()
	if r.stopped {
		started := r.started
		r.mu.Unlock()
		if started {
			<-r.loopDone
		}
		return nil
	}
	r.stopped = true
	started := r.started
	watchCancel := r.watchCancel
	r.watchCancel = nil
	timer := r.retryTimer
	r.retryTimer = nil
	merging := r.merging
	strategy := r.strategy
	r.mu.Unlock()

	if watchCancel != nil {
		watchCancel()
	}
	if timer != nil {
		timer.Stop()
	}
	close(r.stopc)
	if merging && strategy != nil {
		strategy.Cancel()
	}
	if started {
		<-r.loopDone
	}
	r.wg.Wait()
	r.logger.Info().Msg("merge resolver stopped")
	return nil
}

// poke schedules a pass without blocking. Multiple pokes coalesce.
func (r *MergeResolver) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *MergeResolver) loop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.stopc:
			return
		case <-r.wake:
		}
		r.pass()
	}
}

// pass observes the head set once and, when it holds two or more heads,
// launches one merge of the two lowest.
func (r *MergeResolver) pass() {
	r.mu.Lock()
	if r.stopped || r.merging {
		r.mu.Unlock()
		return
	}
	strategy := r.strategy
	r.mu.Unlock()

	headIDs, st := r.listHeads()
	if st != stores.StatusOK {
		r.failPass(st, "list heads")
		return
	}

	r.mu.Lock()
	prev := r.lastHeads
	r.lastHeads = len(headIDs)
	var fire []func()
	if len(headIDs) <= 1 {
		fire = r.noConflict
		r.noConflict = nil
		r.attempt = 0
	}
	r.mu.Unlock()

	if len(headIDs) <= 1 {
		for _, cb := range fire {
			cb()
		}
		if prev < 0 || prev > 1 {
			publishEvent(r.events, &Event{
				Type:    EventTypeHeadsConverged,
				Message: "head set converged",
				Details: map[string]interface{}{"heads": len(headIDs)},
			})
		}
		return
	}

	if strategy == nil {
		r.logger.Debug().Int("heads", len(headIDs)).Msg("multiple heads but no merge strategy installed")
		return
	}

	// Heads come back ordered by (timestamp, id); the first two are the
	// pair to merge.
	left, st := r.getCommit(headIDs[0])
	if st != stores.StatusOK {
		r.failPass(st, "load left head")
		return
	}
	right, st := r.getCommit(headIDs[1])
	if st != stores.StatusOK {
		r.failPass(st, "load right head")
		return
	}
	ancestor, st := r.findAncestor(left, right)
	if st != stores.StatusOK {
		r.failPass(st, "find common ancestor")
		return
	}

	r.mu.Lock()
	if r.stopped || r.merging || r.strategy != strategy {
		r.mu.Unlock()
		return
	}
	r.merging = true
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info().
		Str("left", string(left.ID)).
		Str("right", string(right.ID)).
		Int("heads", len(headIDs)).
		Msg("merging lowest head pair")
	publishEvent(r.events, &Event{
		Type:    EventTypeMergeStarted,
		Left:    left.ID,
		Right:   right.ID,
		Message: "merge started",
	})

	strategy.Merge(r.store, r.store, left, right, ancestor, func(st stores.Status, commit *stores.Commit) {
		r.onMergeDone(left, right, st, commit)
	})
}

func (r *MergeResolver) onMergeDone(left, right *stores.Commit, st stores.Status, commit *stores.Commit) {
	defer r.wg.Done()

	r.mu.Lock()
	r.merging = false
	stopped := r.stopped
	if st == stores.StatusOK {
		r.attempt = 0
	} else if RetryableStatus(st) {
		r.attempt++
	}
	attempt := r.attempt
	r.mu.Unlock()

	switch {
	case st == stores.StatusOK:
		publishEvent(r.events, &Event{
			Type:    EventTypeMergeCompleted,
			Left:    left.ID,
			Right:   right.ID,
			Result:  commit.ID,
			Message: "merge completed",
		})
		if !stopped {
			r.poke()
		}

	case st == stores.StatusCancelled:
		publishEvent(r.events, &Event{
			Type:    EventTypeMergeCancelled,
			Left:    left.ID,
			Right:   right.ID,
			Message: "merge cancelled",
		})
		if !stopped {
			r.poke()
		}

	case st == stores.StatusInterrupted:
		// Shutdown is unwinding the coroutines; nothing to schedule.

	case RetryableStatus(st):
		publishEvent(r.events, &Event{
			Type:    EventTypeMergeFailed,
			Left:    left.ID,
			Right:   right.ID,
			Message: "merge failed, will retry",
			Details: map[string]interface{}{"status": string(st), "attempt": attempt},
		})
		if !stopped {
			r.scheduleRetry(st, attempt)
		}

	default:
		if st == stores.StatusChannelClosed {
			publishEvent(r.events, &Event{
				Type:    EventTypeResolverDisconnected,
				Left:    left.ID,
				Right:   right.ID,
				Message: "resolver disconnected mid-merge",
			})
		}
		publishEvent(r.events, &Event{
			Type:    EventTypeMergeFailed,
			Left:    left.ID,
			Right:   right.ID,
			Message: "merge failed",
			Details: map[string]interface{}{"status": string(st)},
		})
		r.logger.Error().
			Str("status", string(st)).
			Msg("merge failed permanently, auto-merge paused until the strategy changes")
	}
}

// failPass handles a storage failure before a merge was launched.
func (r *MergeResolver) failPass(st stores.Status, what string) {
	if st == stores.StatusInterrupted {
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.attempt++
	attempt := r.attempt
	r.mu.Unlock()

	r.logger.Warn().Str("status", string(st)).Str("operation", what).Msg("resolver pass failed")
	r.scheduleRetry(st, attempt)
}

// scheduleRetry arms a backoff timer that pokes the loop when it fires.
func (r *MergeResolver) scheduleRetry(st stores.Status, attempt int) {
	delay := calculateBackoff(attempt, st)

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.retryTimer != nil {
		r.retryTimer.Stop()
	}
	r.retryTimer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.retryTimer = nil
		r.mu.Unlock()
		r.poke()
	})
	r.mu.Unlock()

	r.logger.Info().Dur("delay", delay).Int("attempt", attempt).Msg("retrying after backoff")
}

// calculateBackoff calculates exponential backoff with jitter.
func calculateBackoff(attempt int, st stores.Status) time.Duration {
	baseDelay := 1 * time.Second

	// A vanished commit means the graph moved underfoot; give concurrent
	// writers a little longer to settle.
	if st == stores.StatusKeyNotFound {
		baseDelay = 2 * time.Second
	}

	// The retry counter is unbounded; past 2^16 the cap below decides
	// anyway.
	if attempt > 16 {
		attempt = 16
	}

	// Exponential backoff: delay = baseDelay * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))

	// Cap at 1 minute
	if delay > time.Minute {
		delay = time.Minute
	}

	// Add jitter (±25%)
	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay + jitter/2

	return delay
}

func (r *MergeResolver) listHeads() ([]stores.CommitID, stores.Status) {
	type result struct {
		st  stores.Status
		ids []stores.CommitID
	}
	ch := make(chan result, 1)
	r.store.GetHeadCommitIDs(func(st stores.Status, ids []stores.CommitID) {
		ch <- result{st, ids}
	})
	res := <-ch
	return res.ids, res.st
}

func (r *MergeResolver) getCommit(id stores.CommitID) (*stores.Commit, stores.Status) {
	type result struct {
		st     stores.Status
		commit *stores.Commit
	}
	ch := make(chan result, 1)
	r.store.GetCommit(id, func(st stores.Status, commit *stores.Commit) {
		ch <- result{st, commit}
	})
	res := <-ch
	return res.commit, res.st
}

func (r *MergeResolver) findAncestor(left, right *stores.Commit) (*stores.Commit, stores.Status) {
	type result struct {
		st       stores.Status
		ancestor *stores.Commit
	}
	ch := make(chan result, 1)
	FindCommonAncestor(r.runtime, r.store, left, right, func(st stores.Status, ancestor *stores.Commit) {
		ch <- result{st, ancestor}
	})
	res := <-ch
	if res.st == stores.StatusOK && res.ancestor == nil {
		r.logger.Debug().
			Str("left", string(left.ID)).
			Str("right", string(right.ID)).
			Msg("heads share no ancestor, merging against the empty snapshot")
	}
	return res.ancestor, res.st
}
