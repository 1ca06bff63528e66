package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/stores"
)

// CustomStrategyConfig carries the dependencies of a CustomMergeStrategy.
type CustomStrategyConfig struct {
	// Runtime hosts the merge coroutines.
	Runtime *coroutine.Runtime

	// Session answers this strategy's merges. The strategy does not own
	// the session; closing it is the caller's job.
	Session ResolverSession

	// Events receives conflict events. Optional.
	Events EventPublisher

	// Logger is the parent logger.
	Logger zerolog.Logger
}

// CustomMergeStrategy merges heads by delegating conflicts to a resolver
// session. It owns at most one merge at a time: Merge hands the in-flight
// slot to a fresh client and takes it back before the caller's callback
// fires, so a second Merge is legal the moment the first one's callback
// runs.
type CustomMergeStrategy struct {
	runtime *coroutine.Runtime
	session ResolverSession
	events  EventPublisher
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight *ConflictResolverClient
	onError  func(error)
}

// NewCustomMergeStrategy creates a strategy backed by a resolver session.
func NewCustomMergeStrategy(cfg CustomStrategyConfig) *CustomMergeStrategy {
	if cfg.Runtime == nil {
		panic("engine: strategy requires a coroutine runtime")
	}
	if cfg.Session == nil {
		panic("engine: strategy requires a resolver session")
	}
	return &CustomMergeStrategy{
		runtime: cfg.Runtime,
		session: cfg.Session,
		events:  cfg.Events,
		logger:  cfg.Logger.With().Str("component", "merge-strategy").Logger(),
	}
}

// Merge implements MergeStrategy.
func (s *CustomMergeStrategy) Merge(store stores.Store, pager Pager, left, right, ancestor *stores.Commit, done func(stores.Status, *stores.Commit)) {
	if left == nil || right == nil {
		panic("engine: merge heads must not be nil")
	}
	if CompareCommits(left, right) >= 0 {
		panic("engine: merge heads out of order")
	}

	client := newConflictResolverClient(s.runtime, store, pager, s.session, s.events, left, right, ancestor, s.logger)

	s.mu.Lock()
	if s.inflight != nil {
		s.mu.Unlock()
		panic("engine: merge already in flight")
	}
	s.inflight = client
	s.mu.Unlock()

	s.logger.Debug().
		Str("left", string(left.ID)).
		Str("right", string(right.ID)).
		Msg("starting merge")

	client.Start(func(st stores.Status, commit *stores.Commit) {
		s.mu.Lock()
		s.inflight = nil
		onError := s.onError
		s.mu.Unlock()

		done(st, commit)

		if onError != nil && mergeFailed(st) {
			onError(StatusError(st, "merge").WithCommit(left.ID))
		}
	})
}

// Cancel implements MergeStrategy.
func (s *CustomMergeStrategy) Cancel() {
	s.mu.Lock()
	client := s.inflight
	s.mu.Unlock()
	if client != nil {
		client.Cancel()
	}
}

// SetOnError implements MergeStrategy. The callback also receives the
// session's own failures.
func (s *CustomMergeStrategy) SetOnError(cb func(error)) {
	s.mu.Lock()
	s.onError = cb
	s.mu.Unlock()
	s.session.SetOnError(cb)
}

// mergeFailed reports whether a terminal status is a failure rather than
// a requested stop.
func mergeFailed(st stores.Status) bool {
	switch st {
	case stores.StatusOK, stores.StatusCancelled, stores.StatusInterrupted:
		return false
	default:
		return true
	}
}

// NewLastOneWinsStrategy merges without consulting anything external:
// every conflicted key takes the later head's state. With deletes
// represented as absent states this makes the newest write win wholesale.
func NewLastOneWinsStrategy(runtime *coroutine.Runtime, logger zerolog.Logger) *CustomMergeStrategy {
	session := NewAutoSession(func(conflict ConflictInfo) (MergeDecision, error) {
		return MergeDecision{Key: conflict.Key, Source: SourceRight}, nil
	})
	return NewCustomMergeStrategy(CustomStrategyConfig{
		Runtime: runtime,
		Session: session,
		Logger:  logger,
	})
}

// NewPolicyStrategy merges by consulting a MergePolicy for each conflict.
func NewPolicyStrategy(runtime *coroutine.Runtime, policy MergePolicy, logger zerolog.Logger) *CustomMergeStrategy {
	session := NewAutoSession(func(conflict ConflictInfo) (MergeDecision, error) {
		decision, err := policy.Decide(context.Background(), conflict)
		if err != nil {
			return MergeDecision{}, err
		}
		if decision == nil {
			return MergeDecision{}, NewPermanentError("policy returned no decision", nil).
				WithCode(ErrCodeResolverFailed).WithDetail("key", conflict.Key)
		}
		return *decision, nil
	})
	return NewCustomMergeStrategy(CustomStrategyConfig{
		Runtime: runtime,
		Session: session,
		Logger:  logger,
	})
}
