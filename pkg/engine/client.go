package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/stores"
)

// ConflictResolverClient drives a single merge between two heads. It
// diffs both sides against their common ancestor, opens a merge journal
// based on the left parent, feeds the conflicts to a resolver session,
// applies the instruction stream the session sends back, and commits or
// rolls back the journal depending on how the protocol ends.
//
// The whole exchange runs as one coroutine: every storage call and every
// resolver callback suspends the body instead of blocking a thread. A
// client is single-use; the strategy creates a fresh one per merge.
type ConflictResolverClient struct {
	runtime *coroutine.Runtime
	store   stores.Store
	pager   Pager
	session ResolverSession
	events  EventPublisher
	logger  zerolog.Logger

	left     *stores.Commit
	right    *stores.Commit
	ancestor *stores.Commit

	mu        sync.Mutex
	state     MergeState
	started   bool
	cancelled bool
	completed bool
	provider  ResultProvider
	done      func(stores.Status, *stores.Commit)
}

// newConflictResolverClient prepares a client for one merge. ancestor may
// be nil when the histories share no commit; the diff then runs against
// the empty snapshot. events may be nil.
func newConflictResolverClient(runtime *coroutine.Runtime, store stores.Store, pager Pager, session ResolverSession, events EventPublisher, left, right, ancestor *stores.Commit, logger zerolog.Logger) *ConflictResolverClient {
	return &ConflictResolverClient{
		runtime:  runtime,
		store:    store,
		pager:    pager,
		session:  session,
		events:   events,
		logger:   logger.With().Str("component", "resolver-client").Logger(),
		left:     left,
		right:    right,
		ancestor: ancestor,
		state:    MergeStateCreated,
	}
}

// Start launches the merge coroutine. done fires exactly once with the
// final status; on success it carries the new merge commit.
func (c *ConflictResolverClient) Start(done func(stores.Status, *stores.Commit)) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		panic("engine: merge client started twice")
	}
	c.started = true
	c.done = done
	c.mu.Unlock()

	c.runtime.StartCoroutine(c.run)
}

// Cancel aborts the merge at the next suspension point. The journal is
// rolled back and the completion callback fires with a cancelled status.
// Cancelling a finished merge is a no-op.
func (c *ConflictResolverClient) Cancel() {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	provider := c.provider
	c.mu.Unlock()

	// Unblock a pending instruction wait so the coroutine can observe
	// the flag.
	if provider != nil {
		provider.Disconnect()
	}
}

// State reports the merge's current lifecycle state.
func (c *ConflictResolverClient) State() MergeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *ConflictResolverClient) setState(s MergeState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.logger.Debug().Str("state", string(s)).Msg("merge state changed")
}

func (c *ConflictResolverClient) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *ConflictResolverClient) setProvider(p ResultProvider) {
	c.mu.Lock()
	c.provider = p
	cancelled := c.cancelled
	c.mu.Unlock()
	if cancelled {
		p.Disconnect()
	}
}

// finish completes the merge exactly once, records the terminal state,
// and fires the completion callback outside the client's lock.
func (c *ConflictResolverClient) finish(st stores.Status, commit *stores.Commit) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	switch st {
	case stores.StatusOK:
		c.state = MergeStateDone
	case stores.StatusCancelled:
		c.state = MergeStateCancelled
	default:
		c.state = MergeStateError
	}
	done := c.done
	c.done = nil
	c.mu.Unlock()

	if st == stores.StatusOK {
		c.logger.Info().Str("commit", string(commit.ID)).Msg("merge committed")
	} else {
		c.logger.Warn().Str("status", string(st)).Msg("merge did not complete")
	}
	if done != nil {
		done(st, commit)
	}
}

// teardown abandons the merge: it disconnects the session's instruction
// stream, rolls the journal back, and completes with st. Safe to call
// with a nil journal before one was opened.
func (c *ConflictResolverClient) teardown(cs coStore, journal stores.Journal, st stores.Status) {
	c.mu.Lock()
	provider := c.provider
	c.mu.Unlock()
	if provider != nil {
		provider.Disconnect()
	}
	if journal != nil {
		// The rollback's own outcome cannot change the merge result;
		// an interrupt here just means no further suspension follows.
		cs.rollbackJournal(journal)
	}
	c.finish(st, nil)
}

// interruptTeardown unwinds after the coroutine was interrupted. No
// further suspension is allowed, so the rollback is fire-and-forget.
func (c *ConflictResolverClient) interruptTeardown(cs coStore, journal stores.Journal) {
	c.mu.Lock()
	provider := c.provider
	c.mu.Unlock()
	if provider != nil {
		provider.Disconnect()
	}
	if journal != nil {
		cs.rollbackDetached(journal)
	}
	c.finish(stores.StatusInterrupted, nil)
}

// run is the merge coroutine body.
func (c *ConflictResolverClient) run(h *coroutine.Handler) {
	cs := coStore{h: h, s: c.store, p: c.pager}

	c.setState(MergeStateDiffing)

	leftEntries, st, interrupted := cs.contents(c.left)
	if interrupted {
		c.interruptTeardown(cs, nil)
		return
	}
	if c.isCancelled() {
		c.teardown(cs, nil, stores.StatusCancelled)
		return
	}
	if st != stores.StatusOK {
		c.teardown(cs, nil, st)
		return
	}

	rightEntries, st, interrupted := cs.contents(c.right)
	if interrupted {
		c.interruptTeardown(cs, nil)
		return
	}
	if c.isCancelled() {
		c.teardown(cs, nil, stores.StatusCancelled)
		return
	}
	if st != stores.StatusOK {
		c.teardown(cs, nil, st)
		return
	}

	var ancestorEntries []stores.Entry
	if c.ancestor != nil {
		ancestorEntries, st, interrupted = cs.contents(c.ancestor)
		if interrupted {
			c.interruptTeardown(cs, nil)
			return
		}
		if c.isCancelled() {
			c.teardown(cs, nil, stores.StatusCancelled)
			return
		}
		if st != stores.StatusOK {
			c.teardown(cs, nil, st)
			return
		}
	}

	leftSnap := Snapshot{Commit: c.left, Entries: leftEntries}
	rightSnap := Snapshot{Commit: c.right, Entries: rightEntries}
	ancestorSnap := Snapshot{Commit: c.ancestor, Entries: ancestorEntries}

	diff := ComputeDiff(ancestorSnap, leftSnap, rightSnap)
	c.logger.Debug().
		Int("unique_left", len(diff.UniqueLeft)).
		Int("unique_right", len(diff.UniqueRight)).
		Int("agreed", len(diff.Agreed)).
		Int("conflicts", len(diff.Conflicts)).
		Msg("computed merge diff")

	if len(diff.Conflicts) > 0 {
		c.publishConflicts(len(diff.Conflicts))
	}

	// Load the payload behind every conflicted state so the resolver can
	// decide on values, not just object ids.
	for i := range diff.Conflicts {
		for _, vs := range []*ValueState{diff.Conflicts[i].Left, diff.Conflicts[i].Right, diff.Conflicts[i].Ancestor} {
			if vs == nil {
				continue
			}
			data, st, interrupted := cs.getObject(vs.ObjectID)
			if interrupted {
				c.interruptTeardown(cs, nil)
				return
			}
			if c.isCancelled() {
				c.teardown(cs, nil, stores.StatusCancelled)
				return
			}
			if st != stores.StatusOK {
				c.teardown(cs, nil, st)
				return
			}
			vs.Value = data
		}
	}

	// The journal starts from the left parent's view, so the left side's
	// changes and everything both sides agree on are already in place.
	journal, st, interrupted := cs.startMergeCommit(c.left.ID, c.right.ID)
	if interrupted {
		c.interruptTeardown(cs, nil)
		return
	}
	if c.isCancelled() {
		c.teardown(cs, nil, stores.StatusCancelled)
		return
	}
	if st != stores.StatusOK {
		c.teardown(cs, nil, st)
		return
	}

	c.setState(MergeStateAwaitingResolution)

	provider, st, interrupted := cs.resolve(c.session, leftSnap, rightSnap, ancestorSnap, diff.Conflicts)
	if interrupted {
		c.interruptTeardown(cs, journal)
		return
	}
	if c.isCancelled() {
		c.teardown(cs, journal, stores.StatusCancelled)
		return
	}
	if st != stores.StatusOK {
		c.teardown(cs, journal, st)
		return
	}
	c.setProvider(provider)

	leftView := leftSnap.View()
	rightView := rightSnap.View()
	decided := make(map[string]bool)

	for {
		req, st, interrupted := cs.next(provider)
		if interrupted {
			c.interruptTeardown(cs, journal)
			return
		}
		if c.isCancelled() {
			c.teardown(cs, journal, stores.StatusCancelled)
			return
		}
		if st != stores.StatusOK {
			// The resolver walked away mid-protocol.
			c.teardown(cs, journal, st)
			return
		}

		switch req.Kind {
		case RequestMerge:
			for _, d := range req.Decisions {
				if d.Source.Validate() != nil {
					req.Respond(stores.StatusIllegalState)
					c.teardown(cs, journal, stores.StatusInternalError)
					return
				}
				if !diff.HasKey(d.Key) {
					c.logger.Warn().Str("key", d.Key).Msg("resolver decided a key outside the merge")
					req.Respond(stores.StatusKeyNotFound)
					c.teardown(cs, journal, stores.StatusKeyNotFound)
					return
				}

				st, interrupted := c.applyDecision(cs, journal, d, leftView, rightView)
				if interrupted {
					c.interruptTeardown(cs, journal)
					return
				}
				if c.isCancelled() {
					c.teardown(cs, journal, stores.StatusCancelled)
					return
				}
				if st != stores.StatusOK {
					req.Respond(st)
					c.teardown(cs, journal, st)
					return
				}
				decided[d.Key] = true
			}
			req.Respond(stores.StatusOK)

		case RequestMergeNonConflicting:
			for _, change := range diff.UniqueRight {
				if decided[change.Key] {
					continue
				}
				st, interrupted := c.applyChange(cs, journal, change)
				if interrupted {
					c.interruptTeardown(cs, journal)
					return
				}
				if c.isCancelled() {
					c.teardown(cs, journal, stores.StatusCancelled)
					return
				}
				if st != stores.StatusOK {
					req.Respond(st)
					c.teardown(cs, journal, st)
					return
				}
				decided[change.Key] = true
			}
			req.Respond(stores.StatusOK)

		case RequestDone:
			c.setState(MergeStateCommitting)
			commit, st, interrupted := cs.commitJournal(journal)
			if interrupted {
				c.finish(stores.StatusInterrupted, nil)
				return
			}
			if st != stores.StatusOK {
				req.Respond(st)
				c.teardown(cs, journal, st)
				return
			}
			req.Respond(stores.StatusOK)
			c.finish(stores.StatusOK, commit)
			return

		default:
			req.Respond(stores.StatusIllegalState)
			c.teardown(cs, journal, stores.StatusInternalError)
			return
		}
	}
}

// applyDecision materializes one explicit decision in the journal.
// Left and right sources copy that side's state for the key, including
// its absence; a new source installs the resolver-provided value.
func (c *ConflictResolverClient) applyDecision(cs coStore, journal stores.Journal, d MergeDecision, leftView, rightView map[string]stores.Entry) (stores.Status, bool) {
	switch d.Source {
	case SourceLeft:
		if entry, ok := leftView[d.Key]; ok {
			return cs.put(journal, d.Key, entry.ObjectID, entry.Priority)
		}
		return cs.delete(journal, d.Key)

	case SourceRight:
		if entry, ok := rightView[d.Key]; ok {
			return cs.put(journal, d.Key, entry.ObjectID, entry.Priority)
		}
		return cs.delete(journal, d.Key)

	default: // SourceNew, validated by the caller
		objectID, st, interrupted := cs.addObject(d.Value)
		if interrupted || st != stores.StatusOK {
			return st, interrupted
		}
		priority := d.Priority
		if priority == "" {
			priority = stores.PriorityEager
		}
		return cs.put(journal, d.Key, objectID, priority)
	}
}

// applyChange replays one side's change onto the journal.
func (c *ConflictResolverClient) applyChange(cs coStore, journal stores.Journal, change KeyChange) (stores.Status, bool) {
	if change.Kind == ChangeRemoved {
		return cs.delete(journal, change.Key)
	}
	return cs.put(journal, change.Key, change.Entry.ObjectID, change.Entry.Priority)
}

func (c *ConflictResolverClient) publishConflicts(count int) {
	if c.events == nil {
		return
	}
	publishEvent(c.events, &Event{
		Type:    EventTypeConflictDetected,
		Left:    c.left.ID,
		Right:   c.right.ID,
		Message: "merge requires conflict resolution",
		Details: map[string]interface{}{"conflicts": count},
	})
}
