package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/stores"
)

func newResolver(t *testing.T, s stores.Store, rt *coroutine.Runtime, strategy MergeStrategy, events EventPublisher) *MergeResolver {
	t.Helper()
	r, err := NewMergeResolver(ResolverConfig{
		Store:    s,
		Runtime:  rt,
		Strategy: strategy,
		Events:   events,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("failed to create resolver: %v", err)
	}
	return r
}

func TestResolverConvergesManyHeads(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	clk.set(10)
	base := commitChange(t, s, "", map[string]string{"shared": "base"})
	clk.set(20)
	commitChange(t, s, base.ID, map[string]string{"a": "1"})
	clk.set(30)
	commitChange(t, s, base.ID, map[string]string{"b": "2"})
	clk.set(40)
	commitChange(t, s, base.ID, map[string]string{"c": "3"})

	if got := len(listHeads(t, s)); got != 3 {
		t.Fatalf("setup produced %d heads, want 3", got)
	}

	r := newResolver(t, s, rt, NewLastOneWinsStrategy(rt, zerolog.Nop()), nil)
	defer r.Close()
	if err := r.Start(); err != nil {
		t.Fatalf("failed to start resolver: %v", err)
	}

	waitUntil(t, 10*time.Second, "head set to converge", func() bool {
		return !r.HasUnfinishedMerges()
	})

	heads := listHeads(t, s)
	if len(heads) != 1 {
		t.Fatalf("heads = %v, want one", heads)
	}

	// Every head touched its own key, so the converged view is the union
	// no matter how the pairs folded.
	view := contentsMap(t, s, loadCommit(t, s, heads[0]))
	want := map[string]string{"shared": "base", "a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if view[k] != v {
			t.Fatalf("view[%q] = %q, want %q (full view %v)", k, view[k], v, view)
		}
	}
	if len(view) != len(want) {
		t.Fatalf("view = %v, want %v", view, want)
	}
}

func TestResolverPicksUpLaterCommits(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	clk.set(10)
	base := commitChange(t, s, "", map[string]string{"k": "0"})

	r := newResolver(t, s, rt, NewLastOneWinsStrategy(rt, zerolog.Nop()), nil)
	defer r.Close()
	if err := r.Start(); err != nil {
		t.Fatalf("failed to start resolver: %v", err)
	}

	waitUntil(t, 5*time.Second, "initial head observation", func() bool {
		return !r.HasUnfinishedMerges()
	})

	// Two replicas commit concurrently; the watch must wake the resolver.
	clk.set(20)
	commitChange(t, s, base.ID, map[string]string{"k": "a"})
	clk.set(30)
	commitChange(t, s, base.ID, map[string]string{"k": "b"})

	waitUntil(t, 10*time.Second, "second convergence", func() bool {
		return !r.HasUnfinishedMerges() && len(listHeads(t, s)) == 1
	})

	heads := listHeads(t, s)
	view := contentsMap(t, s, loadCommit(t, s, heads[0]))
	if view["k"] != "b" {
		t.Fatalf("k = %q, want the later write", view["k"])
	}
}

func TestRegisterNoConflictCallback(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	clk.set(10)
	base := commitChange(t, s, "", map[string]string{"k": "0"})
	clk.set(20)
	commitChange(t, s, base.ID, map[string]string{"k": "a"})
	clk.set(30)
	commitChange(t, s, base.ID, map[string]string{"k": "b"})

	r := newResolver(t, s, rt, NewLastOneWinsStrategy(rt, zerolog.Nop()), nil)
	defer r.Close()

	var fired atomic.Bool
	if r.RegisterNoConflictCallback(func() { fired.Store(true) }) {
		t.Fatal("head set is unobserved, callback should be deferred")
	}

	if err := r.Start(); err != nil {
		t.Fatalf("failed to start resolver: %v", err)
	}

	waitUntil(t, 10*time.Second, "no-conflict callback", fired.Load)

	if !r.RegisterNoConflictCallback(func() {}) {
		t.Fatal("converged head set should report true without registering")
	}
}

func TestResolverWithoutStrategyObservesOnly(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	clk.set(10)
	base := commitChange(t, s, "", map[string]string{"k": "0"})
	clk.set(20)
	commitChange(t, s, base.ID, map[string]string{"k": "a"})
	clk.set(30)
	commitChange(t, s, base.ID, map[string]string{"k": "b"})

	r := newResolver(t, s, rt, nil, nil)
	defer r.Close()
	if err := r.Start(); err != nil {
		t.Fatalf("failed to start resolver: %v", err)
	}

	// Give the initial pass time to observe the heads and decline to act.
	time.Sleep(100 * time.Millisecond)

	if got := len(listHeads(t, s)); got != 2 {
		t.Fatalf("without a strategy the heads must stay, got %d", got)
	}
	if !r.HasUnfinishedMerges() {
		t.Fatal("two heads mean unfinished merges")
	}

	// Installing a strategy resumes converging.
	r.SetMergeStrategy(NewLastOneWinsStrategy(rt, zerolog.Nop()))
	waitUntil(t, 10*time.Second, "convergence after strategy install", func() bool {
		return !r.HasUnfinishedMerges()
	})
	if got := len(listHeads(t, s)); got != 1 {
		t.Fatalf("heads = %d, want 1", got)
	}
}

func TestResolverIsEmpty(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	r := newResolver(t, s, rt, nil, nil)
	defer r.Close()
	if err := r.Start(); err != nil {
		t.Fatalf("failed to start resolver: %v", err)
	}

	waitUntil(t, 5*time.Second, "empty store observation", r.IsEmpty)

	clk.set(10)
	commitChange(t, s, "", map[string]string{"k": "0"})

	waitUntil(t, 5*time.Second, "first commit observation", func() bool {
		return !r.IsEmpty()
	})
}

// flakyStore fails a fixed number of content reads to provoke merge
// retries.
type flakyStore struct {
	stores.Store
	mu    sync.Mutex
	fails int
}

func (f *flakyStore) GetCommitContents(c *stores.Commit, done func(stores.Status, []stores.Entry)) {
	f.mu.Lock()
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()

	if fail {
		f.Store.GetCommitContents(c, func(stores.Status, []stores.Entry) {
			done(stores.StatusIOError, nil)
		})
		return
	}
	f.Store.GetCommitContents(c, done)
}

func TestResolverRetriesFailedMergeWithBackoff(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	inner := newTestStore(clk)
	defer inner.Close()
	s := &flakyStore{Store: inner, fails: 1}

	clk.set(10)
	base := commitChange(t, s, "", map[string]string{"k": "0"})
	clk.set(20)
	commitChange(t, s, base.ID, map[string]string{"k": "a"})
	clk.set(30)
	commitChange(t, s, base.ID, map[string]string{"k": "b"})

	r := newResolver(t, s, rt, NewLastOneWinsStrategy(rt, zerolog.Nop()), nil)
	defer r.Close()
	if err := r.Start(); err != nil {
		t.Fatalf("failed to start resolver: %v", err)
	}

	waitUntil(t, 30*time.Second, "convergence after retry", func() bool {
		return !r.HasUnfinishedMerges()
	})
	if got := len(listHeads(t, s)); got != 1 {
		t.Fatalf("heads = %d, want 1", got)
	}
}

func TestResolverCloseCancelsInFlightMerge(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	forkForMerge(t, s, clk)

	session := newScriptedSession()
	session.add(&ResolverRequest{Kind: RequestMergeNonConflicting})
	session.add(&ResolverRequest{Kind: RequestDone})
	session.holdAt = 0

	strategy := NewCustomMergeStrategy(CustomStrategyConfig{
		Runtime: rt,
		Session: session,
		Logger:  zerolog.Nop(),
	})

	r := newResolver(t, s, rt, strategy, nil)
	defer r.Close()
	if err := r.Start(); err != nil {
		t.Fatalf("failed to start resolver: %v", err)
	}

	waitUntil(t, 5*time.Second, "merge to start", func() bool {
		return r.State() == ResolverStateMerging
	})

	if err := r.Close(); err != nil {
		t.Fatalf("failed to close resolver: %v", err)
	}

	if r.State() != ResolverStateStopped {
		t.Fatalf("state = %s, want %s", r.State(), ResolverStateStopped)
	}
	if got := len(listHeads(t, s)); got != 2 {
		t.Fatalf("cancelled merge must roll back, heads = %v", got)
	}
}

func TestResolverPublishesMergeTimeline(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	forkForMerge(t, s, clk)

	events := NewInMemoryEventPublisher(64, zerolog.Nop())
	defer events.Close()
	ch, _, err := events.Subscribe(context.Background(), EventFilter{})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	strategy := NewCustomMergeStrategy(CustomStrategyConfig{
		Runtime: rt,
		Session: NewAutoSession(func(conflict ConflictInfo) (MergeDecision, error) {
			return MergeDecision{Key: conflict.Key, Source: SourceRight}, nil
		}),
		Events: events,
		Logger: zerolog.Nop(),
	})

	r := newResolver(t, s, rt, strategy, events)
	defer r.Close()
	if err := r.Start(); err != nil {
		t.Fatalf("failed to start resolver: %v", err)
	}

	seen := make(map[EventType]bool)
	deadline := time.After(10 * time.Second)
	for !seen[EventTypeHeadsConverged] {
		select {
		case e := <-ch:
			seen[e.Type] = true
		case <-deadline:
			t.Fatalf("timed out, events seen so far: %v", seen)
		}
	}

	for _, want := range []EventType{
		EventTypeMergeStarted,
		EventTypeConflictDetected,
		EventTypeMergeCompleted,
		EventTypeHeadsConverged,
	} {
		if !seen[want] {
			t.Fatalf("missing %s in the merge timeline, saw %v", want, seen)
		}
	}
}

func TestResolverCloseBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)
	clk := &testClock{}
	rt := coroutine.NewRuntime(coroutine.Config{})
	defer rt.Close()
	s := newTestStore(clk)
	defer s.Close()

	r := newResolver(t, s, rt, nil, nil)
	if err := r.Close(); err != nil {
		t.Fatalf("failed to close unstarted resolver: %v", err)
	}
	if err := r.Start(); err == nil {
		t.Fatal("starting a stopped resolver should fail")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("double close should be clean: %v", err)
	}
}
