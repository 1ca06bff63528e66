package engine_test

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/stores"
)

// mustCommit commits puts on top of parent, applying keys in sorted
// order so example runs are reproducible.
func mustCommit(s stores.Store, parent stores.CommitID, puts map[string]string) *stores.Commit {
	type journalResult struct {
		st stores.Status
		j  stores.Journal
	}
	jch := make(chan journalResult, 1)
	s.StartCommit(parent, stores.JournalTypeExplicit, func(st stores.Status, j stores.Journal) {
		jch <- journalResult{st, j}
	})
	jres := <-jch
	if jres.st != stores.StatusOK {
		panic("start commit failed: " + string(jres.st))
	}

	keys := make([]string, 0, len(puts))
	for k := range puts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		type addResult struct {
			st stores.Status
			id stores.ObjectID
		}
		ach := make(chan addResult, 1)
		s.AddObjectFromLocal([]byte(puts[key]), func(st stores.Status, id stores.ObjectID) {
			ach <- addResult{st, id}
		})
		ares := <-ach
		if ares.st != stores.StatusOK {
			panic("add object failed: " + string(ares.st))
		}

		pch := make(chan stores.Status, 1)
		jres.j.Put(key, ares.id, stores.PriorityEager, func(st stores.Status) { pch <- st })
		if st := <-pch; st != stores.StatusOK {
			panic("put failed: " + string(st))
		}
	}

	type commitResult struct {
		st stores.Status
		c  *stores.Commit
	}
	cch := make(chan commitResult, 1)
	s.CommitJournal(jres.j, func(st stores.Status, c *stores.Commit) {
		cch <- commitResult{st, c}
	})
	cres := <-cch
	if cres.st != stores.StatusOK {
		panic("commit failed: " + string(cres.st))
	}
	return cres.c
}

func mustHeads(s stores.Store) []stores.CommitID {
	type result struct {
		st  stores.Status
		ids []stores.CommitID
	}
	ch := make(chan result, 1)
	s.GetHeadCommitIDs(func(st stores.Status, ids []stores.CommitID) {
		ch <- result{st, ids}
	})
	res := <-ch
	if res.st != stores.StatusOK {
		panic("list heads failed: " + string(res.st))
	}
	return res.ids
}

// mustView loads a commit's full key-to-payload view.
func mustView(s stores.Store, id stores.CommitID) map[string]string {
	type commitResult struct {
		st stores.Status
		c  *stores.Commit
	}
	cch := make(chan commitResult, 1)
	s.GetCommit(id, func(st stores.Status, c *stores.Commit) {
		cch <- commitResult{st, c}
	})
	cres := <-cch
	if cres.st != stores.StatusOK {
		panic("load commit failed: " + string(cres.st))
	}

	type listResult struct {
		st      stores.Status
		entries []stores.Entry
	}
	lch := make(chan listResult, 1)
	s.GetCommitContents(cres.c, func(st stores.Status, entries []stores.Entry) {
		lch <- listResult{st, entries}
	})
	lres := <-lch
	if lres.st != stores.StatusOK {
		panic("load contents failed: " + string(lres.st))
	}

	view := make(map[string]string, len(lres.entries))
	for _, e := range lres.entries {
		type objResult struct {
			st   stores.Status
			data []byte
		}
		och := make(chan objResult, 1)
		s.GetObject(e.ObjectID, stores.LocationLocal, func(st stores.Status, data []byte) {
			och <- objResult{st, data}
		})
		ores := <-och
		if ores.st != stores.StatusOK {
			panic("load object failed: " + string(ores.st))
		}
		view[e.Key] = string(ores.data)
	}
	return view
}

// Example runs the full auto-merge pipeline: two replicas commit
// divergent changes, and a resolver with a last-one-wins strategy folds
// the heads back into one.
func Example() {
	rt := coroutine.NewRuntime(coroutine.Config{})
	var now atomic.Int64
	store := stores.NewMemoryStore(stores.MemoryConfig{Now: now.Load})

	now.Store(10)
	base := mustCommit(store, "", map[string]string{"theme": "system"})

	// Two replicas edit concurrently: both change the theme, each adds a
	// key of its own.
	now.Store(20)
	mustCommit(store, base.ID, map[string]string{"theme": "light", "sidebar": "collapsed"})
	now.Store(30)
	mustCommit(store, base.ID, map[string]string{"theme": "dark", "locale": "de"})

	fmt.Printf("heads before: %d\n", len(mustHeads(store)))

	resolver, err := engine.NewMergeResolver(engine.ResolverConfig{
		Store:    store,
		Runtime:  rt,
		Strategy: engine.NewLastOneWinsStrategy(rt, zerolog.Nop()),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		panic(err)
	}

	converged := make(chan struct{})
	if resolver.RegisterNoConflictCallback(func() { close(converged) }) {
		close(converged)
	}
	if err := resolver.Start(); err != nil {
		panic(err)
	}
	<-converged

	heads := mustHeads(store)
	fmt.Printf("heads after: %d\n", len(heads))

	view := mustView(store, heads[0])
	keys := make([]string, 0, len(view))
	for k := range view {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%s\n", k, view[k])
	}

	resolver.Close()
	store.Close()
	rt.Close()

	// Output:
	// heads before: 2
	// heads after: 1
	// locale=de
	// sidebar=collapsed
	// theme=dark
}
