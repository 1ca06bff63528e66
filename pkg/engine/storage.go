package engine

import (
	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/stores"
)

// coStore adapts the asynchronous Store to the coroutine execution model.
// Each method submits one operation, yields the coroutine until the
// completion callback fires, and returns the result on the coroutine
// stack; the callback resumes the handler from the store's dispatch
// goroutine.
//
// The final bool reports whether the coroutine was resumed with an
// interrupt instead of a completion. After an interrupt the caller must
// unwind without suspending again; any cleanup goes through the
// fire-and-forget variants.
type coStore struct {
	h *coroutine.Handler
	s stores.Store
	p Pager
}

func (c coStore) getCommit(id stores.CommitID) (*stores.Commit, stores.Status, bool) {
	var (
		st     stores.Status
		commit *stores.Commit
	)
	c.s.GetCommit(id, func(s stores.Status, cm *stores.Commit) {
		st, commit = s, cm
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return nil, stores.StatusInterrupted, true
	}
	return commit, st, false
}

func (c coStore) contents(commit *stores.Commit) ([]stores.Entry, stores.Status, bool) {
	var (
		st      stores.Status
		entries []stores.Entry
	)
	c.s.GetCommitContents(commit, func(s stores.Status, es []stores.Entry) {
		st, entries = s, es
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return nil, stores.StatusInterrupted, true
	}
	return entries, st, false
}

func (c coStore) startMergeCommit(left, right stores.CommitID) (stores.Journal, stores.Status, bool) {
	var (
		st stores.Status
		j  stores.Journal
	)
	c.s.StartMergeCommit(left, right, func(s stores.Status, journal stores.Journal) {
		st, j = s, journal
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return nil, stores.StatusInterrupted, true
	}
	return j, st, false
}

func (c coStore) commitJournal(j stores.Journal) (*stores.Commit, stores.Status, bool) {
	var (
		st     stores.Status
		commit *stores.Commit
	)
	c.s.CommitJournal(j, func(s stores.Status, cm *stores.Commit) {
		st, commit = s, cm
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return nil, stores.StatusInterrupted, true
	}
	return commit, st, false
}

func (c coStore) rollbackJournal(j stores.Journal) (stores.Status, bool) {
	var st stores.Status
	c.s.RollbackJournal(j, func(s stores.Status) {
		st = s
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return stores.StatusInterrupted, true
	}
	return st, false
}

// rollbackDetached discards a journal without suspending. Used on the
// interrupt unwind path where yielding again is forbidden.
func (c coStore) rollbackDetached(j stores.Journal) {
	c.s.RollbackJournal(j, func(stores.Status) {})
}

func (c coStore) put(j stores.Journal, key string, object stores.ObjectID, priority stores.Priority) (stores.Status, bool) {
	var st stores.Status
	j.Put(key, object, priority, func(s stores.Status) {
		st = s
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return stores.StatusInterrupted, true
	}
	return st, false
}

func (c coStore) delete(j stores.Journal, key string) (stores.Status, bool) {
	var st stores.Status
	j.Delete(key, func(s stores.Status) {
		st = s
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return stores.StatusInterrupted, true
	}
	return st, false
}

func (c coStore) addObject(data []byte) (stores.ObjectID, stores.Status, bool) {
	var (
		st stores.Status
		id stores.ObjectID
	)
	c.s.AddObjectFromLocal(data, func(s stores.Status, oid stores.ObjectID) {
		st, id = s, oid
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return "", stores.StatusInterrupted, true
	}
	return id, st, false
}

func (c coStore) getObject(id stores.ObjectID) ([]byte, stores.Status, bool) {
	var (
		st   stores.Status
		data []byte
	)
	c.p.GetObject(id, stores.LocationLocal, func(s stores.Status, b []byte) {
		st, data = s, b
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return nil, stores.StatusInterrupted, true
	}
	return data, st, false
}

// resolve suspends until the resolver session accepts the merge and
// hands back its instruction stream.
func (c coStore) resolve(session ResolverSession, left, right, ancestor Snapshot, conflicts []ConflictInfo) (ResultProvider, stores.Status, bool) {
	var (
		st       stores.Status
		provider ResultProvider
	)
	session.Resolve(left, right, ancestor, conflicts, func(s stores.Status, p ResultProvider) {
		st, provider = s, p
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return nil, stores.StatusInterrupted, true
	}
	return provider, st, false
}

// next suspends until the resolver's next instruction arrives.
func (c coStore) next(provider ResultProvider) (*ResolverRequest, stores.Status, bool) {
	var (
		st  stores.Status
		req *ResolverRequest
	)
	provider.Next(func(s stores.Status, r *ResolverRequest) {
		st, req = s, r
		c.h.Continue(false)
	})
	if c.h.Yield() {
		return nil, stores.StatusInterrupted, true
	}
	return req, st, false
}
