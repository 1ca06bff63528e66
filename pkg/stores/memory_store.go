package stores

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MemoryConfig holds configuration for an in-memory store.
type MemoryConfig struct {
	// Now supplies commit timestamps in unix nanoseconds. Nil uses the
	// wall clock. Tests inject a deterministic source.
	Now func() int64

	// Logger receives store lifecycle events.
	Logger zerolog.Logger
}

// MemoryStore is the reference Store implementation backed by maps. It
// serializes all operations through a dispatcher goroutine, which owns the
// maps outright, so no further locking is needed for the data itself.
type MemoryStore struct {
	d   *dispatcher
	now func() int64

	// Owned by the dispatcher goroutine.
	commits  map[CommitID]*Commit
	contents map[CommitID]map[string]Entry
	objects  map[ObjectID][]byte
	heads    map[CommitID]struct{}
	journals map[string]*memJournal

	obsMu     sync.Mutex
	observers map[int]func()
	obsNext   int

	logger zerolog.Logger
}

// memJournal stages mutations against a base view until finalized.
type memJournal struct {
	id      string
	store   *MemoryStore
	parents []CommitID
	merge   bool
	base    map[string]Entry
	pending map[string]journalOp
	closed  bool
}

// journalOp is one staged mutation: a put of entry, or a deletion.
type journalOp struct {
	del   bool
	entry Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}
	return &MemoryStore{
		d:         newDispatcher(),
		now:       now,
		commits:   make(map[CommitID]*Commit),
		contents:  make(map[CommitID]map[string]Entry),
		objects:   make(map[ObjectID][]byte),
		heads:     make(map[CommitID]struct{}),
		journals:  make(map[string]*memJournal),
		observers: make(map[int]func()),
		logger:    cfg.Logger.With().Str("component", "memory-store").Logger(),
	}
}

// Close stops the dispatcher. Accepted operations finish first.
func (s *MemoryStore) Close() error {
	s.d.close()
	return nil
}

// StartCommit opens a single-parent journal. See Store.
func (s *MemoryStore) StartCommit(parent CommitID, t JournalType, done func(Status, Journal)) {
	_ = t // journal type only matters to stores with crash recovery
	s.run(func() { done(s.startJournal([]CommitID{parent}, false)) }, func() { done(StatusIllegalState, nil) })
}

// StartMergeCommit opens a two-parent merge journal based on the left
// parent's view. See Store.
func (s *MemoryStore) StartMergeCommit(left, right CommitID, done func(Status, Journal)) {
	s.run(func() { done(s.startJournal([]CommitID{left, right}, true)) }, func() { done(StatusIllegalState, nil) })
}

func (s *MemoryStore) startJournal(parents []CommitID, merge bool) (Status, Journal) {
	base := make(map[string]Entry)
	for i, p := range parents {
		if p == "" {
			if merge {
				return StatusIllegalState, nil
			}
			continue
		}
		view, ok := s.contents[p]
		if !ok {
			return StatusKeyNotFound, nil
		}
		// The base view comes from the first parent only.
		if i == 0 {
			for k, e := range view {
				base[k] = e
			}
		}
	}

	j := &memJournal{
		id:      uuid.NewString(),
		store:   s,
		parents: append([]CommitID(nil), parents...),
		merge:   merge,
		base:    base,
		pending: make(map[string]journalOp),
	}
	s.journals[j.id] = j
	return StatusOK, j
}

// CommitJournal finalizes a journal. See Store.
func (s *MemoryStore) CommitJournal(j Journal, done func(Status, *Commit)) {
	s.run(func() { done(s.commitJournal(j)) }, func() { done(StatusIllegalState, nil) })
}

func (s *MemoryStore) commitJournal(j Journal) (Status, *Commit) {
	mj, ok := s.openJournal(j)
	if !ok {
		return StatusIllegalState, nil
	}
	mj.closed = true
	delete(s.journals, mj.id)

	view := make(map[string]Entry, len(mj.base)+len(mj.pending))
	for k, e := range mj.base {
		view[k] = e
	}
	for k, op := range mj.pending {
		if op.del {
			delete(view, k)
			continue
		}
		view[k] = op.entry
	}

	var (
		timestamp  int64
		generation uint64
	)
	parents := make([]CommitID, 0, len(mj.parents))
	for _, p := range mj.parents {
		if p == "" {
			continue
		}
		parents = append(parents, p)
		pc := s.commits[p]
		if pc == nil {
			return StatusIllegalState, nil
		}
		if pc.Timestamp > timestamp {
			timestamp = pc.Timestamp
		}
		if pc.Generation > generation {
			generation = pc.Generation
		}
	}
	// Regular commits are stamped with the local clock; merge commits take
	// the greater parent timestamp so replicas converge on identical ids.
	if !mj.merge {
		timestamp = s.now()
	}
	generation++

	entries := viewToEntries(view)
	commit := &Commit{
		ID:         ComputeCommitID(parents, timestamp, generation, entries),
		Parents:    parents,
		Timestamp:  timestamp,
		Generation: generation,
	}

	if _, exists := s.commits[commit.ID]; !exists {
		s.commits[commit.ID] = commit
		s.contents[commit.ID] = view
	}
	for _, p := range parents {
		delete(s.heads, p)
	}
	s.heads[commit.ID] = struct{}{}

	s.logger.Debug().
		Str("commit_id", string(commit.ID)).
		Int("parents", len(parents)).
		Int("entries", len(entries)).
		Msg("Journal committed")

	s.notifyHeadObservers()
	return StatusOK, commit.Clone()
}

// RollbackJournal discards a journal. See Store.
func (s *MemoryStore) RollbackJournal(j Journal, done func(Status)) {
	s.run(func() {
		mj, ok := s.openJournal(j)
		if !ok {
			done(StatusIllegalState)
			return
		}
		mj.closed = true
		delete(s.journals, mj.id)
		done(StatusOK)
	}, func() { done(StatusIllegalState) })
}

// GetCommit loads a commit by id. See Store.
func (s *MemoryStore) GetCommit(id CommitID, done func(Status, *Commit)) {
	s.run(func() {
		c, ok := s.commits[id]
		if !ok {
			done(StatusKeyNotFound, nil)
			return
		}
		done(StatusOK, c.Clone())
	}, func() { done(StatusIllegalState, nil) })
}

// GetHeadCommitIDs reports heads ordered by (timestamp, id). See Store.
func (s *MemoryStore) GetHeadCommitIDs(done func(Status, []CommitID)) {
	s.run(func() {
		done(StatusOK, s.sortedHeads())
	}, func() { done(StatusIllegalState, nil) })
}

func (s *MemoryStore) sortedHeads() []CommitID {
	ids := make([]CommitID, 0, len(s.heads))
	for id := range s.heads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := s.commits[ids[i]], s.commits[ids[j]]
		if ci.Timestamp != cj.Timestamp {
			return ci.Timestamp < cj.Timestamp
		}
		return ids[i] < ids[j]
	})
	return ids
}

// GetCommitContents returns a commit's sorted key-value view. See Store.
func (s *MemoryStore) GetCommitContents(c *Commit, done func(Status, []Entry)) {
	s.run(func() {
		view, ok := s.contents[c.ID]
		if !ok {
			done(StatusKeyNotFound, nil)
			return
		}
		done(StatusOK, viewToEntries(view))
	}, func() { done(StatusIllegalState, nil) })
}

// GetEntryFromCommit looks up one key in a commit's view. See Store.
func (s *MemoryStore) GetEntryFromCommit(c *Commit, key string, done func(Status, *Entry)) {
	s.run(func() {
		view, ok := s.contents[c.ID]
		if !ok {
			done(StatusKeyNotFound, nil)
			return
		}
		e, ok := view[key]
		if !ok {
			done(StatusKeyNotFound, nil)
			return
		}
		done(StatusOK, &e)
	}, func() { done(StatusIllegalState, nil) })
}

// AddObjectFromLocal stores a value blob. See Store.
func (s *MemoryStore) AddObjectFromLocal(data []byte, done func(Status, ObjectID)) {
	s.run(func() {
		id := ComputeObjectID(data)
		if _, exists := s.objects[id]; !exists {
			s.objects[id] = append([]byte(nil), data...)
		}
		done(StatusOK, id)
	}, func() { done(StatusIllegalState, "") })
}

// GetObject loads an object's bytes. The memory store holds everything
// locally, so the location hint is ignored. See Store.
func (s *MemoryStore) GetObject(id ObjectID, _ ObjectLocation, done func(Status, []byte)) {
	s.run(func() {
		data, ok := s.objects[id]
		if !ok {
			done(StatusKeyNotFound, nil)
			return
		}
		done(StatusOK, append([]byte(nil), data...))
	}, func() { done(StatusIllegalState, nil) })
}

// WatchHeads registers a head-change observer. See Store.
func (s *MemoryStore) WatchHeads(observer func()) (cancel func()) {
	s.obsMu.Lock()
	id := s.obsNext
	s.obsNext++
	s.observers[id] = observer
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *MemoryStore) notifyHeadObservers() {
	s.obsMu.Lock()
	obs := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

// run enqueues task; when the store is already closed, reject is invoked
// on a fresh goroutine so the completion contract still holds.
func (s *MemoryStore) run(task, reject func()) {
	if !s.d.enqueue(task) {
		go reject()
	}
}

func (s *MemoryStore) openJournal(j Journal) (*memJournal, bool) {
	mj, ok := j.(*memJournal)
	if !ok || mj.store != s || mj.closed {
		return nil, false
	}
	if _, live := s.journals[mj.id]; !live {
		return nil, false
	}
	return mj, true
}

func viewToEntries(view map[string]Entry) []Entry {
	entries := make([]Entry, 0, len(view))
	for _, e := range view {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// ID implements Journal.
func (j *memJournal) ID() string { return j.id }

// Put implements Journal.
func (j *memJournal) Put(key string, object ObjectID, priority Priority, done func(Status)) {
	j.store.run(func() {
		if _, ok := j.store.openJournal(j); !ok {
			done(StatusIllegalState)
			return
		}
		j.pending[key] = journalOp{entry: Entry{Key: key, ObjectID: object, Priority: priority}}
		done(StatusOK)
	}, func() { done(StatusIllegalState) })
}

// Delete implements Journal.
func (j *memJournal) Delete(key string, done func(Status)) {
	j.store.run(func() {
		if _, ok := j.store.openJournal(j); !ok {
			done(StatusIllegalState)
			return
		}
		j.pending[key] = journalOp{del: true}
		done(StatusOK)
	}, func() { done(StatusIllegalState) })
}
