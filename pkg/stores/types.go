package stores

// Status is the result code shared by every asynchronous storage and
// resolver operation.
type Status string

const (
	StatusOK            Status = "ok"
	StatusKeyNotFound   Status = "key_not_found"
	StatusIOError       Status = "io_error"
	StatusIllegalState  Status = "illegal_state"
	StatusInterrupted   Status = "interrupted"
	StatusCancelled     Status = "cancelled"
	StatusChannelClosed Status = "channel_closed"
	StatusInternalError Status = "internal_error"
)

// JournalType declares a journal's durability class. A storage engine may
// discard implicit journals on recovery; explicit journals belong to
// caller-driven commits. The stores in this package stage both in memory.
type JournalType string

const (
	JournalTypeImplicit JournalType = "implicit"
	JournalTypeExplicit JournalType = "explicit"
)

// Priority controls how eagerly an entry's object is synchronized.
type Priority string

const (
	PriorityEager Priority = "eager"
	PriorityLazy  Priority = "lazy"
)

// ObjectLocation selects where GetObject may look for an object.
type ObjectLocation string

const (
	LocationLocal   ObjectLocation = "local"
	LocationNetwork ObjectLocation = "network"
)

// CommitID is the content-derived identifier of an immutable commit.
type CommitID string

// ObjectID is the content-derived identifier of a stored object.
type ObjectID string

// Commit is an immutable node in the version DAG. Timestamps are unix
// nanoseconds. Generation is max(parent generations)+1 and guides
// common-ancestor discovery. Merge commits derive their timestamp from
// their parents (the greater of the two) so that independent replicas
// produce byte-identical merge commits for the same inputs.
type Commit struct {
	ID         CommitID   `json:"id"`
	Parents    []CommitID `json:"parents"`
	Timestamp  int64      `json:"timestamp"`
	Generation uint64     `json:"generation"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (c *Commit) Clone() *Commit {
	if c == nil {
		return nil
	}
	out := *c
	out.Parents = append([]CommitID(nil), c.Parents...)
	return &out
}

// Entry is one key/value binding in a commit's key-value view. The value
// itself lives in the object store and is referenced by ObjectID.
type Entry struct {
	Key      string   `json:"key"`
	ObjectID ObjectID `json:"object_id"`
	Priority Priority `json:"priority"`
}

// Journal is a mutable staging area bound to one or two parent commits.
// Mutations accumulate until the journal is finalized via
// Store.CommitJournal or discarded via Store.RollbackJournal. At most one
// journal is mutated at a time per logical branch; the merge subsystem
// serializes its use.
type Journal interface {
	// ID identifies this journal for logging and bookkeeping.
	ID() string

	// Put stages a key/object binding.
	Put(key string, object ObjectID, priority Priority, done func(Status))

	// Delete stages removal of a key.
	Delete(key string, done func(Status))
}

// Store is the asynchronous commit/object storage consumed by the merge
// engine. Every operation returns immediately and reports through its
// completion callback, which is invoked exactly once from the store's
// dispatch goroutine, never synchronously on the caller's stack.
// Operations execute strictly one at a time in submission order.
type Store interface {
	// StartCommit opens a journal whose base view is the parent commit's
	// contents. An empty parent id starts a root journal with an empty
	// base view.
	StartCommit(parent CommitID, t JournalType, done func(Status, Journal))

	// StartMergeCommit opens a journal for a merge commit with parents
	// {left, right}. The base view is the left parent's contents; the
	// merge procedure overlays right-side and resolved changes.
	StartMergeCommit(left, right CommitID, done func(Status, Journal))

	// CommitJournal finalizes a journal into a new immutable commit and
	// updates the head set atomically.
	CommitJournal(j Journal, done func(Status, *Commit))

	// RollbackJournal discards a journal and all staged mutations.
	RollbackJournal(j Journal, done func(Status))

	// GetCommit loads a commit by id.
	GetCommit(id CommitID, done func(Status, *Commit))

	// GetHeadCommitIDs reports the current heads ordered by
	// (timestamp, id) ascending.
	GetHeadCommitIDs(done func(Status, []CommitID))

	// GetCommitContents returns the commit's full key-value view sorted
	// by key.
	GetCommitContents(c *Commit, done func(Status, []Entry))

	// GetEntryFromCommit looks up a single key in a commit's view.
	GetEntryFromCommit(c *Commit, key string, done func(Status, *Entry))

	// AddObjectFromLocal stores a value blob and returns its
	// content-derived id. Adding the same bytes twice is a no-op.
	AddObjectFromLocal(data []byte, done func(Status, ObjectID))

	// GetObject loads an object's bytes.
	GetObject(id ObjectID, location ObjectLocation, done func(Status, []byte))

	// WatchHeads registers an observer called after every head-set change.
	// The returned function unregisters it. Observers run on the store's
	// dispatch goroutine and must not block.
	WatchHeads(observer func()) (cancel func())

	// Close releases the store. Pending operations complete first; their
	// callbacks still fire.
	Close() error
}
