package engine

import (
	"time"

	"github.com/driftdb/driftdb/pkg/stores"
)

// Snapshot is one side of a merge: a commit together with its full
// key-value view.
type Snapshot struct {
	// Commit is the snapshot's commit. Nil stands for the empty ancestor
	// of two root commits.
	Commit *stores.Commit `json:"commit,omitempty"`

	// Entries is the commit's view sorted by key. Empty for the empty
	// ancestor.
	Entries []stores.Entry `json:"entries"`
}

// View indexes the snapshot's entries by key.
func (s Snapshot) View() map[string]stores.Entry {
	view := make(map[string]stores.Entry, len(s.Entries))
	for _, e := range s.Entries {
		view[e.Key] = e
	}
	return view
}

// ID returns the snapshot's commit id, or the empty id for the empty
// ancestor.
func (s Snapshot) ID() stores.CommitID {
	if s.Commit == nil {
		return ""
	}
	return s.Commit.ID
}

// ValueState is a key's state on one side of a conflict: its entry
// metadata plus the loaded object payload.
type ValueState struct {
	// ObjectID identifies the payload in the object store.
	ObjectID stores.ObjectID `json:"object_id"`

	// Priority is the entry's synchronization priority.
	Priority stores.Priority `json:"priority"`

	// Value is the object payload.
	Value []byte `json:"value"`
}

// ConflictInfo describes one key that both sides changed in incompatible
// ways relative to the common ancestor.
type ConflictInfo struct {
	// Key is the conflicted key.
	Key string `json:"key"`

	// Left is the key's state in the left head. Nil means the left side
	// deleted the key.
	Left *ValueState `json:"left,omitempty"`

	// Right is the key's state in the right head. Nil means the right
	// side deleted the key.
	Right *ValueState `json:"right,omitempty"`

	// Ancestor is the key's state in the common ancestor. Nil means the
	// key did not exist before either side changed it.
	Ancestor *ValueState `json:"ancestor,omitempty"`
}

// KeyChange is the effect one side had on a single key relative to the
// common ancestor.
type KeyChange struct {
	// Key is the changed key.
	Key string `json:"key"`

	// Kind is the change's effect.
	Kind ChangeKind `json:"kind"`

	// Entry is the key's new state. Nil for ChangeRemoved.
	Entry *stores.Entry `json:"entry,omitempty"`
}

// DiffPartition splits the union of both sides' changes into the four
// classes the merge procedure treats differently. All slices are sorted
// by key.
type DiffPartition struct {
	// UniqueLeft lists keys only the left side changed.
	UniqueLeft []KeyChange `json:"unique_left"`

	// UniqueRight lists keys only the right side changed.
	UniqueRight []KeyChange `json:"unique_right"`

	// Agreed lists keys both sides changed to the same state.
	Agreed []KeyChange `json:"agreed"`

	// Conflicts lists keys both sides changed to different states. These
	// require a resolver decision.
	Conflicts []ConflictInfo `json:"conflicts"`
}

// HasKey reports whether the key was changed by either side. Explicit
// resolver decisions are only valid for such keys.
func (p *DiffPartition) HasKey(key string) bool {
	for _, c := range p.UniqueLeft {
		if c.Key == key {
			return true
		}
	}
	for _, c := range p.UniqueRight {
		if c.Key == key {
			return true
		}
	}
	for _, c := range p.Agreed {
		if c.Key == key {
			return true
		}
	}
	for _, c := range p.Conflicts {
		if c.Key == key {
			return true
		}
	}
	return false
}

// MergeDecision is a resolver's verdict for one key.
type MergeDecision struct {
	// Key is the decided key. It must have been changed by at least one
	// side; deciding an untouched key is a protocol violation.
	Key string `json:"key"`

	// Source selects where the merged state comes from.
	Source DecisionSource `json:"source"`

	// Value is the new payload when Source is SourceNew.
	Value []byte `json:"value,omitempty"`

	// Priority is the new entry's priority when Source is SourceNew.
	// Defaults to eager.
	Priority stores.Priority `json:"priority,omitempty"`
}

// ResolverRequest is one instruction from a conflict resolver to the
// merge client.
type ResolverRequest struct {
	// Kind identifies the instruction.
	Kind RequestKind `json:"kind"`

	// Decisions carries the per-key verdicts for RequestMerge.
	Decisions []MergeDecision `json:"decisions,omitempty"`

	// Respond reports the per-request status back to the resolver. The
	// client invokes it exactly once per request. May be nil when the
	// transport carries no replies.
	Respond func(stores.Status) `json:"-"`
}

// Event represents a single event in the merge timeline.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type.
	Type EventType `json:"type"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Left is the left head of the merge this event belongs to, if any.
	Left stores.CommitID `json:"left,omitempty"`

	// Right is the right head of the merge this event belongs to, if any.
	Right stores.CommitID `json:"right,omitempty"`

	// Result is the merge commit id for completion events.
	Result stores.CommitID `json:"result,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Level is the event severity (info, warning, error).
	Level string `json:"level"`

	// Details contains additional event-specific data.
	Details map[string]interface{} `json:"details,omitempty"`
}

// EventFilter represents criteria for filtering events.
type EventFilter struct {
	// Types filters events by type.
	Types []EventType `json:"types,omitempty"`

	// MinLevel filters events by minimum severity (info < warning < error).
	MinLevel string `json:"min_level,omitempty"`
}

// Matches reports whether the event passes the filter.
func (f EventFilter) Matches(e *Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.MinLevel != "" && levelRank(e.Level) < levelRank(f.MinLevel) {
		return false
	}
	return true
}

func levelRank(level string) int {
	switch level {
	case "error":
		return 2
	case "warning":
		return 1
	default:
		return 0
	}
}

// MergeStep is one pairwise merge in a merge plan.
type MergeStep struct {
	// Left is the left input commit. Empty when LeftFromStep names an
	// earlier step instead.
	Left stores.CommitID `json:"left,omitempty"`

	// LeftFromStep is the index of the earlier step whose result feeds
	// this step's left side. -1 when Left names a commit directly.
	LeftFromStep int `json:"left_from_step"`

	// Right is the right input commit.
	Right stores.CommitID `json:"right"`
}

// MergePlan is the deterministic sequence of pairwise merges that folds
// a head set down to a single commit. It is advisory: each executed merge
// changes the head set, and the resolver recomputes its choice from live
// heads every round.
type MergePlan struct {
	// Heads is the head set the plan was computed from, ordered by
	// (timestamp, id).
	Heads []stores.CommitID `json:"heads"`

	// Steps is the pairwise merge sequence.
	Steps []MergeStep `json:"steps"`

	// ComputedAt is when the plan was computed.
	ComputedAt time.Time `json:"computed_at"`
}
