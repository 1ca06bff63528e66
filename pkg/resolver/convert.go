package resolver

import (
	"github.com/driftdb/driftdb/pkg/engine"
	"github.com/driftdb/driftdb/pkg/resolver/protocol"
	"github.com/driftdb/driftdb/pkg/stores"
)

// The engine speaks in store types and the wire speaks in plain
// strings. These converters are the only place the two meet.

func wireSnapshot(s engine.Snapshot) protocol.Snapshot {
	out := protocol.Snapshot{
		Entries: make([]protocol.Entry, 0, len(s.Entries)),
	}
	if s.Commit != nil {
		out.CommitID = string(s.Commit.ID)
		out.Parents = make([]string, 0, len(s.Commit.Parents))
		for _, p := range s.Commit.Parents {
			out.Parents = append(out.Parents, string(p))
		}
		out.Timestamp = s.Commit.Timestamp
		out.Generation = s.Commit.Generation
	}
	for _, e := range s.Entries {
		out.Entries = append(out.Entries, protocol.Entry{
			Key:      e.Key,
			ObjectID: string(e.ObjectID),
			Priority: string(e.Priority),
		})
	}
	return out
}

// wireAncestor maps the empty ancestor of two root commits to an absent
// snapshot on the wire.
func wireAncestor(s engine.Snapshot) *protocol.Snapshot {
	if s.Commit == nil {
		return nil
	}
	snap := wireSnapshot(s)
	return &snap
}

func wireValueState(v *engine.ValueState) *protocol.ValueState {
	if v == nil {
		return nil
	}
	return &protocol.ValueState{
		ObjectID: string(v.ObjectID),
		Priority: string(v.Priority),
		Value:    v.Value,
	}
}

func wireConflicts(conflicts []engine.ConflictInfo) []protocol.Conflict {
	out := make([]protocol.Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		out = append(out, protocol.Conflict{
			Key:      c.Key,
			Left:     wireValueState(c.Left),
			Right:    wireValueState(c.Right),
			Ancestor: wireValueState(c.Ancestor),
		})
	}
	return out
}

func engineValueState(v *protocol.ValueState) *engine.ValueState {
	if v == nil {
		return nil
	}
	return &engine.ValueState{
		ObjectID: stores.ObjectID(v.ObjectID),
		Priority: stores.Priority(v.Priority),
		Value:    v.Value,
	}
}

func engineConflict(c protocol.Conflict) engine.ConflictInfo {
	return engine.ConflictInfo{
		Key:      c.Key,
		Left:     engineValueState(c.Left),
		Right:    engineValueState(c.Right),
		Ancestor: engineValueState(c.Ancestor),
	}
}

func wireDecision(d engine.MergeDecision) protocol.Decision {
	return protocol.Decision{
		Key:      d.Key,
		Source:   string(d.Source),
		Value:    d.Value,
		Priority: string(d.Priority),
	}
}

func engineDecisions(decisions []protocol.Decision) []engine.MergeDecision {
	if len(decisions) == 0 {
		return nil
	}
	out := make([]engine.MergeDecision, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, engine.MergeDecision{
			Key:      d.Key,
			Source:   engine.DecisionSource(d.Source),
			Value:    d.Value,
			Priority: stores.Priority(d.Priority),
		})
	}
	return out
}
