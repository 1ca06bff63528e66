package engine

import (
	"sort"

	"github.com/driftdb/driftdb/pkg/stores"
)

// ComputeDiff diffs both heads independently against the common ancestor
// and partitions the union of changed keys into the four classes of
// DiffPartition. The computation is deterministic: every slice comes back
// sorted by key, so two replicas diffing the same commits produce the
// same partition.
func ComputeDiff(ancestor, left, right Snapshot) DiffPartition {
	base := ancestor.View()
	leftChanges := changesAgainst(base, left.View())
	rightChanges := changesAgainst(base, right.View())

	keys := make([]string, 0, len(leftChanges)+len(rightChanges))
	seen := make(map[string]struct{}, len(leftChanges)+len(rightChanges))
	for key := range leftChanges {
		keys = append(keys, key)
		seen[key] = struct{}{}
	}
	for key := range rightChanges {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var p DiffPartition
	for _, key := range keys {
		lc, lok := leftChanges[key]
		rc, rok := rightChanges[key]
		switch {
		case lok && !rok:
			p.UniqueLeft = append(p.UniqueLeft, lc)
		case !lok && rok:
			p.UniqueRight = append(p.UniqueRight, rc)
		case sameEffect(lc, rc):
			p.Agreed = append(p.Agreed, lc)
		default:
			var ancestorEntry *stores.Entry
			if e, ok := base[key]; ok {
				ancestorEntry = &e
			}
			p.Conflicts = append(p.Conflicts, ConflictInfo{
				Key:      key,
				Left:     changeValue(lc),
				Right:    changeValue(rc),
				Ancestor: entryValue(ancestorEntry),
			})
		}
	}
	return p
}

// changesAgainst computes one side's changes relative to the ancestor
// view. Unchanged keys are absent from the result.
func changesAgainst(ancestor, side map[string]stores.Entry) map[string]KeyChange {
	changes := make(map[string]KeyChange)
	for key, e := range side {
		entry := e
		base, ok := ancestor[key]
		switch {
		case !ok:
			changes[key] = KeyChange{Key: key, Kind: ChangeAdded, Entry: &entry}
		case base.ObjectID != e.ObjectID || base.Priority != e.Priority:
			changes[key] = KeyChange{Key: key, Kind: ChangeModified, Entry: &entry}
		}
	}
	for key := range ancestor {
		if _, ok := side[key]; !ok {
			changes[key] = KeyChange{Key: key, Kind: ChangeRemoved}
		}
	}
	return changes
}

// sameEffect reports whether two changes to the same key leave it in the
// same state. Such changes merge without a resolver decision.
func sameEffect(a, b KeyChange) bool {
	if a.Kind == ChangeRemoved || b.Kind == ChangeRemoved {
		return a.Kind == ChangeRemoved && b.Kind == ChangeRemoved
	}
	return a.Entry.ObjectID == b.Entry.ObjectID && a.Entry.Priority == b.Entry.Priority
}

// changeValue converts a change's resulting entry into conflict metadata.
// Payloads are loaded separately before the conflict reaches a resolver.
func changeValue(c KeyChange) *ValueState {
	return entryValue(c.Entry)
}

func entryValue(e *stores.Entry) *ValueState {
	if e == nil {
		return nil
	}
	return &ValueState{ObjectID: e.ObjectID, Priority: e.Priority}
}
