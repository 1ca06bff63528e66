package engine

import (
	"sort"
	"time"

	"github.com/driftdb/driftdb/pkg/stores"
)

// CompareCommits orders commits by (timestamp, id), the ordering every
// merge decision in the engine derives from. Timestamps break most ties;
// the bytewise id comparison makes the order total even across replicas
// with colliding clocks.
func CompareCommits(a, b *stores.Commit) int {
	switch {
	case a.Timestamp < b.Timestamp:
		return -1
	case a.Timestamp > b.Timestamp:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// SortCommits sorts commits in place by (timestamp, id).
func SortCommits(commits []*stores.Commit) {
	sort.Slice(commits, func(i, j int) bool {
		return CompareCommits(commits[i], commits[j]) < 0
	})
}

// BuildMergePlan folds a head set into the pairwise merge sequence the
// resolver would execute: heads sorted by (timestamp, id), the two lowest
// merged first, and each later step merging the previous result with the
// next head in order.
func BuildMergePlan(heads []*stores.Commit) (*MergePlan, error) {
	if len(heads) == 0 {
		return nil, NewPermanentError("merge plan requires at least one head", nil).WithCode(ErrCodeValidation)
	}
	seen := make(map[stores.CommitID]bool, len(heads))
	for _, h := range heads {
		if h == nil {
			return nil, NewPermanentError("merge plan head is nil", nil).WithCode(ErrCodeValidation)
		}
		if seen[h.ID] {
			return nil, NewPermanentError("duplicate head in merge plan", nil).
				WithCode(ErrCodeValidation).WithCommit(h.ID)
		}
		seen[h.ID] = true
	}

	ordered := make([]*stores.Commit, len(heads))
	copy(ordered, heads)
	SortCommits(ordered)

	plan := &MergePlan{
		Heads:      make([]stores.CommitID, len(ordered)),
		ComputedAt: time.Now().UTC(),
	}
	for i, h := range ordered {
		plan.Heads[i] = h.ID
	}

	for i := 1; i < len(ordered); i++ {
		step := MergeStep{
			LeftFromStep: i - 2,
			Right:        ordered[i].ID,
		}
		if i == 1 {
			step.Left = ordered[0].ID
			step.LeftFromStep = -1
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}
