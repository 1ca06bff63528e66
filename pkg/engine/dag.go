package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/driftdb/driftdb/pkg/coroutine"
	"github.com/driftdb/driftdb/pkg/stores"
)

type ancestorMark uint8

const (
	markLeft ancestorMark = 1 << iota
	markRight
)

// FindCommonAncestor locates the nearest commit reachable from both heads.
// The walk runs on a coroutine spawned from rt so storage reads suspend
// instead of blocking a caller thread. done receives a nil commit when the
// two histories share no ancestor, which is a legal state for replicas
// that bootstrapped independently.
func FindCommonAncestor(rt *coroutine.Runtime, store stores.Store, left, right *stores.Commit, done func(stores.Status, *stores.Commit)) {
	rt.StartCoroutine(func(h *coroutine.Handler) {
		cs := coStore{h: h, s: store, p: store}
		ancestor, st, interrupted := findCommonAncestor(cs, left, right)
		if interrupted {
			done(stores.StatusInterrupted, nil)
			return
		}
		done(st, ancestor)
	})
}

// findCommonAncestor walks both histories toward the root, always
// expanding the deepest unvisited commit first. Processing strictly by
// descending generation means the first commit seen from both sides is
// the nearest shared ancestor.
func findCommonAncestor(cs coStore, left, right *stores.Commit) (*stores.Commit, stores.Status, bool) {
	if left.ID == right.ID {
		return left.Clone(), stores.StatusOK, false
	}

	marks := map[stores.CommitID]ancestorMark{
		left.ID:  markLeft,
		right.ID: markRight,
	}
	frontier := []*stores.Commit{left.Clone(), right.Clone()}

	for len(frontier) > 0 {
		best := 0
		for i, c := range frontier {
			if c.Generation > frontier[best].Generation ||
				(c.Generation == frontier[best].Generation && c.ID < frontier[best].ID) {
				best = i
			}
		}
		commit := frontier[best]
		frontier = append(frontier[:best], frontier[best+1:]...)

		if marks[commit.ID] == markLeft|markRight {
			return commit, stores.StatusOK, false
		}

		for _, parent := range commit.Parents {
			prev, seen := marks[parent]
			marks[parent] = prev | marks[commit.ID]
			if seen {
				continue
			}
			pc, st, interrupted := cs.getCommit(parent)
			if interrupted {
				return nil, stores.StatusInterrupted, true
			}
			if st != stores.StatusOK {
				return nil, st, false
			}
			frontier = append(frontier, pc)
		}
	}

	return nil, stores.StatusOK, false
}

// CollectHistory gathers up to limit commits reachable from start in
// descending (generation, timestamp) order, deduplicating across merge
// parents. A limit of zero or less collects the full history. The walk
// runs on a coroutine spawned from rt; done receives the collected
// commits once the walk finishes.
func CollectHistory(rt *coroutine.Runtime, store stores.Store, start stores.CommitID, limit int, done func(stores.Status, []*stores.Commit)) {
	rt.StartCoroutine(func(h *coroutine.Handler) {
		cs := coStore{h: h, s: store, p: store}

		first, st, interrupted := cs.getCommit(start)
		if interrupted {
			done(stores.StatusInterrupted, nil)
			return
		}
		if st != stores.StatusOK {
			done(st, nil)
			return
		}

		seen := map[stores.CommitID]bool{first.ID: true}
		frontier := []*stores.Commit{first}
		var history []*stores.Commit

		for len(frontier) > 0 {
			best := 0
			for i, c := range frontier {
				if c.Generation > frontier[best].Generation ||
					(c.Generation == frontier[best].Generation && c.Timestamp > frontier[best].Timestamp) {
					best = i
				}
			}
			commit := frontier[best]
			frontier = append(frontier[:best], frontier[best+1:]...)

			history = append(history, commit)
			if limit > 0 && len(history) >= limit {
				break
			}

			for _, parent := range commit.Parents {
				if seen[parent] {
					continue
				}
				seen[parent] = true
				pc, pst, pint := cs.getCommit(parent)
				if pint {
					done(stores.StatusInterrupted, nil)
					return
				}
				if pst != stores.StatusOK {
					done(pst, nil)
					return
				}
				frontier = append(frontier, pc)
			}
		}

		done(stores.StatusOK, history)
	})
}

// HistoryDOT renders a set of commits as a GraphViz digraph, one node
// per commit with parent edges pointing toward the root. Edges to
// commits outside the set are drawn against a placeholder node so
// truncated histories still render.
func HistoryDOT(commits []*stores.Commit) string {
	var sb strings.Builder
	sb.WriteString("digraph commits {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	present := make(map[stores.CommitID]bool, len(commits))
	for _, c := range commits {
		present[c.ID] = true
	}

	sorted := make([]*stores.Commit, len(commits))
	copy(sorted, commits)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Generation != sorted[j].Generation {
			return sorted[i].Generation < sorted[j].Generation
		}
		return sorted[i].ID < sorted[j].ID
	})

	for _, c := range sorted {
		label := fmt.Sprintf("%s\\ngen=%d ts=%d", shortCommitID(c.ID), c.Generation, c.Timestamp)
		shape := ""
		if len(c.Parents) > 1 {
			shape = ", peripheries=2"
		}
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\"%s];\n", c.ID, label, shape))
	}
	sb.WriteString("\n")

	truncated := false
	for _, c := range sorted {
		for _, parent := range c.Parents {
			if !present[parent] {
				truncated = true
				sb.WriteString(fmt.Sprintf("  %q -> \"...\";\n", c.ID))
				continue
			}
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", c.ID, parent))
		}
	}
	if truncated {
		sb.WriteString("  \"...\" [shape=plaintext];\n")
	}

	sb.WriteString("}\n")
	return sb.String()
}

func shortCommitID(id stores.CommitID) string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}
