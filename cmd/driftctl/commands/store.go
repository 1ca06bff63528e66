package commands

import (
	"fmt"

	"github.com/driftdb/driftdb/pkg/stores"
)

// The store API is callback-based; the CLI works a step at a time, so
// these helpers block on a single operation and surface non-OK statuses
// as errors.

func listHeads(s stores.Store) ([]stores.CommitID, error) {
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
		return nil, fmt.Errorf("failed to list heads: storage reported %s", res.st)
	}
	return res.ids, nil
}

func getCommit(s stores.Store, id stores.CommitID) (*stores.Commit, error) {
	type result struct {
		st     stores.Status
		commit *stores.Commit
	}
	ch := make(chan result, 1)
	s.GetCommit(id, func(st stores.Status, commit *stores.Commit) {
		ch <- result{st, commit}
	})
	res := <-ch
	if res.st != stores.StatusOK {
		return nil, fmt.Errorf("failed to load commit %s: storage reported %s", id, res.st)
	}
	return res.commit, nil
}

// newestHead loads the newest head by (timestamp, id). With a converged
// store that is the single head; on a diverged store it is the youngest
// branch.
func newestHead(s stores.Store) (*stores.Commit, error) {
	ids, err := listHeads(s)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("store has no commits")
	}
	return getCommit(s, ids[len(ids)-1])
}

func addObject(s stores.Store, data []byte) (stores.ObjectID, error) {
	type result struct {
		st stores.Status
		id stores.ObjectID
	}
	ch := make(chan result, 1)
	s.AddObjectFromLocal(data, func(st stores.Status, id stores.ObjectID) {
		ch <- result{st, id}
	})
	res := <-ch
	if res.st != stores.StatusOK {
		return "", fmt.Errorf("failed to store value: storage reported %s", res.st)
	}
	return res.id, nil
}

func getObject(s stores.Store, id stores.ObjectID) ([]byte, error) {
	type result struct {
		st   stores.Status
		data []byte
	}
	ch := make(chan result, 1)
	s.GetObject(id, stores.LocationLocal, func(st stores.Status, data []byte) {
		ch <- result{st, data}
	})
	res := <-ch
	if res.st != stores.StatusOK {
		return nil, fmt.Errorf("failed to load object %s: storage reported %s", id, res.st)
	}
	return res.data, nil
}

func getEntry(s stores.Store, c *stores.Commit, key string) (*stores.Entry, error) {
	type result struct {
		st    stores.Status
		entry *stores.Entry
	}
	ch := make(chan result, 1)
	s.GetEntryFromCommit(c, key, func(st stores.Status, entry *stores.Entry) {
		ch <- result{st, entry}
	})
	res := <-ch
	switch res.st {
	case stores.StatusOK:
		return res.entry, nil
	case stores.StatusKeyNotFound:
		return nil, fmt.Errorf("key %q not found in commit %s", key, c.ID)
	default:
		return nil, fmt.Errorf("failed to look up key %q: storage reported %s", key, res.st)
	}
}

func getContents(s stores.Store, c *stores.Commit) ([]stores.Entry, error) {
	type result struct {
		st      stores.Status
		entries []stores.Entry
	}
	ch := make(chan result, 1)
	s.GetCommitContents(c, func(st stores.Status, entries []stores.Entry) {
		ch <- result{st, entries}
	})
	res := <-ch
	if res.st != stores.StatusOK {
		return nil, fmt.Errorf("failed to read commit contents: storage reported %s", res.st)
	}
	return res.entries, nil
}

func startCommit(s stores.Store, parent stores.CommitID) (stores.Journal, error) {
	type result struct {
		st      stores.Status
		journal stores.Journal
	}
	ch := make(chan result, 1)
	s.StartCommit(parent, stores.JournalTypeExplicit, func(st stores.Status, j stores.Journal) {
		ch <- result{st, j}
	})
	res := <-ch
	if res.st != stores.StatusOK {
		return nil, fmt.Errorf("failed to open journal: storage reported %s", res.st)
	}
	return res.journal, nil
}

func journalPut(j stores.Journal, key string, obj stores.ObjectID, priority stores.Priority) error {
	ch := make(chan stores.Status, 1)
	j.Put(key, obj, priority, func(st stores.Status) { ch <- st })
	if st := <-ch; st != stores.StatusOK {
		return fmt.Errorf("failed to stage %q: storage reported %s", key, st)
	}
	return nil
}

func journalDelete(j stores.Journal, key string) error {
	ch := make(chan stores.Status, 1)
	j.Delete(key, func(st stores.Status) { ch <- st })
	if st := <-ch; st != stores.StatusOK {
		return fmt.Errorf("failed to stage removal of %q: storage reported %s", key, st)
	}
	return nil
}

func commitJournal(s stores.Store, j stores.Journal) (*stores.Commit, error) {
	type result struct {
		st     stores.Status
		commit *stores.Commit
	}
	ch := make(chan result, 1)
	s.CommitJournal(j, func(st stores.Status, commit *stores.Commit) {
		ch <- result{st, commit}
	})
	res := <-ch
	if res.st != stores.StatusOK {
		return nil, fmt.Errorf("failed to commit journal: storage reported %s", res.st)
	}
	return res.commit, nil
}

func rollbackJournal(s stores.Store, j stores.Journal) {
	ch := make(chan stores.Status, 1)
	s.RollbackJournal(j, func(st stores.Status) { ch <- st })
	<-ch
}
