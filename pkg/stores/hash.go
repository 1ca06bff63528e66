package stores

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// ComputeObjectID derives the content address of a value blob.
func ComputeObjectID(data []byte) ObjectID {
	sum := blake2b.Sum256(data)
	return ObjectID(hex.EncodeToString(sum[:]))
}

// ComputeCommitID derives a commit id from the commit's canonical
// encoding: sorted parent ids, timestamp, generation, and the entry view
// sorted by key. Two replicas building the same logical commit obtain the
// same id.
func ComputeCommitID(parents []CommitID, timestamp int64, generation uint64, entries []Entry) CommitID {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Keyless construction cannot fail per the blake2b contract.
		panic("stores: blake2b init: " + err.Error())
	}

	sortedParents := append([]CommitID(nil), parents...)
	sort.Slice(sortedParents, func(i, j int) bool { return sortedParents[i] < sortedParents[j] })
	for _, p := range sortedParents {
		writeLenPrefixed(h, []byte(p))
	}

	var num [8]byte
	binary.BigEndian.PutUint64(num[:], uint64(timestamp))
	h.Write(num[:])
	binary.BigEndian.PutUint64(num[:], generation)
	h.Write(num[:])

	sortedEntries := append([]Entry(nil), entries...)
	sort.Slice(sortedEntries, func(i, j int) bool { return sortedEntries[i].Key < sortedEntries[j].Key })
	for _, e := range sortedEntries {
		writeLenPrefixed(h, []byte(e.Key))
		writeLenPrefixed(h, []byte(e.ObjectID))
		writeLenPrefixed(h, []byte(e.Priority))
	}

	return CommitID(hex.EncodeToString(h.Sum(nil)))
}

func writeLenPrefixed(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	h.Write(n[:])
	h.Write(b)
}
