// Package crdt holds the server-side replica of a collaborative document.
//
// Clients exchange opaque update blobs produced by their editing library. The
// replica keeps the set of every distinct update it has seen, keyed by the
// blake3 digest of the blob. Set union is commutative, associative and
// idempotent, so replicas that have seen the same updates encode to identical
// bytes regardless of arrival order or duplication.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

var (
	ErrEmptyUpdate     = errors.New("empty update")
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

type Digest [32]byte

func DigestOf(update []byte) Digest {
	return Digest(blake3.Sum256(update))
}

// Replica is not safe for concurrent use; rooms serialize access to it.
type Replica struct {
	updates map[Digest][]byte
}

func New() *Replica {
	return &Replica{updates: make(map[Digest][]byte)}
}

// Decode rebuilds a replica from the output of Encode. A nil or empty
// snapshot yields an empty replica.
func Decode(snapshot []byte) (*Replica, error) {
	r := New()
	if len(snapshot) == 0 {
		return r, nil
	}

	var updates [][]byte
	if err := msgpack.Unmarshal(snapshot, &updates); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	for _, update := range updates {
		if len(update) == 0 {
			return nil, fmt.Errorf("%w: empty update entry", ErrCorruptSnapshot)
		}
		r.updates[DigestOf(update)] = update
	}
	return r, nil
}

// Apply merges a single update. It reports false when the update was already
// present, in which case the replica is unchanged.
func (r *Replica) Apply(update []byte) (bool, error) {
	if len(update) == 0 {
		return false, ErrEmptyUpdate
	}
	digest := DigestOf(update)
	if _, ok := r.updates[digest]; ok {
		return false, nil
	}
	r.updates[digest] = bytes.Clone(update)
	return true, nil
}

// Merge folds every update of other into r and returns how many were new.
func (r *Replica) Merge(other *Replica) int {
	added := 0
	for digest, update := range other.updates {
		if _, ok := r.updates[digest]; ok {
			continue
		}
		r.updates[digest] = update
		added++
	}
	return added
}

// Missing returns the updates held by r that other lacks, in digest order.
func (r *Replica) Missing(other *Replica) [][]byte {
	var missing []Digest
	for digest := range r.updates {
		if other != nil {
			if _, ok := other.updates[digest]; ok {
				continue
			}
		}
		missing = append(missing, digest)
	}
	sortDigests(missing)

	out := make([][]byte, 0, len(missing))
	for _, digest := range missing {
		out = append(out, r.updates[digest])
	}
	return out
}

func (r *Replica) Contains(update []byte) bool {
	_, ok := r.updates[DigestOf(update)]
	return ok
}

func (r *Replica) Len() int {
	return len(r.updates)
}

func (r *Replica) Clone() *Replica {
	c := &Replica{updates: make(map[Digest][]byte, len(r.updates))}
	for digest, update := range r.updates {
		c.updates[digest] = update
	}
	return c
}

// Encode returns the canonical snapshot: a msgpack array of updates sorted
// by digest. An empty replica encodes to nil.
func (r *Replica) Encode() []byte {
	if len(r.updates) == 0 {
		return nil
	}
	digests := make([]Digest, 0, len(r.updates))
	for digest := range r.updates {
		digests = append(digests, digest)
	}
	sortDigests(digests)

	updates := make([][]byte, 0, len(digests))
	for _, digest := range digests {
		updates = append(updates, r.updates[digest])
	}

	data, err := msgpack.Marshal(updates)
	if err != nil {
		// [][]byte always marshals
		panic(fmt.Sprintf("crdt: encode snapshot: %v", err))
	}
	return data
}

func sortDigests(digests []Digest) {
	sort.Slice(digests, func(i, j int) bool {
		return bytes.Compare(digests[i][:], digests[j][:]) < 0
	})
}
