// Package persistence moves replica snapshots between rooms and durable
// storage. Storage failures never reach the room: loads degrade to an empty
// replica and failed saves are kept in memory and retried on the next save
// of the same document.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"collab-server/core"
	"collab-server/crdt"

	"github.com/sirupsen/logrus"
)

const DefaultTimeout = 10 * time.Second

type Bridge struct {
	store   core.SnapshotStore
	timeout time.Duration

	mu       sync.Mutex
	unsaved  map[string]*crdt.Replica
	degraded map[string]bool

	saves    atomic.Int64
	failures atomic.Int64
}

func NewBridge(store core.SnapshotStore, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		store:    store,
		timeout:  timeout,
		unsaved:  make(map[string]*crdt.Replica),
		degraded: make(map[string]bool),
	}
}

// Load returns the replica for documentID. It never fails: unreadable or
// corrupt snapshots are logged and replaced by an empty replica. State from
// an earlier failed save is merged back in so it is not lost.
func (b *Bridge) Load(ctx context.Context, documentID string) *crdt.Replica {
	log := logrus.WithField("document_id", documentID)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	replica := crdt.New()
	snapshot, err := b.store.LoadSnapshot(ctx, documentID)
	switch {
	case err == nil:
		decoded, derr := crdt.Decode(snapshot)
		if derr != nil {
			log.WithError(derr).Error("Stored snapshot is corrupt, starting from an empty replica")
		} else {
			replica = decoded
		}
	case errors.Is(err, core.ErrDocumentNotFound):
		log.Warn("No document record for room, starting from an empty replica")
	default:
		b.failures.Add(1)
		b.mu.Lock()
		b.degraded[documentID] = true
		b.mu.Unlock()
		log.WithError(err).Error("Failed to load snapshot, starting from an empty replica")
	}

	b.mu.Lock()
	pending, ok := b.unsaved[documentID]
	b.mu.Unlock()
	if ok {
		added := replica.Merge(pending)
		log.WithField("recovered_updates", added).Warn("Recovered state from an earlier failed save")
	}

	log.WithField("updates", replica.Len()).Debug("Replica hydrated")
	return replica
}

// Save writes snapshot for documentID. On failure the snapshot is retained
// and merged into the next Load or Save of the same document. When the last
// Load of the document failed, the stored snapshot is read and merged first
// so that a room started from an empty replica never overwrites history.
func (b *Bridge) Save(ctx context.Context, documentID string, snapshot []byte) error {
	log := logrus.WithFields(logrus.Fields{
		"document_id": documentID,
		"data_length": len(snapshot),
	})

	replica, err := crdt.Decode(snapshot)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorage, err)
	}

	b.mu.Lock()
	merged := 0
	if pending, ok := b.unsaved[documentID]; ok {
		merged += replica.Merge(pending)
	}
	degraded := b.degraded[documentID]
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if degraded {
		stored, err := b.store.LoadSnapshot(ctx, documentID)
		if err == nil {
			var existing *crdt.Replica
			existing, err = crdt.Decode(stored)
			if err == nil {
				merged += replica.Merge(existing)
			} else {
				log.WithError(err).Warn("Stored snapshot is corrupt and will be replaced")
				err = nil
			}
		}
		if err != nil && !errors.Is(err, core.ErrDocumentNotFound) {
			return b.saveFailed(log, documentID, replica, fmt.Errorf("read before merge: %w", err))
		}
	}
	if merged > 0 {
		snapshot = replica.Encode()
	}

	if err := b.store.SaveSnapshot(ctx, documentID, snapshot); err != nil {
		return b.saveFailed(log, documentID, replica, err)
	}

	b.mu.Lock()
	delete(b.unsaved, documentID)
	delete(b.degraded, documentID)
	b.mu.Unlock()

	b.saves.Add(1)
	log.Debug("Snapshot persisted")
	return nil
}

func (b *Bridge) saveFailed(log *logrus.Entry, documentID string, replica *crdt.Replica, err error) error {
	b.failures.Add(1)
	b.mu.Lock()
	b.unsaved[documentID] = replica
	b.mu.Unlock()
	log.WithError(err).Error("Failed to persist collaborative state")
	return fmt.Errorf("%w: save %s: %v", core.ErrStorage, documentID, err)
}

func (b *Bridge) Saves() int64 {
	return b.saves.Load()
}

func (b *Bridge) Failures() int64 {
	return b.failures.Load()
}

// Unsaved lists the documents whose latest state has not reached storage.
func (b *Bridge) Unsaved() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.unsaved))
	for id := range b.unsaved {
		ids = append(ids, id)
	}
	return ids
}
