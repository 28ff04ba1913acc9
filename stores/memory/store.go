package memory

import (
	"bytes"
	"collab-server/core"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type document struct {
	ownerID  string
	snapshot []byte
	grants   map[string]core.Capability
}

type memStore struct {
	mu        sync.RWMutex
	documents map[string]*document
	rooms     map[string]int64
}

func NewStore() *memStore {
	return &memStore{
		documents: make(map[string]*document),
		rooms:     make(map[string]int64),
	}
}

func (s *memStore) CreateDocument(ctx context.Context, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", core.ErrInvalidGrant)
	}
	id := ulid.Make().String()

	s.mu.Lock()
	s.documents[id] = &document{ownerID: ownerID, grants: make(map[string]core.Capability)}
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id": id,
		"owner_id":    ownerID,
	}).Info("Document created successfully")
	return id, nil
}

func (s *memStore) Capability(ctx context.Context, documentID, principalID string) (core.Capability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return "", core.ErrDocumentNotFound
	}
	if doc.ownerID == principalID {
		return core.CapabilityOwner, nil
	}
	if capability, ok := doc.grants[principalID]; ok {
		return capability, nil
	}
	return "", core.ErrForbidden
}

func (s *memStore) PutGrant(ctx context.Context, grant core.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[grant.DocumentID]
	if !ok {
		return core.ErrDocumentNotFound
	}
	if err := core.ValidateGrant(grant, doc.ownerID); err != nil {
		return err
	}
	doc.grants[grant.PrincipalID] = grant.Capability
	return nil
}

func (s *memStore) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	log := logrus.WithField("document_id", documentID)

	s.mu.RLock()
	doc, ok := s.documents[documentID]
	var snapshot []byte
	if ok {
		snapshot = bytes.Clone(doc.snapshot)
	}
	s.mu.RUnlock()

	if !ok {
		log.Warn("Document with specified ID not found")
		return nil, core.ErrDocumentNotFound
	}
	log.WithField("data_length", len(snapshot)).Debug("Snapshot retrieved successfully")
	return snapshot, nil
}

func (s *memStore) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return core.ErrDocumentNotFound
	}
	doc.snapshot = bytes.Clone(snapshot)
	return nil
}

func (s *memStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.rooms[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *memStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}
