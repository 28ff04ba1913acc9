// Package objects stores documents in an object bucket as <id>/acl.json and
// <id>/snapshot.bin. The S3 and MinIO backends supply the Bucket.
package objects

import (
	"collab-server/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("object not found")

type Bucket interface {
	// Get returns ErrNotFound when key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

const (
	aclKey      = "acl.json"
	snapshotKey = "snapshot.bin"
)

type acl struct {
	OwnerID string                     `json:"ownerId"`
	Grants  map[string]core.Capability `json:"grants"`
}

type Store struct {
	bucket Bucket
	// mu serializes acl read-modify-write within this process.
	mu sync.Mutex
}

func NewStore(bucket Bucket) *Store {
	return &Store{bucket: bucket}
}

func documentKey(documentID, name string) (string, error) {
	// Sanitize documentID to prevent path traversal: it must be a plain name.
	if documentID == "" || documentID == "." || documentID == ".." || path.Base(documentID) != documentID {
		return "", fmt.Errorf("invalid document id %q", documentID)
	}
	return path.Join(documentID, name), nil
}

func (s *Store) readACL(ctx context.Context, documentID string) (*acl, error) {
	key, err := documentKey(documentID, aclKey)
	if err != nil {
		return nil, core.ErrDocumentNotFound
	}
	data, err := s.bucket.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, core.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read acl of %s: %w", documentID, err)
	}
	var a acl
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to unmarshal acl of %s: %w", documentID, err)
	}
	if a.Grants == nil {
		a.Grants = make(map[string]core.Capability)
	}
	return &a, nil
}

func (s *Store) writeACL(ctx context.Context, documentID string, a *acl) error {
	key, err := documentKey(documentID, aclKey)
	if err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal acl: %w", err)
	}
	return s.bucket.Put(ctx, key, data, "application/json")
}

func (s *Store) CreateDocument(ctx context.Context, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", core.ErrInvalidGrant)
	}
	id := ulid.Make().String()
	if err := s.writeACL(ctx, id, &acl{OwnerID: ownerID, Grants: map[string]core.Capability{}}); err != nil {
		return "", fmt.Errorf("failed to create document: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"document_id": id,
		"owner_id":    ownerID,
	}).Info("Document created successfully")
	return id, nil
}

func (s *Store) Capability(ctx context.Context, documentID, principalID string) (core.Capability, error) {
	a, err := s.readACL(ctx, documentID)
	if err != nil {
		return "", err
	}
	if a.OwnerID == principalID {
		return core.CapabilityOwner, nil
	}
	if capability, ok := a.Grants[principalID]; ok {
		return capability, nil
	}
	return "", core.ErrForbidden
}

func (s *Store) PutGrant(ctx context.Context, grant core.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.readACL(ctx, grant.DocumentID)
	if err != nil {
		return err
	}
	if err := core.ValidateGrant(grant, a.OwnerID); err != nil {
		return err
	}
	a.Grants[grant.PrincipalID] = grant.Capability
	return s.writeACL(ctx, grant.DocumentID, a)
}

func (s *Store) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	if _, err := s.readACL(ctx, documentID); err != nil {
		return nil, err
	}
	key, _ := documentKey(documentID, snapshotKey)
	data, err := s.bucket.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot of %s: %w", documentID, err)
	}
	return data, nil
}

func (s *Store) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	if _, err := s.readACL(ctx, documentID); err != nil {
		return err
	}
	key, _ := documentKey(documentID, snapshotKey)
	if err := s.bucket.Put(ctx, key, snapshot, "application/octet-stream"); err != nil {
		return fmt.Errorf("failed to save snapshot of %s: %w", documentID, err)
	}
	return nil
}
