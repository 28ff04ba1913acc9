package filesystem

import (
	"collab-server/core"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	aclFile      = "acl.json"
	snapshotFile = "snapshot.bin"
)

// acl is the on-disk access list of one document.
type acl struct {
	OwnerID string                     `json:"ownerId"`
	Grants  map[string]core.Capability `json:"grants"`
}

type fsStore struct {
	basePath string
	// mu serializes read-modify-write of acl files.
	mu sync.Mutex
}

// NewStore creates a new filesystem-based store. Each document is a
// directory holding acl.json and, once saved, snapshot.bin.
func NewStore(basePath string) *fsStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	return &fsStore{basePath: basePath}
}

// documentPath resolves the directory of id and refuses ids that escape the
// base directory.
func (s *fsStore) documentPath(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid document id %q", id)
	}
	absBase, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", err
	}
	absDoc, err := filepath.Abs(filepath.Join(s.basePath, id))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(absDoc, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid path: access denied")
	}
	return absDoc, nil
}

func (s *fsStore) readACL(id string) (*acl, string, error) {
	dir, err := s.documentPath(id)
	if err != nil {
		return nil, "", core.ErrDocumentNotFound
	}
	data, err := os.ReadFile(filepath.Join(dir, aclFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dir, core.ErrDocumentNotFound
		}
		return nil, dir, err
	}
	var a acl
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, dir, fmt.Errorf("decode %s: %w", aclFile, err)
	}
	if a.Grants == nil {
		a.Grants = make(map[string]core.Capability)
	}
	return &a, dir, nil
}

// writeFile replaces path atomically.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *fsStore) CreateDocument(ctx context.Context, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", core.ErrInvalidGrant)
	}
	id := ulid.Make().String()
	dir := filepath.Join(s.basePath, id)
	log := logrus.WithFields(logrus.Fields{
		"document_id": id,
		"file_path":   dir,
	})

	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithError(err).Error("Failed to create document directory")
		return "", err
	}
	data, err := json.Marshal(acl{OwnerID: ownerID, Grants: map[string]core.Capability{}})
	if err != nil {
		return "", err
	}
	if err := writeFile(filepath.Join(dir, aclFile), data); err != nil {
		log.WithError(err).Error("Failed to create document")
		return "", err
	}

	log.Info("Document created successfully")
	return id, nil
}

func (s *fsStore) Capability(ctx context.Context, documentID, principalID string) (core.Capability, error) {
	a, _, err := s.readACL(documentID)
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

func (s *fsStore) PutGrant(ctx context.Context, grant core.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, dir, err := s.readACL(grant.DocumentID)
	if err != nil {
		return err
	}
	if err := core.ValidateGrant(grant, a.OwnerID); err != nil {
		return err
	}
	a.Grants[grant.PrincipalID] = grant.Capability

	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if err := writeFile(filepath.Join(dir, aclFile), data); err != nil {
		logrus.WithError(err).WithField("document_id", grant.DocumentID).Error("Failed to write grants")
		return err
	}
	return nil
}

func (s *fsStore) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	log := logrus.WithField("document_id", documentID)
	if _, _, err := s.readACL(documentID); err != nil {
		if errors.Is(err, core.ErrDocumentNotFound) {
			log.Warn("Document with specified ID not found")
		}
		return nil, err
	}

	dir, _ := s.documentPath(documentID)
	data, err := os.ReadFile(filepath.Join(dir, snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		log.WithError(err).Error("Failed to read snapshot")
		return nil, err
	}
	log.WithField("data_length", len(data)).Debug("Snapshot retrieved successfully")
	return data, nil
}

func (s *fsStore) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	_, dir, err := s.readACL(documentID)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, snapshotFile)
	if err := writeFile(path, snapshot); err != nil {
		logrus.WithError(err).WithField("file_path", path).Error("Failed to write snapshot")
		return err
	}
	return nil
}
