package objects

import (
	"bytes"
	"collab-server/core"
	"context"
	"errors"
	"sync"
	"testing"
)

type memBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (b *memBucket) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (b *memBucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.objects[key] = bytes.Clone(data)
	return nil
}

func newTestStore() (*Store, *memBucket) {
	bucket := &memBucket{objects: make(map[string][]byte)}
	return NewStore(bucket), bucket
}

func TestLayout(t *testing.T) {
	store, bucket := newTestStore()
	ctx := context.Background()

	id, err := store.CreateDocument(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateDocument() failed: %v", err)
	}
	if _, ok := bucket.objects[id+"/acl.json"]; !ok {
		t.Errorf("expected %s/acl.json, got keys %v", id, bucket.objects)
	}
	if err := store.SaveSnapshot(ctx, id, []byte("state")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	if got := bucket.objects[id+"/snapshot.bin"]; string(got) != "state" {
		t.Errorf("snapshot object: got %q, want %q", got, "state")
	}
}

func TestSnapshots(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	if got, err := store.LoadSnapshot(ctx, id); err != nil || got != nil {
		t.Fatalf("never-saved snapshot: got (%v, %v), want (nil, nil)", got, err)
	}
	store.SaveSnapshot(ctx, id, []byte("v1"))
	store.SaveSnapshot(ctx, id, []byte("v2"))
	if got, err := store.LoadSnapshot(ctx, id); err != nil || string(got) != "v2" {
		t.Errorf("got (%q, %v), want (v2, nil)", got, err)
	}

	if _, err := store.LoadSnapshot(ctx, "missing"); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
	if err := store.SaveSnapshot(ctx, "../escape", []byte("x")); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound for a path id, got %v", err)
	}
}

func TestGrants(t *testing.T) {
	store, _ := newTestStore()
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	if err := store.PutGrant(ctx, core.Grant{DocumentID: id, PrincipalID: "vera", Capability: core.CapabilityViewer}); err != nil {
		t.Fatalf("PutGrant() failed: %v", err)
	}
	if got, _ := store.Capability(ctx, id, "vera"); got != core.CapabilityViewer {
		t.Errorf("vera: got %v, want viewer", got)
	}
	if got, _ := store.Capability(ctx, id, "alice"); got != core.CapabilityOwner {
		t.Errorf("alice: got %v, want owner", got)
	}
	if _, err := store.Capability(ctx, id, "mallory"); !errors.Is(err, core.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := store.PutGrant(ctx, core.Grant{DocumentID: id, PrincipalID: "vera", Capability: "admin"}); !errors.Is(err, core.ErrInvalidGrant) {
		t.Errorf("expected ErrInvalidGrant, got %v", err)
	}
}

func TestBucketFailure(t *testing.T) {
	store, bucket := newTestStore()
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	bucket.err = errors.New("503 slow down")
	if _, err := store.LoadSnapshot(ctx, id); err == nil || errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("expected a storage error, got %v", err)
	}
	if _, err := store.Capability(ctx, id, "alice"); err == nil || errors.Is(err, core.ErrForbidden) {
		t.Errorf("expected a storage error, got %v", err)
	}
}
