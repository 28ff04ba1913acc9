package filesystem

import (
	"bytes"
	"collab-server/core"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateDocument_WritesACL(t *testing.T) {
	base := t.TempDir()
	store := NewStore(base)

	id, err := store.CreateDocument(context.Background(), "alice")
	if err != nil {
		t.Fatalf("CreateDocument() failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, id, aclFile)); err != nil {
		t.Errorf("acl file missing: %v", err)
	}

	capability, err := store.Capability(context.Background(), id, "alice")
	if err != nil || capability != core.CapabilityOwner {
		t.Errorf("owner capability: got (%v, %v), want (owner, nil)", capability, err)
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	snapshot, err := store.LoadSnapshot(ctx, id)
	if err != nil || snapshot != nil {
		t.Fatalf("never-saved snapshot: got (%v, %v), want (nil, nil)", snapshot, err)
	}

	want := []byte{0x92, 0xa1, 'a', 0xa1, 'b'}
	if err := store.SaveSnapshot(ctx, id, want); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	got, err := store.LoadSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("LoadSnapshot() failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUnknownDocument(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()

	if _, err := store.LoadSnapshot(ctx, "missing"); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("LoadSnapshot: expected ErrDocumentNotFound, got %v", err)
	}
	if err := store.SaveSnapshot(ctx, "missing", []byte("x")); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("SaveSnapshot: expected ErrDocumentNotFound, got %v", err)
	}
	if _, err := store.Capability(ctx, "missing", "alice"); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("Capability: expected ErrDocumentNotFound, got %v", err)
	}
}

func TestPathTraversalIsRejected(t *testing.T) {
	base := t.TempDir()
	store := NewStore(filepath.Join(base, "data"))
	ctx := context.Background()

	for _, id := range []string{"..", "../data", "a/b", `..\x`} {
		if _, err := store.LoadSnapshot(ctx, id); !errors.Is(err, core.ErrDocumentNotFound) {
			t.Errorf("LoadSnapshot(%q): expected ErrDocumentNotFound, got %v", id, err)
		}
	}
}

func TestGrants(t *testing.T) {
	store := NewStore(t.TempDir())
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	if err := store.PutGrant(ctx, core.Grant{DocumentID: id, PrincipalID: "bob", Capability: core.CapabilityViewer}); err != nil {
		t.Fatalf("PutGrant() failed: %v", err)
	}
	if err := store.PutGrant(ctx, core.Grant{DocumentID: id, PrincipalID: "bob", Capability: core.CapabilityEditor}); err != nil {
		t.Fatalf("PutGrant() failed: %v", err)
	}
	capability, err := store.Capability(ctx, id, "bob")
	if err != nil || capability != core.CapabilityEditor {
		t.Errorf("got (%v, %v), want (editor, nil)", capability, err)
	}

	if _, err := store.Capability(ctx, id, "mallory"); !errors.Is(err, core.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if err := store.PutGrant(ctx, core.Grant{DocumentID: id, PrincipalID: "alice", Capability: core.CapabilityViewer}); !errors.Is(err, core.ErrInvalidGrant) {
		t.Errorf("demoting the owner: expected ErrInvalidGrant, got %v", err)
	}

	// Grants survive a new store instance over the same directory.
	reopened := NewStore(store.basePath)
	if capability, _ := reopened.Capability(ctx, id, "bob"); capability != core.CapabilityEditor {
		t.Errorf("reopened store: got %v, want editor", capability)
	}
}
