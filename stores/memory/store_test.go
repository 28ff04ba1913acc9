package memory

import (
	"bytes"
	"context"
	"collab-server/core"
	"errors"
	"sync"
	"testing"
)

func TestCreateDocument_Success(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	id, err := store.CreateDocument(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateDocument() failed: %v", err)
	}

	// Verify the ID is a valid ULID format (26 characters)
	if len(id) != 26 {
		t.Errorf("CreateDocument() returned invalid ID length: got %d, want 26", len(id))
	}

	capability, err := store.Capability(ctx, id, "alice")
	if err != nil {
		t.Fatalf("Capability() failed: %v", err)
	}
	if capability != core.CapabilityOwner {
		t.Errorf("capability mismatch: got %q, want %q", capability, core.CapabilityOwner)
	}
}

func TestCreateDocument_RequiresOwner(t *testing.T) {
	store := NewStore()
	if _, err := store.CreateDocument(context.Background(), ""); !errors.Is(err, core.ErrInvalidGrant) {
		t.Errorf("expected ErrInvalidGrant, got %v", err)
	}
}

func TestSnapshot_NeverSaved(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	snapshot, err := store.LoadSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("LoadSnapshot() failed: %v", err)
	}
	if snapshot != nil {
		t.Errorf("expected nil snapshot, got %d bytes", len(snapshot))
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	data := []byte{0x91, 0xc4, 0x01, 0x41}
	if err := store.SaveSnapshot(ctx, id, data); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	data[0] = 0

	loaded, err := store.LoadSnapshot(ctx, id)
	if err != nil {
		t.Fatalf("LoadSnapshot() failed: %v", err)
	}
	if !bytes.Equal(loaded, []byte{0x91, 0xc4, 0x01, 0x41}) {
		t.Errorf("snapshot mismatch: got %v", loaded)
	}
}

func TestSnapshot_UnknownDocument(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if _, err := store.LoadSnapshot(ctx, "nope"); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("LoadSnapshot: expected ErrDocumentNotFound, got %v", err)
	}
	if err := store.SaveSnapshot(ctx, "nope", []byte("x")); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("SaveSnapshot: expected ErrDocumentNotFound, got %v", err)
	}
}

func TestGrants(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	if _, err := store.Capability(ctx, id, "bob"); !errors.Is(err, core.ErrForbidden) {
		t.Errorf("expected ErrForbidden before grant, got %v", err)
	}

	if err := store.PutGrant(ctx, core.Grant{DocumentID: id, PrincipalID: "bob", Capability: core.CapabilityEditor}); err != nil {
		t.Fatalf("PutGrant() failed: %v", err)
	}
	if err := store.PutGrant(ctx, core.Grant{DocumentID: id, PrincipalID: "bob", Capability: core.CapabilityViewer}); err != nil {
		t.Fatalf("PutGrant() downgrade failed: %v", err)
	}

	capability, err := store.Capability(ctx, id, "bob")
	if err != nil {
		t.Fatalf("Capability() failed: %v", err)
	}
	if capability != core.CapabilityViewer {
		t.Errorf("capability mismatch: got %q, want %q", capability, core.CapabilityViewer)
	}

	err = store.PutGrant(ctx, core.Grant{DocumentID: id, PrincipalID: "carol", Capability: core.CapabilityOwner})
	if !errors.Is(err, core.ErrInvalidGrant) {
		t.Errorf("second owner: expected ErrInvalidGrant, got %v", err)
	}
}

func TestRooms(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	if err := store.TouchRoom(ctx, ""); err == nil {
		t.Error("TouchRoom() accepted an empty room id")
	}
	if err := store.TouchRoom(ctx, "room-a"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}
	if err := store.TouchRoom(ctx, "room-b"); err != nil {
		t.Fatalf("TouchRoom() failed: %v", err)
	}

	rooms, err := store.ListRooms(ctx)
	if err != nil {
		t.Fatalf("ListRooms() failed: %v", err)
	}
	if len(rooms) != 2 {
		t.Fatalf("ListRooms() length: got %d, want 2", len(rooms))
	}
	if rooms[0].LastActive < rooms[1].LastActive {
		t.Error("ListRooms() is not sorted by last activity")
	}
}

func TestConcurrentSnapshots(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	id, _ := store.CreateDocument(ctx, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.SaveSnapshot(ctx, id, []byte{byte(i)}); err != nil {
				t.Errorf("SaveSnapshot() failed: %v", err)
			}
			if _, err := store.LoadSnapshot(ctx, id); err != nil {
				t.Errorf("LoadSnapshot() failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
}
