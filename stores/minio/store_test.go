package minio

import (
	"collab-server/core"
	"context"
	"errors"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

func newTestClient(t *testing.T) (*minio.Client, *s3mem.Backend) {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4("minioadmin", "minioadmin", ""),
		Secure: false,
		Region: "us-east-1",
	})
	if err != nil {
		t.Fatalf("minio.New() failed: %v", err)
	}
	return client, backend
}

func TestMinioStore(t *testing.T) {
	client, backend := newTestClient(t)
	ctx := context.Background()
	if err := ensureBucket(ctx, client, "documents"); err != nil {
		t.Fatalf("ensureBucket() failed: %v", err)
	}
	store := NewStoreWithClient(client, "documents")

	id, err := store.CreateDocument(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateDocument() failed: %v", err)
	}
	if _, err := backend.HeadObject("documents", id+"/acl.json"); err != nil {
		t.Fatalf("expected acl object for %s: %v", id, err)
	}

	snapshot, err := store.LoadSnapshot(ctx, id)
	if err != nil || snapshot != nil {
		t.Fatalf("never-saved snapshot: got (%v, %v), want (nil, nil)", snapshot, err)
	}
	if err := store.SaveSnapshot(ctx, id, []byte("replica")); err != nil {
		t.Fatalf("SaveSnapshot() failed: %v", err)
	}
	snapshot, err = store.LoadSnapshot(ctx, id)
	if err != nil || string(snapshot) != "replica" {
		t.Errorf("got (%q, %v), want (replica, nil)", snapshot, err)
	}

	if got, err := store.Capability(ctx, id, "alice"); err != nil || got != core.CapabilityOwner {
		t.Errorf("got (%v, %v), want (owner, nil)", got, err)
	}
	if _, err := store.Capability(ctx, "01HZZZZZZZZZZZZZZZZZZZZZZZ", "alice"); !errors.Is(err, core.ErrDocumentNotFound) {
		t.Errorf("expected ErrDocumentNotFound, got %v", err)
	}
}
