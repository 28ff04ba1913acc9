package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"collab-server/auth"
	"collab-server/core"
	"collab-server/stores/memory"
)

var secret = []byte("access-test-secret-0123456789abcdef")

func setup(t *testing.T) (*Verifier, string) {
	t.Helper()
	store := memory.NewStore()
	ctx := context.Background()

	docID, err := store.CreateDocument(ctx, "alice")
	if err != nil {
		t.Fatalf("CreateDocument() failed: %v", err)
	}
	if err := store.PutGrant(ctx, core.Grant{DocumentID: docID, PrincipalID: "bob", Capability: core.CapabilityViewer}); err != nil {
		t.Fatalf("PutGrant() failed: %v", err)
	}
	return NewVerifier(auth.NewJWTVerifier(secret), store), docID
}

func token(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	tok, err := auth.IssueAccessToken(secret, subject, ttl)
	if err != nil {
		t.Fatalf("IssueAccessToken() failed: %v", err)
	}
	return tok
}

func TestAdmit_Owner(t *testing.T) {
	v, docID := setup(t)

	p, err := v.Admit(context.Background(), token(t, "alice", time.Minute), docID)
	if err != nil {
		t.Fatalf("Admit() failed: %v", err)
	}
	if p.ID != "alice" || p.Capability != core.CapabilityOwner {
		t.Errorf("got %+v, want alice/owner", p)
	}
}

func TestAdmit_Viewer(t *testing.T) {
	v, docID := setup(t)

	p, err := v.Admit(context.Background(), token(t, "bob", time.Minute), docID)
	if err != nil {
		t.Fatalf("Admit() failed: %v", err)
	}
	if p.Capability != core.CapabilityViewer {
		t.Errorf("capability mismatch: got %q, want %q", p.Capability, core.CapabilityViewer)
	}
}

func TestAdmit_ExpiredToken(t *testing.T) {
	v, docID := setup(t)

	_, err := v.Admit(context.Background(), token(t, "alice", -time.Minute), docID)
	if !errors.Is(err, core.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestAdmit_EmptyToken(t *testing.T) {
	v, docID := setup(t)

	if _, err := v.Admit(context.Background(), "  ", docID); !errors.Is(err, core.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestAdmit_NoGrant(t *testing.T) {
	v, docID := setup(t)

	_, err := v.Admit(context.Background(), token(t, "mallory", time.Minute), docID)
	if !errors.Is(err, core.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestAdmit_UnknownDocument(t *testing.T) {
	v, _ := setup(t)

	_, err := v.Admit(context.Background(), token(t, "alice", time.Minute), "missing")
	if !errors.Is(err, core.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

type failingGrants struct{ core.GrantStore }

func (failingGrants) Capability(ctx context.Context, documentID, principalID string) (core.Capability, error) {
	return "", errors.New("connection reset")
}

func TestAuthorize_StorageFailure(t *testing.T) {
	v := NewVerifier(auth.NewJWTVerifier(secret), failingGrants{})

	_, err := v.Authorize(context.Background(), "alice", "doc")
	if !errors.Is(err, core.ErrStorage) {
		t.Errorf("expected ErrStorage, got %v", err)
	}
}
