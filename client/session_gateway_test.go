package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"collab-server/access"
	"collab-server/auth"
	"collab-server/core"
	"collab-server/crdt"
	"collab-server/handlers/websocket"
	"collab-server/persistence"
	"collab-server/rooms"
	"collab-server/stores/memory"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type liveServer struct {
	endpoint string
	doc      string
}

func startServer(t *testing.T) liveServer {
	t.Helper()
	store := memory.NewStore()
	doc, err := store.CreateDocument(context.Background(), "alice")
	require.NoError(t, err)
	require.NoError(t, store.PutGrant(context.Background(), core.Grant{DocumentID: doc, PrincipalID: "bob", Capability: core.CapabilityEditor}))

	verifier := access.NewVerifier(auth.NewJWTVerifier(testSecret), store)
	registry := rooms.NewRegistry(persistence.NewBridge(store, time.Second), store)
	gateway := websocket.NewGateway(verifier, registry, websocket.Config{})

	r := chi.NewRouter()
	r.Get("/collab/{documentID}", gateway.HandleCollab())
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		gateway.Shutdown(ctx)
		srv.Close()
	})

	return liveServer{
		endpoint: "ws" + strings.TrimPrefix(srv.URL, "http") + "/collab/" + doc,
		doc:      doc,
	}
}

func (l liveServer) session(t *testing.T, creds *Credentials) *Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Endpoint = l.endpoint
	cfg.InitialBackoff = 5 * time.Millisecond
	s := NewSession(cfg, creds)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionGateway_Converges(t *testing.T) {
	live := startServer(t)
	alice := live.session(t, NewCredentials(issue(t, "alice", time.Hour), nil))
	bob := live.session(t, NewCredentials(issue(t, "bob", time.Hour), nil))

	require.NoError(t, alice.Submit([]byte("alice offline")))
	alice.Start()
	bob.Start()
	waitState(t, alice, StateSynced)
	waitState(t, bob, StateSynced)
	assert.Equal(t, core.CapabilityOwner, alice.Capability())
	assert.Equal(t, core.CapabilityEditor, bob.Capability())

	for _, u := range []string{"a1", "a2"} {
		require.NoError(t, alice.Submit([]byte(u)))
	}
	for _, u := range []string{"b1", "b2"} {
		require.NoError(t, bob.Submit([]byte(u)))
	}

	require.Eventually(t, func() bool {
		return bytes.Equal(alice.Snapshot(), bob.Snapshot())
	}, 3*time.Second, 10*time.Millisecond)

	replica, err := crdt.Decode(bob.Snapshot())
	require.NoError(t, err)
	for _, u := range []string{"alice offline", "a1", "a2", "b1", "b2"} {
		assert.True(t, replica.Contains([]byte(u)), "missing %q", u)
	}
}

func TestSessionGateway_RefreshesRejectedToken(t *testing.T) {
	live := startServer(t)

	forged, err := auth.IssueAccessToken([]byte("some other secret"), "alice", time.Hour)
	require.NoError(t, err)
	refresher := &countingRefresher{token: issue(t, "alice", time.Hour)}
	creds := NewCredentials(forged, refresher)

	s := live.session(t, creds)
	s.Start()
	waitState(t, s, StateSynced)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestSessionGateway_ExpiredRefreshClosesSession(t *testing.T) {
	live := startServer(t)

	forged, err := auth.IssueAccessToken([]byte("some other secret"), "alice", time.Hour)
	require.NoError(t, err)
	refresher := &countingRefresher{token: forged}

	s := live.session(t, NewCredentials(forged, refresher))
	s.Start()
	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), ErrSessionExpired)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestSessionGateway_NoGrantIsForbidden(t *testing.T) {
	live := startServer(t)

	s := live.session(t, NewCredentials(issue(t, "mallory", time.Hour), &countingRefresher{}))
	s.Start()
	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), ErrForbidden)
}
