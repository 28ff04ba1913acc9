package core

import (
	"context"
	"time"
)

type (
	// Document is the durable record behind a collaborative room. Snapshot is
	// the encoded replica state written on last leave.
	Document struct {
		ID        string
		OwnerID   string
		Snapshot  []byte
		UpdatedAt time.Time
	}

	// Grant gives a principal access to a document. Owners are recorded on
	// the document itself, never as a grant.
	Grant struct {
		DocumentID  string     `json:"documentId"`
		PrincipalID string     `json:"principalId"`
		Capability  Capability `json:"capability"`
	}

	SnapshotStore interface {
		// LoadSnapshot returns (nil, nil) for a document that has never been saved.
		LoadSnapshot(ctx context.Context, documentID string) ([]byte, error)
		SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error
	}

	GrantStore interface {
		CreateDocument(ctx context.Context, ownerID string) (string, error)
		// Capability resolves the access level of principalID on documentID.
		// It returns ErrDocumentNotFound or ErrForbidden when there is none.
		Capability(ctx context.Context, documentID, principalID string) (Capability, error)
		PutGrant(ctx context.Context, grant Grant) error
	}

	Store interface {
		SnapshotStore
		GrantStore
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomActivity interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}
)
