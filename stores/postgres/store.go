package postgres

import (
	"collab-server/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	snapshot BYTEA,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS document_grants (
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	principal_id TEXT NOT NULL,
	capability TEXT NOT NULL CHECK (capability IN ('editor', 'viewer')),
	PRIMARY KEY (document_id, principal_id)
);`

type pgStore struct {
	db *sql.DB
}

// Open connects to databaseURL and creates the schema when missing.
func Open(ctx context.Context, databaseURL string) (*pgStore, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &pgStore{db: db}, nil
}

func (s *pgStore) Close() error {
	return s.db.Close()
}

func (s *pgStore) CreateDocument(ctx context.Context, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", core.ErrInvalidGrant)
	}
	id := ulid.Make().String()
	log := logrus.WithFields(logrus.Fields{
		"document_id": id,
		"owner_id":    ownerID,
	})

	if _, err := s.db.ExecContext(ctx, "INSERT INTO documents (id, owner_id) VALUES ($1, $2)", id, ownerID); err != nil {
		log.WithError(err).Error("Failed to create document")
		return "", err
	}
	log.Info("Document created successfully")
	return id, nil
}

func (s *pgStore) Capability(ctx context.Context, documentID, principalID string) (core.Capability, error) {
	var ownerID string
	var capability sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT d.owner_id, g.capability
		FROM documents d
		LEFT JOIN document_grants g ON g.document_id = d.id AND g.principal_id = $2
		WHERE d.id = $1`, documentID, principalID).Scan(&ownerID, &capability)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrDocumentNotFound
	}
	if err != nil {
		return "", err
	}

	switch {
	case ownerID == principalID:
		return core.CapabilityOwner, nil
	case capability.Valid:
		return core.Capability(capability.String), nil
	default:
		return "", core.ErrForbidden
	}
}

func (s *pgStore) PutGrant(ctx context.Context, grant core.Grant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var ownerID string
	err = tx.QueryRowContext(ctx, "SELECT owner_id FROM documents WHERE id = $1 FOR UPDATE", grant.DocumentID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrDocumentNotFound
	}
	if err != nil {
		return err
	}
	if err := core.ValidateGrant(grant, ownerID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_grants (document_id, principal_id, capability) VALUES ($1, $2, $3)
		ON CONFLICT (document_id, principal_id) DO UPDATE SET capability = EXCLUDED.capability`,
		grant.DocumentID, grant.PrincipalID, string(grant.Capability))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *pgStore) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	log := logrus.WithField("document_id", documentID)
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM documents WHERE id = $1", documentID).Scan(&snapshot)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Document with specified ID not found")
			return nil, core.ErrDocumentNotFound
		}
		log.WithError(err).Error("Failed to retrieve snapshot")
		return nil, err
	}
	if len(snapshot) == 0 {
		return nil, nil
	}
	return snapshot, nil
}

func (s *pgStore) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET snapshot = $1, updated_at = now() WHERE id = $2", snapshot, documentID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrDocumentNotFound
	}
	return nil
}
