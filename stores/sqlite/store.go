package sqlite

import (
	"collab-server/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	db *sql.DB
}

// NewStore creates a new SQLite-based store.
func NewStore(dataSourceName string) *sqliteStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		log.Fatalf("failed to open sqlite database: %v", err)
	}
	// SQLite allows a single writer; one connection also keeps :memory:
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		log.Fatalf("failed to migrate sqlite database: %v", err)
	}
	return &sqliteStore{db}
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			snapshot BLOB,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS document_grants (
			document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			principal_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			PRIMARY KEY (document_id, principal_id)
		);`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			last_active INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) CreateDocument(ctx context.Context, ownerID string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: owner is required", core.ErrInvalidGrant)
	}
	id := ulid.Make().String()
	log := logrus.WithFields(logrus.Fields{
		"document_id": id,
		"owner_id":    ownerID,
	})

	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, ownerID, now, now)
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return "", err
	}
	log.Info("Document created successfully")
	return id, nil
}

func (s *sqliteStore) owner(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, documentID string) (string, error) {
	var ownerID string
	err := q.QueryRowContext(ctx, "SELECT owner_id FROM documents WHERE id = ?", documentID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrDocumentNotFound
	}
	return ownerID, err
}

func (s *sqliteStore) Capability(ctx context.Context, documentID, principalID string) (core.Capability, error) {
	ownerID, err := s.owner(ctx, s.db, documentID)
	if err != nil {
		return "", err
	}
	if ownerID == principalID {
		return core.CapabilityOwner, nil
	}

	var capability string
	err = s.db.QueryRowContext(ctx,
		"SELECT capability FROM document_grants WHERE document_id = ? AND principal_id = ?",
		documentID, principalID).Scan(&capability)
	if errors.Is(err, sql.ErrNoRows) {
		return "", core.ErrForbidden
	}
	if err != nil {
		return "", err
	}
	return core.Capability(capability), nil
}

func (s *sqliteStore) PutGrant(ctx context.Context, grant core.Grant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // Rollback on any error

	ownerID, err := s.owner(ctx, tx, grant.DocumentID)
	if err != nil {
		return err
	}
	if err := core.ValidateGrant(grant, ownerID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_grants (document_id, principal_id, capability) VALUES (?, ?, ?)
		ON CONFLICT (document_id, principal_id) DO UPDATE SET capability = excluded.capability`,
		grant.DocumentID, grant.PrincipalID, string(grant.Capability))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	log := logrus.WithField("document_id", documentID)
	var snapshot []byte
	err := s.db.QueryRowContext(ctx, "SELECT snapshot FROM documents WHERE id = ?", documentID).Scan(&snapshot)
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
	log.WithField("data_length", len(snapshot)).Debug("Snapshot retrieved successfully")
	return snapshot, nil
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE documents SET snapshot = ?, updated_at = ? WHERE id = ?",
		snapshot, time.Now(), documentID)
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

func (s *sqliteStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, last_active) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET last_active = excluded.last_active`,
		roomID, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM rooms ORDER BY last_active DESC, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []core.Room{}
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}
