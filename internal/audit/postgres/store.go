// Package postgres implements the audit.Store interface over PostgreSQL.
// Append order is preserved by a bigserial sequence column rather than the
// timestamp, so entries created in the same microsecond still have a total
// order, and the chain can be rebuilt exactly as it was appended. Sanitized
// details are stored as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/compliance-core/compliance-core/internal/audit"
	"github.com/compliance-core/compliance-core/pkg/digest"
)

// Store persists audit entries in the audit_entries table.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a Postgres-backed audit store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// row mirrors the audit_entries schema.
type row struct {
	EntryID      string         `db:"entry_id"`
	Timestamp    sql.NullTime   `db:"created_at"`
	Action       string         `db:"action"`
	ResourceType string         `db:"resource_type"`
	ResourceID   string         `db:"resource_id"`
	UserID       sql.NullString `db:"user_id"`
	Status       string         `db:"status"`
	Details      []byte         `db:"details"`
	PreviousHash string         `db:"previous_hash"`
	EntryHash    string         `db:"entry_hash"`
}

// Append durably stores one entry. The insert is a single statement, so the
// entry becomes visible to readers atomically.
func (s *Store) Append(ctx context.Context, e *audit.Entry) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshaling entry details: %w", err)
	}

	query := `
		INSERT INTO audit_entries (entry_id, created_at, action, resource_type, resource_id, user_id, status, details, previous_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.db.ExecContext(ctx, query,
		e.EntryID,
		e.Timestamp,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.UserID,
		string(e.Status),
		detailsJSON,
		e.PreviousHash,
		e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// All returns every stored entry in append (seq) order.
func (s *Store) All(ctx context.Context) ([]*audit.Entry, error) {
	query := `
		SELECT entry_id, created_at, action, resource_type, resource_id, user_id, status, details, previous_hash, entry_hash
		FROM audit_entries
		ORDER BY seq ASC
	`

	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*audit.Entry, 0)
	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entry, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// LastHash returns the chain head, or the genesis constant when the table
// is empty.
func (s *Store) LastHash(ctx context.Context) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT entry_hash FROM audit_entries ORDER BY seq DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return digest.Genesis, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading chain head: %w", err)
	}
	return hash, nil
}

// Len returns the number of stored entries.
func (s *Store) Len(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return count, nil
}

func (r *row) toEntry() (*audit.Entry, error) {
	e := &audit.Entry{
		EntryID:      r.EntryID,
		Action:       r.Action,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Status:       audit.Status(r.Status),
		PreviousHash: r.PreviousHash,
		EntryHash:    r.EntryHash,
	}
	if r.Timestamp.Valid {
		// Stored as timestamptz; normalized back to UTC so recomputed
		// hashes match the original preimage.
		e.Timestamp = r.Timestamp.Time.UTC()
	}
	if r.UserID.Valid {
		uid := r.UserID.String
		e.UserID = &uid
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &e.Details); err != nil {
			return nil, fmt.Errorf("unmarshaling entry %s details: %w", r.EntryID, err)
		}
	} else {
		e.Details = map[string]any{}
	}
	return e, nil
}
