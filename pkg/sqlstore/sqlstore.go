// Package sqlstore mirrors committed state into SQLite. The mirror
// replays each batch's change set inside one SQL transaction and also
// implements the delivery-queue backend, so the worker can run against
// the relational store instead of memory.
package sqlstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nooterra/proxy/pkg/tx"
	"github.com/nooterra/proxy/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// Store is a SQLite-backed mirror of the transactional store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the mirror database at path. WAL mode keeps
// reads concurrent with the single writer; the pool is pinned to one
// connection to avoid SQLITE_BUSY.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// ApplyChanges replays one committed change set inside a single SQL
// transaction. Ledger entries and idempotency records use ON CONFLICT DO
// NOTHING so a replayed batch is idempotent against rows already mirrored.
func (s *Store) ApplyChanges(ctx context.Context, cs *tx.ChangeSet) error {
	if cs == nil || cs.Empty() {
		return nil
	}
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	for _, w := range cs.Entities {
		_, err := dbtx.ExecContext(ctx, `
			INSERT INTO entities (tenant_id, collection, id, doc)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, collection, id) DO UPDATE SET doc = excluded.doc`,
			w.TenantID, w.Collection, w.ID, string(w.Doc))
		if err != nil {
			return fmt.Errorf("failed to mirror entity %s/%s: %w", w.Collection, w.ID, err)
		}
	}

	for _, st := range cs.Streams {
		var next int
		err := dbtx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(idx) + 1, 0) FROM events
			WHERE tenant_id = ? AND kind = ? AND aggregate_id = ?`,
			st.TenantID, string(st.Kind), st.AggregateID).Scan(&next)
		if err != nil {
			return fmt.Errorf("failed to read stream length: %w", err)
		}
		for i, doc := range st.Events {
			_, err := dbtx.ExecContext(ctx, `
				INSERT INTO events (tenant_id, kind, aggregate_id, idx, doc)
				VALUES (?, ?, ?, ?, ?)`,
				st.TenantID, string(st.Kind), st.AggregateID, next+i, string(doc))
			if err != nil {
				return fmt.Errorf("failed to mirror event %s[%d]: %w", st.AggregateID, next+i, err)
			}
		}
	}

	for i := range cs.Ledger {
		entry := &cs.Ledger[i]
		doc, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO ledger_entries (tenant_id, entry_id, at, doc)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, entry_id) DO NOTHING`,
			entry.TenantID, entry.EntryID, entry.At, string(doc))
		if err != nil {
			return fmt.Errorf("failed to mirror ledger entry %s: %w", entry.EntryID, err)
		}
	}

	for _, rec := range cs.Idempotency {
		_, err := dbtx.ExecContext(ctx, `
			INSERT INTO idempotency (tenant_id, key, fingerprint, response, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, key) DO NOTHING`,
			rec.TenantID, rec.Key, rec.Fingerprint, rec.Response, rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to mirror idempotency record %s: %w", rec.Key, err)
		}
	}

	for i := range cs.Outbox {
		msg := &cs.Outbox[i]
		doc, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		_, err = dbtx.ExecContext(ctx, `
			INSERT INTO outbox (tenant_id, doc) VALUES (?, ?)`,
			msg.TenantID, string(doc))
		if err != nil {
			return fmt.Errorf("failed to mirror outbox message: %w", err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mirror transaction: %w", err)
	}
	return nil
}

// GetEntity reads one mirrored document.
func (s *Store) GetEntity(ctx context.Context, collection, tenantID, id string) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `
		SELECT doc FROM entities WHERE tenant_id = ? AND collection = ? AND id = ?`,
		types.NormalizeTenant(tenantID), collection, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.CodeNotFound,
			fmt.Sprintf("%s %s not found", collection, id), 404)
	}
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

// EventStream returns the mirrored stream for one aggregate in append order.
func (s *Store) EventStream(ctx context.Context, kind types.AggregateKind, tenantID, aggregateID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM events
		WHERE tenant_id = ? AND kind = ? AND aggregate_id = ?
		ORDER BY idx`,
		types.NormalizeTenant(tenantID), string(kind), aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		out = append(out, []byte(doc))
	}
	return out, rows.Err()
}
