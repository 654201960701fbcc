// Package docstore persists the sessions, timers and records collections as
// JSON documents in a single SQLite table.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

var (
	// ErrNotFound is returned when an update targets a missing document.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrInvalidOp is returned for malformed operations.
	ErrInvalidOp = errors.New("docstore: invalid operation")
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS documents_by_created ON documents (collection, created_at);
`

// OpKind is the kind of a write operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one write against a collection. Create upserts Doc, Update merges
// Patch into the stored body (a nil value removes the key), Delete removes
// the document if present.
type Op struct {
	Kind  OpKind
	ID    string
	Doc   any
	Patch map[string]any
}

// Store is a SQLite-backed document store.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens (creating if needed) the store at path. The special path
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// List returns every document body of a collection in insertion order.
func (s *Store) List(ctx context.Context, coll types.Collection) ([]json.RawMessage, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT body FROM documents WHERE collection = ? ORDER BY created_at, rowid`, string(coll))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", coll, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", coll, err)
		}
		out = append(out, json.RawMessage(body))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", coll, err)
	}
	return out, nil
}

// Get loads one document body.
func (s *Store) Get(ctx context.Context, coll types.Collection, id string) (json.RawMessage, bool, error) {
	var body string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, string(coll), id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", coll, id, err)
	}
	return json.RawMessage(body), true, nil
}

// Apply runs ops in one transaction: either every op is applied or none.
func (s *Store) Apply(ctx context.Context, coll types.Collection, ops []Op) (err error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UnixNano()
	for i, op := range ops {
		if strings.TrimSpace(op.ID) == "" {
			return fmt.Errorf("op %d: %w: empty id", i, ErrInvalidOp)
		}
		switch op.Kind {
		case OpCreate:
			err = s.upsert(ctx, tx, coll, op, now)
		case OpUpdate:
			err = s.patch(ctx, tx, coll, op, now)
		case OpDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, string(coll), op.ID)
		default:
			err = fmt.Errorf("%w: kind %q", ErrInvalidOp, op.Kind)
		}
		if err != nil {
			return fmt.Errorf("op %d (%s %s): %w", i, op.Kind, op.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, coll types.Collection, op Op, now int64) error {
	body, err := json.Marshal(op.Doc)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO documents (collection, id, body, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET
		    body = excluded.body,
		    updated_at = excluded.updated_at`,
		string(coll), op.ID, string(body), now, now)
	return err
}

func (s *Store) patch(ctx context.Context, tx *sql.Tx, coll types.Collection, op Op, now int64) error {
	var body string
	err := tx.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`, string(coll), op.ID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return fmt.Errorf("decode stored body: %w", err)
	}
	for k, v := range op.Patch {
		if k == "id" {
			continue
		}
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET body = ?, updated_at = ? WHERE collection = ? AND id = ?`,
		string(merged), now, string(coll), op.ID)
	return err
}
