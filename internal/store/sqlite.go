package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the durable EntityStore implementation. One database file
// per diagram, WAL mode, single writer. The engine serializes all writes for
// a diagram, so the single-connection pool never contends with itself.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the document collection for one diagram under dir.
// Idempotent: safe to call repeatedly for the same diagram id.
func Open(dir, diagramID string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, diagramID+".db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under the engine's serialized access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
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
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the live document with the given id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Document, error) {
	var (
		rev     string
		deleted bool
		body    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT rev, deleted, body FROM documents WHERE id = ?`, id,
	).Scan(&rev, &deleted, &body)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "document", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if deleted {
		return nil, &NotFoundError{Entity: "document", Key: id}
	}
	doc := models.Document{ID: id, Rev: rev}
	if err := json.Unmarshal([]byte(body), &doc.Entity); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return &doc, nil
}

// Put inserts or updates a document, enforcing revision-token optimistic
// concurrency. The whole operation is one transaction: a conflict leaves the
// stored document untouched.
func (s *SQLiteStore) Put(ctx context.Context, doc *models.Document) (string, error) {
	return s.write(ctx, doc.ID, doc.Rev, false, &doc.Entity)
}

// Remove tombstones the document so the deletion replicates.
func (s *SQLiteStore) Remove(ctx context.Context, id, rev string) error {
	_, err := s.write(ctx, id, rev, true, nil)
	return err
}

func (s *SQLiteStore) write(ctx context.Context, id, expectedRev string, tombstone bool, entity *models.DiagramEntity) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin write %s: %w", id, err)
	}
	defer tx.Rollback()

	var (
		currentRev string
		deleted    bool
	)
	err = tx.QueryRowContext(ctx,
		`SELECT rev, deleted FROM documents WHERE id = ?`, id,
	).Scan(&currentRev, &deleted)
	exists := err == nil
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read current rev of %s: %w", id, err)
	}

	switch {
	case tombstone && (!exists || deleted):
		return "", &NotFoundError{Entity: "document", Key: id}
	case exists && !deleted && expectedRev != currentRev:
		return "", &ConflictError{ID: id, Expected: expectedRev, Current: currentRev}
	case exists && deleted && expectedRev != "" && expectedRev != currentRev:
		// Resurrecting a tombstone needs either no rev or the tombstone's.
		return "", &ConflictError{ID: id, Expected: expectedRev, Current: currentRev}
	case !exists && expectedRev != "":
		return "", &ConflictError{ID: id, Expected: expectedRev, Current: ""}
	}

	newRev := NextRev(currentRev)
	body := "{}"
	if entity != nil {
		raw, err := json.Marshal(entity)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", id, err)
		}
		body = string(raw)
	}

	var maxSeq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM documents`,
	).Scan(&maxSeq); err != nil {
		return "", fmt.Errorf("next seq for %s: %w", id, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, rev, deleted, body, seq) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET rev = excluded.rev, deleted = excluded.deleted,
			body = excluded.body, seq = excluded.seq`,
		id, newRev, tombstone, body, maxSeq+1)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit %s: %w", id, err)
	}
	return newRev, nil
}

// ListAll returns every live document ordered by id.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rev, body FROM documents WHERE deleted = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		var (
			doc  models.Document
			body string
		)
		if err := rows.Scan(&doc.ID, &doc.Rev, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &doc.Entity); err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Changes returns documents changed after since, tombstones included.
func (s *SQLiteStore) Changes(ctx context.Context, since int64) ([]Change, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rev, deleted, body, seq FROM documents WHERE seq > ? ORDER BY seq`, since)
	if err != nil {
		return nil, since, fmt.Errorf("read changes: %w", err)
	}
	defer rows.Close()

	last := since
	var changes []Change
	for rows.Next() {
		var (
			ch   Change
			body string
		)
		if err := rows.Scan(&ch.Doc.ID, &ch.Doc.Rev, &ch.Doc.Deleted, &body, &ch.Seq); err != nil {
			return nil, last, fmt.Errorf("scan change: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &ch.Doc.Entity); err != nil {
			return nil, last, fmt.Errorf("decode change %s: %w", ch.Doc.ID, err)
		}
		changes = append(changes, ch)
		last = ch.Seq
	}
	return changes, last, rows.Err()
}
