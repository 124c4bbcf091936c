// Package store provides the local persistence layer for the sync core:
// one revisioned document collection per diagram, plus the shared catalog
// holding diagram listings and the persisted app config.
//
// Two implementations exist: SQLite-backed (production) and in-memory
// (tests, throwaway sessions). All handler and replication code depends on
// the EntityStore interface so the two are interchangeable.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

// EntityStore is a durable mapping from document id to versioned document.
// Every write carries the revision it last read; a stale revision yields
// *ConflictError and never mutates the stored document.
type EntityStore interface {
	// Get returns the live document with the given id, or *NotFoundError.
	Get(ctx context.Context, id string) (*models.Document, error)

	// Put inserts or updates a document. doc.Rev must be empty on first
	// insert and must match the stored revision otherwise. Returns the new
	// revision on success.
	Put(ctx context.Context, doc *models.Document) (string, error)

	// Remove tombstones the document. The tombstone keeps a place in the
	// changes log so deletions replicate.
	Remove(ctx context.Context, id, rev string) error

	// ListAll returns every live document, ordered by id. Exhaustive and
	// finite; the ordering carries no meaning beyond determinism.
	ListAll(ctx context.Context) ([]models.Document, error)

	// Changes returns documents (tombstones included) changed after the
	// given sequence, in change order, along with the latest sequence seen.
	Changes(ctx context.Context, since int64) ([]Change, int64, error)

	// Close releases all resources held by the store.
	Close() error
}

// Change is one entry of a store's changes log. Only the latest change per
// document is retained, so a burst of edits to one document collapses into
// a single entry at the newest sequence.
type Change struct {
	Seq int64
	Doc models.Document
}

// ── Errors ──────────────────────────────────────────────────

// NotFoundError is returned when a requested document does not exist
// (or exists only as a tombstone).
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ConflictError is returned when a write carries a stale revision.
// Recoverable: callers may re-read and retry.
type ConflictError struct {
	ID       string
	Expected string // revision the caller supplied
	Current  string // revision actually stored
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: have %s, want %s", e.ID, e.Expected, e.Current)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// ── Revision Tokens ─────────────────────────────────────────

// NextRev derives the successor of a revision token. Tokens are opaque to
// callers but internally "N-suffix" with N increasing per document, so that
// a newer revision always compares strictly later for the same id.
func NextRev(prev string) string {
	gen := RevGeneration(prev)
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	return strconv.Itoa(gen+1) + "-" + suffix
}

// RevGeneration extracts the generation counter from a revision token.
// Returns 0 for an empty or malformed token.
func RevGeneration(rev string) int {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}
