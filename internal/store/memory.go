// Package store — in-memory EntityStore implementation.
// Used by tests and by throwaway sessions that should not touch disk.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

// MemoryStore implements EntityStore with in-memory maps. Semantics match
// SQLiteStore: tombstones stay visible to Changes, conflicts never mutate.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*memDoc // key: document id
	seq  int64
}

type memDoc struct {
	rev     string
	deleted bool
	entity  models.DiagramEntity
	seq     int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*memDoc)}
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok || d.deleted {
		return nil, &NotFoundError{Entity: "document", Key: id}
	}
	return &models.Document{ID: id, Rev: d.rev, Entity: d.entity}, nil
}

func (m *MemoryStore) Put(ctx context.Context, doc *models.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.docs[doc.ID]
	switch {
	case exists && !current.deleted && doc.Rev != current.rev:
		return "", &ConflictError{ID: doc.ID, Expected: doc.Rev, Current: current.rev}
	case exists && current.deleted && doc.Rev != "" && doc.Rev != current.rev:
		return "", &ConflictError{ID: doc.ID, Expected: doc.Rev, Current: current.rev}
	case !exists && doc.Rev != "":
		return "", &ConflictError{ID: doc.ID, Expected: doc.Rev, Current: ""}
	}

	prevRev := ""
	if exists {
		prevRev = current.rev
	}
	newRev := NextRev(prevRev)
	m.seq++
	m.docs[doc.ID] = &memDoc{rev: newRev, entity: doc.Entity, seq: m.seq}
	return newRev, nil
}

func (m *MemoryStore) Remove(ctx context.Context, id, rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.docs[id]
	if !exists || current.deleted {
		return &NotFoundError{Entity: "document", Key: id}
	}
	if rev != current.rev {
		return &ConflictError{ID: id, Expected: rev, Current: current.rev}
	}
	m.seq++
	m.docs[id] = &memDoc{
		rev:     NextRev(current.rev),
		deleted: true,
		entity:  models.DiagramEntity{ID: id, Template: current.entity.Template},
		seq:     m.seq,
	}
	return nil
}

func (m *MemoryStore) ListAll(ctx context.Context) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []models.Document
	for id, d := range m.docs {
		if d.deleted {
			continue
		}
		docs = append(docs, models.Document{ID: id, Rev: d.rev, Entity: d.entity})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (m *MemoryStore) Changes(ctx context.Context, since int64) ([]Change, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	last := since
	var changes []Change
	for id, d := range m.docs {
		if d.seq <= since {
			continue
		}
		changes = append(changes, Change{
			Seq: d.seq,
			Doc: models.Document{ID: id, Rev: d.rev, Deleted: d.deleted, Entity: d.entity},
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })
	if n := len(changes); n > 0 {
		last = changes[n-1].Seq
	}
	return changes, last, nil
}
