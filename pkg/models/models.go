// Package models defines the shared data types for the DeepDiagram sync core:
// diagram entities, the versioned document envelope, diagram listings, the
// persisted app config, access tiers, and the diagram event vocabulary.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ── Diagram Entities ─────────────────────────────────────────

// Vector3 is a position/rotation/scale triple in scene space.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// DiagramEntity is one element of a diagram. All fields are optional on the
// wire; ID is the stable identity within a single diagram's store.
type DiagramEntity struct {
	ID       string     `json:"id,omitempty"`
	Template string     `json:"template,omitempty"`
	Color    string     `json:"color,omitempty"` // hex, e.g. "#6b8cff"
	Position *Vector3   `json:"position,omitempty"`
	Rotation *Vector3   `json:"rotation,omitempty"`
	Scale    *Vector3   `json:"scale,omitempty"`
	Text     string     `json:"text,omitempty"`
	From     string     `json:"from,omitempty"` // connector source entity id
	To       string     `json:"to,omitempty"`   // connector target entity id
	Parent   string     `json:"parent,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// NewEntityID returns a fresh unique id for an entity created without one.
func NewEntityID() string {
	return uuid.New().String()
}

// ── Document Envelope ────────────────────────────────────────

// Document wraps a DiagramEntity with the store's identity and revision
// bookkeeping. Rev is an opaque revision token: a write must carry the
// revision it last read, and the store rejects writes against a stale one.
//
// On the wire a Document is flat, CouchDB style: the entity fields sit next
// to _id/_rev/_deleted rather than under a nested key.
type Document struct {
	ID      string
	Rev     string
	Deleted bool
	Entity  DiagramEntity
}

type documentWire struct {
	DiagramEntity
	DocID      string `json:"_id"`
	DocRev     string `json:"_rev,omitempty"`
	DocDeleted bool   `json:"_deleted,omitempty"`
}

// MarshalJSON renders the flat document shape used by the remote store.
func (d Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(documentWire{
		DiagramEntity: d.Entity,
		DocID:         d.ID,
		DocRev:        d.Rev,
		DocDeleted:    d.Deleted,
	})
}

// UnmarshalJSON parses the flat document shape used by the remote store.
func (d *Document) UnmarshalJSON(data []byte) error {
	var w documentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	d.ID = w.DocID
	d.Rev = w.DocRev
	d.Deleted = w.DocDeleted
	d.Entity = w.DiagramEntity
	if d.Entity.ID == "" {
		d.Entity.ID = w.DocID
	}
	return nil
}

// ── Diagram Listings ─────────────────────────────────────────

// DiagramListing is a directory entry for one diagram database, independent
// of the diagram's contents. Used to let a user pick among diagrams.
type DiagramListing struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DefaultDiagramName is assigned when a diagram is opened without a listing.
const DefaultDiagramName = "New Diagram"

// ── App Config ───────────────────────────────────────────────

// AppConfig is the process-wide persisted configuration blob. Constructed
// with defaults on first run, loaded from local storage otherwise, mutated by
// the UI, never deleted.
type AppConfig struct {
	CurrentDiagramID string  `json:"currentDiagramId"`
	GridSnap         float64 `json:"gridSnap"`
	RotateSnap       float64 `json:"rotateSnap"`
	CreateSnap       float64 `json:"createSnap"`
	TurnSnap         float64 `json:"turnSnap"`
	FlyMode          bool    `json:"flyMode"`
	DemoCompleted    bool    `json:"demoCompleted"`
}

// DefaultAppConfig returns the first-run configuration with a fresh diagram id.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		CurrentDiagramID: uuid.New().String(),
		GridSnap:         1,
		FlyMode:          true,
	}
}

// ── Access Tiers ─────────────────────────────────────────────

// AccessTier classifies a caller's rights against a target remote database.
type AccessTier string

const (
	// TierAllowed — the caller's own credentials already authenticate
	// against the target database.
	TierAllowed AccessTier = "allowed"

	// TierDenied — the caller's credentials fail but administrative
	// credentials succeed: the database exists, the caller lacks rights.
	TierDenied AccessTier = "denied"

	// TierMissing — neither succeeds: the database does not exist yet.
	TierMissing AccessTier = "missing"
)

// ── Diagram Events ───────────────────────────────────────────

// DiagramEventType identifies what happened to a diagram.
type DiagramEventType string

const (
	EventAdd         DiagramEventType = "add"
	EventRemove      DiagramEventType = "remove"
	EventModify      DiagramEventType = "modify"
	EventDrop        DiagramEventType = "drop"
	EventClear       DiagramEventType = "clear"
	EventChangeColor DiagramEventType = "changecolor"
)

// EventOrigin tags where an event came from, so the store subscriber can
// tell a local edit apart from a change it republished off the replication
// stream and never feed the latter back into the store.
type EventOrigin string

const (
	OriginLocal  EventOrigin = "local"
	OriginRemote EventOrigin = "remote"
)

// DiagramEvent is the payload carried on the event bus. Entity is set for
// ADD/REMOVE/MODIFY/DROP; CHANGECOLOR carries the old/new color pair instead.
type DiagramEvent struct {
	Type     DiagramEventType
	Origin   EventOrigin
	Entity   *DiagramEntity
	OldColor string
	NewColor string
}
