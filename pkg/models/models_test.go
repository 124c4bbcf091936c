package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDocumentMarshalsFlat(t *testing.T) {
	doc := Document{
		ID:  "e1",
		Rev: "3-abc",
		Entity: DiagramEntity{
			ID:       "e1",
			Template: "box",
			Color:    "#6b8cff",
			Position: &Vector3{X: 1, Y: 2, Z: 3},
		},
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("unmarshal into map: %v", err)
	}
	if flat["_id"] != "e1" || flat["_rev"] != "3-abc" {
		t.Fatalf("identity fields wrong: %v", flat)
	}
	if flat["template"] != "box" || flat["color"] != "#6b8cff" {
		t.Fatalf("entity fields must sit at the top level: %v", flat)
	}
	if _, nested := flat["entity"]; nested {
		t.Fatalf("entity must not be nested: %s", raw)
	}
	if strings.Contains(string(raw), "_deleted") {
		t.Fatalf("_deleted must be omitted on live documents: %s", raw)
	}
}

func TestDocumentTombstoneCarriesDeleted(t *testing.T) {
	raw, err := json.Marshal(Document{ID: "e1", Rev: "4-def", Deleted: true})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"_deleted":true`) {
		t.Fatalf("tombstone missing _deleted: %s", raw)
	}
}

func TestDocumentUnmarshalBackfillsEntityID(t *testing.T) {
	var doc Document
	err := json.Unmarshal([]byte(`{"_id":"e9","_rev":"1-x","template":"sphere","text":"hi"}`), &doc)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.ID != "e9" || doc.Rev != "1-x" {
		t.Fatalf("identity fields: %+v", doc)
	}
	if doc.Entity.ID != "e9" {
		t.Fatalf("entity id should backfill from _id, got %q", doc.Entity.ID)
	}
	if doc.Entity.Template != "sphere" || doc.Entity.Text != "hi" {
		t.Fatalf("entity fields: %+v", doc.Entity)
	}
}

func TestDefaultAppConfig(t *testing.T) {
	a, b := DefaultAppConfig(), DefaultAppConfig()
	if a.CurrentDiagramID == "" || a.CurrentDiagramID == b.CurrentDiagramID {
		t.Fatalf("each first run must get its own diagram id")
	}
	if a.GridSnap != 1 || !a.FlyMode {
		t.Fatalf("unexpected defaults: %+v", a)
	}
}
