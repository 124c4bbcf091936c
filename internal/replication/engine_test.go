package replication

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepdiagram/deepdiagram/sync-core/internal/api"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/api/handlers"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/bus"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/provision"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/remote"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/remote/remotetest"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/store"
	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

// collector records bus events thread-safely for assertions.
type collector struct {
	mu     sync.Mutex
	events []models.DiagramEvent
}

func (c *collector) attach(b *bus.Bus) {
	b.Subscribe(bus.PriorityApplication, func(evt models.DiagramEvent) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.events = append(c.events, evt)
	})
}

func (c *collector) snapshot() []models.DiagramEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.DiagramEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *collector) find(typ models.DiagramEventType, id string) *models.DiagramEvent {
	for _, evt := range c.snapshot() {
		if evt.Type == typ && evt.Entity != nil && evt.Entity.ID == id {
			e := evt
			return &e
		}
	}
	return nil
}

func newLocalEngine(t *testing.T) (*Engine, *bus.Bus) {
	t.Helper()
	b := bus.New()
	e, err := New(Config{DataDir: t.TempDir()}, b)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Initialize(context.Background()))
	return e, b
}

func publishLocal(b *bus.Bus, typ models.DiagramEventType, entity *models.DiagramEntity) {
	b.Publish(models.DiagramEvent{Type: typ, Origin: models.OriginLocal, Entity: entity})
}

// ── Local-Only Sessions ─────────────────────────────────────

func TestLocalOnlySessionPersistsEdits(t *testing.T) {
	e, b := newLocalEngine(t)
	ctx := context.Background()

	// No remote endpoint configured: no sync loops, no remote client.
	s := e.current()
	require.NotNil(t, s)
	require.Nil(t, s.remote)

	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "e1", Template: "box", Color: "#ff0000"})
	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "e2", Template: "sphere"})
	publishLocal(b, models.EventModify, &models.DiagramEntity{ID: "e1", Template: "box", Color: "#00ff00"})
	publishLocal(b, models.EventRemove, &models.DiagramEntity{ID: "e2"})

	docs, err := s.store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "e1", docs[0].ID)
	require.Equal(t, "#00ff00", docs[0].Entity.Color)
}

func TestAddAssignsFreshIDWhenAbsent(t *testing.T) {
	e, b := newLocalEngine(t)

	entity := &models.DiagramEntity{Template: "box"}
	publishLocal(b, models.EventAdd, entity)
	require.NotEmpty(t, entity.ID, "ADD must assign an id")

	docs, err := e.current().store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, entity.ID, docs[0].ID)
}

func TestRemoteOriginEventsAreNotPersisted(t *testing.T) {
	e, b := newLocalEngine(t)

	b.Publish(models.DiagramEvent{
		Type:   models.EventAdd,
		Origin: models.OriginRemote,
		Entity: &models.DiagramEntity{ID: "ghost", Template: "box"},
	})

	docs, err := e.current().store.ListAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, docs, "remote-origin event must not round-trip into the store")
}

func TestDropPersistsLikeModify(t *testing.T) {
	e, b := newLocalEngine(t)

	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "e1", Template: "box"})
	publishLocal(b, models.EventDrop, &models.DiagramEntity{ID: "e1", Template: "box", Text: "dropped here"})

	doc, err := e.current().store.Get(context.Background(), "e1")
	require.NoError(t, err)
	require.Equal(t, "dropped here", doc.Entity.Text)
}

// ── Config & Listings ───────────────────────────────────────

func TestInitializeFirstRunCreatesDefaults(t *testing.T) {
	e, _ := newLocalEngine(t)
	ctx := context.Background()

	cfg := e.Config()
	require.NotNil(t, cfg)
	require.NotEmpty(t, cfg.CurrentDiagramID)
	require.Equal(t, 1.0, cfg.GridSnap)
	require.True(t, cfg.FlyMode)

	listings, err := e.ListDiagrams(ctx)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.Equal(t, cfg.CurrentDiagramID, listings[0].ID)
	require.Equal(t, models.DefaultDiagramName, listings[0].Name)
}

func TestHydrateRepublishesStoredEntities(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b1 := bus.New()
	e1, err := New(Config{DataDir: dir}, b1)
	require.NoError(t, err)
	require.NoError(t, e1.Initialize(ctx))
	publishLocal(b1, models.EventAdd, &models.DiagramEntity{ID: "e1", Template: "box"})
	publishLocal(b1, models.EventAdd, &models.DiagramEntity{ID: "e2", Template: "arrow", From: "e1", To: "e1"})
	require.NoError(t, e1.Close())

	// A fresh process over the same data dir replays the diagram.
	b2 := bus.New()
	var c collector
	c.attach(b2)
	e2, err := New(Config{DataDir: dir}, b2)
	require.NoError(t, err)
	t.Cleanup(func() { e2.Close() })
	require.NoError(t, e2.Initialize(ctx))

	events := c.snapshot()
	require.Len(t, events, 2)
	for _, evt := range events {
		require.Equal(t, models.EventAdd, evt.Type)
		require.Equal(t, models.OriginRemote, evt.Origin)
	}
}

func TestSwitchDiagramReplacesSession(t *testing.T) {
	e, b := newLocalEngine(t)
	ctx := context.Background()
	first := e.Config().CurrentDiagramID

	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "only-in-first", Template: "box"})

	require.NoError(t, e.SwitchDiagram(ctx, "second-diagram"))
	require.Equal(t, "second-diagram", e.current().diagramID)
	require.Equal(t, "second-diagram", e.Config().CurrentDiagramID)

	// The new diagram starts empty; the old one kept its entity.
	docs, err := e.current().store.ListAll(ctx)
	require.NoError(t, err)
	require.Empty(t, docs)

	listings, err := e.ListDiagrams(ctx)
	require.NoError(t, err)
	require.Len(t, listings, 2)

	require.NoError(t, e.SwitchDiagram(ctx, first))
	docs, err = e.current().store.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "only-in-first", docs[0].ID)
}

func TestDeleteDiagramRemovesListingAndFiles(t *testing.T) {
	e, b := newLocalEngine(t)
	ctx := context.Background()
	first := e.Config().CurrentDiagramID

	require.NoError(t, e.SwitchDiagram(ctx, "doomed"))
	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "e1", Template: "box"})
	require.NoError(t, e.SwitchDiagram(ctx, first))

	// Refuses to delete the diagram that is currently open.
	require.Error(t, e.DeleteDiagram(ctx, first))

	require.NoError(t, e.DeleteDiagram(ctx, "doomed"))
	listings, err := e.ListDiagrams(ctx)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.Equal(t, first, listings[0].ID)

	matches, err := filepath.Glob(filepath.Join(e.cfg.DataDir, "doomed.db*"))
	require.NoError(t, err)
	require.Empty(t, matches, "diagram database files should be swept")
}

// ── Bulk Recolor ────────────────────────────────────────────

func TestBulkRecolor(t *testing.T) {
	e, b := newLocalEngine(t)
	ctx := context.Background()

	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "r1", Color: "#ff0000"})
	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "r2", Color: "#ff0000"})
	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "g1", Color: "#00ff00"})

	// CHANGECOLOR arrives over the bus like every other mutation.
	b.Publish(models.DiagramEvent{
		Type:     models.EventChangeColor,
		Origin:   models.OriginLocal,
		OldColor: "#ff0000",
		NewColor: "#0000ff",
	})

	byID := map[string]models.Document{}
	docs, err := e.current().store.ListAll(ctx)
	require.NoError(t, err)
	for _, d := range docs {
		byID[d.ID] = d
	}
	require.Equal(t, "#0000ff", byID["r1"].Entity.Color)
	require.Equal(t, "#0000ff", byID["r2"].Entity.Color)
	require.Equal(t, "#00ff00", byID["g1"].Entity.Color, "non-matching document must be untouched")

	// Second identical run is a no-op: no document gains a new revision.
	require.NoError(t, e.BulkRecolor(ctx, "#ff0000", "#0000ff"))
	after, err := e.current().store.ListAll(ctx)
	require.NoError(t, err)
	for _, d := range after {
		require.Equal(t, byID[d.ID].Rev, d.Rev, "document %s re-written by no-op recolor", d.ID)
	}
}

// ── Inbound Remote Deltas ───────────────────────────────────

func newBareSession(t *testing.T, b *bus.Bus) (*Engine, *session) {
	t.Helper()
	e := &Engine{bus: b}
	s := newSession("d1", store.NewMemoryStore())
	t.Cleanup(s.cancel)
	return e, s
}

func TestRemoteDeletePublishesMinimalRemove(t *testing.T) {
	b := bus.New()
	var c collector
	c.attach(b)
	e, s := newBareSession(t, b)
	ctx := context.Background()

	_, err := s.store.Put(ctx, &models.Document{ID: "e1", Entity: models.DiagramEntity{
		ID:       "e1",
		Template: "box",
		Color:    "#123456",
		Text:     "secret",
		Position: &models.Vector3{X: 4},
	}})
	require.NoError(t, err)

	s.applyRemote(e, &remote.ChangeResult{ID: "e1", Deleted: true})

	_, err = s.store.Get(ctx, "e1")
	require.True(t, store.IsNotFound(err))

	evt := c.find(models.EventRemove, "e1")
	require.NotNil(t, evt, "REMOVE not published")
	require.Equal(t, models.OriginRemote, evt.Origin)
	require.Equal(t, "box", evt.Entity.Template)
	// Deliberately minimal: identity and kind only.
	require.Empty(t, evt.Entity.Color)
	require.Empty(t, evt.Entity.Text)
	require.Nil(t, evt.Entity.Position)
}

func TestRemoteUpdateLastWriteWins(t *testing.T) {
	b := bus.New()
	var c collector
	c.attach(b)
	e, s := newBareSession(t, b)
	ctx := context.Background()

	_, err := s.store.Put(ctx, &models.Document{ID: "e1", Entity: models.DiagramEntity{ID: "e1", Text: "local version"}})
	require.NoError(t, err)

	s.applyRemote(e, &remote.ChangeResult{
		ID:  "e1",
		Doc: &models.Document{ID: "e1", Rev: "9-remote", Entity: models.DiagramEntity{ID: "e1", Text: "remote version"}},
	})

	doc, err := s.store.Get(ctx, "e1")
	require.NoError(t, err)
	require.Equal(t, "remote version", doc.Entity.Text, "inbound delta must win with no merge")

	evt := c.find(models.EventAdd, "e1")
	require.NotNil(t, evt, "update not published")
	require.Equal(t, models.OriginRemote, evt.Origin)
	require.Equal(t, "remote version", evt.Entity.Text)
}

func TestRemoteEchoIsNotRepublished(t *testing.T) {
	b := bus.New()
	e, s := newBareSession(t, b)
	ctx := context.Background()

	entity := models.DiagramEntity{ID: "e1", Template: "box", Text: "same"}
	_, err := s.store.Put(ctx, &models.Document{ID: "e1", Entity: entity})
	require.NoError(t, err)

	var c collector
	c.attach(b)
	s.applyRemote(e, &remote.ChangeResult{
		ID:  "e1",
		Doc: &models.Document{ID: "e1", Rev: "2-remote", Entity: entity},
	})
	require.Empty(t, c.snapshot(), "identical inbound content must not republish")
}

// ── Live Sync Against the Fake Service ──────────────────────

// newSyncedEngine stands up the full path: fake remote service, provisioning
// gateway, and an engine configured to sync through both.
func newSyncedEngine(t *testing.T) (*remotetest.Server, *Engine, *bus.Bus, *collector) {
	t.Helper()
	srv := remotetest.New("admin", "adminpw")
	t.Cleanup(srv.Close)

	admin := remote.NewClient(srv.URL, remote.Credentials{Username: "admin", Password: "adminpw"})
	gateway := httptest.NewServer(api.NewRouter(handlers.New(provision.NewService(admin), "test")))
	t.Cleanup(gateway.Close)

	b := bus.New()
	var c collector
	c.attach(b)
	e, err := New(Config{
		DataDir:      t.TempDir(),
		RemoteURL:    srv.URL,
		ProvisionURL: gateway.URL + "/provision",
		Password:     "diagram-secret",
	}, b)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	require.NoError(t, e.Initialize(context.Background()))
	return srv, e, b, &c
}

func TestBeginSyncProvisionsMissingDatabase(t *testing.T) {
	srv, e, _, _ := newSyncedEngine(t)
	diagramID := e.Config().CurrentDiagramID

	require.Eventually(t, func() bool {
		return srv.HasDB(diagramID) && srv.IsMember(diagramID, diagramID)
	}, 5*time.Second, 20*time.Millisecond, "remote database never provisioned")
	require.True(t, srv.HasUser(diagramID))
}

func TestLocalEditsReachRemote(t *testing.T) {
	srv, e, b, _ := newSyncedEngine(t)
	diagramID := e.Config().CurrentDiagramID

	publishLocal(b, models.EventAdd, &models.DiagramEntity{ID: "e1", Template: "box", Color: "#abcdef"})

	require.Eventually(t, func() bool {
		doc := srv.Doc(diagramID, "e1")
		return doc != nil && !doc.Deleted && doc.Body["color"] == "#abcdef"
	}, 10*time.Second, 50*time.Millisecond, "local edit never pushed")

	// Deletion replicates as a remote tombstone.
	publishLocal(b, models.EventRemove, &models.DiagramEntity{ID: "e1"})
	require.Eventually(t, func() bool {
		doc := srv.Doc(diagramID, "e1")
		return doc != nil && doc.Deleted
	}, 10*time.Second, 50*time.Millisecond, "local delete never pushed")
}

func TestRemoteEditsReachLocalStoreAndBus(t *testing.T) {
	srv, e, _, c := newSyncedEngine(t)
	diagramID := e.Config().CurrentDiagramID

	require.Eventually(t, func() bool { return srv.HasDB(diagramID) }, 5*time.Second, 20*time.Millisecond)
	srv.PutDoc(diagramID, "from-afar", map[string]any{"template": "sphere", "text": "hi"})

	require.Eventually(t, func() bool {
		doc, err := e.current().store.Get(context.Background(), "from-afar")
		return err == nil && doc.Entity.Text == "hi"
	}, 10*time.Second, 50*time.Millisecond, "remote edit never pulled")

	require.Eventually(t, func() bool {
		evt := c.find(models.EventAdd, "from-afar")
		return evt != nil && evt.Origin == models.OriginRemote
	}, 5*time.Second, 50*time.Millisecond, "remote edit never republished")
}
