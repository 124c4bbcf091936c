package remote_test

import (
	"context"
	"errors"
	"testing"

	"github.com/deepdiagram/deepdiagram/sync-core/internal/remote"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/remote/remotetest"
	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

func newFake(t *testing.T) (*remotetest.Server, *remote.Client) {
	t.Helper()
	srv := remotetest.New("admin", "adminpw")
	t.Cleanup(srv.Close)
	admin := remote.NewClient(srv.URL, remote.Credentials{Username: "admin", Password: "adminpw"})
	return srv, admin
}

func TestDBExists(t *testing.T) {
	srv, admin := newFake(t)
	ctx := context.Background()

	ok, err := admin.DBExists(ctx, "diagram1")
	if err != nil {
		t.Fatalf("DBExists() error = %v", err)
	}
	if ok {
		t.Error("DBExists() = true for missing db")
	}

	srv.CreateDB("diagram1", "alice")
	ok, err = admin.DBExists(ctx, "diagram1")
	if err != nil || !ok {
		t.Fatalf("DBExists() = %v, %v; want true, nil", ok, err)
	}

	// A non-member's probe is an auth failure, not absence.
	srv.CreateUser("mallory", "pw")
	outsider := admin.WithCredentials(remote.Credentials{Username: "mallory", Password: "pw"})
	_, err = outsider.DBExists(ctx, "diagram1")
	if !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("outsider DBExists() error = %v, want ErrUnauthorized", err)
	}

	// Unknown credentials fail the same way.
	stranger := admin.WithCredentials(remote.Credentials{Username: "ghost", Password: "x"})
	_, err = stranger.DBExists(ctx, "diagram1")
	if !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("stranger DBExists() error = %v, want ErrUnauthorized", err)
	}
}

func TestCreateDBIdempotent(t *testing.T) {
	_, admin := newFake(t)
	ctx := context.Background()

	if err := admin.CreateDB(ctx, "d"); err != nil {
		t.Fatalf("CreateDB() error = %v", err)
	}
	// Second create hits the already-exists status and is tolerated.
	if err := admin.CreateDB(ctx, "d"); err != nil {
		t.Fatalf("second CreateDB() error = %v", err)
	}
}

func TestUserLifecycle(t *testing.T) {
	srv, admin := newFake(t)
	ctx := context.Background()

	ok, err := admin.UserExists(ctx, "bob")
	if err != nil || ok {
		t.Fatalf("UserExists() = %v, %v; want false, nil", ok, err)
	}
	if err := admin.CreateUser(ctx, "bob", "pw"); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if !srv.HasUser("bob") {
		t.Fatal("user document not created")
	}
	ok, err = admin.UserExists(ctx, "bob")
	if err != nil || !ok {
		t.Fatalf("UserExists() after create = %v, %v; want true, nil", ok, err)
	}
	// Conflict on re-create is tolerated for idempotent provisioning.
	if err := admin.CreateUser(ctx, "bob", "pw"); err != nil {
		t.Fatalf("re-CreateUser() error = %v", err)
	}
}

func TestSetMembersGrantsAccess(t *testing.T) {
	srv, admin := newFake(t)
	ctx := context.Background()
	srv.CreateDB("diagram1", "someoneelse")
	srv.CreateUser("bob", "pw")

	if err := admin.SetMembers(ctx, "diagram1", []string{"bob"}); err != nil {
		t.Fatalf("SetMembers() error = %v", err)
	}
	if !srv.IsMember("diagram1", "bob") {
		t.Error("bob not recorded as member")
	}

	bob := admin.WithCredentials(remote.Credentials{Username: "bob", Password: "pw"})
	ok, err := bob.DBExists(ctx, "diagram1")
	if err != nil || !ok {
		t.Fatalf("member DBExists() = %v, %v; want true, nil", ok, err)
	}
}

func TestDocRoundTripAndConflict(t *testing.T) {
	srv, admin := newFake(t)
	ctx := context.Background()
	srv.CreateDB("d")

	doc := &models.Document{ID: "e1", Entity: models.DiagramEntity{ID: "e1", Template: "box", Color: "#112233"}}
	if _, err := admin.PutDoc(ctx, "d", doc); err != nil {
		t.Fatalf("PutDoc() error = %v", err)
	}

	got, err := admin.GetDoc(ctx, "d", "e1")
	if err != nil {
		t.Fatalf("GetDoc() error = %v", err)
	}
	if got.Entity.Template != "box" || got.Entity.Color != "#112233" {
		t.Errorf("GetDoc() entity = %+v, want written fields", got.Entity)
	}
	if got.Rev == "" {
		t.Error("GetDoc() returned empty revision")
	}

	// Write without the current revision loses the race.
	stale := &models.Document{ID: "e1", Entity: models.DiagramEntity{ID: "e1", Template: "sphere"}}
	if _, err := admin.PutDoc(ctx, "d", stale); !errors.Is(err, remote.ErrConflict) {
		t.Fatalf("stale PutDoc() error = %v, want ErrConflict", err)
	}

	stale.Rev = got.Rev
	if _, err := admin.PutDoc(ctx, "d", stale); err != nil {
		t.Fatalf("PutDoc() with current rev error = %v", err)
	}

	if _, err := admin.GetDoc(ctx, "d", "nope"); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("GetDoc(missing) error = %v, want ErrNotFound", err)
	}
}

func TestChangesFeed(t *testing.T) {
	srv, admin := newFake(t)
	ctx := context.Background()
	srv.CreateDB("d")
	srv.PutDoc("d", "e1", map[string]any{"template": "box"})
	srv.PutDoc("d", "e2", map[string]any{"template": "sphere"})
	srv.DeleteDoc("d", "e1")

	page, err := admin.Changes(ctx, "d", "")
	if err != nil {
		t.Fatalf("Changes() error = %v", err)
	}
	if len(page.Results) != 2 {
		t.Fatalf("Changes() returned %d rows, want 2 (one per doc)", len(page.Results))
	}
	byID := map[string]bool{}
	for _, ch := range page.Results {
		byID[ch.ID] = ch.Deleted
	}
	if !byID["e1"] {
		t.Error("e1 not reported deleted")
	}
	if byID["e2"] {
		t.Error("e2 wrongly reported deleted")
	}

	// Nothing new after the reported last_seq.
	page2, err := admin.Changes(ctx, "d", page.LastSeq)
	if err != nil {
		t.Fatalf("Changes(since) error = %v", err)
	}
	if len(page2.Results) != 0 {
		t.Errorf("Changes(since) returned %d rows, want 0", len(page2.Results))
	}
}
