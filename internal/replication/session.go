package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/deepdiagram/deepdiagram/sync-core/internal/remote"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/store"
	"github.com/deepdiagram/deepdiagram/sync-core/pkg/models"
)

// pushInterval bounds how long a local change waits for the push side when
// no nudge arrives (nudges coalesce, so a burst can slip one).
const pushInterval = 5 * time.Second

// session is the live state for one open diagram: its local store, the
// remote client once sync is established, and the pull/push loops.
type session struct {
	diagramID string
	store     store.EntityStore
	remote    *remote.Client // nil until beginSync succeeds

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// writeMu serializes all local store writes for this diagram, keeping
	// the bus subscriber and the pull loop from racing on one document.
	writeMu sync.Mutex

	pushCh  chan struct{}
	lastSeq int64 // highest local change sequence already pushed
}

func newSession(diagramID string, st store.EntityStore) *session {
	ctx, cancel := context.WithCancel(context.Background())
	return &session{
		diagramID: diagramID,
		store:     st,
		ctx:       ctx,
		cancel:    cancel,
		pushCh:    make(chan struct{}, 1),
	}
}

// start launches the live sync loops. Called once the remote side is known
// to exist and the session's client is set.
func (s *session) start(e *Engine) {
	s.wg.Add(2)
	go s.pullLoop(e)
	go s.pushLoop()
}

// stop cancels the loops (including any in-flight backoff waits) and blocks
// until they exit.
func (s *session) stop() {
	s.cancel()
	s.wg.Wait()
}

// nudgePush wakes the push loop. Non-blocking; rapid local edits coalesce.
func (s *session) nudgePush() {
	select {
	case s.pushCh <- struct{}{}:
	default:
	}
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0 // retry until the session is torn down
	return bo
}

// ── Local Mutations (bus subscriber side) ───────────────────

func (s *session) add(ctx context.Context, entity *models.DiagramEntity) error {
	if entity == nil {
		return nil
	}
	if entity.ID == "" {
		entity.ID = models.NewEntityID()
	}
	return s.upsert(ctx, entity)
}

func (s *session) modify(ctx context.Context, entity *models.DiagramEntity) error {
	if entity == nil || entity.ID == "" {
		return nil
	}
	return s.upsert(ctx, entity)
}

// upsert writes the entity at its current revision, retrying once after a
// conflict with a fresh read.
func (s *session) upsert(ctx context.Context, entity *models.DiagramEntity) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		rev := ""
		if current, err := s.store.Get(ctx, entity.ID); err == nil {
			rev = current.Rev
		} else if !store.IsNotFound(err) {
			return err
		}
		doc := models.Document{ID: entity.ID, Rev: rev, Entity: *entity}
		_, err := s.store.Put(ctx, &doc)
		if err == nil {
			return nil
		}
		if !store.IsConflict(err) || attempt == 1 {
			return err
		}
	}
	return nil
}

func (s *session) remove(ctx context.Context, entity *models.DiagramEntity) error {
	if entity == nil || entity.ID == "" {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.store.Get(ctx, entity.ID)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.store.Remove(ctx, entity.ID, current.Rev)
}

// ── Pull Side ───────────────────────────────────────────────

// pullLoop follows the remote changes feed continuously, reconnecting with
// exponential backoff on transport failure, until the session is torn down.
func (s *session) pullLoop(e *Engine) {
	defer s.wg.Done()
	bo := newBackOff()
	since := ""

	for {
		page, err := s.remote.Changes(s.ctx, s.diagramID, since)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Str("diagram", s.diagramID).Msg("changes feed disconnected")
			select {
			case <-time.After(wait):
				continue
			case <-s.ctx.Done():
				return
			}
		}
		bo.Reset()
		since = page.LastSeq
		for i := range page.Results {
			s.applyRemote(e, &page.Results[i])
		}
		if len(page.Results) == 0 {
			// Longpoll timed out with nothing new; breathe before re-arming.
			select {
			case <-time.After(200 * time.Millisecond):
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// applyRemote lands one inbound delta in the local store and republishes it
// on the bus with remote origin. Revision conflicts resolve last-write-wins:
// the inbound version overwrites whatever the local store holds.
func (s *session) applyRemote(e *Engine, ch *remote.ChangeResult) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ctx := s.ctx

	if ch.Deleted {
		template := ""
		if ch.Doc != nil {
			template = ch.Doc.Entity.Template
		}
		current, err := s.store.Get(ctx, ch.ID)
		if store.IsNotFound(err) {
			return // already gone locally
		}
		if err != nil {
			log.Error().Err(err).Str("id", ch.ID).Msg("read before remote delete")
			return
		}
		if template == "" {
			template = current.Entity.Template
		}
		if err := s.store.Remove(ctx, ch.ID, current.Rev); err != nil && !store.IsNotFound(err) {
			log.Error().Err(err).Str("id", ch.ID).Msg("apply remote delete")
			return
		}
		// Deliberately minimal payload: the entity is gone, consumers only
		// need identity and kind to drop their own state.
		e.bus.Publish(models.DiagramEvent{
			Type:   models.EventRemove,
			Origin: models.OriginRemote,
			Entity: &models.DiagramEntity{ID: ch.ID, Template: template},
		})
		return
	}

	if ch.Doc == nil {
		return
	}
	entity := ch.Doc.Entity
	entity.ID = ch.ID

	rev := ""
	if current, err := s.store.Get(ctx, ch.ID); err == nil {
		if sameEntity(&current.Entity, &entity) {
			return // echo of our own push, nothing new
		}
		rev = current.Rev
	} else if !store.IsNotFound(err) {
		log.Error().Err(err).Str("id", ch.ID).Msg("read before remote update")
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		doc := models.Document{ID: ch.ID, Rev: rev, Entity: entity}
		_, err := s.store.Put(ctx, &doc)
		if err == nil {
			break
		}
		if store.IsConflict(err) && attempt == 0 {
			if current, gerr := s.store.Get(ctx, ch.ID); gerr == nil {
				rev = current.Rev
				continue
			}
			rev = ""
			continue
		}
		log.Error().Err(err).Str("id", ch.ID).Msg("apply remote update")
		return
	}

	e.bus.Publish(models.DiagramEvent{
		Type:   models.EventAdd,
		Origin: models.OriginRemote,
		Entity: &entity,
	})
}

// ── Push Side ───────────────────────────────────────────────

// pushLoop drains the local changes log to the remote store whenever nudged,
// with a periodic sweep as a safety net. Transport failures back off and the
// drain resumes from the last acknowledged sequence.
func (s *session) pushLoop() {
	defer s.wg.Done()
	bo := newBackOff()
	ticker := time.NewTicker(pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.pushCh:
		case <-ticker.C:
		}

		if err := s.drainPush(); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			log.Warn().Err(err).Dur("retry_in", wait).Str("diagram", s.diagramID).Msg("push failed")
			select {
			case <-time.After(wait):
				s.nudgePush()
			case <-s.ctx.Done():
				return
			}
			continue
		}
		bo.Reset()
	}
}

func (s *session) drainPush() error {
	changes, last, err := s.store.Changes(s.ctx, s.lastSeq)
	if err != nil {
		return fmt.Errorf("read local changes: %w", err)
	}
	for i := range changes {
		if err := s.pushOne(&changes[i].Doc); err != nil {
			return err
		}
		s.lastSeq = changes[i].Seq
	}
	s.lastSeq = last
	return nil
}

// pushOne lands one local document on the remote store, last-write-wins.
// A change the remote already holds verbatim (the echo of a pulled delta)
// is skipped rather than re-pushed, which is what terminates the
// local→remote→local republish cycle.
func (s *session) pushOne(doc *models.Document) error {
	ctx := s.ctx
	rev := ""
	current, err := s.remote.GetDoc(ctx, s.diagramID, doc.ID)
	switch {
	case err == nil:
		if current.Deleted == doc.Deleted && sameEntity(&current.Entity, &doc.Entity) {
			return nil
		}
		rev = current.Rev
	case errors.Is(err, remote.ErrNotFound):
		if doc.Deleted {
			return nil // never existed remotely, nothing to delete
		}
	default:
		return err
	}

	out := *doc
	out.Rev = rev
	if _, err := s.remote.PutDoc(ctx, s.diagramID, &out); err != nil {
		if !errors.Is(err, remote.ErrConflict) {
			return err
		}
		// Lost the revision race; re-read and force our version once.
		current, gerr := s.remote.GetDoc(ctx, s.diagramID, doc.ID)
		if gerr != nil && !errors.Is(gerr, remote.ErrNotFound) {
			return gerr
		}
		out.Rev = ""
		if current != nil {
			out.Rev = current.Rev
		}
		if _, err := s.remote.PutDoc(ctx, s.diagramID, &out); err != nil {
			return err
		}
	}
	return nil
}

// sameEntity compares two entities by canonical JSON form.
func sameEntity(a, b *models.DiagramEntity) bool {
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ra) == string(rb)
}
