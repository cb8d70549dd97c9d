package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"IMSync/global"
	"IMSync/logger"
	"IMSync/module/chat/model"
	"IMSync/service/store"
	"IMSync/tools/errs"
)

// Tracker maintains the presence map for every known user and the liveness
// record of the current session. It runs independently of whichever
// conversation is open.
type Tracker struct {
	st   store.Store
	sess global.UserSession

	mu      sync.Mutex
	records map[string]model.PresenceRecord
	sub     store.Subscription
}

func NewTracker(st store.Store, sess global.UserSession) *Tracker {
	return &Tracker{
		st:      st,
		sess:    sess,
		records: make(map[string]model.PresenceRecord),
	}
}

// AnnounceSelf writes the online record for the current user and registers
// the deferred mark-offline write the store commits on an ungraceful drop.
// Must be called on every session (re)start: the registration does not
// survive a disconnect.
//
// Presence is advisory; failures are logged, never surfaced.
func (t *Tracker) AnnounceSelf(ctx context.Context) {
	rec := model.PresenceRecord{
		UserID:      t.sess.UserID,
		DisplayName: t.sess.DisplayName,
		AvatarURL:   t.sess.AvatarURL,
		Online:      true,
		LastSeen:    time.Now().UnixMilli(),
	}
	if err := t.st.PatchFields(ctx, store.UsersPath(), t.sess.UserID, rec.Map()); err != nil {
		logger.Warnf("presence: announce failed user=%s err=%v", t.sess.UserID, err)
	}

	offline := map[string]any{
		"online":    false,
		"last_seen": store.ServerTimestamp,
	}
	if err := t.st.RegisterDisconnectAction(ctx, store.UsersPath(), t.sess.UserID, offline); err != nil {
		logger.Warnf("presence: disconnect action registration failed user=%s err=%v", t.sess.UserID, err)
	}
}

// ObserveAll subscribes to every known user's presence. fn, when non-nil, is
// invoked for each record update after the internal map has absorbed it.
func (t *Tracker) ObserveAll(ctx context.Context, fn func(model.PresenceRecord)) (store.Subscription, error) {
	sub, err := t.st.Subscribe(ctx, store.UsersPath(), func(ev store.Event) {
		t.absorb(ev, fn)
	})
	if err != nil {
		return nil, errs.ErrRemoteOperation.WrapMsg("observe presence", "err", err)
	}
	t.mu.Lock()
	if t.sub != nil {
		t.sub.Cancel()
	}
	t.sub = sub
	t.mu.Unlock()
	return sub, nil
}

func (t *Tracker) absorb(ev store.Event, fn func(model.PresenceRecord)) {
	switch ev.Kind {
	case store.EventCreated, store.EventUpdated:
		rec, err := model.PresenceFromFields(ev.ID, ev.Fields)
		if err != nil {
			logger.Warnf("presence: bad record user=%s err=%v", ev.ID, err)
			return
		}
		t.mu.Lock()
		t.records[ev.ID] = *rec
		t.mu.Unlock()
		if fn != nil {
			fn(*rec)
		}
	case store.EventRemoved:
		// account deletion is external; just forget the record
		t.mu.Lock()
		delete(t.records, ev.ID)
		t.mu.Unlock()
	}
}

// Rename patches the current user's display name. Unlike plain presence
// writes this one is user-initiated, so failures are surfaced.
func (t *Tracker) Rename(ctx context.Context, newName string) error {
	fields := map[string]any{
		"display_name": newName,
		"online":       true,
		"last_seen":    time.Now().UnixMilli(),
	}
	if err := t.st.PatchFields(ctx, store.UsersPath(), t.sess.UserID, fields); err != nil {
		return errs.ErrRemoteOperation.WrapMsg("rename", "err", err)
	}
	t.mu.Lock()
	t.sess.DisplayName = newName
	t.mu.Unlock()
	return nil
}

// SignOut is the graceful path: an explicit offline record is written and
// the presence subscription released. The deferred disconnect action becomes
// irrelevant once the store connection closes cleanly.
func (t *Tracker) SignOut(ctx context.Context) {
	fields := map[string]any{
		"online":    false,
		"last_seen": time.Now().UnixMilli(),
	}
	if err := t.st.PatchFields(ctx, store.UsersPath(), t.sess.UserID, fields); err != nil {
		logger.Warnf("presence: sign-out write failed user=%s err=%v", t.sess.UserID, err)
	}
	t.mu.Lock()
	if t.sub != nil {
		t.sub.Cancel()
		t.sub = nil
	}
	t.mu.Unlock()
}

// Snapshot returns every known presence record sorted by display name.
func (t *Tracker) Snapshot() []model.PresenceRecord {
	t.mu.Lock()
	out := make([]model.PresenceRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Peers is Snapshot minus the current user, the shape user lists render.
func (t *Tracker) Peers() []model.PresenceRecord {
	all := t.Snapshot()
	out := all[:0]
	for _, r := range all {
		if r.UserID != t.sess.UserID {
			out = append(out, r)
		}
	}
	return out
}

// Get returns one user's presence record.
func (t *Tracker) Get(userID string) (model.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[userID]
	return r, ok
}
