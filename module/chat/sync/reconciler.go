package sync

import (
	"context"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"IMSync/logger"
	"IMSync/module/chat/model"
	"IMSync/service/store"
	"IMSync/tools/errs"
)

// entry pins a message to its ordering key. sortTS is the creation timestamp
// at insert time and never changes afterwards, so edits bump the visible
// timestamp without moving the message in history.
type entry struct {
	msg    *model.Message
	sortTS int64
	seq    uint64 // arrival order, breaks creation-time ties stably
}

// Reconciler folds one conversation's feed into an ordered, duplicate-free
// transcript. It owns the transcript exclusively; everything outside reads
// snapshots and issues commands.
type Reconciler struct {
	st store.Store

	mu    gosync.Mutex
	key   string
	sub   store.Subscription
	epoch uint64 // bumped on every (re)open; stale feed callbacks carry an old epoch
	arrv  uint64

	byID  map[string]*entry
	order []*entry
	gone  map[string]struct{} // removed ids; a reordered create must not resurrect them

	// OnChange, when set, fires after every applied feed event (never for
	// dropped duplicates/no-ops). Invoked outside the transcript lock.
	OnChange func()
}

func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{
		st:   st,
		byID: make(map[string]*entry),
		gone: make(map[string]struct{}),
	}
}

// Open discards any existing transcript and subscribes to the feed for key.
// Reopening the currently open key is a no-op; switching keys releases the
// previous subscription before the new one is established.
func (r *Reconciler) Open(ctx context.Context, key string) error {
	r.mu.Lock()
	if key == r.key && r.sub != nil {
		r.mu.Unlock()
		return nil
	}
	if r.sub != nil {
		r.sub.Cancel()
		r.sub = nil
	}
	r.key = key
	r.epoch++
	epoch := r.epoch
	r.byID = make(map[string]*entry)
	r.order = nil
	r.gone = make(map[string]struct{})
	r.mu.Unlock()

	sub, err := r.st.Subscribe(ctx, store.ConversationPath(key), func(ev store.Event) {
		r.apply(epoch, ev)
	})
	if err != nil {
		r.mu.Lock()
		if r.epoch == epoch {
			r.key = ""
		}
		r.mu.Unlock()
		return errs.ErrRemoteOperation.WrapMsg("subscribe conversation", "key", key, "err", err)
	}

	r.mu.Lock()
	if r.epoch != epoch {
		// lost a race against a newer Open; this subscription is already stale
		r.mu.Unlock()
		sub.Cancel()
		return nil
	}
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Key returns the currently open conversation key, or "".
func (r *Reconciler) Key() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.key
}

// Close releases the feed subscription and drops the transcript.
func (r *Reconciler) Close() {
	r.mu.Lock()
	if r.sub != nil {
		r.sub.Cancel()
		r.sub = nil
	}
	r.key = ""
	r.epoch++
	r.byID = make(map[string]*entry)
	r.order = nil
	r.gone = make(map[string]struct{})
	r.mu.Unlock()
}

// apply routes one feed event into the transcript. Events from a superseded
// subscription are dropped here even if the handle's Cancel raced delivery.
func (r *Reconciler) apply(epoch uint64, ev store.Event) {
	r.mu.Lock()
	if epoch != r.epoch {
		r.mu.Unlock()
		logger.Debug("reconciler: dropping stale feed event")
		return
	}

	changed := false
	switch ev.Kind {
	case store.EventCreated:
		changed = r.applyCreated(ev)
	case store.EventUpdated:
		changed = r.applyUpdated(ev)
	case store.EventRemoved:
		changed = r.applyRemoved(ev)
	}
	cb := r.OnChange
	r.mu.Unlock()

	if changed && cb != nil {
		cb()
	}
}

func (r *Reconciler) applyCreated(ev store.Event) bool {
	if _, ok := r.byID[ev.ID]; ok {
		// redelivery after reconnect; already reconciled
		logger.Debugf("reconciler: duplicate created id=%s", ev.ID)
		return false
	}
	if _, ok := r.gone[ev.ID]; ok {
		// the removal for this id overtook its create; ids are never reused,
		// so this create is stale and must not resurrect the message
		return false
	}
	msg, err := model.MessageFromFields(ev.ID, ev.Fields)
	if err != nil {
		logger.Warnf("reconciler: bad created payload id=%s err=%v", ev.ID, err)
		return false
	}
	r.arrv++
	e := &entry{msg: msg, sortTS: msg.CreatedAt, seq: r.arrv}
	// insertion point: after every entry with sortTS <= ours (stable on ties)
	i := sort.Search(len(r.order), func(i int) bool {
		return r.order[i].sortTS > e.sortTS
	})
	r.order = append(r.order, nil)
	copy(r.order[i+1:], r.order[i:])
	r.order[i] = e
	r.byID[ev.ID] = e
	return true
}

func (r *Reconciler) applyUpdated(ev store.Event) bool {
	e, ok := r.byID[ev.ID]
	if !ok {
		// unknown or already removed; an update cannot resurrect it
		return false
	}
	f, err := model.MessageFromFields(ev.ID, ev.Fields)
	if err != nil {
		logger.Warnf("reconciler: bad updated payload id=%s err=%v", ev.ID, err)
		return false
	}
	// text and timestamp only; position (sortTS) stays put
	e.msg.Text = f.Text
	e.msg.CreatedAt = f.CreatedAt
	return true
}

func (r *Reconciler) applyRemoved(ev store.Event) bool {
	r.gone[ev.ID] = struct{}{}
	e, ok := r.byID[ev.ID]
	if !ok {
		return false
	}
	delete(r.byID, ev.ID)
	for i, v := range r.order {
		if v == e {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Transcript returns a copy of the ordered transcript.
func (r *Reconciler) Transcript() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Message, 0, len(r.order))
	for _, e := range r.order {
		out = append(out, *e.msg)
	}
	return out
}

// Get returns a copy of one message by id.
func (r *Reconciler) Get(id string) (model.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return *e.msg, true
}

// Send submits a new message. The transcript is not touched here; the echoed
// created event is what inserts it, so the echo can never double-insert.
func (r *Reconciler) Send(ctx context.Context, text, senderID, senderName string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errs.ErrArgs.WrapMsg("empty message text")
	}
	r.mu.Lock()
	key := r.key
	open := r.sub != nil
	r.mu.Unlock()
	if !open {
		return errs.ErrNoConversation.WrapMsg("send")
	}

	fields := model.MessageFields{
		Text:       text,
		CreatedAt:  time.Now().UnixMilli(),
		SenderID:   senderID,
		SenderName: senderName,
	}
	if _, err := r.st.Append(ctx, store.ConversationPath(key), fields.Map()); err != nil {
		return errs.ErrRemoteOperation.WrapMsg("send", "key", key, "err", err)
	}
	return nil
}

// Edit rewrites a message's text under the same id. Local state updates only
// via the resulting updated event.
func (r *Reconciler) Edit(ctx context.Context, id, newText string) error {
	newText = strings.TrimSpace(newText)
	if newText == "" {
		return errs.ErrArgs.WrapMsg("empty message text")
	}
	r.mu.Lock()
	key := r.key
	open := r.sub != nil
	_, present := r.byID[id]
	r.mu.Unlock()
	if !open {
		return errs.ErrNoConversation.WrapMsg("edit")
	}
	if !present {
		return errs.ErrRecordNotFound.WrapMsg("edit", "id", id)
	}

	fields := map[string]any{
		"text":       newText,
		"created_at": time.Now().UnixMilli(),
	}
	if err := r.st.PatchFields(ctx, store.ConversationPath(key), id, fields); err != nil {
		return errs.ErrRemoteOperation.WrapMsg("edit", "id", id, "err", err)
	}
	return nil
}

// Delete retires a message id. Local state updates only via the resulting
// removed event.
func (r *Reconciler) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	key := r.key
	open := r.sub != nil
	_, present := r.byID[id]
	r.mu.Unlock()
	if !open {
		return errs.ErrNoConversation.WrapMsg("delete")
	}
	if !present {
		return errs.ErrRecordNotFound.WrapMsg("delete", "id", id)
	}

	if err := r.st.Remove(ctx, store.ConversationPath(key), id); err != nil {
		return errs.ErrRemoteOperation.WrapMsg("delete", "id", id, "err", err)
	}
	return nil
}
