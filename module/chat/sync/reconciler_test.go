package sync

import (
	"context"
	"errors"
	gosync "sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMSync/module/chat/model"
	"IMSync/service/store"
	"IMSync/service/store/memstore"
	"IMSync/tools/errs"
)

// fakeStore lets tests drive the feed by hand and inspect issued mutations.
type fakeStore struct {
	mu        gosync.Mutex
	subs      map[string][]*fakeSub
	nextID    int
	appends   []map[string]any
	patches   []map[string]any
	removes   []string
	appendErr error
	patchErr  error
	removeErr error
}

type fakeSub struct {
	s         *fakeStore
	path      string
	h         store.Handler
	cancelled bool
}

func (fs *fakeSub) Cancel() {
	fs.s.mu.Lock()
	fs.cancelled = true
	fs.s.mu.Unlock()
}

func newFakeStore() *fakeStore {
	return &fakeStore{subs: make(map[string][]*fakeSub)}
}

func (f *fakeStore) Subscribe(ctx context.Context, path string, h store.Handler) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{s: f, path: path, h: h}
	f.subs[path] = append(f.subs[path], sub)
	return sub, nil
}

func (f *fakeStore) Append(ctx context.Context, path string, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return "", f.appendErr
	}
	f.nextID++
	f.appends = append(f.appends, fields)
	return "id", nil
}

func (f *fakeStore) PatchFields(ctx context.Context, path, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.patchErr != nil {
		return f.patchErr
	}
	f.patches = append(f.patches, fields)
	return nil
}

func (f *fakeStore) Remove(ctx context.Context, path, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removes = append(f.removes, id)
	return nil
}

func (f *fakeStore) RegisterDisconnectAction(ctx context.Context, path, id string, fields map[string]any) error {
	return nil
}

func (f *fakeStore) Close() error { return nil }

// emit pushes an event to every live subscriber of path, the way the real
// feed would.
func (f *fakeStore) emit(path string, ev store.Event) {
	f.mu.Lock()
	targets := append([]*fakeSub(nil), f.subs[path]...)
	f.mu.Unlock()
	for _, sub := range targets {
		f.mu.Lock()
		cancelled := sub.cancelled
		f.mu.Unlock()
		if !cancelled {
			sub.h(ev)
		}
	}
}

func (f *fakeStore) liveSubs(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sub := range f.subs[path] {
		if !sub.cancelled {
			n++
		}
	}
	return n
}

func msgFields(text string, ts int64) map[string]any {
	return model.MessageFields{Text: text, CreatedAt: ts, SenderID: "alice", SenderName: "Alice"}.Map()
}

func created(id, text string, ts int64) store.Event {
	return store.Event{Kind: store.EventCreated, ID: id, Fields: msgFields(text, ts)}
}

func texts(msgs []model.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestOpen_SameKeyIdempotent(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	assert.Equal(t, 1, fs.liveSubs(store.ConversationPath("dm:a:b")), "reopening the same key must not duplicate the subscription")
}

func TestOpen_SwitchReleasesOldFeed(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	fs.emit(store.ConversationPath("dm:a:b"), created("m1", "hi", 10))
	require.Len(t, r.Transcript(), 1)

	require.NoError(t, r.Open(context.Background(), "dm:a:c"))
	assert.Equal(t, 0, fs.liveSubs(store.ConversationPath("dm:a:b")))
	assert.Empty(t, r.Transcript(), "switching keys must replace the transcript")

	// a late event for the old conversation must not leak into the new one
	fs.emit(store.ConversationPath("dm:a:b"), created("m2", "stale", 20))
	assert.Empty(t, r.Transcript())
}

func TestCreated_DuplicateDeliveryIdempotent(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	path := store.ConversationPath("dm:a:b")

	fs.emit(path, created("m1", "hi", 10))
	fs.emit(path, created("m1", "hi", 10))
	assert.Len(t, r.Transcript(), 1)
}

func TestCreated_OrderedByTimestampStableTies(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	path := store.ConversationPath("dm:a:b")

	fs.emit(path, created("m3", "third", 30))
	fs.emit(path, created("m1", "first", 10))
	fs.emit(path, created("t1", "tie-a", 20))
	fs.emit(path, created("t2", "tie-b", 20))

	assert.Equal(t, []string{"first", "tie-a", "tie-b", "third"}, texts(r.Transcript()))
}

func TestRemoved_BeforeCreated_NoResurrection(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	path := store.ConversationPath("dm:a:b")

	// removal overtakes its create
	fs.emit(path, store.Event{Kind: store.EventRemoved, ID: "m1"})
	fs.emit(path, created("m1", "ghost", 10))
	assert.Empty(t, r.Transcript())

	// expected order ends in the same state
	fs.emit(path, created("m2", "hi", 20))
	fs.emit(path, store.Event{Kind: store.EventRemoved, ID: "m2"})
	assert.Empty(t, r.Transcript())
}

func TestUpdated_UnknownIDDropped(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	path := store.ConversationPath("dm:a:b")

	fs.emit(path, store.Event{Kind: store.EventUpdated, ID: "m1", Fields: msgFields("edited", 99)})
	assert.Empty(t, r.Transcript(), "an update must not resurrect an unknown or removed message")
}

func TestUpdated_EditDoesNotReorder(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	path := store.ConversationPath("dm:a:b")

	fs.emit(path, created("m1", "first", 10))
	fs.emit(path, created("m2", "second", 20))

	// edit m1 with a timestamp past m2
	fs.emit(path, store.Event{Kind: store.EventUpdated, ID: "m1", Fields: msgFields("first-edited", 30)})

	got := r.Transcript()
	require.Len(t, got, 2)
	assert.Equal(t, []string{"first-edited", "second"}, texts(got))
	assert.Equal(t, int64(30), got[0].CreatedAt, "the visible timestamp does move")

	// later inserts still sort against creation positions, not edit times
	fs.emit(path, created("m3", "third", 25))
	assert.Equal(t, []string{"first-edited", "second", "third"}, texts(r.Transcript()))
}

func TestSend_Validation(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)

	err := r.Send(context.Background(), "hi", "alice", "Alice")
	assert.ErrorIs(t, err, errs.ErrNoConversation)

	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	err = r.Send(context.Background(), "   ", "alice", "Alice")
	assert.ErrorIs(t, err, errs.ErrArgs)
}

func TestSend_DoesNotMutateLocally(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))

	require.NoError(t, r.Send(context.Background(), "hi", "alice", "Alice"))
	assert.Len(t, fs.appends, 1, "the mutation reaches the store")
	assert.Empty(t, r.Transcript(), "only the echoed event inserts the message")
}

func TestSend_RemoteFailureSurfaced(t *testing.T) {
	fs := newFakeStore()
	fs.appendErr = errors.New("permission denied")
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))

	err := r.Send(context.Background(), "hi", "alice", "Alice")
	assert.ErrorIs(t, err, errs.ErrRemoteOperation)
	assert.Empty(t, r.Transcript(), "nothing applied speculatively, nothing to roll back")
}

func TestEditDelete_UnknownIDRejected(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))

	assert.ErrorIs(t, r.Edit(context.Background(), "nope", "text"), errs.ErrRecordNotFound)
	assert.ErrorIs(t, r.Delete(context.Background(), "nope"), errs.ErrRecordNotFound)
	assert.Empty(t, fs.patches)
	assert.Empty(t, fs.removes)
}

func TestEdit_EmptyTextRejected(t *testing.T) {
	fs := newFakeStore()
	r := NewReconciler(fs)
	require.NoError(t, r.Open(context.Background(), "dm:a:b"))
	fs.emit(store.ConversationPath("dm:a:b"), created("m1", "hi", 10))

	assert.ErrorIs(t, r.Edit(context.Background(), "m1", "  "), errs.ErrArgs)
}

// End to end against the in-memory store: send, edit, delete, with the echo
// events doing all local mutation.
func TestEndToEnd_SendEditDelete(t *testing.T) {
	st := memstore.New()
	r := NewReconciler(st)
	ctx := context.Background()
	require.NoError(t, r.Open(ctx, "dm:alice:bob"))

	require.NoError(t, r.Send(ctx, "hi", "alice", "Alice"))
	got := r.Transcript()
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "alice", got[0].SenderID)
	assert.Equal(t, "Alice", got[0].SenderName)
	id := got[0].ID

	require.NoError(t, r.Edit(ctx, id, "hello"))
	got = r.Transcript()
	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Text)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, "alice", got[0].SenderID, "a partial patch must not wipe sender fields")

	require.NoError(t, r.Delete(ctx, id))
	assert.Empty(t, r.Transcript())
}
