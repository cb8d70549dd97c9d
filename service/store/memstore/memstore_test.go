package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMSync/service/store"
)

func collect(evs *[]store.Event) store.Handler {
	return func(ev store.Event) { *evs = append(*evs, ev) }
}

func TestSubscribe_ReplaysExistingChildren(t *testing.T) {
	s := New()
	ctx := context.Background()

	id1, err := s.Append(ctx, "conversations/k", map[string]any{"text": "one"})
	require.NoError(t, err)
	id2, err := s.Append(ctx, "conversations/k", map[string]any{"text": "two"})
	require.NoError(t, err)

	var evs []store.Event
	_, err = s.Subscribe(ctx, "conversations/k", collect(&evs))
	require.NoError(t, err)

	require.Len(t, evs, 2, "a late subscriber gets the full backlog")
	assert.Equal(t, store.EventCreated, evs[0].Kind)
	assert.Equal(t, id1, evs[0].ID)
	assert.Equal(t, id2, evs[1].ID)
	assert.Equal(t, "one", evs[0].Fields["text"])
}

func TestSubscribe_PathsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()

	var evs []store.Event
	_, err := s.Subscribe(ctx, "conversations/a", collect(&evs))
	require.NoError(t, err)

	_, err = s.Append(ctx, "conversations/b", map[string]any{"text": "elsewhere"})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestCancel_StopsDelivery(t *testing.T) {
	s := New()
	ctx := context.Background()

	var evs []store.Event
	sub, err := s.Subscribe(ctx, "conversations/k", collect(&evs))
	require.NoError(t, err)
	sub.Cancel()

	_, err = s.Append(ctx, "conversations/k", map[string]any{"text": "late"})
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestPatchFields_UpsertKinds(t *testing.T) {
	s := New()
	ctx := context.Background()

	var evs []store.Event
	_, err := s.Subscribe(ctx, "users", collect(&evs))
	require.NoError(t, err)

	require.NoError(t, s.PatchFields(ctx, "users", "alice", map[string]any{"online": true, "display_name": "Alice"}))
	require.NoError(t, s.PatchFields(ctx, "users", "alice", map[string]any{"online": false}))

	require.Len(t, evs, 2)
	assert.Equal(t, store.EventCreated, evs[0].Kind, "patching an absent child creates it")
	assert.Equal(t, store.EventUpdated, evs[1].Kind)
	assert.Equal(t, false, evs[1].Fields["online"])
	assert.Equal(t, "Alice", evs[1].Fields["display_name"], "events carry the merged record, not the patch")
}

func TestRemove_MissingChildNoEvent(t *testing.T) {
	s := New()
	ctx := context.Background()

	var evs []store.Event
	_, err := s.Subscribe(ctx, "conversations/k", collect(&evs))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, "conversations/k", "nope"))
	assert.Empty(t, evs)
}

func TestRemove_DropsFromReplay(t *testing.T) {
	s := New()
	ctx := context.Background()

	id, err := s.Append(ctx, "conversations/k", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, "conversations/k", id))

	var evs []store.Event
	_, err = s.Subscribe(ctx, "conversations/k", collect(&evs))
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestServerTimestamp_ResolvedOnCommit(t *testing.T) {
	s := New()
	ctx := context.Background()

	var evs []store.Event
	_, err := s.Subscribe(ctx, "users", collect(&evs))
	require.NoError(t, err)

	require.NoError(t, s.PatchFields(ctx, "users", "alice", map[string]any{"last_seen": store.ServerTimestamp}))
	require.Len(t, evs, 1)
	ts, ok := evs[0].Fields["last_seen"].(int64)
	require.True(t, ok, "the sentinel must never leak to subscribers")
	assert.Greater(t, ts, int64(0))
}

func TestDisconnectActions_FireOnce(t *testing.T) {
	s := New()
	ctx := context.Background()

	var evs []store.Event
	_, err := s.Subscribe(ctx, "users", collect(&evs))
	require.NoError(t, err)

	require.NoError(t, s.RegisterDisconnectAction(ctx, "users", "alice", map[string]any{"online": false}))
	s.Disconnect()
	require.Len(t, evs, 1)
	assert.Equal(t, false, evs[0].Fields["online"])

	// the queue was drained; a second drop fires nothing
	s.Disconnect()
	assert.Len(t, evs, 1)
}

func TestDisconnectActions_ReRegistrationReplaces(t *testing.T) {
	s := New()
	ctx := context.Background()

	var evs []store.Event
	_, err := s.Subscribe(ctx, "users", collect(&evs))
	require.NoError(t, err)

	require.NoError(t, s.RegisterDisconnectAction(ctx, "users", "alice", map[string]any{"online": false, "note": "old"}))
	require.NoError(t, s.RegisterDisconnectAction(ctx, "users", "alice", map[string]any{"online": false, "note": "new"}))
	s.Disconnect()

	require.Len(t, evs, 1, "one action per child, last registration wins")
	assert.Equal(t, "new", evs[0].Fields["note"])
}

func TestClose_DiscardsActionsAndRejectsMutations(t *testing.T) {
	s := New()
	ctx := context.Background()

	var evs []store.Event
	_, err := s.Subscribe(ctx, "users", collect(&evs))
	require.NoError(t, err)
	require.NoError(t, s.RegisterDisconnectAction(ctx, "users", "alice", map[string]any{"online": false}))

	require.NoError(t, s.Close())
	s.Disconnect()
	assert.Empty(t, evs, "a clean close must not fire deferred actions")

	_, err = s.Append(ctx, "conversations/k", map[string]any{"text": "hi"})
	assert.Error(t, err)
	assert.Error(t, s.PatchFields(ctx, "users", "alice", map[string]any{"online": true}))
}

func TestAppend_CallerFieldsNotAliased(t *testing.T) {
	s := New()
	ctx := context.Background()

	fields := map[string]any{"text": "hi"}
	id, err := s.Append(ctx, "conversations/k", fields)
	require.NoError(t, err)
	fields["text"] = "mutated"

	var evs []store.Event
	_, err = s.Subscribe(ctx, "conversations/k", collect(&evs))
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, id, evs[0].ID)
	assert.Equal(t, "hi", evs[0].Fields["text"], "the store keeps its own copy of the fields")
}
