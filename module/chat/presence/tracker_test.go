package presence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"IMSync/global"
	"IMSync/module/chat/model"
	"IMSync/service/store/memstore"
)

func sessOf(id, name string) global.UserSession {
	return global.UserSession{UserID: id, DisplayName: name}
}

func TestAnnounceSelf_VisibleToObservers(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	alice := NewTracker(st, sessOf("alice", "Alice"))
	bob := NewTracker(st, sessOf("bob", "Bob"))

	alice.AnnounceSelf(ctx)
	_, err := bob.ObserveAll(ctx, nil)
	require.NoError(t, err)

	rec, ok := bob.Get("alice")
	require.True(t, ok, "replay must deliver users announced before the subscription")
	assert.True(t, rec.Online)
	assert.Equal(t, "Alice", rec.DisplayName)
	assert.Greater(t, rec.LastSeen, int64(0))
}

func TestDisconnect_FiresDeferredOffline(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	alice := NewTracker(st, sessOf("alice", "Alice"))
	bob := NewTracker(st, sessOf("bob", "Bob"))
	_, err := bob.ObserveAll(ctx, nil)
	require.NoError(t, err)

	alice.AnnounceSelf(ctx)
	rec, ok := bob.Get("alice")
	require.True(t, ok)
	require.True(t, rec.Online)

	// the connection drops without a sign-out
	st.Disconnect()

	rec, ok = bob.Get("alice")
	require.True(t, ok)
	assert.False(t, rec.Online)
	assert.Greater(t, rec.LastSeen, int64(0), "the deferred write resolves the timestamp at commit time")
	assert.Equal(t, "Alice", rec.DisplayName, "the offline patch must not wipe profile fields")
}

func TestSignOut_ExplicitOffline(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	alice := NewTracker(st, sessOf("alice", "Alice"))
	bob := NewTracker(st, sessOf("bob", "Bob"))
	_, err := bob.ObserveAll(ctx, nil)
	require.NoError(t, err)

	alice.AnnounceSelf(ctx)
	alice.SignOut(ctx)

	rec, ok := bob.Get("alice")
	require.True(t, ok)
	assert.False(t, rec.Online)
	assert.Greater(t, rec.LastSeen, int64(0))
}

func TestRename_PropagatesAndUpdatesSession(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	alice := NewTracker(st, sessOf("alice", "Alice"))
	bob := NewTracker(st, sessOf("bob", "Bob"))
	_, err := bob.ObserveAll(ctx, nil)
	require.NoError(t, err)

	alice.AnnounceSelf(ctx)
	require.NoError(t, alice.Rename(ctx, "Alice B."))

	rec, ok := bob.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "Alice B.", rec.DisplayName)
}

func TestObserveAll_CallbackPerUpdate(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	alice := NewTracker(st, sessOf("alice", "Alice"))
	bob := NewTracker(st, sessOf("bob", "Bob"))

	var seen []model.PresenceRecord
	_, err := bob.ObserveAll(ctx, func(r model.PresenceRecord) { seen = append(seen, r) })
	require.NoError(t, err)

	alice.AnnounceSelf(ctx)
	bob.AnnounceSelf(ctx)
	require.Len(t, seen, 2)
	assert.Equal(t, "alice", seen[0].UserID)
	assert.Equal(t, "bob", seen[1].UserID)
}

func TestSnapshotAndPeers(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	for _, u := range []global.UserSession{sessOf("u3", "Carol"), sessOf("u1", "Alice"), sessOf("u2", "Bob")} {
		NewTracker(st, u).AnnounceSelf(ctx)
	}

	bob := NewTracker(st, sessOf("u2", "Bob"))
	_, err := bob.ObserveAll(ctx, nil)
	require.NoError(t, err)

	all := bob.Snapshot()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"Alice", "Bob", "Carol"}, []string{all[0].DisplayName, all[1].DisplayName, all[2].DisplayName})

	peers := bob.Peers()
	require.Len(t, peers, 2)
	for _, p := range peers {
		assert.NotEqual(t, "u2", p.UserID)
	}
}
