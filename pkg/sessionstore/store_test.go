package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicetyped/intentflow/pkg/dialog"
)

func testSnapshot(id string) dialog.Snapshot {
	s := dialog.NewSession(id, "pizza", "MainState")
	s.SetVariable("name", "Ada")
	s.RecordTransition("MainState", "SizeState", "orderIntent")
	s.SetLastIntent("orderIntent")
	return s.Snapshot()
}

// runStoreContract verifies the behaviour every Store must share.
func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()
	id := "contract-" + time.Now().Format("20060102150405.000")

	t.Run("Save and Load", func(t *testing.T) {
		snap := testSnapshot(id)
		require.NoError(t, store.Save(ctx, snap))

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "SizeState", loaded.CurrentState)
		assert.Equal(t, "pizza", loaded.DialogName)
		assert.Equal(t, "Ada", loaded.Variables["name"])
		assert.Equal(t, "orderIntent", loaded.LastIntent)
		require.Len(t, loaded.History, 1)
		assert.Equal(t, "orderIntent", loaded.History[0].Trigger)
	})

	t.Run("Overwrite", func(t *testing.T) {
		snap := testSnapshot(id)
		snap.CurrentState = "DoneState"
		require.NoError(t, store.Save(ctx, snap))

		loaded, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "DoneState", loaded.CurrentState)
	})

	t.Run("Load Non-Existent", func(t *testing.T) {
		_, err := store.Load(ctx, "missing-"+id)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, testSnapshot(id)))
		require.NoError(t, store.Delete(ctx, id))

		_, err := store.Load(ctx, id)
		assert.ErrorIs(t, err, ErrSessionNotFound)
		assert.NoError(t, store.Delete(ctx, id), "deleting twice should not fail")
	})
}

func TestMemoryStore_Contract(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestMemoryStore_Isolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	snap := testSnapshot("iso")
	require.NoError(t, store.Save(ctx, snap))

	snap.Variables["name"] = "changed"
	loaded, err := store.Load(ctx, "iso")
	require.NoError(t, err)
	assert.Equal(t, "Ada", loaded.Variables["name"])

	loaded.Variables["name"] = "changed again"
	again, err := store.Load(ctx, "iso")
	require.NoError(t, err)
	assert.Equal(t, "Ada", again.Variables["name"])
}

func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(WithTTL(time.Minute), withClock(func() time.Time { return now }))

	require.NoError(t, store.Save(ctx, testSnapshot("a")))
	require.NoError(t, store.Save(ctx, testSnapshot("b")))

	now = now.Add(30 * time.Second)
	_, err := store.Load(ctx, "a")
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = store.Load(ctx, "a")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	n, err := store.DeleteExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 0, store.Len())
}

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "start miniredis")
	t.Cleanup(mr.Close)

	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	_, client := newMiniredis(t)
	runStoreContract(t, NewRedisStoreFromClient(client))
}

func TestRedisStore_PrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	store := NewRedisStoreFromClient(client, WithPrefix("test:"), WithTTL(time.Minute))

	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Save(ctx, testSnapshot("s1")))
	assert.True(t, mr.Exists("test:s1"))
	assert.Equal(t, time.Minute, mr.TTL("test:s1"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStore_CorruptValue(t *testing.T) {
	mr, client := newMiniredis(t)
	store := NewRedisStoreFromClient(client)
	require.NoError(t, mr.Set(defaultPrefix+"bad", "{not json"))

	_, err := store.Load(context.Background(), "bad")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSessionNotFound)
}

func TestGormStore_RecordRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewGormStore(nil, WithTTL(time.Hour), withClock(func() time.Time { return now }))

	rec, err := store.toRecord(testSnapshot("g1"))
	require.NoError(t, err)
	assert.Equal(t, "g1", rec.ID)
	assert.Equal(t, "SizeState", rec.CurrentState)
	assert.Equal(t, "dialog_sessions", rec.TableName())
	require.True(t, rec.ExpiresAt.Valid)
	assert.Equal(t, now.Add(time.Hour), rec.ExpiresAt.Time)

	snap, err := store.fromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, "Ada", snap.Variables["name"])

	now = now.Add(2 * time.Hour)
	_, err = store.fromRecord(rec)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
