// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package checkpoint_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storj.io/common/testcontext"

	"github.com/feedspine/feedspine/checkpoint"
)

func TestMarshalRoundTrip(t *testing.T) {
	original := &checkpoint.Checkpoint{
		CollectionID: "feed-a-2024-03-01",
		FeedName:     "feed-a",
		Position:     map[string]interface{}{"offset": float64(250)},
		Processed:    250,
		New:          100,
		Duplicates:   140,
		Failed:       10,
		StartedAt:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC),
		Metadata:     map[string]string{"host": "worker-1"},
	}

	data, err := original.Marshal()
	require.NoError(t, err)

	parsed, err := checkpoint.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)

	_, err = checkpoint.Unmarshal([]byte("not json"))
	require.Error(t, err)
	assert.True(t, checkpoint.Error.Has(err))
}

func TestManagerFailsFastWithoutCheckpoint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := checkpoint.NewManager(checkpoint.NewMemoryStore(), 10)
	assert.Nil(t, manager.Current())

	require.Error(t, manager.Update(nil, 1, 0, 0, 0))
	require.Error(t, manager.Save(ctx))
	_, err := manager.MaybeSave(ctx)
	require.Error(t, err)
	_, err = manager.Complete(ctx)
	require.Error(t, err)
}

func TestManagerLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := checkpoint.NewMemoryStore()
	manager := checkpoint.NewManager(store, 10)

	current := manager.Start("run-1", "feed-a", map[string]interface{}{"offset": 0})
	require.NotNil(t, current)
	assert.Equal(t, "run-1", current.CollectionID)
	assert.False(t, current.StartedAt.IsZero())

	require.NoError(t, manager.Update(map[string]interface{}{"offset": 25}, 25, 15, 10, 0))
	assert.Equal(t, 25, current.Processed)
	assert.Equal(t, 15, current.New)
	assert.Equal(t, 10, current.Duplicates)

	// counters never move backwards
	require.NoError(t, manager.Update(nil, 20, 10, 5, 0))
	assert.Equal(t, 25, current.Processed)
	assert.Equal(t, 15, current.New)

	require.NoError(t, manager.Save(ctx))

	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, 25, loaded.Processed)
	assert.False(t, loaded.IsComplete)

	completed, err := manager.Complete(ctx)
	require.NoError(t, err)
	assert.True(t, completed.IsComplete)

	loaded, err = store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, loaded.IsComplete)
}

func TestManagerMaybeSaveThrottles(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := checkpoint.NewMemoryStore()
	manager := checkpoint.NewManager(store, 100)
	manager.Start("run-1", "feed-a", nil)

	require.NoError(t, manager.Update(nil, 50, 0, 0, 0))
	saved, err := manager.MaybeSave(ctx)
	require.NoError(t, err)
	assert.False(t, saved)

	require.NoError(t, manager.Update(nil, 100, 0, 0, 0))
	saved, err = manager.MaybeSave(ctx)
	require.NoError(t, err)
	assert.True(t, saved)

	// just saved: the next 99 records do not persist again
	require.NoError(t, manager.Update(nil, 150, 0, 0, 0))
	saved, err = manager.MaybeSave(ctx)
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestManagerResume(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := checkpoint.NewMemoryStore()

	first := checkpoint.NewManager(store, 10)
	first.Start("run-1", "feed-a", map[string]interface{}{"offset": 0})
	require.NoError(t, first.Update(map[string]interface{}{"offset": 25}, 25, 15, 10, 0))
	require.NoError(t, first.Save(ctx))

	// a fresh manager picks up where the first stopped
	second := checkpoint.NewManager(store, 10)
	resumed, err := second.Resume(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, 25, resumed.Processed)
	assert.Equal(t, 15, resumed.New)
	assert.Equal(t, 10, resumed.Duplicates)
	assert.EqualValues(t, 25, resumed.Position["offset"])

	missing, err := second.Resume(ctx, "run-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFileStore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store, err := checkpoint.NewFileStore(ctx.Dir("checkpoints"))
	require.NoError(t, err)

	ckpt := &checkpoint.Checkpoint{
		CollectionID: "feed/a:2024-03-01T10:00:00Z",
		FeedName:     "feed-a",
		Processed:    5,
		StartedAt:    time.Now().UTC().Truncate(time.Second),
		UpdatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Save(ctx, ckpt))

	// the collection id is sanitized into the file name
	entries, err := os.ReadDir(ctx.Dir("checkpoints"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "feed_a_2024-03-01T10_00_00Z.json", entries[0].Name())
	assert.NotContains(t, entries[0].Name(), "/")

	loaded, err := store.Load(ctx, ckpt.CollectionID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, ckpt.CollectionID, loaded.CollectionID)
	assert.Equal(t, 5, loaded.Processed)

	// no temp files linger after a save
	_, err = os.Stat(filepath.Join(ctx.Dir("checkpoints"), entries[0].Name()+".tmp"))
	assert.True(t, os.IsNotExist(err))

	missing, err := store.Load(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, missing)

	existed, err := store.Delete(ctx, ckpt.CollectionID)
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = store.Delete(ctx, ckpt.CollectionID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestListIncomplete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	for _, store := range []checkpoint.Store{
		checkpoint.NewMemoryStore(),
		mustFileStore(t, ctx.Dir("file-store")),
	} {
		require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{
			CollectionID: "run-1", FeedName: "feed-a",
		}))
		require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{
			CollectionID: "run-2", FeedName: "feed-b",
		}))
		require.NoError(t, store.Save(ctx, &checkpoint.Checkpoint{
			CollectionID: "run-3", FeedName: "feed-a", IsComplete: true,
		}))

		incomplete, err := store.ListIncomplete(ctx, "")
		require.NoError(t, err)
		require.Len(t, incomplete, 2)
		assert.Equal(t, "run-1", incomplete[0].CollectionID)
		assert.Equal(t, "run-2", incomplete[1].CollectionID)

		incomplete, err = store.ListIncomplete(ctx, "feed-a")
		require.NoError(t, err)
		require.Len(t, incomplete, 1)
		assert.Equal(t, "run-1", incomplete[0].CollectionID)
	}
}

func mustFileStore(t *testing.T, dir string) *checkpoint.FileStore {
	store, err := checkpoint.NewFileStore(dir)
	require.NoError(t, err)
	return store
}
