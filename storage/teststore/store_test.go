// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package teststore_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"storj.io/common/testcontext"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/storage"
	"github.com/feedspine/feedspine/storage/teststore"
)

func newRecord(t *testing.T, key string, content feed.Content) *feed.Record {
	candidate, err := feed.NewCandidate(key, time.Now().Add(-time.Hour), content, feed.Metadata{Source: "test"})
	require.NoError(t, err)
	record, err := feed.NewRecord(candidate, time.Now())
	require.NoError(t, err)
	return record
}

func TestStoreAndGet(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	record := newRecord(t, "K1 ", feed.Content{"title": "hello"})
	require.NoError(t, store.Store(ctx, record))

	got, err := store.Get(ctx, record.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k1", got.NaturalKey)

	byKey, err := store.GetByNaturalKey(ctx, "  K1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, record.ID, byKey.ID)

	missing, err := store.Get(ctx, "nope", nil)
	require.NoError(t, err)
	assert.Nil(t, missing)

	gold := feed.Gold
	wrongLayer, err := store.Get(ctx, record.ID, &gold)
	require.NoError(t, err)
	assert.Nil(t, wrongLayer)
}

func TestStoreBumpsVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	record := newRecord(t, "k1", nil)
	require.NoError(t, store.Store(ctx, record))

	update := *record
	update.Content = feed.Content{"x": "y"}
	require.NoError(t, store.Store(ctx, &update))

	got, err := store.Get(ctx, record.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	// versions observed via Get never decrease
	require.NoError(t, store.Store(ctx, &update))
	again, err := store.Get(ctx, record.ID, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, again.Version, got.Version)
}

func TestNaturalKeyUniqueness(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	require.NoError(t, store.Store(ctx, newRecord(t, "k1", nil)))
	err := store.Store(ctx, newRecord(t, "K1", nil))
	require.Error(t, err)
	assert.True(t, storage.ErrDuplicate.Has(err))

	count, err := store.Count(ctx, nil, []storage.Filter{{Field: "natural_key", Value: "k1"}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	record := newRecord(t, "k1", nil)
	require.NoError(t, store.Store(ctx, record))

	existed, err := store.Delete(ctx, record.ID, nil)
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = store.Delete(ctx, record.ID, nil)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestQueryFiltersAndPagination(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	for _, key := range []string{"alpha", "beta", "gamma", "delta"} {
		record := newRecord(t, key, feed.Content{"kind": key[:1], "rank": len(key)})
		require.NoError(t, store.Store(ctx, record))
	}

	// insertion order without an explicit order
	records, err := store.Query(ctx, storage.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "alpha", records[0].NaturalKey)

	// pagination
	records, err = store.Query(ctx, storage.QueryOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "beta", records[0].NaturalKey)

	// ordering by a top-level attribute
	records, err = store.Query(ctx, storage.QueryOptions{OrderBy: "natural_key"})
	require.NoError(t, err)
	assert.Equal(t, "alpha", records[0].NaturalKey)
	assert.Equal(t, "gamma", records[3].NaturalKey)

	// like
	records, err = store.Query(ctx, storage.QueryOptions{
		Filters: []storage.Filter{storage.ParseFilter("natural_key__like", "%eta")},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "beta", records[0].NaturalKey)

	// membership
	records, err = store.Query(ctx, storage.QueryOptions{
		Filters: []storage.Filter{storage.ParseFilter("natural_key__in", []string{"alpha", "delta"})},
	})
	require.NoError(t, err)
	assert.Len(t, records, 2)

	// dotted content path
	records, err = store.Query(ctx, storage.QueryOptions{
		Filters: []storage.Filter{{Field: "content.kind", Value: "g"}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "gamma", records[0].NaturalKey)

	// numeric comparison on content
	count, err := store.Count(ctx, nil, []storage.Filter{storage.ParseFilter("content.rank__gte", 5)})
	require.NoError(t, err)
	assert.EqualValues(t, 3, count) // alpha, gamma and delta; beta has rank 4
}

func TestSightings(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	record := newRecord(t, "k1", nil)
	require.NoError(t, store.Store(ctx, record))

	first, err := feed.NewSighting("k1", "feed-a", time.Now())
	require.NoError(t, err)
	first.RecordID = record.ID
	first.IsNew = true

	unseen, err := store.RecordSighting(ctx, first)
	require.NoError(t, err)
	assert.True(t, unseen)

	second, err := feed.NewSighting("K1 ", "feed-a", time.Now().Add(time.Minute))
	require.NoError(t, err)
	second.RecordID = record.ID

	unseen, err = store.RecordSighting(ctx, second)
	require.NoError(t, err)
	assert.False(t, unseen)

	sightings, err := store.GetSightings(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, sightings, 2)
	assert.True(t, sightings[0].IsNew)
	assert.False(t, sightings[1].IsNew)
	assert.False(t, sightings[1].SeenAt.Before(sightings[0].SeenAt))

	// the duplicate sighting refreshed the record's tracking fields
	got, err := store.GetByNaturalKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SeenCount)
	assert.True(t, got.LastSeenAt.After(got.FirstSeenAt))

	// identical repeat of the latest sighting is skipped
	repeat := *second
	unseen, err = store.RecordSighting(ctx, &repeat)
	require.NoError(t, err)
	assert.False(t, unseen)
	sightings, err = store.GetSightings(ctx, "k1")
	require.NoError(t, err)
	assert.Len(t, sightings, 2)
}

func TestStoreBatchSkipIdempotent(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	batch := []*feed.Record{
		newRecord(t, "k1", nil),
		newRecord(t, "k2", nil),
		newRecord(t, "k3", nil),
	}

	count, err := store.StoreBatch(ctx, batch, 2, storage.OnConflictSkip)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = store.StoreBatch(ctx, batch, 2, storage.OnConflictSkip)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	total, err := store.Count(ctx, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
}

func TestStoreBatchErrorAborts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	require.NoError(t, store.Store(ctx, newRecord(t, "k2", nil)))

	batch := []*feed.Record{
		newRecord(t, "k1", nil),
		newRecord(t, "k2", nil),
		newRecord(t, "k3", nil),
	}
	_, err := store.StoreBatch(ctx, batch, len(batch), storage.OnConflictError)
	require.Error(t, err)
	assert.True(t, storage.ErrDuplicate.Has(err))

	// the whole batch rolled back
	exists, err := store.ExistsByNaturalKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStoreBatchUpdate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	original := newRecord(t, "k1", feed.Content{"v": "old"})
	require.NoError(t, store.Store(ctx, original))

	update := newRecord(t, "k1", feed.Content{"v": "new"})
	count, err := store.StoreBatch(ctx, []*feed.Record{update}, 10, storage.OnConflictUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetByNaturalKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, original.ID, got.ID)
	assert.Equal(t, "new", got.Content["v"])
	assert.Equal(t, 2, got.Version)
}

func TestDeleteBatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	a, b := newRecord(t, "k1", nil), newRecord(t, "k2", nil)
	require.NoError(t, store.Store(ctx, a))
	require.NoError(t, store.Store(ctx, b))

	count, err := store.DeleteBatch(ctx, []string{a.ID, b.ID, "missing"}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestForcedUnavailable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	store := teststore.New()
	defer ctx.Check(store.Close)

	store.ForceError(1)
	err := store.Store(ctx, newRecord(t, "k1", nil))
	require.Error(t, err)
	assert.True(t, storage.ErrUnavailable.Has(err))

	require.NoError(t, store.Store(ctx, newRecord(t, "k1", nil)))
}
