// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package sqlitedb_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"storj.io/common/testcontext"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/storage"
	"github.com/feedspine/feedspine/storage/sqlitedb"
)

func openDB(t *testing.T, ctx *testcontext.Context) *sqlitedb.DB {
	db, err := sqlitedb.Open(ctx, zaptest.NewLogger(t), filepath.Join(ctx.Dir("db"), "feedspine.db"))
	require.NoError(t, err)
	return db
}

func newRecord(t *testing.T, key string, content feed.Content) *feed.Record {
	candidate, err := feed.NewCandidate(key, time.Now().Add(-time.Hour), content, feed.Metadata{Source: "test"})
	require.NoError(t, err)
	record, err := feed.NewRecord(candidate, time.Now())
	require.NoError(t, err)
	return record
}

func TestOpenMigratesTwice(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	path := filepath.Join(ctx.Dir("db"), "feedspine.db")
	db, err := sqlitedb.Open(ctx, zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// reopening an already migrated database is a no-op
	db, err = sqlitedb.Open(ctx, zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	record := newRecord(t, "K1 ", feed.Content{"title": "hello", "nested": map[string]interface{}{"a": "b"}})
	require.NoError(t, db.Store(ctx, record))

	got, err := db.Get(ctx, record.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "k1", got.NaturalKey)
	assert.Equal(t, feed.Bronze, got.Layer)
	assert.Equal(t, "hello", got.Content["title"])
	assert.Equal(t, "test", got.Metadata.Source)
	assert.WithinDuration(t, record.PublishedAt, got.PublishedAt, time.Millisecond)

	byKey, err := db.GetByNaturalKey(ctx, " k1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, record.ID, byKey.ID)
}

func TestStoreUpsertBumpsVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	record := newRecord(t, "k1", feed.Content{"v": "old"})
	require.NoError(t, db.Store(ctx, record))

	update := *record
	update.Content = feed.Content{"v": "new"}
	require.NoError(t, db.Store(ctx, &update))

	got, err := db.Get(ctx, record.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "new", got.Content["v"])
	assert.Equal(t, 2, got.Version)
}

func TestNaturalKeyConstraint(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	require.NoError(t, db.Store(ctx, newRecord(t, "k1", nil)))
	err := db.Store(ctx, newRecord(t, "K1", nil))
	require.Error(t, err)
	assert.True(t, storage.ErrDuplicate.Has(err))
}

func TestQueryAndCount(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	for _, key := range []string{"alpha", "beta", "gamma"} {
		record := newRecord(t, key, feed.Content{"kind": key[:1], "rank": len(key)})
		require.NoError(t, db.Store(ctx, record))
	}

	records, err := db.Query(ctx, storage.QueryOptions{})
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "alpha", records[0].NaturalKey) // insertion order

	records, err = db.Query(ctx, storage.QueryOptions{OrderBy: "natural_key", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "beta", records[0].NaturalKey)

	records, err = db.Query(ctx, storage.QueryOptions{
		Filters: []storage.Filter{storage.ParseFilter("natural_key__like", "%eta")},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "beta", records[0].NaturalKey)

	records, err = db.Query(ctx, storage.QueryOptions{
		Filters: []storage.Filter{{Field: "content.kind", Value: "g"}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "gamma", records[0].NaturalKey)

	count, err := db.Count(ctx, nil, []storage.Filter{
		storage.ParseFilter("natural_key__in", []string{"alpha", "gamma"}),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	bronze := feed.Bronze
	count, err = db.Count(ctx, &bronze, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	count, err = db.Count(ctx, nil, []storage.Filter{storage.ParseFilter("content.rank__gt", 4)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count) // alpha and gamma
}

func TestSightingsChronology(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	record := newRecord(t, "k1", nil)
	require.NoError(t, db.Store(ctx, record))

	base := time.Now()
	first, err := feed.NewSighting("k1", "feed-a", base)
	require.NoError(t, err)
	first.RecordID = record.ID
	first.IsNew = true
	unseen, err := db.RecordSighting(ctx, first)
	require.NoError(t, err)
	assert.True(t, unseen)

	second, err := feed.NewSighting("k1", "feed-b", base.Add(time.Second))
	require.NoError(t, err)
	second.RecordID = record.ID
	unseen, err = db.RecordSighting(ctx, second)
	require.NoError(t, err)
	assert.False(t, unseen)

	sightings, err := db.GetSightings(ctx, "K1")
	require.NoError(t, err)
	require.Len(t, sightings, 2)
	assert.True(t, sightings[0].IsNew)
	assert.Equal(t, "feed-a", sightings[0].Source)
	assert.Equal(t, "feed-b", sightings[1].Source)

	got, err := db.GetByNaturalKey(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.SeenCount)

	// identical repeat of the latest sighting stores nothing
	repeat := *second
	_, err = db.RecordSighting(ctx, &repeat)
	require.NoError(t, err)
	sightings, err = db.GetSightings(ctx, "k1")
	require.NoError(t, err)
	assert.Len(t, sightings, 2)
}

func TestTimeColumnsOrderAcrossSubseconds(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	record := newRecord(t, "k1", nil)
	require.NoError(t, db.Store(ctx, record))

	// a whole-second instant followed by a fractional one in the same second
	whole := time.Now().UTC().Truncate(time.Second).Add(time.Second)
	frac := whole.Add(500 * time.Millisecond)

	first, err := feed.NewSighting("k1", "feed-a", whole)
	require.NoError(t, err)
	first.RecordID = record.ID
	first.IsNew = true
	_, err = db.RecordSighting(ctx, first)
	require.NoError(t, err)

	second, err := feed.NewSighting("k1", "feed-b", frac)
	require.NoError(t, err)
	second.RecordID = record.ID
	_, err = db.RecordSighting(ctx, second)
	require.NoError(t, err)

	sightings, err := db.GetSightings(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, sightings, 2)
	assert.True(t, sightings[0].IsNew)
	assert.Equal(t, "feed-a", sightings[0].Source)
	assert.Equal(t, "feed-b", sightings[1].Source)
	assert.False(t, sightings[1].SeenAt.Before(sightings[0].SeenAt))

	// the fractional sighting is the latest one
	got, err := db.GetByNaturalKey(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, got.LastSeenAt.Equal(frac))

	// whole-second upstream timestamps compare correctly in filters
	wholePub, err := feed.NewCandidate("p-whole", whole, nil, feed.Metadata{Source: "test"})
	require.NoError(t, err)
	fracPub, err := feed.NewCandidate("p-frac", frac, nil, feed.Metadata{Source: "test"})
	require.NoError(t, err)
	for _, candidate := range []*feed.Candidate{wholePub, fracPub} {
		pub, err := feed.NewRecord(candidate, time.Now())
		require.NoError(t, err)
		require.NoError(t, db.Store(ctx, pub))
	}

	count, err := db.Count(ctx, nil, []storage.Filter{storage.ParseFilter("published_at__gt", whole)})
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	count, err = db.Count(ctx, nil, []storage.Filter{storage.ParseFilter("published_at__lte", whole)})
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
}

func TestStoreBatchPolicies(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	batch := []*feed.Record{
		newRecord(t, "k1", feed.Content{"v": "a"}),
		newRecord(t, "k2", feed.Content{"v": "b"}),
		newRecord(t, "k3", feed.Content{"v": "c"}),
	}

	count, err := db.StoreBatch(ctx, batch, 2, storage.OnConflictSkip)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// skip twice stores each record exactly once
	count, err = db.StoreBatch(ctx, batch, 2, storage.OnConflictSkip)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	total, err := db.Count(ctx, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	// error aborts the whole batch on the first duplicate
	fresh := newRecord(t, "k9", nil)
	_, err = db.StoreBatch(ctx, []*feed.Record{fresh, newRecord(t, "k2", nil)}, 10, storage.OnConflictError)
	require.Error(t, err)
	assert.True(t, storage.ErrDuplicate.Has(err))
	exists, err := db.ExistsByNaturalKey(ctx, "k9")
	require.NoError(t, err)
	assert.False(t, exists)

	// update replaces content under the existing id
	update := newRecord(t, "k2", feed.Content{"v": "b2"})
	count, err = db.StoreBatch(ctx, []*feed.Record{update}, 10, storage.OnConflictUpdate)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	got, err := db.GetByNaturalKey(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "b2", got.Content["v"])
}

func TestDeleteAndDeleteBatch(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(t, ctx)
	defer ctx.Check(db.Close)

	a, b := newRecord(t, "k1", nil), newRecord(t, "k2", nil)
	require.NoError(t, db.Store(ctx, a))
	require.NoError(t, db.Store(ctx, b))

	existed, err := db.Delete(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.True(t, existed)

	count, err := db.DeleteBatch(ctx, []string{a.ID, b.ID}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
