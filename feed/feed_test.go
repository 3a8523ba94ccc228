// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package feed_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedspine/feedspine/feed"
)

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "k1", feed.NormalizeKey("K1 "))
	assert.Equal(t, "k1", feed.NormalizeKey("  k1"))
	assert.Equal(t, "abc-def", feed.NormalizeKey("ABC-DEF"))
	// folding is ASCII-only
	assert.Equal(t, "Über", feed.NormalizeKey("Über"))
}

func TestValidateKey(t *testing.T) {
	require.NoError(t, feed.ValidateKey(strings.Repeat("a", 512)))
	require.Error(t, feed.ValidateKey(strings.Repeat("a", 513)))
	require.Error(t, feed.ValidateKey(""))
}

func TestLayerOrder(t *testing.T) {
	assert.True(t, feed.Bronze < feed.Silver)
	assert.True(t, feed.Silver < feed.Gold)

	layer, err := feed.ParseLayer("silver")
	require.NoError(t, err)
	assert.Equal(t, feed.Silver, layer)

	_, err = feed.ParseLayer("platinum")
	require.Error(t, err)
}

func TestNewCandidateNormalizes(t *testing.T) {
	published := time.Now()
	candidate, err := feed.NewCandidate(" Key-A ", published, nil, feed.Metadata{Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, "key-a", candidate.NaturalKey)
	assert.NotNil(t, candidate.Content)

	_, err = feed.NewCandidate("k", time.Time{}, nil, feed.Metadata{Source: "test"})
	require.Error(t, err)

	_, err = feed.NewCandidate("k", published, nil, feed.Metadata{})
	require.Error(t, err)
}

func TestNewRecordFromCandidate(t *testing.T) {
	now := time.Now()
	candidate, err := feed.NewCandidate("k1", now.Add(-time.Hour), feed.Content{"title": "hello"}, feed.Metadata{Source: "test"})
	require.NoError(t, err)

	record, err := feed.NewRecord(candidate, now)
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, feed.Bronze, record.Layer)
	assert.Equal(t, 1, record.Version)
	assert.Equal(t, 1, record.SeenCount)
	assert.Equal(t, record.FirstSeenAt, record.LastSeenAt)
}

func TestRecordSeen(t *testing.T) {
	now := time.Now()
	candidate, err := feed.NewCandidate("k1", now, nil, feed.Metadata{Source: "test"})
	require.NoError(t, err)
	record, err := feed.NewRecord(candidate, now)
	require.NoError(t, err)

	record.Seen(now.Add(time.Minute))
	assert.Equal(t, 2, record.SeenCount)
	assert.True(t, record.LastSeenAt.After(record.FirstSeenAt))
	assert.False(t, record.FirstSeenAt.After(record.LastSeenAt))
}

func TestRecordPromoteMonotonic(t *testing.T) {
	now := time.Now()
	candidate, err := feed.NewCandidate("k1", now, nil, feed.Metadata{Source: "test"})
	require.NoError(t, err)
	record, err := feed.NewRecord(candidate, now)
	require.NoError(t, err)

	require.NoError(t, record.Promote(feed.Silver, now))
	assert.Equal(t, 2, record.Version)
	require.NoError(t, record.Promote(feed.Gold, now))
	assert.Equal(t, 3, record.Version)

	// no demotion, no re-promotion to the same layer
	require.Error(t, record.Promote(feed.Silver, now))
	require.Error(t, record.Promote(feed.Gold, now))
	assert.Equal(t, feed.Gold, record.Layer)
}

func TestRunRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	run, err := feed.NewRun("feed-a", now)
	require.NoError(t, err)
	run.Processed = 10
	run.New = 7
	run.Duplicates = 2
	run.Failed = 1
	run.AddError("boom")
	require.NoError(t, run.Complete(feed.StatusSuccess, now.Add(time.Second)))

	data, err := run.Marshal()
	require.NoError(t, err)
	parsed, err := feed.UnmarshalRun(data)
	require.NoError(t, err)
	assert.Equal(t, run, parsed)
}

func TestRunErrorCap(t *testing.T) {
	run, err := feed.NewRun("feed-a", time.Now())
	require.NoError(t, err)
	for i := 0; i < feed.MaxRunErrors+10; i++ {
		run.AddError("err")
	}
	assert.Len(t, run.Errors, feed.MaxRunErrors)
}

func TestRunCompleteRequiresTerminalStatus(t *testing.T) {
	run, err := feed.NewRun("feed-a", time.Now())
	require.NoError(t, err)
	require.Error(t, run.Complete(feed.StatusRunning, time.Now()))
	require.NoError(t, run.Complete(feed.StatusCancelled, time.Now()))
	assert.False(t, run.CompletedAt.IsZero())
}
