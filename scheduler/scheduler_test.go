// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedspine/feedspine/scheduler"
)

func TestRegisterAndUnregister(t *testing.T) {
	sched := scheduler.New()

	require.NoError(t, sched.Register("feed-a", time.Hour, true, nil))
	err := sched.Register("feed-a", time.Minute, true, nil)
	require.Error(t, err)
	assert.True(t, scheduler.ErrAlreadyRegistered.Has(err))

	info := sched.Get("feed-a")
	require.NotNil(t, info)
	assert.Equal(t, time.Hour, info.Interval)
	assert.True(t, info.Enabled)
	assert.Nil(t, info.LastRun)

	assert.Nil(t, sched.Get("unknown"))

	assert.True(t, sched.Unregister("feed-a"))
	assert.False(t, sched.Unregister("feed-a"))
}

func TestDueCycle(t *testing.T) {
	sched := scheduler.New()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sched.SetNowFunc(func() time.Time { return now })

	require.NoError(t, sched.Register("feed-a", time.Hour, true, nil))

	// never ran: due immediately
	due := sched.GetDue()
	require.Len(t, due, 1)
	assert.Equal(t, "feed-a", due[0].FeedName)

	require.NoError(t, sched.MarkSuccess("feed-a"))
	info := sched.Get("feed-a")
	require.NotNil(t, info.LastRun)
	assert.Equal(t, now, *info.LastRun)
	assert.Equal(t, now.Add(time.Hour), *info.NextRun)
	assert.Equal(t, 1, info.RunCount)

	// 30 minutes later: not due
	now = now.Add(30 * time.Minute)
	assert.Empty(t, sched.GetDue())

	// 61 minutes after the run: due again
	now = now.Add(31 * time.Minute)
	due = sched.GetDue()
	require.Len(t, due, 1)

	require.NoError(t, sched.MarkSuccess("feed-a"))
	assert.Equal(t, 2, sched.Get("feed-a").RunCount)
}

func TestFailureKeepsFeedDue(t *testing.T) {
	sched := scheduler.New()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sched.SetNowFunc(func() time.Time { return now })

	require.NoError(t, sched.Register("feed-a", time.Hour, true, nil))
	require.NoError(t, sched.MarkFailure("feed-a"))
	require.NoError(t, sched.MarkFailure("feed-a"))

	info := sched.Get("feed-a")
	assert.Equal(t, 2, info.ConsecutiveFailures)
	assert.Zero(t, info.RunCount)
	// a failed feed stays due for the next check
	assert.Len(t, sched.GetDue(), 1)

	// success resets the streak
	require.NoError(t, sched.MarkSuccess("feed-a"))
	assert.Zero(t, sched.Get("feed-a").ConsecutiveFailures)
}

func TestEnableDisable(t *testing.T) {
	sched := scheduler.New()
	require.NoError(t, sched.Register("feed-a", time.Hour, true, nil))

	require.NoError(t, sched.Disable("feed-a"))
	assert.Empty(t, sched.GetDue())

	require.NoError(t, sched.Enable("feed-a"))
	assert.Len(t, sched.GetDue(), 1)

	err := sched.Disable("unknown")
	require.Error(t, err)
	assert.True(t, scheduler.ErrNotRegistered.Has(err))
}

func TestUpdateInterval(t *testing.T) {
	sched := scheduler.New()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sched.SetNowFunc(func() time.Time { return now })

	require.NoError(t, sched.Register("feed-a", time.Hour, true, nil))

	// before any run the next run stays unset
	info, err := sched.UpdateInterval("feed-a", 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, info.Interval)
	assert.Nil(t, info.NextRun)

	require.NoError(t, sched.MarkSuccess("feed-a"))
	info, err = sched.UpdateInterval("feed-a", 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), *info.NextRun)

	_, err = sched.UpdateInterval("unknown", time.Minute)
	require.Error(t, err)
}

func TestGetDueOrdering(t *testing.T) {
	sched := scheduler.New()
	require.NoError(t, sched.Register("gamma", time.Hour, true, nil))
	require.NoError(t, sched.Register("alpha", time.Hour, true, nil))
	require.NoError(t, sched.Register("beta", time.Hour, false, nil))

	due := sched.GetDue()
	require.Len(t, due, 2)
	assert.Equal(t, "alpha", due[0].FeedName)
	assert.Equal(t, "gamma", due[1].FeedName)

	all := sched.GetAll()
	require.Len(t, all, 3)
	assert.Equal(t, "beta", all[1].FeedName)
}

func TestGetReturnsCopies(t *testing.T) {
	sched := scheduler.New()
	require.NoError(t, sched.Register("feed-a", time.Hour, true, nil))

	info := sched.Get("feed-a")
	info.Interval = time.Minute
	assert.Equal(t, time.Hour, sched.Get("feed-a").Interval)
}
