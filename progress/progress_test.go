// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package progress_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/feedspine/feedspine/progress"
)

func TestPercent(t *testing.T) {
	assert.Zero(t, progress.Event{Current: 5}.Percent())
	assert.Equal(t, 50.0, progress.Event{Current: 5, Total: 10}.Percent())
	// over-reporting clamps at 100
	assert.Equal(t, 100.0, progress.Event{Current: 15, Total: 10}.Percent())
}

func TestDerivedRates(t *testing.T) {
	event := progress.Event{
		Current:   100,
		Total:     200,
		StartedAt: time.Now().Add(-10 * time.Second),
	}

	assert.InDelta(t, 10.0, event.RecordsPerSecond(), 1.0)
	assert.InDelta(t, float64(10*time.Second), float64(event.ETA()), float64(2*time.Second))

	// without a start time nothing can be derived
	unstarted := progress.Event{Current: 100, Total: 200}
	assert.Zero(t, unstarted.Elapsed())
	assert.Zero(t, unstarted.RecordsPerSecond())
	assert.Zero(t, unstarted.ETA())

	// a finished run has no remaining time
	done := progress.Event{Current: 200, Total: 200, StartedAt: time.Now().Add(-time.Second)}
	assert.Zero(t, done.ETA())
}

func TestBarLifecycle(t *testing.T) {
	var buf bytes.Buffer
	bar := progress.NewBar(&buf)

	// reporting before Start is a no-op
	bar.Report(progress.Event{Stage: progress.StageFetching, AdapterName: "feed-a", Current: 1})

	bar.Start()
	bar.Report(progress.Event{
		Stage:       progress.StageStoring,
		AdapterName: "feed-a",
		Current:     5,
		Total:       10,
	})
	bar.Finish(true)

	// finishing twice is safe
	bar.Finish(true)
	assert.NotEmpty(t, buf.String())
}

func TestNullReporter(t *testing.T) {
	var reporter progress.Reporter = progress.Null{}
	reporter.Start()
	reporter.Report(progress.Event{Stage: progress.StageComplete})
	reporter.Finish(true)
}
