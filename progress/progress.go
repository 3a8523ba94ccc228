// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package progress reports per-stage collection progress.
package progress

import (
	"time"
)

// Stage identifies where in the pipeline an event was emitted.
type Stage string

// Collection stages.
const (
	StagePlanning      Stage = "planning"
	StageFetching      Stage = "fetching"
	StageParsing       Stage = "parsing"
	StageDeduplicating Stage = "deduplicating"
	StageStoring       Stage = "storing"
	StageComplete      Stage = "complete"
	StageFailed        Stage = "failed"
)

// Event is one progress observation. Total may be zero when the feed size is
// unknown up front.
type Event struct {
	Stage       Stage  `json:"stage"`
	AdapterName string `json:"adapter_name"`

	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`

	RecordsNew       int   `json:"records_new"`
	RecordsDuplicate int   `json:"records_duplicate"`
	BytesDownloaded  int64 `json:"bytes_downloaded"`

	StartedAt time.Time         `json:"started_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Percent returns completion in [0,100], or 0 when the total is unknown.
func (event Event) Percent() float64 {
	if event.Total <= 0 {
		return 0
	}
	percent := float64(event.Current) / float64(event.Total) * 100
	if percent > 100 {
		percent = 100
	}
	return percent
}

// Elapsed returns the time since the run started.
func (event Event) Elapsed() time.Duration {
	if event.StartedAt.IsZero() {
		return 0
	}
	return time.Since(event.StartedAt)
}

// RecordsPerSecond returns the observed processing rate.
func (event Event) RecordsPerSecond() float64 {
	elapsed := event.Elapsed().Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(event.Current) / elapsed
}

// ETA estimates the remaining duration, or 0 when it cannot be derived.
func (event Event) ETA() time.Duration {
	rate := event.RecordsPerSecond()
	if rate <= 0 || event.Total <= 0 || event.Current >= event.Total {
		return 0
	}
	remaining := float64(event.Total-event.Current) / rate
	return time.Duration(remaining * float64(time.Second))
}

// Reporter consumes progress events.
type Reporter interface {
	Start()
	Report(event Event)
	Finish(success bool)
}

// Null discards all events.
type Null struct{}

// Start implements Reporter.
func (Null) Start() {}

// Report implements Reporter.
func (Null) Report(event Event) {}

// Finish implements Reporter.
func (Null) Finish(success bool) {}
