// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package adapter defines the FeedAdapter contract and the in-tree adapter
// shapes: list, streaming, file snapshot and diffable file.
package adapter

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/fetch"
)

var (
	// Error is the adapter error class for aborting feed failures; it always
	// carries the adapter name. Tagged distinctly from the feed entity
	// package so error prefixes stay unambiguous.
	Error = errs.Class("adapter")

	// ErrConversion tags per-item construction failures. These are isolated:
	// the item is skipped and counted, the sequence continues.
	ErrConversion = errs.Class("item conversion")

	// Done is returned by Cursor.Next after the last candidate.
	Done = errs.New("no more candidates")

	mon = monkit.Package()
)

// Cursor is the lazy candidate sequence produced by Fetch. A single logical
// consumer iterates one cursor; the consumer's pull rate is the only
// back-pressure mechanism.
type Cursor interface {
	// Next returns the next candidate, Done after the last one, or an
	// aborting feed error.
	Next(ctx context.Context) (*feed.Candidate, error)
}

// Adapter converts one external source into a candidate sequence.
//
// Fetch must apply the adapter's own inter-fetch rate limit before the first
// upstream call and must not retry internally; retry is the caller's
// responsibility through the fetch client.
type Adapter interface {
	Name() string
	Initialize(ctx context.Context) error
	Close() error
	Fetch(ctx context.Context) (Cursor, error)
	Info() Info
}

// Info summarizes an adapter's activity.
type Info struct {
	LastFetch  time.Time `json:"last_fetch"`
	ItemCount  int       `json:"item_count"`
	ErrorCount int       `json:"error_count"`
}

// Base carries the identity, pacing and counters shared by all adapters.
// Adapter state is single-threaded by contract; the mutex only guards Info
// against concurrent observers.
type Base struct {
	name      string
	sourceURL string
	limiter   *fetch.RateLimiter

	mu   sync.Mutex
	info Info
}

// NewBase creates the shared adapter base. requestsPerSecond bounds how often
// Fetch may hit the upstream.
func NewBase(name, sourceURL string, requestsPerSecond float64) *Base {
	return &Base{
		name:      name,
		sourceURL: sourceURL,
		limiter:   fetch.NewMinIntervalLimiter(requestsPerSecond),
	}
}

// Name returns the unique adapter name.
func (base *Base) Name() string { return base.name }

// SourceURL returns the configured upstream location, if any.
func (base *Base) SourceURL() string { return base.sourceURL }

// Initialize is a no-op; adapters with setup needs override it.
func (base *Base) Initialize(ctx context.Context) error { return nil }

// Close is a no-op; adapters with teardown needs override it.
func (base *Base) Close() error { return nil }

// Info returns a snapshot of the adapter's counters.
func (base *Base) Info() Info {
	base.mu.Lock()
	defer base.mu.Unlock()
	return base.info
}

// Pace blocks until the inter-fetch rate limit permits an upstream call.
func (base *Base) Pace(ctx context.Context) error {
	_, err := base.limiter.Acquire(ctx, 1)
	return err
}

// RecordFetch notes a completed fetch of items.
func (base *Base) RecordFetch(items int) {
	base.mu.Lock()
	defer base.mu.Unlock()
	base.info.LastFetch = time.Now().UTC()
	base.info.ItemCount += items
}

// RecordError notes a skipped item.
func (base *Base) RecordError() {
	base.mu.Lock()
	defer base.mu.Unlock()
	base.info.ErrorCount++
}

// SliceCursor iterates a materialized candidate list.
type SliceCursor struct {
	candidates []*feed.Candidate
	next       int
}

// NewSliceCursor creates a cursor over candidates.
func NewSliceCursor(candidates []*feed.Candidate) *SliceCursor {
	return &SliceCursor{candidates: candidates}
}

// Next implements Cursor.
func (cursor *SliceCursor) Next(ctx context.Context) (*feed.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cursor.next >= len(cursor.candidates) {
		return nil, Done
	}
	candidate := cursor.candidates[cursor.next]
	cursor.next++
	return candidate, nil
}

// IsDone reports whether err marks the normal end of a cursor.
func IsDone(err error) bool {
	return errors.Is(err, Done)
}
