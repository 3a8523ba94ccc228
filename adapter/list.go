// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package adapter

import (
	"context"

	"go.uber.org/zap"

	"github.com/feedspine/feedspine/feed"
)

// Convert builds a candidate from one raw upstream item. A failure is an
// item conversion error: the item is skipped, never aborting the sequence.
type Convert func(raw interface{}) (*feed.Candidate, error)

// FetchList materializes the raw items of one upstream call. An error here
// aborts the fetch.
type FetchList func(ctx context.Context) ([]interface{}, error)

// ListAdapter materializes a full batch of raw items per fetch. This is the
// default shape for small feeds.
type ListAdapter struct {
	*Base
	log     *zap.Logger
	fetch   FetchList
	convert Convert
}

// NewListAdapter creates a list adapter around a raw fetch and a converter.
func NewListAdapter(log *zap.Logger, name, sourceURL string, requestsPerSecond float64, fetch FetchList, convert Convert) *ListAdapter {
	return &ListAdapter{
		Base:    NewBase(name, sourceURL, requestsPerSecond),
		log:     log,
		fetch:   fetch,
		convert: convert,
	}
}

// Fetch implements Adapter.
func (adapter *ListAdapter) Fetch(ctx context.Context) (_ Cursor, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := adapter.Pace(ctx); err != nil {
		return nil, err
	}
	raws, err := adapter.fetch(ctx)
	if err != nil {
		return nil, Error.New("%s: %w", adapter.Name(), err)
	}
	adapter.RecordFetch(len(raws))
	return &convertCursor{
		adapter: adapter.Base,
		log:     adapter.log,
		name:    adapter.Name(),
		next:    sliceIterator(raws),
		convert: adapter.convert,
	}, nil
}

// RawIterator yields raw upstream items one at a time, returning Done at the
// end. Streaming adapters use it to keep memory bounded.
type RawIterator interface {
	Next(ctx context.Context) (interface{}, error)
}

// OpenStream starts one upstream streaming call.
type OpenStream func(ctx context.Context) (RawIterator, error)

// StreamAdapter emits one candidate at a time without buffering the feed.
type StreamAdapter struct {
	*Base
	log     *zap.Logger
	open    OpenStream
	convert Convert
}

// NewStreamAdapter creates a streaming adapter around an upstream iterator.
func NewStreamAdapter(log *zap.Logger, name, sourceURL string, requestsPerSecond float64, open OpenStream, convert Convert) *StreamAdapter {
	return &StreamAdapter{
		Base:    NewBase(name, sourceURL, requestsPerSecond),
		log:     log,
		open:    open,
		convert: convert,
	}
}

// Fetch implements Adapter.
func (adapter *StreamAdapter) Fetch(ctx context.Context) (_ Cursor, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := adapter.Pace(ctx); err != nil {
		return nil, err
	}
	iterator, err := adapter.open(ctx)
	if err != nil {
		return nil, Error.New("%s: %w", adapter.Name(), err)
	}
	return &convertCursor{
		adapter: adapter.Base,
		log:     adapter.log,
		name:    adapter.Name(),
		next:    iterator.Next,
		convert: adapter.convert,
		count:   true,
	}, nil
}

// convertCursor converts raw items, isolating per-item failures.
type convertCursor struct {
	adapter *Base
	log     *zap.Logger
	name    string
	next    func(ctx context.Context) (interface{}, error)
	convert Convert
	count   bool // count items on the fly (streaming)
	emitted int
}

func (cursor *convertCursor) Next(ctx context.Context) (*feed.Candidate, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := cursor.next(ctx)
		if err != nil {
			if IsDone(err) {
				if cursor.count {
					cursor.adapter.RecordFetch(cursor.emitted)
				}
				return nil, Done
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, Error.New("%s: %w", cursor.name, err)
		}
		candidate, err := cursor.convert(raw)
		if err != nil {
			cursor.adapter.RecordError()
			cursor.log.Warn("skipping invalid item",
				zap.String("adapter", cursor.name),
				zap.Error(ErrConversion.Wrap(err)))
			continue
		}
		cursor.emitted++
		return candidate, nil
	}
}

func sliceIterator(raws []interface{}) func(ctx context.Context) (interface{}, error) {
	next := 0
	return func(ctx context.Context) (interface{}, error) {
		if next >= len(raws) {
			return nil, Done
		}
		raw := raws[next]
		next++
		return raw, nil
	}
}
