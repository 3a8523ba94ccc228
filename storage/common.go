// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package storage defines the persistence contract for records and sightings.
package storage

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/feedspine/feedspine/feed"
)

var (
	// Error is the default storage errs class.
	Error = errs.Class("storage")

	// ErrUnavailable is returned when the backing store transport is lost.
	ErrUnavailable = errs.Class("storage unavailable")

	// ErrNotFound is returned by operations that require an existing record.
	ErrNotFound = errs.Class("record not found")

	// ErrDuplicate is returned by batch stores with OnConflictError when a
	// record in the batch already exists.
	ErrDuplicate = errs.Class("duplicate record")
)

// DefaultBatchSize is used when a batch operation is called with size <= 0.
const DefaultBatchSize = 100

// OnConflict selects the behavior of StoreBatch when a record id or natural
// key already exists.
type OnConflict int

const (
	// OnConflictSkip leaves the existing record untouched.
	OnConflictSkip OnConflict = iota
	// OnConflictUpdate replaces the existing record.
	OnConflictUpdate
	// OnConflictError aborts the whole call on the first duplicate.
	OnConflictError
)

// Records is the layered store for records and their sightings.
//
// Implementations must be safe for concurrent use by multiple pipelines.
// Every operation is atomic on its own; multi-operation sequences are not,
// except batches which commit one transaction per batch.
type Records interface {
	// Store upserts a record by id. Updating an existing id replaces
	// content and metadata, bumps the version monotonically and refreshes
	// updated_at and the sighting-tracking fields.
	Store(ctx context.Context, record *feed.Record) error

	// Get returns the record with the given id, restricted to layer when
	// non-nil, or nil when absent.
	Get(ctx context.Context, id string, layer *feed.Layer) (*feed.Record, error)

	// GetByNaturalKey returns the record with the given natural key, or nil
	// when absent. The key is normalized before lookup.
	GetByNaturalKey(ctx context.Context, naturalKey string) (*feed.Record, error)

	// Exists reports whether a record with the given id exists.
	Exists(ctx context.Context, id string, layer *feed.Layer) (bool, error)

	// ExistsByNaturalKey reports whether a record with the given natural key
	// exists.
	ExistsByNaturalKey(ctx context.Context, naturalKey string) (bool, error)

	// Delete removes a record, reporting whether it existed.
	Delete(ctx context.Context, id string, layer *feed.Layer) (bool, error)

	// Query returns records matching the options, paginated by
	// Limit/Offset. Without an explicit order the store returns insertion
	// order.
	Query(ctx context.Context, opts QueryOptions) ([]*feed.Record, error)

	// Count returns the number of records matching layer and filters.
	Count(ctx context.Context, layer *feed.Layer, filters []Filter) (int64, error)

	// RecordSighting appends a sighting, reporting whether the natural key
	// was previously unseen. It also refreshes the sighting-tracking fields
	// of the related record, if any. An identical repeat of the latest
	// sighting (same key, source, seen_at and raw data hash) is skipped.
	RecordSighting(ctx context.Context, sighting *feed.Sighting) (bool, error)

	// GetSightings returns all sightings of a natural key in chronological
	// order.
	GetSightings(ctx context.Context, naturalKey string) ([]*feed.Sighting, error)

	// StoreBatch stores records in per-batch transactions of batchSize,
	// returning the number of inserted or updated rows.
	StoreBatch(ctx context.Context, records []*feed.Record, batchSize int, onConflict OnConflict) (int, error)

	// DeleteBatch deletes ids in per-batch transactions of batchSize,
	// returning the number of removed rows.
	DeleteBatch(ctx context.Context, ids []string, batchSize int) (int, error)

	// Close releases the underlying resources.
	Close() error
}
