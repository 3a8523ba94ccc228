// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package storelogger wraps a Records store with zap debug logging.
package storelogger

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/storage"
)

var mon = monkit.Package()

var id int64

// Logger implements storage.Records, logging every call to the wrapped store.
type Logger struct {
	log   *zap.Logger
	store storage.Records
}

// New creates a new Logger with log and store.
func New(log *zap.Logger, store storage.Records) *Logger {
	loggerid := atomic.AddInt64(&id, 1)
	name := strconv.Itoa(int(loggerid))
	return &Logger{log.Named(name), store}
}

// Store adds a record to the store.
func (logger *Logger) Store(ctx context.Context, record *feed.Record) (err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Store",
		zap.String("id", record.ID),
		zap.String("natural_key", record.NaturalKey),
		zap.Stringer("layer", record.Layer),
		zap.Int("version", record.Version))
	return logger.store.Store(ctx, record)
}

// Get fetches a record by id.
func (logger *Logger) Get(ctx context.Context, id string, layer *feed.Layer) (_ *feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Get", zap.String("id", id))
	return logger.store.Get(ctx, id, layer)
}

// GetByNaturalKey fetches a record by natural key.
func (logger *Logger) GetByNaturalKey(ctx context.Context, naturalKey string) (_ *feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("GetByNaturalKey", zap.String("natural_key", naturalKey))
	return logger.store.GetByNaturalKey(ctx, naturalKey)
}

// Exists checks a record by id.
func (logger *Logger) Exists(ctx context.Context, id string, layer *feed.Layer) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Exists", zap.String("id", id))
	return logger.store.Exists(ctx, id, layer)
}

// ExistsByNaturalKey checks a record by natural key.
func (logger *Logger) ExistsByNaturalKey(ctx context.Context, naturalKey string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("ExistsByNaturalKey", zap.String("natural_key", naturalKey))
	return logger.store.ExistsByNaturalKey(ctx, naturalKey)
}

// Delete removes a record.
func (logger *Logger) Delete(ctx context.Context, id string, layer *feed.Layer) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("Delete", zap.String("id", id))
	return logger.store.Delete(ctx, id, layer)
}

// Query lists records matching opts.
func (logger *Logger) Query(ctx context.Context, opts storage.QueryOptions) (_ []*feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	records, err := logger.store.Query(ctx, opts)
	logger.log.Debug("Query",
		zap.String("order_by", opts.OrderBy),
		zap.Int("limit", opts.Limit),
		zap.Int("offset", opts.Offset),
		zap.Int("filters", len(opts.Filters)),
		zap.Int("results", len(records)))
	return records, err
}

// Count counts records matching layer and filters.
func (logger *Logger) Count(ctx context.Context, layer *feed.Layer, filters []storage.Filter) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	count, err := logger.store.Count(ctx, layer, filters)
	logger.log.Debug("Count", zap.Int64("count", count))
	return count, err
}

// RecordSighting appends a sighting.
func (logger *Logger) RecordSighting(ctx context.Context, sighting *feed.Sighting) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	firstSeen, err := logger.store.RecordSighting(ctx, sighting)
	logger.log.Debug("RecordSighting",
		zap.String("natural_key", sighting.NaturalKey),
		zap.String("source", sighting.Source),
		zap.Bool("first_seen", firstSeen))
	return firstSeen, err
}

// GetSightings lists sightings of a natural key.
func (logger *Logger) GetSightings(ctx context.Context, naturalKey string) (_ []*feed.Sighting, err error) {
	defer mon.Task()(&ctx)(&err)
	logger.log.Debug("GetSightings", zap.String("natural_key", naturalKey))
	return logger.store.GetSightings(ctx, naturalKey)
}

// StoreBatch stores records in batches.
func (logger *Logger) StoreBatch(ctx context.Context, records []*feed.Record, batchSize int, onConflict storage.OnConflict) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	count, err := logger.store.StoreBatch(ctx, records, batchSize, onConflict)
	logger.log.Debug("StoreBatch",
		zap.Int("records", len(records)),
		zap.Int("batch_size", batchSize),
		zap.Int("stored", count))
	return count, err
}

// DeleteBatch deletes ids in batches.
func (logger *Logger) DeleteBatch(ctx context.Context, ids []string, batchSize int) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	count, err := logger.store.DeleteBatch(ctx, ids, batchSize)
	logger.log.Debug("DeleteBatch", zap.Int("ids", len(ids)), zap.Int("deleted", count))
	return count, err
}

// Close closes the store.
func (logger *Logger) Close() error {
	logger.log.Debug("Close")
	return logger.store.Close()
}
