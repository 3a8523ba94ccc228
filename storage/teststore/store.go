// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package teststore implements an in-memory Records store for tests and
// short-lived runs.
package teststore

import (
	"context"
	"sort"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/storage"
)

var mon = monkit.Package()

// Store keeps records and sightings in process memory. It is safe for
// concurrent use.
type Store struct {
	mu sync.Mutex

	byID       map[string]*feed.Record
	byKey      map[string]*feed.Record
	order      []string // insertion order of record ids
	sightings  map[string][]*feed.Sighting
	closed     bool
	forcedErrs int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		byID:      map[string]*feed.Record{},
		byKey:     map[string]*feed.Record{},
		sightings: map[string][]*feed.Sighting{},
	}
}

// ForceError makes the next n operations fail with ErrUnavailable, for
// exercising storage failure paths in tests.
func (store *Store) ForceError(n int) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.forcedErrs = n
}

func (store *Store) checkAvailable() error {
	if store.closed {
		return storage.ErrUnavailable.New("store is closed")
	}
	if store.forcedErrs > 0 {
		store.forcedErrs--
		return storage.ErrUnavailable.New("forced error")
	}
	return nil
}

// Store implements storage.Records.
func (store *Store) Store(ctx context.Context, record *feed.Record) (err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return err
	}
	return store.storeLocked(record)
}

func (store *Store) storeLocked(record *feed.Record) error {
	clone := cloneRecord(record)
	if existing, ok := store.byID[clone.ID]; ok {
		if clone.Version <= existing.Version {
			clone.Version = existing.Version + 1
		}
		delete(store.byKey, existing.NaturalKey)
	} else {
		if other, ok := store.byKey[clone.NaturalKey]; ok && other.ID != clone.ID {
			return storage.ErrDuplicate.New("natural key %q already stored as %s", clone.NaturalKey, other.ID)
		}
		store.order = append(store.order, clone.ID)
	}
	store.byID[clone.ID] = clone
	store.byKey[clone.NaturalKey] = clone
	return nil
}

// Get implements storage.Records.
func (store *Store) Get(ctx context.Context, id string, layer *feed.Layer) (_ *feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return nil, err
	}
	record, ok := store.byID[id]
	if !ok || (layer != nil && record.Layer != *layer) {
		return nil, nil
	}
	return cloneRecord(record), nil
}

// GetByNaturalKey implements storage.Records.
func (store *Store) GetByNaturalKey(ctx context.Context, naturalKey string) (_ *feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return nil, err
	}
	record, ok := store.byKey[feed.NormalizeKey(naturalKey)]
	if !ok {
		return nil, nil
	}
	return cloneRecord(record), nil
}

// Exists implements storage.Records.
func (store *Store) Exists(ctx context.Context, id string, layer *feed.Layer) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	record, err := store.Get(ctx, id, layer)
	return record != nil, err
}

// ExistsByNaturalKey implements storage.Records.
func (store *Store) ExistsByNaturalKey(ctx context.Context, naturalKey string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	record, err := store.GetByNaturalKey(ctx, naturalKey)
	return record != nil, err
}

// Delete implements storage.Records.
func (store *Store) Delete(ctx context.Context, id string, layer *feed.Layer) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return false, err
	}
	return store.deleteLocked(id, layer), nil
}

func (store *Store) deleteLocked(id string, layer *feed.Layer) bool {
	record, ok := store.byID[id]
	if !ok || (layer != nil && record.Layer != *layer) {
		return false
	}
	delete(store.byID, id)
	delete(store.byKey, record.NaturalKey)
	for i, other := range store.order {
		if other == id {
			store.order = append(store.order[:i], store.order[i+1:]...)
			break
		}
	}
	return true
}

// Query implements storage.Records.
func (store *Store) Query(ctx context.Context, opts storage.QueryOptions) (_ []*feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return nil, err
	}

	var matched []*feed.Record
	for _, id := range store.order {
		record := store.byID[id]
		if opts.Layer != nil && record.Layer != *opts.Layer {
			continue
		}
		if !matchAll(record, opts.Filters) {
			continue
		}
		matched = append(matched, record)
	}

	if opts.OrderBy != "" {
		field := opts.OrderBy
		sort.SliceStable(matched, func(i, j int) bool {
			return storage.CompareField(matched[i], matched[j], field) < 0
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Offset:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	result := make([]*feed.Record, len(matched))
	for i, record := range matched {
		result[i] = cloneRecord(record)
	}
	return result, nil
}

// Count implements storage.Records.
func (store *Store) Count(ctx context.Context, layer *feed.Layer, filters []storage.Filter) (_ int64, err error) {
	defer mon.Task()(&ctx)(&err)
	records, err := store.Query(ctx, storage.QueryOptions{Layer: layer, Filters: filters})
	return int64(len(records)), err
}

// RecordSighting implements storage.Records.
func (store *Store) RecordSighting(ctx context.Context, sighting *feed.Sighting) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return false, err
	}

	key := feed.NormalizeKey(sighting.NaturalKey)
	existing := store.sightings[key]
	firstSeen := len(existing) == 0

	if n := len(existing); n > 0 {
		last := existing[n-1]
		if last.Source == sighting.Source && last.SeenAt.Equal(sighting.SeenAt) &&
			last.RawDataHash == sighting.RawDataHash {
			// identical repeat of the latest sighting
			return false, nil
		}
	}

	clone := cloneSighting(sighting)
	clone.NaturalKey = key
	store.sightings[key] = append(store.sightings[key], clone)

	if record, ok := store.byKey[key]; ok && !clone.IsNew {
		record.Seen(clone.SeenAt)
		record.UpdatedAt = clone.SeenAt.UTC()
	}
	return firstSeen, nil
}

// GetSightings implements storage.Records.
func (store *Store) GetSightings(ctx context.Context, naturalKey string) (_ []*feed.Sighting, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return nil, err
	}
	existing := store.sightings[feed.NormalizeKey(naturalKey)]
	result := make([]*feed.Sighting, len(existing))
	for i, sighting := range existing {
		result[i] = cloneSighting(sighting)
	}
	return result, nil
}

// StoreBatch implements storage.Records. The in-memory store applies batches
// atomically by buffering each batch and rolling back on failure.
func (store *Store) StoreBatch(ctx context.Context, records []*feed.Record, batchSize int, onConflict storage.OnConflict) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	if batchSize <= 0 {
		batchSize = storage.DefaultBatchSize
	}

	total := 0
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		n, err := store.storeBatchTx(ctx, records[start:end], onConflict)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (store *Store) storeBatchTx(ctx context.Context, batch []*feed.Record, onConflict storage.OnConflict) (_ int, err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return 0, err
	}

	// snapshot for rollback
	undoIDs := map[string]*feed.Record{}
	undoOrder := len(store.order)

	count := 0
	for _, record := range batch {
		existing := store.byKey[feed.NormalizeKey(record.NaturalKey)]
		if existing == nil {
			existing = store.byID[record.ID]
		}
		if existing != nil {
			switch onConflict {
			case storage.OnConflictSkip:
				continue
			case storage.OnConflictError:
				// roll back this batch
				for id, prev := range undoIDs {
					if prev == nil {
						if record := store.byID[id]; record != nil {
							delete(store.byKey, record.NaturalKey)
						}
						delete(store.byID, id)
					} else {
						store.byID[id] = prev
						store.byKey[prev.NaturalKey] = prev
					}
				}
				store.order = store.order[:undoOrder]
				return 0, storage.ErrDuplicate.New("record %q already exists", record.NaturalKey)
			case storage.OnConflictUpdate:
				clone := cloneRecord(record)
				if _, tracked := undoIDs[existing.ID]; !tracked {
					undoIDs[existing.ID] = existing
				}
				clone.ID = existing.ID
				if clone.Version <= existing.Version {
					clone.Version = existing.Version + 1
				}
				store.byID[clone.ID] = clone
				store.byKey[clone.NaturalKey] = clone
				count++
				continue
			}
		}
		if _, tracked := undoIDs[record.ID]; !tracked {
			undoIDs[record.ID] = nil
		}
		if err := store.storeLocked(record); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// DeleteBatch implements storage.Records.
func (store *Store) DeleteBatch(ctx context.Context, ids []string, batchSize int) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)
	if batchSize <= 0 {
		batchSize = storage.DefaultBatchSize
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if err := store.checkAvailable(); err != nil {
		return 0, err
	}
	count := 0
	for _, id := range ids {
		if store.deleteLocked(id, nil) {
			count++
		}
	}
	return count, nil
}

// Close implements storage.Records.
func (store *Store) Close() error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.closed = true
	return nil
}

func matchAll(record *feed.Record, filters []storage.Filter) bool {
	for _, filter := range filters {
		if !filter.Match(record) {
			return false
		}
	}
	return true
}

func cloneRecord(record *feed.Record) *feed.Record {
	clone := *record
	clone.Content = make(feed.Content, len(record.Content))
	for k, v := range record.Content {
		clone.Content[k] = v
	}
	if record.Metadata.Extra != nil {
		clone.Metadata.Extra = make(map[string]string, len(record.Metadata.Extra))
		for k, v := range record.Metadata.Extra {
			clone.Metadata.Extra[k] = v
		}
	}
	return &clone
}

func cloneSighting(sighting *feed.Sighting) *feed.Sighting {
	clone := *sighting
	if sighting.Metadata != nil {
		clone.Metadata = make(map[string]string, len(sighting.Metadata))
		for k, v := range sighting.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
