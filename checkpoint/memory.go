// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints in a process-local map, for tests and short
// runs.
type MemoryStore struct {
	mu          sync.Mutex
	checkpoints map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: map[string][]byte{}}
}

// Save implements Store.
func (store *MemoryStore) Save(ctx context.Context, checkpoint *Checkpoint) (err error) {
	defer mon.Task()(&ctx)(&err)
	data, err := checkpoint.Marshal()
	if err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.checkpoints[checkpoint.CollectionID] = data
	return nil
}

// Load implements Store.
func (store *MemoryStore) Load(ctx context.Context, collectionID string) (_ *Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	data, ok := store.checkpoints[collectionID]
	store.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return Unmarshal(data)
}

// Delete implements Store.
func (store *MemoryStore) Delete(ctx context.Context, collectionID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()
	_, ok := store.checkpoints[collectionID]
	delete(store.checkpoints, collectionID)
	return ok, nil
}

// ListIncomplete implements Store.
func (store *MemoryStore) ListIncomplete(ctx context.Context, feedName string) (_ []*Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)
	store.mu.Lock()
	defer store.mu.Unlock()

	var incomplete []*Checkpoint
	for _, data := range store.checkpoints {
		checkpoint, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		if checkpoint.IsComplete {
			continue
		}
		if feedName != "" && checkpoint.FeedName != feedName {
			continue
		}
		incomplete = append(incomplete, checkpoint)
	}
	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].CollectionID < incomplete[j].CollectionID
	})
	return incomplete, nil
}
