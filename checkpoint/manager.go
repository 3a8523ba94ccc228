// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package checkpoint

import (
	"context"
	"time"
)

// Config configures checkpoint persistence throttling.
type Config struct {
	SaveInterval int `help:"persist the checkpoint every this many processed records" default:"100"`
}

// Manager owns the current checkpoint of one pipeline run. It is not shared
// between runs. Update, Save and Complete before Start or Resume are
// programmer errors and fail fast.
type Manager struct {
	store        Store
	saveInterval int

	current       *Checkpoint
	lastSaveCount int
}

// NewManager wraps a store. saveInterval throttles MaybeSave to once per that
// many processed records.
func NewManager(store Store, saveInterval int) *Manager {
	if saveInterval < 1 {
		saveInterval = 1
	}
	return &Manager{store: store, saveInterval: saveInterval}
}

// Current returns the checkpoint owned by this manager, or nil before Start.
func (manager *Manager) Current() *Checkpoint { return manager.current }

// Start creates a fresh checkpoint for collectionID and makes it current.
func (manager *Manager) Start(collectionID, feedName string, position map[string]interface{}) *Checkpoint {
	now := time.Now().UTC()
	manager.current = &Checkpoint{
		CollectionID: collectionID,
		FeedName:     feedName,
		Position:     position,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	manager.lastSaveCount = 0
	return manager.current
}

// Resume loads collectionID from the store and makes it current, returning
// nil when the store has no such checkpoint.
func (manager *Manager) Resume(ctx context.Context, collectionID string) (_ *Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	checkpoint, err := manager.store.Load(ctx, collectionID)
	if err != nil || checkpoint == nil {
		return nil, err
	}
	manager.current = checkpoint
	manager.lastSaveCount = checkpoint.Processed
	return checkpoint, nil
}

// Update replaces the current position and counters, stamping UpdatedAt.
// Counters only move forward.
func (manager *Manager) Update(position map[string]interface{}, processed, created, duplicates, failed int) error {
	if manager.current == nil {
		return Error.New("update without an active checkpoint")
	}
	current := manager.current
	if position != nil {
		current.Position = position
	}
	if processed > current.Processed {
		current.Processed = processed
	}
	if created > current.New {
		current.New = created
	}
	if duplicates > current.Duplicates {
		current.Duplicates = duplicates
	}
	if failed > current.Failed {
		current.Failed = failed
	}
	current.UpdatedAt = time.Now().UTC()
	return nil
}

// Save persists the current checkpoint.
func (manager *Manager) Save(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if manager.current == nil {
		return Error.New("save without an active checkpoint")
	}
	if err := manager.store.Save(ctx, manager.current); err != nil {
		return err
	}
	manager.lastSaveCount = manager.current.Processed
	return nil
}

// MaybeSave persists only when at least saveInterval records were processed
// since the last save. This is the throttled persistence used by long runs.
func (manager *Manager) MaybeSave(ctx context.Context) (saved bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if manager.current == nil {
		return false, Error.New("save without an active checkpoint")
	}
	if manager.current.Processed-manager.lastSaveCount < manager.saveInterval {
		return false, nil
	}
	return true, manager.Save(ctx)
}

// Complete marks the current checkpoint terminal, persists it and returns it.
// Completing an already complete checkpoint only re-saves it.
func (manager *Manager) Complete(ctx context.Context) (_ *Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	if manager.current == nil {
		return nil, Error.New("complete without an active checkpoint")
	}
	manager.current.IsComplete = true
	manager.current.UpdatedAt = time.Now().UTC()
	if err := manager.Save(ctx); err != nil {
		return nil, err
	}
	return manager.current, nil
}
