// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package checkpoint persists resumable progress markers for long collection
// runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	// Error is the default checkpoint errs class.
	Error = errs.Class("checkpoint")

	mon = monkit.Package()
)

// Checkpoint is a durable marker of progress within one run. Counters are
// non-decreasing during a run and IsComplete is terminal.
type Checkpoint struct {
	CollectionID string                 `json:"collection_id"`
	FeedName     string                 `json:"feed_name"`
	Position     map[string]interface{} `json:"position,omitempty"`

	Processed  int `json:"records_processed"`
	New        int `json:"records_new"`
	Duplicates int `json:"records_duplicate"`
	Failed     int `json:"records_failed"`

	StartedAt  time.Time         `json:"started_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	IsComplete bool              `json:"is_complete"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes the checkpoint to JSON with ISO-8601 timestamps.
func (checkpoint *Checkpoint) Marshal() ([]byte, error) {
	data, err := json.Marshal(checkpoint)
	return data, Error.Wrap(err)
}

// Unmarshal parses a checkpoint from JSON.
func Unmarshal(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, Error.Wrap(err)
	}
	return &checkpoint, nil
}

// Store persists checkpoints at rest. Implementations are concurrent-safe
// for different collection ids; one collection id has one writer at a time.
type Store interface {
	// Save persists the checkpoint under its collection id.
	Save(ctx context.Context, checkpoint *Checkpoint) error

	// Load returns the checkpoint for collectionID, or nil when absent.
	Load(ctx context.Context, collectionID string) (*Checkpoint, error)

	// Delete removes a checkpoint, reporting whether it existed.
	Delete(ctx context.Context, collectionID string) (bool, error)

	// ListIncomplete returns checkpoints with IsComplete false, optionally
	// restricted to feedName.
	ListIncomplete(ctx context.Context, feedName string) ([]*Checkpoint, error)
}
