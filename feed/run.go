// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package feed

import (
	"encoding/json"
	"time"

	"storj.io/common/uuid"
)

// Status is the lifecycle state of a run.
type Status string

// Run statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status will not change anymore.
func (status Status) Terminal() bool {
	return status != StatusPending && status != StatusRunning
}

// MaxRunErrors caps the errors carried by a run to avoid unbounded growth.
const MaxRunErrors = 1024

// Run records one execution of one adapter.
type Run struct {
	ID          string    `json:"id"`
	FeedName    string    `json:"feed_name"`
	Status      Status    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	Processed  int `json:"processed"`
	New        int `json:"new"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`

	Errors             []string               `json:"errors,omitempty"`
	ErrorType          string                 `json:"error_type,omitempty"`
	CheckpointPosition map[string]interface{} `json:"checkpoint_position,omitempty"`
	Metadata           map[string]string      `json:"metadata,omitempty"`
}

// NewRun creates a pending run for feedName.
func NewRun(feedName string, now time.Time) (*Run, error) {
	if feedName == "" {
		return nil, Error.New("run has no feed name")
	}
	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Run{
		ID:        id.String(),
		FeedName:  feedName,
		Status:    StatusPending,
		StartedAt: now.UTC(),
	}, nil
}

// AddError appends an error string, dropping it once the cap is reached.
func (run *Run) AddError(message string) {
	if len(run.Errors) >= MaxRunErrors {
		return
	}
	run.Errors = append(run.Errors, message)
}

// Complete transitions the run into a terminal status and stamps the
// completion time. Completing with a non-terminal status is an error.
func (run *Run) Complete(status Status, now time.Time) error {
	if !status.Terminal() {
		return Error.New("run %s cannot complete with status %q", run.ID, status)
	}
	run.Status = status
	run.CompletedAt = now.UTC()
	return nil
}

// Marshal serializes the run to JSON.
func (run *Run) Marshal() ([]byte, error) {
	data, err := json.Marshal(run)
	return data, Error.Wrap(err)
}

// UnmarshalRun parses a run from JSON.
func UnmarshalRun(data []byte) (*Run, error) {
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, Error.Wrap(err)
	}
	return &run, nil
}
