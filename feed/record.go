// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package feed

import (
	"time"

	"storj.io/common/uuid"
)

// Content is the JSON-object-shaped payload of a candidate or record. Keys
// may contain dots; the core treats them as opaque.
type Content map[string]interface{}

// Metadata is attached to every candidate and record.
type Metadata struct {
	Source     string            `json:"source"`
	SourceType string            `json:"source_type,omitempty"`
	CapturedAt time.Time         `json:"captured_at"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// Candidate is the pre-dedup unit emitted by an adapter. NaturalKey is stored
// in normalized form and is the dedup identity within the source namespace.
type Candidate struct {
	NaturalKey  string    `json:"natural_key"`
	PublishedAt time.Time `json:"published_at"`
	Content     Content   `json:"content"`
	Metadata    Metadata  `json:"metadata"`
}

// NewCandidate builds a candidate, normalizing and validating the natural key.
func NewCandidate(naturalKey string, publishedAt time.Time, content Content, metadata Metadata) (*Candidate, error) {
	naturalKey = NormalizeKey(naturalKey)
	if err := ValidateKey(naturalKey); err != nil {
		return nil, err
	}
	if publishedAt.IsZero() {
		return nil, Error.New("candidate %q has no published time", naturalKey)
	}
	if metadata.Source == "" {
		return nil, Error.New("candidate %q has no source", naturalKey)
	}
	if content == nil {
		content = Content{}
	}
	return &Candidate{
		NaturalKey:  naturalKey,
		PublishedAt: publishedAt.UTC(),
		Content:     content,
		Metadata:    metadata,
	}, nil
}

// Record is a persisted, identified entity.
type Record struct {
	ID          string    `json:"id"`
	NaturalKey  string    `json:"natural_key"`
	Layer       Layer     `json:"layer"`
	Content     Content   `json:"content"`
	Metadata    Metadata  `json:"metadata"`
	PublishedAt time.Time `json:"published_at"`
	CapturedAt  time.Time `json:"captured_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"version"`

	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
	SeenCount   int       `json:"seen_count"`
}

// NewRecord creates a Bronze record from a candidate with a fresh id. The
// record starts at version 1 with a single sighting at now.
func NewRecord(candidate *Candidate, now time.Time) (*Record, error) {
	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	capturedAt := candidate.Metadata.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = now
	}
	return &Record{
		ID:          id.String(),
		NaturalKey:  candidate.NaturalKey,
		Layer:       Bronze,
		Content:     candidate.Content,
		Metadata:    candidate.Metadata,
		PublishedAt: candidate.PublishedAt,
		CapturedAt:  capturedAt.UTC(),
		UpdatedAt:   now.UTC(),
		Version:     1,
		FirstSeenAt: now.UTC(),
		LastSeenAt:  now.UTC(),
		SeenCount:   1,
	}, nil
}

// Seen updates the sighting-tracking fields for a repeat observation.
func (record *Record) Seen(now time.Time) {
	now = now.UTC()
	if record.FirstSeenAt.IsZero() || now.Before(record.FirstSeenAt) {
		record.FirstSeenAt = now
	}
	if now.After(record.LastSeenAt) {
		record.LastSeenAt = now
	}
	record.SeenCount++
}

// Promote moves the record to a higher layer, bumping the version. Promotion
// is monotonic; moving to the current or a lower layer is rejected.
func (record *Record) Promote(target Layer, now time.Time) error {
	if !target.Valid() {
		return Error.New("invalid target layer %d", int(target))
	}
	if target <= record.Layer {
		return Error.New("cannot demote record %s from %s to %s", record.ID, record.Layer, target)
	}
	record.Layer = target
	record.Version++
	record.UpdatedAt = now.UTC()
	return nil
}
