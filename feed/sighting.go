// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package feed

import (
	"time"

	"storj.io/common/uuid"
)

// Sighting is one observation of a natural key from a named source. Sightings
// are append-only; the core never mutates or deletes them.
type Sighting struct {
	ID          string            `json:"id"`
	NaturalKey  string            `json:"natural_key"`
	RecordID    string            `json:"record_id,omitempty"`
	Source      string            `json:"source"`
	SeenAt      time.Time         `json:"seen_at"`
	IsNew       bool              `json:"is_new"`
	RawDataHash string            `json:"raw_data_hash,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewSighting builds a sighting of naturalKey from source at now.
func NewSighting(naturalKey, source string, now time.Time) (*Sighting, error) {
	naturalKey = NormalizeKey(naturalKey)
	if err := ValidateKey(naturalKey); err != nil {
		return nil, err
	}
	if source == "" {
		return nil, Error.New("sighting of %q has no source", naturalKey)
	}
	id, err := uuid.New()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &Sighting{
		ID:         id.String(),
		NaturalKey: naturalKey,
		Source:     source,
		SeenAt:     now.UTC(),
	}, nil
}
