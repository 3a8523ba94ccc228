// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package pipeline

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/fetch"
)

// ErrDrop is returned by an operation to drop the record from the rest of
// the operation chain. The stored record stays committed.
var ErrDrop = errs.New("record dropped")

// Operation is one step of the optional post-store chain. Apply returns the
// (possibly replaced) record, or ErrDrop.
type Operation interface {
	Name() string
	Apply(ctx context.Context, record *feed.Record) (*feed.Record, error)
}

// FilterOp drops records failing a predicate.
type FilterOp struct {
	OpName string
	Keep   func(record *feed.Record) bool
}

// Name implements Operation.
func (op *FilterOp) Name() string { return op.OpName }

// Apply implements Operation.
func (op *FilterOp) Apply(ctx context.Context, record *feed.Record) (*feed.Record, error) {
	if !op.Keep(record) {
		return nil, ErrDrop
	}
	return record, nil
}

// TransformOp rewrites records.
type TransformOp struct {
	OpName    string
	Transform func(ctx context.Context, record *feed.Record) (*feed.Record, error)
}

// Name implements Operation.
func (op *TransformOp) Name() string { return op.OpName }

// Apply implements Operation.
func (op *TransformOp) Apply(ctx context.Context, record *feed.Record) (*feed.Record, error) {
	return op.Transform(ctx, record)
}

// DedupeOp drops records whose natural key was already seen in this run. The
// seen set lives only for the operation's lifetime.
type DedupeOp struct {
	seen map[string]bool
}

// NewDedupeOp creates an in-run dedupe operation.
func NewDedupeOp() *DedupeOp {
	return &DedupeOp{seen: map[string]bool{}}
}

// Name implements Operation.
func (op *DedupeOp) Name() string { return "dedupe" }

// Apply implements Operation.
func (op *DedupeOp) Apply(ctx context.Context, record *feed.Record) (*feed.Record, error) {
	key := feed.NormalizeKey(record.NaturalKey)
	if op.seen[key] {
		return nil, ErrDrop
	}
	op.seen[key] = true
	return record, nil
}

// EnrichOp invokes an enricher on records it can handle. Layer changes are
// the enricher's decision; the pipeline only enforces monotonicity, so a
// demotion is reverted.
type EnrichOp struct {
	Enricher Enricher
}

// Name implements Operation.
func (op *EnrichOp) Name() string { return "enrich:" + op.Enricher.Name() }

// Apply implements Operation.
func (op *EnrichOp) Apply(ctx context.Context, record *feed.Record) (*feed.Record, error) {
	if !op.Enricher.CanEnrich(record) {
		return record, nil
	}
	prior := record.Layer
	result, err := op.Enricher.Enrich(ctx, record)
	if err != nil {
		return nil, err
	}
	if result.Status == EnrichFailed {
		return nil, Error.New("enricher %q failed", op.Enricher.Name())
	}
	if record.Layer < prior {
		record.Layer = prior
	}
	return record, nil
}

// NotifyRecordOp sends a notification per record. Notification failures are
// swallowed.
type NotifyRecordOp struct {
	Notifier Notifier
	Level    string
	Message  string
}

// Name implements Operation.
func (op *NotifyRecordOp) Name() string { return "notify" }

// Apply implements Operation.
func (op *NotifyRecordOp) Apply(ctx context.Context, record *feed.Record) (*feed.Record, error) {
	err := op.Notifier.Notify(ctx, op.Level, op.Message, map[string]interface{}{
		"id":          record.ID,
		"natural_key": record.NaturalKey,
	})
	if err != nil {
		mon.Counter("pipeline_notify_errors").Inc(1)
	}
	return record, nil
}

// RateLimitMarker is recognized by the pipeline and mapped to a limiter
// acquire per record rather than applied as a record function.
type RateLimitMarker struct {
	Limiter *fetch.RateLimiter
}

// Name implements Operation.
func (op *RateLimitMarker) Name() string { return "rate_limit" }

// Apply implements Operation; the pipeline intercepts the marker before
// Apply is reached.
func (op *RateLimitMarker) Apply(ctx context.Context, record *feed.Record) (*feed.Record, error) {
	return record, nil
}

// CheckpointMarker asks the pipeline to checkpoint at this point of the
// chain.
type CheckpointMarker struct{}

// Name implements Operation.
func (op *CheckpointMarker) Name() string { return "checkpoint" }

// Apply implements Operation; the pipeline intercepts the marker.
func (op *CheckpointMarker) Apply(ctx context.Context, record *feed.Record) (*feed.Record, error) {
	return record, nil
}

// BatchMarker declares the pipeline's batching preference; it is mapped to
// the pipeline's own mechanism, never applied per record.
type BatchMarker struct {
	Size int
}

// Name implements Operation.
func (op *BatchMarker) Name() string { return "batch" }

// Apply implements Operation; the pipeline intercepts the marker.
func (op *BatchMarker) Apply(ctx context.Context, record *feed.Record) (*feed.Record, error) {
	return record, nil
}

// EnrichmentResult reports what an enricher did to a record.
type EnrichmentResult struct {
	Status        EnrichStatus  `json:"status"`
	SourceLayer   feed.Layer    `json:"source_layer"`
	TargetLayer   feed.Layer    `json:"target_layer"`
	FieldsAdded   []string      `json:"fields_added,omitempty"`
	FieldsUpdated []string      `json:"fields_updated,omitempty"`
	Duration      time.Duration `json:"duration_ms"`
}

// EnrichStatus is the outcome of one enrichment.
type EnrichStatus string

// Enrichment outcomes.
const (
	EnrichSuccess EnrichStatus = "success"
	EnrichSkipped EnrichStatus = "skipped"
	EnrichFailed  EnrichStatus = "failed"
	EnrichPartial EnrichStatus = "partial"
)

// Enricher moves records toward higher layers. It may mutate the record in
// place, adding keys to content and metadata extra.
type Enricher interface {
	Name() string
	CanEnrich(record *feed.Record) bool
	Enrich(ctx context.Context, record *feed.Record) (EnrichmentResult, error)
}

// Notifier is the single notification invocation point of the core. Delivery
// is the host's concern.
type Notifier interface {
	Notify(ctx context.Context, level, message string, data map[string]interface{}) error
}
