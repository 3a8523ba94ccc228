// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package pipeline drives one adapter to completion for one run, enforcing
// the dedup and sighting invariants.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/tidwall/gjson"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/feedspine/feedspine/adapter"
	"github.com/feedspine/feedspine/checkpoint"
	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/progress"
	"github.com/feedspine/feedspine/storage"
)

var (
	// Error is the default pipeline errs class.
	Error = errs.Class("pipeline")

	mon = monkit.Package()
)

// Stats summarizes one pipeline run.
type Stats struct {
	FeedName   string
	Processed  int
	New        int
	Duplicates int
	Errors     int
	StartedAt  time.Time
	Duration   time.Duration
}

// statsJSON is the serialized stats shape; the duration travels in
// milliseconds.
type statsJSON struct {
	FeedName   string    `json:"feed_name"`
	Processed  int       `json:"processed"`
	New        int       `json:"new"`
	Duplicates int       `json:"duplicates"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// MarshalJSON implements json.Marshaler.
func (stats Stats) MarshalJSON() ([]byte, error) {
	return json.Marshal(statsJSON{
		FeedName:   stats.FeedName,
		Processed:  stats.Processed,
		New:        stats.New,
		Duplicates: stats.Duplicates,
		Errors:     stats.Errors,
		StartedAt:  stats.StartedAt,
		DurationMS: stats.Duration.Milliseconds(),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (stats *Stats) UnmarshalJSON(data []byte) error {
	var decoded statsJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Error.Wrap(err)
	}
	*stats = Stats{
		FeedName:   decoded.FeedName,
		Processed:  decoded.Processed,
		New:        decoded.New,
		Duplicates: decoded.Duplicates,
		Errors:     decoded.Errors,
		StartedAt:  decoded.StartedAt,
		Duration:   time.Duration(decoded.DurationMS) * time.Millisecond,
	}
	return nil
}

// Options carry the optional pipeline collaborators.
type Options struct {
	// Notifier receives an info notification per new record; its failures
	// never fail the pipeline.
	Notifier Notifier

	// Reporter receives stage events; nil discards them.
	Reporter progress.Reporter

	// Checkpoints persists resumable progress; nil disables checkpointing.
	Checkpoints *checkpoint.Manager

	// Operations run in declared order on each newly stored record.
	Operations []Operation
}

// Pipeline processes the candidates of one adapter at a time. Create one
// pipeline per concurrent run; the shared storage handles concurrency.
type Pipeline struct {
	log      *zap.Logger
	records  storage.Records
	notifier Notifier
	reporter progress.Reporter
	ckpts    *checkpoint.Manager
	ops      []Operation
}

// New creates a Pipeline over the shared records store.
func New(log *zap.Logger, records storage.Records, opts Options) *Pipeline {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = progress.Null{}
	}
	return &Pipeline{
		log:      log,
		records:  records,
		notifier: opts.Notifier,
		reporter: reporter,
		ckpts:    opts.Checkpoints,
		ops:      opts.Operations,
	}
}

// Run drives the adapter's candidate sequence to completion, recording
// counters into run when non-nil. Per-candidate errors are contained;
// storage unavailability is fatal; cancellation returns the stats
// accumulated so far.
func (pipeline *Pipeline) Run(ctx context.Context, adp adapter.Adapter, run *feed.Run) (_ *Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	started := time.Now()
	stats := &Stats{FeedName: adp.Name(), StartedAt: started.UTC()}
	var resumedFrom Stats
	defer func() {
		stats.Duration = time.Since(started)
		if run != nil {
			// a run records only its own execution; cumulative totals live
			// in the checkpoint
			run.Processed = stats.Processed - resumedFrom.Processed
			run.New = stats.New - resumedFrom.New
			run.Duplicates = stats.Duplicates - resumedFrom.Duplicates
			run.Failed = stats.Errors - resumedFrom.Errors
		}
	}()

	if run != nil {
		run.Status = feed.StatusRunning
	}
	if pipeline.ckpts != nil {
		if current := pipeline.ckpts.Current(); current != nil {
			// resumed run: carry the counters accumulated before the interrupt
			stats.Processed = current.Processed
			stats.New = current.New
			stats.Duplicates = current.Duplicates
			stats.Errors = current.Failed
			resumedFrom = Stats{
				Processed:  current.Processed,
				New:        current.New,
				Duplicates: current.Duplicates,
				Errors:     current.Failed,
			}
			if run != nil {
				if run.Metadata == nil {
					run.Metadata = map[string]string{}
				}
				run.Metadata["resumed_from"] = current.CollectionID
				run.Metadata["resumed_processed"] = strconv.Itoa(current.Processed)
			}
		} else {
			runID := adp.Name()
			if run != nil {
				runID = run.ID
			}
			pipeline.ckpts.Start(runID, adp.Name(), nil)
		}
	}

	pipeline.reporter.Start()
	pipeline.report(progress.StageFetching, adp.Name(), stats, started, "")

	cursor, err := adp.Fetch(ctx)
	if err != nil {
		pipeline.reporter.Finish(false)
		return stats, pipeline.finish(ctx, run, feed.StatusFailed, err)
	}

	for {
		candidate, err := cursor.Next(ctx)
		if err != nil {
			switch {
			case adapter.IsDone(err):
				return stats, pipeline.finish(ctx, run, feed.StatusSuccess, pipeline.completeReport(stats, started, adp.Name(), true))
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				pipeline.reporter.Finish(false)
				return stats, pipeline.finish(ctx, run, feed.StatusCancelled, err)
			default:
				// upstream transport failure aborts the sequence
				pipeline.reporter.Finish(false)
				if run != nil {
					run.AddError(err.Error())
				}
				return stats, pipeline.finish(ctx, run, feed.StatusFailed, err)
			}
		}

		err = pipeline.process(ctx, adp.Name(), candidate, stats)
		stats.Processed++
		if err != nil {
			if storage.ErrUnavailable.Has(err) {
				pipeline.reporter.Finish(false)
				return stats, pipeline.finish(ctx, run, feed.StatusFailed, err)
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				pipeline.reporter.Finish(false)
				return stats, pipeline.finish(ctx, run, feed.StatusCancelled, err)
			}
			stats.Errors++
			mon.Counter("pipeline_candidate_errors").Inc(1)
			if run != nil {
				run.AddError(err.Error())
			}
			pipeline.log.Warn("candidate failed",
				zap.String("adapter", adp.Name()),
				zap.String("natural_key", candidate.NaturalKey),
				zap.Error(err))
		}

		pipeline.report(progress.StageStoring, adp.Name(), stats, started, "")
		if err := pipeline.checkpointStep(ctx, stats); err != nil {
			// checkpoint write failures do not stop the run; the next
			// MaybeSave retries
			pipeline.log.Warn("checkpoint save failed", zap.Error(err))
			mon.Counter("pipeline_checkpoint_errors").Inc(1)
		}
	}
}

// process applies the per-candidate algorithm: dedup lookup, record
// creation, sighting, operations, notification.
func (pipeline *Pipeline) process(ctx context.Context, source string, candidate *feed.Candidate, stats *Stats) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now()
	existing, err := pipeline.records.GetByNaturalKey(ctx, candidate.NaturalKey)
	if err != nil {
		return err
	}

	if existing != nil {
		return pipeline.processDuplicate(ctx, source, candidate, existing, now, stats)
	}

	record, err := feed.NewRecord(candidate, now)
	if err != nil {
		return err
	}
	err = pipeline.records.Store(ctx, record)
	if err != nil {
		if storage.ErrDuplicate.Has(err) {
			// lost the creation race: the uniqueness constraint is the
			// arbiter, this sighting is a duplicate
			existing, lookupErr := pipeline.records.GetByNaturalKey(ctx, candidate.NaturalKey)
			if lookupErr != nil {
				return lookupErr
			}
			return pipeline.processDuplicate(ctx, source, candidate, existing, now, stats)
		}
		return err
	}

	sighting, err := feed.NewSighting(candidate.NaturalKey, source, now)
	if err != nil {
		return err
	}
	sighting.RecordID = record.ID
	sighting.IsNew = true
	if _, err := pipeline.records.RecordSighting(ctx, sighting); err != nil {
		return err
	}

	record, dropped, err := pipeline.applyOperations(ctx, record, stats)
	if err != nil {
		return err
	}
	stats.New++
	mon.Counter("pipeline_records_new").Inc(1)
	if dropped {
		return nil
	}

	pipeline.notifyNew(ctx, record)
	return nil
}

func (pipeline *Pipeline) processDuplicate(ctx context.Context, source string, candidate *feed.Candidate, existing *feed.Record, now time.Time, stats *Stats) error {
	sighting, err := feed.NewSighting(candidate.NaturalKey, source, now)
	if err != nil {
		return err
	}
	if existing != nil {
		sighting.RecordID = existing.ID
	}
	if _, err := pipeline.records.RecordSighting(ctx, sighting); err != nil {
		return err
	}
	stats.Duplicates++
	mon.Counter("pipeline_records_duplicate").Inc(1)
	return nil
}

// applyOperations runs the configured operations in order on a newly stored
// record. A drop short-circuits the rest and the notifier; the stored record
// stays committed. Marker operations map to the pipeline's own mechanisms.
func (pipeline *Pipeline) applyOperations(ctx context.Context, record *feed.Record, stats *Stats) (_ *feed.Record, dropped bool, err error) {
	if len(pipeline.ops) == 0 {
		return record, false, nil
	}

	changed := false
	for _, op := range pipeline.ops {
		switch marker := op.(type) {
		case *RateLimitMarker:
			if _, err := marker.Limiter.Acquire(ctx, 1); err != nil {
				return nil, false, err
			}
			continue
		case *CheckpointMarker:
			if err := pipeline.checkpointStep(ctx, stats); err != nil {
				pipeline.log.Warn("checkpoint save failed", zap.Error(err))
			}
			continue
		case *BatchMarker:
			// batching is the pipeline's own mechanism; nothing per record
			continue
		}

		next, err := op.Apply(ctx, record)
		if err != nil {
			if errors.Is(err, ErrDrop) {
				return nil, true, pipeline.restoreChanged(ctx, record, changed)
			}
			return nil, false, Error.New("operation %q: %w", op.Name(), err)
		}
		switch op.(type) {
		case *TransformOp, *EnrichOp:
			// these mutate in place or replace; persist afterwards
			changed = true
		default:
			if next != record {
				changed = true
			}
		}
		record = next
	}
	return record, false, pipeline.restoreChanged(ctx, record, changed)
}

// restoreChanged persists operation mutations back to storage.
func (pipeline *Pipeline) restoreChanged(ctx context.Context, record *feed.Record, changed bool) error {
	if !changed || record == nil {
		return nil
	}
	record.UpdatedAt = time.Now().UTC()
	return pipeline.records.Store(ctx, record)
}

// notifyNew emits the info notification for a created record. Failures are
// swallowed with a metrics increment.
func (pipeline *Pipeline) notifyNew(ctx context.Context, record *feed.Record) {
	if pipeline.notifier == nil || record == nil {
		return
	}
	data := map[string]interface{}{
		"id":          record.ID,
		"natural_key": record.NaturalKey,
	}
	if title := contentTitle(record.Content); title != "" {
		data["title"] = title
	}
	if err := pipeline.notifier.Notify(ctx, "info", "new record", data); err != nil {
		mon.Counter("pipeline_notify_errors").Inc(1)
		pipeline.log.Debug("notifier failed", zap.Error(err))
	}
}

// contentTitle extracts an optional title from the content payload. This is
// the only place the core looks inside content.
func contentTitle(content feed.Content) string {
	data, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	return gjson.GetBytes(data, "title").String()
}

func (pipeline *Pipeline) checkpointStep(ctx context.Context, stats *Stats) error {
	if pipeline.ckpts == nil {
		return nil
	}
	err := pipeline.ckpts.Update(
		map[string]interface{}{"processed": stats.Processed},
		stats.Processed, stats.New, stats.Duplicates, stats.Errors)
	if err != nil {
		return err
	}
	_, err = pipeline.ckpts.MaybeSave(ctx)
	return err
}

// finish completes the run bookkeeping and the checkpoint, combining any
// completion failure into cause.
func (pipeline *Pipeline) finish(ctx context.Context, run *feed.Run, status feed.Status, cause error) error {
	if pipeline.ckpts != nil && pipeline.ckpts.Current() != nil {
		// complete only successful runs; interrupted ones stay resumable
		if status == feed.StatusSuccess {
			if _, err := pipeline.ckpts.Complete(ctx); err != nil {
				status = feed.StatusFailed
				cause = errs.Combine(cause, err)
			}
		} else {
			if err := pipeline.ckpts.Save(ctx); err != nil {
				pipeline.log.Warn("final checkpoint save failed", zap.Error(err))
			}
		}
	}
	if run != nil {
		if cause != nil && status == feed.StatusFailed {
			run.ErrorType = errorType(cause)
		}
		if err := run.Complete(status, time.Now()); err != nil {
			cause = errs.Combine(cause, err)
		}
	}
	return cause
}

// completeReport emits the final progress event; it never produces an error
// but keeps finish's signature uniform.
func (pipeline *Pipeline) completeReport(stats *Stats, started time.Time, name string, success bool) error {
	pipeline.report(progress.StageComplete, name, stats, started, "")
	pipeline.reporter.Finish(success)
	return nil
}

func (pipeline *Pipeline) report(stage progress.Stage, name string, stats *Stats, started time.Time, message string) {
	pipeline.reporter.Report(progress.Event{
		Stage:            stage,
		AdapterName:      name,
		Current:          stats.Processed,
		Message:          message,
		RecordsNew:       stats.New,
		RecordsDuplicate: stats.Duplicates,
		StartedAt:        started,
	})
}

func errorType(err error) string {
	switch {
	case storage.ErrUnavailable.Has(err):
		return "storage_unavailable"
	case adapter.Error.Has(err):
		return "feed_error"
	case checkpoint.Error.Has(err):
		return "checkpoint_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}
