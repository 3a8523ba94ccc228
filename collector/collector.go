// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package collector ties registered adapters to the pipeline and drives
// collection runs.
package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"

	"github.com/feedspine/feedspine/adapter"
	"github.com/feedspine/feedspine/checkpoint"
	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/pipeline"
	"github.com/feedspine/feedspine/progress"
	"github.com/feedspine/feedspine/storage"
)

var (
	// Error is the default collector errs class.
	Error = errs.Class("collector")

	mon = monkit.Package()
)

// Config defines parameters for the collector.
type Config struct {
	Concurrency            int           `help:"how many feeds are collected in parallel" default:"1"`
	CheckInterval          time.Duration `help:"how often the service checks for due feeds" default:"10s"`
	CheckpointSaveInterval int           `help:"persist checkpoints every this many processed records" default:"100"`
}

// Options carry the optional collaborators handed to every pipeline.
type Options struct {
	Notifier    pipeline.Notifier
	Reporter    progress.Reporter
	Checkpoints checkpoint.Store
	Operations  func() []pipeline.Operation
}

// Result aggregates one collection run across feeds, keyed by adapter name.
type Result struct {
	Stats  map[string]*pipeline.Stats `json:"stats"`
	Runs   map[string]*feed.Run       `json:"runs"`
	Errors map[string]string          `json:"errors,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// TotalProcessed sums processed counters across feeds.
func (result *Result) TotalProcessed() int { return result.total(func(s *pipeline.Stats) int { return s.Processed }) }

// TotalNew sums new-record counters across feeds.
func (result *Result) TotalNew() int { return result.total(func(s *pipeline.Stats) int { return s.New }) }

// TotalDuplicates sums duplicate counters across feeds.
func (result *Result) TotalDuplicates() int {
	return result.total(func(s *pipeline.Stats) int { return s.Duplicates })
}

// TotalErrors sums error counters across feeds.
func (result *Result) TotalErrors() int { return result.total(func(s *pipeline.Stats) int { return s.Errors }) }

func (result *Result) total(counter func(*pipeline.Stats) int) (total int) {
	for _, stats := range result.Stats {
		total += counter(stats)
	}
	return total
}

// Success reports whether every feed completed with zero errors. Callers
// decide policy on partial failure.
func (result *Result) Success() bool {
	return len(result.Errors) == 0 && result.TotalErrors() == 0
}

// FeedSuccess reports whether one feed completed with zero errors.
func (result *Result) FeedSuccess(feedName string) bool {
	if _, failed := result.Errors[feedName]; failed {
		return false
	}
	stats, ok := result.Stats[feedName]
	return ok && stats.Errors == 0
}

// Collector is the orchestrator: it owns the adapter set and constructs one
// pipeline per feed run over the shared records store.
type Collector struct {
	log     *zap.Logger
	records storage.Records
	config  Config
	opts    Options

	mu       sync.Mutex
	adapters map[string]adapter.Adapter
}

// New creates a Collector.
func New(log *zap.Logger, records storage.Records, config Config, opts Options) *Collector {
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.CheckpointSaveInterval < 1 {
		config.CheckpointSaveInterval = 100
	}
	return &Collector{
		log:      log,
		records:  records,
		config:   config,
		opts:     opts,
		adapters: map[string]adapter.Adapter{},
	}
}

// Register adds an adapter under its name.
func (collector *Collector) Register(adp adapter.Adapter) error {
	collector.mu.Lock()
	defer collector.mu.Unlock()
	if _, ok := collector.adapters[adp.Name()]; ok {
		return adapter.ErrAlreadyRegistered.New("%q", adp.Name())
	}
	collector.adapters[adp.Name()] = adp
	return nil
}

// Adapters lists the registered adapter names in sorted order.
func (collector *Collector) Adapters() []string {
	collector.mu.Lock()
	defer collector.mu.Unlock()
	names := make([]string, 0, len(collector.adapters))
	for name := range collector.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AdapterInfo returns the summary info of a registered adapter.
func (collector *Collector) AdapterInfo(name string) (adapter.Info, error) {
	collector.mu.Lock()
	adp, ok := collector.adapters[name]
	collector.mu.Unlock()
	if !ok {
		return adapter.Info{}, Error.New("adapter %q is not registered", name)
	}
	return adp.Info(), nil
}

// Collect runs the pipeline for the selected feeds, or all registered feeds
// when none are named. Per-feed failures are recorded and do not stop the
// remaining feeds. Feeds run through a bounded worker pool; ordering across
// feeds is not guaranteed.
func (collector *Collector) Collect(ctx context.Context, feeds ...string) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	selected, err := collector.selectAdapters(feeds)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Stats:     map[string]*pipeline.Stats{},
		Runs:      map[string]*feed.Run{},
		Errors:    map[string]string{},
		StartedAt: time.Now().UTC(),
	}
	var resultMu sync.Mutex

	limiter := sync2.NewLimiter(collector.config.Concurrency)
	for _, adp := range selected {
		adp := adp
		started := limiter.Go(ctx, func() {
			stats, run, err := collector.runFeed(ctx, adp)
			resultMu.Lock()
			defer resultMu.Unlock()
			result.Stats[adp.Name()] = stats
			if run != nil {
				result.Runs[adp.Name()] = run
			}
			if err != nil {
				result.Errors[adp.Name()] = err.Error()
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	result.CompletedAt = time.Now().UTC()
	return result, nil
}

func (collector *Collector) selectAdapters(feeds []string) ([]adapter.Adapter, error) {
	collector.mu.Lock()
	defer collector.mu.Unlock()

	if len(feeds) == 0 {
		feeds = make([]string, 0, len(collector.adapters))
		for name := range collector.adapters {
			feeds = append(feeds, name)
		}
		sort.Strings(feeds)
	}

	selected := make([]adapter.Adapter, 0, len(feeds))
	for _, name := range feeds {
		adp, ok := collector.adapters[name]
		if !ok {
			return nil, Error.New("adapter %q is not registered", name)
		}
		selected = append(selected, adp)
	}
	return selected, nil
}

// runFeed initializes the adapter, runs one pipeline and always closes the
// adapter; close errors are swallowed.
func (collector *Collector) runFeed(ctx context.Context, adp adapter.Adapter) (stats *pipeline.Stats, run *feed.Run, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := adp.Initialize(ctx); err != nil {
		return nil, nil, Error.New("initialize %q: %w", adp.Name(), err)
	}
	defer func() {
		if closeErr := adp.Close(); closeErr != nil {
			collector.log.Debug("adapter close failed",
				zap.String("adapter", adp.Name()), zap.Error(closeErr))
		}
	}()

	run, err = feed.NewRun(adp.Name(), time.Now())
	if err != nil {
		return nil, nil, err
	}

	opts := pipeline.Options{
		Notifier: collector.opts.Notifier,
		Reporter: collector.opts.Reporter,
	}
	if collector.opts.Operations != nil {
		opts.Operations = collector.opts.Operations()
	}
	if collector.opts.Checkpoints != nil {
		manager := checkpoint.NewManager(collector.opts.Checkpoints, collector.config.CheckpointSaveInterval)
		resumable, err := collector.opts.Checkpoints.ListIncomplete(ctx, adp.Name())
		switch {
		case err != nil:
			collector.log.Warn("checkpoint listing failed",
				zap.String("adapter", adp.Name()), zap.Error(err))
		case len(resumable) > 0:
			// a failed resume falls back to a fresh checkpoint
			if _, err := manager.Resume(ctx, resumable[0].CollectionID); err != nil {
				collector.log.Warn("checkpoint resume failed",
					zap.String("adapter", adp.Name()),
					zap.String("collection_id", resumable[0].CollectionID),
					zap.Error(err))
			}
		}
		opts.Checkpoints = manager
	}

	pipe := pipeline.New(collector.log.Named(adp.Name()), collector.records, opts)
	stats, err = pipe.Run(ctx, adp, run)
	if err != nil {
		collector.log.Error("feed collection failed",
			zap.String("adapter", adp.Name()), zap.Error(err))
		return stats, run, err
	}
	collector.log.Info("feed collected",
		zap.String("adapter", adp.Name()),
		zap.Int("processed", stats.Processed),
		zap.Int("new", stats.New),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("errors", stats.Errors),
		zap.Duration("duration", stats.Duration))
	return stats, run, nil
}

// Query is the per-feed record passthrough: it restricts a query to records
// captured from feedName.
func (collector *Collector) Query(ctx context.Context, feedName string, opts storage.QueryOptions) (_ []*feed.Record, err error) {
	defer mon.Task()(&ctx)(&err)

	opts.Filters = append(opts.Filters, storage.Filter{Field: "source", Op: storage.OpEq, Value: feedName})
	return collector.records.Query(ctx, opts)
}

// Close closes every registered adapter, combining their errors.
func (collector *Collector) Close() error {
	collector.mu.Lock()
	defer collector.mu.Unlock()

	var group errs.Group
	for _, adp := range collector.adapters {
		group.Add(adp.Close())
	}
	return Error.Wrap(group.Err())
}
