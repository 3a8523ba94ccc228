// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package adapter

import (
	"context"
	"reflect"
	"sort"

	"go.uber.org/zap"

	"github.com/feedspine/feedspine/feed"
)

// Diff is the keyed comparison of two snapshots.
type Diff struct {
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Modified  []string `json:"modified"`
	Unchanged []string `json:"unchanged"`
}

// Summary returns the per-category counts.
func (diff Diff) Summary() map[string]int {
	return map[string]int{
		"added":     len(diff.Added),
		"removed":   len(diff.Removed),
		"modified":  len(diff.Modified),
		"unchanged": len(diff.Unchanged),
	}
}

// DiffableFileAdapter keeps the previous and current parsed snapshots keyed
// by row key, so a fetch can emit only what changed.
type DiffableFileAdapter struct {
	*FileSnapshotAdapter

	previous map[string]Row
	current  map[string]Row
}

// NewDiffableFileAdapter creates a diffable file adapter.
func NewDiffableFileAdapter(log *zap.Logger, name, sourceURL string, requestsPerSecond float64, source FileSource, dir string, parse ParseRows) *DiffableFileAdapter {
	return &DiffableFileAdapter{
		FileSnapshotAdapter: NewFileSnapshotAdapter(log, name, sourceURL, requestsPerSecond, source, dir, parse),
	}
}

// Fetch implements Adapter, emitting every row of a changed snapshot and
// loading the current map for diffing.
func (adapter *DiffableFileAdapter) Fetch(ctx context.Context) (_ Cursor, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, _, changed, err := adapter.fetchRows(ctx)
	if err != nil {
		return nil, err
	}
	if !changed {
		adapter.current = adapter.previous
		adapter.RecordFetch(0)
		return NewSliceCursor(nil), nil
	}

	adapter.current = keyRows(rows)
	candidates := adapter.rowCandidates(rows)
	adapter.RecordFetch(len(candidates))
	return NewSliceCursor(candidates), nil
}

// FetchDiffOnly downloads the current snapshot and emits candidates only for
// rows added or modified since the previous committed snapshot.
func (adapter *DiffableFileAdapter) FetchDiffOnly(ctx context.Context) (_ Cursor, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, _, changed, err := adapter.fetchRows(ctx)
	if err != nil {
		return nil, err
	}
	if !changed {
		adapter.current = adapter.previous
		adapter.RecordFetch(0)
		return NewSliceCursor(nil), nil
	}

	adapter.current = keyRows(rows)
	diff := adapter.ComputeDiff()

	var emit []Row
	indexes := map[string]int{}
	for index, row := range rows {
		indexes[feed.NormalizeKey(row.Key)] = index
	}
	for _, key := range diff.Added {
		emit = append(emit, adapter.current[key])
	}
	for _, key := range diff.Modified {
		emit = append(emit, adapter.current[key])
	}

	candidates := make([]*feed.Candidate, 0, len(emit))
	for _, row := range emit {
		candidate, err := adapter.rowCandidate(row, indexes[feed.NormalizeKey(row.Key)])
		if err != nil {
			adapter.RecordError()
			adapter.log.Warn("skipping invalid row",
				zap.String("adapter", adapter.Name()),
				zap.Error(ErrConversion.Wrap(err)))
			continue
		}
		candidates = append(candidates, candidate)
	}
	adapter.RecordFetch(len(candidates))
	return NewSliceCursor(candidates), nil
}

// ComputeDiff compares the previous and current snapshots by row key.
func (adapter *DiffableFileAdapter) ComputeDiff() Diff {
	var diff Diff
	for key, row := range adapter.current {
		prev, ok := adapter.previous[key]
		switch {
		case !ok:
			diff.Added = append(diff.Added, key)
		case !reflect.DeepEqual(prev.Content, row.Content):
			diff.Modified = append(diff.Modified, key)
		default:
			diff.Unchanged = append(diff.Unchanged, key)
		}
	}
	for key := range adapter.previous {
		if _, ok := adapter.current[key]; !ok {
			diff.Removed = append(diff.Removed, key)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Modified)
	sort.Strings(diff.Unchanged)
	return diff
}

// CommitSnapshot promotes the current snapshot to previous for the next diff.
func (adapter *DiffableFileAdapter) CommitSnapshot() {
	adapter.previous = adapter.current
}

func keyRows(rows []Row) map[string]Row {
	keyed := make(map[string]Row, len(rows))
	for _, row := range rows {
		keyed[feed.NormalizeKey(row.Key)] = row
	}
	return keyed
}
