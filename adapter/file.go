// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/fetch"
)

// Snapshot is a content-hashed capture of a full source file.
type Snapshot struct {
	Path        string            `json:"path"`
	ContentHash string            `json:"content_hash"`
	FetchedAt   time.Time         `json:"fetched_at"`
	RowCount    int               `json:"row_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Row is one parsed entry of a snapshot file.
type Row struct {
	Key         string
	PublishedAt time.Time
	Content     feed.Content
}

// ParseRows parses a downloaded snapshot file into rows.
type ParseRows func(path string) ([]Row, error)

// FileSource fetches the upstream file into destPath. The HTTP source uses
// fetch.Client.Download; tests substitute local writers.
type FileSource interface {
	Fetch(ctx context.Context, destPath string) error
}

// HTTPFileSource downloads the file over HTTP.
type HTTPFileSource struct {
	Client *fetch.Client
	URL    string
}

// Fetch implements FileSource.
func (source *HTTPFileSource) Fetch(ctx context.Context, destPath string) error {
	_, err := source.Client.Download(ctx, source.URL, destPath)
	return err
}

// FileSnapshotAdapter downloads a complete file per fetch. When the file's
// SHA-256 matches the previous snapshot it emits zero items; otherwise one
// candidate per parsed row, each carrying its row index.
type FileSnapshotAdapter struct {
	*Base
	log    *zap.Logger
	source FileSource
	dir    string
	parse  ParseRows

	last *Snapshot
}

// NewFileSnapshotAdapter creates a file snapshot adapter downloading into dir.
func NewFileSnapshotAdapter(log *zap.Logger, name, sourceURL string, requestsPerSecond float64, source FileSource, dir string, parse ParseRows) *FileSnapshotAdapter {
	return &FileSnapshotAdapter{
		Base:   NewBase(name, sourceURL, requestsPerSecond),
		log:    log,
		source: source,
		dir:    dir,
		parse:  parse,
	}
}

// LastSnapshot returns the most recent snapshot, or nil before the first
// fetch. Snapshot state lives only for the adapter's lifetime.
func (adapter *FileSnapshotAdapter) LastSnapshot() *Snapshot { return adapter.last }

// Fetch implements Adapter.
func (adapter *FileSnapshotAdapter) Fetch(ctx context.Context) (_ Cursor, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, snapshot, changed, err := adapter.fetchRows(ctx)
	if err != nil {
		return nil, err
	}
	if !changed {
		adapter.log.Debug("snapshot unchanged",
			zap.String("adapter", adapter.Name()),
			zap.String("hash", snapshot.ContentHash))
		adapter.RecordFetch(0)
		return NewSliceCursor(nil), nil
	}

	candidates := adapter.rowCandidates(rows)
	adapter.RecordFetch(len(candidates))
	return NewSliceCursor(candidates), nil
}

// fetchRows downloads, hashes and parses the file, updating the snapshot.
// changed is false when the content hash equals the previous snapshot's.
func (adapter *FileSnapshotAdapter) fetchRows(ctx context.Context) (rows []Row, snapshot *Snapshot, changed bool, err error) {
	if err := adapter.Pace(ctx); err != nil {
		return nil, nil, false, err
	}

	path := filepath.Join(adapter.dir, adapter.Name()+".snapshot")
	if err := adapter.source.Fetch(ctx, path); err != nil {
		return nil, nil, false, Error.New("%s: %w", adapter.Name(), err)
	}

	hash, err := hashFile(path)
	if err != nil {
		return nil, nil, false, Error.New("%s: %w", adapter.Name(), err)
	}

	if adapter.last != nil && adapter.last.ContentHash == hash {
		return nil, adapter.last, false, nil
	}

	rows, err = adapter.parse(path)
	if err != nil {
		return nil, nil, false, Error.New("%s: %w", adapter.Name(), err)
	}

	adapter.last = &Snapshot{
		Path:        path,
		ContentHash: hash,
		FetchedAt:   time.Now().UTC(),
		RowCount:    len(rows),
	}
	return rows, adapter.last, true, nil
}

func (adapter *FileSnapshotAdapter) rowCandidates(rows []Row) []*feed.Candidate {
	candidates := make([]*feed.Candidate, 0, len(rows))
	for index, row := range rows {
		candidate, err := adapter.rowCandidate(row, index)
		if err != nil {
			adapter.RecordError()
			adapter.log.Warn("skipping invalid row",
				zap.String("adapter", adapter.Name()),
				zap.Int("row", index),
				zap.Error(ErrConversion.Wrap(err)))
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates
}

func (adapter *FileSnapshotAdapter) rowCandidate(row Row, index int) (*feed.Candidate, error) {
	publishedAt := row.PublishedAt
	if publishedAt.IsZero() {
		publishedAt = time.Now().UTC()
	}
	return feed.NewCandidate(row.Key, publishedAt, row.Content, feed.Metadata{
		Source:     adapter.Name(),
		SourceType: "file",
		CapturedAt: time.Now().UTC(),
		Extra:      map[string]string{"row_index": strconv.Itoa(index)},
	})
}

// hashFile returns the lowercase hex SHA-256 of the raw file bytes.
func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
