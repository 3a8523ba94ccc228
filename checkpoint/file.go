// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileStore keeps one JSON file per checkpoint under a directory. Saves are
// atomic: the document is written next to its destination and renamed over
// it.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, Error.Wrap(err)
	}
	return &FileStore{dir: dir}, nil
}

// sanitize maps a collection id to a filesystem-safe name: alphanumerics,
// '-' and '_' pass through, everything else becomes '_'.
func sanitize(collectionID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case 'a' <= r && r <= 'z', 'A' <= r && r <= 'Z', '0' <= r && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, collectionID)
}

func (store *FileStore) path(collectionID string) string {
	return filepath.Join(store.dir, sanitize(collectionID)+".json")
}

// Save implements Store.
func (store *FileStore) Save(ctx context.Context, checkpoint *Checkpoint) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := checkpoint.Marshal()
	if err != nil {
		return err
	}
	path := store.path(checkpoint.CollectionID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return Error.Wrap(err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return Error.Wrap(err)
	}
	return nil
}

// Load implements Store.
func (store *FileStore) Load(ctx context.Context, collectionID string) (_ *Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := os.ReadFile(store.path(collectionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return Unmarshal(data)
}

// Delete implements Store.
func (store *FileStore) Delete(ctx context.Context, collectionID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	err = os.Remove(store.path(collectionID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}

// ListIncomplete implements Store.
func (store *FileStore) ListIncomplete(ctx context.Context, feedName string) (_ []*Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var incomplete []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(store.dir, entry.Name()))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		checkpoint, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		if checkpoint.IsComplete {
			continue
		}
		if feedName != "" && checkpoint.FeedName != feedName {
			continue
		}
		incomplete = append(incomplete, checkpoint)
	}
	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].CollectionID < incomplete[j].CollectionID
	})
	return incomplete, nil
}
