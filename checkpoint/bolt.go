// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package checkpoint

import (
	"context"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"
)

var checkpointBucket = []byte("checkpoints")

const boltFileMode = 0600

// BoltStore keeps checkpoints in a single bolt database file.
type BoltStore struct {
	db   *bolt.DB
	Path string
}

// NewBoltStore opens or creates the bolt database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, boltFileMode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}
	return &BoltStore{db: db, Path: path}, nil
}

// Close closes the bolt database.
func (store *BoltStore) Close() error {
	return Error.Wrap(store.db.Close())
}

// Save implements Store.
func (store *BoltStore) Save(ctx context.Context, checkpoint *Checkpoint) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := checkpoint.Marshal()
	if err != nil {
		return err
	}
	return Error.Wrap(store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put([]byte(checkpoint.CollectionID), data)
	}))
}

// Load implements Store.
func (store *BoltStore) Load(ctx context.Context, collectionID string) (checkpoint *Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	err = store.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(checkpointBucket).Get([]byte(collectionID))
		if data == nil {
			return nil
		}
		checkpoint, err = Unmarshal(data)
		return err
	})
	return checkpoint, Error.Wrap(err)
}

// Delete implements Store.
func (store *BoltStore) Delete(ctx context.Context, collectionID string) (existed bool, err error) {
	defer mon.Task()(&ctx)(&err)

	err = store.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(checkpointBucket)
		existed = bucket.Get([]byte(collectionID)) != nil
		if !existed {
			return nil
		}
		return bucket.Delete([]byte(collectionID))
	})
	return existed, Error.Wrap(err)
}

// ListIncomplete implements Store.
func (store *BoltStore) ListIncomplete(ctx context.Context, feedName string) (_ []*Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	var incomplete []*Checkpoint
	err = store.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).ForEach(func(key, data []byte) error {
			checkpoint, err := Unmarshal(data)
			if err != nil {
				return err
			}
			if checkpoint.IsComplete {
				return nil
			}
			if feedName != "" && checkpoint.FeedName != feedName {
				return nil
			}
			incomplete = append(incomplete, checkpoint)
			return nil
		})
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].CollectionID < incomplete[j].CollectionID
	})
	return incomplete, nil
}
