// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package checkpoint

import (
	"context"
	"net/url"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/zeebo/errs"
)

const redisKeyPrefix = "feedspine:checkpoint:"

// RedisStore keeps checkpoints in redis, for runs shared across hosts.
type RedisStore struct {
	db *redis.Client
}

// OpenRedisStore connects to redis at address, verifying the connection.
func OpenRedisStore(ctx context.Context, address, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %w", errs.Combine(err, client.Close()))
	}
	return &RedisStore{db: client}, nil
}

// OpenRedisStoreFrom connects using a redis:// URL with optional password and
// db query parameters.
func OpenRedisStoreFrom(ctx context.Context, address string) (*RedisStore, error) {
	redisurl, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if redisurl.Scheme != "redis" {
		return nil, Error.New("not a redis:// formatted address: %q", address)
	}
	q := redisurl.Query()
	db := 0
	if q.Get("db") != "" {
		db, err = strconv.Atoi(q.Get("db"))
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return OpenRedisStore(ctx, redisurl.Host, q.Get("password"), db)
}

// Close closes the redis connection.
func (store *RedisStore) Close() error {
	return Error.Wrap(store.db.Close())
}

// Save implements Store.
func (store *RedisStore) Save(ctx context.Context, checkpoint *Checkpoint) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := checkpoint.Marshal()
	if err != nil {
		return err
	}
	return Error.Wrap(store.db.Set(ctx, redisKeyPrefix+checkpoint.CollectionID, data, 0).Err())
}

// Load implements Store.
func (store *RedisStore) Load(ctx context.Context, collectionID string) (_ *Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := store.db.Get(ctx, redisKeyPrefix+collectionID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return Unmarshal(data)
}

// Delete implements Store.
func (store *RedisStore) Delete(ctx context.Context, collectionID string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	removed, err := store.db.Del(ctx, redisKeyPrefix+collectionID).Result()
	return removed > 0, Error.Wrap(err)
}

// ListIncomplete implements Store.
func (store *RedisStore) ListIncomplete(ctx context.Context, feedName string) (_ []*Checkpoint, err error) {
	defer mon.Task()(&ctx)(&err)

	var incomplete []*Checkpoint
	iter := store.db.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := store.db.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
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
	if err := iter.Err(); err != nil {
		return nil, Error.Wrap(err)
	}
	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].CollectionID < incomplete[j].CollectionID
	})
	return incomplete, nil
}
