package crdtstorage

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	"github.com/pkg/errors"
)

var _ ds.Datastore = (*RedisDatastore)(nil)
var _ ds.Batching = (*RedisDatastore)(nil)

// RedisDatastore is a go-datastore over plain Redis string keys.
// The client is owned by the caller and is not closed by Close.
type RedisDatastore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDatastore creates a datastore writing keys with opts.TTL.
func NewRedisDatastore(client *redis.Client, opts *Options) (*RedisDatastore, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}

	if opts == nil {
		opts = DefaultOptions()
	}

	return &RedisDatastore{
		client: client,
		ttl:    opts.TTL,
	}, nil
}

// Put stores value at key.
func (rd *RedisDatastore) Put(ctx context.Context, key ds.Key, value []byte) error {
	return rd.client.Set(ctx, key.String(), value, rd.ttl).Err()
}

// Get returns the value at key or ds.ErrNotFound.
func (rd *RedisDatastore) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	data, err := rd.client.Get(ctx, key.String()).Bytes()
	if err == redis.Nil {
		return nil, ds.ErrNotFound
	}
	return data, err
}

// Has reports whether key exists.
func (rd *RedisDatastore) Has(ctx context.Context, key ds.Key) (bool, error) {
	n, err := rd.client.Exists(ctx, key.String()).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSize returns the size of the value at key or ds.ErrNotFound.
func (rd *RedisDatastore) GetSize(ctx context.Context, key ds.Key) (int, error) {
	exists, err := rd.Has(ctx, key)
	if err != nil {
		return -1, err
	}
	if !exists {
		return -1, ds.ErrNotFound
	}

	size, err := rd.client.StrLen(ctx, key.String()).Result()
	if err != nil {
		return -1, err
	}
	return int(size), nil
}

// Delete removes key. Deleting a missing key is not an error.
func (rd *RedisDatastore) Delete(ctx context.Context, key ds.Key) error {
	return rd.client.Del(ctx, key.String()).Err()
}

// Query scans the keys under q.Prefix and applies the rest of q in memory.
func (rd *RedisDatastore) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	pattern := "*"
	if q.Prefix != "" {
		pattern = ds.NewKey(q.Prefix).String() + "*"
	}

	var keys []string
	var cursor uint64
	for {
		var batch []string
		var err error
		batch, cursor, err = rd.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	entries := make([]dsq.Entry, 0, len(keys))
	for _, key := range keys {
		entry := dsq.Entry{Key: key}
		if !q.KeysOnly {
			value, err := rd.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				// Expired or deleted since the scan
				continue
			}
			if err != nil {
				return nil, err
			}
			entry.Value = value
			entry.Size = len(value)
		}
		entries = append(entries, entry)
	}

	results := dsq.ResultsWithEntries(dsq.Query{KeysOnly: q.KeysOnly}, entries)
	return dsq.NaiveQueryApply(q, results), nil
}

// Batch returns a batch executed as one Redis pipeline.
func (rd *RedisDatastore) Batch(ctx context.Context) (ds.Batch, error) {
	return &redisBatch{
		ds:       rd,
		pipeline: rd.client.Pipeline(),
	}, nil
}

// Sync is a no-op: Redis persistence is configured on the server.
func (rd *RedisDatastore) Sync(ctx context.Context, prefix ds.Key) error {
	return nil
}

// Close is a no-op.
func (rd *RedisDatastore) Close() error {
	return nil
}

// redisBatch queues writes on a pipeline until Commit.
type redisBatch struct {
	ds       *RedisDatastore
	pipeline redis.Pipeliner
	size     int
}

func (rb *redisBatch) Put(ctx context.Context, key ds.Key, value []byte) error {
	rb.pipeline.Set(ctx, key.String(), value, rb.ds.ttl)
	rb.size++
	return nil
}

func (rb *redisBatch) Delete(ctx context.Context, key ds.Key) error {
	rb.pipeline.Del(ctx, key.String())
	rb.size++
	return nil
}

func (rb *redisBatch) Commit(ctx context.Context) error {
	if rb.size == 0 {
		return nil
	}

	if _, err := rb.pipeline.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to commit batch")
	}
	return nil
}
