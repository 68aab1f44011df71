// Package crdtstorage persists collection snapshots in a go-datastore, so a
// replica can be restarted without losing its state or reusing counters.
package crdtstorage

import (
	"cmp"
	"context"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pkg/errors"

	"github.com/concordant/c-sudoku/mvcrdt/common"
	"github.com/concordant/c-sudoku/mvcrdt/crdt"
	"github.com/concordant/c-sudoku/mvcrdt/crdtpubsub"
)

var logger = logging.Logger("mvcrdt/crdtstorage")

// NewMemoryDatastore returns a thread-safe in-memory datastore.
func NewMemoryDatastore() ds.Batching {
	return dssync.MutexWrap(ds.NewMapDatastore())
}

// SnapshotStore saves and restores collection snapshots, one key per
// collection name.
type SnapshotStore[K cmp.Ordered, T comparable] struct {
	store     ds.Datastore
	namespace ds.Key
}

// NewSnapshotStore creates a store writing under opts.Namespace.
func NewSnapshotStore[K cmp.Ordered, T comparable](store ds.Datastore, opts *Options) *SnapshotStore[K, T] {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &SnapshotStore[K, T]{
		store:     store,
		namespace: ds.NewKey(opts.Namespace),
	}
}

// NewMemoryStore creates a store backed by NewMemoryDatastore.
func NewMemoryStore[K cmp.Ordered, T comparable]() *SnapshotStore[K, T] {
	return NewSnapshotStore[K, T](NewMemoryDatastore(), nil)
}

func (s *SnapshotStore[K, T]) key(name string) ds.Key {
	return s.namespace.ChildString(name)
}

// Save stores the current state of collection, replacing any previous snapshot.
func (s *SnapshotStore[K, T]) Save(ctx context.Context, collection *crdt.Collection[K, T]) error {
	state := collection.State()
	data, err := crdtpubsub.EncodeState(state, crdtpubsub.EncodingFormatJSON)
	if err != nil {
		return err
	}

	if err := s.store.Put(ctx, s.key(state.Name), data); err != nil {
		return errors.Wrapf(err, "failed to save collection %s", state.Name)
	}

	logger.Debugf("saved collection %s of replica %s (%d bytes)", state.Name, state.Replica, len(data))
	return nil
}

// Load returns the stored snapshot of the named collection.
// common.ErrNotFound is returned if nothing was saved.
func (s *SnapshotStore[K, T]) Load(ctx context.Context, name string) (crdt.CollectionState[K, T], error) {
	data, err := s.store.Get(ctx, s.key(name))
	if errors.Is(err, ds.ErrNotFound) {
		return crdt.CollectionState[K, T]{}, common.ErrNotFound{Message: "collection " + name}
	}
	if err != nil {
		return crdt.CollectionState[K, T]{}, errors.Wrapf(err, "failed to load collection %s", name)
	}

	return crdtpubsub.DecodeState[K, T](data, crdtpubsub.EncodingFormatJSON)
}

// Restore merges the stored snapshot into collection and advances the
// replica's clock past every counter the replica has already used. It
// reports false if nothing was saved.
func (s *SnapshotStore[K, T]) Restore(ctx context.Context, collection *crdt.Collection[K, T]) (bool, error) {
	state, err := s.Load(ctx, collection.Name())
	var notFound common.ErrNotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := collection.MergeState(state); err != nil {
		return false, errors.Wrapf(err, "failed to restore collection %s", state.Name)
	}

	replica := collection.Replica()
	collection.Clock().Observe(collection.VersionVector().Get(replica))

	logger.Infof("restored collection %s of replica %s, clock at %d", state.Name, replica, collection.Clock().Last())
	return true, nil
}

// Delete removes the stored snapshot of the named collection.
func (s *SnapshotStore[K, T]) Delete(ctx context.Context, name string) error {
	if err := s.store.Delete(ctx, s.key(name)); err != nil {
		return errors.Wrapf(err, "failed to delete collection %s", name)
	}
	return nil
}

// Names returns the names of the stored collections.
func (s *SnapshotStore[K, T]) Names(ctx context.Context) ([]string, error) {
	results, err := s.store.Query(ctx, dsq.Query{
		Prefix:   s.namespace.String(),
		KeysOnly: true,
		Orders:   []dsq.Order{dsq.OrderByKey{}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query snapshots")
	}
	defer results.Close()

	entries, err := results.Rest()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query snapshots")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, ds.RawKey(e.Key).BaseNamespace())
	}
	return names, nil
}
