// Package crdtsync keeps the collections of several replicas converged by
// periodically publishing full snapshots over a crdtpubsub.PubSub and merging
// the snapshots published by others.
package crdtsync

import (
	"cmp"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/concordant/c-sudoku/mvcrdt/common"
	"github.com/concordant/c-sudoku/mvcrdt/crdt"
	"github.com/concordant/c-sudoku/mvcrdt/crdtpubsub"
)

var logger = logging.Logger("mvcrdt/crdtsync")

// DefaultSyncInterval is the period between two publications of a replica.
const DefaultSyncInterval = 3 * time.Second

// Options configures a SyncManager.
type Options struct {
	// Topic is the pub/sub topic. Empty means the collection name.
	Topic string
	// SyncInterval is the period of the publish loop.
	SyncInterval time.Duration
	// Format is the snapshot encoding.
	Format crdtpubsub.EncodingFormat
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		SyncInterval: DefaultSyncInterval,
		Format:       crdtpubsub.EncodingFormatJSON,
	}
}

// ChangeHandler is called with the name of a map after a received snapshot
// changed it.
type ChangeHandler func(name string)

// SyncManager synchronizes one collection with the other replicas listening
// on the same topic. Delivery may be lost, duplicated or reordered; merging
// makes every case converge.
type SyncManager[K cmp.Ordered, T comparable] struct {
	// collection is the local replica's state.
	collection *crdt.Collection[K, T]

	// pubsub carries the snapshots.
	pubsub crdtpubsub.PubSub

	options      Options
	subscriberID string

	// lastPublished is the version vector of the last published snapshot,
	// nil when the next publication must not be skipped.
	lastPublished common.VersionVector

	// connected is false while the replica simulates being offline.
	connected bool

	handlers []ChangeHandler

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	// mutex protects every field above.
	mutex sync.RWMutex
}

// NewSyncManager creates a stopped, connected SyncManager.
func NewSyncManager[K cmp.Ordered, T comparable](collection *crdt.Collection[K, T], ps crdtpubsub.PubSub, opts *Options) *SyncManager[K, T] {
	options := NewOptions()
	if opts != nil {
		options.Topic = opts.Topic
		if opts.SyncInterval > 0 {
			options.SyncInterval = opts.SyncInterval
		}
		if opts.Format != "" {
			options.Format = opts.Format
		}
	}
	if options.Topic == "" {
		options.Topic = collection.Name()
	}

	return &SyncManager[K, T]{
		collection:   collection,
		pubsub:       ps,
		options:      *options,
		subscriberID: fmt.Sprintf("%s/%s", collection.Replica(), uuid.NewString()),
		connected:    true,
	}
}

// Collection returns the synchronized collection.
func (sm *SyncManager[K, T]) Collection() *crdt.Collection[K, T] {
	return sm.collection
}

// Topic returns the pub/sub topic.
func (sm *SyncManager[K, T]) Topic() string {
	return sm.options.Topic
}

// OnChange registers a handler called after a received snapshot changed a map.
// Handlers run on the receiving goroutine.
func (sm *SyncManager[K, T]) OnChange(handler ChangeHandler) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.handlers = append(sm.handlers, handler)
}

// Start subscribes to the topic, publishes the current state and starts the
// publish loop.
func (sm *SyncManager[K, T]) Start(ctx context.Context) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if sm.running {
		return fmt.Errorf("sync manager is already running")
	}

	sm.ctx, sm.cancel = context.WithCancel(ctx)
	if err := sm.pubsub.Subscribe(sm.ctx, sm.options.Topic, sm.subscriberID, sm.handleMessage); err != nil {
		sm.cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", sm.options.Topic, err)
	}
	sm.running = true

	sm.wg.Add(1)
	go sm.periodicSync()

	logger.Infof("replica %s syncing collection %s on %s every %s",
		sm.collection.Replica(), sm.collection.Name(), sm.options.Topic, sm.options.SyncInterval)
	return nil
}

// Stop unsubscribes and stops the publish loop. Stopping a stopped manager is
// a no-op.
func (sm *SyncManager[K, T]) Stop() error {
	sm.mutex.Lock()
	if !sm.running {
		sm.mutex.Unlock()
		return nil
	}
	sm.running = false
	sm.cancel()
	sm.mutex.Unlock()

	sm.wg.Wait()

	if err := sm.pubsub.Unsubscribe(context.Background(), sm.options.Topic, sm.subscriberID); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", sm.options.Topic, err)
	}
	return nil
}

// Connected reports whether the replica exchanges snapshots.
func (sm *SyncManager[K, T]) Connected() bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	return sm.connected
}

// Disconnect takes the replica offline: nothing is published and received
// snapshots are dropped. Local writes still go to the collection.
func (sm *SyncManager[K, T]) Disconnect() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	sm.connected = false
	logger.Infof("replica %s disconnected", sm.collection.Replica())
}

// Connect brings the replica back online and publishes its state at once.
func (sm *SyncManager[K, T]) Connect(ctx context.Context) error {
	sm.mutex.Lock()
	sm.connected = true
	sm.mutex.Unlock()

	logger.Infof("replica %s connected", sm.collection.Replica())
	return sm.Republish(ctx)
}

// Publish publishes the collection snapshot unless nothing was written or
// merged since the last publication.
func (sm *SyncManager[K, T]) Publish(ctx context.Context) error {
	return sm.publish(ctx, false)
}

// Republish publishes the collection snapshot unconditionally.
func (sm *SyncManager[K, T]) Republish(ctx context.Context) error {
	return sm.publish(ctx, true)
}

func (sm *SyncManager[K, T]) publish(ctx context.Context, force bool) error {
	sm.mutex.RLock()
	connected := sm.connected
	last := sm.lastPublished
	sm.mutex.RUnlock()

	if !connected {
		return nil
	}

	state := sm.collection.State()
	vv := state.VersionVector()
	if !force && last != nil && !vv.HasUpdates(last) {
		return nil
	}

	env, err := crdtpubsub.NewEnvelope(sm.collection.Replica(), state, sm.options.Format)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if err := sm.pubsub.PublishRaw(ctx, sm.options.Topic, data, sm.options.Format); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	sm.mutex.Lock()
	sm.lastPublished = vv
	sm.mutex.Unlock()

	logger.Debugf("replica %s published %s", sm.collection.Replica(), vv)
	return nil
}

// periodicSync publishes on every tick until the manager is stopped.
func (sm *SyncManager[K, T]) periodicSync() {
	defer sm.wg.Done()

	if err := sm.Publish(sm.ctx); err != nil {
		logger.Warnf("initial publish failed: %v", err)
	}

	ticker := time.NewTicker(sm.options.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			if err := sm.Publish(sm.ctx); err != nil {
				logger.Warnf("periodic publish failed: %v", err)
			}
		}
	}
}

// handleMessage merges a snapshot received from another replica.
func (sm *SyncManager[K, T]) handleMessage(ctx context.Context, topic string, data []byte, format crdtpubsub.EncodingFormat) error {
	if !sm.Connected() {
		logger.Debugf("replica %s offline, dropping snapshot", sm.collection.Replica())
		return nil
	}

	env, err := crdtpubsub.UnmarshalEnvelope(data)
	if err != nil {
		return err
	}
	if env.Origin == sm.collection.Replica() || env.Collection != sm.collection.Name() {
		return nil
	}

	state, err := crdtpubsub.OpenEnvelope[K, T](env)
	if err != nil {
		return err
	}

	before := make(map[string]common.VersionVector, len(state.Maps))
	for _, ms := range state.Maps {
		if m, ok := sm.collection.Lookup(ms.Name); ok {
			before[ms.Name] = m.VersionVector()
		} else {
			before[ms.Name] = common.NewVersionVector()
		}
	}
	local := sm.collection.VersionVector()

	if err := sm.collection.MergeState(state); err != nil {
		return fmt.Errorf("failed to merge snapshot from %s: %w", env.Origin, err)
	}

	// The sender misses some of our writes: do not skip the next publication.
	if local.HasUpdates(state.VersionVector()) {
		sm.mutex.Lock()
		sm.lastPublished = nil
		sm.mutex.Unlock()
	}

	var changed []string
	for _, ms := range state.Maps {
		m, _ := sm.collection.Lookup(ms.Name)
		if m.VersionVector().HasUpdates(before[ms.Name]) {
			changed = append(changed, ms.Name)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	logger.Debugf("replica %s merged snapshot from %s, changed %v", sm.collection.Replica(), env.Origin, changed)

	sm.mutex.RLock()
	handlers := append([]ChangeHandler(nil), sm.handlers...)
	sm.mutex.RUnlock()

	for _, name := range changed {
		for _, h := range handlers {
			h(name)
		}
	}
	return nil
}
