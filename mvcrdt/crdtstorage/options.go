package crdtstorage

import "time"

// Options configures snapshot storage.
type Options struct {
	// Namespace is the datastore key under which snapshots are stored.
	Namespace string
	// TTL is the expiry of keys written by RedisDatastore. Zero keeps keys forever.
	TTL time.Duration
}

// DefaultOptions returns the default options.
func DefaultOptions() *Options {
	return &Options{
		Namespace: "/mvcrdt/snapshots",
		TTL:       time.Hour * 24 * 7, // one week
	}
}
