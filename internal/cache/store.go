// Package cache is the durable local store backing every component while the
// network is away. It is a dumb key-value map with prefix listing; all
// business logic lives with the owners of the respective key slices.
package cache

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("cache: key not found")

// Entry is a key with its stored value.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the boundary the sync core needs from durable local storage.
// Writes are eventually durable; callers must not assume a synchronous
// flush. Each component owns a disjoint key prefix, so no two components
// ever write the same key.
type Store interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error

	// ListByPrefix returns all entries under prefix in ascending key order.
	// Key layout encodes creation order where ordering matters.
	ListByPrefix(prefix string) ([]Entry, error)

	Close() error
}
