// Package kv defines the persisted key-value contract the cache is built on.
//
// Implementations only promise single-key atomicity: a Set either replaces the
// whole value or leaves the old one in place. There are no transactions across
// keys.
package kv

import "errors"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv store closed")

// Storage is the persisted storage collaborator.
// Get returns ok=false and a nil error for a missing key.
type Storage interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Remove(key string) error
	Close() error
}
