package cachestore

import (
	"context"
	"errors"
	"io"
)

// ErrClosed is returned by backends that were closed.
var ErrClosed = errors.New("cache backend closed")

type KV struct {
	Key string
	V   []byte
}

// Backend is the raw key-value store behind a Storage.
// Implementations must be concurrent safe.
type Backend interface {
	// Get returns the value stored under key.
	// A missing key is reported by ok == false and a nil error.
	Get(ctx context.Context, key string) (v []byte, ok bool, err error)

	// StoreBatch stores every kv of b or none of them. Values are
	// owned by the backend after the call. Storing an existing key
	// replaces its value and keeps its position.
	StoreBatch(ctx context.Context, b []KV) error

	// Keys returns all keys that start with prefix, in the order they
	// were first stored.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Len() int

	io.Closer
}
