// Package interfaces declares the contracts between the database session and
// the packages that serve it (RPC, HTTP, backup).
package interfaces

import (
	"context"

	"github.com/KevoDB/triekv/pkg/common/iterator"
)

// Reader is the read side of a database session
type Reader interface {
	// Find returns a copy of the value stored for key
	Find(key []byte) ([]byte, error)

	// FindLongestPrefix returns the longest stored key that is a prefix of
	// key, together with its value
	FindLongestPrefix(key []byte) ([]byte, []byte, error)

	// Prefix iterates over the keys starting with prefix in byte order
	Prefix(prefix []byte) iterator.Iterator

	// Range iterates over the keys in [start, end); nil bounds are open
	Range(start, end []byte) iterator.Iterator

	// Count returns the number of stored keys
	Count() (uint64, error)

	// Version returns the committed version
	Version() uint64
}

// Writer is the mutation side of a database session
type Writer interface {
	Add(key, value []byte) error
	AddContext(ctx context.Context, key, value []byte) error
	// Insert stores value only when key is absent, failing with ErrKeyExists
	Insert(key, value []byte) error
	Remove(key []byte) error
	RemoveAll() error
	Flush() error
}

// Engine is a complete database session
type Engine interface {
	Reader
	Writer

	// Stats returns a snapshot of the session statistics
	Stats() map[string]interface{}

	// ReadOnly reports whether mutations are rejected
	ReadOnly() bool

	Close() error
}
