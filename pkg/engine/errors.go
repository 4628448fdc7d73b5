package engine

import (
	"errors"
	"fmt"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/KevoDB/triekv/pkg/codec"
	"github.com/KevoDB/triekv/pkg/header"
	"github.com/KevoDB/triekv/pkg/heap"
	"github.com/KevoDB/triekv/pkg/trie"
)

var (
	// ErrNotFound is returned when a key, or the database itself, does not exist
	ErrNotFound = errors.New("not found")
	// ErrWriterBusy is returned when another writer session holds the database
	ErrWriterBusy = errors.New("database is locked by another writer")
	// ErrOutOfSpace is returned when an arena cannot grow
	ErrOutOfSpace = arena.ErrOutOfSpace
	// ErrCorruptDatabase is returned when persisted structures fail validation
	ErrCorruptDatabase = errors.New("database is corrupt")
	// ErrQueueFull is returned by TryAdd when the async queue has no room
	ErrQueueFull = errors.New("async queue is full")
	// ErrClosed is returned for operations on a closed session
	ErrClosed = errors.New("database is closed")
	// ErrReadOnly is returned for mutations through a reader session
	ErrReadOnly = errors.New("database is open read-only")
	// ErrKeyTooLarge is returned for keys longer than the configured limit
	ErrKeyTooLarge = errors.New("key too large")
	// ErrKeyExists is returned by Insert when the key is already stored
	ErrKeyExists = errors.New("key already exists")
	// ErrValueTooLarge is returned for values longer than the configured limit
	ErrValueTooLarge = errors.New("value too large")
	// ErrInvalidMode is returned by Open for an unknown mode
	ErrInvalidMode = errors.New("invalid open mode")
)

// translate maps errors of the storage packages onto the session errors.
// Errors that already carry a session sentinel pass through unchanged.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, trie.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, trie.ErrExists):
		return ErrKeyExists
	case errors.Is(err, trie.ErrKeyTooLarge):
		return fmt.Errorf("%w: %v", ErrKeyTooLarge, err)
	case errors.Is(err, heap.ErrValueTooLarge), errors.Is(err, arena.ErrTooLarge):
		return fmt.Errorf("%w: %v", ErrValueTooLarge, err)
	case errors.Is(err, arena.ErrOutOfSpace):
		return err
	case errors.Is(err, arena.ErrReadOnly), errors.Is(err, header.ErrReadOnly):
		return ErrReadOnly
	case errors.Is(err, trie.ErrCorrupt),
		errors.Is(err, arena.ErrBadBlock),
		errors.Is(err, arena.ErrOutOfRange),
		errors.Is(err, arena.ErrBadPreamble),
		errors.Is(err, codec.ErrInvalidCompressedData),
		errors.Is(err, codec.ErrUnknownCodec),
		errors.Is(err, header.ErrCorrupt):
		if errors.Is(err, ErrCorruptDatabase) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCorruptDatabase, err)
	default:
		return err
	}
}

// errorType names an error for statistics
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrWriterBusy):
		return "writer_busy"
	case errors.Is(err, ErrOutOfSpace):
		return "out_of_space"
	case errors.Is(err, ErrCorruptDatabase):
		return "corrupt"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrKeyExists):
		return "key_exists"
	case errors.Is(err, ErrKeyTooLarge):
		return "key_too_large"
	case errors.Is(err, ErrValueTooLarge):
		return "value_too_large"
	case errors.Is(err, ErrReadOnly):
		return "read_only"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "other"
	}
}
