package engine

import (
	"bytes"

	"github.com/KevoDB/triekv/pkg/common/iterator"
	"github.com/KevoDB/triekv/pkg/common/iterator/bounded"
	"github.com/KevoDB/triekv/pkg/trie"
)

// Iterator walks the keys sharing a prefix in byte order.
//
// It does not pin a version. When the writer gets far enough ahead that the
// space under the cursor may have been reused, the iterator restarts on the
// live root just after the last key it returned, so a long scan sees every
// key that existed throughout the scan exactly once.
type Iterator struct {
	db     *DB
	prefix []byte

	cursor *trie.Cursor
	// snap is the version the cursor's root belongs to
	snap uint64

	key    []byte
	value  []byte
	valid  bool
	err    error
	closed bool
}

var _ iterator.Iterator = (*Iterator)(nil)

// Prefix returns an iterator over the keys starting with prefix. An empty
// prefix iterates over every key.
func (d *DB) Prefix(prefix []byte) iterator.Iterator {
	return &Iterator{db: d, prefix: append([]byte(nil), prefix...)}
}

// Range returns an iterator over the keys in [start, end). A nil bound is
// open on that side.
func (d *DB) Range(start, end []byte) iterator.Iterator {
	return bounded.NewBoundedIterator(d.Prefix(nil), start, end)
}

// SeekToFirst positions the iterator on the first key with the prefix
func (it *Iterator) SeekToFirst() bool {
	return it.move(it.prefix, true, false)
}

// Seek positions the iterator on the first key with the prefix that is >= target
func (it *Iterator) Seek(target []byte) bool {
	if bytes.Compare(target, it.prefix) < 0 {
		target = it.prefix
	}
	return it.move(target, true, false)
}

// Next advances to the following key
func (it *Iterator) Next() bool {
	if !it.valid {
		return false
	}
	return it.move(it.key, false, true)
}

// Key returns the current key
func (it *Iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.key
}

// Value returns the current value
func (it *Iterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.value
}

// Valid reports whether the iterator is positioned on a key
func (it *Iterator) Valid() bool {
	return it.valid
}

// Err returns the error that ended the iteration, if any
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the cursor
func (it *Iterator) Close() error {
	it.closed = true
	it.cursor = nil
	it.valid = false
	return nil
}

func (it *Iterator) stop(err error) bool {
	it.valid = false
	it.err = err
	return false
}

// move positions the iterator on the first key after target (at or after it
// when inclusive). With step set and a cursor still safe to use, the cursor
// simply advances.
func (it *Iterator) move(target []byte, inclusive, step bool) bool {
	if it.closed {
		return it.stop(ErrClosed)
	}
	d := it.db
	done, err := d.enter()
	if err != nil {
		return it.stop(err)
	}
	defer done()

	target = append([]byte(nil), target...)
	for {
		if it.cursor == nil || d.stale(it.snap) {
			it.snap = d.hdr.Version()
			it.cursor = trie.NewCursor(d.index, d.hdr.Root())
			step = false
		}

		var ok bool
		switch {
		case step:
			ok = it.cursor.Next()
		case inclusive:
			ok = it.cursor.Seek(target)
		default:
			ok = it.cursor.SeekAfter(target)
		}

		var value []byte
		if ok && bytes.HasPrefix(it.cursor.Key(), it.prefix) {
			value, err = d.heap.Load(it.cursor.Leaf().Ref)
		} else {
			err = it.cursor.Err()
		}

		if d.stale(it.snap) {
			// the cursor may have read reclaimed space
			it.cursor = nil
			d.stats.TrackReadRetry()
			continue
		}
		if err != nil {
			return it.stop(translate(err))
		}
		if !ok || !bytes.HasPrefix(it.cursor.Key(), it.prefix) {
			return it.stop(nil)
		}

		it.key = append(it.key[:0], it.cursor.Key()...)
		it.value = value
		it.valid = true
		it.err = nil
		return true
	}
}
