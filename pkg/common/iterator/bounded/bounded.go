// Package bounded limits an iterator to a half-open key range
package bounded

import (
	"bytes"

	"github.com/KevoDB/triekv/pkg/common/iterator"
)

// BoundedIterator wraps an iterator and limits it to the range [start, end).
// A nil bound is unbounded on that side.
type BoundedIterator struct {
	iterator.Iterator
	start []byte
	end   []byte
	// exhausted is set when a seek lands past the end bound
	exhausted bool
}

// NewBoundedIterator creates a new bounded iterator
func NewBoundedIterator(iter iterator.Iterator, startKey, endKey []byte) *BoundedIterator {
	bi := &BoundedIterator{Iterator: iter}
	bi.SetBounds(startKey, endKey)
	return bi
}

// NewPrefixIterator limits iter to the keys starting with prefix
func NewPrefixIterator(iter iterator.Iterator, prefix []byte) *BoundedIterator {
	return NewBoundedIterator(iter, prefix, PrefixEnd(prefix))
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] != 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// SetBounds sets the start and end bounds for the iterator
func (b *BoundedIterator) SetBounds(start, end []byte) {
	b.start, b.end = nil, nil
	b.exhausted = false
	if start != nil {
		b.start = append([]byte{}, start...)
	}
	if end != nil {
		b.end = append([]byte{}, end...)
	}
}

// SeekToFirst positions at the first key in the bounded range
func (b *BoundedIterator) SeekToFirst() bool {
	b.exhausted = false
	if b.start != nil {
		b.Iterator.Seek(b.start)
	} else {
		b.Iterator.SeekToFirst()
	}
	return b.checkBounds()
}

// Seek positions at the first key >= target within bounds
func (b *BoundedIterator) Seek(target []byte) bool {
	if b.start != nil && bytes.Compare(target, b.start) < 0 {
		target = b.start
	}
	if b.end != nil && bytes.Compare(target, b.end) >= 0 {
		b.exhausted = true
		return false
	}
	b.exhausted = false
	b.Iterator.Seek(target)
	return b.checkBounds()
}

// Next advances to the next key within bounds
func (b *BoundedIterator) Next() bool {
	if !b.checkBounds() {
		return false
	}
	b.Iterator.Next()
	return b.checkBounds()
}

// Valid returns true if the iterator is positioned at a valid entry within bounds
func (b *BoundedIterator) Valid() bool {
	return b.checkBounds()
}

// Key returns the current key if within bounds
func (b *BoundedIterator) Key() []byte {
	if !b.Valid() {
		return nil
	}
	return b.Iterator.Key()
}

// Value returns the current value if within bounds
func (b *BoundedIterator) Value() []byte {
	if !b.Valid() {
		return nil
	}
	return b.Iterator.Value()
}

// checkBounds reports whether the wrapped iterator sits inside the range
func (b *BoundedIterator) checkBounds() bool {
	if b.exhausted || !b.Iterator.Valid() {
		return false
	}
	key := b.Iterator.Key()
	if b.start != nil && bytes.Compare(key, b.start) < 0 {
		return false
	}
	if b.end != nil && bytes.Compare(key, b.end) >= 0 {
		return false
	}
	return true
}
