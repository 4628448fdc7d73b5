// Package filtered provides iterators that skip keys failing a predicate
package filtered

import (
	"bytes"

	"github.com/KevoDB/triekv/pkg/common/iterator"
)

// KeyFilterFunc is a function type for filtering keys
type KeyFilterFunc func(key []byte) bool

// FilteredIterator wraps an iterator and applies a key filter
type FilteredIterator struct {
	iter      iterator.Iterator
	keyFilter KeyFilterFunc
}

// NewFilteredIterator creates a new iterator with a key filter
func NewFilteredIterator(iter iterator.Iterator, filter KeyFilterFunc) *FilteredIterator {
	return &FilteredIterator{iter: iter, keyFilter: filter}
}

// skip advances the wrapped iterator to the first key that passes the filter
func (fi *FilteredIterator) skip() bool {
	for fi.iter.Valid() {
		if fi.keyFilter(fi.iter.Key()) {
			return true
		}
		fi.iter.Next()
	}
	return false
}

// Next advances to the next key that passes the filter
func (fi *FilteredIterator) Next() bool {
	if !fi.iter.Next() {
		return false
	}
	return fi.skip()
}

// SeekToFirst positions at the first key that passes the filter
func (fi *FilteredIterator) SeekToFirst() bool {
	fi.iter.SeekToFirst()
	return fi.skip()
}

// Seek positions at the first key >= target that passes the filter
func (fi *FilteredIterator) Seek(target []byte) bool {
	fi.iter.Seek(target)
	return fi.skip()
}

// Key returns the current key
func (fi *FilteredIterator) Key() []byte {
	return fi.iter.Key()
}

// Value returns the current value
func (fi *FilteredIterator) Value() []byte {
	return fi.iter.Value()
}

// Valid returns true if the iterator is at a valid position
func (fi *FilteredIterator) Valid() bool {
	return fi.iter.Valid() && fi.keyFilter(fi.iter.Key())
}

// Err returns the error of the wrapped iterator
func (fi *FilteredIterator) Err() error {
	return fi.iter.Err()
}

// Close closes the wrapped iterator
func (fi *FilteredIterator) Close() error {
	return fi.iter.Close()
}

// SuffixFilterFunc creates a filter function for keys with a specific suffix
func SuffixFilterFunc(suffix []byte) KeyFilterFunc {
	return func(key []byte) bool {
		return bytes.HasSuffix(key, suffix)
	}
}

// ContainsFilterFunc creates a filter function for keys containing sub
func ContainsFilterFunc(sub []byte) KeyFilterFunc {
	return func(key []byte) bool {
		return bytes.Contains(key, sub)
	}
}

// NewSuffixIterator returns an iterator that filters keys by suffix
func NewSuffixIterator(iter iterator.Iterator, suffix []byte) *FilteredIterator {
	return NewFilteredIterator(iter, SuffixFilterFunc(suffix))
}
