package iterator

// Iterator defines the interface for iterating over key-value pairs in key
// order. The store's snapshot iterators and the wrappers in the bounded and
// filtered packages all implement it.
type Iterator interface {
	// SeekToFirst positions the iterator at the first key
	SeekToFirst() bool

	// Seek positions the iterator at the first key >= target
	Seek(target []byte) bool

	// Next advances the iterator to the next key
	Next() bool

	// Key returns the current key
	Key() []byte

	// Value returns the current value
	Value() []byte

	// Valid returns true if the iterator is positioned at a valid entry
	Valid() bool

	// Err returns the error that stopped the iteration, if any
	Err() error

	// Close releases the resources held by the iterator
	Close() error
}

// SliceIterator iterates over pre-sorted keys and values held in memory
type SliceIterator struct {
	keys   [][]byte
	values [][]byte
	index  int
}

// NewSliceIterator returns an iterator over keys, which must be sorted and
// unique, with values[i] belonging to keys[i]
func NewSliceIterator(keys, values [][]byte) *SliceIterator {
	return &SliceIterator{keys: keys, values: values, index: -1}
}

func (s *SliceIterator) SeekToFirst() bool {
	s.index = 0
	return s.Valid()
}

func (s *SliceIterator) Seek(target []byte) bool {
	lo, hi := 0, len(s.keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if string(s.keys[mid]) < string(target) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	s.index = lo
	return s.Valid()
}

func (s *SliceIterator) Next() bool {
	if !s.Valid() {
		return false
	}
	s.index++
	return s.Valid()
}

func (s *SliceIterator) Key() []byte {
	if !s.Valid() {
		return nil
	}
	return s.keys[s.index]
}

func (s *SliceIterator) Value() []byte {
	if !s.Valid() {
		return nil
	}
	return s.values[s.index]
}

func (s *SliceIterator) Valid() bool {
	return s.index >= 0 && s.index < len(s.keys)
}

func (s *SliceIterator) Err() error { return nil }

func (s *SliceIterator) Close() error { return nil }
