package engine

import (
	"context"
	"runtime"
	"time"

	"github.com/KevoDB/triekv/pkg/stats"
	"github.com/KevoDB/triekv/pkg/trie"
)

// retriesBeforeSleep is how many immediate restarts a read makes before it
// starts backing off
const retriesBeforeSleep = 16

// stale reports whether a traversal that started at version since may have
// visited space the writer has reused since
func (d *DB) stale(since uint64) bool {
	return d.hdr.Version()-since >= d.grace
}

// read runs fn against the live root until it completes without the writer
// reclaiming anything it may have visited. fn must not retain views into the
// arenas past its return.
func (d *DB) read(op stats.OperationType, fn func(root uint64) error) error {
	for attempt := 0; ; attempt++ {
		v := d.hdr.Version()
		err := fn(d.hdr.Root())
		if !d.stale(v) {
			return translate(err)
		}

		d.stats.TrackReadRetry()
		d.metrics.RecordReadRetry(context.Background(), string(op))
		if attempt < retriesBeforeSleep {
			runtime.Gosched()
		} else {
			time.Sleep(time.Duration(min(attempt, 1000)) * time.Microsecond)
		}
	}
}

// Find returns a copy of the value stored for key
func (d *DB) Find(key []byte) ([]byte, error) {
	start := time.Now()
	value, err := d.find(key)
	d.track(stats.OpFind, start, err)
	return value, err
}

func (d *DB) find(key []byte) ([]byte, error) {
	done, err := d.enter()
	if err != nil {
		return nil, err
	}
	defer done()

	var value []byte
	err = d.read(stats.OpFind, func(root uint64) error {
		leaf, err := trie.Lookup(d.index, root, key)
		if err != nil {
			return err
		}
		value, err = d.heap.Load(leaf.Ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	d.stats.TrackBytes(false, uint64(len(value)))
	return value, nil
}

// FindLongestPrefix returns the longest stored key that is a prefix of key,
// together with its value
func (d *DB) FindLongestPrefix(key []byte) ([]byte, []byte, error) {
	start := time.Now()
	match, value, err := d.findLongestPrefix(key)
	d.track(stats.OpLongestPrefix, start, err)
	return match, value, err
}

func (d *DB) findLongestPrefix(key []byte) ([]byte, []byte, error) {
	done, err := d.enter()
	if err != nil {
		return nil, nil, err
	}
	defer done()

	var (
		n     int
		value []byte
	)
	err = d.read(stats.OpLongestPrefix, func(root uint64) error {
		var leaf trie.Leaf
		var err error
		n, leaf, err = trie.LongestPrefix(d.index, root, key)
		if err != nil {
			return err
		}
		value, err = d.heap.Load(leaf.Ref)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), key[:n]...), value, nil
}

// Count returns the number of keys at the committed version
func (d *DB) Count() (uint64, error) {
	done, err := d.enter()
	if err != nil {
		return 0, err
	}
	defer done()
	return d.countLocked()
}

// countLocked reads the key count of the live version; d.mu must be held
func (d *DB) countLocked() (uint64, error) {
	if d.writer != nil && d.async == nil {
		d.writer.mu.Lock()
		defer d.writer.mu.Unlock()
		return d.writer.count, nil
	}

	for {
		v := d.hdr.Version()
		slot, ok := d.hdr.Slot(int(v % 2))
		if ok && slot.Version == v {
			return slot.Count, nil
		}
		if d.hdr.Version() == v {
			return 0, ErrCorruptDatabase
		}
		runtime.Gosched()
	}
}

// Scan calls fn for every key starting with prefix, in byte order, until fn
// returns false
func (d *DB) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	start := time.Now()
	it := d.Prefix(prefix)
	defer it.Close()

	for ok := it.SeekToFirst(); ok; ok = it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	err := it.Err()
	d.track(stats.OpScan, start, err)
	return err
}
