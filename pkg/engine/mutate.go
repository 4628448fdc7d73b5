package engine

import (
	"context"
	"time"

	"github.com/KevoDB/triekv/pkg/stats"
)

// writeSession starts a mutation; it fails for reader sessions
func (d *DB) writeSession() (func(), error) {
	done, err := d.enter()
	if err != nil {
		return nil, err
	}
	if d.writer == nil {
		done()
		return nil, ErrReadOnly
	}
	return done, nil
}

// Add stores value under key. In a synchronous session the new version is
// visible when Add returns; an asynchronous session waits only for room in
// the queue.
func (d *DB) Add(key, value []byte) error {
	return d.AddContext(context.Background(), key, value)
}

// AddContext is Add with a context bounding the wait for queue room
func (d *DB) AddContext(ctx context.Context, key, value []byte) error {
	start := time.Now()
	err := d.add(ctx, key, value, false, true)
	d.track(stats.OpAdd, start, err)
	return err
}

// TryAdd is Add that fails with ErrQueueFull instead of waiting when the
// asynchronous queue has no room. It behaves as Add in a synchronous session.
func (d *DB) TryAdd(key, value []byte) error {
	start := time.Now()
	err := d.add(context.Background(), key, value, true, true)
	d.track(stats.OpAdd, start, err)
	return err
}

// Insert stores value under key only when key is not present yet. A
// synchronous session fails with ErrKeyExists for an existing key and leaves
// its value untouched; an asynchronous session only counts it.
func (d *DB) Insert(key, value []byte) error {
	return d.InsertContext(context.Background(), key, value)
}

// InsertContext is Insert with a context bounding the wait for queue room
func (d *DB) InsertContext(ctx context.Context, key, value []byte) error {
	start := time.Now()
	err := d.add(ctx, key, value, false, false)
	d.track(stats.OpAdd, start, err)
	return err
}

func (d *DB) add(ctx context.Context, key, value []byte, try, overwrite bool) error {
	done, err := d.writeSession()
	if err != nil {
		return err
	}
	defer done()

	if len(key) > d.maxKey {
		return ErrKeyTooLarge
	}
	if len(value) > d.heap.MaxValueSize() {
		return ErrValueTooLarge
	}

	if d.async != nil {
		err = d.async.add(ctx, key, value, try, overwrite)
	} else {
		d.writer.mu.Lock()
		err = d.writer.apply(func(b *batch) error { return d.writer.add(b, key, value, overwrite) })
		d.writer.mu.Unlock()
	}
	if err == nil {
		d.stats.TrackBytes(true, uint64(len(key)+len(value)))
	}
	return err
}

// Remove deletes key. A synchronous session reports ErrNotFound for a missing
// key; an asynchronous session only counts it.
func (d *DB) Remove(key []byte) error {
	start := time.Now()
	err := d.remove(key)
	d.track(stats.OpRemove, start, err)
	return err
}

func (d *DB) remove(key []byte) error {
	done, err := d.writeSession()
	if err != nil {
		return err
	}
	defer done()

	if d.async != nil {
		return d.async.remove(key)
	}
	d.writer.mu.Lock()
	defer d.writer.mu.Unlock()
	return d.writer.apply(func(b *batch) error { return d.writer.remove(b, key) })
}

// RemoveAll deletes every key in a single version
func (d *DB) RemoveAll() error {
	start := time.Now()
	err := d.removeAll()
	d.track(stats.OpRemoveAll, start, err)
	return err
}

func (d *DB) removeAll() error {
	done, err := d.writeSession()
	if err != nil {
		return err
	}
	defer done()

	if d.async != nil {
		return d.async.removeAll()
	}
	d.writer.mu.Lock()
	defer d.writer.mu.Unlock()
	return d.writer.apply(d.writer.removeAll)
}

// Flush waits for queued mutations to be committed and writes every mapped
// page to disk. It also reports a failure of an earlier queued mutation.
func (d *DB) Flush() error {
	return d.FlushContext(context.Background())
}

// FlushContext is Flush with a context bounding the wait
func (d *DB) FlushContext(ctx context.Context) error {
	start := time.Now()
	err := d.flush(ctx)
	d.track(stats.OpFlush, start, err)
	return err
}

func (d *DB) flush(ctx context.Context) error {
	done, err := d.writeSession()
	if err != nil {
		return err
	}
	defer done()

	if d.async != nil {
		return d.async.flush(ctx)
	}
	d.writer.mu.Lock()
	defer d.writer.mu.Unlock()
	return d.writer.flush()
}
