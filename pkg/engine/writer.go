package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/KevoDB/triekv/pkg/common/log"
	"github.com/KevoDB/triekv/pkg/config"
	"github.com/KevoDB/triekv/pkg/header"
	"github.com/KevoDB/triekv/pkg/heap"
	"github.com/KevoDB/triekv/pkg/stats"
	"github.com/KevoDB/triekv/pkg/trie"
)

// writer owns the allocators and applies mutations. Every method must be
// called with mu held, or from the async consumer, which is the only caller
// in async mode.
type writer struct {
	mu sync.Mutex

	hdr   *header.Header
	index *arena.Arena
	data  *arena.Arena
	heap  *heap.Heap

	indexAlloc *arena.Allocator
	dataAlloc  *arena.Allocator

	cfg     *config.Config
	maxKey  int
	logger  log.Logger
	stats   *stats.AtomicCollector
	metrics EngineMetrics

	// count is the number of keys at the committed version
	count uint64
	// unsynced counts commits since the last flush to disk
	unsynced int
}

// batch is a set of mutations committed together
type batch struct {
	txn   *trie.Txn
	count uint64

	// fresh holds values stored by this batch, which may be freed at once
	fresh map[uint64]struct{}
	// released holds committed values replaced or removed by this batch
	released []heap.Ref
}

// begin starts a batch on top of the committed root. The commit flag stays
// cleared until the batch is committed or aborted.
func (w *writer) begin() *batch {
	w.hdr.SetCommitComplete(false)
	return &batch{
		txn:   trie.NewTxn(w.index, w.indexAlloc, w.hdr.Root(), w.hdr.Version()+1),
		count: w.count,
		fresh: make(map[uint64]struct{}),
	}
}

// drop gives up the value ref held by a key the batch replaced or removed
func (w *writer) drop(b *batch, ref heap.Ref) {
	if ref.IsZero() {
		return
	}
	if _, ok := b.fresh[ref.Off]; ok {
		delete(b.fresh, ref.Off)
		if err := w.heap.Discard(ref); err != nil {
			w.logger.Warn("failed to discard value at %d: %v", ref.Off, err)
		}
		return
	}
	b.released = append(b.released, ref)
}

// add stores value for key inside b. Without overwrite an existing key fails
// with ErrKeyExists.
func (w *writer) add(b *batch, key, value []byte, overwrite bool) error {
	if len(key) > w.maxKey {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrKeyTooLarge, len(key), w.maxKey)
	}

	ref, err := w.heap.Store(value)
	if err != nil {
		return translate(err)
	}
	var prev heap.Ref
	if overwrite {
		prev, err = b.txn.Insert(key, ref)
	} else {
		err = b.txn.InsertNew(key, ref)
	}
	if err != nil {
		w.heap.Discard(ref)
		return translate(err)
	}
	b.fresh[ref.Off] = struct{}{}

	if prev.IsZero() {
		b.count++
	} else {
		w.drop(b, prev)
	}
	return nil
}

// remove deletes key inside b
func (w *writer) remove(b *batch, key []byte) error {
	prev, err := b.txn.Delete(key)
	if err != nil {
		return translate(err)
	}
	w.drop(b, prev)
	b.count--
	return nil
}

// removeAll deletes every key inside b
func (w *writer) removeAll(b *batch) error {
	refs, err := b.txn.Clear()
	if err != nil {
		return translate(err)
	}
	for _, ref := range refs {
		w.drop(b, ref)
	}
	b.count = 0
	return nil
}

// abort throws away everything b allocated and restores the commit flag
func (w *writer) abort(b *batch) {
	if err := b.txn.Abort(); err != nil {
		w.logger.Warn("failed to release aborted nodes: %v", err)
	}
	for off := range b.fresh {
		if err := w.dataAlloc.Discard(off); err != nil {
			w.logger.Warn("failed to release aborted value at %d: %v", off, err)
		}
	}
	w.hdr.SetCommitComplete(true)
}

// shouldSync reports whether the next commit flushes to disk
func (w *writer) shouldSync() bool {
	switch w.cfg.SyncMode {
	case config.SyncImmediate:
		return true
	case config.SyncBatch:
		return w.unsynced+1 >= w.cfg.SyncEveryCommits
	default:
		return false
	}
}

// commit publishes b as the next version. The commit slot is written before
// the new root is published, and the replaced nodes and values are retired
// at the new version so readers still traversing the old tree stay safe for
// the grace period.
func (w *writer) commit(b *batch) error {
	if !b.txn.Dirty() {
		w.hdr.SetCommitComplete(true)
		return nil
	}

	start := time.Now()
	next := b.txn.Version()
	durable := w.shouldSync()

	if durable {
		if err := w.syncArenas(); err != nil {
			w.abort(b)
			return err
		}
	}

	slot := header.Slot{
		Version:   next,
		Root:      b.txn.Root(),
		IndexTail: w.index.Tail(),
		DataTail:  w.data.Tail(),
		Count:     b.count,
		Timestamp: time.Now().UnixNano(),
	}
	if err := w.hdr.WriteSlot(slot); err != nil {
		w.abort(b)
		return translate(err)
	}
	if durable {
		if err := w.hdr.Sync(); err != nil {
			w.abort(b)
			return err
		}
		w.unsynced = 0
	} else {
		w.unsynced++
	}

	w.hdr.Publish(slot.Root, next)
	w.hdr.SetCommitComplete(true)
	w.count = b.count

	var errs []error
	for _, off := range b.txn.Retired() {
		errs = append(errs, w.indexAlloc.Retire(off, next))
	}
	for _, ref := range b.released {
		errs = append(errs, w.heap.Release(ref, next))
	}
	w.indexAlloc.Advance(next)
	w.dataAlloc.Advance(next)
	if err := errors.Join(errs...); err != nil {
		// the commit stands; the space is recovered by the next rebuild
		w.logger.Warn("failed to retire replaced blocks at version %d: %v", next, err)
	}

	w.stats.TrackOperationWithLatency(stats.OpCommit, uint64(time.Since(start).Nanoseconds()))
	w.metrics.RecordCommit(context.Background(), time.Since(start), durable)
	return nil
}

// apply runs one mutation in its own batch and commits it
func (w *writer) apply(fn func(b *batch) error) error {
	b := w.begin()
	if err := fn(b); err != nil {
		w.abort(b)
		return err
	}
	return w.commit(b)
}

func (w *writer) syncArenas() error {
	if err := w.index.Sync(); err != nil {
		return err
	}
	return w.data.Sync()
}

// flush writes every mapped page and the header to disk
func (w *writer) flush() error {
	if err := w.syncArenas(); err != nil {
		return err
	}
	if err := w.hdr.Sync(); err != nil {
		return err
	}
	w.unsynced = 0
	return nil
}

// close saves the free-lists and publishes a final version describing them,
// then clears the writer marker. When the free-lists cannot be saved the
// marker is left in place so the next writer rebuilds them.
func (w *writer) close() error {
	w.hdr.SetCommitComplete(false)

	indexHead, err := w.indexAlloc.Persist()
	if err == nil {
		var dataHead uint64
		dataHead, err = w.dataAlloc.Persist()
		if err == nil {
			err = w.finalCommit(indexHead, dataHead)
		}
	}
	if err != nil {
		w.logger.Error("failed to save free-lists, next writer will rebuild them: %v", err)
		w.hdr.SetCommitComplete(true)
		return errors.Join(err, w.flush())
	}

	w.hdr.SetWriterMarker(0)
	return w.hdr.Sync()
}

func (w *writer) finalCommit(indexHead, dataHead uint64) error {
	if err := w.syncArenas(); err != nil {
		return err
	}

	next := w.hdr.Version() + 1
	root := w.hdr.Root()
	slot := header.Slot{
		Version:   next,
		Root:      root,
		IndexTail: w.index.Tail(),
		DataTail:  w.data.Tail(),
		Count:     w.count,
		IndexFree: indexHead,
		DataFree:  dataHead,
		Timestamp: time.Now().UnixNano(),
	}
	if err := w.hdr.WriteSlot(slot); err != nil {
		return err
	}
	if err := w.hdr.Sync(); err != nil {
		return err
	}
	w.hdr.Publish(root, next)
	w.hdr.SetCommitComplete(true)
	return nil
}
