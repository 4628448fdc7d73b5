package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/KevoDB/triekv/pkg/header"
	"github.com/KevoDB/triekv/pkg/trie"
)

// recover rolls the database back to its last complete commit and rebuilds
// both free-lists from the blocks reachable from that commit's root.
//
// The recovered state is republished at least grace commits past the newer of
// the recovered and the live version, so readers that were traversing before
// the rollback see their snapshot as stale and restart on the recovered root.
func (d *DB) recover(w *writer) error {
	start := d.stats.StartRecovery()

	slot, err := d.hdr.LatestSlot()
	if err != nil {
		return translate(err)
	}

	live := d.hdr.Version()
	var rolledBack uint64
	switch {
	case live > slot.Version:
		rolledBack = live - slot.Version
	case live < slot.Version:
		// the slot was written but never published: roll forward
	case !d.hdr.CommitComplete():
		// the interrupted batch never reached its commit slot
		rolledBack = 1
	}

	if err := d.index.SetTail(slot.IndexTail); err != nil {
		return translate(err)
	}
	if err := d.data.SetTail(slot.DataTail); err != nil {
		return translate(err)
	}

	nodes := make(map[uint64]struct{})
	values := make(map[uint64]struct{})
	var count uint64
	err = trie.Walk(d.index, slot.Root, func(off uint64, leaf trie.Leaf, hasLeaf bool) error {
		nodes[off] = struct{}{}
		if !hasLeaf {
			return nil
		}
		if leaf.Ref.Off+uint64(arena.HeaderSize) > slot.DataTail {
			return fmt.Errorf("%w: value at %d is past the committed tail", trie.ErrCorrupt, leaf.Ref.Off)
		}
		if _, _, err := d.data.Block(leaf.Ref.Off, arena.KindValue); err != nil {
			return err
		}
		if _, dup := values[leaf.Ref.Off]; dup {
			return fmt.Errorf("%w: value at %d shared by two keys", trie.ErrCorrupt, leaf.Ref.Off)
		}
		values[leaf.Ref.Off] = struct{}{}
		count++
		return nil
	})
	if err != nil {
		return translate(err)
	}

	err = w.indexAlloc.Rebuild(func(off uint64) bool {
		_, ok := nodes[off]
		return ok
	})
	if err != nil {
		return translate(err)
	}
	err = w.dataAlloc.Rebuild(func(off uint64) bool {
		_, ok := values[off]
		return ok
	})
	if err != nil {
		return translate(err)
	}

	// readers may hold any version up to the live one
	next := max(slot.Version, live) + d.grace
	if next%2 == slot.Version%2 {
		// the slot of the recovered state must survive until this one is written
		next++
	}
	if err := w.syncArenas(); err != nil {
		return err
	}
	recovered := header.Slot{
		Version:   next,
		Root:      slot.Root,
		IndexTail: d.index.Tail(),
		DataTail:  d.data.Tail(),
		Count:     count,
		Timestamp: time.Now().UnixNano(),
	}
	if err := d.hdr.WriteSlot(recovered); err != nil {
		return translate(err)
	}
	if err := d.hdr.Sync(); err != nil {
		return err
	}
	d.hdr.Publish(recovered.Root, next)
	d.hdr.SetCommitComplete(true)
	w.count = count

	reclaimedIndex := w.indexAlloc.Stats().ReadyBytes
	reclaimedData := w.dataAlloc.Stats().ReadyBytes
	d.stats.FinishRecovery(start, rolledBack, reclaimedIndex, reclaimedData)
	d.metrics.RecordRecovery(context.Background(), time.Since(start), rolledBack)

	d.logger.Info("recovered version %d as %d with %d keys, rolled back %d, reclaimed %d index and %d data bytes",
		slot.Version, next, count, rolledBack, reclaimedIndex, reclaimedData)
	return nil
}
