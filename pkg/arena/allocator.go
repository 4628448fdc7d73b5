package arena

import (
	"encoding/binary"
	"fmt"
)

const (
	// chunkHeaderSize precedes the entries of a persisted free-list chunk:
	// next chunk offset and entry count
	chunkHeaderSize = 16
	chunkEntrySize  = 16
	maxChunkPayload = 1 << 20

	// pendingBit marks a persisted extent that was still in its grace period
	pendingBit = uint64(1) << 63
)

// Allocator hands out blocks from an arena, reusing space from its free-list
// before growing the arena. It is not safe for concurrent use.
type Allocator struct {
	arena *Arena
	free  *FreeList
}

// NewAllocator creates an allocator over a with the given grace count
func NewAllocator(a *Arena, grace uint64) *Allocator {
	al := &Allocator{
		arena: a,
		free:  NewFreeList(a.SegmentSize(), grace),
	}
	al.free.mark = al.markFree
	return al
}

// Arena returns the underlying arena
func (al *Allocator) Arena() *Arena {
	return al.arena
}

// FreeList returns the allocator's free-list
func (al *Allocator) FreeList() *FreeList {
	return al.free
}

// MaxPayload returns the largest payload a single block can hold
func (al *Allocator) MaxPayload() int {
	return int(al.arena.SegmentSize()) - HeaderSize
}

func (al *Allocator) markFree(e Extent) {
	// the space is unreachable, a failed header write only costs a rebuild walk
	_ = al.arena.WriteHeader(e.Off, BlockHeader{Size: uint32(e.Size), Kind: KindFree})
}

// Alloc returns the offset of a new block of the given kind whose payload can
// hold n bytes. The header is written; the payload is left as found.
func (al *Allocator) Alloc(n int, kind BlockKind, flags uint8) (uint64, error) {
	if n < 0 || n > al.MaxPayload() {
		return 0, fmt.Errorf("%w: payload of %d bytes", ErrTooLarge, n)
	}
	size := AlignUp(uint64(HeaderSize + n))

	e, ok := al.free.Take(size)
	if !ok {
		off, skipped, err := al.arena.Reserve(size)
		if err != nil {
			return 0, err
		}
		if skipped.Size > 0 {
			al.free.Release(skipped)
		}
		e = Extent{Off: off, Size: size}
	}

	if err := al.arena.WriteHeader(e.Off, BlockHeader{Size: uint32(e.Size), Kind: kind, Flags: flags}); err != nil {
		return 0, err
	}
	return e.Off, nil
}

// Discard returns a block that was never visible to readers straight to the
// free-list
func (al *Allocator) Discard(off uint64) error {
	h, err := al.arena.ReadHeader(off)
	if err != nil {
		return err
	}
	al.free.Release(Extent{Off: off, Size: uint64(h.Size)})
	return nil
}

// Retire schedules a block that became unreachable at version for reuse after
// the grace period
func (al *Allocator) Retire(off uint64, version uint64) error {
	h, err := al.arena.ReadHeader(off)
	if err != nil {
		return err
	}
	al.free.Retire(Extent{Off: off, Size: uint64(h.Size)}, version)
	return nil
}

// Advance releases retired blocks whose grace period ended at committed
func (al *Allocator) Advance(committed uint64) int {
	return al.free.Advance(committed)
}

// Persist writes the free-list into a chain of freelist blocks at the tail of
// the arena and returns the offset of the first one, or 0 when there is
// nothing to save. The chain blocks are not part of the saved state.
func (al *Allocator) Persist() (uint64, error) {
	entries := make([]uint64, 0, 2*(len(al.free.byOff)+len(al.free.pending)))
	for _, e := range al.free.Ready() {
		entries = append(entries, e.Off, e.Size)
	}
	for _, e := range al.free.Pending() {
		entries = append(entries, e.Off|pendingBit, e.Size)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	perChunk := (min(int(al.arena.SegmentSize()), maxChunkPayload) - HeaderSize - chunkHeaderSize) / chunkEntrySize
	total := len(entries) / 2

	// chunks are written back to front so each one can point at its successor
	var next uint64
	for end := total; end > 0; {
		start := max(0, end-perChunk)
		count := end - start

		payload := make([]byte, chunkHeaderSize+count*chunkEntrySize)
		binary.LittleEndian.PutUint64(payload[0:8], next)
		binary.LittleEndian.PutUint64(payload[8:16], uint64(count))
		for i := 0; i < count; i++ {
			p := payload[chunkHeaderSize+i*chunkEntrySize:]
			binary.LittleEndian.PutUint64(p[0:8], entries[2*(start+i)])
			binary.LittleEndian.PutUint64(p[8:16], entries[2*(start+i)+1])
		}

		size := AlignUp(uint64(HeaderSize + len(payload)))
		off, _, err := al.arena.Reserve(size)
		if err != nil {
			return 0, fmt.Errorf("failed to persist free-list: %w", err)
		}
		if err := al.arena.WriteHeader(off, BlockHeader{Size: uint32(size), Kind: KindFreeList}); err != nil {
			return 0, err
		}
		if err := al.arena.Write(off+HeaderSize, payload); err != nil {
			return 0, err
		}

		next = off
		end = start
	}
	return next, nil
}

// Load restores a free-list saved by Persist. Extents that were pending are
// retired again at version. The chain blocks themselves become free space once
// their contents are loaded.
func (al *Allocator) Load(head uint64, version uint64) error {
	al.free.Reset()

	var chain []Extent
	for off := head; off != 0; {
		if len(chain) > int(al.arena.Tail()/HeaderSize) {
			return fmt.Errorf("%w: free-list chain does not terminate", ErrBadBlock)
		}
		hdr, payload, err := al.arena.Block(off, KindFreeList)
		if err != nil {
			return fmt.Errorf("failed to load free-list: %w", err)
		}
		if len(payload) < chunkHeaderSize {
			return fmt.Errorf("%w: short free-list chunk at %d", ErrBadBlock, off)
		}
		count := binary.LittleEndian.Uint64(payload[8:16])
		if count > uint64((len(payload)-chunkHeaderSize)/chunkEntrySize) {
			return fmt.Errorf("%w: free-list chunk at %d claims %d entries", ErrBadBlock, off, count)
		}
		for i := uint64(0); i < count; i++ {
			p := payload[chunkHeaderSize+i*chunkEntrySize:]
			raw := binary.LittleEndian.Uint64(p[0:8])
			e := Extent{Off: raw &^ pendingBit, Size: binary.LittleEndian.Uint64(p[8:16])}
			if e.Off < PreambleSize || e.End() > al.arena.Tail() || e.Size < HeaderSize {
				return fmt.Errorf("%w: free extent [%d,%d) outside arena", ErrBadBlock, e.Off, e.End())
			}
			if raw&pendingBit != 0 {
				al.free.Retire(e, version)
			} else {
				al.free.add(e)
			}
		}
		chain = append(chain, Extent{Off: off, Size: uint64(hdr.Size)})
		off = binary.LittleEndian.Uint64(payload[0:8])
	}

	for _, e := range chain {
		if al.free.Contains(e.Off) {
			return fmt.Errorf("%w: free-list chunk at %d lists itself as free", ErrBadBlock, e.Off)
		}
		al.free.Release(e)
	}
	return nil
}

// Rebuild reconstructs the free-list by walking the arena: every block for
// which live returns false becomes ready space.
func (al *Allocator) Rebuild(live func(off uint64) bool) error {
	al.free.Reset()
	return al.arena.Walk(func(off uint64, h BlockHeader) error {
		if !live(off) {
			al.free.Release(Extent{Off: off, Size: uint64(h.Size)})
		}
		return nil
	})
}

// AllocatorStats describes arena usage
type AllocatorStats struct {
	Tail   uint64
	Mapped uint64
	FreeListStats
}

// Stats returns the allocator's current usage
func (al *Allocator) Stats() AllocatorStats {
	return AllocatorStats{
		Tail:          al.arena.Tail(),
		Mapped:        al.arena.MappedSize(),
		FreeListStats: al.free.Stats(),
	}
}
