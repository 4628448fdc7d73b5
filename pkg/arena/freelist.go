package arena

import (
	"math/bits"
	"sort"
)

const (
	// exactClasses is the number of size classes with 8-byte granularity,
	// covering blocks up to exactLimit bytes
	exactClasses = 128
	exactLimit   = exactClasses * Alignment
	numClasses   = exactClasses + 32

	// minSplit is the smallest remainder worth splitting off a larger block
	minSplit = 2 * HeaderSize

	// binScanLimit bounds the best-fit search inside one power-of-two bin
	binScanLimit = 64
)

// pendingExtent is retired space waiting for its grace period
type pendingExtent struct {
	Extent
	freedAt uint64
}

// FreeList tracks reusable space of one arena.
//
// Space enters as "pending" when it stops being reachable at some commit
// version and becomes "ready" once the committed version has advanced by the
// grace count. Ready extents are grouped by size class and coalesced with
// ready neighbours inside the same segment.
type FreeList struct {
	segSize uint64
	grace   uint64

	classes [numClasses]map[uint64]uint64
	byOff   map[uint64]uint64
	byEnd   map[uint64]uint64
	pending []pendingExtent

	readyBytes   uint64
	pendingBytes uint64

	// mark is called whenever a ready extent is created or resized
	mark func(Extent)
}

// NewFreeList creates an empty free-list for an arena with the given segment
// size. grace is clamped to at least 1.
func NewFreeList(segSize, grace uint64) *FreeList {
	if grace == 0 {
		grace = 1
	}
	return &FreeList{
		segSize: segSize,
		grace:   grace,
		byOff:   make(map[uint64]uint64),
		byEnd:   make(map[uint64]uint64),
	}
}

// Grace returns the number of commits retired space waits before reuse
func (f *FreeList) Grace() uint64 {
	return f.grace
}

func classOf(size uint64) int {
	if size <= exactLimit {
		return int(size/Alignment) - 1
	}
	c := exactClasses - 1 + bits.Len64(size-1) - bits.Len64(exactLimit-1)
	if c >= numClasses {
		c = numClasses - 1
	}
	return c
}

// Retire queues e for reuse once version+grace has been committed
func (f *FreeList) Retire(e Extent, version uint64) {
	f.pending = append(f.pending, pendingExtent{Extent: e, freedAt: version})
	f.pendingBytes += e.Size
}

// Advance moves every pending extent whose grace period has passed at the
// committed version into the ready set
func (f *FreeList) Advance(committed uint64) int {
	n := 0
	for n < len(f.pending) && f.pending[n].freedAt+f.grace <= committed {
		p := f.pending[n]
		f.pendingBytes -= p.Size
		f.Release(p.Extent)
		n++
	}
	if n > 0 {
		f.pending = append(f.pending[:0], f.pending[n:]...)
	}
	return n
}

// Release makes e ready for reuse immediately, merging it with adjacent ready
// extents in the same segment
func (f *FreeList) Release(e Extent) {
	if start, ok := f.byEnd[e.Off]; ok && f.sameSegment(start, e.Off) {
		size := f.byOff[start]
		f.remove(Extent{Off: start, Size: size})
		e = Extent{Off: start, Size: size + e.Size}
	}
	if size, ok := f.byOff[e.End()]; ok && f.sameSegment(e.Off, e.End()) {
		f.remove(Extent{Off: e.End(), Size: size})
		e.Size += size
	}
	f.add(e)
	if f.mark != nil {
		f.mark(e)
	}
}

// Take removes and returns a ready extent of at least size bytes. Within the
// matching class the best fit wins; otherwise the smallest larger class is
// used and the surplus is split off when large enough.
func (f *FreeList) Take(size uint64) (Extent, bool) {
	c := classOf(size)

	e, ok := f.bestFit(c, size)
	for c++; !ok && c < numClasses; c++ {
		e, ok = f.anyIn(c)
	}
	if !ok {
		return Extent{}, false
	}

	f.remove(e)
	if e.Size-size >= minSplit {
		rest := Extent{Off: e.Off + size, Size: e.Size - size}
		e.Size = size
		f.add(rest)
		if f.mark != nil {
			f.mark(rest)
		}
	}
	return e, true
}

func (f *FreeList) bestFit(c int, size uint64) (Extent, bool) {
	class := f.classes[c]
	if len(class) == 0 {
		return Extent{}, false
	}

	if c < exactClasses {
		for off, sz := range class {
			return Extent{Off: off, Size: sz}, true
		}
	}

	var best Extent
	scanned := 0
	for off, sz := range class {
		if sz >= size && (best.Size == 0 || sz < best.Size) {
			best = Extent{Off: off, Size: sz}
			if sz == size {
				break
			}
		}
		scanned++
		if scanned >= binScanLimit && best.Size != 0 {
			break
		}
	}
	return best, best.Size != 0
}

func (f *FreeList) anyIn(c int) (Extent, bool) {
	for off, sz := range f.classes[c] {
		return Extent{Off: off, Size: sz}, true
	}
	return Extent{}, false
}

func (f *FreeList) add(e Extent) {
	c := classOf(e.Size)
	if f.classes[c] == nil {
		f.classes[c] = make(map[uint64]uint64)
	}
	f.classes[c][e.Off] = e.Size
	f.byOff[e.Off] = e.Size
	f.byEnd[e.End()] = e.Off
	f.readyBytes += e.Size
}

func (f *FreeList) remove(e Extent) {
	delete(f.classes[classOf(e.Size)], e.Off)
	delete(f.byOff, e.Off)
	delete(f.byEnd, e.End())
	f.readyBytes -= e.Size
}

func (f *FreeList) sameSegment(a, b uint64) bool {
	return a/f.segSize == b/f.segSize
}

// Reset drops every ready and pending extent
func (f *FreeList) Reset() {
	for i := range f.classes {
		f.classes[i] = nil
	}
	f.byOff = make(map[uint64]uint64)
	f.byEnd = make(map[uint64]uint64)
	f.pending = nil
	f.readyBytes = 0
	f.pendingBytes = 0
}

// Contains reports whether off is the start of a ready extent
func (f *FreeList) Contains(off uint64) bool {
	_, ok := f.byOff[off]
	return ok
}

// Ready returns the ready extents sorted by offset
func (f *FreeList) Ready() []Extent {
	out := make([]Extent, 0, len(f.byOff))
	for off, sz := range f.byOff {
		out = append(out, Extent{Off: off, Size: sz})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Off < out[j].Off })
	return out
}

// Pending returns the extents still inside their grace period
func (f *FreeList) Pending() []Extent {
	out := make([]Extent, len(f.pending))
	for i, p := range f.pending {
		out[i] = p.Extent
	}
	return out
}

// FreeListStats summarizes a free-list
type FreeListStats struct {
	ReadyBlocks   int
	ReadyBytes    uint64
	PendingBlocks int
	PendingBytes  uint64
}

// Stats returns the current free-list totals
func (f *FreeList) Stats() FreeListStats {
	return FreeListStats{
		ReadyBlocks:   len(f.byOff),
		ReadyBytes:    f.readyBytes,
		PendingBlocks: len(f.pending),
		PendingBytes:  f.pendingBytes,
	}
}
