// Package arena implements a growable, memory-mapped byte region addressed by
// integer offsets. The backing file is split into fixed-size segments that are
// mapped one at a time, so growing the arena never moves bytes that are already
// mapped and offsets handed out earlier stay valid for the whole session.
package arena

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

const (
	// PreambleSize is the number of bytes reserved at the start of every arena
	// file. No block is ever allocated inside it, so offset 0 can mean "null".
	PreambleSize = 64

	// Alignment of every block offset and size
	Alignment = 8

	// MinSegmentSize is the smallest accepted segment size
	MinSegmentSize = 64 * 1024

	// MaxSegmentSize keeps block sizes representable in a uint32 header
	MaxSegmentSize = 1 << 30
)

var arenaMagic = [8]byte{'T', 'K', 'V', 'A', 'R', 'E', 'N', 'A'}

var (
	// ErrOutOfSpace is returned when the arena cannot grow any further
	ErrOutOfSpace = errors.New("arena: out of space")
	// ErrOutOfRange is returned for an access outside the mapped region
	ErrOutOfRange = errors.New("arena: offset out of range")
	// ErrBadPreamble is returned when the file does not start with a valid preamble
	ErrBadPreamble = errors.New("arena: invalid preamble")
	// ErrReadOnly is returned for writes through a read-only arena
	ErrReadOnly = errors.New("arena: read-only")
	// ErrTooLarge is returned for a reservation that cannot fit in one segment
	ErrTooLarge = errors.New("arena: allocation larger than segment")
)

// Options configures how an arena file is created or opened
type Options struct {
	// SegmentSize is the size of one mapped segment; the file always grows by
	// whole segments.
	SegmentSize int64
	// MaxSize caps the file size; 0 means no limit other than the file system.
	MaxSize int64
	// ReadOnly maps the file without write permission.
	ReadOnly bool
	// Tag identifies the role of the file ('I' index, 'D' data).
	Tag byte
	// ID is the database identifier written into (or checked against) the preamble.
	ID uuid.UUID
	// Advice is the page access hint applied to every mapped segment.
	Advice Advice
}

// Extent is a contiguous byte range inside an arena
type Extent struct {
	Off  uint64
	Size uint64
}

// End returns the first offset after the extent
func (e Extent) End() uint64 {
	return e.Off + e.Size
}

// Arena is a file-backed region mapped in fixed-size segments.
//
// Allocation (Reserve, SetTail) is not synchronized and must be serialized by
// the caller. Reads are safe from any goroutine at any time, including while the
// arena grows.
type Arena struct {
	path    string
	file    *os.File
	opts    Options
	segSize uint64
	id      uuid.UUID

	// segs holds the published segment list; it is replaced, never mutated
	segs atomic.Pointer[[]mmap.MMap]
	// mapMu serializes changes to the mapping
	mapMu sync.Mutex

	// tail is written by the allocating goroutine and read by stats gauges
	tail   atomic.Uint64
	closed atomic.Bool
}

// Create initializes a new arena file at path. The file must not exist.
func Create(path string, opts Options) (*Arena, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	if opts.ReadOnly {
		return nil, ErrReadOnly
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create arena file: %w", err)
	}

	a := &Arena{
		path:    path,
		file:    file,
		opts:    opts,
		segSize: uint64(opts.SegmentSize),
		id:      opts.ID,
	}
	a.tail.Store(PreambleSize)
	empty := make([]mmap.MMap, 0)
	a.segs.Store(&empty)

	if err := a.ensureMapped(PreambleSize); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.writePreamble(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

// Open maps an existing arena file. The tail is left at the preamble; the
// caller restores it from the committed header state.
func Open(path string, opts Options) (*Arena, error) {
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open arena file: %w", err)
	}

	a := &Arena{
		path:    path,
		file:    file,
		opts:    opts,
		segSize: uint64(opts.SegmentSize),
	}
	a.tail.Store(PreambleSize)
	empty := make([]mmap.MMap, 0)
	a.segs.Store(&empty)

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat arena file: %w", err)
	}
	if info.Size() < int64(a.segSize) || uint64(info.Size())%a.segSize != 0 {
		file.Close()
		return nil, fmt.Errorf("%w: file size %d is not a multiple of segment size %d",
			ErrBadPreamble, info.Size(), a.segSize)
	}

	if _, err := a.refresh(uint64(info.Size())/a.segSize - 1); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.checkPreamble(); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func validateOptions(opts Options) error {
	if opts.SegmentSize < MinSegmentSize || opts.SegmentSize > MaxSegmentSize {
		return fmt.Errorf("arena: segment size %d outside [%d, %d]",
			opts.SegmentSize, MinSegmentSize, MaxSegmentSize)
	}
	if opts.SegmentSize%MinSegmentSize != 0 {
		return fmt.Errorf("arena: segment size %d must be a multiple of %d",
			opts.SegmentSize, MinSegmentSize)
	}
	if opts.MaxSize != 0 && opts.MaxSize < opts.SegmentSize {
		return fmt.Errorf("arena: max size %d smaller than one segment", opts.MaxSize)
	}
	return nil
}

// writePreamble stores the file identity in the first bytes of segment 0
func (a *Arena) writePreamble() error {
	var p [PreambleSize]byte
	copy(p[0:8], arenaMagic[:])
	p[8] = a.opts.Tag
	copy(p[16:32], a.id[:])
	binary.LittleEndian.PutUint64(p[32:40], a.segSize)
	binary.LittleEndian.PutUint64(p[48:56], xxhash.Sum64(p[:48]))

	seg := (*a.segs.Load())[0]
	copy(seg[:PreambleSize], p[:])
	return nil
}

func (a *Arena) checkPreamble() error {
	seg := (*a.segs.Load())[0]
	p := seg[:PreambleSize]

	if !bytes.Equal(p[0:8], arenaMagic[:]) {
		return fmt.Errorf("%w: bad magic in %s", ErrBadPreamble, a.path)
	}
	if xxhash.Sum64(p[:48]) != binary.LittleEndian.Uint64(p[48:56]) {
		return fmt.Errorf("%w: checksum mismatch in %s", ErrBadPreamble, a.path)
	}
	if p[8] != a.opts.Tag {
		return fmt.Errorf("%w: file %s has tag %q, expected %q", ErrBadPreamble, a.path, p[8], a.opts.Tag)
	}
	if got := binary.LittleEndian.Uint64(p[32:40]); got != a.segSize {
		return fmt.Errorf("%w: segment size %d, expected %d", ErrBadPreamble, got, a.segSize)
	}

	copy(a.id[:], p[16:32])
	if a.opts.ID != uuid.Nil && a.id != a.opts.ID {
		return fmt.Errorf("%w: file %s belongs to database %s, not %s", ErrBadPreamble, a.path, a.id, a.opts.ID)
	}
	return nil
}

// ID returns the database identifier stored in the preamble
func (a *Arena) ID() uuid.UUID {
	return a.id
}

// Path returns the backing file path
func (a *Arena) Path() string {
	return a.path
}

// SegmentSize returns the size of one mapped segment
func (a *Arena) SegmentSize() uint64 {
	return a.segSize
}

// Tail returns the first unallocated offset
func (a *Arena) Tail() uint64 {
	return a.tail.Load()
}

// MappedSize returns the number of bytes currently mapped
func (a *Arena) MappedSize() uint64 {
	return uint64(len(*a.segs.Load())) * a.segSize
}

// SetTail moves the allocation tail, mapping segments as needed. Recovery uses
// it to discard allocations made after the last commit.
func (a *Arena) SetTail(tail uint64) error {
	if tail < PreambleSize || tail%Alignment != 0 {
		return fmt.Errorf("%w: invalid tail %d", ErrOutOfRange, tail)
	}
	if !a.opts.ReadOnly {
		if err := a.ensureMapped(tail); err != nil {
			return err
		}
	} else if tail > a.MappedSize() {
		if _, err := a.refresh((tail - 1) / a.segSize); err != nil {
			return err
		}
	}
	a.tail.Store(tail)
	return nil
}

// Reserve hands out size bytes at the tail. A reservation never straddles a
// segment boundary: when the current segment is too short the remainder is
// skipped, stamped as a filler block and returned so the caller can reuse it.
func (a *Arena) Reserve(size uint64) (off uint64, skipped Extent, err error) {
	if a.opts.ReadOnly {
		return 0, Extent{}, ErrReadOnly
	}
	size = AlignUp(size)
	if size == 0 || size > a.segSize {
		return 0, Extent{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	off = a.tail.Load()
	segEnd := (off/a.segSize + 1) * a.segSize
	if off+size > segEnd {
		skipped = Extent{Off: off, Size: segEnd - off}
		off = segEnd
	}

	if err := a.ensureMapped(off + size); err != nil {
		return 0, Extent{}, err
	}
	if skipped.Size > 0 {
		if err := a.WriteHeader(skipped.Off, BlockHeader{Size: uint32(skipped.Size), Kind: KindFiller}); err != nil {
			return 0, Extent{}, err
		}
	}

	a.tail.Store(off + size)
	return off, skipped, nil
}

// Slice returns a view of n bytes at off. The view aliases the mapping and is
// only valid until Close.
func (a *Arena) Slice(off uint64, n int) ([]byte, error) {
	if off == 0 || n < 0 {
		return nil, fmt.Errorf("%w: offset %d length %d", ErrOutOfRange, off, n)
	}

	idx := off / a.segSize
	rel := off % a.segSize
	if rel+uint64(n) > a.segSize {
		return nil, fmt.Errorf("%w: range [%d,%d) crosses a segment boundary", ErrOutOfRange, off, off+uint64(n))
	}

	segs := *a.segs.Load()
	if idx >= uint64(len(segs)) {
		var err error
		if segs, err = a.refresh(idx); err != nil {
			return nil, err
		}
	}

	seg := segs[idx]
	return seg[rel : rel+uint64(n) : rel+uint64(n)], nil
}

// Read copies len(dst) bytes at off into dst
func (a *Arena) Read(off uint64, dst []byte) error {
	src, err := a.Slice(off, len(dst))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// Write copies b into the arena at off
func (a *Arena) Write(off uint64, b []byte) error {
	if a.opts.ReadOnly {
		return ErrReadOnly
	}
	dst, err := a.Slice(off, len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Sync flushes every mapped segment to the backing file
func (a *Arena) Sync() error {
	if a.opts.ReadOnly {
		return nil
	}
	for i, seg := range *a.segs.Load() {
		if err := seg.Flush(); err != nil {
			return fmt.Errorf("failed to sync segment %d of %s: %w", i, a.path, err)
		}
	}
	return nil
}

// Close unmaps every segment and closes the file
func (a *Arena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	a.mapMu.Lock()
	defer a.mapMu.Unlock()

	var firstErr error
	for _, seg := range *a.segs.Load() {
		if err := seg.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	empty := make([]mmap.MMap, 0)
	a.segs.Store(&empty)

	if err := a.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ensureMapped grows the file and the mapping so that [0, end) is addressable
func (a *Arena) ensureMapped(end uint64) error {
	need := (end + a.segSize - 1) / a.segSize
	if uint64(len(*a.segs.Load())) >= need {
		return nil
	}

	a.mapMu.Lock()
	defer a.mapMu.Unlock()

	segs := *a.segs.Load()
	if uint64(len(segs)) >= need {
		return nil
	}
	if a.opts.MaxSize > 0 && need*a.segSize > uint64(a.opts.MaxSize) {
		return fmt.Errorf("%w: %s would exceed %d bytes", ErrOutOfSpace, a.path, a.opts.MaxSize)
	}

	info, err := a.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat arena file: %w", err)
	}
	if uint64(info.Size()) < need*a.segSize {
		from := uint64(info.Size())
		if err := a.file.Truncate(int64(need * a.segSize)); err != nil {
			return growError(a.path, err)
		}
		if err := preallocate(a.file, int64(from), int64(need*a.segSize-from)); err != nil {
			return growError(a.path, err)
		}
	}

	next := make([]mmap.MMap, len(segs), need)
	copy(next, segs)
	for i := uint64(len(segs)); i < need; i++ {
		seg, err := a.mapSegment(i)
		if err != nil {
			return err
		}
		next = append(next, seg)
	}
	a.segs.Store(&next)
	return nil
}

// refresh maps segments that another process added to the file. It returns an
// error when segment idx still does not exist afterwards.
func (a *Arena) refresh(idx uint64) ([]mmap.MMap, error) {
	if a.closed.Load() {
		return nil, fmt.Errorf("%w: arena closed", ErrOutOfRange)
	}

	a.mapMu.Lock()
	defer a.mapMu.Unlock()

	segs := *a.segs.Load()
	if idx < uint64(len(segs)) {
		return segs, nil
	}

	info, err := a.file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat arena file: %w", err)
	}
	have := uint64(info.Size()) / a.segSize
	if idx >= have {
		return nil, fmt.Errorf("%w: segment %d beyond end of %s", ErrOutOfRange, idx, a.path)
	}

	next := make([]mmap.MMap, len(segs), have)
	copy(next, segs)
	for i := uint64(len(segs)); i < have; i++ {
		seg, err := a.mapSegment(i)
		if err != nil {
			return nil, err
		}
		next = append(next, seg)
	}
	a.segs.Store(&next)
	return next, nil
}

func (a *Arena) mapSegment(i uint64) (mmap.MMap, error) {
	prot := mmap.RDWR
	if a.opts.ReadOnly {
		prot = mmap.RDONLY
	}
	seg, err := mmap.MapRegion(a.file, int(a.segSize), prot, 0, int64(i*a.segSize))
	if err != nil {
		return nil, fmt.Errorf("failed to map segment %d of %s: %w", i, a.path, err)
	}
	if err := advise(seg, a.opts.Advice); err != nil {
		seg.Unmap()
		return nil, err
	}
	return seg, nil
}

func growError(path string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EFBIG) {
		return fmt.Errorf("%w: growing %s: %v", ErrOutOfSpace, path, err)
	}
	return fmt.Errorf("failed to grow %s: %w", path, err)
}

// AlignUp rounds n up to the block alignment
func AlignUp(n uint64) uint64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}
