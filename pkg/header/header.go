// Package header manages the fixed-size header file of a database.
//
// The header is a single 4096-byte mapped record. Its first part is written
// once at creation and protected by a checksum. The live part holds the
// current root offset and version, read by every lookup and published by the
// writer with atomic stores. Two checksummed commit slots keep the last two
// committed states so that an interrupted commit can be rolled back.
package header

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
)

const (
	// Size is the size of the header file
	Size = 4096

	// FormatVersion is the on-disk format written by this package
	FormatVersion = 1

	preambleSumOff = 120
	liveVersionOff = 128
	liveRootOff    = 136
	commitFlagOff  = 144
	writerOff      = 152
	slotBase       = 256
	slotSize       = 128
	slotSumOff     = 64
)

var magic = [8]byte{'T', 'R', 'I', 'E', 'K', 'V', 'H', '1'}

var (
	// ErrCorrupt is returned when the header fails validation
	ErrCorrupt = errors.New("header: corrupt")
	// ErrReadOnly is returned for writes through a read-only header
	ErrReadOnly = errors.New("header: read-only")
)

// Geometry is the immutable description of a database written at creation
type Geometry struct {
	ID               uuid.UUID
	IndexSegmentSize uint64
	DataSegmentSize  uint64
	Created          time.Time
	// Grace is the number of commits retired space waits before reuse. Readers
	// rely on it to decide whether a traversal saw a consistent tree, so it is
	// fixed for the lifetime of the database.
	Grace uint64
}

// Slot is one committed state
type Slot struct {
	Version   uint64
	Root      uint64
	IndexTail uint64
	DataTail  uint64
	Count     uint64
	IndexFree uint64
	DataFree  uint64
	Timestamp int64
}

func (s Slot) encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], s.Version)
	binary.LittleEndian.PutUint64(dst[8:16], s.Root)
	binary.LittleEndian.PutUint64(dst[16:24], s.IndexTail)
	binary.LittleEndian.PutUint64(dst[24:32], s.DataTail)
	binary.LittleEndian.PutUint64(dst[32:40], s.Count)
	binary.LittleEndian.PutUint64(dst[40:48], s.IndexFree)
	binary.LittleEndian.PutUint64(dst[48:56], s.DataFree)
	binary.LittleEndian.PutUint64(dst[56:64], uint64(s.Timestamp))
	binary.LittleEndian.PutUint64(dst[slotSumOff:slotSumOff+8], xxhash.Sum64(dst[:slotSumOff]))
}

func decodeSlot(src []byte) (Slot, bool) {
	if xxhash.Sum64(src[:slotSumOff]) != binary.LittleEndian.Uint64(src[slotSumOff:slotSumOff+8]) {
		return Slot{}, false
	}
	s := Slot{
		Version:   binary.LittleEndian.Uint64(src[0:8]),
		Root:      binary.LittleEndian.Uint64(src[8:16]),
		IndexTail: binary.LittleEndian.Uint64(src[16:24]),
		DataTail:  binary.LittleEndian.Uint64(src[24:32]),
		Count:     binary.LittleEndian.Uint64(src[32:40]),
		IndexFree: binary.LittleEndian.Uint64(src[40:48]),
		DataFree:  binary.LittleEndian.Uint64(src[48:56]),
		Timestamp: int64(binary.LittleEndian.Uint64(src[56:64])),
	}
	// a zeroed slot checksums fine but was never written
	if s.Version == 0 {
		return Slot{}, false
	}
	return s, true
}

// Header is a mapped header file
type Header struct {
	path     string
	file     *os.File
	mm       mmap.MMap
	readOnly bool
	geo      Geometry
}

// Create writes a new header file holding the given geometry and initial
// committed state. The file is written to a temporary name and renamed into
// place so that a database is never observed with a half-written header.
func Create(path string, geo Geometry, initial Slot) (*Header, error) {
	if initial.Version == 0 {
		return nil, fmt.Errorf("header: initial version must be positive")
	}
	if geo.Grace == 0 {
		return nil, fmt.Errorf("header: grace must be positive")
	}

	buf := make([]byte, Size)
	copy(buf[0:8], magic[:])
	binary.LittleEndian.PutUint32(buf[8:12], FormatVersion)
	binary.LittleEndian.PutUint64(buf[16:24], geo.IndexSegmentSize)
	binary.LittleEndian.PutUint64(buf[24:32], geo.DataSegmentSize)
	copy(buf[32:48], geo.ID[:])
	binary.LittleEndian.PutUint64(buf[48:56], uint64(geo.Created.UnixNano()))
	binary.LittleEndian.PutUint64(buf[56:64], geo.Grace)
	binary.LittleEndian.PutUint64(buf[preambleSumOff:preambleSumOff+8], xxhash.Sum64(buf[:preambleSumOff]))

	binary.LittleEndian.PutUint64(buf[liveVersionOff:], initial.Version)
	binary.LittleEndian.PutUint64(buf[liveRootOff:], initial.Root)
	binary.LittleEndian.PutUint64(buf[commitFlagOff:], 1)
	initial.encode(buf[slotOffset(initial.Version) : slotOffset(initial.Version)+slotSize])

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create header: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to sync header: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close header: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("failed to install header: %w", err)
	}

	return Open(path, false)
}

// Open maps an existing header file and verifies its preamble
func Open(path string, readOnly bool) (*Header, error) {
	flag, prot := os.O_RDWR, mmap.RDWR
	if readOnly {
		flag, prot = os.O_RDONLY, mmap.RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open header: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat header: %w", err)
	}
	if info.Size() != Size {
		f.Close()
		return nil, fmt.Errorf("%w: header file is %d bytes", ErrCorrupt, info.Size())
	}

	mm, err := mmap.MapRegion(f, Size, prot, 0, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to map header: %w", err)
	}

	h := &Header{path: path, file: f, mm: mm, readOnly: readOnly}
	if err := h.checkPreamble(); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Header) checkPreamble() error {
	p := h.mm[:preambleSumOff+8]
	if !bytes.Equal(p[0:8], magic[:]) {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if xxhash.Sum64(p[:preambleSumOff]) != binary.LittleEndian.Uint64(p[preambleSumOff:]) {
		return fmt.Errorf("%w: preamble checksum mismatch", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(p[8:12]); v != FormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, v)
	}

	h.geo.IndexSegmentSize = binary.LittleEndian.Uint64(p[16:24])
	h.geo.DataSegmentSize = binary.LittleEndian.Uint64(p[24:32])
	copy(h.geo.ID[:], p[32:48])
	h.geo.Created = time.Unix(0, int64(binary.LittleEndian.Uint64(p[48:56])))
	h.geo.Grace = binary.LittleEndian.Uint64(p[56:64])
	if h.geo.Grace == 0 {
		return fmt.Errorf("%w: zero grace", ErrCorrupt)
	}
	return nil
}

// Geometry returns the immutable database description
func (h *Header) Geometry() Geometry {
	return h.geo
}

func (h *Header) word(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&h.mm[off]))
}

// Version returns the live committed version
func (h *Header) Version() uint64 {
	return atomic.LoadUint64(h.word(liveVersionOff))
}

// Root returns the live root offset
func (h *Header) Root() uint64 {
	return atomic.LoadUint64(h.word(liveRootOff))
}

// Publish makes root the live root at version. The root is stored first so a
// reader that observes the new version also observes the new root.
func (h *Header) Publish(root, version uint64) {
	atomic.StoreUint64(h.word(liveRootOff), root)
	atomic.StoreUint64(h.word(liveVersionOff), version)
}

// CommitComplete reports whether the last commit finished
func (h *Header) CommitComplete() bool {
	return atomic.LoadUint64(h.word(commitFlagOff)) == 1
}

// SetCommitComplete sets or clears the commit-complete flag
func (h *Header) SetCommitComplete(done bool) {
	var v uint64
	if done {
		v = 1
	}
	atomic.StoreUint64(h.word(commitFlagOff), v)
}

// WriterMarker returns the token of the writer session that owns the
// database, or 0 when no writer session is open
func (h *Header) WriterMarker() uint64 {
	return atomic.LoadUint64(h.word(writerOff))
}

// SetWriterMarker records the owning writer session
func (h *Header) SetWriterMarker(token uint64) {
	atomic.StoreUint64(h.word(writerOff), token)
}

func slotOffset(version uint64) int {
	return slotBase + int(version%2)*slotSize
}

// Slot returns commit slot i (0 or 1) and whether it holds a valid state
func (h *Header) Slot(i int) (Slot, bool) {
	off := slotBase + (i&1)*slotSize
	buf := make([]byte, slotSize)
	copy(buf, h.mm[off:off+slotSize])
	return decodeSlot(buf)
}

// LatestSlot returns the valid slot with the highest version
func (h *Header) LatestSlot() (Slot, error) {
	a, okA := h.Slot(0)
	b, okB := h.Slot(1)
	switch {
	case okA && okB:
		if b.Version > a.Version {
			return b, nil
		}
		return a, nil
	case okA:
		return a, nil
	case okB:
		return b, nil
	default:
		return Slot{}, fmt.Errorf("%w: no valid commit slot", ErrCorrupt)
	}
}

// WriteSlot stores s in the slot selected by its version, leaving the slot of
// the previous version intact
func (h *Header) WriteSlot(s Slot) error {
	if h.readOnly {
		return ErrReadOnly
	}
	off := slotOffset(s.Version)
	buf := make([]byte, slotSize)
	s.encode(buf)
	copy(h.mm[off:off+slotSize], buf)
	return nil
}

// Sync flushes the header to disk
func (h *Header) Sync() error {
	if h.readOnly {
		return nil
	}
	if err := h.mm.Flush(); err != nil {
		return fmt.Errorf("failed to sync header: %w", err)
	}
	return nil
}

// Close unmaps the header and closes the file
func (h *Header) Close() error {
	var firstErr error
	if h.mm != nil {
		if err := h.mm.Unmap(); err != nil {
			firstErr = err
		}
		h.mm = nil
	}
	if err := h.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
