// Package heap stores variable-length values in an arena.
//
// Each value lives in its own block. The block payload starts with the stored
// length, followed by the (possibly compressed) bytes; the codec is recorded in
// the block header flags. A Ref gives the block offset and the length of the
// original value.
package heap

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/KevoDB/triekv/pkg/codec"
)

const lengthPrefix = 4

// ErrValueTooLarge is returned for values that cannot be stored in one block
var ErrValueTooLarge = errors.New("heap: value too large")

// Ref locates a stored value
type Ref struct {
	Off uint64
	Len uint32
}

// IsZero reports whether the reference points nowhere
func (r Ref) IsZero() bool {
	return r.Off == 0
}

// Options configures value storage
type Options struct {
	// Codec compresses values of at least MinCompressSize bytes
	Codec           codec.Codec
	MinCompressSize int
	// MaxValueSize bounds the length of a single value
	MaxValueSize int
}

// Heap stores and loads values. Store and Release must be serialized by the
// writer; Load is safe for concurrent use.
type Heap struct {
	alloc  *arena.Allocator
	arena  *arena.Arena
	codecs *codec.Manager
	opts   Options
}

// New creates a heap over an arena. alloc may be nil for read-only use.
func New(a *arena.Arena, alloc *arena.Allocator, codecs *codec.Manager, opts Options) *Heap {
	if opts.MaxValueSize <= 0 || opts.MaxValueSize > int(a.SegmentSize())-arena.HeaderSize-lengthPrefix {
		opts.MaxValueSize = int(a.SegmentSize()) - arena.HeaderSize - lengthPrefix
	}
	return &Heap{alloc: alloc, arena: a, codecs: codecs, opts: opts}
}

// MaxValueSize returns the largest value Store accepts
func (h *Heap) MaxValueSize() int {
	return h.opts.MaxValueSize
}

// Store writes value into a new block and returns its reference
func (h *Heap) Store(value []byte) (Ref, error) {
	if h.alloc == nil {
		return Ref{}, arena.ErrReadOnly
	}
	if len(value) > h.opts.MaxValueSize {
		return Ref{}, fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(value), h.opts.MaxValueSize)
	}

	stored, c := value, codec.None
	if h.opts.Codec != codec.None && len(value) >= h.opts.MinCompressSize && h.codecs != nil {
		packed, err := h.codecs.Compress(nil, value, h.opts.Codec)
		if err != nil {
			return Ref{}, err
		}
		if len(packed) < len(value) {
			stored, c = packed, h.opts.Codec
		}
	}

	off, err := h.alloc.Alloc(lengthPrefix+len(stored), arena.KindValue, uint8(c))
	if err != nil {
		return Ref{}, err
	}

	buf := make([]byte, lengthPrefix+len(stored))
	binary.LittleEndian.PutUint32(buf, uint32(len(stored)))
	copy(buf[lengthPrefix:], stored)
	if err := h.arena.Write(off+arena.HeaderSize, buf); err != nil {
		h.alloc.Discard(off)
		return Ref{}, err
	}

	return Ref{Off: off, Len: uint32(len(value))}, nil
}

// Load returns a copy of the value referenced by r
func (h *Heap) Load(r Ref) ([]byte, error) {
	hdr, payload, err := h.arena.Block(r.Off, arena.KindValue)
	if err != nil {
		return nil, err
	}
	if len(payload) < lengthPrefix {
		return nil, fmt.Errorf("%w: value block at %d too short", arena.ErrBadBlock, r.Off)
	}
	n := int(binary.LittleEndian.Uint32(payload))
	if n > len(payload)-lengthPrefix {
		return nil, fmt.Errorf("%w: value block at %d claims %d bytes", arena.ErrBadBlock, r.Off, n)
	}
	stored := payload[lengthPrefix : lengthPrefix+n]

	c := codec.Codec(hdr.Flags)
	if c == codec.None {
		if n != int(r.Len) {
			return nil, fmt.Errorf("%w: value at %d has %d bytes, expected %d", arena.ErrBadBlock, r.Off, n, r.Len)
		}
		out := make([]byte, n)
		copy(out, stored)
		return out, nil
	}
	if h.codecs == nil {
		return nil, fmt.Errorf("%w: %v", codec.ErrUnknownCodec, c)
	}
	return h.codecs.Decompress(stored, c, int(r.Len))
}

// Release retires the value block at version; its space is reused once the
// grace period has passed
func (h *Heap) Release(r Ref, version uint64) error {
	if h.alloc == nil {
		return arena.ErrReadOnly
	}
	return h.alloc.Retire(r.Off, version)
}

// Discard frees a block that was never visible to readers
func (h *Heap) Discard(r Ref) error {
	if h.alloc == nil {
		return arena.ErrReadOnly
	}
	return h.alloc.Discard(r.Off)
}

// BlockSize returns the size of the block holding r
func (h *Heap) BlockSize(r Ref) (uint64, error) {
	hdr, err := h.arena.ReadHeader(r.Off)
	if err != nil {
		return 0, err
	}
	return uint64(hdr.Size), nil
}
