package arena

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the header in front of every block
const HeaderSize = 8

// ErrBadBlock is returned when a block header is malformed
var ErrBadBlock = errors.New("arena: malformed block")

// BlockKind tells what a block holds
type BlockKind uint8

const (
	KindInvalid BlockKind = iota
	// KindNode holds a trie node
	KindNode
	// KindValue holds a value payload
	KindValue
	// KindFree is reclaimed space owned by a free-list
	KindFree
	// KindFiller is the unused end of a segment skipped by a reservation
	KindFiller
	// KindFreeList holds a persisted free-list chunk
	KindFreeList
)

// String returns a short name for the kind
func (k BlockKind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindValue:
		return "value"
	case KindFree:
		return "free"
	case KindFiller:
		return "filler"
	case KindFreeList:
		return "freelist"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// BlockHeader is the fixed prefix of every block.
//
//	[0:4] size  total block size including the header
//	[4]   kind
//	[5]   flags (owner defined)
//	[6:8] reserved
type BlockHeader struct {
	Size  uint32
	Kind  BlockKind
	Flags uint8
}

// PayloadSize returns the number of bytes after the header
func (h BlockHeader) PayloadSize() int {
	return int(h.Size) - HeaderSize
}

func (h BlockHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Size)
	dst[4] = byte(h.Kind)
	dst[5] = h.Flags
	dst[6] = 0
	dst[7] = 0
}

// ReadHeader decodes and validates the block header at off
func (a *Arena) ReadHeader(off uint64) (BlockHeader, error) {
	if off%Alignment != 0 {
		return BlockHeader{}, fmt.Errorf("%w: unaligned offset %d", ErrBadBlock, off)
	}
	raw, err := a.Slice(off, HeaderSize)
	if err != nil {
		return BlockHeader{}, err
	}

	h := BlockHeader{
		Size:  binary.LittleEndian.Uint32(raw[0:4]),
		Kind:  BlockKind(raw[4]),
		Flags: raw[5],
	}
	if h.Size < HeaderSize || h.Size%Alignment != 0 {
		return BlockHeader{}, fmt.Errorf("%w: size %d at offset %d", ErrBadBlock, h.Size, off)
	}
	if h.Kind == KindInvalid || h.Kind > KindFreeList {
		return BlockHeader{}, fmt.Errorf("%w: kind %d at offset %d", ErrBadBlock, h.Kind, off)
	}
	if off%a.segSize+uint64(h.Size) > a.segSize {
		return BlockHeader{}, fmt.Errorf("%w: block at %d crosses a segment boundary", ErrBadBlock, off)
	}
	return h, nil
}

// WriteHeader stores a block header at off
func (a *Arena) WriteHeader(off uint64, h BlockHeader) error {
	if off%Alignment != 0 {
		return fmt.Errorf("%w: unaligned offset %d", ErrBadBlock, off)
	}
	if a.opts.ReadOnly {
		return ErrReadOnly
	}
	raw, err := a.Slice(off, HeaderSize)
	if err != nil {
		return err
	}
	h.encode(raw)
	return nil
}

// Block returns the header of the block at off and a view of its payload.
// When kind is not KindInvalid the block must be of that kind.
func (a *Arena) Block(off uint64, kind BlockKind) (BlockHeader, []byte, error) {
	h, err := a.ReadHeader(off)
	if err != nil {
		return BlockHeader{}, nil, err
	}
	if kind != KindInvalid && h.Kind != kind {
		return BlockHeader{}, nil, fmt.Errorf("%w: expected %s block at %d, found %s", ErrBadBlock, kind, off, h.Kind)
	}
	payload, err := a.Slice(off+HeaderSize, h.PayloadSize())
	if err != nil {
		return BlockHeader{}, nil, err
	}
	return h, payload, nil
}

// Walk visits every block between the preamble and the tail in address order
func (a *Arena) Walk(fn func(off uint64, h BlockHeader) error) error {
	off, tail := uint64(PreambleSize), a.Tail()
	for off < tail {
		h, err := a.ReadHeader(off)
		if err != nil {
			return fmt.Errorf("walking %s: %w", a.path, err)
		}
		if err := fn(off, h); err != nil {
			return err
		}
		off += uint64(h.Size)
	}
	if off != tail {
		return fmt.Errorf("%w: last block ends at %d past tail %d", ErrBadBlock, off, tail)
	}
	return nil
}
