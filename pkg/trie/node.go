// Package trie implements a path-compressed trie stored in an arena.
//
// Nodes reachable from a committed root are immutable. A write transaction
// builds new versions of the nodes on the path from the changed node up to the
// root and hands the new root to the caller, who publishes it. Readers therefore
// always traverse a complete tree, whichever root they picked up.
package trie

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/KevoDB/triekv/pkg/heap"
)

// Node payload layout, following the block header:
//
//	[0:8]   version stamp of the leaf
//	[8:16]  leaf value offset (0 = no leaf)
//	[16:20] leaf value length
//	[20:22] label length
//	[22:24] child count
//	[24:]   label, child key bytes, child offsets (8 bytes each)
const (
	nodeFixedSize = 24
	childRefSize  = 8

	// MaxLabel is the longest edge label a node can carry
	MaxLabel = 1<<16 - 1
	// MaxChildren is the fan-out of a node, one child per byte value
	MaxChildren = 256
)

var (
	// ErrNotFound is returned when a key is not present
	ErrNotFound = errors.New("trie: key not found")
	// ErrCorrupt is returned when a node fails validation
	ErrCorrupt = errors.New("trie: corrupt node")
	// ErrKeyTooLarge is returned for keys longer than a label can hold
	ErrKeyTooLarge = errors.New("trie: key too large")
	// ErrExists is returned by InsertNew when the key already has a leaf
	ErrExists = errors.New("trie: key exists")
)

// Source gives read access to node blocks
type Source interface {
	Block(off uint64, kind arena.BlockKind) (arena.BlockHeader, []byte, error)
}

// Leaf is the value reference stored on a node
type Leaf struct {
	Ref     heap.Ref
	Version uint64
}

// view is a zero-copy window onto an encoded node
type view struct {
	off     uint64
	size    uint32
	payload []byte
	nlabel  int
	nchild  int
}

func readNode(src Source, off uint64) (view, error) {
	hdr, payload, err := src.Block(off, arena.KindNode)
	if err != nil {
		return view{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if len(payload) < nodeFixedSize {
		return view{}, fmt.Errorf("%w: node at %d is %d bytes", ErrCorrupt, off, len(payload))
	}

	v := view{
		off:     off,
		size:    hdr.Size,
		payload: payload,
		nlabel:  int(binary.LittleEndian.Uint16(payload[20:22])),
		nchild:  int(binary.LittleEndian.Uint16(payload[22:24])),
	}
	if v.nchild > MaxChildren || nodeFixedSize+v.nlabel+v.nchild*(1+childRefSize) > len(payload) {
		return view{}, fmt.Errorf("%w: node at %d has label %d and %d children in %d bytes",
			ErrCorrupt, off, v.nlabel, v.nchild, len(payload))
	}
	return v, nil
}

func (v view) version() uint64 {
	return binary.LittleEndian.Uint64(v.payload[0:8])
}

func (v view) leaf() (Leaf, bool) {
	off := binary.LittleEndian.Uint64(v.payload[8:16])
	if off == 0 {
		return Leaf{}, false
	}
	return Leaf{
		Ref:     heap.Ref{Off: off, Len: binary.LittleEndian.Uint32(v.payload[16:20])},
		Version: v.version(),
	}, true
}

func (v view) label() []byte {
	return v.payload[nodeFixedSize : nodeFixedSize+v.nlabel]
}

func (v view) keys() []byte {
	start := nodeFixedSize + v.nlabel
	return v.payload[start : start+v.nchild]
}

func (v view) childAt(i int) uint64 {
	start := nodeFixedSize + v.nlabel + v.nchild + i*childRefSize
	return binary.LittleEndian.Uint64(v.payload[start : start+childRefSize])
}

// child returns the offset of the child whose label starts with b
func (v view) child(b byte) (uint64, bool) {
	keys := v.keys()
	i := sort.Search(len(keys), func(i int) bool { return keys[i] >= b })
	if i < len(keys) && keys[i] == b {
		return v.childAt(i), true
	}
	return 0, false
}

// lowerBound returns the index of the first child whose key byte is >= b
func (v view) lowerBound(b byte) int {
	keys := v.keys()
	return sort.Search(len(keys), func(i int) bool { return keys[i] >= b })
}

// enter reads the child at off reached through byte b and checks that its
// label is consistent with the edge
func enter(src Source, off uint64, b byte) (view, error) {
	c, err := readNode(src, off)
	if err != nil {
		return view{}, err
	}
	if lbl := c.label(); len(lbl) == 0 || lbl[0] != b {
		return view{}, fmt.Errorf("%w: child at %d does not start with %#x", ErrCorrupt, off, b)
	}
	return c, nil
}

// Node is a decoded, modifiable copy of a node
type Node struct {
	Version  uint64
	Leaf     heap.Ref
	Label    []byte
	Keys     []byte
	Children []uint64
}

func (v view) decode() *Node {
	n := &Node{
		Version:  v.version(),
		Label:    append([]byte(nil), v.label()...),
		Keys:     append([]byte(nil), v.keys()...),
		Children: make([]uint64, v.nchild),
	}
	if l, ok := v.leaf(); ok {
		n.Leaf = l.Ref
	}
	for i := range n.Children {
		n.Children[i] = v.childAt(i)
	}
	return n
}

// HasLeaf reports whether a key ends at this node
func (n *Node) HasLeaf() bool {
	return n.Leaf.Off != 0
}

func (n *Node) clone() *Node {
	return &Node{
		Version:  n.Version,
		Leaf:     n.Leaf,
		Label:    append([]byte(nil), n.Label...),
		Keys:     append([]byte(nil), n.Keys...),
		Children: append([]uint64(nil), n.Children...),
	}
}

func (n *Node) encodedSize() int {
	return nodeFixedSize + len(n.Label) + len(n.Keys)*(1+childRefSize)
}

func (n *Node) encode() []byte {
	buf := make([]byte, n.encodedSize())
	binary.LittleEndian.PutUint64(buf[0:8], n.Version)
	binary.LittleEndian.PutUint64(buf[8:16], n.Leaf.Off)
	binary.LittleEndian.PutUint32(buf[16:20], n.Leaf.Len)
	binary.LittleEndian.PutUint16(buf[20:22], uint16(len(n.Label)))
	binary.LittleEndian.PutUint16(buf[22:24], uint16(len(n.Keys)))
	p := nodeFixedSize
	p += copy(buf[p:], n.Label)
	p += copy(buf[p:], n.Keys)
	for _, c := range n.Children {
		binary.LittleEndian.PutUint64(buf[p:], c)
		p += childRefSize
	}
	return buf
}

func (n *Node) find(b byte) (int, bool) {
	i := sort.Search(len(n.Keys), func(i int) bool { return n.Keys[i] >= b })
	return i, i < len(n.Keys) && n.Keys[i] == b
}

// setChild links b to off, replacing an existing link or inserting a new one
// in key order
func (n *Node) setChild(b byte, off uint64) {
	i, ok := n.find(b)
	if ok {
		n.Children[i] = off
		return
	}
	n.Keys = append(n.Keys, 0)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = b
	n.Children = append(n.Children, 0)
	copy(n.Children[i+1:], n.Children[i:])
	n.Children[i] = off
}

func (n *Node) removeChild(b byte) {
	i, ok := n.find(b)
	if !ok {
		return
	}
	n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
	n.Children = append(n.Children[:i], n.Children[i+1:]...)
}

func commonPrefix(a, b []byte) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
