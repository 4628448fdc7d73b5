package trie

import (
	"bytes"
	"fmt"

	"github.com/KevoDB/triekv/pkg/arena"
	"github.com/KevoDB/triekv/pkg/heap"
)

// Store is the writable node storage used by a transaction
type Store interface {
	Source
	Write(off uint64, b []byte) error
}

// Allocator hands out and takes back node blocks
type Allocator interface {
	Alloc(n int, kind arena.BlockKind, flags uint8) (uint64, error)
	Discard(off uint64) error
}

// step is one node on the path from the root to the node being changed
type step struct {
	off  uint64
	node *Node
	// via is the byte of the parent's child table that leads here
	via byte
}

// Txn accumulates mutations against a committed root.
//
// Nodes allocated by the transaction are private to it until the caller
// publishes Root, so they may be rewritten in place. Committed nodes are never
// written: they are copied, and the originals are listed by Retired for the
// caller to reclaim once the new root is visible.
//
// Each mutation is atomic with respect to the transaction: when Insert or
// Delete fails the transaction is left as it was before the call.
type Txn struct {
	store   Store
	alloc   Allocator
	version uint64
	root    uint64

	// fresh maps nodes allocated by this transaction to their payload capacity
	fresh   map[uint64]int
	retired []uint64

	opFresh   []uint64
	opRetired []uint64
	opDiscard []uint64
}

// NewTxn starts a transaction on top of root. Leaves written by the
// transaction are stamped with version.
func NewTxn(store Store, alloc Allocator, root, version uint64) *Txn {
	return &Txn{
		store:   store,
		alloc:   alloc,
		version: version,
		root:    root,
		fresh:   make(map[uint64]int),
	}
}

// NewRoot allocates an empty root node for a new tree
func NewRoot(store Store, alloc Allocator, version uint64) (uint64, error) {
	t := NewTxn(store, alloc, 0, version)
	off, err := t.writeNode(&Node{Version: version})
	if err != nil {
		return 0, err
	}
	return off, nil
}

// Root returns the root of the tree including all mutations so far
func (t *Txn) Root() uint64 {
	return t.root
}

// Version returns the version leaves are stamped with
func (t *Txn) Version() uint64 {
	return t.version
}

// Dirty reports whether the transaction changed anything
func (t *Txn) Dirty() bool {
	return len(t.fresh) > 0 || len(t.retired) > 0
}

// Retired returns the committed nodes replaced by the transaction
func (t *Txn) Retired() []uint64 {
	return t.retired
}

// Abort releases every node allocated by the transaction. The transaction
// must not be used afterwards.
func (t *Txn) Abort() error {
	var firstErr error
	for off := range t.fresh {
		if err := t.alloc.Discard(off); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.fresh = nil
	t.retired = nil
	return firstErr
}

func (t *Txn) beginOp() {
	t.opFresh = t.opFresh[:0]
	t.opRetired = t.opRetired[:0]
	t.opDiscard = t.opDiscard[:0]
}

func (t *Txn) finishOp(err error) error {
	if err != nil {
		for _, off := range t.opFresh {
			delete(t.fresh, off)
			t.alloc.Discard(off)
		}
		return err
	}

	t.retired = append(t.retired, t.opRetired...)
	for _, off := range t.opDiscard {
		delete(t.fresh, off)
		if derr := t.alloc.Discard(off); derr != nil {
			return fmt.Errorf("failed to release replaced node: %w", derr)
		}
	}
	return nil
}

func (t *Txn) readNode(off uint64) (*Node, error) {
	v, err := readNode(t.store, off)
	if err != nil {
		return nil, err
	}
	return v.decode(), nil
}

// writeNode stores n in a new block
func (t *Txn) writeNode(n *Node) (uint64, error) {
	if len(n.Label) > MaxLabel {
		return 0, fmt.Errorf("%w: label of %d bytes", ErrKeyTooLarge, len(n.Label))
	}
	buf := n.encode()
	off, err := t.alloc.Alloc(len(buf), arena.KindNode, 0)
	if err != nil {
		return 0, err
	}
	if err := t.store.Write(off+arena.HeaderSize, buf); err != nil {
		t.alloc.Discard(off)
		return 0, err
	}

	_, payload, err := t.store.Block(off, arena.KindNode)
	if err != nil {
		t.alloc.Discard(off)
		return 0, err
	}
	t.fresh[off] = len(payload)
	t.opFresh = append(t.opFresh, off)
	return off, nil
}

// replaced records that the node at off is no longer part of the new tree
func (t *Txn) replaced(off uint64) {
	if _, ok := t.fresh[off]; ok {
		t.opDiscard = append(t.opDiscard, off)
		return
	}
	t.opRetired = append(t.opRetired, off)
}

// put stores n as the new version of the node at off. A node private to the
// transaction is rewritten in place when the new encoding fits.
func (t *Txn) put(off uint64, n *Node) (uint64, error) {
	if capacity, ok := t.fresh[off]; ok && n.encodedSize() <= capacity && !t.discarding(off) {
		if err := t.store.Write(off+arena.HeaderSize, n.encode()); err != nil {
			return 0, err
		}
		return off, nil
	}

	newOff, err := t.writeNode(n)
	if err != nil {
		return 0, err
	}
	t.replaced(off)
	return newOff, nil
}

func (t *Txn) discarding(off uint64) bool {
	for _, d := range t.opDiscard {
		if d == off {
			return true
		}
	}
	return false
}

// rewritePath installs n as the new version of path[i] and relinks every
// ancestor. It stops early once a node could be updated in place, since the
// links above it are unchanged.
func (t *Txn) rewritePath(path []step, i int, n *Node) error {
	for ; i >= 0; i-- {
		off, err := t.put(path[i].off, n)
		if err != nil {
			return err
		}
		if off == path[i].off {
			return nil
		}
		if i == 0 {
			t.root = off
			return nil
		}
		parent := path[i-1].node.clone()
		parent.setChild(path[i].via, off)
		n = parent
	}
	return nil
}

// descend follows key from the root. It returns the path of fully matched
// nodes and the number of key bytes they consume. When the walk stops inside
// the label of a child, that child is returned as partial.
func (t *Txn) descend(key []byte) (path []step, pos int, partial *step, err error) {
	root, err := t.readNode(t.root)
	if err != nil {
		return nil, 0, nil, err
	}
	path = []step{{off: t.root, node: root}}

	for pos < len(key) {
		cur := path[len(path)-1].node
		i, ok := cur.find(key[pos])
		if !ok {
			return path, pos, nil, nil
		}
		off := cur.Children[i]
		child, err := t.readNode(off)
		if err != nil {
			return nil, 0, nil, err
		}
		if len(child.Label) == 0 || child.Label[0] != key[pos] {
			return nil, 0, nil, fmt.Errorf("%w: child at %d does not start with %#x", ErrCorrupt, off, key[pos])
		}
		st := step{off: off, node: child, via: key[pos]}
		if !bytes.HasPrefix(key[pos:], child.Label) {
			return path, pos, &st, nil
		}
		path = append(path, st)
		pos += len(child.Label)
	}
	return path, pos, nil, nil
}

// Insert stores ref as the value of key and returns the reference it replaced
func (t *Txn) Insert(key []byte, ref heap.Ref) (heap.Ref, error) {
	return t.insert(key, ref, true)
}

// InsertNew stores ref as the value of key unless key is already present, in
// which case it fails with ErrExists and changes nothing
func (t *Txn) InsertNew(key []byte, ref heap.Ref) error {
	_, err := t.insert(key, ref, false)
	return err
}

func (t *Txn) insert(key []byte, ref heap.Ref, overwrite bool) (prev heap.Ref, err error) {
	if len(key) > MaxLabel {
		return heap.Ref{}, fmt.Errorf("%w: %d bytes", ErrKeyTooLarge, len(key))
	}
	t.beginOp()
	defer func() { err = t.finishOp(err) }()

	path, pos, partial, err := t.descend(key)
	if err != nil {
		return heap.Ref{}, err
	}
	last := len(path) - 1

	switch {
	case partial == nil && pos == len(key):
		// the key ends on an existing node
		if !overwrite && path[last].node.HasLeaf() {
			return heap.Ref{}, ErrExists
		}
		n := path[last].node.clone()
		prev = n.Leaf
		n.Leaf = ref
		n.Version = t.version
		return prev, t.rewritePath(path, last, n)

	case partial == nil:
		// no child for the next byte
		leafOff, err := t.writeNode(&Node{Version: t.version, Leaf: ref, Label: key[pos:]})
		if err != nil {
			return heap.Ref{}, err
		}
		n := path[last].node.clone()
		n.setChild(key[pos], leafOff)
		return heap.Ref{}, t.rewritePath(path, last, n)

	default:
		// the key leaves the child's label part way: split the edge
		label := partial.node.Label
		m := commonPrefix(label, key[pos:])

		rest := partial.node.clone()
		rest.Label = label[m:]
		restOff, err := t.writeNode(rest)
		if err != nil {
			return heap.Ref{}, err
		}
		t.replaced(partial.off)

		split := &Node{Version: t.version, Label: label[:m]}
		split.setChild(label[m], restOff)
		if pos+m == len(key) {
			split.Leaf = ref
		} else {
			leafOff, err := t.writeNode(&Node{Version: t.version, Leaf: ref, Label: key[pos+m:]})
			if err != nil {
				return heap.Ref{}, err
			}
			split.setChild(key[pos+m], leafOff)
		}
		splitOff, err := t.writeNode(split)
		if err != nil {
			return heap.Ref{}, err
		}

		n := path[last].node.clone()
		n.setChild(partial.via, splitOff)
		return heap.Ref{}, t.rewritePath(path, last, n)
	}
}

// Delete removes key and returns the reference it held
func (t *Txn) Delete(key []byte) (prev heap.Ref, err error) {
	t.beginOp()
	defer func() { err = t.finishOp(err) }()

	path, pos, partial, err := t.descend(key)
	if err != nil {
		return heap.Ref{}, err
	}
	last := len(path) - 1
	if partial != nil || pos != len(key) || !path[last].node.HasLeaf() {
		return heap.Ref{}, ErrNotFound
	}

	n := path[last].node.clone()
	prev = n.Leaf
	n.Leaf = heap.Ref{}

	switch {
	case last == 0:
		// the root stays, even when empty
		return prev, t.rewritePath(path, 0, n)

	case len(n.Children) == 0:
		// unlink the node from its parent
		t.replaced(path[last].off)
		parent := path[last-1].node.clone()
		parent.removeChild(path[last].via)
		if last-1 > 0 && !parent.HasLeaf() && len(parent.Children) == 1 {
			merged, err := t.absorbChild(parent)
			if err != nil {
				return heap.Ref{}, err
			}
			return prev, t.rewritePath(path, last-1, merged)
		}
		return prev, t.rewritePath(path, last-1, parent)

	case len(n.Children) == 1:
		merged, err := t.absorbChild(n)
		if err != nil {
			return heap.Ref{}, err
		}
		return prev, t.rewritePath(path, last, merged)

	default:
		return prev, t.rewritePath(path, last, n)
	}
}

// absorbChild merges n, which has no leaf and a single child, with that child.
// The result takes n's place in the tree.
func (t *Txn) absorbChild(n *Node) (*Node, error) {
	childOff := n.Children[0]
	child, err := t.readNode(childOff)
	if err != nil {
		return nil, err
	}
	merged := child.clone()
	merged.Label = append(append([]byte(nil), n.Label...), child.Label...)
	if len(merged.Label) > MaxLabel {
		return nil, fmt.Errorf("%w: merged label of %d bytes", ErrKeyTooLarge, len(merged.Label))
	}
	t.replaced(childOff)
	return merged, nil
}

// Clear replaces the tree with an empty one. It returns the value references
// of every key that was removed.
func (t *Txn) Clear() (refs []heap.Ref, err error) {
	t.beginOp()
	defer func() { err = t.finishOp(err) }()

	var nodes []uint64
	err = Walk(t.store, t.root, func(off uint64, leaf Leaf, hasLeaf bool) error {
		nodes = append(nodes, off)
		if hasLeaf {
			refs = append(refs, leaf.Ref)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	root, err := t.writeNode(&Node{Version: t.version})
	if err != nil {
		return nil, err
	}
	for _, off := range nodes {
		t.replaced(off)
	}
	t.root = root
	return refs, nil
}
