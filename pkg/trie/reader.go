package trie

import (
	"bytes"
	"fmt"
)

// Lookup returns the leaf stored for key in the tree rooted at root
func Lookup(src Source, root uint64, key []byte) (Leaf, error) {
	n, err := readNode(src, root)
	if err != nil {
		return Leaf{}, err
	}

	pos := 0
	for pos < len(key) {
		off, ok := n.child(key[pos])
		if !ok {
			return Leaf{}, ErrNotFound
		}
		c, err := enter(src, off, key[pos])
		if err != nil {
			return Leaf{}, err
		}
		if !bytes.HasPrefix(key[pos:], c.label()) {
			return Leaf{}, ErrNotFound
		}
		pos += c.nlabel
		n = c
	}

	leaf, ok := n.leaf()
	if !ok {
		return Leaf{}, ErrNotFound
	}
	return leaf, nil
}

// LongestPrefix returns the leaf of the longest stored key that is a prefix of
// key, together with that key's length
func LongestPrefix(src Source, root uint64, key []byte) (int, Leaf, error) {
	n, err := readNode(src, root)
	if err != nil {
		return 0, Leaf{}, err
	}

	best, bestLen, found := Leaf{}, 0, false
	pos := 0
	for {
		if leaf, ok := n.leaf(); ok {
			best, bestLen, found = leaf, pos, true
		}
		if pos == len(key) {
			break
		}
		off, ok := n.child(key[pos])
		if !ok {
			break
		}
		c, err := enter(src, off, key[pos])
		if err != nil {
			return 0, Leaf{}, err
		}
		if !bytes.HasPrefix(key[pos:], c.label()) {
			break
		}
		pos += c.nlabel
		n = c
	}

	if !found {
		return 0, Leaf{}, ErrNotFound
	}
	return bestLen, best, nil
}

// WalkFunc is called for every node reached by Walk
type WalkFunc func(off uint64, leaf Leaf, hasLeaf bool) error

// Walk visits every node reachable from root. A node reached twice means the
// structure is not a tree and is reported as corruption.
func Walk(src Source, root uint64, fn WalkFunc) error {
	seen := make(map[uint64]struct{})
	stack := []uint64{root}
	for len(stack) > 0 {
		off := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, dup := seen[off]; dup {
			return fmt.Errorf("%w: node at %d reachable twice", ErrCorrupt, off)
		}
		seen[off] = struct{}{}

		n, err := readNode(src, off)
		if err != nil {
			return err
		}
		leaf, ok := n.leaf()
		if err := fn(off, leaf, ok); err != nil {
			return err
		}
		for i := n.nchild - 1; i >= 0; i-- {
			stack = append(stack, n.childAt(i))
		}
	}
	return nil
}

// Stats describes the shape of a tree
type Stats struct {
	Nodes    int
	Leaves   int
	MaxDepth int
	Bytes    uint64
}

// Collect walks the tree rooted at root and summarizes it
func Collect(src Source, root uint64) (Stats, error) {
	var st Stats
	type item struct {
		off   uint64
		depth int
	}
	stack := []item{{root, 0}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		n, err := readNode(src, it.off)
		if err != nil {
			return st, err
		}
		st.Nodes++
		st.Bytes += uint64(n.size)
		st.MaxDepth = max(st.MaxDepth, it.depth)
		if _, ok := n.leaf(); ok {
			st.Leaves++
		}
		if it.depth > MaxLabel {
			return st, fmt.Errorf("%w: tree deeper than the longest key", ErrCorrupt)
		}
		for i := 0; i < n.nchild; i++ {
			stack = append(stack, item{n.childAt(i), it.depth + 1})
		}
	}
	return st, nil
}
