package trie

import (
	"bytes"
)

// frame is one level of the depth-first traversal
type frame struct {
	node view
	// keyLen is the length of the key prefix this node represents
	keyLen int
	// next is the index of the next child to visit
	next int
	// leafDone is set once the node's own leaf has been considered
	leafDone bool
}

// Cursor walks the keys of one tree in byte-lexicographic order.
//
// A Cursor holds views into the arena; it is only meaningful while the tree
// rooted at its root is not reclaimed. Callers that iterate across commits use
// Seek with the last key returned to restart on a newer root.
type Cursor struct {
	src   Source
	root  uint64
	stack []frame
	key   []byte
	leaf  Leaf
	valid bool
	err   error
}

// NewCursor creates an unpositioned cursor over the tree rooted at root
func NewCursor(src Source, root uint64) *Cursor {
	return &Cursor{src: src, root: root}
}

// Root returns the root the cursor traverses
func (c *Cursor) Root() uint64 {
	return c.root
}

// Key returns the current key. The slice is reused by the next move.
func (c *Cursor) Key() []byte {
	if !c.valid {
		return nil
	}
	return c.key
}

// Leaf returns the current leaf
func (c *Cursor) Leaf() Leaf {
	return c.leaf
}

// Valid reports whether the cursor is positioned on a key
func (c *Cursor) Valid() bool {
	return c.valid
}

// Err returns the error that stopped the cursor, if any
func (c *Cursor) Err() error {
	return c.err
}

// SeekToFirst positions the cursor on the smallest key
func (c *Cursor) SeekToFirst() bool {
	return c.seek(nil, true)
}

// Seek positions the cursor on the first key >= target
func (c *Cursor) Seek(target []byte) bool {
	return c.seek(target, true)
}

// SeekAfter positions the cursor on the first key > target
func (c *Cursor) SeekAfter(target []byte) bool {
	return c.seek(target, false)
}

func (c *Cursor) fail(err error) bool {
	c.err = err
	c.valid = false
	c.stack = c.stack[:0]
	return false
}

// seek builds the traversal stack so that the next key produced is the first
// one ordered at or after target (strictly after unless inclusive)
func (c *Cursor) seek(target []byte, inclusive bool) bool {
	c.stack = c.stack[:0]
	c.key = c.key[:0]
	c.valid = false
	c.err = nil

	root, err := readNode(c.src, c.root)
	if err != nil {
		return c.fail(err)
	}
	c.stack = append(c.stack, frame{node: root})

	for {
		top := &c.stack[len(c.stack)-1]
		if top.keyLen == len(target) {
			// the node's key equals target
			top.leafDone = !inclusive
			break
		}

		// the node's key is a proper prefix of target, so it sorts before it
		top.leafDone = true
		b := target[top.keyLen]
		i := top.node.lowerBound(b)
		top.next = i
		if i == top.node.nchild || top.node.keys()[i] != b {
			break
		}

		child, err := enter(c.src, top.node.childAt(i), b)
		if err != nil {
			return c.fail(err)
		}
		label := child.label()
		rest := target[top.keyLen:]
		if !bytes.HasPrefix(rest, label) {
			m := min(len(label), len(rest))
			if bytes.Compare(label[:m], rest[:m]) < 0 {
				// the whole subtree sorts before target
				top.next = i + 1
			}
			break
		}

		top.next = i + 1
		keyLen := top.keyLen + len(label)
		c.key = append(c.key[:top.keyLen], label...)
		c.stack = append(c.stack, frame{node: child, keyLen: keyLen})
	}

	return c.advance()
}

// Next moves to the following key
func (c *Cursor) Next() bool {
	if !c.valid {
		return false
	}
	return c.advance()
}

// advance continues the traversal from the current stack to the next leaf
func (c *Cursor) advance() bool {
	c.valid = false
	for len(c.stack) > 0 {
		top := &c.stack[len(c.stack)-1]

		if !top.leafDone {
			top.leafDone = true
			if leaf, ok := top.node.leaf(); ok {
				c.key = c.key[:top.keyLen]
				c.leaf = leaf
				c.valid = true
				return true
			}
		}

		if top.next < top.node.nchild {
			i := top.next
			top.next++
			b := top.node.keys()[i]
			child, err := enter(c.src, top.node.childAt(i), b)
			if err != nil {
				return c.fail(err)
			}
			keyLen := top.keyLen + child.nlabel
			if keyLen > MaxLabel || len(c.stack) > MaxLabel {
				return c.fail(ErrCorrupt)
			}
			c.key = append(c.key[:top.keyLen], child.label()...)
			c.stack = append(c.stack, frame{node: child, keyLen: keyLen})
			continue
		}

		c.stack = c.stack[:len(c.stack)-1]
	}
	return false
}
