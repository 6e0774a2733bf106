package tree

import (
	"fmt"
)

// Exchange is a forward cursor over a Tree's leaf chain: position it with
// First or Seek, then walk forward with Next, reading Key/Value at each
// stop. It uses a leftmost-descent-then-follow-NextLeaf traversal, as a
// steppable cursor that can start mid-tree and stop early. Holds no lock
// across calls; concurrent structural changes to the tree invalidate an
// open Exchange the same way a stale slice index would, and neither the
// Exchange nor its engine-level callers detect such a change.
type Exchange struct {
	tree   *Tree
	leafID uint32
	page   *Page
	sp     *SlottedPage
	pos    int
	done   bool
}

// NewExchange returns a cursor over t, not yet positioned. Call First or
// Seek before reading Key/Value.
func (t *Tree) NewExchange() *Exchange {
	return &Exchange{tree: t, done: true}
}

// First positions the cursor at the tree's smallest key. It reports false
// if the tree is empty.
func (x *Exchange) First() (bool, error) {
	path, err := x.tree.descend(nil)
	if err != nil {
		return false, err
	}
	leaf := path[len(path)-1]
	x.loadLeaf(leaf.pageID, leaf.page)
	x.pos = 0
	return x.settle()
}

// Seek positions the cursor at the first key greater than or equal to
// key. It reports false if no such key exists.
func (x *Exchange) Seek(key []byte) (bool, error) {
	path, err := x.tree.descend(key)
	if err != nil {
		return false, err
	}
	leaf := path[len(path)-1]
	x.loadLeaf(leaf.pageID, leaf.page)
	x.pos, _ = x.tree.findLeafInsertPos(x.sp, key)
	return x.settle()
}

// Next advances the cursor to the following key, crossing into the next
// leaf page over the NextLeaf sibling chain as needed. It reports false
// once the cursor runs off the end of the tree.
func (x *Exchange) Next() (bool, error) {
	if x.done {
		return false, nil
	}
	x.pos++
	return x.settle()
}

// settle advances across leaf boundaries until pos names a live record or
// the chain is exhausted, and sets x.done accordingly. Called by every
// cursor-positioning method (First, Seek, Next), so each one counts as a
// traversal step.
func (x *Exchange) settle() (bool, error) {
	x.tree.countTraverse()
	for x.pos >= x.sp.LiveRecords() {
		next := x.page.NextLeaf()
		if next == 0 {
			x.done = true
			return false, nil
		}
		page, _, err := x.tree.readPage(next)
		if err != nil {
			return false, err
		}
		x.loadLeaf(next, page)
		x.pos = 0
	}
	x.done = false
	return true, nil
}

func (x *Exchange) loadLeaf(id uint32, page *Page) {
	x.leafID = id
	x.page = page
	x.sp = page.Slotted()
}

// Key returns the current entry's key. Valid only after First/Seek/Next
// has returned true.
func (x *Exchange) Key() []byte {
	return UnmarshalLeafEntry(x.sp.GetRecord(x.pos)).Key
}

// Value returns the current entry's value, resolving an overflow chain
// transparently if the entry spilled past OverflowThreshold. Valid only
// after First/Seek/Next has returned true.
func (x *Exchange) Value() ([]byte, error) {
	e := UnmarshalLeafEntry(x.sp.GetRecord(x.pos))
	if !e.Overflow {
		return e.Value, nil
	}
	val, err := ReadOverflowChain(beUint32(e.Value), x.tree.store.ReadPage, x.tree.store.PageSize())
	if err != nil {
		return nil, fmt.Errorf("tree: exchange resolve overflow: %w", err)
	}
	return val, nil
}
