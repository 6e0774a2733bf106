package tree

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/brineholt/ptree/internal/accumulator"
	"github.com/brineholt/ptree/ptreeerr"
)

// MaxAccumulators is the spec §4.3 limit on accumulator slots per tree.
const MaxAccumulators = 64

// PageStore is the storage boundary a Tree needs: allocate, read, and
// write fixed-size pages. Satisfied in production by volume.Storage
// fronted by a bufpool.Pool (wired together in the engine package); a
// fake implementation backs this package's own tests.
type PageStore interface {
	AllocPage() (uint32, error)
	ReadPage(id uint32, buf []byte) error
	WritePage(id uint32, buf []byte) error
	PageSize() int
}

// CounterSink is an optional PageStore extension: a backend that wants
// Tree's semantic operations (point lookup, cursor step, insert, delete)
// reflected in its own I/O counters implements it (volume.Storage's
// VolumeHeader fetch/traverse/store/remove counters, spec §4.4/§6). A
// PageStore that doesn't implement it, such as this package's test fakes,
// simply isn't counted.
type CounterSink interface {
	CountFetch()
	CountTraverse()
	CountStore()
	CountRemove()
}

func (t *Tree) countFetch() {
	if c, ok := t.store.(CounterSink); ok {
		c.CountFetch()
	}
}

func (t *Tree) countTraverse() {
	if c, ok := t.store.(CounterSink); ok {
		c.CountTraverse()
	}
}

func (t *Tree) countStore() {
	if c, ok := t.store.(CounterSink); ok {
		c.CountStore()
	}
}

func (t *Tree) countRemove() {
	if c, ok := t.store.(CounterSink); ok {
		c.CountRemove()
	}
}

// accSlot remembers the Kind an accumulator slot was created with, so a
// later mismatched Accumulator call is rejected instead of silently
// reinterpreting recovered bytes as a different variant (spec §4.5's
// checkpoint-recovered type-matching rule).
type accSlot struct {
	kind int
	acc  *accumulator.Accumulator
}

// Tree is a named B+Tree: a root page address in its PageStore, plus up
// to MaxAccumulators lazily created Accumulator slots. Grounded on the
// teacher's pager.BTree (root/depth/changeCounter bookkeeping) combined
// with pager.Accumulator slot array ownership.
type Tree struct {
	name        string
	store       PageStore
	policy      SplitPolicy
	bucketCount int

	mu       sync.RWMutex
	root     uint32
	changeCt int64

	accMu sync.Mutex
	accs  [MaxAccumulators]*accSlot
}

// Create allocates a fresh root leaf page and returns a new, empty Tree.
func Create(store PageStore, name string, policy SplitPolicy, bucketCount int) (*Tree, error) {
	rootID, err := store.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("tree: allocate root for %q: %w", name, err)
	}
	buf := make([]byte, store.PageSize())
	NewPage(buf, KindLeaf)
	if err := store.WritePage(rootID, buf); err != nil {
		return nil, fmt.Errorf("tree: write root for %q: %w", name, err)
	}
	return Open(store, name, rootID, policy, bucketCount), nil
}

// Open wraps an existing tree whose root is already at rootID.
func Open(store PageStore, name string, rootID uint32, policy SplitPolicy, bucketCount int) *Tree {
	if policy == nil {
		policy = NicePolicy{}
	}
	return &Tree{name: name, store: store, policy: policy, bucketCount: bucketCount, root: rootID}
}

// Name returns the tree's name, the accumulator binding key of spec §4.3.
func (t *Tree) Name() string { return t.name }

// RootPage returns the current root page id, for header persistence.
func (t *Tree) RootPage() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Depth returns the number of levels from root to leaf (a freshly
// created tree has depth 1), the value persisted in the directory's
// Tree record (spec §6).
func (t *Tree) Depth() (int, error) {
	path, err := t.descend(nil)
	if err != nil {
		return 0, err
	}
	return len(path), nil
}

// ChangeCount returns the number of structural mutations (inserts,
// deletes, splits) applied since the tree was opened. It is persisted in
// the tree's directory record; Exchange does not consult it.
func (t *Tree) ChangeCount() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.changeCt
}

// Accumulator returns the accumulator bound to slot index, creating it
// with the given kind and base on first use. A later call against the
// same index with a different kind fails with ptreeerr.IllegalState,
// since an already-recovered accumulator's on-disk values were folded
// under its original variant's applyValue and cannot be reinterpreted.
func (t *Tree) Accumulator(index int, kind accumulator.Kind, base int64) (*accumulator.Accumulator, error) {
	if index < 0 || index >= MaxAccumulators {
		return nil, ptreeerr.New(ptreeerr.IllegalArgument, "tree.Accumulator",
			fmt.Errorf("accumulator index %d out of range [0,%d)", index, MaxAccumulators))
	}
	t.accMu.Lock()
	defer t.accMu.Unlock()

	if slot := t.accs[index]; slot != nil {
		if slot.kind != int(kind) {
			return nil, ptreeerr.New(ptreeerr.IllegalState, "tree.Accumulator",
				fmt.Errorf("slot %d of tree %q was created as kind %v, cannot reopen as %v",
					index, t.name, accumulator.Kind(slot.kind), kind))
		}
		return slot.acc, nil
	}

	acc := accumulator.New(kind, t.name, index, base, t.bucketCount)
	t.accs[index] = &accSlot{kind: int(kind), acc: acc}
	return acc, nil
}

// Accumulators returns every accumulator slot created so far on this
// tree, in slot-index order, for checkpoint code that needs to persist
// every live accumulator's current value without knowing which indexes
// are in use ahead of time.
func (t *Tree) Accumulators() []*accumulator.Accumulator {
	t.accMu.Lock()
	defer t.accMu.Unlock()
	out := make([]*accumulator.Accumulator, 0, MaxAccumulators)
	for _, slot := range t.accs {
		if slot != nil {
			out = append(out, slot.acc)
		}
	}
	return out
}

func (t *Tree) readPage(id uint32) (*Page, []byte, error) {
	buf := make([]byte, t.store.PageSize())
	if err := t.store.ReadPage(id, buf); err != nil {
		return nil, nil, fmt.Errorf("tree: read page %d: %w", id, err)
	}
	return WrapPage(buf), buf, nil
}

func (t *Tree) writePage(id uint32, buf []byte) error {
	if err := t.store.WritePage(id, buf); err != nil {
		return fmt.Errorf("tree: write page %d: %w", id, err)
	}
	return nil
}

// pathStep is one level walked on the way down to a leaf.
type pathStep struct {
	pageID uint32
	page   *Page
	buf    []byte
	slot   int // index of the InternalEntry that was followed, -1 for the leaf itself
}

// descend walks from root to the leaf that should contain key, recording
// every internal page visited (and which child slot was followed) so
// Insert can propagate a split upward without a second traversal.
func (t *Tree) descend(key []byte) ([]pathStep, error) {
	return t.descendFrom(t.RootPage(), key)
}

// descendFrom is descend starting at root, for Insert and Delete, which
// already hold t.mu and so cannot call RootPage.
func (t *Tree) descendFrom(root uint32, key []byte) ([]pathStep, error) {
	var path []pathStep
	id := root
	for {
		page, buf, err := t.readPage(id)
		if err != nil {
			return nil, err
		}
		if page.Kind() == KindLeaf {
			path = append(path, pathStep{pageID: id, page: page, buf: buf, slot: -1})
			return path, nil
		}

		sp := page.Slotted()
		n := sp.LiveRecords()
		chosen := 0
		for i := 0; i < n; i++ {
			e := UnmarshalInternalEntry(sp.GetRecord(i))
			if i == 0 || bytes.Compare(key, e.Key) >= 0 {
				chosen = i
			} else {
				break
			}
		}
		entry := UnmarshalInternalEntry(sp.GetRecord(chosen))
		path = append(path, pathStep{pageID: id, page: page, buf: buf, slot: chosen})
		id = entry.Child
	}
}

// Search returns the value stored for key, resolving overflow chains
// transparently.
func (t *Tree) Search(key []byte) ([]byte, bool, error) {
	t.countFetch()
	path, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	leaf := path[len(path)-1].page
	sp := leaf.Slotted()
	n := sp.LiveRecords()
	for i := 0; i < n; i++ {
		e := UnmarshalLeafEntry(sp.GetRecord(i))
		if bytes.Equal(e.Key, key) {
			if !e.Overflow {
				return e.Value, true, nil
			}
			firstPage := beUint32(e.Value)
			val, err := ReadOverflowChain(firstPage, t.store.ReadPage, t.store.PageSize())
			if err != nil {
				return nil, false, fmt.Errorf("tree: read overflow for key: %w", err)
			}
			return val, true, nil
		}
		if bytes.Compare(e.Key, key) > 0 {
			break
		}
	}
	return nil, false, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// Insert stores (key, value), spilling value to an overflow chain if it
// exceeds OverflowThreshold, and splitting leaf/internal pages up the
// path as needed using the Tree's SplitPolicy.
func (t *Tree) Insert(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.countStore()

	path, err := t.descendFrom(t.root, key)
	if err != nil {
		return err
	}

	entry := LeafEntry{Key: key, Value: value}
	if len(value) > OverflowThreshold {
		firstPage, err := WriteOverflowChain(value, t.store.PageSize(), t.store.AllocPage, t.store.WritePage)
		if err != nil {
			return fmt.Errorf("tree: spill value to overflow: %w", err)
		}
		entry = LeafEntry{Key: key, Value: putBeUint32(firstPage), Overflow: true}
	}

	leafStep := path[len(path)-1]
	if err := t.insertIntoLeaf(leafStep, entry); err != nil {
		if err != errPageFull {
			return err
		}
		return t.splitAndPropagate(path, entry)
	}
	t.changeCt++
	return nil
}

var errPageFull = fmt.Errorf("tree: page full")

func (t *Tree) insertIntoLeaf(step pathStep, entry LeafEntry) error {
	sp := step.page.Slotted()
	pos, replace := t.findLeafInsertPos(sp, entry.Key)
	data := MarshalLeafEntry(entry)

	if replace {
		if err := sp.DeleteRecordAt(pos); err != nil {
			return err
		}
	}
	if sp.FreeSpace() < len(data)+slotEntrySize {
		return errPageFull
	}
	if err := sp.InsertRecordAt(pos, data); err != nil {
		return errPageFull
	}
	return t.writePage(step.pageID, step.buf)
}

// findLeafInsertPos returns the logical position key should occupy among
// live entries, and whether an equal key already exists there (a
// replacement rather than an insertion).
func (t *Tree) findLeafInsertPos(sp *SlottedPage, key []byte) (int, bool) {
	n := sp.LiveRecords()
	for i := 0; i < n; i++ {
		e := UnmarshalLeafEntry(sp.GetRecord(i))
		cmp := bytes.Compare(key, e.Key)
		if cmp == 0 {
			return i, true
		}
		if cmp < 0 {
			return i, false
		}
	}
	return n, false
}

// splitAndPropagate splits the leaf at path's tail using the Tree's
// SplitPolicy, inserts the new (key,value) into whichever half it
// belongs in, then walks back up path installing a separator in each
// ancestor, splitting ancestors in turn if they overflow, and finally
// creating a new root if the split reaches the top. Grounded on the
// teacher's pager.BTree insertWithSplit/insertIntoParent/createNewRoot
// chain.
func (t *Tree) splitAndPropagate(path []pathStep, entry LeafEntry) error {
	leafStep := path[len(path)-1]
	sp := leafStep.page.Slotted()
	sp.Compact()

	entries := collectLeafEntries(sp)
	pos, replace := t.findLeafInsertPos(sp, entry.Key)
	entries = spliceLeaf(entries, pos, entry, replace)

	boundary := chooseLeafBoundary(t.policy, entries, sp.Capacity())
	leftEntries, rightEntries := entries[:boundary], entries[boundary:]

	rightID, err := t.store.AllocPage()
	if err != nil {
		return fmt.Errorf("tree: allocate split sibling: %w", err)
	}
	rightBuf := make([]byte, t.store.PageSize())
	rightPage := NewPage(rightBuf, KindLeaf)
	rightPage.SetNextLeaf(leafStep.page.NextLeaf())
	if err := writeLeafEntries(rightPage.Slotted(), rightEntries); err != nil {
		return fmt.Errorf("tree: write right split page: %w", err)
	}

	leftBuf := make([]byte, t.store.PageSize())
	leftPage := NewPage(leftBuf, KindLeaf)
	leftPage.SetNextLeaf(rightID)
	if err := writeLeafEntries(leftPage.Slotted(), leftEntries); err != nil {
		return fmt.Errorf("tree: write left split page: %w", err)
	}

	if err := t.writePage(leafStep.pageID, leftBuf); err != nil {
		return err
	}
	if err := t.writePage(rightID, rightBuf); err != nil {
		return err
	}
	t.changeCt++

	separator := rightEntries[0].Key
	return t.propagateSeparator(path[:len(path)-1], separator, rightID)
}

// propagateSeparator installs (separator -> rightChild) into the parent
// named by the last element of ancestors, splitting that internal page
// (and recursing further up) if it doesn't fit, or creating a brand new
// root if ancestors is empty (the split reached the former root).
func (t *Tree) propagateSeparator(ancestors []pathStep, separator []byte, rightChild uint32) error {
	if len(ancestors) == 0 {
		return t.createNewRoot(separator, rightChild)
	}

	parent := ancestors[len(ancestors)-1]
	sp := parent.page.Slotted()
	entry := InternalEntry{Key: separator, Child: rightChild}
	data := MarshalInternalEntry(entry)

	pos, _ := t.findInternalInsertPos(sp, separator)
	if sp.FreeSpace() >= len(data)+slotEntrySize {
		if err := sp.InsertRecordAt(pos, data); err != nil {
			return t.splitInternal(ancestors, entry)
		}
		t.changeCt++
		return t.writePage(parent.pageID, parent.buf)
	}
	return t.splitInternal(ancestors, entry)
}

func (t *Tree) findInternalInsertPos(sp *SlottedPage, key []byte) (int, bool) {
	n := sp.LiveRecords()
	for i := 1; i < n; i++ {
		e := UnmarshalInternalEntry(sp.GetRecord(i))
		cmp := bytes.Compare(key, e.Key)
		if cmp == 0 {
			return i, true
		}
		if cmp < 0 {
			return i, false
		}
	}
	return n, false
}

func (t *Tree) splitInternal(ancestors []pathStep, newEntry InternalEntry) error {
	step := ancestors[len(ancestors)-1]
	sp := step.page.Slotted()
	sp.Compact()

	entries := collectInternalEntries(sp)
	pos, replace := t.findInternalInsertPos(sp, newEntry.Key)
	entries = spliceInternal(entries, pos, newEntry, replace)

	boundary := chooseInternalBoundary(t.policy, entries, sp.Capacity())
	leftEntries, rightEntries := entries[:boundary], entries[boundary:]

	rightID, err := t.store.AllocPage()
	if err != nil {
		return fmt.Errorf("tree: allocate internal split sibling: %w", err)
	}
	rightBuf := make([]byte, t.store.PageSize())
	rightPage := NewPage(rightBuf, KindInternal)
	if err := writeInternalEntries(rightPage.Slotted(), rightEntries); err != nil {
		return fmt.Errorf("tree: write right internal split: %w", err)
	}

	leftBuf := make([]byte, t.store.PageSize())
	leftPage := NewPage(leftBuf, KindInternal)
	if err := writeInternalEntries(leftPage.Slotted(), leftEntries); err != nil {
		return fmt.Errorf("tree: write left internal split: %w", err)
	}

	if err := t.writePage(step.pageID, leftBuf); err != nil {
		return err
	}
	if err := t.writePage(rightID, rightBuf); err != nil {
		return err
	}
	t.changeCt++

	separator := rightEntries[0].Key
	return t.propagateSeparator(ancestors[:len(ancestors)-1], separator, rightID)
}

func (t *Tree) createNewRoot(separator []byte, rightChild uint32) error {
	oldRoot := t.root // Insert holds t.mu
	newRootID, err := t.store.AllocPage()
	if err != nil {
		return fmt.Errorf("tree: allocate new root: %w", err)
	}
	buf := make([]byte, t.store.PageSize())
	page := NewPage(buf, KindInternal)
	sp := page.Slotted()
	if err := writeInternalEntries(sp, []InternalEntry{
		{Key: nil, Child: oldRoot},
		{Key: separator, Child: rightChild},
	}); err != nil {
		return fmt.Errorf("tree: write new root: %w", err)
	}
	if err := t.writePage(newRootID, buf); err != nil {
		return err
	}
	t.root = newRootID
	t.changeCt++
	return nil
}

func collectLeafEntries(sp *SlottedPage) []LeafEntry {
	n := sp.LiveRecords()
	out := make([]LeafEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, UnmarshalLeafEntry(sp.GetRecord(i)))
	}
	return out
}

func spliceLeaf(entries []LeafEntry, pos int, e LeafEntry, replace bool) []LeafEntry {
	out := make([]LeafEntry, 0, len(entries)+1)
	out = append(out, entries[:pos]...)
	out = append(out, e)
	if replace {
		out = append(out, entries[pos+1:]...)
	} else {
		out = append(out, entries[pos:]...)
	}
	return out
}

func writeLeafEntries(sp *SlottedPage, entries []LeafEntry) error {
	for _, e := range entries {
		if _, err := sp.InsertRecord(MarshalLeafEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

func collectInternalEntries(sp *SlottedPage) []InternalEntry {
	n := sp.LiveRecords()
	out := make([]InternalEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, UnmarshalInternalEntry(sp.GetRecord(i)))
	}
	return out
}

func spliceInternal(entries []InternalEntry, pos int, e InternalEntry, replace bool) []InternalEntry {
	out := make([]InternalEntry, 0, len(entries)+1)
	out = append(out, entries[:pos]...)
	out = append(out, e)
	if replace {
		out = append(out, entries[pos+1:]...)
	} else {
		out = append(out, entries[pos:]...)
	}
	return out
}

func writeInternalEntries(sp *SlottedPage, entries []InternalEntry) error {
	for _, e := range entries {
		if _, err := sp.InsertRecord(MarshalInternalEntry(e)); err != nil {
			return err
		}
	}
	return nil
}

// chooseLeafBoundary scores every candidate split point in entries with
// policy, preferring the midpoint if nothing scores positively.
func chooseLeafBoundary(policy SplitPolicy, entries []LeafEntry, capacity int) int {
	sizes := make([]int, len(entries))
	total := 0
	for i, e := range entries {
		sizes[i] = len(MarshalLeafEntry(e)) + slotEntrySize
		total += sizes[i]
	}
	return chooseBoundary(policy, sizes, total, capacity)
}

func chooseInternalBoundary(policy SplitPolicy, entries []InternalEntry, capacity int) int {
	sizes := make([]int, len(entries))
	total := 0
	for i, e := range entries {
		sizes[i] = len(MarshalInternalEntry(e)) + slotEntrySize
		total += sizes[i]
	}
	return chooseBoundary(policy, sizes, total, capacity)
}

// chooseBoundary builds one SplitCandidate per interior boundary (after
// entry 1 through len-1, always leaving at least one entry per side) and
// asks ChooseSplit to pick the best, falling back to the midpoint if the
// policy finds nothing legal.
func chooseBoundary(policy SplitPolicy, sizes []int, total, capacity int) int {
	if len(sizes) < 2 {
		return len(sizes)
	}
	candidates := make([]SplitCandidate, 0, len(sizes)-1)
	left := 0
	for i := 1; i < len(sizes); i++ {
		left += sizes[i-1]
		right := total - left
		candidates = append(candidates, SplitCandidate{
			BoundaryOffset: i,
			LeftSize:       left,
			RightSize:      right,
			CurrentSize:    total,
			VirtualSize:    total,
			Capacity:       capacity,
		})
	}
	best := ChooseSplit(policy, candidates)
	if best < 0 {
		return len(sizes) / 2
	}
	return candidates[best].BoundaryOffset
}

// Delete removes key from the tree, if present. It does not merge
// underfull pages (spec §4.5 leaves merge/rebalance as an Open
// Question left to the maintenance pass, not the live insert path).
func (t *Tree) Delete(key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.countRemove()

	path, err := t.descendFrom(t.root, key)
	if err != nil {
		return false, err
	}
	leaf := path[len(path)-1]
	sp := leaf.page.Slotted()
	n := sp.LiveRecords()
	for i := 0; i < n; i++ {
		e := UnmarshalLeafEntry(sp.GetRecord(i))
		if bytes.Equal(e.Key, key) {
			if err := sp.DeleteRecordAt(i); err != nil {
				return false, err
			}
			if err := t.writePage(leaf.pageID, leaf.buf); err != nil {
				return false, err
			}
			t.changeCt++
			return true, nil
		}
	}
	return false, nil
}
