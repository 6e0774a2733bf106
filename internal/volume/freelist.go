package volume

import "encoding/binary"

// Free-list pages are a singly linked chain rooted at Header.GarbageRoot
// (spec §4.4's garbage-root pointer, otherwise unused). Each page holds
// a run of reclaimed page ids:
//
//	[0:4]  NextFreeList (uint32 LE) — next chain link, 0 = end
//	[4:8]  EntryCount   (uint32 LE)
//	[8: ]  EntryCount page ids (uint32 LE each)
//
// Adapted from the teacher's pager.FreeListPage/FreeManager: the whole
// chain is loaded into an in-memory set at open and rewritten as a
// fresh chain whenever it is flushed, rather than mutated page-by-page
// on disk.
const (
	freeListNextOff  = 0
	freeListCountOff = 4
	freeListDataOff  = 8
)

func freeListCapacity(pageSize int) int {
	return (pageSize - freeListDataOff) / 4
}

// FreeList is the in-memory mirror of a volume's reclaimed pages.
type FreeList struct {
	ids []uint32
}

func newFreeList() *FreeList { return &FreeList{} }

// loadFreeList walks the chain rooted at head, using readPage to fetch
// each link's page image.
func loadFreeList(head uint32, pageSize int, readPage func(id uint32, buf []byte) error) (*FreeList, error) {
	fl := newFreeList()
	for head != 0 {
		buf := make([]byte, pageSize)
		if err := readPage(head, buf); err != nil {
			return nil, err
		}
		n := int(binary.LittleEndian.Uint32(buf[freeListCountOff:]))
		for i := 0; i < n; i++ {
			off := freeListDataOff + i*4
			fl.ids = append(fl.ids, binary.LittleEndian.Uint32(buf[off:off+4]))
		}
		head = binary.LittleEndian.Uint32(buf[freeListNextOff:])
	}
	return fl, nil
}

// push marks id as reclaimed and available for a future allocation.
func (fl *FreeList) push(id uint32) { fl.ids = append(fl.ids, id) }

// pop removes and returns an arbitrary reclaimed page id, or ok=false
// if the free set is empty.
func (fl *FreeList) pop() (id uint32, ok bool) {
	if len(fl.ids) == 0 {
		return 0, false
	}
	id = fl.ids[len(fl.ids)-1]
	fl.ids = fl.ids[:len(fl.ids)-1]
	return id, true
}

func (fl *FreeList) count() int { return len(fl.ids) }

// flush rewrites fl's current contents into a fresh chain of free-list
// pages, returning the new chain head (0 if fl is empty). allocPage
// mints a fresh page id for one chain link without consulting the free
// set itself, avoiding the obvious recursion; writePage persists the
// link's buffer.
func (fl *FreeList) flush(pageSize int, allocPage func() (uint32, error), writePage func(id uint32, buf []byte) error) (uint32, error) {
	if len(fl.ids) == 0 {
		return 0, nil
	}
	capacity := freeListCapacity(pageSize)

	var head uint32
	var prevID uint32
	var prevBuf []byte
	for i := 0; i < len(fl.ids); i += capacity {
		end := i + capacity
		if end > len(fl.ids) {
			end = len(fl.ids)
		}
		chunk := fl.ids[i:end]

		id, err := allocPage()
		if err != nil {
			return 0, err
		}
		buf := make([]byte, pageSize)
		binary.LittleEndian.PutUint32(buf[freeListCountOff:], uint32(len(chunk)))
		for j, pid := range chunk {
			binary.LittleEndian.PutUint32(buf[freeListDataOff+j*4:], pid)
		}

		if prevBuf != nil {
			binary.LittleEndian.PutUint32(prevBuf[freeListNextOff:], id)
			if err := writePage(prevID, prevBuf); err != nil {
				return 0, err
			}
		} else {
			head = id
		}
		prevID, prevBuf = id, buf
	}
	if err := writePage(prevID, prevBuf); err != nil {
		return 0, err
	}
	return head, nil
}
