package tree

import "encoding/binary"

// Page kinds, mirroring the teacher's PageType enum (PageTypeBTreeLeaf /
// PageTypeBTreeInternal) scoped to this package's on-disk format.
type Kind uint8

const (
	KindLeaf Kind = iota + 1
	KindInternal
	KindOverflow
)

// Tree-level page header, preceding the slotted-page region. Laid out
// the way the teacher's btree_page.go prefixes its common PageHeader
// with tree-specific fields (kind, sibling pointer, entry count is
// folded into the slotted page's own SlotCount).
const (
	hdrKindOff    = 0
	hdrNextOff    = 1 // next-leaf sibling pointer (uint32), 0 = none, leaf pages only
	treeHeaderLen = 5
)

// Page wraps a raw page buffer with the tree-level header plus an
// embedded SlottedPage for the record area.
type Page struct {
	buf    []byte
	slotted *SlottedPage
}

// NewPage initializes buf as an empty page of the given kind.
func NewPage(buf []byte, kind Kind) *Page {
	buf[hdrKindOff] = byte(kind)
	binary.LittleEndian.PutUint32(buf[hdrNextOff:], 0)
	sp := InitSlottedPage(buf[treeHeaderLen:])
	return &Page{buf: buf, slotted: sp}
}

// WrapPage wraps an existing page buffer.
func WrapPage(buf []byte) *Page {
	return &Page{buf: buf, slotted: WrapSlottedPage(buf[treeHeaderLen:])}
}

func (p *Page) Kind() Kind { return Kind(p.buf[hdrKindOff]) }

func (p *Page) NextLeaf() uint32 { return binary.LittleEndian.Uint32(p.buf[hdrNextOff:]) }

func (p *Page) SetNextLeaf(id uint32) { binary.LittleEndian.PutUint32(p.buf[hdrNextOff:], id) }

func (p *Page) Slotted() *SlottedPage { return p.slotted }

func (p *Page) Bytes() []byte { return p.buf }

// Capacity returns the usable bytes available to this page's record
// area, the SplitPolicy "page capacity" input.
func (p *Page) Capacity() int { return p.slotted.Capacity() }
