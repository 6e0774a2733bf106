package tree

import "encoding/binary"

// OverflowThreshold is the maximum inline value size before a value is
// spilled into an overflow page chain (spec §4.5 via the teacher's
// pager.OverflowThreshold, kept as the same 1/4-leaf-capacity default).
const OverflowThreshold = 1024

// LeafEntry is one (key, value) pair stored in a leaf page. If Overflow
// is true, Value holds the chain's first page id (4 bytes) instead of
// the value bytes themselves.
type LeafEntry struct {
	Key      []byte
	Value    []byte
	Overflow bool
}

// MarshalLeafEntry encodes e for storage in a leaf page's slotted
// region: [keyLen uint16][key][flags byte][valueLen uint32][value].
func MarshalLeafEntry(e LeafEntry) []byte {
	buf := make([]byte, 2+len(e.Key)+1+4+len(e.Value))
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(e.Key)))
	off += 2
	copy(buf[off:], e.Key)
	off += len(e.Key)
	if e.Overflow {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
	off += 4
	copy(buf[off:], e.Value)
	return buf
}

// UnmarshalLeafEntry decodes a leaf record produced by MarshalLeafEntry.
func UnmarshalLeafEntry(buf []byte) LeafEntry {
	off := 0
	keyLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	key := buf[off : off+keyLen]
	off += keyLen
	overflow := buf[off] == 1
	off++
	valLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	val := buf[off : off+valLen]
	return LeafEntry{Key: key, Value: val, Overflow: overflow}
}

// InternalEntry is one (separator key, child page id) pair in an
// internal page. Entries are kept sorted by Key; the first entry's Key
// is a catch-all (matches any key less than the second entry's Key) so
// N entries route to N children without a separate out-of-band
// leftmost-child slot.
type InternalEntry struct {
	Key   []byte
	Child uint32
}

// MarshalInternalEntry encodes e: [keyLen uint16][key][child uint32].
func MarshalInternalEntry(e InternalEntry) []byte {
	buf := make([]byte, 2+len(e.Key)+4)
	binary.LittleEndian.PutUint16(buf[0:], uint16(len(e.Key)))
	copy(buf[2:], e.Key)
	binary.LittleEndian.PutUint32(buf[2+len(e.Key):], e.Child)
	return buf
}

// UnmarshalInternalEntry decodes an internal record.
func UnmarshalInternalEntry(buf []byte) InternalEntry {
	keyLen := int(binary.LittleEndian.Uint16(buf[0:]))
	key := buf[2 : 2+keyLen]
	child := binary.LittleEndian.Uint32(buf[2+keyLen:])
	return InternalEntry{Key: key, Child: child}
}
