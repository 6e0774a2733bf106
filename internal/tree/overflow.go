package tree

import "encoding/binary"

// Overflow pages store values too large to fit inline in a leaf record
// (spec §4.5, grounded on the teacher's pager.OverflowPage): a simple
// singly-linked chain of full pages, header [next uint32][len uint32]
// followed by payload bytes.
const overflowHeaderLen = 8

// WriteOverflowChain splits value across as many pages as needed,
// calling alloc for each new page id and write to persist it. Returns
// the first page id in the chain.
func WriteOverflowChain(value []byte, pageSize int, alloc func() (uint32, error), write func(id uint32, buf []byte) error) (uint32, error) {
	chunkSize := pageSize - overflowHeaderLen
	if chunkSize <= 0 {
		chunkSize = pageSize
	}

	var pageIDs []uint32
	for off := 0; off < len(value); off += chunkSize {
		id, err := alloc()
		if err != nil {
			return 0, err
		}
		pageIDs = append(pageIDs, id)
	}
	if len(pageIDs) == 0 {
		id, err := alloc()
		if err != nil {
			return 0, err
		}
		pageIDs = append(pageIDs, id)
	}

	for i, id := range pageIDs {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(value) {
			end = len(value)
		}
		chunk := value[start:end]

		buf := make([]byte, pageSize)
		var next uint32
		if i+1 < len(pageIDs) {
			next = pageIDs[i+1]
		}
		binary.LittleEndian.PutUint32(buf[0:], next)
		binary.LittleEndian.PutUint32(buf[4:], uint32(len(chunk)))
		copy(buf[overflowHeaderLen:], chunk)

		if err := write(id, buf); err != nil {
			return 0, err
		}
	}
	return pageIDs[0], nil
}

// ReadOverflowChain reconstructs the full value starting at firstPage.
func ReadOverflowChain(firstPage uint32, read func(id uint32, buf []byte) error, pageSize int) ([]byte, error) {
	var out []byte
	id := firstPage
	for id != 0 {
		buf := make([]byte, pageSize)
		if err := read(id, buf); err != nil {
			return nil, err
		}
		next := binary.LittleEndian.Uint32(buf[0:])
		length := binary.LittleEndian.Uint32(buf[4:])
		out = append(out, buf[overflowHeaderLen:overflowHeaderLen+int(length)]...)
		id = next
	}
	return out, nil
}
