// Package volume implements the paged file storage layer described in
// spec §4.4: a page-0 header page, exclusive/shared file locking,
// positional page I/O, and allocation/extension of the backing file. It
// is grounded on the teacher's pager.Superblock (header layout and
// codec) and pager.Pager (open/extend/allocate discipline), generalized
// from a SQL-catalog-carrying database file to a generic keyed-page
// volume whose directory of named trees lives in classindex instead of
// a hardcoded catalog root.
package volume

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// DefaultPageSize matches the teacher's default.
	DefaultPageSize = 8192
	MinPageSize     = 1024
	MaxPageSize     = 16384

	headerMagic = "PTREEVOL"

	// headerVersion 2 added the fetch/traverse/store/remove counters and
	// the create/open/last-extension/last-read/last-write timestamps,
	// moving offCRC from 88 to 152; a version-1 file's CRC lives at the
	// old offset and will not verify against the new layout, so the
	// version is bumped rather than silently reinterpreting old bytes.
	headerVersion = uint32(2)

	// Header field offsets within page 0, following the teacher's
	// Superblock layout with CatalogRoot renamed to TreeDirectoryRoot
	// (spec's ClassIndex/tree-directory root) and an added VolumeID.
	offMagic                  = 0
	offFormatVersion          = 8
	offPageSize               = 12
	offPageCount              = 16
	offVolumeID               = 24
	offTreeDirRoot            = 32
	offGarbageRoot            = 36
	offCheckpointLSN          = 40
	offNextAvailPage          = 48
	offExtensionPages         = 52
	offInitialPages           = 56
	offMaximumPages           = 60
	offReadCounter            = 64
	offWriteCounter           = 72
	offFetchCounter           = 80
	offTraverseCounter        = 88
	offStoreCounter           = 96
	offRemoveCounter          = 104
	offCreateTimestamp        = 112
	offOpenTimestamp          = 120
	offLastExtensionTimestamp = 128
	offLastReadTimestamp      = 136
	offLastWriteTimestamp     = 144
	offCRC                    = 152
	headerSize                = 156
)

// Header is the decoded contents of page 0, spec §4.4's VolumeHeader.
// Every change* method returns true iff the stored value actually
// changed, so callers can track dirtiness without a separate flag
// (grounded on the teacher's change* convention for Superblock fields).
type Header struct {
	FormatVersion     uint32
	PageSize          uint32
	PageCount         uint64
	VolumeID          uint64 // random non-zero 40-bit id, per spec open protocol step 3
	TreeDirectoryRoot uint32
	GarbageRoot       uint32
	CheckpointLSN     uint64
	NextAvailablePage uint32
	ExtensionPages    uint32
	InitialPages      uint32
	MaximumPages      uint32

	// I/O counters, spec §4.4/§6: one per kind of page access a tree
	// operation performs against this volume.
	ReadCounter     uint64
	WriteCounter    uint64
	FetchCounter    uint64 // point lookups (tree.Tree.Search)
	TraverseCounter uint64 // cursor steps (tree.Exchange.First/Next)
	StoreCounter    uint64 // inserts/updates (tree.Tree.Insert)
	RemoveCounter   uint64 // deletes (tree.Tree.Delete)

	// Lifecycle timestamps, spec §4.4/§6. All are allocator ticks, not
	// wall-clock time, consistent with every other timestamp in this
	// engine.
	CreateTimestamp        uint64
	OpenTimestamp          uint64
	LastExtensionTimestamp uint64
	LastReadTimestamp      uint64
	LastWriteTimestamp     uint64
}

// NewHeader builds the header for a newly created volume.
func NewHeader(pageSize uint32, volumeID uint64, initialPages, extensionPages, maximumPages uint32, createTick uint64) *Header {
	return &Header{
		FormatVersion:     headerVersion,
		PageSize:          pageSize,
		PageCount:         uint64(initialPages),
		VolumeID:          volumeID,
		TreeDirectoryRoot: 0,
		GarbageRoot:       0,
		NextAvailablePage: 1, // page 0 is the header itself
		ExtensionPages:    extensionPages,
		InitialPages:      initialPages,
		MaximumPages:      maximumPages,
		CreateTimestamp:   createTick,
		OpenTimestamp:     createTick,
	}
}

// ChangeNextAvailablePage sets NextAvailablePage, returning true if it
// changed.
func (h *Header) ChangeNextAvailablePage(v uint32) bool {
	if h.NextAvailablePage == v {
		return false
	}
	h.NextAvailablePage = v
	return true
}

// ChangeExtendedPageCount sets PageCount, returning true if it changed.
func (h *Header) ChangeExtendedPageCount(v uint64) bool {
	if h.PageCount == v {
		return false
	}
	h.PageCount = v
	return true
}

// ChangeTreeDirectoryRoot sets TreeDirectoryRoot, returning true if it
// changed.
func (h *Header) ChangeTreeDirectoryRoot(v uint32) bool {
	if h.TreeDirectoryRoot == v {
		return false
	}
	h.TreeDirectoryRoot = v
	return true
}

// ChangeGarbageRoot sets GarbageRoot, returning true if it changed.
func (h *Header) ChangeGarbageRoot(v uint32) bool {
	if h.GarbageRoot == v {
		return false
	}
	h.GarbageRoot = v
	return true
}

// ChangeCheckpointLSN sets CheckpointLSN, returning true if it changed.
func (h *Header) ChangeCheckpointLSN(v uint64) bool {
	if h.CheckpointLSN == v {
		return false
	}
	h.CheckpointLSN = v
	return true
}

// IncrementReadCounter bumps the read counter unconditionally (always a
// change, since it always increases).
func (h *Header) IncrementReadCounter() { h.ReadCounter++ }

// IncrementWriteCounter bumps the write counter unconditionally.
func (h *Header) IncrementWriteCounter() { h.WriteCounter++ }

// IncrementFetchCounter bumps the point-lookup counter.
func (h *Header) IncrementFetchCounter() { h.FetchCounter++ }

// IncrementTraverseCounter bumps the cursor-step counter.
func (h *Header) IncrementTraverseCounter() { h.TraverseCounter++ }

// IncrementStoreCounter bumps the insert/update counter.
func (h *Header) IncrementStoreCounter() { h.StoreCounter++ }

// IncrementRemoveCounter bumps the delete counter.
func (h *Header) IncrementRemoveCounter() { h.RemoveCounter++ }

// ChangeOpenTimestamp sets OpenTimestamp, returning true if it changed.
// Stamped once per process's successful volume.Open of an existing file.
func (h *Header) ChangeOpenTimestamp(v uint64) bool {
	if h.OpenTimestamp == v {
		return false
	}
	h.OpenTimestamp = v
	return true
}

// ChangeLastExtensionTimestamp sets LastExtensionTimestamp, returning true
// if it changed. Stamped whenever the volume file actually grows.
func (h *Header) ChangeLastExtensionTimestamp(v uint64) bool {
	if h.LastExtensionTimestamp == v {
		return false
	}
	h.LastExtensionTimestamp = v
	return true
}

// ChangeLastReadTimestamp sets LastReadTimestamp, returning true if it
// changed.
func (h *Header) ChangeLastReadTimestamp(v uint64) bool {
	if h.LastReadTimestamp == v {
		return false
	}
	h.LastReadTimestamp = v
	return true
}

// ChangeLastWriteTimestamp sets LastWriteTimestamp, returning true if it
// changed.
func (h *Header) ChangeLastWriteTimestamp(v uint64) bool {
	if h.LastWriteTimestamp == v {
		return false
	}
	h.LastWriteTimestamp = v
	return true
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Marshal encodes h into a full page-sized buffer.
func Marshal(h *Header, pageSize int) []byte {
	buf := make([]byte, pageSize)
	copy(buf[offMagic:], headerMagic)
	binary.LittleEndian.PutUint32(buf[offFormatVersion:], h.FormatVersion)
	binary.LittleEndian.PutUint32(buf[offPageSize:], h.PageSize)
	binary.LittleEndian.PutUint64(buf[offPageCount:], h.PageCount)
	binary.LittleEndian.PutUint64(buf[offVolumeID:], h.VolumeID)
	binary.LittleEndian.PutUint32(buf[offTreeDirRoot:], h.TreeDirectoryRoot)
	binary.LittleEndian.PutUint32(buf[offGarbageRoot:], h.GarbageRoot)
	binary.LittleEndian.PutUint64(buf[offCheckpointLSN:], h.CheckpointLSN)
	binary.LittleEndian.PutUint32(buf[offNextAvailPage:], h.NextAvailablePage)
	binary.LittleEndian.PutUint32(buf[offExtensionPages:], h.ExtensionPages)
	binary.LittleEndian.PutUint32(buf[offInitialPages:], h.InitialPages)
	binary.LittleEndian.PutUint32(buf[offMaximumPages:], h.MaximumPages)
	binary.LittleEndian.PutUint64(buf[offReadCounter:], h.ReadCounter)
	binary.LittleEndian.PutUint64(buf[offWriteCounter:], h.WriteCounter)
	binary.LittleEndian.PutUint64(buf[offFetchCounter:], h.FetchCounter)
	binary.LittleEndian.PutUint64(buf[offTraverseCounter:], h.TraverseCounter)
	binary.LittleEndian.PutUint64(buf[offStoreCounter:], h.StoreCounter)
	binary.LittleEndian.PutUint64(buf[offRemoveCounter:], h.RemoveCounter)
	binary.LittleEndian.PutUint64(buf[offCreateTimestamp:], h.CreateTimestamp)
	binary.LittleEndian.PutUint64(buf[offOpenTimestamp:], h.OpenTimestamp)
	binary.LittleEndian.PutUint64(buf[offLastExtensionTimestamp:], h.LastExtensionTimestamp)
	binary.LittleEndian.PutUint64(buf[offLastReadTimestamp:], h.LastReadTimestamp)
	binary.LittleEndian.PutUint64(buf[offLastWriteTimestamp:], h.LastWriteTimestamp)

	c := crc32.Checksum(buf[:offCRC], crcTable)
	binary.LittleEndian.PutUint32(buf[offCRC:], c)
	return buf
}

// Unmarshal decodes a Header from a page-0 buffer, validating magic,
// version, page size bounds, and CRC.
func Unmarshal(buf []byte) (*Header, error) {
	if len(buf) < headerSize+4 {
		return nil, fmt.Errorf("volume: header page too small: %d bytes", len(buf))
	}
	if string(buf[offMagic:offMagic+8]) != headerMagic {
		return nil, fmt.Errorf("volume: bad header magic")
	}
	// FormatVersion sits at the same offset in every layout version this
	// package has ever written; check it before trusting offCRC's
	// position, since an older version's CRC lives at a different offset
	// and would otherwise fail as a misleading "CRC mismatch" instead of
	// a clear "unsupported format version".
	if v := binary.LittleEndian.Uint32(buf[offFormatVersion:]); v != headerVersion {
		return nil, fmt.Errorf("volume: unsupported format version %d", v)
	}
	stored := binary.LittleEndian.Uint32(buf[offCRC:])
	if crc32.Checksum(buf[:offCRC], crcTable) != stored {
		return nil, fmt.Errorf("volume: header CRC mismatch")
	}

	h := &Header{
		FormatVersion:     binary.LittleEndian.Uint32(buf[offFormatVersion:]),
		PageSize:          binary.LittleEndian.Uint32(buf[offPageSize:]),
		PageCount:         binary.LittleEndian.Uint64(buf[offPageCount:]),
		VolumeID:          binary.LittleEndian.Uint64(buf[offVolumeID:]),
		TreeDirectoryRoot: binary.LittleEndian.Uint32(buf[offTreeDirRoot:]),
		GarbageRoot:       binary.LittleEndian.Uint32(buf[offGarbageRoot:]),
		CheckpointLSN:     binary.LittleEndian.Uint64(buf[offCheckpointLSN:]),
		NextAvailablePage: binary.LittleEndian.Uint32(buf[offNextAvailPage:]),
		ExtensionPages:    binary.LittleEndian.Uint32(buf[offExtensionPages:]),
		InitialPages:      binary.LittleEndian.Uint32(buf[offInitialPages:]),
		MaximumPages:      binary.LittleEndian.Uint32(buf[offMaximumPages:]),
		ReadCounter:       binary.LittleEndian.Uint64(buf[offReadCounter:]),
		WriteCounter:      binary.LittleEndian.Uint64(buf[offWriteCounter:]),

		FetchCounter:    binary.LittleEndian.Uint64(buf[offFetchCounter:]),
		TraverseCounter: binary.LittleEndian.Uint64(buf[offTraverseCounter:]),
		StoreCounter:    binary.LittleEndian.Uint64(buf[offStoreCounter:]),
		RemoveCounter:   binary.LittleEndian.Uint64(buf[offRemoveCounter:]),

		CreateTimestamp:        binary.LittleEndian.Uint64(buf[offCreateTimestamp:]),
		OpenTimestamp:          binary.LittleEndian.Uint64(buf[offOpenTimestamp:]),
		LastExtensionTimestamp: binary.LittleEndian.Uint64(buf[offLastExtensionTimestamp:]),
		LastReadTimestamp:      binary.LittleEndian.Uint64(buf[offLastReadTimestamp:]),
		LastWriteTimestamp:     binary.LittleEndian.Uint64(buf[offLastWriteTimestamp:]),
	}
	if !ValidPageSize(h.PageSize) {
		return nil, fmt.Errorf("volume: invalid page size %d", h.PageSize)
	}
	return h, nil
}

// ValidPageSize reports whether size is one of the page sizes spec §4
// allows: {1024, 2048, 4096, 8192, 16384}.
func ValidPageSize(size uint32) bool {
	switch size {
	case 1024, 2048, 4096, 8192, 16384:
		return true
	default:
		return false
	}
}
