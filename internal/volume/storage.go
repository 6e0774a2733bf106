package volume

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/gofrs/flock"

	"github.com/brineholt/ptree/ptreeerr"
)

// Specification is the open-time configuration of a Volume: path, page
// size, and the allocation policy governing growth (spec §4: "Volume —
// an identity plus a Specification").
type Specification struct {
	Path           string
	PageSize       uint32
	InitialPages   uint32
	ExtensionPages uint32
	MaximumPages   uint32
	ReadOnly       bool
	Create         bool
}

// JournalReader lets Storage consult the journal before disk, mirroring
// the teacher's "journal first" read-through (spec §4.4, §4.8). A nil
// JournalReader simply always misses.
type JournalReader interface {
	ReadThrough(volume uint32, pageID uint32) (data []byte, hit bool, err error)
}

// Storage is the file-backed page I/O layer described in spec §4.4. It
// owns the exclusive/shared file-range lock, the header page, and the
// allocation counters. Grounded on pager.Pager's open/allocate/extend
// methods, generalized to consult an injected JournalReader instead of
// a hardcoded WAL field.
type Storage struct {
	mu       sync.Mutex
	file     *os.File
	flock    *flock.Flock
	spec     Specification
	ordinal  uint32 // this volume's ordinal within its owning engine, stamped into journal records
	header   *Header
	journal  JournalReader
	freeList *FreeList
	clock    func() uint64 // allocator tick source for the header's lifecycle timestamps

	// headerDirty tracks whether any counter or timestamp has changed
	// since the header page was last written, so FlushMetaData only
	// issues a write when there is actually something new to persist.
	headerDirty bool
}

func (s *Storage) now() uint64 {
	if s.clock == nil {
		return 0
	}
	return s.clock()
}

// Open implements spec §4.4's open protocol: existence check, exclusive
// (or shared, if read-only) file-range lock, create-or-verify header,
// recompute extended page count from file size. clock sources the
// allocator ticks stamped into the header's lifecycle timestamps; nil
// leaves them at zero.
func Open(spec Specification, ordinal uint32, journal JournalReader, clock func() uint64) (*Storage, error) {
	_, statErr := os.Stat(spec.Path)
	exists := statErr == nil
	if !exists && !spec.Create {
		return nil, ptreeerr.New(ptreeerr.VolumeNotFound, "volume.Open", statErr)
	}
	if exists && spec.Create {
		return nil, ptreeerr.New(ptreeerr.VolumeAlreadyExists, "volume.Open", fmt.Errorf("%s already exists", spec.Path))
	}

	flags := os.O_RDWR | os.O_CREATE
	if spec.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(spec.Path, flags, 0o644)
	if err != nil {
		return nil, ptreeerr.New(ptreeerr.PersistitIO, "volume.Open", err)
	}

	fl := flock.New(spec.Path)
	locked, err := lockFile(fl, spec.ReadOnly)
	if err != nil {
		f.Close()
		return nil, ptreeerr.New(ptreeerr.PersistitIO, "volume.Open", err)
	}
	if !locked {
		f.Close()
		return nil, ptreeerr.New(ptreeerr.InUse, "volume.Open", fmt.Errorf("%s is locked by another process", spec.Path))
	}

	s := &Storage{file: f, flock: fl, spec: spec, ordinal: ordinal, journal: journal, clock: clock}

	if !exists {
		if err := s.initializeNew(); err != nil {
			s.Close()
			return nil, err
		}
	} else {
		if err := s.openExisting(); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func lockFile(fl *flock.Flock, readOnly bool) (bool, error) {
	if readOnly {
		return fl.TryRLock()
	}
	return fl.TryLock()
}

func randomVolumeID() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	id := binary.BigEndian.Uint64(b[:])
	id &= (1 << 40) - 1 // 40-bit id per spec §4.4 step 3
	if id == 0 {
		id = 1
	}
	return id
}

func (s *Storage) initializeNew() error {
	if !ValidPageSize(s.spec.PageSize) {
		return ptreeerr.New(ptreeerr.IllegalArgument, "volume.Open", fmt.Errorf("invalid page size %d", s.spec.PageSize))
	}
	h := NewHeader(s.spec.PageSize, randomVolumeID(), s.spec.InitialPages, s.spec.ExtensionPages, s.spec.MaximumPages, s.now())
	s.header = h
	s.freeList = newFreeList()

	targetSize := int64(s.spec.PageSize) * int64(s.spec.InitialPages)
	if err := s.file.Truncate(targetSize); err != nil {
		return ptreeerr.New(ptreeerr.PersistitIO, "volume.initializeNew", err)
	}
	return s.writeHeaderPage()
}

func (s *Storage) openExisting() error {
	buf := make([]byte, DefaultPageSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return ptreeerr.New(ptreeerr.CorruptVolume, "volume.openExisting", err)
	}
	h, err := Unmarshal(buf)
	if err != nil {
		return ptreeerr.New(ptreeerr.CorruptVolume, "volume.openExisting", err)
	}
	s.header = h

	info, err := s.file.Stat()
	if err != nil {
		return ptreeerr.New(ptreeerr.PersistitIO, "volume.openExisting", err)
	}
	s.header.ChangeExtendedPageCount(uint64(info.Size()) / uint64(s.header.PageSize))
	openChanged := s.header.ChangeOpenTimestamp(s.now())

	fl, err := loadFreeList(s.header.GarbageRoot, int(s.header.PageSize), s.readPageRawLocked)
	if err != nil {
		return ptreeerr.New(ptreeerr.CorruptVolume, "volume.openExisting", fmt.Errorf("load free list: %w", err))
	}
	s.freeList = fl
	if openChanged {
		return s.writeHeaderPage()
	}
	return nil
}

func (s *Storage) writeHeaderPage() error {
	buf := Marshal(s.header, int(s.spec.PageSize))
	_, err := s.file.WriteAt(buf, 0)
	if err != nil {
		return ptreeerr.New(ptreeerr.PersistitIO, "volume.writeHeaderPage", err)
	}
	return nil
}

// Close releases the file lock and closes the backing file.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flock != nil {
		s.flock.Unlock()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// Ordinal returns this volume's ordinal within its owning engine, used
// to address journal records.
func (s *Storage) Ordinal() uint32 { return s.ordinal }

// CountFetch bumps the point-lookup counter, implementing
// tree.CounterSink for tree.Tree.Search.
func (s *Storage) CountFetch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.IncrementFetchCounter()
	s.headerDirty = true
}

// CountTraverse bumps the cursor-step counter, implementing
// tree.CounterSink for tree.Exchange.First/Next.
func (s *Storage) CountTraverse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.IncrementTraverseCounter()
	s.headerDirty = true
}

// CountStore bumps the insert/update counter, implementing
// tree.CounterSink for tree.Tree.Insert.
func (s *Storage) CountStore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.IncrementStoreCounter()
	s.headerDirty = true
}

// CountRemove bumps the delete counter, implementing tree.CounterSink for
// tree.Tree.Delete.
func (s *Storage) CountRemove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header.IncrementRemoveCounter()
	s.headerDirty = true
}

// PageSize returns the volume's configured page size.
func (s *Storage) PageSize() int { return int(s.header.PageSize) }

// Header returns the in-memory header, for callers (e.g. ptreectl) that
// want to inspect it.
func (s *Storage) Header() Header { return *s.header }

// ReadPage reads pageID into buf, rejecting addresses outside
// [0, nextAvailablePage). Consults the injected journal first (spec
// §4.4's "journal first" read-through), falling back to the on-disk
// image on a miss.
func (s *Storage) ReadPage(pageID uint32, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pageID >= s.header.NextAvailablePage {
		return ptreeerr.New(ptreeerr.InvalidPageAddress, "volume.ReadPage",
			fmt.Errorf("page %d >= next available page %d", pageID, s.header.NextAvailablePage))
	}

	if s.journal != nil {
		data, hit, err := s.journal.ReadThrough(s.ordinal, pageID)
		if err != nil {
			return ptreeerr.New(ptreeerr.PersistitIO, "volume.ReadPage", err)
		}
		if hit {
			copy(buf, data)
			s.header.IncrementReadCounter()
			s.header.ChangeLastReadTimestamp(s.now())
			s.headerDirty = true
			return nil
		}
	}

	if err := s.readPageRawLocked(pageID, buf); err != nil {
		return err
	}
	s.header.IncrementReadCounter()
	s.header.ChangeLastReadTimestamp(s.now())
	s.headerDirty = true
	return nil
}

func (s *Storage) readPageRawLocked(pageID uint32, buf []byte) error {
	off := int64(pageID) * int64(s.header.PageSize)
	total := 0
	for total < len(buf) {
		n, err := s.file.ReadAt(buf[total:], off+int64(total))
		total += n
		if err != nil {
			return ptreeerr.New(ptreeerr.PersistitIO, "volume.readPageRaw", err)
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// WriteRawPage writes a page image directly to disk, bypassing the
// journal. Used by temporary volumes (spec §4.4: "temporary volumes
// write directly") and by journal recovery replay, which implements
// journal.PageWriter via this method.
func (s *Storage) WriteRawPage(volumeOrdinal uint32, pageID uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if volumeOrdinal != s.ordinal {
		return ptreeerr.New(ptreeerr.IllegalArgument, "volume.WriteRawPage",
			fmt.Errorf("ordinal mismatch: got %d, want %d", volumeOrdinal, s.ordinal))
	}
	off := int64(pageID) * int64(s.header.PageSize)
	if _, err := s.file.WriteAt(data, off); err != nil {
		return ptreeerr.New(ptreeerr.PersistitIO, "volume.WriteRawPage", err)
	}
	s.header.IncrementWriteCounter()
	s.header.ChangeLastWriteTimestamp(s.now())
	s.headerDirty = true
	return nil
}

// Sync fsyncs the backing file.
func (s *Storage) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// AllocNewPage returns a reclaimed page from the free list if one is
// available, otherwise atomically increments next-available-page,
// extending the file first if needed (spec §4.4).
func (s *Storage) AllocNewPage() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.freeList.pop(); ok {
		return id, nil
	}
	return s.rawAllocLocked()
}

func (s *Storage) rawAllocLocked() (uint32, error) {
	next := s.header.NextAvailablePage
	if uint64(next+1) > s.header.PageCount {
		if err := s.extendLocked(); err != nil {
			return 0, err
		}
	}
	s.header.ChangeNextAvailablePage(next + 1)
	return next, nil
}

// FreePage reclaims id, making it eligible for reuse by a future
// AllocNewPage. The reclamation only becomes durable at the next
// FlushFreeList; a crash before that leaves id merely unreferenced
// rather than corrupting anything.
func (s *Storage) FreePage(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeList.push(id)
}

// FlushFreeList persists the in-memory free set as a fresh on-disk
// chain and updates Header.GarbageRoot to point at it, called from the
// maintenance loop alongside FlushMetaData.
func (s *Storage) FlushFreeList() (dirty bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.freeList.count() == 0 && s.header.GarbageRoot == 0 {
		return false, nil
	}
	head, err := s.freeList.flush(int(s.header.PageSize), s.rawAllocLocked, func(id uint32, buf []byte) error {
		off := int64(id) * int64(s.header.PageSize)
		if _, err := s.file.WriteAt(buf, off); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return false, ptreeerr.New(ptreeerr.PersistitIO, "volume.FlushFreeList", err)
	}
	if !s.header.ChangeGarbageRoot(head) {
		return false, nil
	}
	if err := s.writeHeaderPage(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Storage) extendLocked() error {
	newCount := s.header.PageCount + uint64(s.header.ExtensionPages)
	if s.header.MaximumPages > 0 && newCount > uint64(s.header.MaximumPages) {
		return ptreeerr.New(ptreeerr.VolumeFull, "volume.extend",
			fmt.Errorf("cannot extend beyond maximum %d pages", s.header.MaximumPages))
	}
	return s.resizeLocked(newCount)
}

// Resize grows the file to targetPages, never truncating shorter than
// the current size (spec §4.4). Writing a single byte at the new end
// forces the filesystem to materialize the hole rather than leaving a
// file whose logical size outruns its allocated blocks silently.
func (s *Storage) Resize(targetPages uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resizeLocked(targetPages)
}

func (s *Storage) resizeLocked(targetPages uint64) error {
	if targetPages <= s.header.PageCount {
		return nil
	}
	targetSize := int64(targetPages) * int64(s.header.PageSize)
	if _, err := s.file.WriteAt([]byte{0}, targetSize-1); err != nil {
		return ptreeerr.New(ptreeerr.PersistitIO, "volume.resize", err)
	}
	s.header.ChangeExtendedPageCount(targetPages)
	s.header.ChangeLastExtensionTimestamp(s.now())
	s.headerDirty = true
	return nil
}

// FlushMetaData implements spec §4.4's flush protocol: persist the header
// page if any counter or lifecycle timestamp has changed since the last
// flush. Unlike those fields, which are cheap in-memory increments on
// every page access, the header write itself only happens here, on the
// maintenance tick's schedule.
func (s *Storage) FlushMetaData() (dirty bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.headerDirty {
		return false, nil
	}
	if err := s.writeHeaderPage(); err != nil {
		return false, err
	}
	s.headerDirty = false
	return true, nil
}

// SetTreeDirectoryRoot durably updates the header's tree-directory root
// page, the pointer the engine's classindex/tree-directory bootstrap
// uses to find (or create) the per-volume directory tree.
func (s *Storage) SetTreeDirectoryRoot(root uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.header.ChangeTreeDirectoryRoot(root) {
		return nil
	}
	return s.writeHeaderPage()
}
