package volume

import (
	"path/filepath"
	"testing"

	"github.com/brineholt/ptree/ptreeerr"
)

func newTestSpec(dir string) Specification {
	return Specification{
		Path:           filepath.Join(dir, "test.vol"),
		PageSize:       DefaultPageSize,
		InitialPages:   4,
		ExtensionPages: 4,
		MaximumPages:   64,
		Create:         true,
	}
}

func TestOpenCreatesAndReopens(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(dir)

	s, err := Open(spec, 0, nil, nil)
	if err != nil {
		t.Fatalf("open create: %v", err)
	}
	id := s.Header().VolumeID
	if id == 0 {
		t.Fatal("expected a non-zero volume id")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopenSpec := spec
	reopenSpec.Create = false
	s2, err := Open(reopenSpec, 0, nil, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if s2.Header().VolumeID != id {
		t.Fatalf("volume id changed across reopen: %d != %d", s2.Header().VolumeID, id)
	}
}

func TestOpenRejectsCreateWhenFileExists(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(dir)
	s, err := Open(spec, 0, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.Close()

	if _, err := Open(spec, 0, nil, nil); ptreeerr.KindOf(err) != ptreeerr.VolumeAlreadyExists {
		t.Fatalf("expected VolumeAlreadyExists, got %v", err)
	}
}

func TestOpenRejectsMissingWithoutCreate(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(dir)
	spec.Create = false
	if _, err := Open(spec, 0, nil, nil); ptreeerr.KindOf(err) != ptreeerr.VolumeNotFound {
		t.Fatalf("expected VolumeNotFound, got %v", err)
	}
}

func TestAllocNewPageExtendsFileAndRespectsMaximum(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(dir)
	spec.InitialPages = 2
	spec.ExtensionPages = 2
	spec.MaximumPages = 4

	s, err := Open(spec, 0, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	var last uint32
	for i := 0; i < 3; i++ {
		last, err = s.AllocNewPage()
		if err != nil {
			t.Fatalf("alloc page %d: %v", i, err)
		}
	}
	if last != 3 {
		t.Fatalf("expected third allocated page id 3, got %d", last)
	}

	if _, err := s.AllocNewPage(); err == nil {
		t.Fatal("expected volume-full error once maximum pages exceeded")
	} else if ptreeerr.KindOf(err) != ptreeerr.VolumeFull {
		t.Fatalf("expected VolumeFull kind, got %v", err)
	}
}

func TestWriteAndReadPageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(dir)
	s, err := Open(spec, 0, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	pageID, err := s.AllocNewPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	payload := make([]byte, s.PageSize())
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := s.WriteRawPage(0, pageID, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	readBuf := make([]byte, s.PageSize())
	if err := s.ReadPage(pageID, readBuf); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range payload {
		if readBuf[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, readBuf[i], payload[i])
		}
	}
}

func TestReadPageRejectsOutOfRangeAddress(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(dir)
	s, err := Open(spec, 0, nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	buf := make([]byte, s.PageSize())
	if err := s.ReadPage(999, buf); ptreeerr.KindOf(err) != ptreeerr.InvalidPageAddress {
		t.Fatalf("expected InvalidPageAddress, got %v", err)
	}
}

type fakeJournal struct {
	data map[uint32][]byte
}

func (f *fakeJournal) ReadThrough(volume uint32, pageID uint32) ([]byte, bool, error) {
	d, ok := f.data[pageID]
	return d, ok, nil
}

func TestReadPagePrefersJournal(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(dir)
	fj := &fakeJournal{data: map[uint32][]byte{}}

	s, err := Open(spec, 0, fj, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	pageID, _ := s.AllocNewPage()
	onDisk := make([]byte, s.PageSize())
	onDisk[0] = 1
	s.WriteRawPage(0, pageID, onDisk)

	fromJournal := make([]byte, s.PageSize())
	fromJournal[0] = 2
	fj.data[pageID] = fromJournal

	buf := make([]byte, s.PageSize())
	if err := s.ReadPage(pageID, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0] != 2 {
		t.Fatalf("expected journal image to win, got byte %d", buf[0])
	}
}

func TestCountersAndTimestampsAdvanceAndPersist(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec(dir)

	var tick uint64
	clock := func() uint64 { tick++; return tick }

	s, err := Open(spec, 0, nil, clock)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if got := s.Header().CreateTimestamp; got == 0 {
		t.Fatal("expected a non-zero create timestamp from a clock-backed Open")
	}

	pageID, err := s.AllocNewPage()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	buf := make([]byte, s.PageSize())
	if err := s.WriteRawPage(0, pageID, buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.ReadPage(pageID, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	s.CountFetch()
	s.CountTraverse()
	s.CountStore()
	s.CountRemove()

	h := s.Header()
	if h.ReadCounter != 1 || h.WriteCounter != 1 {
		t.Fatalf("expected ReadCounter=1 WriteCounter=1, got %d %d", h.ReadCounter, h.WriteCounter)
	}
	if h.FetchCounter != 1 || h.TraverseCounter != 1 || h.StoreCounter != 1 || h.RemoveCounter != 1 {
		t.Fatalf("expected every semantic counter at 1, got fetch=%d traverse=%d store=%d remove=%d",
			h.FetchCounter, h.TraverseCounter, h.StoreCounter, h.RemoveCounter)
	}
	if h.LastReadTimestamp == 0 || h.LastWriteTimestamp == 0 {
		t.Fatalf("expected non-zero LastRead/LastWrite timestamps, got %d %d", h.LastReadTimestamp, h.LastWriteTimestamp)
	}

	dirty, err := s.FlushMetaData()
	if err != nil {
		t.Fatalf("flush metadata: %v", err)
	}
	if !dirty {
		t.Fatal("expected FlushMetaData to report dirty after counter activity")
	}

	dirty, err = s.FlushMetaData()
	if err != nil {
		t.Fatalf("flush metadata (second): %v", err)
	}
	if dirty {
		t.Fatal("expected a second consecutive FlushMetaData with no new activity to report clean")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopenSpec := spec
	reopenSpec.Create = false
	s2, err := Open(reopenSpec, 0, nil, clock)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	if got := s2.Header().FetchCounter; got != 1 {
		t.Fatalf("expected FetchCounter to survive reopen as 1, got %d", got)
	}
	if got := s2.Header().OpenTimestamp; got == 0 {
		t.Fatal("expected a non-zero open timestamp after reopening with a clock")
	}
}
