package journal

import (
	"path/filepath"
	"testing"
)

type fakePageWriter struct {
	pages map[uint64][]byte
	synced bool
}

func newFakePageWriter() *fakePageWriter {
	return &fakePageWriter{pages: make(map[uint64][]byte)}
}

func key(volume, pageID uint32) uint64 { return uint64(volume)<<32 | uint64(pageID) }

func (f *fakePageWriter) WriteRawPage(volume uint32, pageID uint32, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.pages[key(volume, pageID)] = cp
	return nil
}

func (f *fakePageWriter) Sync() error {
	f.synced = true
	return nil
}

type fakeAccApplier struct {
	applied map[uint32]int64
}

func (f *fakeAccApplier) ApplyRecoveredDelta(accIndex uint32, value int64) {
	if f.applied == nil {
		f.applied = make(map[uint32]int64)
	}
	f.applied[accIndex] = value
}

func TestAppendAndReadAllRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	if _, err := j.Begin(1); err != nil {
		t.Fatalf("begin: %v", err)
	}
	page := make([]byte, 64)
	for i := range page {
		page[i] = byte(i)
	}
	if _, err := j.LogPageImage(1, 0, 5, page); err != nil {
		t.Fatalf("log page image: %v", err)
	}
	if _, err := j.Commit(1); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := j.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	records, err := ReadAll(j.path)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[1].Type != RecordPageImage || records[1].PageID != 5 {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
}

func TestRecoverAppliesOnlyCommittedTransactions(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	committedPage := []byte{1, 2, 3}
	uncommittedPage := []byte{9, 9, 9}

	j.Begin(1)
	j.LogPageImage(1, 0, 10, committedPage)
	j.Commit(1)

	j.Begin(2)
	j.LogPageImage(2, 0, 20, uncommittedPage)
	// no commit/abort for tx 2: crash before either.

	j.Begin(3)
	j.LogPageImage(3, 0, 30, uncommittedPage)
	j.Abort(3)

	dst := newFakePageWriter()
	result, err := Recover(j, dst, nil, 0)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.PagesApplied != 1 {
		t.Fatalf("expected exactly 1 page applied, got %d", result.PagesApplied)
	}
	if _, ok := dst.pages[key(0, 10)]; !ok {
		t.Fatal("expected committed tx's page to be applied")
	}
	if _, ok := dst.pages[key(0, 20)]; ok {
		t.Fatal("uncommitted tx's page must not be applied")
	}
	if _, ok := dst.pages[key(0, 30)]; ok {
		t.Fatal("aborted tx's page must not be applied")
	}
}

func TestRecoverAppliesAccumulatorDeltas(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	j.Begin(1)
	j.LogAccumulatorDelta(1, 42, 7)
	j.Commit(1)

	dst := newFakePageWriter()
	acc := &fakeAccApplier{}
	result, err := Recover(j, dst, acc, 0)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.DeltasApplied != 1 {
		t.Fatalf("expected 1 delta applied, got %d", result.DeltasApplied)
	}
	if acc.applied[42] != 7 {
		t.Fatalf("expected accumulator slot 42 to receive 7, got %d", acc.applied[42])
	}
}

func TestRecoverSkipsRecordsAtOrBelowCheckpoint(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.log"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	j.Begin(1)
	lsn, _ := j.LogPageImage(1, 0, 1, []byte{1})
	j.Commit(1)

	dst := newFakePageWriter()
	result, err := Recover(j, dst, nil, lsn)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.PagesApplied != 0 {
		t.Fatalf("expected page at checkpoint LSN to be skipped, applied %d", result.PagesApplied)
	}
}
