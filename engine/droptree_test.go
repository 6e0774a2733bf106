package engine

import (
	"fmt"
	"testing"
)

func TestDropTreeRejectsReservedTree(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if err := e.CreateVolume("v1"); err != nil {
		t.Fatalf("create volume: %v", err)
	}
	if err := e.DropTree("v1", directoryTreeName); err == nil {
		t.Fatal("expected an error dropping a reserved tree")
	}
}

func TestDropTreeUnknownTree(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if err := e.CreateVolume("v1"); err != nil {
		t.Fatalf("create volume: %v", err)
	}
	if err := e.DropTree("v1", "nonexistent"); err == nil {
		t.Fatal("expected an error dropping an unregistered tree")
	}
}

func TestDropTreeReclaimsPagesForReuse(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if err := e.CreateVolume("v1"); err != nil {
		t.Fatalf("create volume: %v", err)
	}
	th, err := e.OpenTree("v1", "scratch")
	if err != nil {
		t.Fatalf("open tree: %v", err)
	}

	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if err := tx.Insert(th, key, key); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	e.mu.RLock()
	vh := e.volumes["v1"]
	e.mu.RUnlock()
	before := vh.storage.Header().NextAvailablePage

	if err := e.DropTree("v1", "scratch"); err != nil {
		t.Fatalf("drop tree: %v", err)
	}
	if _, _, err := th.Search([]byte("key-0000")); err != nil {
		t.Fatalf("search after drop should still read the (now orphaned) page without erroring: %v", err)
	}

	reclaimed := vh.storage.Header().GarbageRoot == 0 // not yet flushed
	if !reclaimed {
		t.Fatalf("GarbageRoot should still be 0 before the first FlushFreeList")
	}

	// A fresh tree's page allocations should draw from the free set
	// DropTree populated, rather than growing the volume further.
	th2, err := e.OpenTree("v1", "scratch2")
	if err != nil {
		t.Fatalf("open tree 2: %v", err)
	}
	_ = th2
	after := vh.storage.Header().NextAvailablePage
	if after > before {
		t.Fatalf("NextAvailablePage grew from %d to %d; expected reclaimed pages to be reused first", before, after)
	}

	rec, found, err := vh.directory.Get("scratch")
	if err != nil {
		t.Fatalf("directory get: %v", err)
	}
	if found {
		t.Fatalf("expected dropped tree's directory entry to be gone, got %+v", rec)
	}
}

func TestFlushFreeListPersistsGarbageRoot(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, testOptions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if err := e.CreateVolume("v1"); err != nil {
		t.Fatalf("create volume: %v", err)
	}
	th, err := e.OpenTree("v1", "scratch")
	if err != nil {
		t.Fatalf("open tree: %v", err)
	}
	tx, err := e.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.Insert(th, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	e.mu.RLock()
	vh := e.volumes["v1"]
	e.mu.RUnlock()

	if err := e.DropTree("v1", "scratch"); err != nil {
		t.Fatalf("drop tree: %v", err)
	}
	dirty, err := vh.storage.FlushFreeList()
	if err != nil {
		t.Fatalf("flush free list: %v", err)
	}
	if !dirty {
		t.Fatal("expected FlushFreeList to report a change after reclaiming a tree's pages")
	}
	if vh.storage.Header().GarbageRoot == 0 {
		t.Fatal("expected a non-zero GarbageRoot after flushing a non-empty free list")
	}
}
