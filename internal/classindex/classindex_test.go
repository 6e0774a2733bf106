package classindex

import (
	"fmt"
	"reflect"
	"testing"

	"github.com/brineholt/ptree/internal/tree"
	"github.com/brineholt/ptree/ptreeerr"
)

type fakeStore struct {
	pageSize int
	pages    map[uint32][]byte
	next     uint32
}

func newFakeStore(pageSize int) *fakeStore {
	return &fakeStore{pageSize: pageSize, pages: make(map[uint32][]byte), next: 1}
}

func (s *fakeStore) AllocPage() (uint32, error) {
	id := s.next
	s.next++
	s.pages[id] = make([]byte, s.pageSize)
	return id, nil
}

func (s *fakeStore) ReadPage(id uint32, buf []byte) error {
	p, ok := s.pages[id]
	if !ok {
		return fmt.Errorf("no such page %d", id)
	}
	copy(buf, p)
	return nil
}

func (s *fakeStore) WritePage(id uint32, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	s.pages[id] = cp
	return nil
}

func (s *fakeStore) PageSize() int { return s.pageSize }

type widget struct{}

type fakeResolver struct {
	suid map[string]int64
}

func (r *fakeResolver) Resolve(name string) (reflect.Type, int64, error) {
	suid, ok := r.suid[name]
	if !ok {
		return nil, 0, fmt.Errorf("unknown class %q", name)
	}
	return reflect.TypeOf(widget{}), suid, nil
}

func newTestIndex(t *testing.T) (*ClassIndex, Resolver) {
	t.Helper()
	store := newFakeStore(1024)
	tr, err := tree.Create(store, "_classIndex", nil, 8)
	if err != nil {
		t.Fatalf("tree.Create: %v", err)
	}
	resolver := &fakeResolver{suid: map[string]int64{"A.B.C": 42}}
	return Open(tr, resolver), resolver
}

func TestLookupByClassAllocatesHandleOnce(t *testing.T) {
	ci, _ := newTestIndex(t)

	info1, err := ci.LookupByClass("A.B.C", 42)
	if err != nil {
		t.Fatalf("first LookupByClass: %v", err)
	}
	if info1.Handle == 0 {
		t.Fatal("expected a nonzero handle")
	}

	info2, err := ci.LookupByClass("A.B.C", 42)
	if err != nil {
		t.Fatalf("second LookupByClass: %v", err)
	}
	if info2.Handle != info1.Handle {
		t.Fatalf("handle changed across calls: %d vs %d", info1.Handle, info2.Handle)
	}
}

func TestLookupByClassAssignsDistinctHandles(t *testing.T) {
	ci, _ := newTestIndex(t)
	ci.resolver = &fakeResolver{suid: map[string]int64{"A": 1, "B": 2}}

	a, err := ci.LookupByClass("A", 1)
	if err != nil {
		t.Fatalf("lookup A: %v", err)
	}
	b, err := ci.LookupByClass("B", 2)
	if err != nil {
		t.Fatalf("lookup B: %v", err)
	}
	if a.Handle == b.Handle {
		t.Fatalf("expected distinct handles, got %d for both", a.Handle)
	}
}

func TestLookupByHandleBijection(t *testing.T) {
	ci, _ := newTestIndex(t)
	info, err := ci.LookupByClass("A.B.C", 42)
	if err != nil {
		t.Fatalf("LookupByClass: %v", err)
	}

	// Force a cold read from the tree rather than the in-memory cache.
	ci.testResetHandle(info.Handle, "A.B.C", 42)

	byHandle, err := ci.LookupByHandle(info.Handle)
	if err != nil {
		t.Fatalf("LookupByHandle: %v", err)
	}
	if byHandle == nil {
		t.Fatal("expected a hit, got nil")
	}
	if byHandle.Name != "A.B.C" || byHandle.SerialVersionUID != 42 {
		t.Fatalf("byHandle = %+v", byHandle)
	}
}

func TestLookupByHandleMissingReturnsNilNil(t *testing.T) {
	ci, _ := newTestIndex(t)
	info, err := ci.LookupByHandle(9999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info != nil {
		t.Fatalf("expected nil for unregistered handle, got %+v", info)
	}
}

func TestLookupByHandleKnownNullCacheAvoidsTreeProbe(t *testing.T) {
	ci, _ := newTestIndex(t)
	if _, err := ci.LookupByHandle(42); err != nil {
		t.Fatalf("first miss: %v", err)
	}
	if _, known := ci.knownNull[42]; !known {
		t.Fatal("expected handle 42 to be cached as a known miss")
	}

	info, err := ci.LookupByClass("Late.Registrant", 7)
	if err != nil {
		t.Fatalf("LookupByClass: %v", err)
	}
	if _, known := ci.knownNull[info.Handle]; known {
		t.Fatal("registering a class should clear any matching known-null entry")
	}
}

func TestLookupByHandleSUIDMismatchIsConversionError(t *testing.T) {
	ci, _ := newTestIndex(t)
	info, err := ci.LookupByClass("A.B.C", 42)
	if err != nil {
		t.Fatalf("LookupByClass: %v", err)
	}
	ci.testResetHandle(info.Handle, "A.B.C", 42)
	ci.resolver = &fakeResolver{suid: map[string]int64{"A.B.C": 43}}

	_, err = ci.LookupByHandle(info.Handle)
	if ptreeerr.KindOf(err) != ptreeerr.Conversion {
		t.Fatalf("expected Conversion error, got %v (%v)", ptreeerr.KindOf(err), err)
	}
}

func TestLookupByHandleUnresolvableClassIsConversionError(t *testing.T) {
	ci, _ := newTestIndex(t)
	info, err := ci.LookupByClass("A.B.C", 42)
	if err != nil {
		t.Fatalf("LookupByClass: %v", err)
	}
	ci.testResetHandle(info.Handle, "A.B.C", 42)
	ci.resolver = &fakeResolver{suid: map[string]int64{}}

	_, err = ci.LookupByHandle(info.Handle)
	if ptreeerr.KindOf(err) != ptreeerr.Conversion {
		t.Fatalf("expected Conversion error, got %v (%v)", ptreeerr.KindOf(err), err)
	}
}
