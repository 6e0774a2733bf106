package tree

import (
	"fmt"
	"sort"
	"testing"

	"github.com/brineholt/ptree/internal/accumulator"
	"github.com/brineholt/ptree/ptreeerr"
)

// fakeStore is an in-memory PageStore for exercising Tree without a
// real volume.Storage, the way the teacher's btree tests drive
// pager.BTree against an in-memory page map.
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
		return fmt.Errorf("fakeStore: no such page %d", id)
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

func newTestTree(t *testing.T, pageSize int) (*Tree, *fakeStore) {
	t.Helper()
	store := newFakeStore(pageSize)
	tr, err := Create(store, "widgets", NicePolicy{}, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tr, store
}

func TestInsertAndSearchRoundTrip(t *testing.T) {
	tr, _ := newTestTree(t, 1024)

	if err := tr.Insert([]byte("apple"), []byte("red")); err != nil {
		t.Fatalf("Insert apple: %v", err)
	}
	if err := tr.Insert([]byte("banana"), []byte("yellow")); err != nil {
		t.Fatalf("Insert banana: %v", err)
	}

	v, found, err := tr.Search([]byte("apple"))
	if err != nil || !found || string(v) != "red" {
		t.Fatalf("Search apple = %q, %v, %v", v, found, err)
	}
	v, found, err = tr.Search([]byte("banana"))
	if err != nil || !found || string(v) != "yellow" {
		t.Fatalf("Search banana = %q, %v, %v", v, found, err)
	}
	_, found, err = tr.Search([]byte("cherry"))
	if err != nil || found {
		t.Fatalf("Search cherry should miss, got found=%v err=%v", found, err)
	}
}

func TestInsertReplacesExistingKey(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	if err := tr.Insert([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := tr.Insert([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("replace insert: %v", err)
	}
	v, found, err := tr.Search([]byte("k"))
	if err != nil || !found || string(v) != "v2" {
		t.Fatalf("Search after replace = %q, %v, %v", v, found, err)
	}
}

func TestInsertManyKeysTriggersSplitsAndStaysSearchable(t *testing.T) {
	tr, _ := newTestTree(t, 1024)

	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := tr.Insert(key, val); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := fmt.Sprintf("value-%04d", i)
		v, found, err := tr.Search(key)
		if err != nil || !found {
			t.Fatalf("Search key %d: found=%v err=%v", i, found, err)
		}
		if string(v) != want {
			t.Fatalf("Search key %d = %q, want %q", i, v, want)
		}
	}

	if tr.ChangeCount() == 0 {
		t.Fatal("expected ChangeCount to reflect inserts and splits")
	}
}

func TestInsertOutOfOrderKeepsSortedLeaf(t *testing.T) {
	tr, store := newTestTree(t, 1024)
	order := []string{"mango", "apple", "zebra", "fig", "date"}
	for _, k := range order {
		if err := tr.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}

	rootID := tr.RootPage()
	buf := make([]byte, store.PageSize())
	if err := store.ReadPage(rootID, buf); err != nil {
		t.Fatalf("ReadPage root: %v", err)
	}
	page := WrapPage(buf)
	sp := page.Slotted()
	n := sp.LiveRecords()
	var keys []string
	for i := 0; i < n; i++ {
		e := UnmarshalLeafEntry(sp.GetRecord(i))
		keys = append(keys, string(e.Key))
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("leaf keys not sorted: %v", keys)
	}
}

func TestValueOverOverflowThresholdIsSpilled(t *testing.T) {
	tr, _ := newTestTree(t, 2048)
	big := make([]byte, OverflowThreshold+500)
	for i := range big {
		big[i] = byte(i % 251)
	}
	if err := tr.Insert([]byte("huge"), big); err != nil {
		t.Fatalf("Insert huge: %v", err)
	}
	v, found, err := tr.Search([]byte("huge"))
	if err != nil || !found {
		t.Fatalf("Search huge: found=%v err=%v", found, err)
	}
	if len(v) != len(big) {
		t.Fatalf("round-tripped value length = %d, want %d", len(v), len(big))
	}
	for i := range big {
		if v[i] != big[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, v[i], big[i])
		}
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	tr.Insert([]byte("a"), []byte("1"))
	tr.Insert([]byte("b"), []byte("2"))

	ok, err := tr.Delete([]byte("a"))
	if err != nil || !ok {
		t.Fatalf("Delete a: ok=%v err=%v", ok, err)
	}
	_, found, err := tr.Search([]byte("a"))
	if err != nil || found {
		t.Fatalf("Search a after delete: found=%v err=%v", found, err)
	}
	v, found, err := tr.Search([]byte("b"))
	if err != nil || !found || string(v) != "2" {
		t.Fatalf("Search b after deleting a = %q, %v, %v", v, found, err)
	}

	ok, err = tr.Delete([]byte("missing"))
	if err != nil || ok {
		t.Fatalf("Delete missing key should be a no-op miss, got ok=%v err=%v", ok, err)
	}
}

func TestInsertThenDeleteThenReinsertSameKey(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	tr.Insert([]byte("a"), []byte("1"))
	tr.Insert([]byte("b"), []byte("2"))
	tr.Insert([]byte("c"), []byte("3"))

	if _, err := tr.Delete([]byte("b")); err != nil {
		t.Fatalf("Delete b: %v", err)
	}
	if err := tr.Insert([]byte("b"), []byte("22")); err != nil {
		t.Fatalf("Reinsert b: %v", err)
	}

	for k, want := range map[string]string{"a": "1", "b": "22", "c": "3"} {
		v, found, err := tr.Search([]byte(k))
		if err != nil || !found || string(v) != want {
			t.Fatalf("Search %s = %q, %v, %v, want %q", k, v, found, err, want)
		}
	}
}

func TestAccumulatorLazyCreationAndKindMismatch(t *testing.T) {
	tr, _ := newTestTree(t, 1024)

	acc, err := tr.Accumulator(0, accumulator.SUM, 10)
	if err != nil {
		t.Fatalf("Accumulator create: %v", err)
	}
	if acc.GetLiveValue() != 10 {
		t.Fatalf("base value = %d, want 10", acc.GetLiveValue())
	}

	acc2, err := tr.Accumulator(0, accumulator.SUM, 999)
	if err != nil {
		t.Fatalf("Accumulator reopen: %v", err)
	}
	if acc2 != acc {
		t.Fatal("expected the same Accumulator instance on reopen")
	}

	_, err = tr.Accumulator(0, accumulator.MAX, 0)
	if ptreeerr.KindOf(err) != ptreeerr.IllegalState {
		t.Fatalf("kind mismatch should be IllegalState, got %v (%v)", ptreeerr.KindOf(err), err)
	}
}

func TestAccumulatorIndexOutOfRange(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	_, err := tr.Accumulator(MaxAccumulators, accumulator.SUM, 0)
	if ptreeerr.KindOf(err) != ptreeerr.IllegalArgument {
		t.Fatalf("out of range index should be IllegalArgument, got %v", ptreeerr.KindOf(err))
	}
}

func TestExchangeFirstOnEmptyTreeFindsNothing(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	x := tr.NewExchange()
	ok, err := x.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if ok {
		t.Fatal("expected First on an empty tree to report false")
	}
}

func TestExchangeWalksEveryKeyInOrderAcrossSplits(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	const n = 250
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("value-%04d", i))
		if err := tr.Insert(key, val); err != nil {
			t.Fatalf("Insert %d: %v", i, err)
		}
	}

	x := tr.NewExchange()
	ok, err := x.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	var keys []string
	for ok {
		keys = append(keys, string(x.Key()))
		v, err := x.Value()
		if err != nil {
			t.Fatalf("Value: %v", err)
		}
		want := fmt.Sprintf("value-%04d", len(keys)-1)
		if string(v) != want {
			t.Fatalf("value at position %d = %q, want %q", len(keys)-1, v, want)
		}
		ok, err = x.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}
	if len(keys) != n {
		t.Fatalf("expected %d keys from a full cursor walk, got %d", n, len(keys))
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("cursor keys out of order: %v", keys)
	}
}

func TestExchangeSeekPositionsAtFirstKeyAtOrAfterTarget(t *testing.T) {
	tr, _ := newTestTree(t, 1024)
	for _, k := range []string{"apple", "banana", "fig", "mango", "zebra"} {
		if err := tr.Insert([]byte(k), []byte(k)); err != nil {
			t.Fatalf("Insert %s: %v", k, err)
		}
	}

	x := tr.NewExchange()
	ok, err := x.Seek([]byte("cherry"))
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !ok {
		t.Fatal("expected Seek(cherry) to find a key at or after it")
	}
	if string(x.Key()) != "fig" {
		t.Fatalf("Seek(cherry) landed on %q, want fig", x.Key())
	}

	ok, err = x.Seek([]byte("zzz"))
	if err != nil {
		t.Fatalf("Seek past end: %v", err)
	}
	if ok {
		t.Fatalf("expected Seek past every key to report false, landed on %q", x.Key())
	}
}

type countingFakeStore struct {
	*fakeStore
	fetch, traverse, store, remove int
}

func (s *countingFakeStore) CountFetch()    { s.fetch++ }
func (s *countingFakeStore) CountTraverse() { s.traverse++ }
func (s *countingFakeStore) CountStore()    { s.store++ }
func (s *countingFakeStore) CountRemove()   { s.remove++ }

func TestTreeOperationsDriveCounterSinkWhenPresent(t *testing.T) {
	store := &countingFakeStore{fakeStore: newFakeStore(1024)}
	tr, err := Create(store, "widgets", NicePolicy{}, 8)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := tr.Insert([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, _, err := tr.Search([]byte("a")); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if _, err := tr.Delete([]byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	x := tr.NewExchange()
	tr.Insert([]byte("b"), []byte("2"))
	tr.Insert([]byte("c"), []byte("3"))
	ok, _ := x.First()
	for ok {
		ok, err = x.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	if store.fetch != 1 {
		t.Fatalf("expected 1 fetch from Search, got %d", store.fetch)
	}
	if store.store != 3 {
		t.Fatalf("expected 3 stores from Insert, got %d", store.store)
	}
	if store.remove != 1 {
		t.Fatalf("expected 1 remove from Delete, got %d", store.remove)
	}
	if store.traverse == 0 {
		t.Fatal("expected at least one traverse count from cursor Next")
	}
}
