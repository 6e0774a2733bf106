package txindex

import "testing"

type fakeSink struct {
	total int64
}

func (f *fakeSink) MergeDelta(bucket int, value int64) {
	f.total += value
}

func TestRegisterTransactionAssignsIncreasingTimestamps(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	s1 := ti.RegisterTransaction()
	s2 := ti.RegisterTransaction()
	if s2.Ts() <= s1.Ts() {
		t.Fatalf("expected strictly increasing timestamps, got %d then %d", s1.Ts(), s2.Ts())
	}
}

func TestIsVisibleSelfAlwaysVisible(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	s := ti.RegisterTransaction()
	if !ti.IsVisible(s.Ts(), s.Ts()-1, s.Ts()) {
		t.Fatal("a transaction must always see its own writes")
	}
}

func TestIsVisibleUncommittedNeverVisibleToOthers(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	writer := ti.RegisterTransaction()
	reader := ti.RegisterTransaction()
	if ti.IsVisible(writer.Ts(), reader.Ts(), reader.Ts()) {
		t.Fatal("uncommitted write must not be visible to a different reader")
	}
}

func TestIsVisibleAfterCommit(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	writer := ti.RegisterTransaction()
	commitTs := ti.allocator.UpdateTimestamp()
	ti.NotifyCommitted(writer, commitTs)

	reader := ti.RegisterTransaction()
	if !ti.IsVisible(writer.Ts(), reader.Ts(), reader.Ts()) {
		t.Fatal("committed write with tc <= reader snapshot must be visible")
	}
	if ti.IsVisible(writer.Ts(), commitTs-1, 0) {
		t.Fatal("write must not be visible to a reader snapshotting before the commit")
	}
}

func TestNotifyAbortedHidesWrite(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	writer := ti.RegisterTransaction()
	ti.NotifyAborted(writer)

	reader := ti.RegisterTransaction()
	if ti.IsVisible(writer.Ts(), reader.Ts(), reader.Ts()) {
		t.Fatal("aborted write must never be visible to another transaction")
	}
}

func TestReduceFoldsCommittedDeltasIntoSink(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	sink := &fakeSink{}

	writer := ti.RegisterTransaction()
	writer.PushDelta(&Delta{Acc: sink, Value: 5})
	writer.PushDelta(&Delta{Acc: sink, Value: 7})

	commitTs := ti.allocator.UpdateTimestamp()
	ti.NotifyCommitted(writer, commitTs)

	ti.Cleanup()

	if sink.total != 12 {
		t.Fatalf("expected folded total 12, got %d", sink.total)
	}

	idx := ti.bucketIndex(writer.Ts())
	b := ti.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.find(writer.Ts()) != nil {
		t.Fatal("reduced status must no longer be found by lookup")
	}
}

func TestReduceDiscardsAbortedDeltas(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	sink := &fakeSink{}

	writer := ti.RegisterTransaction()
	writer.PushDelta(&Delta{Acc: sink, Value: 100})
	ti.NotifyAborted(writer)

	ti.Cleanup()

	if sink.total != 0 {
		t.Fatalf("aborted deltas must never be merged, got total %d", sink.total)
	}
}

func TestHasConcurrentTransaction(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	low := ti.RegisterTransaction()
	mid := ti.RegisterTransaction()
	ti.UpdateActiveTransactionCache()

	if !ti.HasConcurrentTransaction(low.Ts()-1, mid.Ts()) {
		t.Fatal("expected a concurrent transaction in range")
	}
	if ti.HasConcurrentTransaction(mid.Ts(), mid.Ts()) {
		t.Fatal("range (mid, mid] must be empty")
	}
}

func TestVisitVisibleDeltasSkipsUncommitted(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	sink := &fakeSink{}

	writer := ti.RegisterTransaction()
	writer.PushDelta(&Delta{Acc: sink, Value: 3})

	reader := ti.RegisterTransaction()
	var seen int64
	ti.VisitVisibleDeltas(sink, reader.Ts(), reader.Ts(), reader.Step(), func(v int64) { seen += v })
	if seen != 0 {
		t.Fatalf("uncommitted writer's delta must not be visible yet, saw %d", seen)
	}

	commitTs := ti.allocator.UpdateTimestamp()
	ti.NotifyCommitted(writer, commitTs)

	laterReader := ti.RegisterTransaction()
	seen = 0
	ti.VisitVisibleDeltas(sink, laterReader.Ts(), laterReader.Ts(), laterReader.Step(), func(v int64) { seen += v })
	if seen != 3 {
		t.Fatalf("expected to see committed delta value 3, got %d", seen)
	}
}

// TestVisitVisibleDeltasHidesSelfFutureStep confirms the self-transaction
// branch filters by step instead of admitting every Delta from the
// caller's own status unconditionally.
func TestVisitVisibleDeltasHidesSelfFutureStep(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	sink := &fakeSink{}

	writer := ti.RegisterTransaction()
	readStep := writer.AdvanceStep()
	writer.PushDelta(&Delta{Acc: sink, Step: writer.AdvanceStep(), Value: 3})

	var seen int64
	ti.VisitVisibleDeltas(sink, writer.Ts(), writer.Ts(), readStep, func(v int64) { seen += v })
	if seen != 0 {
		t.Fatalf("a self-transaction delta from a step >= the read step must not be visible, saw %d", seen)
	}

	seen = 0
	ti.VisitVisibleDeltas(sink, writer.Ts(), writer.Ts(), writer.AdvanceStep(), func(v int64) { seen += v })
	if seen != 3 {
		t.Fatalf("expected to see the self-transaction delta once the read step has advanced past it, got %d", seen)
	}
}

func TestRegisterTransactionRecyclesFreedStatus(t *testing.T) {
	ti := New(NewTimestampAllocator(), 4)
	writer := ti.RegisterTransaction()
	commitTs := ti.allocator.UpdateTimestamp()
	ti.NotifyCommitted(writer, commitTs)
	ti.Cleanup()

	next := ti.RegisterTransaction()
	if next.Tc() != Uncommitted {
		t.Fatalf("recycled status must reset tc to UNCOMMITTED, got %d", next.Tc())
	}
	if next.Deltas() != nil {
		t.Fatal("recycled status must reset its delta list")
	}
}
