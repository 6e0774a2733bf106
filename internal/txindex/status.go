package txindex

import "sync/atomic"

// DeltaSink is implemented by accumulator.Accumulator. TransactionIndex
// reduce and snapshot logic merges a Delta's payload into the sink
// without needing to import the accumulator package, avoiding a cycle
// (Delta lives here because it threads through TransactionStatus's
// intrusive list; Accumulator lives in its own package because it is
// addressed by (Tree, index), not by transaction).
type DeltaSink interface {
	// MergeDelta folds value into the sink's per-bucket partial total for
	// the given bucket index using the sink's applyValue operation.
	MergeDelta(bucket int, value int64)
}

// Delta is one (transaction, accumulator, step) contribution. It threads
// into its owning TransactionStatus's singly-linked Delta list exactly as
// described in spec §3; the list is prepended under the owning bucket's
// lock so no synchronization is needed on the Delta itself once built.
type Delta struct {
	Acc   DeltaSink
	Step  int32
	Value int64
	Next  *Delta
}

// listKind identifies which of a bucket's four lists a TransactionStatus
// currently belongs to.
type listKind uint8

const (
	listLongRunning listKind = iota
	listCurrent
	listAborted
	listFree
)

// TransactionStatus is the per-transaction record described in spec §3.
// ts is immutable once assigned by TransactionIndex.RegisterTransaction;
// every other field is mutated under the owning bucket's lock or via the
// atomics below, so status lookups by a concurrent reader never block.
type TransactionStatus struct {
	ts   int64
	tc   atomic.Int64
	step atomic.Int32

	mvccCount atomic.Int32

	deltaHead atomic.Pointer[Delta]

	// next threads this status into its bucket's current list. Mutated
	// only while the owning bucket's lock is held.
	next *TransactionStatus
	kind listKind
}

func newTransactionStatus(ts int64) *TransactionStatus {
	s := &TransactionStatus{ts: ts, kind: listLongRunning}
	s.tc.Store(Uncommitted)
	return s
}

// Ts returns the transaction's start timestamp.
func (s *TransactionStatus) Ts() int64 { return s.ts }

// Tc returns the current commit/state field. See spec §3 for the
// meaning of its sign and magnitude.
func (s *TransactionStatus) Tc() int64 { return s.tc.Load() }

// IsCommitted reports whether Tc holds a final, positive commit
// timestamp (not UNCOMMITTED, not ABORTED, not a provisional negative
// in-commit value).
func (s *TransactionStatus) IsCommitted() bool {
	tc := s.tc.Load()
	return tc > 0 && tc != Uncommitted
}

// IsAborted reports whether the transaction ended in abort.
func (s *TransactionStatus) IsAborted() bool {
	return s.tc.Load() == Aborted
}

// Step returns the transaction's current sub-operation ordinal, used for
// intra-transaction read-your-own-writes visibility (spec §5).
func (s *TransactionStatus) Step() int32 { return s.step.Load() }

// AdvanceStep increments and returns the transaction's step counter.
func (s *TransactionStatus) AdvanceStep() int32 { return s.step.Add(1) }

// IncrementMVCCCount bumps the transaction's version counter, used by
// callers that need a sub-ordinal for versions created within a single
// step.
func (s *TransactionStatus) IncrementMVCCCount() int32 { return s.mvccCount.Add(1) }

// PushDelta prepends d onto this status's Delta list with a single CAS,
// so concurrent contributions from the same transaction (different steps
// of the same goroutine never race in practice, but the index's reduce
// path reads the list concurrently) never tear the list.
func (s *TransactionStatus) PushDelta(d *Delta) {
	for {
		head := s.deltaHead.Load()
		d.Next = head
		if s.deltaHead.CompareAndSwap(head, d) {
			return
		}
	}
}

// Deltas returns the current head of this status's Delta list. Callers
// must treat the returned chain as immutable from here on (true once the
// transaction has committed or aborted).
func (s *TransactionStatus) Deltas() *Delta { return s.deltaHead.Load() }

// clear resets a status for reuse from the free list. Must only be
// called while the owning bucket's lock is held and no reader can still
// observe the old ts (i.e. after Reduce has folded its Deltas away).
func (s *TransactionStatus) clear(newTs int64) {
	s.ts = newTs
	s.tc.Store(Uncommitted)
	s.step.Store(0)
	s.mvccCount.Store(0)
	s.deltaHead.Store(nil)
	s.next = nil
	s.kind = listLongRunning
}
