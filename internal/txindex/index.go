package txindex

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultBucketCount is the bucket count used when callers don't need a
// different shard count. Must stay a power of two (spec §4.2).
const DefaultBucketCount = 128

// activeCache is the advisory snapshot published by
// UpdateActiveTransactionCache. It accelerates HasConcurrentTransaction
// and the floor/ceiling accessors; visibility correctness never depends
// on it being current (spec §4.2, "Failure semantics").
type activeCache struct {
	floor    int64
	ceiling  int64
	actives  []int64 // sorted start timestamps, snapshot at last refresh
}

// TransactionIndex is the sharded, lock-striped MVCC bookkeeping
// structure described in spec §4.2. It is grounded on the teacher's
// storage.MVCCManager, generalized from a single global commit-log map
// (storage.MVCCManager.commitLog) to B independently locked buckets so
// readers and writers touching unrelated transactions never contend on a
// shared mutex.
type TransactionIndex struct {
	allocator *TimestampAllocator
	buckets   []*bucket

	cacheMu sync.Mutex // serializes UpdateActiveTransactionCache walks
	cache   atomic.Pointer[activeCache]
}

// New creates a TransactionIndex with bucketCount shards (rounded up to
// the next power of two if necessary) sharing allocator as its timestamp
// source.
func New(allocator *TimestampAllocator, bucketCount int) *TransactionIndex {
	if bucketCount <= 0 {
		bucketCount = DefaultBucketCount
	}
	bucketCount = nextPowerOfTwo(bucketCount)

	ti := &TransactionIndex{
		allocator: allocator,
		buckets:   make([]*bucket, bucketCount),
	}
	for i := range ti.buckets {
		ti.buckets[i] = &bucket{}
	}
	ti.cache.Store(&activeCache{ceiling: allocator.CurrentTimestamp()})
	return ti
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (ti *TransactionIndex) bucketIndex(ts int64) int {
	return int(uint64(ts) & uint64(len(ti.buckets)-1))
}

// BucketCount returns the number of shards, i.e. the size every
// Accumulator's per-bucket partial-total array must match.
func (ti *TransactionIndex) BucketCount() int { return len(ti.buckets) }

// RegisterTransaction assigns a new start timestamp and links a fresh
// TransactionStatus onto its bucket's long-running list. Start timestamps
// are strictly ordered across all callers because they come from the
// shared TimestampAllocator.
func (ti *TransactionIndex) RegisterTransaction() *TransactionStatus {
	ts := ti.allocator.UpdateTimestamp()
	b := ti.buckets[ti.bucketIndex(ts)]

	b.mu.Lock()
	defer b.mu.Unlock()

	if s := b.popFree(); s != nil {
		s.clear(ts)
		b.prepend(listLongRunning, s)
		return s
	}
	s := newTransactionStatus(ts)
	b.prepend(listLongRunning, s)
	return s
}

// NotifyCommitted stores commitTs into status.tc and moves it from the
// long-running list to the current list, making it visible to any reader
// whose snapshot is >= commitTs.
func (ti *TransactionIndex) NotifyCommitted(status *TransactionStatus, commitTs int64) {
	b := ti.buckets[ti.bucketIndex(status.ts)]
	b.mu.Lock()
	defer b.mu.Unlock()

	status.tc.Store(commitTs)
	if status.kind == listLongRunning {
		b.unlink(status)
		b.prepend(listCurrent, status)
	}
}

// NotifyAborted stores ABORTED into status.tc and moves it onto the
// aborted list; its Deltas are discarded (never merged) the next time its
// bucket is reduced.
func (ti *TransactionIndex) NotifyAborted(status *TransactionStatus) {
	b := ti.buckets[ti.bucketIndex(status.ts)]
	b.mu.Lock()
	defer b.mu.Unlock()

	status.tc.Store(Aborted)
	if status.kind == listLongRunning {
		b.unlink(status)
		b.prepend(listAborted, status)
	}
}

// IsVisible implements the visibility rule of spec §4.2: a version
// written by writerTs is visible to a reader whose snapshot is
// readerSnapshot iff writerTs's TransactionStatus shows a committed tc
// with tc <= readerSnapshot, except that selfTs (the reader's own
// transaction, if any) always sees its own writes. If the writer's
// status has already been dropped by Reduce, it can only have been
// dropped because its commit timestamp (or ABORTED) was <= some floor
// that is itself <= readerSnapshot for every still-valid reader, or
// because it was aborted — aborted transactions are expected to have
// physically undone their writes before their status is reclaimed, so a
// dropped lookup is always safe to treat as "visible" for a committed
// write and moot for an undone abort.
func (ti *TransactionIndex) IsVisible(writerTs, readerSnapshot, selfTs int64) bool {
	if writerTs == selfTs {
		return true
	}
	status := ti.lookup(writerTs)
	if status == nil {
		return true
	}
	tc := status.Tc()
	if tc == Uncommitted || tc == Aborted || tc < 0 {
		return false
	}
	return tc <= readerSnapshot
}

func (ti *TransactionIndex) lookup(ts int64) *TransactionStatus {
	b := ti.buckets[ti.bucketIndex(ts)]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.find(ts)
}

// HasConcurrentTransaction reports whether some transaction with a start
// timestamp in (lowTs, highTs] is active now or was active at the last
// cache refresh (spec §4.2). Conservative: may return true slightly
// longer than strictly necessary, never false when a true answer is yes.
func (ti *TransactionIndex) HasConcurrentTransaction(lowTs, highTs int64) bool {
	c := ti.cache.Load()
	actives := c.actives
	// First index with actives[i] > lowTs.
	i := sort.Search(len(actives), func(i int) bool { return actives[i] > lowTs })
	return i < len(actives) && actives[i] <= highTs
}

// GetActiveTransactionFloor returns the smallest start timestamp of any
// active transaction as of the last cache refresh. Never greater than
// the true floor.
func (ti *TransactionIndex) GetActiveTransactionFloor() int64 {
	return ti.cache.Load().floor
}

// GetActiveTransactionCeiling returns the snapshot timestamp at which the
// cache was last refreshed.
func (ti *TransactionIndex) GetActiveTransactionCeiling() int64 {
	return ti.cache.Load().ceiling
}

// UpdateActiveTransactionCache walks every bucket under a single
// exclusive cache lock, rebuilds the floor/ceiling/active-list, and
// publishes the result atomically. Only one walk runs at a time; callers
// that arrive concurrently simply wait their turn and then observe the
// cache the winning walk produced (safe because a slightly later
// snapshot is never worse than the one that was requested).
func (ti *TransactionIndex) UpdateActiveTransactionCache() {
	ti.cacheMu.Lock()
	defer ti.cacheMu.Unlock()

	ceiling := ti.allocator.CurrentTimestamp()
	floor := ceiling
	var actives []int64

	for _, b := range ti.buckets {
		b.mu.Lock()
		for p := b.longRunning; p != nil; p = p.next {
			actives = append(actives, p.ts)
			if p.ts < floor {
				floor = p.ts
			}
		}
		b.mu.Unlock()
	}
	sort.Slice(actives, func(i, j int) bool { return actives[i] < actives[j] })

	ti.cache.Store(&activeCache{floor: floor, ceiling: ceiling, actives: actives})
}

// reduceBucket merges every status in idx's current/aborted lists whose
// commit timestamp is <= floor into bucket-totals (current lists) or
// discards its Deltas (aborted lists), then relinks it onto free. Long-
// running (still uncommitted) statuses are left untouched regardless of
// floor, per spec §4.2.
func (ti *TransactionIndex) reduceBucket(idx int, floor int64) {
	b := ti.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	var next *TransactionStatus
	for p := b.current; p != nil; p = next {
		next = p.next
		if p.Tc() > floor {
			continue
		}
		for d := p.Deltas(); d != nil; d = d.Next {
			d.Acc.MergeDelta(idx, d.Value)
		}
		b.unlink(p)
		b.prepend(listFree, p)
	}
	for p := b.aborted; p != nil; p = next {
		next = p.next
		if p.Tc() > floor {
			continue
		}
		b.unlink(p)
		b.prepend(listFree, p)
	}
}

// Cleanup forces a cache refresh and reduction on every bucket. Intended
// as a testing aid (spec §4.2) so tests can deterministically fold
// committed Deltas into bucket totals without waiting for the engine's
// background maintenance loop.
func (ti *TransactionIndex) Cleanup() {
	ti.UpdateActiveTransactionCache()
	floor := ti.GetActiveTransactionFloor()
	for i := range ti.buckets {
		ti.reduceBucket(i, floor)
	}
}

// VisitVisibleDeltas walks every bucket's long-running and current lists
// and, for each status visible at (readerSnapshot, selfTs), invokes fold
// once per Delta whose Acc is sink. Used by Accumulator.GetSnapshotValue
// to fold in contributions from transactions not yet reduced into bucket
// totals (spec §4.3: "only live buckets need to be scanned" refers to
// bucket *totals*; this method supplies the still-live Delta scan).
//
// A read at (readerSnapshot, step) must see its own transaction's writes
// from steps before step and none from step or after, so for the caller's
// own status (p.ts == selfTs) each Delta is admitted individually by
// comparing d.Step against step, rather than admitting the whole status
// the way a committed transaction's finished Delta list is.
func (ti *TransactionIndex) VisitVisibleDeltas(sink DeltaSink, readerSnapshot int64, selfTs int64, step int32, fold func(value int64)) {
	for _, b := range ti.buckets {
		b.mu.Lock()
		visitList := func(head *TransactionStatus) {
			for p := head; p != nil; p = p.next {
				self := p.ts == selfTs
				visible := self || (p.IsCommitted() && p.Tc() <= readerSnapshot)
				if !visible {
					continue
				}
				for d := p.Deltas(); d != nil; d = d.Next {
					if d.Acc != sink {
						continue
					}
					if self && d.Step >= step {
						continue
					}
					fold(d.Value)
				}
			}
		}
		visitList(b.longRunning)
		visitList(b.current)
		b.mu.Unlock()
	}
}
