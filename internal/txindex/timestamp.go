// Package txindex implements the sharded transaction index that answers
// MVCC visibility queries: for every writer and reader timestamp pair, is
// the writer's version visible to the reader's snapshot. It is grounded on
// the teacher's storage.MVCCManager (commit-log + active-transaction
// bookkeeping) generalized from row-version visibility to the engine's
// page-version visibility, and sharded into lock-striped buckets the way
// storage.ConcurrencyManager shards its worker queues.
package txindex

import "sync/atomic"

// Timestamp reserved values. ABORTED is the minimum int64 so any
// legitimate commit timestamp compares greater; UNCOMMITTED is the
// maximum int64 so no legitimate commit timestamp is ever >= it.
const (
	Aborted     int64 = -1 << 63
	Uncommitted int64 = 1<<63 - 1
)

// TimestampAllocator hands out a strictly increasing sequence of 64-bit
// timestamps. It is the sole source of start and commit timestamps for
// every transaction in a ptree engine instance.
type TimestampAllocator struct {
	counter atomic.Int64
}

// NewTimestampAllocator returns an allocator whose first issued
// timestamp is 1 (0 is reserved to mean "never assigned").
func NewTimestampAllocator() *TimestampAllocator {
	return &TimestampAllocator{}
}

// UpdateTimestamp returns the next ticket. Safe for concurrent callers;
// every returned value is unique and strictly greater than every value
// previously returned.
func (a *TimestampAllocator) UpdateTimestamp() int64 {
	return a.counter.Add(1)
}

// CurrentTimestamp observes the latest issued value without allocating a
// new one.
func (a *TimestampAllocator) CurrentTimestamp() int64 {
	return a.counter.Load()
}
