// Package accumulator implements the Accumulator aggregation primitive
// described in spec §4.3: a transactionally consistent SUM/MIN/MAX/SEQ
// aggregator bound to a (Tree, index) slot that never creates a
// write-write conflict on a shared counter. It is grounded on the
// teacher's storage.MVCCManager GC-watermark bookkeeping, generalized
// from a single committed value to a per-variant dispatch table with
// per-bucket partial totals mirroring txindex's bucket shards.
package accumulator

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"

	"github.com/brineholt/ptree/internal/txindex"
	"github.com/brineholt/ptree/ptreeerr"
)

var errSeqNonPositive = errors.New("SEQ accumulator update requires a positive value")

// Kind identifies which of the four variants an Accumulator implements.
type Kind uint8

const (
	SUM Kind = iota
	MIN
	MAX
	SEQ
)

func (k Kind) String() string {
	switch k {
	case SUM:
		return "SUM"
	case MIN:
		return "MIN"
	case MAX:
		return "MAX"
	case SEQ:
		return "SEQ"
	default:
		return "UNKNOWN"
	}
}

// variant holds the three dispatch functions spec §4.3's table assigns
// to each Kind. Keeping them as plain functions rather than an interface
// hierarchy avoids a subclass per variant, per the spec's explicit
// redesign note on avoiding class-inheritance dispatch for this piece.
type variant struct {
	applyValue  func(a, b int64) int64
	updateValue func(a, b int64) int64
	selectValue func(value, updatedLive int64) int64
}

var variants = map[Kind]variant{
	SUM: {
		applyValue:  func(a, b int64) int64 { return a + b },
		updateValue: func(a, b int64) int64 { return a + b },
		selectValue: func(value, updatedLive int64) int64 { return value },
	},
	MIN: {
		applyValue:  minInt64,
		updateValue: minInt64,
		selectValue: func(value, updatedLive int64) int64 { return value },
	},
	MAX: {
		applyValue:  maxInt64,
		updateValue: maxInt64,
		selectValue: func(value, updatedLive int64) int64 { return value },
	},
	SEQ: {
		applyValue:  maxInt64,
		updateValue: func(a, b int64) int64 { return a + b },
		selectValue: func(value, updatedLive int64) int64 { return updatedLive },
	},
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Accumulator is the (type, tree, index, base) quadruple of spec §4.3,
// plus the atomic live counter and the per-bucket partial-total array.
// It implements txindex.DeltaSink so TransactionIndex.reduceBucket can
// fold a transaction's Deltas into bucketTotals without importing this
// package.
type Accumulator struct {
	kind  Kind
	tree  string
	index int
	base  int64

	live atomic.Int64

	mu           []sync.Mutex // per-bucket mutex guarding bucketTotals[i]
	bucketTotals []int64
}

// New creates an Accumulator bound to (treeName, index) with the given
// base value (spec: "recovered from last checkpoint") and a per-bucket
// partial array sized to bucketCount, which must match the owning
// TransactionIndex's BucketCount.
func New(kind Kind, treeName string, index int, base int64, bucketCount int) *Accumulator {
	a := &Accumulator{
		kind:         kind,
		tree:         treeName,
		index:        index,
		base:         base,
		bucketTotals: make([]int64, bucketCount),
		mu:           make([]sync.Mutex, bucketCount),
	}
	// An empty bucket total must be applyValue's identity, or it would
	// take part in every MIN/MAX/SEQ fold.
	var empty int64
	switch kind {
	case MIN:
		empty = math.MaxInt64
	case MAX, SEQ:
		empty = math.MinInt64
	}
	for i := range a.bucketTotals {
		a.bucketTotals[i] = empty
	}
	a.live.Store(base)
	return a
}

// Kind returns the accumulator's variant.
func (a *Accumulator) Kind() Kind { return a.kind }

// Tree returns the name of the tree this accumulator slot belongs to.
func (a *Accumulator) Tree() string { return a.tree }

// Index returns the accumulator's slot index within its tree (spec: up
// to 64 slots per tree).
func (a *Accumulator) Index() int { return a.index }

func (a *Accumulator) v() variant { return variants[a.kind] }

// Update implements spec §4.3's update operation: it updates the live
// counter with a CAS loop calling updateValue(prev, value), then appends
// a Delta to status recording selectValue(value, updatedLive) at the
// transaction's current step. SEQ requires value > 0; any other variant
// accepts any value.
func (a *Accumulator) Update(value int64, status *txindex.TransactionStatus, step int32) error {
	if a.kind == SEQ && value <= 0 {
		return ptreeerr.New(ptreeerr.IllegalArgument, "accumulator.Update", errSeqNonPositive)
	}

	v := a.v()
	var updated int64
	for {
		prev := a.live.Load()
		updated = v.updateValue(prev, value)
		if a.live.CompareAndSwap(prev, updated) {
			break
		}
	}

	status.PushDelta(&txindex.Delta{
		Acc:   a,
		Step:  step,
		Value: v.selectValue(value, updated),
	})
	return nil
}

// GetLiveValue returns the current live counter. This is a dirty read
// useful for progress/telemetry only; it is not snapshot-consistent
// (spec §4.3).
func (a *Accumulator) GetLiveValue() int64 {
	return a.live.Load()
}

// MergeDelta folds a single Delta's value into the given bucket's
// partial total using applyValue. Called from
// TransactionIndex.reduceBucket while that bucket's lock is held, and
// from the engine's crash-recovery replay, which folds recovered deltas
// into bucket 0; the mutex serializes those writers against each other
// and lets GetSnapshotValue take a torn-free read of a total.
func (a *Accumulator) MergeDelta(bucket int, value int64) {
	a.mu[bucket].Lock()
	defer a.mu[bucket].Unlock()
	a.bucketTotals[bucket] = a.v().applyValue(a.bucketTotals[bucket], value)
}

func (a *Accumulator) bucketTotal(bucket int) int64 {
	a.mu[bucket].Lock()
	defer a.mu[bucket].Unlock()
	return a.bucketTotals[bucket]
}

// GetSnapshotValue implements spec §4.3's getSnapshotValue: the value
// visible at (timestamp, step) is applyValue folded over base, every
// bucket's partial total, and every still-live Delta (from a
// not-yet-reduced TransactionStatus) visible at (timestamp, selfTs) and
// addressed to this accumulator. selfTs is the caller's own transaction
// start timestamp (0 if the caller has none). step is the caller's own
// current step (spec §5: a read at (timestamp, step) sees its own writes
// from steps before step and none from step onward); callers with no
// transaction of their own pass 0, which admits none of selfTs's deltas
// since selfTs will also be 0 and match nothing live.
func (a *Accumulator) GetSnapshotValue(idx *txindex.TransactionIndex, timestamp int64, selfTs int64, step int32) int64 {
	v := a.v()
	result := a.base
	for i := 0; i < len(a.bucketTotals); i++ {
		result = v.applyValue(result, a.bucketTotal(i))
	}
	idx.VisitVisibleDeltas(a, timestamp, selfTs, step, func(value int64) {
		result = v.applyValue(result, value)
	})
	return result
}
