package engine

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brineholt/ptree/internal/bufpool"
	"github.com/brineholt/ptree/internal/journal"
	"github.com/brineholt/ptree/internal/telemetry"
	"github.com/brineholt/ptree/internal/tree"
	"github.com/brineholt/ptree/internal/volume"
)

// pageStoreAdapter bridges volume.Storage, a shared bufpool.Pool, and the
// shared journal into the single tree.PageStore surface a Tree expects,
// grounded on pager.PageBackend's pager+catalog+WAL wiring.
//
// tree.PageStore has no per-call transaction parameter, so page writes
// made while no transaction is "current" on this adapter are journaled
// under TxID 0 (used only for the tree-directory/class-index bootstrap
// writes that happen outside any user transaction). Writes made on
// behalf of a user transaction go through withTx, which serializes every
// write against this one volume behind mu for the duration of a single
// Tree.Insert/Delete call. This is coarser than Persistit's per-tree
// claim: one writer at a time per *volume*, not per tree. It trades
// write concurrency across trees in the same volume for never having to
// thread a TxID parameter through tree.PageStore.
type pageStoreAdapter struct {
	storage *volume.Storage
	pool    *bufpool.Pool
	journal *journal.Journal
	metrics *telemetry.Metrics

	writeMu   sync.Mutex // held for the duration of one withTx call
	currentTx atomic.Uint64
}

func newPageStoreAdapter(storage *volume.Storage, pool *bufpool.Pool, j *journal.Journal, metrics *telemetry.Metrics) *pageStoreAdapter {
	return &pageStoreAdapter{storage: storage, pool: pool, journal: j, metrics: metrics}
}

func (a *pageStoreAdapter) key(id uint32) bufpool.Key {
	return bufpool.Key{Volume: a.storage.Ordinal(), Page: id}
}

// AllocPage implements tree.PageStore.
func (a *pageStoreAdapter) AllocPage() (uint32, error) {
	return a.storage.AllocNewPage()
}

// PageSize implements tree.PageStore.
func (a *pageStoreAdapter) PageSize() int {
	return a.storage.PageSize()
}

// ReadPage implements tree.PageStore, consulting the buffer pool before
// falling through to volume.Storage (which itself consults the journal
// before disk).
func (a *pageStoreAdapter) ReadPage(id uint32, buf []byte) error {
	if f, ok := a.pool.Get(a.key(id)); ok {
		a.metrics.BufferHits.Inc()
		copy(buf, f.Buf)
		return nil
	}
	a.metrics.BufferMisses.Inc()
	if err := a.storage.ReadPage(id, buf); err != nil {
		return err
	}
	a.metrics.PagesRead.Inc()
	cached := make([]byte, len(buf))
	copy(cached, buf)
	a.pool.Put(&bufpool.Frame{Key: a.key(id), Buf: cached})
	return nil
}

// WritePage implements tree.PageStore: journal the image under whatever
// transaction is current on this adapter, write it through to the
// volume, and refresh the buffer pool's copy.
func (a *pageStoreAdapter) WritePage(id uint32, buf []byte) error {
	tx := journal.TxID(a.currentTx.Load())

	if _, err := a.journal.LogPageImage(tx, a.storage.Ordinal(), id, buf); err != nil {
		return fmt.Errorf("engine: journal page %d: %w", id, err)
	}
	if err := a.storage.WriteRawPage(a.storage.Ordinal(), id, buf); err != nil {
		return err
	}
	a.metrics.PagesWritten.Inc()
	cached := make([]byte, len(buf))
	copy(cached, buf)
	a.pool.Put(&bufpool.Frame{Key: a.key(id), Buf: cached, Dirty: false})
	return nil
}

// CountFetch, CountTraverse, CountStore, and CountRemove implement
// tree.CounterSink by delegating straight to volume.Storage's own I/O
// counters; the buffer pool sits in front of reads but every tree
// operation still corresponds to exactly one semantic access against the
// underlying volume.
func (a *pageStoreAdapter) CountFetch()    { a.storage.CountFetch() }
func (a *pageStoreAdapter) CountTraverse() { a.storage.CountTraverse() }
func (a *pageStoreAdapter) CountStore()    { a.storage.CountStore() }
func (a *pageStoreAdapter) CountRemove()   { a.storage.CountRemove() }

// withTx runs fn with tx installed as the current journal transaction
// for every WritePage call fn triggers, serializing all writers to this
// volume for fn's duration.
func (a *pageStoreAdapter) withTx(tx journal.TxID, fn func() error) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	a.currentTx.Store(uint64(tx))
	defer a.currentTx.Store(0)
	return fn()
}

var _ tree.PageStore = (*pageStoreAdapter)(nil)
var _ tree.CounterSink = (*pageStoreAdapter)(nil)
