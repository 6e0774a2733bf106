package engine

import (
	"fmt"

	"github.com/brineholt/ptree/internal/accumulator"
	"github.com/brineholt/ptree/internal/journal"
	"github.com/brineholt/ptree/internal/txindex"
	"github.com/brineholt/ptree/ptreeerr"
)

// Transaction is the engine-facing handle a caller drives through
// Begin/Commit/Rollback, pairing a txindex.TransactionStatus (MVCC
// bookkeeping) with a journal.TxID (crash-recovery bookkeeping) under
// one identifier, since both are sourced from the same TimestampAllocator
// ticket. Grounded on pager.Pager's transaction-scoped write path,
// generalized to span every volume an Engine has open.
type Transaction struct {
	eng    *Engine
	status *txindex.TransactionStatus
	txID   journal.TxID
	done   bool
}

func (e *Engine) beginTransaction() (*Transaction, error) {
	status := e.txIndex.RegisterTransaction()
	txID := journal.TxID(status.Ts())
	if _, err := e.journal.Begin(txID); err != nil {
		return nil, fmt.Errorf("engine: begin transaction: %w", err)
	}
	e.telemetry.Metrics.TransactionsBegun.Inc()
	return &Transaction{eng: e, status: status, txID: txID}, nil
}

// Ts returns the transaction's start timestamp, its snapshot for reads.
func (tx *Transaction) Ts() int64 { return tx.status.Ts() }

func (tx *Transaction) requireOpen(op string) error {
	if tx.done {
		return ptreeerr.New(ptreeerr.IllegalState, op, fmt.Errorf("transaction already committed or rolled back"))
	}
	return nil
}

// Insert stores (key, value) into th's tree under this transaction,
// journaling every page write with this transaction's TxID.
func (tx *Transaction) Insert(th *TreeHandle, key, value []byte) error {
	if err := tx.requireOpen("engine.Transaction.Insert"); err != nil {
		return err
	}
	return th.volume.adapter.withTx(tx.txID, func() error {
		return th.tree.Insert(key, value)
	})
}

// Delete removes key from th's tree under this transaction.
func (tx *Transaction) Delete(th *TreeHandle, key []byte) (bool, error) {
	if err := tx.requireOpen("engine.Transaction.Delete"); err != nil {
		return false, err
	}
	var removed bool
	err := th.volume.adapter.withTx(tx.txID, func() error {
		var err error
		removed, err = th.tree.Delete(key)
		return err
	})
	return removed, err
}

// Search reads key from th's tree. Reads never need a TxID: they never
// write a page, so there is nothing for the journal to record.
func (tx *Transaction) Search(th *TreeHandle, key []byte) ([]byte, bool, error) {
	if err := tx.requireOpen("engine.Transaction.Search"); err != nil {
		return nil, false, err
	}
	return th.tree.Search(key)
}

// UpdateAccumulator applies value to acc under this transaction's step,
// journaling the contribution as an AccumulatorDelta so recovery can
// replay it without rescanning every page (spec §4.8).
func (tx *Transaction) UpdateAccumulator(th *TreeHandle, acc *accumulator.Accumulator, value int64) error {
	if err := tx.requireOpen("engine.Transaction.UpdateAccumulator"); err != nil {
		return err
	}
	step := tx.status.AdvanceStep()
	if err := acc.Update(value, tx.status, step); err != nil {
		return err
	}
	accIndex := encodeAccIndex(th.handle, uint32(acc.Index()))
	if _, err := tx.eng.journal.LogAccumulatorDelta(tx.txID, accIndex, value); err != nil {
		return fmt.Errorf("engine: journal accumulator delta: %w", err)
	}
	return nil
}

// AccumulatorValue returns acc's value as of this transaction's own
// snapshot: a fold over every committed contribution visible at tx's start
// timestamp plus this transaction's own not-yet-committed contributions
// from steps before right now (spec §4.3's getSnapshotValue). Unlike
// GetLiveValue, this never reflects another in-flight transaction's
// uncommitted writes, and unlike AccumulatorSnapshot it does not require a
// prior maintenance checkpoint.
func (tx *Transaction) AccumulatorValue(acc *accumulator.Accumulator) (int64, error) {
	if err := tx.requireOpen("engine.Transaction.AccumulatorValue"); err != nil {
		return 0, err
	}
	step := tx.status.AdvanceStep()
	return acc.GetSnapshotValue(tx.eng.txIndex, tx.Ts(), tx.Ts(), step), nil
}

// Commit assigns a commit timestamp, publishes it to the TransactionIndex
// so concurrent and future readers see this transaction's writes, and
// appends the journal's COMMIT marker.
func (tx *Transaction) Commit() error {
	if err := tx.requireOpen("engine.Transaction.Commit"); err != nil {
		return err
	}
	commitTs := tx.eng.allocator.UpdateTimestamp()
	tx.eng.txIndex.NotifyCommitted(tx.status, commitTs)
	if _, err := tx.eng.journal.Commit(tx.txID); err != nil {
		return fmt.Errorf("engine: commit: %w", err)
	}
	tx.done = true
	tx.eng.telemetry.Metrics.TransactionsCommitted.Inc()
	return nil
}

// Rollback marks the transaction aborted in the TransactionIndex (its
// Deltas are discarded rather than merged) and appends the journal's
// ABORT marker. It does not undo page writes already applied to a
// volume, and tree pages carry no version information: Search, here and
// on TreeHandle, still returns the rolled-back transaction's inserts and
// does not return the keys it deleted. Only its accumulator Deltas are
// kept out of later snapshots.
func (tx *Transaction) Rollback() error {
	if err := tx.requireOpen("engine.Transaction.Rollback"); err != nil {
		return err
	}
	tx.eng.txIndex.NotifyAborted(tx.status)
	if _, err := tx.eng.journal.Abort(tx.txID); err != nil {
		return fmt.Errorf("engine: rollback: %w", err)
	}
	tx.done = true
	tx.eng.telemetry.Metrics.TransactionsAborted.Inc()
	return nil
}

// encodeAccIndex packs a tree handle and an in-tree accumulator slot
// index into the single uint32 journal.Record.AccIndex field, per the
// encoding journal.go's doc comment reserves for this purpose.
func encodeAccIndex(treeHandle uint32, slot uint32) uint32 {
	return treeHandle<<8 | (slot & 0xff)
}

func decodeAccIndex(accIndex uint32) (treeHandle uint32, slot uint32) {
	return accIndex >> 8, accIndex & 0xff
}
