package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors. Grouped by the
// subsystem each counter/gauge instruments, mirroring the grouped
// var blocks in the corpus's metrics packages.
type Metrics struct {
	PagesRead       prometheus.Counter
	PagesWritten    prometheus.Counter
	BufferHits      prometheus.Counter
	BufferMisses    prometheus.Counter
	BufferEvictions prometheus.Counter

	ActiveTransactions prometheus.Gauge
	TransactionsBegun  prometheus.Counter
	TransactionsCommitted prometheus.Counter
	TransactionsAborted   prometheus.Counter

	AccumulatorReduces prometheus.Counter
	TreeSplits         prometheus.Counter

	JournalCheckpoints prometheus.Counter
	JournalRecoveries  prometheus.Counter
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		PagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_pages_read_total",
			Help: "Total pages read from the buffer pool or volume file.",
		}),
		PagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_pages_written_total",
			Help: "Total pages written to the buffer pool or volume file.",
		}),
		BufferHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_buffer_hits_total",
			Help: "Buffer pool lookups satisfied without disk I/O.",
		}),
		BufferMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_buffer_misses_total",
			Help: "Buffer pool lookups that required a disk read.",
		}),
		BufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_buffer_evictions_total",
			Help: "Pages evicted from the buffer pool to make room.",
		}),
		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ptree_active_transactions",
			Help: "Transactions currently registered in the transaction index.",
		}),
		TransactionsBegun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_transactions_begun_total",
			Help: "Transactions registered.",
		}),
		TransactionsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_transactions_committed_total",
			Help: "Transactions committed.",
		}),
		TransactionsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_transactions_aborted_total",
			Help: "Transactions aborted.",
		}),
		AccumulatorReduces: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_accumulator_reduces_total",
			Help: "Delta lists merged into per-bucket accumulator totals.",
		}),
		TreeSplits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_tree_splits_total",
			Help: "B-Tree page splits performed.",
		}),
		JournalCheckpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_journal_checkpoints_total",
			Help: "Journal checkpoints taken.",
		}),
		JournalRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ptree_journal_recoveries_total",
			Help: "Journal recovery replays performed at startup.",
		}),
	}
	reg.MustRegister(
		m.PagesRead, m.PagesWritten, m.BufferHits, m.BufferMisses, m.BufferEvictions,
		m.ActiveTransactions, m.TransactionsBegun, m.TransactionsCommitted, m.TransactionsAborted,
		m.AccumulatorReduces, m.TreeSplits, m.JournalCheckpoints, m.JournalRecoveries,
	)
	return m
}
