// Package engine is the root façade described in spec §4.9: a directory
// of named Volumes, a transaction lifecycle entry point shared across
// every volume it opens, and a Tree/Accumulator factory enforcing the
// "at most one in-memory Tree per (volume, name)" invariant. Grounded on
// the teacher's pager.PageBackend, generalized from one database file to
// a directory of volume files sharing one TransactionIndex, one
// TimestampAllocator, and one Journal.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/brineholt/ptree/internal/accumulator"
	"github.com/brineholt/ptree/internal/bufpool"
	"github.com/brineholt/ptree/internal/classindex"
	"github.com/brineholt/ptree/internal/journal"
	"github.com/brineholt/ptree/internal/telemetry"
	"github.com/brineholt/ptree/internal/tree"
	"github.com/brineholt/ptree/internal/txindex"
	"github.com/brineholt/ptree/internal/volume"
	"github.com/brineholt/ptree/ptreeerr"
)

const volumeFileExt = ".vol"
const journalFileName = "ptree.journal"

const classIndexTreeName = "_classIndex"

// volumeHandle is one open volume plus the plumbing a Tree needs to
// treat it as a tree.PageStore, and the directory/tree/class-index
// caches layered over it. Each volume carries its own ClassIndex,
// matching spec §3's "_classIndex" reserved tree being a per-volume
// concept.
type volumeHandle struct {
	name      string
	storage   *volume.Storage
	pool      *bufpool.Pool
	adapter   *pageStoreAdapter
	directory *Directory
	classes   *classindex.ClassIndex

	mu    sync.Mutex
	trees map[string]*TreeHandle
}

// TreeHandle is the caller-facing reference to one open Tree, returned
// by Engine.OpenTree. handle is the stable id persisted in its
// TreeRecord, used to address the tree's accumulators in journal
// AccumulatorDelta records.
type TreeHandle struct {
	volume *volumeHandle
	tree   *tree.Tree
	handle uint32
	name   string
}

// Name returns the tree's name.
func (th *TreeHandle) Name() string { return th.name }

// Search reads key outside any explicit transaction. It reads the tree's
// pages as they are, with no snapshot or visibility check.
func (th *TreeHandle) Search(key []byte) ([]byte, bool, error) {
	return th.tree.Search(key)
}

// Engine is the top-level façade: one TransactionIndex, one
// TimestampAllocator, and one Journal shared by every volume opened from
// dir.
type Engine struct {
	dir       string
	opts      Options
	allocator *txindex.TimestampAllocator
	txIndex   *txindex.TransactionIndex
	journal   *journal.Journal
	telemetry *telemetry.Telemetry
	cron      *cron.Cron

	mu      sync.RWMutex
	volumes map[string]*volumeHandle
}

// Open opens every *.vol file found directly inside dir (creating dir's
// shared journal if absent) and recovers any committed-but-unflushed
// transactions found in it. A directory with no volumes yet is a valid,
// empty Engine; use CreateVolume to add one. Equivalent to Recover
// without the RecoveryResult.
func Open(dir string, opts Options) (*Engine, error) {
	e, _, err := openAndRecover(dir, opts)
	return e, err
}

// Recover is Open's explicit-recovery form (spec §9's "Handle CAS
// reset" resolution): it performs exactly the same open-and-replay
// sequence as Open but surfaces the journal.RecoveryResult so a caller
// can log or assert on what was replayed, rather than relying on the
// info-level log line Open emits internally.
func Recover(dir string, opts Options) (*Engine, journal.RecoveryResult, error) {
	return openAndRecover(dir, opts)
}

func openAndRecover(dir string, opts Options) (*Engine, journal.RecoveryResult, error) {
	opts = opts.normalize()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, journal.RecoveryResult{}, ptreeerr.New(ptreeerr.PersistitIO, "engine.Open", err)
	}

	j, err := journal.Open(filepath.Join(dir, journalFileName))
	if err != nil {
		return nil, journal.RecoveryResult{}, ptreeerr.New(ptreeerr.PersistitIO, "engine.Open", err)
	}

	e := &Engine{
		dir:       dir,
		opts:      opts,
		allocator: txindex.NewTimestampAllocator(),
		journal:   j,
		telemetry: opts.Telemetry,
		volumes:   make(map[string]*volumeHandle),
	}
	e.txIndex = txindex.New(e.allocator, opts.BucketCount)

	entries, err := os.ReadDir(dir)
	if err != nil {
		j.Close()
		return nil, journal.RecoveryResult{}, ptreeerr.New(ptreeerr.PersistitIO, "engine.Open", err)
	}
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), volumeFileExt) {
			continue
		}
		name := strings.TrimSuffix(ent.Name(), volumeFileExt)
		if err := e.openVolume(name, volume.Specification{Path: filepath.Join(dir, ent.Name())}); err != nil {
			j.Close()
			return nil, journal.RecoveryResult{}, err
		}
	}

	result, err := journal.Recover(j, recoveryWriter{e}, recoveryApplier{e}, 0)
	if err != nil {
		j.Close()
		return nil, journal.RecoveryResult{}, ptreeerr.New(ptreeerr.PersistitIO, "engine.Open", err)
	}
	if result.RecordsRead > 0 {
		e.telemetry.Component("engine").Info().
			Int("pages_applied", result.PagesApplied).
			Int("deltas_applied", result.DeltasApplied).
			Msg("replayed journal on open")
		e.telemetry.Metrics.JournalRecoveries.Inc()
	}

	if opts.MaintenanceSchedule != "" {
		if err := e.startMaintenance(opts.MaintenanceSchedule); err != nil {
			j.Close()
			return nil, result, err
		}
	}
	return e, result, nil
}

// recoveryWriter/recoveryApplier adapt Engine to journal.Recover's
// PageWriter/AccumulatorApplier interfaces without exposing them on
// Engine's own method set.
type recoveryWriter struct{ e *Engine }

func (w recoveryWriter) WriteRawPage(volumeOrdinal uint32, pageID uint32, data []byte) error {
	for _, vh := range w.e.volumes {
		if vh.storage.Ordinal() == volumeOrdinal {
			return vh.storage.WriteRawPage(volumeOrdinal, pageID, data)
		}
	}
	return fmt.Errorf("engine: recovery: no open volume with ordinal %d", volumeOrdinal)
}

func (w recoveryWriter) Sync() error {
	for _, vh := range w.e.volumes {
		if err := vh.storage.Sync(); err != nil {
			return err
		}
	}
	return nil
}

type recoveryApplier struct{ e *Engine }

func (a recoveryApplier) ApplyRecoveredDelta(accIndex uint32, value int64) {
	a.e.applyRecoveredDelta(accIndex, value)
}

func (e *Engine) applyRecoveredDelta(accIndex uint32, value int64) {
	treeHandle, slot := decodeAccIndex(accIndex)
	for _, vh := range e.volumes {
		for _, th := range vh.trees {
			if th.handle != treeHandle {
				continue
			}
			kind := accumulator.SUM
			if checkpointed, _, ok, err := e.recoveredAccumulatorCheckpoint(vh, treeHandle, int(slot)); err == nil && ok {
				kind = checkpointed
			}
			acc, err := th.tree.Accumulator(int(slot), kind, 0)
			if err != nil {
				return
			}
			acc.MergeDelta(0, value)
			return
		}
	}
}

func (e *Engine) openVolume(name string, spec volume.Specification) error {
	ordinal := uint32(len(e.volumes) + 1)
	storage, err := volume.Open(spec, ordinal, e.journal, func() uint64 { return uint64(e.allocator.CurrentTimestamp()) })
	if err != nil {
		return err
	}
	pool := bufpool.New(bufpool.Config{})
	adapter := newPageStoreAdapter(storage, pool, e.journal, e.telemetry.Metrics)
	dir, err := OpenOrCreateDirectory(adapter, storage, e.opts.SplitPolicy, e.opts.BucketCount)
	if err != nil {
		storage.Close()
		return err
	}
	vh := &volumeHandle{
		name:      name,
		storage:   storage,
		pool:      pool,
		adapter:   adapter,
		directory: dir,
		trees:     make(map[string]*TreeHandle),
	}

	classTree, _, err := e.getOrCreateTree(vh, classIndexTreeName)
	if err != nil {
		storage.Close()
		return err
	}
	vh.classes = classindex.Open(classTree, e.opts.Resolver)

	e.volumes[name] = vh
	return nil
}

// getOrCreateTree returns the TreeHandle for (vh, name), creating and
// registering it in vh.directory on first use. Shared by OpenTree, the
// _classIndex bootstrap and the _accumulators checkpoint tree, so those
// reserved trees go through the same handle-allocation and persistence
// logic as a user tree (_directory itself is bootstrapped by
// OpenOrCreateDirectory instead).
func (e *Engine) getOrCreateTree(vh *volumeHandle, name string) (*tree.Tree, TreeRecord, error) {
	if th, ok := vh.trees[name]; ok {
		return th.tree, TreeRecord{RootPage: th.tree.RootPage(), Handle: th.handle, Name: th.name}, nil
	}

	rec, ok, err := vh.directory.Get(name)
	if err != nil {
		return nil, TreeRecord{}, err
	}
	var t *tree.Tree
	if ok {
		t = tree.Open(vh.adapter, name, rec.RootPage, e.opts.SplitPolicy, e.opts.BucketCount)
	} else {
		t, err = tree.Create(vh.adapter, name, e.opts.SplitPolicy, e.opts.BucketCount)
		if err != nil {
			return nil, TreeRecord{}, err
		}
		handle, err := vh.directory.AllocateHandle()
		if err != nil {
			return nil, TreeRecord{}, err
		}
		rec = TreeRecord{RootPage: t.RootPage(), Handle: handle, Name: name}
		if err := vh.directory.Put(rec); err != nil {
			return nil, TreeRecord{}, err
		}
	}
	vh.trees[name] = &TreeHandle{volume: vh, tree: t, handle: rec.Handle, name: name}
	return t, rec, nil
}

// ClassIndex returns volumeName's ClassIndex, backing its reserved
// _classIndex tree.
func (e *Engine) ClassIndex(volumeName string) (*classindex.ClassIndex, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vh, ok := e.volumes[volumeName]
	if !ok {
		return nil, ptreeerr.New(ptreeerr.VolumeNotFound, "engine.ClassIndex", fmt.Errorf("volume %q not open", volumeName))
	}
	return vh.classes, nil
}

// CreateVolume creates and opens a brand new volume named name inside
// the engine's directory.
func (e *Engine) CreateVolume(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.volumes[name]; exists {
		return ptreeerr.New(ptreeerr.VolumeAlreadyExists, "engine.CreateVolume", fmt.Errorf("volume %q already open", name))
	}
	spec := volume.Specification{
		Path:           filepath.Join(e.dir, name+volumeFileExt),
		PageSize:       e.opts.PageSize,
		InitialPages:   e.opts.InitialPages,
		ExtensionPages: e.opts.ExtensionPages,
		MaximumPages:   e.opts.MaximumPages,
		Create:         true,
	}
	return e.openVolume(name, spec)
}

// VolumeHeader returns volumeName's page-0 header, for tooling that
// needs to inspect volume geometry and counters without touching any
// tree.
func (e *Engine) VolumeHeader(volumeName string) (volume.Header, error) {
	e.mu.RLock()
	vh, ok := e.volumes[volumeName]
	e.mu.RUnlock()
	if !ok {
		return volume.Header{}, ptreeerr.New(ptreeerr.VolumeNotFound, "engine.VolumeHeader", fmt.Errorf("volume %q not open", volumeName))
	}
	return vh.storage.Header(), nil
}

// ListTrees returns every TreeRecord registered in volumeName's
// directory, including the reserved _classIndex and (once created)
// _accumulators trees but not _directory itself, whose root lives in the
// volume header; for tooling like cmd/ptreectl that needs to enumerate
// a volume's contents without opening each tree individually.
func (e *Engine) ListTrees(volumeName string) ([]TreeRecord, error) {
	e.mu.RLock()
	vh, ok := e.volumes[volumeName]
	e.mu.RUnlock()
	if !ok {
		return nil, ptreeerr.New(ptreeerr.VolumeNotFound, "engine.ListTrees", fmt.Errorf("volume %q not open", volumeName))
	}
	return vh.directory.List()
}

// VolumeNames returns every currently open volume's name, sorted.
func (e *Engine) VolumeNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.volumes))
	for n := range e.volumes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// OpenTree returns the TreeHandle for (volumeName, treeName), creating
// both the tree and its TreeRecord on first use. At most one in-memory
// Tree exists per (volume, name); repeated calls return the cached
// handle (spec §3's Tree invariant).
func (e *Engine) OpenTree(volumeName, treeName string) (*TreeHandle, error) {
	e.mu.RLock()
	vh, ok := e.volumes[volumeName]
	e.mu.RUnlock()
	if !ok {
		return nil, ptreeerr.New(ptreeerr.VolumeNotFound, "engine.OpenTree", fmt.Errorf("volume %q not open", volumeName))
	}

	vh.mu.Lock()
	defer vh.mu.Unlock()
	if th, ok := vh.trees[treeName]; ok {
		return th, nil
	}
	if _, _, err := e.getOrCreateTree(vh, treeName); err != nil {
		return nil, err
	}
	return vh.trees[treeName], nil
}

// Accumulator returns the accumulator bound to slot index of th's tree,
// creating it on first use. base is only a fallback: if a checkpoint
// record exists for this (tree, index) from a prior run, its value is
// used as the recovered base instead (spec §4.3: "base value recovered
// from last checkpoint").
func (e *Engine) Accumulator(th *TreeHandle, index int, kind accumulator.Kind, base int64) (*accumulator.Accumulator, error) {
	if recovered, ok, err := e.recoveredAccumulatorBase(th.volume, th.handle, index); err != nil {
		return nil, err
	} else if ok {
		base = recovered
	}
	return th.tree.Accumulator(index, kind, base)
}

// Begin starts a new transaction spanning every volume this engine has
// open.
func (e *Engine) Begin() (*Transaction, error) {
	return e.beginTransaction()
}

// syncDirectoryRecords writes back every open tree's current
// root/change-count/depth into its volume's directory, used by the
// maintenance checkpoint pass so a crash after this point only loses
// unjournaled metadata, never tree structure.
func (e *Engine) syncDirectoryRecords() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, vh := range e.volumes {
		vh.mu.Lock()
		for _, th := range vh.trees {
			depth, err := th.tree.Depth()
			if err != nil {
				vh.mu.Unlock()
				return err
			}
			rec := TreeRecord{
				RootPage:    th.tree.RootPage(),
				ChangeCount: th.tree.ChangeCount(),
				Handle:      th.handle,
				Depth:       int16(depth),
				Name:        th.name,
			}
			if err := vh.directory.Put(rec); err != nil {
				vh.mu.Unlock()
				return err
			}
		}
		vh.mu.Unlock()
	}
	return nil
}

// Close stops the maintenance loop (if running) and closes every open
// volume and the shared journal.
func (e *Engine) Close() error {
	if e.cron != nil {
		e.cron.Stop()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for _, vh := range e.volumes {
		if err := vh.storage.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := e.journal.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
