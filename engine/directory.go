package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/brineholt/ptree/internal/tree"
	"github.com/brineholt/ptree/internal/volume"
	"github.com/brineholt/ptree/ptreeerr"
)

// directoryTreeName is the reserved tree every volume's Directory is
// stored under, mirroring _classIndex's reserved-tree convention.
const directoryTreeName = "_directory"

// nameKeyPrefix/counterKey partition the directory tree's keyspace the
// way classindex.go partitions its BY_HANDLE/BY_NAME keys: one reserved
// single-byte key holds the next handle to allocate, everything else is
// a name-prefixed tree record, so neither can collide with a tree
// literally named "\x00" or "\x01"-prefixed.
var counterKey = []byte{0x00}

func nameKey(name string) []byte {
	return append([]byte{0x01}, name...)
}

// TreeRecord is spec §6's Tree record (root-page-address, change-count,
// depth, name) plus a Handle field this implementation adds: a stable,
// persisted small integer identifying the tree in journal
// AccumulatorDelta records, so recovery can resolve a replayed delta
// back to the right accumulator even if trees are opened in a different
// order after a restart than the order that created them.
type TreeRecord struct {
	RootPage    uint32
	ChangeCount int64
	Handle      uint32
	Depth       int16
	Name        string
}

const (
	maxTreeRecordSize = 512
	maxTreeNameLength = 256
)

func marshalTreeRecord(rec TreeRecord) []byte {
	buf := make([]byte, 8+8+4+2+2+len(rec.Name))
	binary.BigEndian.PutUint64(buf[0:8], uint64(rec.RootPage))
	binary.BigEndian.PutUint64(buf[8:16], uint64(rec.ChangeCount))
	binary.BigEndian.PutUint32(buf[16:20], rec.Handle)
	binary.BigEndian.PutUint16(buf[20:22], uint16(rec.Depth))
	binary.BigEndian.PutUint16(buf[22:24], uint16(len(rec.Name)))
	copy(buf[24:], rec.Name)
	return buf
}

func unmarshalTreeRecord(buf []byte) (TreeRecord, error) {
	if len(buf) < 24 {
		return TreeRecord{}, fmt.Errorf("engine: tree record too short: %d bytes", len(buf))
	}
	nameLen := int(binary.BigEndian.Uint16(buf[22:24]))
	if nameLen > maxTreeNameLength || 24+nameLen > len(buf) {
		return TreeRecord{}, fmt.Errorf("engine: tree record name length %d out of range", nameLen)
	}
	return TreeRecord{
		RootPage:    uint32(binary.BigEndian.Uint64(buf[0:8])),
		ChangeCount: int64(binary.BigEndian.Uint64(buf[8:16])),
		Handle:      binary.BigEndian.Uint32(buf[16:20]),
		Depth:       int16(binary.BigEndian.Uint16(buf[20:22])),
		Name:        string(buf[24 : 24+nameLen]),
	}, nil
}

// Directory is the per-volume catalog of named trees, grounded on the
// teacher's pager.Catalog: a reserved B+Tree whose keys are tree names
// and whose values are serialized TreeRecords. It keeps no in-process
// cache: every Get and List reads the tree.
type Directory struct {
	tree *tree.Tree
}

// OpenOrCreateDirectory bootstraps volume's directory tree, creating it
// (and persisting its root page into the header via
// volume.Storage.SetTreeDirectoryRoot) on first open.
func OpenOrCreateDirectory(store tree.PageStore, storage *volume.Storage, policy tree.SplitPolicy, bucketCount int) (*Directory, error) {
	root := storage.Header().TreeDirectoryRoot
	if root == 0 {
		t, err := tree.Create(store, directoryTreeName, policy, bucketCount)
		if err != nil {
			return nil, fmt.Errorf("engine: create tree directory: %w", err)
		}
		if err := storage.SetTreeDirectoryRoot(t.RootPage()); err != nil {
			return nil, fmt.Errorf("engine: persist tree directory root: %w", err)
		}
		return &Directory{tree: t}, nil
	}
	t := tree.Open(store, directoryTreeName, root, policy, bucketCount)
	return &Directory{tree: t}, nil
}

// Get looks up name's TreeRecord, returning ok=false if no tree with
// that name has been registered yet.
func (d *Directory) Get(name string) (TreeRecord, bool, error) {
	val, ok, err := d.tree.Search(nameKey(name))
	if err != nil || !ok {
		return TreeRecord{}, ok, err
	}
	rec, err := unmarshalTreeRecord(val)
	return rec, err == nil, err
}

// Put upserts rec, keyed by rec.Name.
func (d *Directory) Put(rec TreeRecord) error {
	if len(rec.Name) > maxTreeNameLength {
		return ptreeerr.New(ptreeerr.IllegalArgument, "engine.Directory.Put",
			fmt.Errorf("tree name %q exceeds %d bytes", rec.Name, maxTreeNameLength))
	}
	data := marshalTreeRecord(rec)
	if len(data) > maxTreeRecordSize {
		return ptreeerr.New(ptreeerr.IllegalArgument, "engine.Directory.Put",
			fmt.Errorf("tree record for %q exceeds %d bytes", rec.Name, maxTreeRecordSize))
	}
	return d.tree.Insert(nameKey(rec.Name), data)
}

// Delete removes name's registration from the directory, used by
// Engine.DropTree once the tree's pages have been reclaimed.
func (d *Directory) Delete(name string) error {
	_, err := d.tree.Delete(nameKey(name))
	return err
}

// AllocateHandle returns the next unused tree handle, durably advancing
// the directory's persisted counter first (mirrors
// classindex.allocateHandleLocked).
func (d *Directory) AllocateHandle() (uint32, error) {
	val, ok, err := d.tree.Search(counterKey)
	if err != nil {
		return 0, err
	}
	next := uint32(1)
	if ok {
		next = binary.BigEndian.Uint32(val) + 1
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], next)
	if err := d.tree.Insert(counterKey, buf[:]); err != nil {
		return 0, fmt.Errorf("engine: persist tree handle counter: %w", err)
	}
	return next, nil
}

// List returns every registered TreeRecord, walked off the directory
// tree's leaf chain with a tree.Exchange cursor (spec §6 names no
// enumeration API, but ptreectl's "list trees" needs one and a
// leaf-chain scan is the natural way to provide it without an auxiliary
// index).
func (d *Directory) List() ([]TreeRecord, error) {
	var out []TreeRecord
	x := d.tree.NewExchange()
	ok, err := x.First()
	if err != nil {
		return nil, err
	}
	for ok {
		val, err := x.Value()
		if err != nil {
			return nil, err
		}
		if rec, err := unmarshalTreeRecord(val); err == nil {
			out = append(out, rec)
		}
		if ok, err = x.Next(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
