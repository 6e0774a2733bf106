// Package classindex implements the ClassIndex bidirectional handle<->class
// mapping of spec §4.6: a stable small integer handle per registered
// application class, backed by a reserved B+Tree and fronted by two
// in-memory hash tables plus a negative-lookup cache. Grounded on the
// teacher's pager.Catalog (a B+Tree-backed name->metadata directory with
// an in-memory RWMutex-guarded view) generalized from a single
// tenant/table namespace to the handle/name bijection this spec needs.
package classindex

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"github.com/brineholt/ptree/internal/tree"
	"github.com/brineholt/ptree/ptreeerr"
)

// Resolver resolves a registered class name to its runtime type and
// serial-version UID. Replaces the source's ambient context-class-loader
// lookup with an explicit, injected dependency (spec §9's design note).
type Resolver interface {
	Resolve(name string) (t reflect.Type, serialVersionUID int64, err error)
}

// ClassInfo is the persisted (and cached) record for one registered
// class: its name, serial-version UID, and assigned handle. StreamID is
// an opaque correlation id minted once when the class is first
// registered and persisted with it; no journal record carries it.
type ClassInfo struct {
	Name             string
	SerialVersionUID int64
	Handle           uint32
	StreamID         uuid.UUID
	Type             reflect.Type
}

func nameKeyPart(name string, suid int64) string {
	return fmt.Sprintf("%s\x00%d", name, suid)
}

var nextIDKey = []byte("nextId")

func byHandleKey(handle uint32) []byte {
	k := make([]byte, 5)
	k[0] = 0x01
	binary.BigEndian.PutUint32(k[1:], handle)
	return k
}

func byNameKey(name string, suid int64) []byte {
	k := make([]byte, 1+len(name)+1+8)
	k[0] = 0x02
	off := 1
	copy(k[off:], name)
	off += len(name)
	k[off] = 0
	off++
	binary.BigEndian.PutUint64(k[off:], uint64(suid))
	return k
}

func marshalByHandleRecord(handle uint32, name string, suid int64, streamID uuid.UUID) []byte {
	buf := make([]byte, 4+2+len(name)+8+16)
	binary.BigEndian.PutUint32(buf[0:], handle)
	binary.BigEndian.PutUint16(buf[4:], uint16(len(name)))
	copy(buf[6:], name)
	off := 6 + len(name)
	binary.BigEndian.PutUint64(buf[off:], uint64(suid))
	off += 8
	streamBytes, _ := streamID.MarshalBinary()
	copy(buf[off:], streamBytes)
	return buf
}

func unmarshalByHandleRecord(buf []byte) (handle uint32, name string, suid int64, streamID uuid.UUID) {
	handle = binary.BigEndian.Uint32(buf[0:])
	nameLen := int(binary.BigEndian.Uint16(buf[4:]))
	name = string(buf[6 : 6+nameLen])
	off := 6 + nameLen
	suid = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	streamID, _ = uuid.FromBytes(buf[off : off+16])
	return
}

// ClassIndex is a process-wide singleton per volume (spec §9): callers
// should obtain one from the engine at startup and share it, rather than
// constructing several over the same reserved tree.
type ClassIndex struct {
	tree     *tree.Tree
	resolver Resolver

	mu        sync.Mutex // serializes every write, per spec §4.6
	byHandle  map[uint32]*ClassInfo
	byName    map[string]*ClassInfo
	knownNull map[uint32]struct{}
}

// Open wraps the reserved tree (conventionally named "_classIndex") with
// an empty in-memory view; entries populate lazily as lookups occur.
func Open(t *tree.Tree, resolver Resolver) *ClassIndex {
	return &ClassIndex{
		tree:      t,
		resolver:  resolver,
		byHandle:  make(map[uint32]*ClassInfo),
		byName:    make(map[string]*ClassInfo),
		knownNull: make(map[uint32]struct{}),
	}
}

// LookupByHandle resolves handle to a ClassInfo, consulting the
// in-memory cache, then the known-null cache, then the reserved tree.
// Returns (nil, nil) if the handle has never been registered. A stored
// handle that disagrees with the requested one indicates on-disk
// corruption; a Resolver failure or SUID mismatch is a Conversion error.
func (ci *ClassIndex) LookupByHandle(handle uint32) (*ClassInfo, error) {
	ci.mu.Lock()
	if info, ok := ci.byHandle[handle]; ok {
		ci.mu.Unlock()
		return info, nil
	}
	if _, known := ci.knownNull[handle]; known {
		ci.mu.Unlock()
		return nil, nil
	}
	ci.mu.Unlock()

	raw, found, err := ci.tree.Search(byHandleKey(handle))
	if err != nil {
		return nil, fmt.Errorf("classindex: search by-handle %d: %w", handle, err)
	}
	if !found {
		ci.mu.Lock()
		ci.knownNull[handle] = struct{}{}
		ci.mu.Unlock()
		return nil, nil
	}

	storedHandle, name, suid, streamID := unmarshalByHandleRecord(raw)
	if storedHandle != handle {
		return nil, ptreeerr.New(ptreeerr.CorruptVolume, "classindex.LookupByHandle",
			fmt.Errorf("stored handle %d under key for handle %d", storedHandle, handle))
	}

	t, runtimeSUID, err := ci.resolver.Resolve(name)
	if err != nil {
		return nil, ptreeerr.New(ptreeerr.Conversion, "classindex.LookupByHandle",
			fmt.Errorf("resolve class %q: %w", name, err))
	}
	if runtimeSUID != suid {
		return nil, ptreeerr.New(ptreeerr.Conversion, "classindex.LookupByHandle",
			fmt.Errorf("class %q: runtime suid %d does not match stored suid %d", name, runtimeSUID, suid))
	}

	info := &ClassInfo{Name: name, SerialVersionUID: suid, Handle: handle, StreamID: streamID, Type: t}
	ci.mu.Lock()
	ci.byHandle[handle] = info
	ci.byName[nameKeyPart(name, suid)] = info
	delete(ci.knownNull, handle)
	ci.mu.Unlock()
	return info, nil
}

// LookupByClass returns the ClassInfo for (name, suid), allocating and
// persisting a new handle on first use. Handles are never reassigned.
func (ci *ClassIndex) LookupByClass(name string, suid int64) (*ClassInfo, error) {
	key := nameKeyPart(name, suid)

	ci.mu.Lock()
	if info, ok := ci.byName[key]; ok {
		ci.mu.Unlock()
		return info, nil
	}
	ci.mu.Unlock()

	raw, found, err := ci.tree.Search(byNameKey(name, suid))
	if err != nil {
		return nil, fmt.Errorf("classindex: search by-name %q: %w", name, err)
	}
	if found {
		handle := binary.BigEndian.Uint32(raw)
		var streamID uuid.UUID
		if byHandleRaw, ok, err := ci.tree.Search(byHandleKey(handle)); err == nil && ok {
			_, _, _, streamID = unmarshalByHandleRecord(byHandleRaw)
		}
		info := &ClassInfo{Name: name, SerialVersionUID: suid, Handle: handle, StreamID: streamID}
		ci.mu.Lock()
		ci.byName[key] = info
		ci.byHandle[handle] = info
		delete(ci.knownNull, handle)
		ci.mu.Unlock()
		return info, nil
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()
	// Re-check under the write lock: another goroutine may have
	// registered this class while we were reading without holding it.
	if info, ok := ci.byName[key]; ok {
		return info, nil
	}

	handle, err := ci.allocateHandleLocked()
	if err != nil {
		return nil, err
	}
	streamID := uuid.New()
	if err := ci.tree.Insert(byHandleKey(handle), marshalByHandleRecord(handle, name, suid, streamID)); err != nil {
		return nil, fmt.Errorf("classindex: write by-handle record: %w", err)
	}
	handleBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(handleBuf, handle)
	if err := ci.tree.Insert(byNameKey(name, suid), handleBuf); err != nil {
		return nil, fmt.Errorf("classindex: write by-name record: %w", err)
	}

	info := &ClassInfo{Name: name, SerialVersionUID: suid, Handle: handle, StreamID: streamID}
	ci.byName[key] = info
	ci.byHandle[handle] = info
	delete(ci.knownNull, handle)
	return info, nil
}

// allocateHandleLocked reads, increments, and rewrites the distinguished
// nextId counter. Called with ci.mu held.
func (ci *ClassIndex) allocateHandleLocked() (uint32, error) {
	raw, found, err := ci.tree.Search(nextIDKey)
	if err != nil {
		return 0, fmt.Errorf("classindex: read nextId: %w", err)
	}
	var next uint32 = 1
	if found {
		next = binary.BigEndian.Uint32(raw) + 1
	}
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, next)
	if err := ci.tree.Insert(nextIDKey, buf); err != nil {
		return 0, fmt.Errorf("classindex: write nextId: %w", err)
	}
	return next, nil
}

// testResetHandle clears the in-memory state for handle and its class
// name so a test can re-drive registration without reopening the tree.
// Matches spec §9's note that the only reset path is a test-only one;
// production code has no use for it and no non-test call site exists.
func (ci *ClassIndex) testResetHandle(handle uint32, name string, suid int64) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	delete(ci.byHandle, handle)
	delete(ci.byName, nameKeyPart(name, suid))
}
