package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/brineholt/ptree/internal/accumulator"
	"github.com/brineholt/ptree/ptreeerr"
)

// accumulatorsTreeName is the reserved tree backing spec §6's
// "Checkpointed accumulator record": one record per (tree handle, slot
// index), persisted at every maintenance checkpoint and consulted on
// Engine.Accumulator so a reopened accumulator resumes from its last
// durable value instead of its caller-supplied base.
const accumulatorsTreeName = "_accumulators"

func accumulatorCheckpointKey(treeHandle uint32, index int) []byte {
	var buf [5]byte
	binary.BigEndian.PutUint32(buf[0:4], treeHandle)
	buf[4] = byte(index)
	return buf[:]
}

func marshalAccumulatorCheckpoint(kind accumulator.Kind, value int64) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(kind)
	binary.BigEndian.PutUint64(buf[1:9], uint64(value))
	return buf
}

func unmarshalAccumulatorCheckpoint(buf []byte) (accumulator.Kind, int64, error) {
	if len(buf) != 9 {
		return 0, 0, fmt.Errorf("engine: accumulator checkpoint record has %d bytes, want 9", len(buf))
	}
	return accumulator.Kind(buf[0]), int64(binary.BigEndian.Uint64(buf[1:9])), nil
}

// checkpointAccumulators writes every open tree's live accumulator
// values into vh's reserved accumulator-checkpoint tree, called from the
// maintenance loop.
func (e *Engine) checkpointAccumulators(vh *volumeHandle) error {
	vh.mu.Lock()
	defer vh.mu.Unlock()
	accTree, _, err := e.getOrCreateTree(vh, accumulatorsTreeName)
	if err != nil {
		return err
	}
	for _, th := range vh.trees {
		for _, acc := range th.tree.Accumulators() {
			key := accumulatorCheckpointKey(th.handle, acc.Index())
			val := marshalAccumulatorCheckpoint(acc.Kind(), acc.GetLiveValue())
			if err := accTree.Insert(key, val); err != nil {
				return fmt.Errorf("engine: checkpoint accumulator %s[%d]: %w", th.name, acc.Index(), err)
			}
		}
	}
	return nil
}

// recoveredAccumulatorCheckpoint looks up the last checkpointed
// (kind, value) pair for (treeHandle, index), returning ok=false if none
// has ever been persisted (a brand new accumulator slot).
func (e *Engine) recoveredAccumulatorCheckpoint(vh *volumeHandle, treeHandle uint32, index int) (accumulator.Kind, int64, bool, error) {
	vh.mu.Lock()
	accTree, _, err := e.getOrCreateTree(vh, accumulatorsTreeName)
	vh.mu.Unlock()
	if err != nil {
		return 0, 0, false, err
	}
	val, ok, err := accTree.Search(accumulatorCheckpointKey(treeHandle, index))
	if err != nil || !ok {
		return 0, 0, false, err
	}
	kind, value, err := unmarshalAccumulatorCheckpoint(val)
	if err != nil {
		return 0, 0, false, err
	}
	return kind, value, true, nil
}

// recoveredAccumulatorBase is recoveredAccumulatorCheckpoint's value-only
// form, used by Engine.Accumulator where the caller already supplies kind.
func (e *Engine) recoveredAccumulatorBase(vh *volumeHandle, treeHandle uint32, index int) (int64, bool, error) {
	_, value, ok, err := e.recoveredAccumulatorCheckpoint(vh, treeHandle, index)
	return value, ok, err
}

// AccumulatorSnapshot returns the last checkpointed (kind, value) for
// slot index of treeName in volumeName, without opening the tree or its
// live Accumulator — used by cmd/ptreectl's read-only inspection
// commands, which should not force-create trees that only ever existed
// as checkpoint records.
func (e *Engine) AccumulatorSnapshot(volumeName, treeName string, index int) (accumulator.Kind, int64, bool, error) {
	e.mu.RLock()
	vh, ok := e.volumes[volumeName]
	e.mu.RUnlock()
	if !ok {
		return 0, 0, false, ptreeerr.New(ptreeerr.VolumeNotFound, "engine.AccumulatorSnapshot", fmt.Errorf("volume %q not open", volumeName))
	}
	vh.mu.Lock()
	rec, found, err := vh.directory.Get(treeName)
	vh.mu.Unlock()
	if err != nil {
		return 0, 0, false, err
	}
	if !found {
		return 0, 0, false, ptreeerr.New(ptreeerr.InvalidKey, "engine.AccumulatorSnapshot", fmt.Errorf("tree %q not found in volume %q", treeName, volumeName))
	}
	return e.recoveredAccumulatorCheckpoint(vh, rec.Handle, index)
}
