package engine

import (
	"fmt"

	"github.com/brineholt/ptree/internal/tree"
	"github.com/brineholt/ptree/ptreeerr"
)

// reservedTreeNames can never be dropped: they are the volume's own
// bookkeeping, not user data.
var reservedTreeNames = map[string]bool{
	directoryTreeName:    true,
	classIndexTreeName:   true,
	accumulatorsTreeName: true,
}

// DropTree reclaims every page belonging to treeName's B+Tree (including
// overflow chains) back onto volumeName's free list and removes its
// directory entry. The reclaimed pages are available to the next
// AllocNewPage at once, but the free list only becomes durable when the
// next maintenance tick calls volume.Storage.FlushFreeList; a crash
// between DropTree and that flush simply leaves the pages unreferenced
// rather than corrupting anything, the same accepted window
// AllocNewPage's in-memory free set always has.
func (e *Engine) DropTree(volumeName, treeName string) error {
	if reservedTreeNames[treeName] {
		return ptreeerr.New(ptreeerr.IllegalArgument, "engine.DropTree",
			fmt.Errorf("%q is a reserved tree and cannot be dropped", treeName))
	}
	e.mu.RLock()
	vh, ok := e.volumes[volumeName]
	e.mu.RUnlock()
	if !ok {
		return ptreeerr.New(ptreeerr.VolumeNotFound, "engine.DropTree", fmt.Errorf("volume %q not open", volumeName))
	}

	vh.mu.Lock()
	defer vh.mu.Unlock()

	rec, found, err := vh.directory.Get(treeName)
	if err != nil {
		return err
	}
	if !found {
		return ptreeerr.New(ptreeerr.InvalidKey, "engine.DropTree", fmt.Errorf("tree %q not found in volume %q", treeName, volumeName))
	}

	ids, err := collectTreePageIDs(vh.adapter, rec.RootPage)
	if err != nil {
		return fmt.Errorf("engine: collect pages for tree %q: %w", treeName, err)
	}
	for _, id := range ids {
		vh.storage.FreePage(id)
	}
	if err := vh.directory.Delete(treeName); err != nil {
		return fmt.Errorf("engine: remove directory entry for tree %q: %w", treeName, err)
	}
	delete(vh.trees, treeName)

	e.telemetry.Component("gc").Info().
		Str("volume", volumeName).
		Str("tree", treeName).
		Int("pages_reclaimed", len(ids)).
		Msg("dropped tree")
	return nil
}

// collectTreePageIDs walks every page reachable from root — internal
// nodes, leaves, and any overflow chains a leaf entry points at —
// returning every page id the tree currently occupies. Unlike a
// tree.Exchange scan, which only follows the leaf sibling chain, DropTree
// needs the whole set of pages, including internal nodes, not just the
// live entries.
func collectTreePageIDs(store tree.PageStore, root uint32) ([]uint32, error) {
	var ids []uint32
	var walk func(id uint32) error
	walk = func(id uint32) error {
		buf := make([]byte, store.PageSize())
		if err := store.ReadPage(id, buf); err != nil {
			return fmt.Errorf("read page %d: %w", id, err)
		}
		ids = append(ids, id)

		page := tree.WrapPage(buf)
		sp := page.Slotted()
		n := sp.LiveRecords()
		switch page.Kind() {
		case tree.KindInternal:
			for i := 0; i < n; i++ {
				child := tree.UnmarshalInternalEntry(sp.GetRecord(i)).Child
				if err := walk(child); err != nil {
					return err
				}
			}
		case tree.KindLeaf:
			for i := 0; i < n; i++ {
				e := tree.UnmarshalLeafEntry(sp.GetRecord(i))
				if !e.Overflow {
					continue
				}
				chain, err := collectOverflowPageIDs(store, beUint32(e.Value))
				if err != nil {
					return err
				}
				ids = append(ids, chain...)
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return ids, nil
}

// collectOverflowPageIDs returns every page in the overflow chain
// starting at first, following the little-endian next-page pointer at
// the head of each overflow page's own header (see tree.ReadOverflowChain).
func collectOverflowPageIDs(store tree.PageStore, first uint32) ([]uint32, error) {
	var ids []uint32
	buf := make([]byte, store.PageSize())
	id := first
	for id != 0 {
		if err := store.ReadPage(id, buf); err != nil {
			return nil, fmt.Errorf("read overflow page %d: %w", id, err)
		}
		ids = append(ids, id)
		id = leUint32(buf[0:4])
	}
	return ids, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
