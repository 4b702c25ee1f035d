package tree

import (
	"errors"
	"fmt"

	"github.com/zjrosen/pestle/internal/log"
)

// ErrOrphanedRecord marks a discovery record whose parent cannot be
// resolved. Discovery emits parents before children, so an unresolvable
// parent means the record stream is corrupt and the batch must be abandoned.
var ErrOrphanedRecord = errors.New("discovery record references unknown parent")

// Batch tracks one discovery invocation's worth of records. Parent lookup
// prefers nodes created earlier in the same batch over pre-existing tree
// nodes, and a forced batch replaces previously discovered children instead
// of duplicating them.
type Batch struct {
	Forced  bool
	seen    map[NodeID]struct{}
	cleared map[NodeID]struct{}
}

func NewBatch(forced bool) *Batch {
	return &Batch{
		Forced:  forced,
		seen:    make(map[NodeID]struct{}),
		cleared: make(map[NodeID]struct{}),
	}
}

func (b *Batch) sawEarlier(id NodeID) bool {
	_, ok := b.seen[id]
	return ok
}

// ApplyDiscovery applies one discovery record to the tree.
//
// A record carrying an error for an existing node attaches the error and
// stops there. Otherwise the parent is resolved batch-first, then against
// the tree; failure to resolve is ErrOrphanedRecord for error-free records
// only. Re-discovery of an
// existing node is a no-op unless the batch is forced, in which case the
// node's previous children are replaced by whatever this batch emits.
func (t *Tree) ApplyDiscovery(batch *Batch, rec DiscoveryRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec.Error != "" {
		if existing, ok := t.nodes[rec.ID]; ok {
			existing.Err = rec.Error
			batch.seen[rec.ID] = struct{}{}
			log.Warn(log.CatTree, "discovery error attached", "id", rec.ID, "error", rec.Error)
			return nil
		}
	}

	if rec.Parent != "" && !batch.sawEarlier(rec.Parent) && !t.contains(rec.Parent) {
		// Only an error-free record proves the stream corrupt. An error
		// record could not be discovered properly in the first place, so it
		// is kept visible as a root instead of abandoning the batch.
		if rec.Error == "" {
			return fmt.Errorf("%w: record %q names parent %q", ErrOrphanedRecord, rec.ID, rec.Parent)
		}
		log.Warn(log.CatTree, "error record names unknown parent, attaching as root",
			"id", rec.ID, "parent", rec.Parent)
		rec.Parent = ""
	}

	existing, exists := t.nodes[rec.ID]
	switch {
	case exists && !batch.Forced:
		// Already discovered; only a forced batch rewrites structure.
	case exists:
		if _, done := batch.cleared[rec.ID]; !done {
			for _, child := range append([]NodeID(nil), t.children[rec.ID]...) {
				t.removeSubtree(child)
			}
			batch.cleared[rec.ID] = struct{}{}
		}
		existing.Label = rec.Label
		existing.File = rec.File
		existing.StartLine = rec.StartLine
		existing.EndLine = rec.EndLine
		existing.Tags = rec.Tags
		existing.Err = rec.Error
	default:
		node := &Node{
			ID:        rec.ID,
			Label:     rec.Label,
			File:      rec.File,
			StartLine: rec.StartLine,
			EndLine:   rec.EndLine,
			Parent:    rec.Parent,
			Tags:      rec.Tags,
			Err:       rec.Error,
		}
		t.nodes[rec.ID] = node
		if rec.Parent == "" {
			t.roots = append(t.roots, rec.ID)
		} else {
			t.children[rec.Parent] = append(t.children[rec.Parent], rec.ID)
		}
	}

	batch.seen[rec.ID] = struct{}{}
	return nil
}
