// Package tree maintains the discovered test hierarchy and projects run
// results onto it. Node structure is durable across runs; run status is a
// transient per-run projection that never lives on the nodes themselves.
package tree

import (
	"sync"
)

// NodeID is the stable identifier a discovery script assigns to a node.
// IDs are stable across re-discovery of the same file.
type NodeID string

// Node is one entry in the test hierarchy: a file, a describe block, or an
// individual test.
type Node struct {
	ID        NodeID
	Label     string
	File      string
	StartLine int
	EndLine   int
	Parent    NodeID
	Tags      []string
	Err       string
}

// Tree owns the node map plus an ordered child index. The zero-value Parent
// means the node hangs off the (implicit) root.
type Tree struct {
	mu       sync.RWMutex
	nodes    map[NodeID]*Node
	children map[NodeID][]NodeID
	roots    []NodeID
}

func NewTree() *Tree {
	return &Tree{
		nodes:    make(map[NodeID]*Node),
		children: make(map[NodeID][]NodeID),
	}
}

// Node returns a copy of the node with the given ID.
func (t *Tree) Node(id NodeID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Children returns the ordered child IDs of a node. An empty ID returns the
// root-level nodes.
func (t *Tree) Children(id NodeID) []NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var src []NodeID
	if id == "" {
		src = t.roots
	} else {
		src = t.children[id]
	}
	out := make([]NodeID, len(src))
	copy(out, src)
	return out
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

func (t *Tree) contains(id NodeID) bool {
	_, ok := t.nodes[id]
	return ok
}

// removeSubtree deletes a node and all its descendants. Callers hold t.mu.
func (t *Tree) removeSubtree(id NodeID) {
	stack := []NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stack = append(stack, t.children[cur]...)
		delete(t.children, cur)
		delete(t.nodes, cur)
	}
	t.roots = removeID(t.roots, id)
	for parent, kids := range t.children {
		t.children[parent] = removeID(kids, id)
	}
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
