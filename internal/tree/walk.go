package tree

// Walk visits nodes depth-first in discovery order using an explicit
// worklist, starting from the given node (or every root when start is
// empty). Returning false from visit stops the walk.
func (t *Tree) Walk(start NodeID, visit func(Node) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stack []NodeID
	if start == "" {
		for i := len(t.roots) - 1; i >= 0; i-- {
			stack = append(stack, t.roots[i])
		}
	} else {
		stack = append(stack, start)
	}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node, ok := t.nodes[id]
		if !ok {
			continue
		}
		if !visit(*node) {
			return
		}

		kids := t.children[id]
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
}
