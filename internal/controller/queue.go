package controller

import (
	"sync"
)

// DiscoveryQueue is a thread-safe ordered set of files pending discovery.
// Adding a file already in the queue keeps its original position, so one
// drain covers each file exactly once in first-requested order.
type DiscoveryQueue struct {
	entries []string
	index   map[string]struct{}
	mu      sync.Mutex
}

func NewDiscoveryQueue() *DiscoveryQueue {
	return &DiscoveryQueue{
		entries: make([]string, 0),
		index:   make(map[string]struct{}),
	}
}

// Add appends a file to the back of the queue unless it is already pending.
// Returns true if the file was newly added.
func (q *DiscoveryQueue) Add(file string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.index[file]; dup {
		return false
	}
	q.entries = append(q.entries, file)
	q.index[file] = struct{}{}
	return true
}

// Drain removes and returns all pending files, leaving the queue empty.
// Returns an empty slice if the queue was already empty.
func (q *DiscoveryQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return []string{}
	}

	result := q.entries
	q.entries = make([]string, 0)
	q.index = make(map[string]struct{})
	return result
}

// Len returns the current number of pending files.
func (q *DiscoveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}
