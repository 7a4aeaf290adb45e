package pipeline

import (
	"sync"

	"servamap.ai/internal/mapgrid"
)

// ResampleQueue is an insertion-ordered set of tiles awaiting recomputation.
// A key already pending is not queued again.
type ResampleQueue struct {
	mu      sync.Mutex
	order   []mapgrid.TileKey
	pending map[mapgrid.TileKey]struct{}
}

func NewResampleQueue() *ResampleQueue {
	return &ResampleQueue{pending: map[mapgrid.TileKey]struct{}{}}
}

// Push adds k and reports whether it was not already pending.
func (q *ResampleQueue) Push(k mapgrid.TileKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending[k]; ok {
		return false
	}
	q.pending[k] = struct{}{}
	q.order = append(q.order, k)
	return true
}

// Pop removes the oldest pending key.
func (q *ResampleQueue) Pop() (mapgrid.TileKey, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return mapgrid.TileKey{}, false
	}
	k := q.order[0]
	q.order[0] = mapgrid.TileKey{}
	q.order = q.order[1:]
	delete(q.pending, k)
	if len(q.order) == 0 {
		q.order = nil
	}
	return k, true
}

func (q *ResampleQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Reset drops everything pending.
func (q *ResampleQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.pending = map[mapgrid.TileKey]struct{}{}
}
