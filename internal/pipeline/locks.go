package pipeline

import (
	"sync"

	"servamap.ai/internal/mapgrid"
)

// TileLocks is a mutex per tile key. Entries exist only while held or
// awaited, so the map stays as small as the set of tiles in flight.
//
// Lock order: a holder of a coarser tile may take a finer one, never the
// reverse.
type TileLocks struct {
	mu    sync.Mutex
	locks map[mapgrid.TileKey]*tileLock
}

type tileLock struct {
	mu   sync.Mutex
	refs int
}

func NewTileLocks() *TileLocks {
	return &TileLocks{locks: map[mapgrid.TileKey]*tileLock{}}
}

// Lock blocks until k is held and returns its release func.
func (l *TileLocks) Lock(k mapgrid.TileKey) (unlock func()) {
	l.mu.Lock()
	tl := l.locks[k]
	if tl == nil {
		tl = &tileLock{}
		l.locks[k] = tl
	}
	tl.refs++
	l.mu.Unlock()

	tl.mu.Lock()
	return func() {
		tl.mu.Unlock()
		l.mu.Lock()
		tl.refs--
		if tl.refs == 0 {
			delete(l.locks, k)
		}
		l.mu.Unlock()
	}
}

// Len is the number of keys currently held or awaited.
func (l *TileLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
