package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"servamap.ai/internal/compositor"
	"servamap.ai/internal/maperr"
	"servamap.ai/internal/mapgrid"
	"servamap.ai/internal/persistence/tilestore"
)

// Scheduler owns the pending resample set and drains it in cycles.
type Scheduler struct {
	comp     compositor.Compositor
	geo      mapgrid.Geometry
	tiles    TileStore
	locks    *TileLocks
	queue    *ResampleQueue
	journal  Journal
	log      *log.Logger
	interval time.Duration

	draining atomic.Bool

	resampled atomic.Uint64
	failed    atomic.Uint64
	coalesced atomic.Uint64
	cycles    atomic.Uint64
	skipped   atomic.Uint64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Enqueue marks k for recomputation from its children. It reports whether k
// was newly queued; keys outside 1..MaxZoom are refused.
func (s *Scheduler) Enqueue(k mapgrid.TileKey) bool {
	if k.Zoom < 1 || k.Zoom > s.geo.MaxZoom {
		s.log.Printf("resample enqueue refused tile=%s max_zoom=%d", k, s.geo.MaxZoom)
		return false
	}
	if !s.queue.Push(k) {
		s.coalesced.Add(1)
		return false
	}
	return true
}

func (s *Scheduler) Pending() int { return s.queue.Len() }

// Start runs a drain cycle every interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("pipeline: scheduler is already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.DrainOnce(ctx)
		}
	}
}

// DrainOnce processes as many requests as were pending when it started.
// Requests queued while it runs wait for the next cycle. If another cycle
// is already in progress it returns immediately with ran=false.
func (s *Scheduler) DrainOnce(ctx context.Context) (processed int, ran bool) {
	if !s.draining.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		return 0, false
	}
	defer s.draining.Store(false)
	s.cycles.Add(1)

	start := time.Now()
	n := s.queue.Len()
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		k, ok := s.queue.Pop()
		if !ok {
			break
		}
		if err := s.Resample(ctx, k); err != nil {
			s.log.Printf("resample failed tile=%s err=%v", k, err)
		}
		processed++
	}
	if processed > 0 {
		s.log.Printf("drain processed=%d pending=%d ms=%d", processed, s.queue.Len(), time.Since(start).Milliseconds())
	}
	return processed, true
}

// pause waits for a running cycle to finish and keeps new cycles from
// starting until release is called. Cycles triggered meanwhile are skipped.
func (s *Scheduler) pause(ctx context.Context) (release func(), err error) {
	for !s.draining.CompareAndSwap(false, true) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return func() { s.draining.Store(false) }, nil
}

// DrainUntilIdle runs cycles back to back until nothing is pending.
func (s *Scheduler) DrainUntilIdle(ctx context.Context) int {
	total := 0
	for s.queue.Len() > 0 && ctx.Err() == nil {
		n, ran := s.DrainOnce(ctx)
		if !ran {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		total += n
	}
	return total
}

// Resample rebuilds k from whichever of its four children exist. Quadrants
// with no child keep what the target already had.
func (s *Scheduler) Resample(ctx context.Context, k mapgrid.TileKey) error {
	err := s.resample(ctx, k)
	if err != nil {
		s.failed.Add(1)
	} else {
		s.resampled.Add(1)
	}
	return err
}

func (s *Scheduler) resample(ctx context.Context, k mapgrid.TileKey) error {
	if k.Zoom <= 0 {
		return &maperr.RangeError{Reason: fmt.Sprintf("cannot resample base tile %s", k)}
	}
	if k.Zoom > s.geo.MaxZoom {
		return &maperr.RangeError{Reason: fmt.Sprintf("tile %s above max zoom %d", k, s.geo.MaxZoom)}
	}
	start := time.Now()

	unlock := s.locks.Lock(k)
	defer unlock()

	target, err := loadOrBlank(ctx, s.tiles, s.comp, k)
	if err != nil {
		return err
	}
	children := 0
	for _, ck := range k.Children() {
		child, err := s.readChild(ctx, ck)
		if errors.Is(err, tilestore.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := s.comp.OverlayChild(target, child.Image, ck, k); err != nil {
			return err
		}
		children++
	}
	wrote, err := s.tiles.Put(ctx, tilestore.Tile{Key: k, Image: target})
	if err != nil {
		return err
	}
	if k.Zoom < s.geo.MaxZoom {
		s.Enqueue(k.Parent())
	}

	if s.journal != nil {
		ev := ResampleEvent{
			At:         time.Now().UTC(),
			Tile:       k,
			Children:   children,
			Wrote:      wrote,
			DurationMs: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err := s.journal.WriteResample(ev); err != nil {
			s.log.Printf("journal resample tile=%s err=%v", k, err)
		}
	}
	return nil
}

func (s *Scheduler) readChild(ctx context.Context, k mapgrid.TileKey) (tilestore.Tile, error) {
	unlock := s.locks.Lock(k)
	defer unlock()
	return s.tiles.Get(ctx, k)
}
