package pipeline

import (
	"context"
)

type Stats struct {
	ShardsApplied  uint64
	ShardsNoOp     uint64
	ShardsInvalid  uint64
	ShardsFailed   uint64
	ShardsIndexed  int
	Resampled      uint64
	ResampleFailed uint64
	Coalesced      uint64
	DrainCycles    uint64
	DrainSkipped   uint64
	Pending        int
	TilesPerZoom   map[int]int
}

// Clear drops every tile, every shard index entry and all pending work.
// It waits out an in-flight drain cycle and in-flight shard ingests.
func (p *Pipeline) Clear(ctx context.Context) error {
	release, err := p.Scheduler.pause(ctx)
	if err != nil {
		return err
	}
	defer release()
	p.admin.Lock()
	defer p.admin.Unlock()

	p.Scheduler.queue.Reset()
	if err := p.tiles.Clear(ctx); err != nil {
		return err
	}
	if err := p.index.Clear(ctx); err != nil {
		return err
	}
	p.log.Printf("cleared tiles and shard index")
	return nil
}

// StartCompleteResample deletes every tile above the base level and queues
// the parent of each base tile. Draining then rebuilds the whole pyramid.
// It returns the number of requests queued. No drain cycle runs while the
// upper levels are being deleted.
func (p *Pipeline) StartCompleteResample(ctx context.Context) (int, error) {
	release, err := p.Scheduler.pause(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	if err := p.tiles.DeleteAboveBase(ctx); err != nil {
		return 0, err
	}
	if p.geo.MaxZoom == 0 {
		return 0, nil
	}
	base, err := p.tiles.Keys(ctx, 0)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, k := range base {
		if p.Scheduler.Enqueue(k.Parent()) {
			queued++
		}
	}
	p.log.Printf("complete resample base_tiles=%d queued=%d", len(base), queued)
	return queued, nil
}

func (p *Pipeline) Stats(ctx context.Context) (Stats, error) {
	in, sc := p.Ingestor, p.Scheduler
	st := Stats{
		ShardsApplied:  in.applied.Load(),
		ShardsNoOp:     in.noop.Load(),
		ShardsInvalid:  in.invalid.Load(),
		ShardsFailed:   in.failed.Load(),
		Resampled:      sc.resampled.Load(),
		ResampleFailed: sc.failed.Load(),
		Coalesced:      sc.coalesced.Load(),
		DrainCycles:    sc.cycles.Load(),
		DrainSkipped:   sc.skipped.Load(),
		Pending:        sc.Pending(),
	}
	counts, err := p.tiles.Counts(ctx)
	if err != nil {
		return st, err
	}
	st.TilesPerZoom = counts
	n, err := p.index.Count(ctx)
	if err != nil {
		return st, err
	}
	st.ShardsIndexed = n
	return st, nil
}
