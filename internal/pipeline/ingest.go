package pipeline

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"servamap.ai/internal/compositor"
	"servamap.ai/internal/maperr"
	"servamap.ai/internal/mapgrid"
	"servamap.ai/internal/persistence/tilestore"
	"servamap.ai/internal/shard"
)

type Outcome int

const (
	OutcomeNoOp Outcome = iota
	OutcomeApplied
)

func (o Outcome) String() string {
	if o == OutcomeApplied {
		return "applied"
	}
	return "noop"
}

type BatchResult struct {
	Applied int
	NoOp    int
	Invalid int
	Failed  int
}

// Ingestor applies shards to base tiles.
type Ingestor struct {
	comp    compositor.Compositor
	geo     mapgrid.Geometry
	tiles   TileStore
	index   ShardIndex
	locks   *TileLocks
	sched   *Scheduler
	admin   *sync.RWMutex
	journal Journal
	log     *log.Logger

	applied atomic.Uint64
	noop    atomic.Uint64
	invalid atomic.Uint64
	failed  atomic.Uint64
}

// IngestShard applies s if it is novel. Nothing is recorded in the shard
// index unless the tile write succeeded, so a failed shard can be retried.
func (in *Ingestor) IngestShard(ctx context.Context, s shard.Shard) (Outcome, error) {
	out, err := in.ingest(ctx, s)
	switch {
	case err == nil && out == OutcomeApplied:
		in.applied.Add(1)
	case err == nil:
		in.noop.Add(1)
	case isValidation(err):
		in.invalid.Add(1)
	default:
		in.failed.Add(1)
	}
	return out, err
}

func (in *Ingestor) ingest(ctx context.Context, s shard.Shard) (Outcome, error) {
	if err := s.Validate(in.geo.ChunkSide); err != nil {
		return OutcomeNoOp, err
	}
	key := in.geo.BaseTile(*s.Coord)

	in.admin.RLock()
	defer in.admin.RUnlock()
	// The novelty check runs under the tile lock so two shards for one
	// coordinate cannot both pass it and then land out of order.
	unlock := in.locks.Lock(key)
	defer unlock()

	ok, err := in.index.ShouldApply(ctx, s)
	if err != nil {
		return OutcomeNoOp, err
	}
	if !ok {
		return OutcomeNoOp, nil
	}

	img, err := loadOrBlank(ctx, in.tiles, in.comp, key)
	if err != nil {
		return OutcomeNoOp, err
	}
	if err := in.comp.OverlayShard(img, s); err != nil {
		return OutcomeNoOp, err
	}
	wrote, err := in.tiles.Put(ctx, tilestore.Tile{Key: key, Image: img})
	if err != nil {
		return OutcomeNoOp, err
	}
	if err := in.index.Record(ctx, s); err != nil {
		return OutcomeNoOp, err
	}
	if in.geo.MaxZoom > 0 {
		in.sched.Enqueue(key.Parent())
	}

	if in.journal != nil {
		ev := ShardEvent{
			At:          time.Now().UTC(),
			Pos:         *s.Coord,
			Hash:        s.Hash(),
			GeneratedAt: s.GeneratedAt.UnixMilli(),
			ProducerID:  s.ProducerID,
			Tile:        key,
			Wrote:       wrote,
		}
		if err := in.journal.WriteShard(ev); err != nil {
			in.log.Printf("journal shard pos=%s err=%v", s.Coord, err)
		}
	}
	return OutcomeApplied, nil
}

// IngestBatch applies shards in order. A failing shard is logged and the
// batch moves on to the next one.
func (in *Ingestor) IngestBatch(ctx context.Context, producerID string, shards []shard.Shard) BatchResult {
	var res BatchResult
	in.log.Printf("batch producer=%s shards=%d", producerID, len(shards))
	for _, s := range shards {
		out, err := in.IngestShard(ctx, s)
		if err != nil {
			if isValidation(err) {
				res.Invalid++
			} else {
				res.Failed++
			}
			in.log.Printf("ingest failed %s producer=%s err=%v", s, s.ProducerID, err)
			continue
		}
		if out == OutcomeApplied {
			res.Applied++
		} else {
			res.NoOp++
		}
	}
	return res
}

func isValidation(err error) bool {
	var ve *maperr.ValidationError
	return errors.As(err, &ve)
}
