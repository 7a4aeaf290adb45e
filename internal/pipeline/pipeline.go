// Package pipeline turns incoming shards into an up-to-date tile pyramid.
//
// The Ingestor composites each novel shard into its base tile and queues the
// parent; the Scheduler drains that queue on an interval, rebuilding each
// queued tile from its four children and queuing the next level up. Both
// share one TileLocks so a tile is never read and written at once.
package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"log"
	"sync"
	"time"

	"servamap.ai/internal/compositor"
	"servamap.ai/internal/mapgrid"
	"servamap.ai/internal/persistence/tilestore"
	"servamap.ai/internal/shard"
)

// TileStore is the tile persistence the pipeline needs.
type TileStore interface {
	Get(ctx context.Context, k mapgrid.TileKey) (tilestore.Tile, error)
	Put(ctx context.Context, t tilestore.Tile) (bool, error)
	Exists(ctx context.Context, k mapgrid.TileKey) (bool, error)
	Keys(ctx context.Context, zoom int) ([]mapgrid.TileKey, error)
	Counts(ctx context.Context) (map[int]int, error)
	DeleteAboveBase(ctx context.Context) error
	Clear(ctx context.Context) error
}

// ShardIndex is the novelty record the pipeline needs.
type ShardIndex interface {
	ShouldApply(ctx context.Context, s shard.Shard) (bool, error)
	Record(ctx context.Context, s shard.Shard) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Journal receives one event per applied shard and per resampled tile.
type Journal interface {
	WriteShard(ShardEvent) error
	WriteResample(ResampleEvent) error
}

type ShardEvent struct {
	At          time.Time        `json:"at"`
	Pos         mapgrid.ChunkPos `json:"pos"`
	Hash        uint32           `json:"hash"`
	GeneratedAt int64            `json:"generated_at_ms"`
	ProducerID  string           `json:"producer_id"`
	Tile        mapgrid.TileKey  `json:"tile"`
	Wrote       bool             `json:"wrote"`
}

type ResampleEvent struct {
	At         time.Time       `json:"at"`
	Tile       mapgrid.TileKey `json:"tile"`
	Children   int             `json:"children"`
	Wrote      bool            `json:"wrote"`
	DurationMs float64         `json:"duration_ms"`
}

type Options struct {
	Geometry mapgrid.Geometry
	Tiles    TileStore
	Index    ShardIndex
	// Journal and Logger are optional.
	Journal Journal
	Logger  *log.Logger
	// ResampleInterval is the drain cycle cadence used by Scheduler.Start.
	ResampleInterval time.Duration
}

// Pipeline wires an Ingestor and a Scheduler over shared stores and locks.
type Pipeline struct {
	geo   mapgrid.Geometry
	tiles TileStore
	index ShardIndex
	log   *log.Logger
	// admin is held shared by each shard ingest and exclusively by Clear.
	admin *sync.RWMutex

	Locks     *TileLocks
	Ingestor  *Ingestor
	Scheduler *Scheduler
}

func New(opts Options) *Pipeline {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	interval := opts.ResampleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	comp := compositor.New(opts.Geometry)
	locks := NewTileLocks()
	admin := &sync.RWMutex{}
	sched := &Scheduler{
		comp:     comp,
		geo:      opts.Geometry,
		tiles:    opts.Tiles,
		locks:    locks,
		queue:    NewResampleQueue(),
		journal:  opts.Journal,
		log:      logger,
		interval: interval,
	}
	ing := &Ingestor{
		comp:    comp,
		geo:     opts.Geometry,
		tiles:   opts.Tiles,
		index:   opts.Index,
		locks:   locks,
		sched:   sched,
		admin:   admin,
		journal: opts.Journal,
		log:     logger,
	}
	return &Pipeline{
		geo:       opts.Geometry,
		tiles:     opts.Tiles,
		index:     opts.Index,
		log:       logger,
		admin:     admin,
		Locks:     locks,
		Ingestor:  ing,
		Scheduler: sched,
	}
}

func (p *Pipeline) Geometry() mapgrid.Geometry { return p.geo }

// loadOrBlank fetches k, or a transparent canvas when it was never written.
func loadOrBlank(ctx context.Context, tiles TileStore, comp compositor.Compositor, k mapgrid.TileKey) (*image.NRGBA, error) {
	t, err := tiles.Get(ctx, k)
	if errors.Is(err, tilestore.ErrNotFound) {
		return comp.NewCanvas(), nil
	}
	if err != nil {
		return nil, err
	}
	return t.Image, nil
}
