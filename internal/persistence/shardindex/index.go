package shardindex

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"servamap.ai/internal/maperr"
	"servamap.ai/internal/mapgrid"
	"servamap.ai/internal/shard"
)

// Entry is the last shard applied at one chunk coordinate.
type Entry struct {
	Pos         mapgrid.ChunkPos
	Hash        uint32
	GeneratedAt time.Time
	ProducerID  string
}

// Index records applied shards in the chunks table.
type Index struct {
	db *sql.DB
}

func New(db *sql.DB) *Index {
	return &Index{db: db}
}

// Novel decides whether an incoming shard should be applied over stored.
// An older shard never replaces a newer one; at equal generation time only
// a different content hash counts as new.
func Novel(stored *Entry, hash uint32, generatedAt time.Time) bool {
	if stored == nil {
		return true
	}
	in, have := generatedAt.UnixMilli(), stored.GeneratedAt.UnixMilli()
	switch {
	case in > have:
		return true
	case in < have:
		return false
	default:
		return hash != stored.Hash
	}
}

// ShouldApply reports whether s changes anything recorded so far.
func (ix *Index) ShouldApply(ctx context.Context, s shard.Shard) (bool, error) {
	if s.Coord == nil {
		return false, &maperr.ValidationError{Reason: "missing coordinate"}
	}
	e, ok, err := ix.Get(ctx, *s.Coord)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return Novel(&e, s.Hash(), s.GeneratedAt), nil
}

// Record upserts the entry for the shard's coordinate.
func (ix *Index) Record(ctx context.Context, s shard.Shard) error {
	if s.Coord == nil {
		return &maperr.ValidationError{Reason: "missing coordinate"}
	}
	_, err := ix.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks(x,y,generation_time,image_hash,generating_player_id) VALUES(?,?,?,?,?)`,
		s.Coord.X, s.Coord.Y, s.GeneratedAt.UnixMilli(), int64(s.Hash()), s.ProducerID,
	)
	return maperr.Storage("record shard", s.Coord.String(), err)
}

// Get returns the stored entry at p, if any.
func (ix *Index) Get(ctx context.Context, p mapgrid.ChunkPos) (Entry, bool, error) {
	var (
		genMs    int64
		hash     int64
		producer string
	)
	err := ix.db.QueryRowContext(ctx,
		`SELECT generation_time, image_hash, generating_player_id FROM chunks WHERE x=? AND y=?`,
		p.X, p.Y,
	).Scan(&genMs, &hash, &producer)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, maperr.Storage("lookup shard", p.String(), err)
	}
	return Entry{
		Pos:         p,
		Hash:        uint32(hash),
		GeneratedAt: time.UnixMilli(genMs),
		ProducerID:  producer,
	}, true, nil
}

func (ix *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := ix.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, maperr.Storage("count shards", "", err)
	}
	return n, nil
}

// Clear forgets every applied shard.
func (ix *Index) Clear(ctx context.Context) error {
	_, err := ix.db.ExecContext(ctx, `DELETE FROM chunks`)
	return maperr.Storage("clear shards", "", err)
}
