package shardindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"servamap.ai/internal/mapgrid"
	"servamap.ai/internal/persistence/mapdb"
	"servamap.ai/internal/shard"
)

func openIndex(t *testing.T) *Index {
	t.Helper()
	db, err := mapdb.Open(filepath.Join(t.TempDir(), "map.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestNovel(t *testing.T) {
	t0 := time.UnixMilli(1000)
	stored := &Entry{Hash: 7, GeneratedAt: t0}
	cases := []struct {
		name string
		hash uint32
		at   time.Time
		want bool
	}{
		{"same content same time", 7, t0, false},
		{"same content older", 7, t0.Add(-time.Second), false},
		{"same content newer", 7, t0.Add(time.Second), true},
		{"changed content same time", 8, t0, true},
		{"changed content newer", 8, t0.Add(time.Millisecond), true},
		{"changed content older", 8, t0.Add(-time.Millisecond), false},
	}
	for _, c := range cases {
		if got := Novel(stored, c.hash, c.at); got != c.want {
			t.Fatalf("%s: Novel=%v want=%v", c.name, got, c.want)
		}
	}
	if !Novel(nil, 0, t0) {
		t.Fatalf("first shard not novel")
	}
}

func TestIndex_RecordAndShouldApply(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t)
	at := time.UnixMilli(1_700_000_000_123)
	s := shard.New(-3, 4, []uint32{1, 2, 3, 4}, at, "player-1")

	ok, err := ix.ShouldApply(ctx, s)
	if err != nil || !ok {
		t.Fatalf("ShouldApply(new)=%v err=%v", ok, err)
	}
	if err := ix.Record(ctx, s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	ok, err = ix.ShouldApply(ctx, s)
	if err != nil || ok {
		t.Fatalf("ShouldApply(replay)=%v err=%v", ok, err)
	}

	e, found, err := ix.Get(ctx, mapgrid.ChunkPos{X: -3, Y: 4})
	if err != nil || !found {
		t.Fatalf("Get found=%v err=%v", found, err)
	}
	if e.Hash != s.Hash() || !e.GeneratedAt.Equal(at) || e.ProducerID != "player-1" {
		t.Fatalf("entry=%+v", e)
	}

	// Upsert keeps one row per coordinate.
	newer := shard.New(-3, 4, []uint32{9, 9, 9, 9}, at.Add(time.Minute), "player-2")
	if err := ix.Record(ctx, newer); err != nil {
		t.Fatalf("Record newer: %v", err)
	}
	if n, _ := ix.Count(ctx); n != 1 {
		t.Fatalf("Count=%d want=1", n)
	}

	if err := ix.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, found, _ := ix.Get(ctx, mapgrid.ChunkPos{X: -3, Y: 4}); found {
		t.Fatalf("entry survived Clear")
	}
}

func TestIndex_HashStoredAsUnsigned(t *testing.T) {
	ctx := context.Background()
	ix := openIndex(t)
	s := shard.New(0, 0, []uint32{0xFFFFFFFF}, time.UnixMilli(5), "")
	if err := ix.Record(ctx, s); err != nil {
		t.Fatalf("Record: %v", err)
	}
	e, _, err := ix.Get(ctx, mapgrid.ChunkPos{})
	if err != nil || e.Hash != 0xFFFFFFFF {
		t.Fatalf("hash=%08x err=%v", e.Hash, err)
	}
}

func TestProperty_NoveltyRule(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("replaying the stored shard is never novel", prop.ForAll(
		func(hash uint32, ms int64) bool {
			at := time.UnixMilli(ms)
			return !Novel(&Entry{Hash: hash, GeneratedAt: at}, hash, at)
		},
		gen.UInt32(),
		gen.Int64Range(0, 1<<42),
	))

	properties.Property("an older shard never replaces a newer one", prop.ForAll(
		func(h1, h2 uint32, ms int64, back int64) bool {
			stored := &Entry{Hash: h2, GeneratedAt: time.UnixMilli(ms)}
			return !Novel(stored, h1, time.UnixMilli(ms-back))
		},
		gen.UInt32(),
		gen.UInt32(),
		gen.Int64Range(1<<20, 1<<42),
		gen.Int64Range(1, 1<<20),
	))

	properties.TestingRun(t)
}
