package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"servamap.ai/internal/mapgrid"
	"servamap.ai/internal/pipeline"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()
	var out []map[string]any
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestJSONLZstdWriter_RotatesAndReportsClosedSegments(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "ev")
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	var closed []string
	w.OnRotate(func(p string) { closed = append(closed, p) })

	_ = w.Write(map[string]int{"n": 1})
	_ = w.Write(map[string]int{"n": 2})
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(map[string]int{"n": 3}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	first := filepath.Join(dir, "ev-2026-03-01-10.jsonl.zst")
	if len(closed) != 1 || closed[0] != first {
		t.Fatalf("closed=%v want=[%s]", closed, first)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := readLines(t, first); len(got) != 2 || got[1]["n"] != float64(2) {
		t.Fatalf("first segment=%v", got)
	}
	second := filepath.Join(dir, "ev-2026-03-01-11.jsonl.zst")
	if got := readLines(t, second); len(got) != 1 {
		t.Fatalf("second segment=%v", got)
	}
	if len(closed) != 2 || closed[1] != second {
		t.Fatalf("closed=%v", closed)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "ev")
		w.now = clock
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("Write: %v", err)
		}
		_ = w.Close()
	}
	if got := readLines(t, filepath.Join(dir, "ev-2026-03-01-10.jsonl.zst")); len(got) != 2 {
		t.Fatalf("lines=%v want 2 across two frames", got)
	}
}

func TestJournal_WritesBothStreams(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir, "2006")
	ev := pipeline.ShardEvent{
		At:          time.Now().UTC(),
		Pos:         mapgrid.ChunkPos{X: -3, Y: 7},
		Hash:        0xdeadbeef,
		GeneratedAt: 1234,
		ProducerID:  "p1",
		Tile:        mapgrid.TileKey{Zoom: 0, X: -1, Y: 1},
		Wrote:       true,
	}
	if err := j.WriteShard(ev); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	if err := j.WriteResample(pipeline.ResampleEvent{At: time.Now().UTC(), Tile: mapgrid.TileKey{Zoom: 1}, Children: 3}); err != nil {
		t.Fatalf("WriteResample: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	year := time.Now().UTC().Format("2006")
	shards := readLines(t, filepath.Join(dir, "shards", "shards-"+year+".jsonl.zst"))
	if len(shards) != 1 || shards[0]["producer_id"] != "p1" || shards[0]["hash"] != float64(0xdeadbeef) {
		t.Fatalf("shards=%v", shards)
	}
	res := readLines(t, filepath.Join(dir, "resample", "resample-"+year+".jsonl.zst"))
	if len(res) != 1 || res[0]["children"] != float64(3) {
		t.Fatalf("resample=%v", res)
	}
}
