package protocol

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"servamap.ai/internal/maperr"
	"servamap.ai/internal/shard"
)

const side = 4

func sample() []shard.Shard {
	mk := func(x, y int32, seed uint32, at int64, producer string) shard.Shard {
		px := make([]uint32, side*side)
		for i := range px {
			px[i] = seed*2654435761 + uint32(i)
		}
		return shard.New(x, y, px, time.UnixMilli(at), producer)
	}
	return []shard.Shard{
		mk(0, 0, 1, 1_700_000_000_000, "alice"),
		mk(-5, 2147483647, 2, -1, ""),
		mk(-2147483648, -1, 3, 0, "ünïcødé"),
	}
}

func equal(t *testing.T, got, want []shard.Shard) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len=%d want=%d", len(got), len(want))
	}
	for i := range want {
		g, w := got[i], want[i]
		if *g.Coord != *w.Coord || !g.GeneratedAt.Equal(w.GeneratedAt) || g.ProducerID != w.ProducerID {
			t.Fatalf("record %d=%v@%v/%q want=%v@%v/%q", i, g.Coord, g.GeneratedAt, g.ProducerID, w.Coord, w.GeneratedAt, w.ProducerID)
		}
		for j := range w.Pixels {
			if g.Pixels[j] != w.Pixels[j] {
				t.Fatalf("record %d pixel %d=%08x want=%08x", i, j, g.Pixels[j], w.Pixels[j])
			}
		}
	}
}

func TestBatch_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeBatch(&buf, side, sample()); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	// magic + count + 3 * (8 + 64 + 8 + 2) + producer bytes
	wantLen := 8 + 3*(8+4*side*side+8+2) + len("alice") + len("ünïcødé")
	if buf.Len() != wantLen {
		t.Fatalf("encoded len=%d want=%d", buf.Len(), wantLen)
	}
	got, err := DecodeBatch(&buf, side)
	if err != nil {
		t.Fatalf("DecodeBatch: %v", err)
	}
	equal(t, got, sample())
}

func TestBatch_LayoutIsBigEndian(t *testing.T) {
	px := make([]uint32, side*side)
	px[0] = 0xAABBCCDD
	var buf bytes.Buffer
	if err := EncodeBatch(&buf, side, []shard.Shard{shard.New(1, -1, px, time.UnixMilli(2), "p")}); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	b := buf.Bytes()
	want := []byte{'S', 'M', 'B', '1', 0, 0, 0, 1, 0, 0, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF, 0xAA, 0xBB, 0xCC, 0xDD}
	if !bytes.Equal(b[:len(want)], want) {
		t.Fatalf("prefix=% x want=% x", b[:len(want)], want)
	}
	tail := b[len(b)-11:]
	if !bytes.Equal(tail, []byte{0, 0, 0, 0, 0, 0, 0, 2, 0, 1, 'p'}) {
		t.Fatalf("tail=% x", tail)
	}
}

func TestBatch_Empty(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeBatch(&buf, side, nil); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	got, err := DecodeBatch(&buf, side)
	if err != nil || len(got) != 0 {
		t.Fatalf("got=%v err=%v", got, err)
	}
}

func TestBatch_EncodeRejectsBadShard(t *testing.T) {
	bad := shard.New(0, 0, make([]uint32, 3), time.Time{}, "")
	err := EncodeBatch(io.Discard, side, []shard.Shard{bad})
	var ve *maperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err=%v want ValidationError", err)
	}
}

func TestBatch_DecodeErrors(t *testing.T) {
	var good bytes.Buffer
	if err := EncodeBatch(&good, side, sample()); err != nil {
		t.Fatalf("EncodeBatch: %v", err)
	}
	if _, err := DecodeBatch(bytes.NewReader([]byte("NOPE\x00\x00\x00\x00")), side); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("bad magic err=%v", err)
	}
	truncated := good.Bytes()[:good.Len()-3]
	if _, err := DecodeBatch(bytes.NewReader(truncated), side); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("truncated err=%v", err)
	}
	huge := []byte{'S', 'M', 'B', '1', 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := DecodeBatch(bytes.NewReader(huge), side); err == nil {
		t.Fatalf("oversized count accepted")
	}
	// Decoding with the wrong chunk side misreads record boundaries.
	if _, err := DecodeBatch(bytes.NewReader(good.Bytes()), side+1); err == nil {
		t.Fatalf("wrong chunk side decoded cleanly")
	}
}

func TestBatchFile_RoundTrip(t *testing.T) {
	p := filepath.Join(t.TempDir(), "inbox", "b1"+BatchFileExt)
	if err := WriteBatchFile(p, side, sample()); err != nil {
		t.Fatalf("WriteBatchFile: %v", err)
	}
	got, err := ReadBatchFile(p, side)
	if err != nil {
		t.Fatalf("ReadBatchFile: %v", err)
	}
	equal(t, got, sample())
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(p), ".batch-*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left: %v", matches)
	}
}
