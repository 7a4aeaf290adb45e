// Package protocol is the wire format producers use to hand shards to the
// map server.
//
// A batch is the 4-byte magic "SMB1", a big-endian uint32 record count, then
// that many records:
//
//	x         int32
//	y         int32
//	pixels    int32[chunkSide*chunkSide]  packed ARGB, row-major
//	generated int64                       epoch milliseconds
//	producer  uint16 length + UTF-8 bytes
//
// Batch files carry the same stream inside one zstd frame.
package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zstd"

	"servamap.ai/internal/shard"
)

const (
	Magic = "SMB1"
	// BatchFileExt is the suffix of zstd batch files in an inbox.
	BatchFileExt = ".shards.zst"

	maxProducerLen = 1<<16 - 1
	// MaxBatchRecords bounds a decoded batch so a corrupt count cannot run away.
	MaxBatchRecords = 1 << 20
)

var ErrBadMagic = errors.New("protocol: not a shard batch")

// EncodeBatch writes shards as one batch. Every shard must carry
// chunkSide*chunkSide pixels.
func EncodeBatch(w io.Writer, chunkSide int, shards []shard.Shard) error {
	if len(shards) > MaxBatchRecords {
		return fmt.Errorf("protocol: batch of %d records exceeds %d", len(shards), MaxBatchRecords)
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(Magic); err != nil {
		return err
	}
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(len(shards)))
	if _, err := bw.Write(buf[:4]); err != nil {
		return err
	}
	for i, s := range shards {
		if err := s.Validate(chunkSide); err != nil {
			return fmt.Errorf("protocol: record %d: %w", i, err)
		}
		if len(s.ProducerID) > maxProducerLen {
			return fmt.Errorf("protocol: record %d: producer id too long", i)
		}
		binary.BigEndian.PutUint32(buf[:4], uint32(s.Coord.X))
		binary.BigEndian.PutUint32(buf[4:8], uint32(s.Coord.Y))
		if _, err := bw.Write(buf[:8]); err != nil {
			return err
		}
		for _, p := range s.Pixels {
			binary.BigEndian.PutUint32(buf[:4], p)
			if _, err := bw.Write(buf[:4]); err != nil {
				return err
			}
		}
		binary.BigEndian.PutUint64(buf[:8], uint64(s.GeneratedAt.UnixMilli()))
		if _, err := bw.Write(buf[:8]); err != nil {
			return err
		}
		binary.BigEndian.PutUint16(buf[:2], uint16(len(s.ProducerID)))
		if _, err := bw.Write(buf[:2]); err != nil {
			return err
		}
		if _, err := bw.WriteString(s.ProducerID); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DecodeBatch reads one batch whose records carry chunkSide*chunkSide pixels.
func DecodeBatch(r io.Reader, chunkSide int) ([]shard.Shard, error) {
	if chunkSide < 1 {
		return nil, fmt.Errorf("protocol: chunk side %d", chunkSide)
	}
	br := bufio.NewReader(r)
	var head [8]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return nil, fmt.Errorf("protocol: header: %w", err)
	}
	if string(head[:4]) != Magic {
		return nil, ErrBadMagic
	}
	n := binary.BigEndian.Uint32(head[4:])
	if n > MaxBatchRecords {
		return nil, fmt.Errorf("protocol: record count %d exceeds %d", n, MaxBatchRecords)
	}

	npx := chunkSide * chunkSide
	out := make([]shard.Shard, 0, min(int(n), 1024))
	raw := make([]byte, 4*npx)
	var buf [8]byte
	for i := 0; i < int(n); i++ {
		if _, err := io.ReadFull(br, buf[:8]); err != nil {
			return nil, recordErr(i, err)
		}
		x := int32(binary.BigEndian.Uint32(buf[:4]))
		y := int32(binary.BigEndian.Uint32(buf[4:8]))
		if _, err := io.ReadFull(br, raw); err != nil {
			return nil, recordErr(i, err)
		}
		px := make([]uint32, npx)
		for j := range px {
			px[j] = binary.BigEndian.Uint32(raw[4*j:])
		}
		if _, err := io.ReadFull(br, buf[:8]); err != nil {
			return nil, recordErr(i, err)
		}
		at := int64(binary.BigEndian.Uint64(buf[:8]))
		if _, err := io.ReadFull(br, buf[:2]); err != nil {
			return nil, recordErr(i, err)
		}
		name := make([]byte, binary.BigEndian.Uint16(buf[:2]))
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, recordErr(i, err)
		}
		if !utf8.Valid(name) {
			return nil, fmt.Errorf("protocol: record %d: producer id is not UTF-8", i)
		}
		out = append(out, shard.New(x, y, px, time.UnixMilli(at), string(name)))
	}
	return out, nil
}

func recordErr(i int, err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("protocol: record %d: %w", i, err)
}

// WriteBatchFile writes shards as a zstd batch file, replacing path
// atomically so a polling reader never sees a partial file.
func WriteBatchFile(path string, chunkSide int, shards []shard.Shard) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".batch-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if err := EncodeBatch(enc, chunkSide, shards); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ReadBatchFile(path string, chunkSide int) ([]shard.Shard, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return DecodeBatch(dec, chunkSide)
}
