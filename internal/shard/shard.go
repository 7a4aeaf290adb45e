package shard

import (
	"fmt"
	"time"

	"servamap.ai/internal/maperr"
	"servamap.ai/internal/mapgrid"
)

// Shard is one raster snapshot of a single chunk of world surface.
// Pixels are packed ARGB, row-major, ChunkSide*ChunkSide long.
type Shard struct {
	Coord       *mapgrid.ChunkPos
	Pixels      []uint32
	GeneratedAt time.Time
	ProducerID  string
}

// New builds a shard with its coordinate set.
func New(x, y int32, pixels []uint32, generatedAt time.Time, producerID string) Shard {
	return Shard{
		Coord:       &mapgrid.ChunkPos{X: x, Y: y},
		Pixels:      pixels,
		GeneratedAt: generatedAt,
		ProducerID:  producerID,
	}
}

// Validate checks the shard against the configured chunk side.
func (s Shard) Validate(chunkSide int) error {
	if s.Pixels == nil {
		return &maperr.ValidationError{Reason: "missing pixels"}
	}
	if s.Coord == nil {
		return &maperr.ValidationError{Reason: "missing coordinate"}
	}
	if want := chunkSide * chunkSide; len(s.Pixels) != want {
		return &maperr.ValidationError{Reason: fmt.Sprintf("pixel count %d, want %d", len(s.Pixels), want)}
	}
	return nil
}

// Hash is the shard's content hash.
func (s Shard) Hash() uint32 { return ContentHash(s.Pixels) }

func (s Shard) String() string {
	if s.Coord == nil {
		return "shard(?)"
	}
	return "shard(" + s.Coord.String() + ")"
}

// ContentHash XOR-folds the big-endian 4-byte groups of the packed buffer,
// which for packed ARGB words is the XOR of the words themselves.
// It is a change detector, not a cryptographic digest.
func ContentHash(pixels []uint32) uint32 {
	var h uint32
	for _, p := range pixels {
		h ^= p
	}
	return h
}
