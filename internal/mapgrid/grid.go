package mapgrid

import (
	"fmt"
	"image"
	"strconv"
	"strings"
)

// ChunkPos is a shard coordinate in base-grid (chunk) units.
type ChunkPos struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

func (p ChunkPos) String() string { return fmt.Sprintf("%d,%d", p.X, p.Y) }

// TileKey addresses one tile of the pyramid. Zoom 0 is the base level.
type TileKey struct {
	Zoom int `json:"zoom"`
	X    int `json:"x"`
	Y    int `json:"y"`
}

func (k TileKey) String() string { return fmt.Sprintf("%d/%d/%d", k.Zoom, k.X, k.Y) }

// FileName is the on-disk (and served) name of the tile raster.
func (k TileKey) FileName() string {
	return fmt.Sprintf("%d_%d_%d.png", k.Zoom, k.X, k.Y)
}

// Parent is the tile one level up that covers k.
func (k TileKey) Parent() TileKey {
	return TileKey{Zoom: k.Zoom + 1, X: FloorDiv(k.X, 2), Y: FloorDiv(k.Y, 2)}
}

// Children lists the four tiles one level down, in NW, NE, SW, SE order.
// Callers must not ask for the children of a base tile.
func (k TileKey) Children() [4]TileKey {
	z := k.Zoom - 1
	x, y := 2*k.X, 2*k.Y
	return [4]TileKey{
		{Zoom: z, X: x, Y: y},
		{Zoom: z, X: x + 1, Y: y},
		{Zoom: z, X: x, Y: y + 1},
		{Zoom: z, X: x + 1, Y: y + 1},
	}
}

// Quadrant reports which quarter of its parent k occupies, each axis 0 or 1.
func (k TileKey) Quadrant() (qx, qy int) {
	return Mod(k.X, 2), Mod(k.Y, 2)
}

// ParseFileName is the inverse of FileName.
func ParseFileName(name string) (TileKey, bool) {
	base, ok := strings.CutSuffix(name, ".png")
	if !ok {
		return TileKey{}, false
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 {
		return TileKey{}, false
	}
	var v [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return TileKey{}, false
		}
		v[i] = n
	}
	if v[0] < 0 {
		return TileKey{}, false
	}
	return TileKey{Zoom: v[0], X: v[1], Y: v[2]}, true
}

// FloorDiv rounds toward negative infinity; b must be positive.
func FloorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

// Mod is the non-negative remainder; b must be positive.
func Mod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Geometry carries the pipeline's fixed raster dimensions.
type Geometry struct {
	// ChunkSide is the side of one shard in pixels.
	ChunkSide int
	// ResampleFactor is the number of shards along one base tile edge.
	ResampleFactor int
	// MaxZoom is the coarsest (root) level.
	MaxZoom int
}

func (g Geometry) TileSide() int { return g.ChunkSide * g.ResampleFactor }

func (g Geometry) ShardPixels() int { return g.ChunkSide * g.ChunkSide }

// BaseTile is the level-0 tile that contains the shard at p.
func (g Geometry) BaseTile(p ChunkPos) TileKey {
	return TileKey{
		Zoom: 0,
		X:    FloorDiv(int(p.X), g.ResampleFactor),
		Y:    FloorDiv(int(p.Y), g.ResampleFactor),
	}
}

// ShardOrigin is the top-left pixel of shard p inside its base tile.
func (g Geometry) ShardOrigin(p ChunkPos) image.Point {
	return image.Pt(
		Mod(int(p.X), g.ResampleFactor)*g.ChunkSide,
		Mod(int(p.Y), g.ResampleFactor)*g.ChunkSide,
	)
}

// Ancestors lists k's parent chain up to and including MaxZoom.
func (g Geometry) Ancestors(k TileKey) []TileKey {
	var out []TileKey
	for k.Zoom < g.MaxZoom {
		k = k.Parent()
		out = append(out, k)
	}
	return out
}
