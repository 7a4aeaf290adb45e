package mapgrid

import (
	"image"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFloorDivMod(t *testing.T) {
	cases := []struct {
		a, b, div, mod int
	}{
		{0, 4, 0, 0},
		{5, 4, 1, 1},
		{9, 4, 2, 1},
		{-1, 4, -1, 3},
		{-4, 4, -1, 0},
		{-5, 4, -2, 3},
		{-1, 2, -1, 1},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.div {
			t.Fatalf("FloorDiv(%d,%d)=%d want=%d", c.a, c.b, got, c.div)
		}
		if got := Mod(c.a, c.b); got != c.mod {
			t.Fatalf("Mod(%d,%d)=%d want=%d", c.a, c.b, got, c.mod)
		}
	}
}

func TestGeometry_BaseTileAndOrigin(t *testing.T) {
	g := Geometry{ChunkSide: 32, ResampleFactor: 4, MaxZoom: 3}
	p := ChunkPos{X: 5, Y: 9}
	if got := g.BaseTile(p); got != (TileKey{Zoom: 0, X: 1, Y: 2}) {
		t.Fatalf("BaseTile=%v want=0/1/2", got)
	}
	if got := g.ShardOrigin(p); got != image.Pt(32, 32) {
		t.Fatalf("ShardOrigin=%v want=(32,32)", got)
	}

	neg := ChunkPos{X: -1, Y: -6}
	if got := g.BaseTile(neg); got != (TileKey{Zoom: 0, X: -1, Y: -2}) {
		t.Fatalf("BaseTile(neg)=%v want=0/-1/-2", got)
	}
	if got := g.ShardOrigin(neg); got != image.Pt(96, 64) {
		t.Fatalf("ShardOrigin(neg)=%v want=(96,64)", got)
	}
	if g.TileSide() != 128 {
		t.Fatalf("TileSide=%d want=128", g.TileSide())
	}
}

func TestTileKey_ParentChildren(t *testing.T) {
	k := TileKey{Zoom: 2, X: -3, Y: 4}
	for i, c := range k.Children() {
		if c.Zoom != 1 {
			t.Fatalf("child %d zoom=%d", i, c.Zoom)
		}
		if c.Parent() != k {
			t.Fatalf("child %v parent=%v want=%v", c, c.Parent(), k)
		}
	}
	qx, qy := TileKey{Zoom: 0, X: -3, Y: 5}.Quadrant()
	if qx != 1 || qy != 1 {
		t.Fatalf("quadrant=(%d,%d) want=(1,1)", qx, qy)
	}
	if p := (TileKey{Zoom: 0, X: -1, Y: -1}).Parent(); p != (TileKey{Zoom: 1, X: -1, Y: -1}) {
		t.Fatalf("parent of -1,-1 = %v", p)
	}
}

func TestGeometry_Ancestors(t *testing.T) {
	g := Geometry{ChunkSide: 8, ResampleFactor: 4, MaxZoom: 3}
	got := g.Ancestors(TileKey{Zoom: 0, X: 5, Y: -2})
	want := []TileKey{{1, 2, -1}, {2, 1, -1}, {3, 0, -1}}
	if len(got) != len(want) {
		t.Fatalf("ancestors=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ancestors=%v want=%v", got, want)
		}
	}
	if a := g.Ancestors(TileKey{Zoom: 3}); len(a) != 0 {
		t.Fatalf("root ancestors=%v", a)
	}
}

func TestParseFileName(t *testing.T) {
	k := TileKey{Zoom: 3, X: -12, Y: 7}
	got, ok := ParseFileName(k.FileName())
	if !ok || got != k {
		t.Fatalf("ParseFileName(%q)=%v,%v", k.FileName(), got, ok)
	}
	for _, bad := range []string{"3_1.png", "a_1_2.png", "1_2_3.jpg", "-1_0_0.png", "1_2_3.png.tmp"} {
		if _, ok := ParseFileName(bad); ok {
			t.Fatalf("ParseFileName(%q) accepted", bad)
		}
	}
}

func TestProperty_PyramidArithmetic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a tile is the parent of each of its children", prop.ForAll(
		func(zoom, x, y int) bool {
			k := TileKey{Zoom: zoom, X: x, Y: y}
			for _, c := range k.Children() {
				if c.Parent() != k {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(-1<<20, 1<<20),
		gen.IntRange(-1<<20, 1<<20),
	))

	properties.Property("quadrant matches child minus twice parent", prop.ForAll(
		func(x, y int) bool {
			k := TileKey{Zoom: 0, X: x, Y: y}
			p := k.Parent()
			qx, qy := k.Quadrant()
			return qx == x-2*p.X && qy == y-2*p.Y && qx >= 0 && qx <= 1 && qy >= 0 && qy <= 1
		},
		gen.IntRange(-1<<20, 1<<20),
		gen.IntRange(-1<<20, 1<<20),
	))

	properties.Property("shard origin stays inside its base tile", prop.ForAll(
		func(x, y int32) bool {
			g := Geometry{ChunkSide: 16, ResampleFactor: 4}
			o := g.ShardOrigin(ChunkPos{X: x, Y: y})
			side := g.TileSide()
			return o.X >= 0 && o.Y >= 0 && o.X+g.ChunkSide <= side && o.Y+g.ChunkSide <= side
		},
		gen.Int32Range(-1<<24, 1<<24),
		gen.Int32Range(-1<<24, 1<<24),
	))

	properties.TestingRun(t)
}
