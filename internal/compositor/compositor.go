// Package compositor holds the pixel algebra of the tile pyramid: shards are
// copied into base tiles and children are down-sampled into their parent.
// Nothing here touches storage.
package compositor

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"servamap.ai/internal/maperr"
	"servamap.ai/internal/mapgrid"
	"servamap.ai/internal/shard"
)

// Compositor applies shards and children to tiles of one geometry.
type Compositor struct {
	geo mapgrid.Geometry
}

func New(geo mapgrid.Geometry) Compositor {
	return Compositor{geo: geo}
}

func (c Compositor) Geometry() mapgrid.Geometry { return c.geo }

// NewCanvas returns a fully transparent tile-sized raster.
func (c Compositor) NewCanvas() *image.NRGBA {
	side := c.geo.TileSide()
	return image.NewNRGBA(image.Rect(0, 0, side, side))
}

// OverlayShard overwrites the shard's block of the tile.
func (c Compositor) OverlayShard(tile *image.NRGBA, s shard.Shard) error {
	if err := c.checkCanvas(tile, "tile"); err != nil {
		return err
	}
	if s.Coord == nil || len(s.Pixels) != c.geo.ShardPixels() {
		return &maperr.GeometryError{Reason: fmt.Sprintf("%s does not fit a %d px chunk", s, c.geo.ChunkSide)}
	}
	origin := c.geo.ShardOrigin(*s.Coord)
	side := c.geo.ChunkSide
	for row := 0; row < side; row++ {
		off := tile.PixOffset(origin.X, origin.Y+row)
		for col := 0; col < side; col++ {
			putARGB(tile.Pix[off+4*col:off+4*col+4], s.Pixels[row*side+col])
		}
	}
	return nil
}

// OverlayChild down-samples child to half the parent side and overwrites the
// parent quadrant that child occupies.
func (c Compositor) OverlayChild(parent, child *image.NRGBA, childKey, parentKey mapgrid.TileKey) error {
	if err := c.checkCanvas(parent, "parent"); err != nil {
		return err
	}
	if err := c.checkCanvas(child, "child"); err != nil {
		return err
	}
	qx := childKey.X - 2*parentKey.X
	qy := childKey.Y - 2*parentKey.Y
	if childKey.Zoom+1 != parentKey.Zoom || qx < 0 || qx > 1 || qy < 0 || qy > 1 {
		return &maperr.GeometryError{Reason: fmt.Sprintf("%v is not a child of %v", childKey, parentKey)}
	}
	half := c.geo.TileSide() / 2
	dst := image.Rect(qx*half, qy*half, (qx+1)*half, (qy+1)*half).Add(parent.Rect.Min)
	draw.BiLinear.Scale(parent, dst, child, child.Bounds(), draw.Src, nil)
	return nil
}

func (c Compositor) checkCanvas(img *image.NRGBA, what string) error {
	if img == nil {
		return &maperr.GeometryError{Reason: what + " has no canvas"}
	}
	side := c.geo.TileSide()
	if img.Rect.Dx() != side || img.Rect.Dy() != side {
		return &maperr.GeometryError{Reason: fmt.Sprintf("%s canvas is %dx%d, want %dx%d", what, img.Rect.Dx(), img.Rect.Dy(), side, side)}
	}
	return nil
}

// DrawsNothing reports whether every pixel is fully transparent.
func DrawsNothing(img *image.NRGBA) bool {
	if img == nil {
		return true
	}
	b := img.Rect
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		for x := 0; x < b.Dx(); x++ {
			if img.Pix[off+4*x+3] != 0 {
				return false
			}
		}
	}
	return true
}

// ToNRGBA returns img as an *image.NRGBA anchored at the origin, converting
// when needed. Decoded PNGs of opaque tiles come back as *image.RGBA.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Rect, img, b.Min, draw.Src)
	return out
}

// ARGB packs a color the way shard buffers carry it.
func ARGB(c color.NRGBA) uint32 {
	return uint32(c.A)<<24 | uint32(c.R)<<16 | uint32(c.G)<<8 | uint32(c.B)
}

// FromARGB unpacks a shard pixel.
func FromARGB(p uint32) color.NRGBA {
	return color.NRGBA{R: uint8(p >> 16), G: uint8(p >> 8), B: uint8(p), A: uint8(p >> 24)}
}

func putARGB(dst []uint8, p uint32) {
	dst[0] = uint8(p >> 16)
	dst[1] = uint8(p >> 8)
	dst[2] = uint8(p)
	dst[3] = uint8(p >> 24)
}
