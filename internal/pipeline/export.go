package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"servamap.ai/internal/maperr"
	"servamap.ai/internal/mapgrid"
)

// DefaultExportName is the file ExportWholeMap writes when given a directory.
const DefaultExportName = "fullmap.png"

// maxExportPixels caps the stitched image so a stray far-away shard cannot
// ask for gigabytes of canvas.
const maxExportPixels = 1 << 28

var ErrNothingToExport = errors.New("pipeline: no base tiles to export")

type ExportResult struct {
	Path  string
	Tiles int
	// Min is the base tile drawn at pixel (0,0).
	Min    mapgrid.TileKey
	Width  int
	Height int
}

// ExportWholeMap stitches every base tile into one PNG. The tile with the
// smallest coordinates lands at the image origin. If out is a directory the
// image is written as DefaultExportName inside it.
func (p *Pipeline) ExportWholeMap(ctx context.Context, out string) (ExportResult, error) {
	if fi, err := os.Stat(out); err == nil && fi.IsDir() {
		out = filepath.Join(out, DefaultExportName)
	}
	keys, err := p.tiles.Keys(ctx, 0)
	if err != nil {
		return ExportResult{}, err
	}
	if len(keys) == 0 {
		return ExportResult{}, ErrNothingToExport
	}

	minX, minY := keys[0].X, keys[0].Y
	maxX, maxY := minX, minY
	for _, k := range keys[1:] {
		minX, maxX = min(minX, k.X), max(maxX, k.X)
		minY, maxY = min(minY, k.Y), max(maxY, k.Y)
	}
	side := p.geo.TileSide()
	w := (maxX - minX + 1) * side
	h := (maxY - minY + 1) * side
	if w*h > maxExportPixels {
		return ExportResult{}, &maperr.RangeError{Reason: fmt.Sprintf("export of %dx%d pixels is too large", w, h)}
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	drawn := 0
	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return ExportResult{}, err
		}
		t, err := p.readTile(ctx, k)
		if err != nil {
			p.log.Printf("export skip tile=%s err=%v", k, err)
			continue
		}
		at := image.Pt((k.X-minX)*side, (k.Y-minY)*side)
		draw.Draw(canvas, image.Rectangle{Min: at, Max: at.Add(image.Pt(side, side))}, t, image.Point{}, draw.Src)
		drawn++
	}

	if err := writePNG(out, canvas); err != nil {
		return ExportResult{}, maperr.Storage("export", out, err)
	}
	p.log.Printf("export path=%s tiles=%d size=%dx%d", out, drawn, w, h)
	return ExportResult{
		Path:   out,
		Tiles:  drawn,
		Min:    mapgrid.TileKey{X: minX, Y: minY},
		Width:  w,
		Height: h,
	}, nil
}

func (p *Pipeline) readTile(ctx context.Context, k mapgrid.TileKey) (*image.NRGBA, error) {
	unlock := p.Locks.Lock(k)
	defer unlock()
	t, err := p.tiles.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	return t.Image, nil
}

func writePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
