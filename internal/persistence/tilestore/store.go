// Package tilestore persists pyramid tiles as PNG files plus one row each in
// the tiles table. A row is only ever written after its file, so a crash can
// orphan a file but never leave a row pointing at nothing.
package tilestore

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"servamap.ai/internal/compositor"
	"servamap.ai/internal/maperr"
	"servamap.ai/internal/mapgrid"
)

// ErrNotFound means the tile has no index row.
var ErrNotFound = errors.New("tile not found")

// Tile is a tile raster and its pyramid address.
type Tile struct {
	Key   mapgrid.TileKey
	Image *image.NRGBA
}

type Store struct {
	db  *sql.DB
	dir string
	enc png.Encoder

	mu      sync.RWMutex
	onWrite func(path string)
}

func New(db *sql.DB, dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty tile dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		db:  db,
		dir: dir,
		enc: png.Encoder{CompressionLevel: png.DefaultCompression},
	}, nil
}

func (s *Store) Dir() string { return s.dir }

// Path is where the raster of k lives.
func (s *Store) Path(k mapgrid.TileKey) string {
	return filepath.Join(s.dir, k.FileName())
}

// OnWrite registers a hook called with the file path after every successful
// Put that wrote a raster.
func (s *Store) OnWrite(fn func(path string)) {
	s.mu.Lock()
	s.onWrite = fn
	s.mu.Unlock()
}

// Exists reports whether k has an index row.
func (s *Store) Exists(ctx context.Context, k mapgrid.TileKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tiles WHERE x=? AND y=? AND scale_level=?`, k.X, k.Y, k.Zoom,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, maperr.Storage("lookup tile", k.String(), err)
	}
	return true, nil
}

// Get loads the tile at k, or ErrNotFound when it has never been written.
func (s *Store) Get(ctx context.Context, k mapgrid.TileKey) (Tile, error) {
	ok, err := s.Exists(ctx, k)
	if err != nil {
		return Tile{}, err
	}
	if !ok {
		return Tile{}, ErrNotFound
	}
	f, err := os.Open(s.Path(k))
	if err != nil {
		return Tile{}, maperr.Storage("open tile", k.String(), err)
	}
	defer f.Close()
	img, err := png.Decode(bufio.NewReader(f))
	if err != nil {
		return Tile{}, maperr.Storage("decode tile", k.String(), err)
	}
	return Tile{Key: k, Image: compositor.ToNRGBA(img)}, nil
}

// Put writes t. A tile that draws nothing and has no earlier version is
// skipped; the returned bool reports whether a raster was written.
func (s *Store) Put(ctx context.Context, t Tile) (bool, error) {
	if t.Image == nil {
		return false, &maperr.GeometryError{Reason: "tile " + t.Key.String() + " has no canvas"}
	}
	if compositor.DrawsNothing(t.Image) {
		ok, err := s.Exists(ctx, t.Key)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}

	path := s.Path(t.Key)
	if err := s.writeFile(t.Key, path, t.Image); err != nil {
		return false, maperr.Storage("write tile", t.Key.String(), err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tiles(x,y,scale_level) VALUES(?,?,?)`, t.Key.X, t.Key.Y, t.Key.Zoom,
	); err != nil {
		return false, maperr.Storage("index tile", t.Key.String(), err)
	}

	s.mu.RLock()
	hook := s.onWrite
	s.mu.RUnlock()
	if hook != nil {
		hook(path)
	}
	return true, nil
}

// writeFile encodes into a temp file and renames it over path so readers
// never observe a partial PNG.
func (s *Store) writeFile(k mapgrid.TileKey, path string, img *image.NRGBA) error {
	tmp, err := os.CreateTemp(s.dir, "."+strings.TrimSuffix(k.FileName(), ".png")+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	bw := bufio.NewWriterSize(tmp, 64*1024)
	if err := s.enc.Encode(bw, img); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Keys lists every indexed tile at zoom, ordered by y then x.
func (s *Store) Keys(ctx context.Context, zoom int) ([]mapgrid.TileKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT x, y FROM tiles WHERE scale_level=? ORDER BY y, x`, zoom)
	if err != nil {
		return nil, maperr.Storage("list tiles", fmt.Sprintf("zoom=%d", zoom), err)
	}
	defer rows.Close()
	var out []mapgrid.TileKey
	for rows.Next() {
		k := mapgrid.TileKey{Zoom: zoom}
		if err := rows.Scan(&k.X, &k.Y); err != nil {
			return nil, maperr.Storage("list tiles", fmt.Sprintf("zoom=%d", zoom), err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, maperr.Storage("list tiles", fmt.Sprintf("zoom=%d", zoom), err)
	}
	return out, nil
}

// Counts returns the number of indexed tiles per zoom level.
func (s *Store) Counts(ctx context.Context) (map[int]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scale_level, COUNT(*) FROM tiles GROUP BY scale_level`)
	if err != nil {
		return nil, maperr.Storage("count tiles", "", err)
	}
	defer rows.Close()
	out := map[int]int{}
	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, maperr.Storage("count tiles", "", err)
		}
		out[level] = n
	}
	if err := rows.Err(); err != nil {
		return nil, maperr.Storage("count tiles", "", err)
	}
	return out, nil
}

// DeleteAboveBase removes every tile above zoom 0, rows and files.
func (s *Store) DeleteAboveBase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tiles WHERE scale_level != 0`); err != nil {
		return maperr.Storage("delete upper tiles", "", err)
	}
	return s.removeFiles(func(k mapgrid.TileKey) bool { return k.Zoom != 0 })
}

// Clear removes every tile row and every managed raster file.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tiles`); err != nil {
		return maperr.Storage("clear tiles", "", err)
	}
	return s.removeFiles(func(mapgrid.TileKey) bool { return true })
}

// staleTempAge is how old a temp file must be before a sweep treats it as
// left behind by a crashed write rather than a Put still in progress.
const staleTempAge = time.Minute

// removeFiles deletes the tile files whose key matches, plus stale temp
// files of matching keys. Callers delete rows first so no row outlives its
// file.
func (s *Store) removeFiles(match func(mapgrid.TileKey) bool) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return maperr.Storage("list tile dir", s.dir, err)
	}
	now := time.Now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if k, ok := mapgrid.ParseFileName(name); ok {
			if !match(k) {
				continue
			}
		} else if k, ok := parseTempName(name); !ok || !match(k) {
			continue
		} else if fi, err := e.Info(); err != nil || now.Sub(fi.ModTime()) < staleTempAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return maperr.Storage("remove tile file", name, err)
		}
	}
	return nil
}

// parseTempName recovers the key from a ".{z}_{x}_{y}-{rand}.tmp" name.
func parseTempName(name string) (mapgrid.TileKey, bool) {
	if !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".tmp") {
		return mapgrid.TileKey{}, false
	}
	base := strings.TrimSuffix(strings.TrimPrefix(name, "."), ".tmp")
	i := strings.LastIndexByte(base, '-')
	if i <= 0 {
		return mapgrid.TileKey{}, false
	}
	return mapgrid.ParseFileName(base[:i] + ".png")
}
