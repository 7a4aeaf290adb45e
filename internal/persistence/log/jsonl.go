package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// DefaultRotateLayout starts a new segment every UTC hour.
const DefaultRotateLayout = "2006-01-02-15"

// JSONLZstdWriter appends JSON lines to zstd segments named
// <prefix>-<period>.jsonl.zst, starting a new segment whenever the current
// UTC time formats to a new period under the rotate layout.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	layout  string
	now     func() time.Time

	mu        sync.Mutex
	curPeriod string
	f         *os.File
	enc       *zstd.Encoder
	w         *bufio.Writer
	onRotate  func(closedPath string)
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		layout:  DefaultRotateLayout,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) SetRotateLayout(layout string) {
	if layout == "" {
		return
	}
	w.mu.Lock()
	w.layout = layout
	w.mu.Unlock()
}

// OnRotate registers fn to receive the path of each segment once it is closed.
func (w *JSONLZstdWriter) OnRotate(fn func(closedPath string)) {
	w.mu.Lock()
	w.onRotate = fn
	w.mu.Unlock()
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	period := w.now().UTC().Format(w.layout)
	if period != w.curPeriod || w.w == nil {
		if err := w.rotateLocked(period); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(period string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	path := w.pathFor(period)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curPeriod = period
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	closed := ""
	if w.f != nil {
		closed = w.f.Name()
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	if closed != "" && err1 == nil && w.onRotate != nil {
		w.onRotate(closed)
	}
	return err1
}

func (w *JSONLZstdWriter) pathFor(period string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, period))
}
