package log

import (
	"errors"
	"path/filepath"

	"servamap.ai/internal/pipeline"
)

var _ pipeline.Journal = (*Journal)(nil)

// Journal records applied shards and resampled tiles as compressed JSONL,
// one stream per event kind.
type Journal struct {
	shards   *JSONLZstdWriter
	resample *JSONLZstdWriter
}

func NewJournal(dir, rotateLayout string) *Journal {
	j := &Journal{
		shards:   NewJSONLZstdWriter(filepath.Join(dir, "shards"), "shards"),
		resample: NewJSONLZstdWriter(filepath.Join(dir, "resample"), "resample"),
	}
	j.shards.SetRotateLayout(rotateLayout)
	j.resample.SetRotateLayout(rotateLayout)
	return j
}

// OnRotate forwards closed segments of both streams to fn.
func (j *Journal) OnRotate(fn func(closedPath string)) {
	j.shards.OnRotate(fn)
	j.resample.OnRotate(fn)
}

func (j *Journal) WriteShard(ev pipeline.ShardEvent) error       { return j.shards.Write(ev) }
func (j *Journal) WriteResample(ev pipeline.ResampleEvent) error { return j.resample.Write(ev) }

func (j *Journal) Close() error {
	return errors.Join(j.shards.Close(), j.resample.Close())
}
