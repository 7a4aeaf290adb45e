package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"servamap.ai/internal/pipeline"
	"servamap.ai/internal/protocol"
)

// inbox ingests batch files dropped into a spool directory by the transport.
// Producers write through protocol.WriteBatchFile, which renames into place,
// so any *.shards.zst seen here is complete.
type inbox struct {
	dir       string
	chunkSide int
	ing       *pipeline.Ingestor
	interval  time.Duration
	log       *log.Logger
}

func newInbox(dir string, chunkSide int, ing *pipeline.Ingestor, interval time.Duration, logger *log.Logger) *inbox {
	return &inbox{dir: dir, chunkSide: chunkSide, ing: ing, interval: interval, log: logger}
}

func (ib *inbox) Run(ctx context.Context) {
	if err := os.MkdirAll(ib.dir, 0o755); err != nil {
		ib.log.Printf("inbox mkdir dir=%s err=%v", ib.dir, err)
		return
	}
	ticker := time.NewTicker(ib.interval)
	defer ticker.Stop()
	for {
		ib.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce ingests every pending batch file in name order and reports how
// many files it consumed. A file with storage failures stays for the next poll.
func (ib *inbox) PollOnce(ctx context.Context) int {
	ents, err := os.ReadDir(ib.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ib.log.Printf("inbox read dir=%s err=%v", ib.dir, err)
		}
		return 0
	}
	var names []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(e.Name(), protocol.BatchFileExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	done := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		path := filepath.Join(ib.dir, name)
		shards, err := protocol.ReadBatchFile(path, ib.chunkSide)
		if err != nil {
			ib.log.Printf("inbox bad batch file=%s err=%v", name, err)
			if rerr := os.Rename(path, path+".bad"); rerr != nil {
				ib.log.Printf("inbox quarantine file=%s err=%v", name, rerr)
			}
			continue
		}
		producer := ""
		if len(shards) > 0 {
			producer = shards[0].ProducerID
		}
		res := ib.ing.IngestBatch(ctx, producer, shards)
		ib.log.Printf("inbox file=%s shards=%d applied=%d noop=%d invalid=%d failed=%d",
			name, len(shards), res.Applied, res.NoOp, res.Invalid, res.Failed)
		if res.Failed > 0 {
			// Applied shards are recorded, so the retry only redoes the failures.
			ib.log.Printf("inbox keep file=%s for retry", name)
			continue
		}
		if err := os.Remove(path); err != nil {
			ib.log.Printf("inbox remove file=%s err=%v", name, err)
		}
		done++
	}
	return done
}
