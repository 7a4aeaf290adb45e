// Package app opens the map's stores and builds the pipeline over them.
package app

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	persistlog "servamap.ai/internal/persistence/log"
	"servamap.ai/internal/persistence/mapdb"
	"servamap.ai/internal/persistence/shardindex"
	"servamap.ai/internal/persistence/tilestore"
	"servamap.ai/internal/pipeline"
	"servamap.ai/internal/tuning"
)

type Options struct {
	Logger *log.Logger
	// NoJournal skips the event journal even when tuning enables it.
	NoJournal bool
}

type App struct {
	Tuning   tuning.Tuning
	DB       *sql.DB
	Tiles    *tilestore.Store
	Index    *shardindex.Index
	Journal  *persistlog.Journal
	Pipeline *pipeline.Pipeline
}

func Open(tune tuning.Tuning, opts Options) (*App, error) {
	if err := tune.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tuning: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	db, err := mapdb.Open(tune.DBFile)
	if err != nil {
		return nil, fmt.Errorf("open map db: %w", err)
	}
	tiles, err := tilestore.New(db, tune.TileDir)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open tile store: %w", err)
	}
	a := &App{
		Tuning: tune,
		DB:     db,
		Tiles:  tiles,
		Index:  shardindex.New(db),
	}
	popts := pipeline.Options{
		Geometry:         tune.Geometry(),
		Tiles:            a.Tiles,
		Index:            a.Index,
		Logger:           logger,
		ResampleInterval: tune.ResampleInterval(),
	}
	if tune.Journal.Enabled && !opts.NoJournal {
		a.Journal = persistlog.NewJournal(tune.Journal.Dir, tune.Journal.RotateLayout)
		popts.Journal = a.Journal
	}
	a.Pipeline = pipeline.New(popts)
	return a, nil
}

// Close stops the scheduler if it runs, then closes the journal and the db.
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	a.Pipeline.Scheduler.Stop()
	var errs []error
	if a.Journal != nil {
		errs = append(errs, a.Journal.Close())
	}
	errs = append(errs, a.DB.Close())
	return errors.Join(errs...)
}
