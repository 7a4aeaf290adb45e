package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"servamap.ai/internal/app"
	"servamap.ai/internal/tuning"
)

// errUsage marks errors that exit with status 2.
var errUsage = errors.New("usage")

var commands = map[string]func(ctx context.Context, args []string, out io.Writer) error{
	"clear":    clearCmd,
	"export":   exportCmd,
	"resample": resampleCmd,
	"ingest":   ingestCmd,
	"stats":    statsCmd,
	"tiles":    tilesCmd,
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}
	cmd, ok := commands[os.Args[1]]
	if !ok {
		usage(os.Stderr)
		os.Exit(2)
	}
	if err := cmd(context.Background(), os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: admin <clear|export|resample|ingest|stats|tiles> [flags]")
	fmt.Fprintln(w, "  clear, export, resample and stats take --url to act on a running server")
}

// storeFlags locate the map on disk.
type storeFlags struct {
	configDir  *string
	tuningPath *string
	tileDir    *string
	dbFile     *string
}

func addStoreFlags(fs *pflag.FlagSet) storeFlags {
	return storeFlags{
		configDir:  fs.String("configs", "./configs", "config directory"),
		tuningPath: fs.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)"),
		tileDir:    fs.String("tile-dir", "", "override tuning tile_dir"),
		dbFile:     fs.String("db", "", "override tuning db_file"),
	}
}

func (f storeFlags) tuning() (tuning.Tuning, error) {
	tp := strings.TrimSpace(*f.tuningPath)
	if tp == "" {
		tp = filepath.Join(*f.configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			return tune, err
		}
		tune = tuning.Defaults()
	}
	if v := strings.TrimSpace(*f.tileDir); v != "" {
		tune.TileDir = v
	}
	if v := strings.TrimSpace(*f.dbFile); v != "" {
		tune.DBFile = v
	}
	return tune, nil
}

// open opens the map offline. The journal stays off: it belongs to the server.
func (f storeFlags) open() (*app.App, error) {
	tune, err := f.tuning()
	if err != nil {
		return nil, err
	}
	return app.Open(tune, app.Options{NoJournal: true})
}
