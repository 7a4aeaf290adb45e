package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"servamap.ai/internal/app"
	"servamap.ai/internal/tuning"
)

func main() {
	var (
		addr       = pflag.String("addr", ":8080", "http listen address")
		configDir  = pflag.String("configs", "./configs", "config directory")
		tuningPath = pflag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		tileDir    = pflag.String("tile-dir", "", "override tuning tile_dir")
		dbFile     = pflag.String("db", "", "override tuning db_file")
		inboxDir   = pflag.String("inbox", "", "override tuning inbox.dir (\"-\" disables polling)")
	)
	pflag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	if v := strings.TrimSpace(*tileDir); v != "" {
		tune.TileDir = v
	}
	if v := strings.TrimSpace(*dbFile); v != "" {
		tune.DBFile = v
	}
	if v := strings.TrimSpace(*inboxDir); v != "" {
		tune.Inbox.Dir = v
		if v == "-" {
			tune.Inbox.Dir = ""
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	mirror, err := buildMirrorRuntime(ctx, tune, logger)
	if err != nil {
		logger.Fatalf("init mirror: %v", err)
	}
	// Must close after the app; closing the journal still feeds the mirror.
	defer mirror.Close()

	pipeLog := log.New(os.Stdout, "[pipeline] ", log.LstdFlags|log.Lmicroseconds)
	a, err := app.Open(tune, app.Options{Logger: pipeLog})
	if err != nil {
		logger.Fatalf("open: %v", err)
	}
	defer a.Close()
	if mirror.enabled {
		a.Tiles.OnWrite(mirror.Enqueue)
		if a.Journal != nil {
			a.Journal.OnRotate(mirror.Enqueue)
		}
	}

	g := tune.Geometry()
	logger.Printf("map chunk_side=%d resample_factor=%d tile_side=%d max_zoom=%d resample_interval=%s",
		g.ChunkSide, g.ResampleFactor, g.TileSide(), g.MaxZoom, tune.ResampleInterval())

	if err := a.Pipeline.Scheduler.Start(ctx); err != nil {
		logger.Fatalf("start scheduler: %v", err)
	}

	if tune.Inbox.Dir != "" {
		ib := newInbox(tune.Inbox.Dir, g.ChunkSide, a.Pipeline.Ingestor, tune.InboxPollInterval(),
			log.New(os.Stdout, "[inbox] ", log.LstdFlags|log.Lmicroseconds))
		go ib.Run(ctx)
		logger.Printf("polling inbox dir=%s every %s", tune.Inbox.Dir, tune.InboxPollInterval())
	}

	s := &server{
		app:         a,
		mirror:      mirror,
		logger:      logger,
		enableAdmin: envBool("SM_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		enablePprof: envBool("SM_ENABLE_PPROF_HTTP", false),
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
