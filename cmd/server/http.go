package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"strings"
	"time"

	"servamap.ai/internal/app"
	"servamap.ai/internal/pipeline"
)

type server struct {
	app         *app.App
	mirror      *mirrorRuntime
	logger      *log.Logger
	enableAdmin bool
	enablePprof bool
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", s.handleMetrics)

	if s.enableAdmin {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/stats", s.adminOnly(http.MethodGet, s.handleStats))
		mux.HandleFunc("/admin/v1/clear", s.adminOnly(http.MethodPost, s.handleClear))
		mux.HandleFunc("/admin/v1/resample", s.adminOnly(http.MethodPost, s.handleResample))
		mux.HandleFunc("/admin/v1/export", s.adminOnly(http.MethodPost, s.handleExport))
	} else {
		s.logger.Printf("admin endpoints disabled (SM_ENABLE_ADMIN_HTTP=false)")
	}
	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

func (s *server) adminOnly(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func (s *server) handleStats(rw http.ResponseWriter, r *http.Request) {
	st, err := s.app.Pipeline.Stats(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, st)
}

func (s *server) handleClear(rw http.ResponseWriter, r *http.Request) {
	if err := s.app.Pipeline.Clear(r.Context()); err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

// handleResample starts a full pyramid rebuild. The background scheduler
// does the work; the response only reports how much was queued.
func (s *server) handleResample(rw http.ResponseWriter, r *http.Request) {
	queued, err := s.app.Pipeline.StartCompleteResample(r.Context())
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "queued": queued})
}

func (s *server) handleExport(rw http.ResponseWriter, r *http.Request) {
	out := strings.TrimSpace(r.URL.Query().Get("out"))
	if out == "" {
		out = s.app.Tuning.TileDir
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()
	res, err := s.app.Pipeline.ExportWholeMap(ctx, out)
	if errors.Is(err, pipeline.ErrNothingToExport) {
		writeJSON(rw, http.StatusConflict, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"ok": true, "path": res.Path, "tiles": res.Tiles, "width": res.Width, "height": res.Height,
	})
}

func (s *server) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	st, err := s.app.Pipeline.Stats(r.Context())
	if err != nil {
		s.logger.Printf("metrics stats: %v", err)
	}
	// Minimal Prometheus exposition format.
	fmt.Fprintf(rw, "# HELP servamap_shards_total Shards handled by outcome.\n")
	fmt.Fprintf(rw, "# TYPE servamap_shards_total counter\n")
	fmt.Fprintf(rw, "servamap_shards_total{outcome=%q} %d\n", "applied", st.ShardsApplied)
	fmt.Fprintf(rw, "servamap_shards_total{outcome=%q} %d\n", "noop", st.ShardsNoOp)
	fmt.Fprintf(rw, "servamap_shards_total{outcome=%q} %d\n", "invalid", st.ShardsInvalid)
	fmt.Fprintf(rw, "servamap_shards_total{outcome=%q} %d\n", "failed", st.ShardsFailed)
	fmt.Fprintf(rw, "# HELP servamap_shards_indexed Shard coordinates recorded in the shard index.\n")
	fmt.Fprintf(rw, "# TYPE servamap_shards_indexed gauge\n")
	fmt.Fprintf(rw, "servamap_shards_indexed %d\n", st.ShardsIndexed)
	fmt.Fprintf(rw, "# HELP servamap_resample_total Tile resamples by result.\n")
	fmt.Fprintf(rw, "# TYPE servamap_resample_total counter\n")
	fmt.Fprintf(rw, "servamap_resample_total{result=%q} %d\n", "ok", st.Resampled)
	fmt.Fprintf(rw, "servamap_resample_total{result=%q} %d\n", "failed", st.ResampleFailed)
	fmt.Fprintf(rw, "# HELP servamap_resample_coalesced_total Resample requests dropped because the tile was already pending.\n")
	fmt.Fprintf(rw, "# TYPE servamap_resample_coalesced_total counter\n")
	fmt.Fprintf(rw, "servamap_resample_coalesced_total %d\n", st.Coalesced)
	fmt.Fprintf(rw, "# HELP servamap_drain_cycles_total Drain cycles by result.\n")
	fmt.Fprintf(rw, "# TYPE servamap_drain_cycles_total counter\n")
	fmt.Fprintf(rw, "servamap_drain_cycles_total{result=%q} %d\n", "ran", st.DrainCycles)
	fmt.Fprintf(rw, "servamap_drain_cycles_total{result=%q} %d\n", "skipped", st.DrainSkipped)
	fmt.Fprintf(rw, "# HELP servamap_resample_pending Tiles waiting for the next drain cycle.\n")
	fmt.Fprintf(rw, "# TYPE servamap_resample_pending gauge\n")
	fmt.Fprintf(rw, "servamap_resample_pending %d\n", st.Pending)
	fmt.Fprintf(rw, "# HELP servamap_tiles Persisted tiles per zoom level.\n")
	fmt.Fprintf(rw, "# TYPE servamap_tiles gauge\n")
	zooms := make([]int, 0, len(st.TilesPerZoom))
	for z := range st.TilesPerZoom {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	for _, z := range zooms {
		fmt.Fprintf(rw, "servamap_tiles{zoom=\"%d\"} %d\n", z, st.TilesPerZoom[z])
	}
	writeMirrorMetrics(rw, s.mirror)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
