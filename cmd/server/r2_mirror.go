package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"servamap.ai/internal/persistence/r2s3"
	"servamap.ai/internal/tuning"
)

type mirrorRuntime struct {
	enabled bool
	mirror  *r2s3.Mirror
}

// buildMirrorRuntime wires the object-store mirror when tuning enables it.
// Credentials come from SM_MIRROR_ACCESS_KEY_ID and SM_MIRROR_SECRET_ACCESS_KEY
// and never from the yaml file. Object keys are paths relative to the
// common parent of the tile dir and the journal dir.
func buildMirrorRuntime(ctx context.Context, tune tuning.Tuning, logger *log.Logger) (*mirrorRuntime, error) {
	cfg := tune.Mirror
	if !envBool("SM_MIRROR", cfg.Enabled) {
		return &mirrorRuntime{enabled: false}, nil
	}

	endpoint := firstNonEmpty(os.Getenv("SM_MIRROR_ENDPOINT"), cfg.Endpoint)
	bucket := firstNonEmpty(os.Getenv("SM_MIRROR_BUCKET"), cfg.Bucket)
	accessKeyID := strings.TrimSpace(os.Getenv("SM_MIRROR_ACCESS_KEY_ID"))
	secretAccessKey := strings.TrimSpace(os.Getenv("SM_MIRROR_SECRET_ACCESS_KEY"))
	if endpoint == "" || bucket == "" || accessKeyID == "" || secretAccessKey == "" {
		return nil, fmt.Errorf("mirror enabled but endpoint/bucket/SM_MIRROR_ACCESS_KEY_ID/SM_MIRROR_SECRET_ACCESS_KEY are not fully set")
	}

	client, err := r2s3.New(ctx, r2s3.Config{
		Endpoint:        endpoint,
		Bucket:          bucket,
		Region:          cfg.Region,
		AccessKeyID:     accessKeyID,
		SecretAccessKey: secretAccessKey,
	})
	if err != nil {
		return nil, err
	}

	workers := envInt("SM_MIRROR_UPLOAD_WORKERS", cfg.Workers)
	root := mirrorRoot(tune)
	mlog := logger
	if mlog == nil {
		mlog = log.New(io.Discard, "", 0)
	}
	mirror := r2s3.NewMirror(client, root, cfg.Prefix, workers, 0, 0, mlog)
	mlog.Printf("mirror enabled endpoint=%s bucket=%s root=%s prefix=%s workers=%d", endpoint, bucket, root, cfg.Prefix, workers)
	return &mirrorRuntime{enabled: true, mirror: mirror}, nil
}

func mirrorRoot(tune tuning.Tuning) string {
	root := filepath.Dir(filepath.Clean(tune.TileDir))
	if !tune.Journal.Enabled {
		return root
	}
	a, err1 := filepath.Abs(root)
	b, err2 := filepath.Abs(tune.Journal.Dir)
	if err1 != nil || err2 != nil {
		return root
	}
	for !within(a, b) {
		parent := filepath.Dir(a)
		if parent == a {
			break
		}
		a = parent
	}
	return a
}

func within(dir, p string) bool {
	rel, err := filepath.Rel(dir, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (r *mirrorRuntime) Close() {
	if r == nil || r.mirror == nil {
		return
	}
	r.mirror.Close()
}

func (r *mirrorRuntime) Enqueue(localPath string) {
	if r == nil || !r.enabled || r.mirror == nil {
		return
	}
	r.mirror.Enqueue(localPath)
}

func writeMirrorMetrics(w io.Writer, r *mirrorRuntime) {
	if r == nil || !r.enabled {
		return
	}
	s := r.mirror.Stats()
	fmt.Fprintf(w, "# HELP servamap_mirror_queue_depth Uploads waiting for a worker.\n")
	fmt.Fprintf(w, "# TYPE servamap_mirror_queue_depth gauge\n")
	fmt.Fprintf(w, "servamap_mirror_queue_depth %d\n", s.Pending)
	fmt.Fprintf(w, "# HELP servamap_mirror_queue_capacity Mirror queue capacity.\n")
	fmt.Fprintf(w, "# TYPE servamap_mirror_queue_capacity gauge\n")
	fmt.Fprintf(w, "servamap_mirror_queue_capacity %d\n", s.Capacity)
	fmt.Fprintf(w, "# HELP servamap_mirror_files_total Files handed to the mirror by outcome.\n")
	fmt.Fprintf(w, "# TYPE servamap_mirror_files_total counter\n")
	fmt.Fprintf(w, "servamap_mirror_files_total{result=%q} %d\n", "queued", s.Queued)
	fmt.Fprintf(w, "servamap_mirror_files_total{result=%q} %d\n", "coalesced", s.Coalesced)
	fmt.Fprintf(w, "servamap_mirror_files_total{result=%q} %d\n", "dropped", s.Dropped)
	fmt.Fprintf(w, "# HELP servamap_mirror_upload_total Mirror uploads by result.\n")
	fmt.Fprintf(w, "# TYPE servamap_mirror_upload_total counter\n")
	fmt.Fprintf(w, "servamap_mirror_upload_total{result=%q} %d\n", "ok", s.Uploaded)
	fmt.Fprintf(w, "servamap_mirror_upload_total{result=%q} %d\n", "failed", s.Failed)
	fmt.Fprintf(w, "servamap_mirror_upload_total{result=%q} %d\n", "vanished", s.Vanished)
	if !s.LastUpload.IsZero() {
		fmt.Fprintf(w, "# HELP servamap_mirror_last_upload_unix Unix time of the last successful upload.\n")
		fmt.Fprintf(w, "# TYPE servamap_mirror_last_upload_unix gauge\n")
		fmt.Fprintf(w, "servamap_mirror_last_upload_unix %d\n", s.LastUpload.Unix())
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
