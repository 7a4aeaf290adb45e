package r2s3

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"servamap.ai/internal/mapgrid"
	persistlog "servamap.ai/internal/persistence/log"
	"servamap.ai/internal/pipeline"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failN   int
	block   chan struct{}
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failN > 0 {
		f.failN--
		return nil, errors.New("503 slow down")
	}
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = b
	f.types[*in.Key] = *in.ContentType
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[key]
	return b, ok
}

func writeFile(t *testing.T, p, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMirror_UploadsUnderPrefix(t *testing.T) {
	dir := t.TempDir()
	api := newFakeS3()
	m := NewMirror(NewWithAPI(api, "b"), dir, "/maps/", 2, 8, 0, nil)
	m.backoff = time.Millisecond

	tile := filepath.Join(dir, "tiles", "0_1_-2.png")
	seg := filepath.Join(dir, "logs", "shards", "shards-2026.jsonl.zst")
	writeFile(t, tile, "png")
	writeFile(t, seg, "zst")
	m.Enqueue(tile)
	m.Enqueue(seg)
	m.Enqueue(filepath.Join(t.TempDir(), "outside.png"))
	m.Close()

	if b, ok := api.get("maps/tiles/0_1_-2.png"); !ok || string(b) != "png" {
		t.Fatalf("tile object=%q ok=%v", b, ok)
	}
	if api.types["maps/tiles/0_1_-2.png"] != "image/png" || api.types["maps/logs/shards/shards-2026.jsonl.zst"] != "application/zstd" {
		t.Fatalf("content types=%v", api.types)
	}
	st := m.Stats()
	if st.Uploaded != 2 || st.Queued != 3 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_RetriesThenSucceeds(t *testing.T) {
	dir := t.TempDir()
	api := newFakeS3()
	api.failN = 2
	m := NewMirror(NewWithAPI(api, "b"), dir, "", 1, 8, 0, nil)
	m.backoff = time.Millisecond
	p := filepath.Join(dir, "a.png")
	writeFile(t, p, "x")
	m.Enqueue(p)
	m.Close()
	if _, ok := api.get("a.png"); !ok {
		t.Fatalf("object missing after retries")
	}
	if st := m.Stats(); st.Uploaded != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_GivesUpAfterMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	api := newFakeS3()
	api.failN = 10
	m := NewMirror(NewWithAPI(api, "b"), dir, "", 1, 8, 0, nil)
	m.backoff = time.Millisecond
	p := filepath.Join(dir, "a.png")
	writeFile(t, p, "x")
	m.Enqueue(p)
	m.Close()
	if st := m.Stats(); st.Failed != 1 || !st.LastUpload.IsZero() {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_CoalescesQueuedPath(t *testing.T) {
	dir := t.TempDir()
	api := newFakeS3()
	api.block = make(chan struct{})
	m := NewMirror(NewWithAPI(api, "b"), dir, "", 1, 8, 0, nil)

	busy := filepath.Join(dir, "busy.png")
	tile := filepath.Join(dir, "t.png")
	writeFile(t, busy, "b")
	writeFile(t, tile, "v1")
	m.Enqueue(busy)
	// Wait for the worker to pick up busy and block in PutObject.
	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Pending != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	m.Enqueue(tile)
	writeFile(t, tile, "v2")
	m.Enqueue(tile)
	close(api.block)
	m.Close()

	if b, _ := api.get("t.png"); string(b) != "v2" {
		t.Fatalf("object=%q want latest bytes", b)
	}
	if st := m.Stats(); st.Coalesced != 1 || st.Uploaded != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_VanishedFileSkipped(t *testing.T) {
	dir := t.TempDir()
	api := newFakeS3()
	m := NewMirror(NewWithAPI(api, "b"), dir, "", 1, 8, 0, nil)
	m.Enqueue(filepath.Join(dir, "gone.png"))
	m.Close()
	if st := m.Stats(); st.Vanished != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestMirror_EnqueueAfterCloseDrops(t *testing.T) {
	dir := t.TempDir()
	api := newFakeS3()
	m := NewMirror(NewWithAPI(api, "b"), dir, "", 1, 8, 0, nil)
	p := filepath.Join(dir, "late.png")
	writeFile(t, p, "x")
	m.Close()
	m.Close()
	m.Enqueue(p)
	if st := m.Stats(); st.Dropped != 1 || st.Uploaded != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

// The journal hands its last segment to the mirror while closing. Closing
// the mirror first must drop that segment rather than crash.
func TestMirror_JournalClosedAfterMirror(t *testing.T) {
	dir := t.TempDir()
	api := newFakeS3()
	m := NewMirror(NewWithAPI(api, "b"), dir, "", 1, 8, 0, nil)
	j := persistlog.NewJournal(filepath.Join(dir, "logs"), "")
	j.OnRotate(m.Enqueue)
	if err := j.WriteShard(pipeline.ShardEvent{At: time.Now(), Pos: mapgrid.ChunkPos{X: 1, Y: 2}}); err != nil {
		t.Fatalf("WriteShard: %v", err)
	}
	m.Close()
	if err := j.Close(); err != nil {
		t.Fatalf("journal Close: %v", err)
	}
	if st := m.Stats(); st.Dropped != 1 {
		t.Fatalf("stats=%+v want one dropped segment", st)
	}
}

func TestMirror_ConcurrentEnqueueAndClose(t *testing.T) {
	dir := t.TempDir()
	api := newFakeS3()
	m := NewMirror(NewWithAPI(api, "b"), dir, "", 2, 4, time.Millisecond, nil)
	m.backoff = time.Millisecond
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				m.Enqueue(filepath.Join(dir, "missing", string(rune('a'+i)), "t.png"))
			}
		}(i)
	}
	m.Close()
	wg.Wait()
	st := m.Stats()
	if st.Uploaded != 0 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	cases := map[string]string{
		"a/b.png":      "a/b.png",
		"/a//b.png":    "a/b.png",
		`a\b.png`:      "a/b.png",
		"../etc/x":     "etc/x",
		"":             "",
		"  ":           "",
		"a/../../b":    "b",
		"a/./b/../c.p": "a/c.p",
	}
	for in, want := range cases {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q)=%q want=%q", in, got, want)
		}
	}
}

func TestNew_RequiresSettings(t *testing.T) {
	if _, err := New(context.Background(), Config{Endpoint: "x", Bucket: "b"}); err == nil {
		t.Fatalf("New without credentials succeeded")
	}
	c, err := New(context.Background(), Config{Endpoint: "minio.local:9000", Bucket: "b", AccessKeyID: "k", SecretAccessKey: "s"})
	if err != nil || c == nil {
		t.Fatalf("New: %v", err)
	}
}
