package r2s3

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader puts one local file under an object key.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Stats struct {
	Pending   int
	Capacity  int
	Queued    uint64
	Coalesced uint64
	Dropped   uint64
	Uploaded  uint64
	Failed    uint64
	Vanished  uint64
	// LastUpload is zero until the first successful upload.
	LastUpload time.Time
}

const (
	uploadAttempts = 4
	uploadTimeout  = 2 * time.Minute
)

// Mirror copies written tiles and closed journal segments to object storage
// in the background. Object keys are the file's path under root, joined to
// prefix. A tile rewritten while its upload is still pending is uploaded
// once, with whatever bytes are on disk when a worker reaches it.
//
// Enqueue after Close drops the path; it never panics.
type Mirror struct {
	client Uploader
	root   string
	prefix string
	logger *log.Logger

	wait    time.Duration
	backoff time.Duration

	// gate orders Enqueue sends against Close closing jobs.
	gate   sync.RWMutex
	closed bool
	jobs   chan string
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]struct{}

	queued     atomic.Uint64
	coalesced  atomic.Uint64
	dropped    atomic.Uint64
	uploaded   atomic.Uint64
	failed     atomic.Uint64
	vanished   atomic.Uint64
	lastUpload atomic.Int64
}

func NewMirror(client Uploader, root, prefix string, workers, capacity int, wait time.Duration, logger *log.Logger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 2048
	}
	if wait <= 0 {
		wait = 25 * time.Millisecond
	}
	m := &Mirror{
		client:  client,
		root:    root,
		prefix:  strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		logger:  logger,
		wait:    wait,
		backoff: 200 * time.Millisecond,
		jobs:    make(chan string, capacity),
		pending: map[string]struct{}{},
	}
	m.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go m.work()
	}
	return m
}

func (m *Mirror) work() {
	defer m.wg.Done()
	for p := range m.jobs {
		m.settle(p)
		m.upload(p)
	}
}

// Enqueue schedules localPath for upload. It blocks at most the enqueue
// wait when the queue is full; past that the path is dropped and counted.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.gate.RLock()
	defer m.gate.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		m.printf("mirror drop local=%s reason=closed", localPath)
		return
	}
	if !m.claim(localPath) {
		m.coalesced.Add(1)
		return
	}
	m.queued.Add(1)

	timer := time.NewTimer(m.wait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
	case <-timer.C:
		m.settle(localPath)
		n := m.dropped.Add(1)
		m.printf("mirror drop local=%s reason=queue_full wait_ms=%d dropped=%d", localPath, m.wait.Milliseconds(), n)
	}
}

// claim marks p pending. It reports false when p is already pending.
func (m *Mirror) claim(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[p]; ok {
		return false
	}
	m.pending[p] = struct{}{}
	return true
}

func (m *Mirror) settle(p string) {
	m.mu.Lock()
	delete(m.pending, p)
	m.mu.Unlock()
}

// Close uploads what is already queued and stops the workers. It is safe
// to call more than once.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.gate.Lock()
	if m.closed {
		m.gate.Unlock()
		return
	}
	m.closed = true
	close(m.jobs)
	m.gate.Unlock()
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	s := Stats{
		Pending:   len(m.jobs),
		Capacity:  cap(m.jobs),
		Queued:    m.queued.Load(),
		Coalesced: m.coalesced.Load(),
		Dropped:   m.dropped.Load(),
		Uploaded:  m.uploaded.Load(),
		Failed:    m.failed.Load(),
		Vanished:  m.vanished.Load(),
	}
	if ms := m.lastUpload.Load(); ms != 0 {
		s.LastUpload = time.UnixMilli(ms).UTC()
	}
	return s
}

func (m *Mirror) upload(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.printf("mirror skip local=%s err=%v", localPath, err)
		return
	}
	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		lastErr = m.client.PutFile(ctx, key, localPath)
		cancel()
		switch {
		case lastErr == nil:
			m.uploaded.Add(1)
			m.lastUpload.Store(time.Now().UnixMilli())
			return
		case errors.Is(lastErr, fs.ErrNotExist):
			// Cleared or replaced before the upload ran.
			m.vanished.Add(1)
			return
		}
		if attempt < uploadAttempts {
			time.Sleep(time.Duration(attempt*attempt) * m.backoff)
		}
	}
	m.failed.Add(1)
	m.printf("mirror upload failed key=%s local=%s err=%v", key, localPath, lastErr)
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	base, err := filepath.Abs(m.root)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside mirror root %s", abs, base)
	}
	if m.prefix == "" {
		return rel, nil
	}
	return path.Join(m.prefix, rel), nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
