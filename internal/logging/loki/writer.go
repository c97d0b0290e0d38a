// Package loki ships arcrepo logs to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PushPath is the Loki push API path appended to the configured URL.
const PushPath = "/loki/api/v1/push"

// Config holds Loki shipping settings.
type Config struct {
	URL           string            // Loki base URL, e.g. "http://loki:3100"
	Labels        map[string]string // Stream labels; "job" defaults to "arcrepo"
	BatchSize     int               // Lines per push (default: 100)
	FlushInterval time.Duration     // default: 5s
	Timeout       time.Duration     // Per push (default: 10s)
	MaxBuffered   int               // Lines kept while Loki is unreachable (default: 10 batches)
}

type line struct {
	ts   time.Time
	text string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Writer is an io.Writer for zerolog that batches lines and pushes them to
// Loki in the background. Write never fails; lines beyond MaxBuffered are
// dropped and counted.
type Writer struct {
	url     string
	labels  map[string]string
	client  *http.Client
	batch   int
	maxBuf  int
	trigger chan struct{}

	mu      sync.Mutex
	pending []line

	pushMu  sync.Mutex
	dropped atomic.Uint64
	failed  atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter starts a writer pushing to cfg.URL. Close flushes and stops it.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("loki url is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxBuffered <= 0 {
		cfg.MaxBuffered = 10 * cfg.BatchSize
	}
	labels := map[string]string{"job": "arcrepo"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		url:     strings.TrimRight(cfg.URL, "/") + PushPath,
		labels:  labels,
		client:  &http.Client{Timeout: cfg.Timeout},
		batch:   cfg.BatchSize,
		maxBuf:  cfg.MaxBuffered,
		trigger: make(chan struct{}, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run(ctx, cfg.FlushInterval)
	return w, nil
}

// Write queues one log line. zerolog reuses p, so it is copied.
func (w *Writer) Write(p []byte) (int, error) {
	text := string(bytes.TrimSpace(p))
	if text == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.pending) >= w.maxBuf {
		w.mu.Unlock()
		w.dropped.Add(1)
		return len(p), nil
	}
	w.pending = append(w.pending, line{ts: time.Now(), text: text})
	full := len(w.pending) >= w.batch
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

func (w *Writer) run(ctx context.Context, interval time.Duration) {
	defer close(w.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		}
		w.Flush(ctx)
	}
}

// Flush pushes everything queued so far. Lines of a failed push are kept
// for the next attempt as long as they fit in MaxBuffered.
func (w *Writer) Flush(ctx context.Context) {
	w.pushMu.Lock()
	defer w.pushMu.Unlock()

	w.mu.Lock()
	lines := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(lines) == 0 {
		return
	}

	for start := 0; start < len(lines); start += w.batch {
		end := min(start+w.batch, len(lines))
		if err := w.push(ctx, lines[start:end]); err != nil {
			w.failed.Add(1)
			w.requeue(lines[start:])
			return
		}
	}
}

func (w *Writer) requeue(lines []line) {
	w.mu.Lock()
	defer w.mu.Unlock()
	merged := append(lines, w.pending...)
	if over := len(merged) - w.maxBuf; over > 0 {
		w.dropped.Add(uint64(over))
		merged = merged[over:]
	}
	w.pending = merged
}

func (w *Writer) push(ctx context.Context, lines []line) error {
	values := make([][2]string, len(lines))
	for i, l := range lines {
		values[i] = [2]string{strconv.FormatInt(l.ts.UnixNano(), 10), l.text}
	}
	body, err := json.Marshal(pushRequest{Streams: []stream{{Stream: w.labels, Values: values}}})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("loki push: status %d", resp.StatusCode)
	}
	return nil
}

// Dropped returns the number of lines discarded because the buffer was full.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Failed returns the number of failed pushes.
func (w *Writer) Failed() uint64 { return w.failed.Load() }

// Close stops the background pusher and makes a final flush bounded by ctx.
func (w *Writer) Close(ctx context.Context) {
	w.cancel()
	<-w.done
	w.Flush(ctx)
}
