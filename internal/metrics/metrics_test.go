package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.StoresStarted.Inc()
	m.StoresCompleted.WithLabelValues("ok").Inc()
	m.VerificationMismatches.WithLabelValues("TWO").Add(2)
	m.PendingStores.Set(3)

	body := scrape(t, reg)
	for _, want := range []string{
		"arcrepo_stores_started_total 1",
		`arcrepo_stores_completed_total{result="ok"} 1`,
		`arcrepo_verification_mismatches_total{replica="TWO"} 2`,
		"arcrepo_pending_stores 3",
	} {
		assert.Contains(t, body, want)
	}
}

func TestNew_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}

func TestHandler(t *testing.T) {
	server := httptest.NewServer(Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "go_goroutines"), "standard collectors are registered")
}

type fakeLister struct {
	recs []*adminstore.FileRecord
}

func (f *fakeLister) List(adminstore.StoreState) ([]*adminstore.FileRecord, error) {
	return f.recs, nil
}

func TestCollector_Collect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	lister := &fakeLister{recs: []*adminstore.FileRecord{
		{Filename: "a", Replicas: map[string]adminstore.ReplicaState{
			"ONE": {State: adminstore.UploadCompleted},
			"TWO": {State: adminstore.UploadFailed},
		}},
		{Filename: "b", Replicas: map[string]adminstore.ReplicaState{
			"ONE": {State: adminstore.UploadCompleted},
		}},
	}}

	c := NewCollector(m, lister, zerolog.Nop())
	c.Collect()

	body := scrape(t, reg)
	assert.Contains(t, body, `arcrepo_files{replica="ONE",state="UPLOAD_COMPLETED"} 2`)
	assert.Contains(t, body, `arcrepo_files{replica="TWO",state="UPLOAD_FAILED"} 1`)

	lister.recs = lister.recs[1:]
	c.Collect()

	body = scrape(t, reg)
	assert.NotContains(t, body, `replica="TWO"`, "stale series are dropped")
}

func TestCollector_RunStopsOnCancel(t *testing.T) {
	m := New(prometheus.NewRegistry())
	c := NewCollector(m, &fakeLister{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}
