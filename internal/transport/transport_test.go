package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/netarchive/arcrepo/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(token string) *HTTPTransport {
	return New(Config{Logger: zerolog.Nop(), AuthToken: token})
}

func TestNew_Defaults(t *testing.T) {
	tr := newTestTransport("")
	require.NotNil(t, tr.httpClient)
	assert.Equal(t, float64(1000), float64(tr.limiter.Limit()))
	assert.Equal(t, 100, tr.limiter.Burst())
}

func TestSend(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPath  string
		gotBody  string
		gotAuth  string
		gotCType string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotPath = r.URL.Path
		gotBody = string(body)
		gotAuth = r.Header.Get("Authorization")
		gotCType = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	tr := newTestTransport("secret")
	require.NoError(t, tr.Send(context.Background(), server.URL+"/", []byte("hello")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, MessagePath, gotPath)
	assert.Equal(t, "hello", gotBody)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotCType)
}

func TestSend_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	err := newTestTransport("").Send(context.Background(), server.URL, []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
}

func TestSend_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestTransport("").Send(ctx, server.URL, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHandleIncomingMessage(t *testing.T) {
	tr := newTestTransport("")

	assert.ErrorIs(t, tr.HandleIncomingMessage("peer", []byte("x")), ErrNoHandler)

	var gotFrom, gotData string
	tr.RegisterHandler(func(from string, data []byte) error {
		gotFrom, gotData = from, string(data)
		return nil
	})
	require.NoError(t, tr.HandleIncomingMessage("peer", []byte("payload")))
	assert.Equal(t, "peer", gotFrom)
	assert.Equal(t, "payload", gotData)

	handlerErr := errors.New("bad message")
	tr.RegisterHandler(func(string, []byte) error { return handlerErr })
	assert.ErrorIs(t, tr.HandleIncomingMessage("peer", nil), handlerErr)
}

func TestHandleIncomingMessage_RateLimited(t *testing.T) {
	tr := New(Config{Logger: zerolog.Nop(), RateLimit: 0.001, RateBurst: 1})
	tr.RegisterHandler(func(string, []byte) error { return nil })

	require.NoError(t, tr.HandleIncomingMessage("peer", nil))
	assert.ErrorIs(t, tr.HandleIncomingMessage("peer", nil), ErrRateLimited)
}

func TestServeHTTP(t *testing.T) {
	tr := newTestTransport("secret")
	tr.RegisterHandler(func(_ string, data []byte) error {
		if string(data) == "bad" {
			return errors.New("rejected")
		}
		return nil
	})

	tests := []struct {
		name   string
		method string
		auth   string
		body   string
		want   int
	}{
		{"accepted", http.MethodPost, "Bearer secret", "ok", http.StatusAccepted},
		{"rejected", http.MethodPost, "Bearer secret", "bad", http.StatusBadRequest},
		{"unauthorized", http.MethodPost, "Bearer wrong", "ok", http.StatusUnauthorized},
		{"wrong method", http.MethodGet, "Bearer secret", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, MessagePath, strings.NewReader(tt.body))
			req.Header.Set("Authorization", tt.auth)
			rec := httptest.NewRecorder()

			tr.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSendAndServe_RoundTrip(t *testing.T) {
	receiver := newTestTransport("token")
	got := make(chan string, 1)
	receiver.RegisterHandler(func(_ string, data []byte) error {
		got <- string(data)
		return nil
	})

	server := httptest.NewServer(receiver)
	defer server.Close()

	sender := newTestTransport("token")
	require.NoError(t, sender.Send(context.Background(), server.URL, []byte(`{"id":"1"}`)))
	assert.Equal(t, `{"id":"1"}`, <-got)
}

func TestSend_RetriesRefusedMessages(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"rate limited", http.StatusTooManyRequests},
		{"no handler yet", http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) <= 2 {
					http.Error(w, "busy", tt.status)
					return
				}
				w.WriteHeader(http.StatusAccepted)
			}))
			defer server.Close()

			tr := New(Config{Logger: zerolog.Nop(), RetryBackoff: time.Millisecond})
			require.NoError(t, tr.Send(context.Background(), server.URL, []byte("x")))
			assert.Equal(t, int32(3), calls.Load())
		})
	}
}

func TestSend_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	tr := New(Config{Logger: zerolog.Nop(), Retries: 2, RetryBackoff: time.Millisecond})
	err := tr.Send(context.Background(), server.URL, []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	tr = New(Config{Logger: zerolog.Nop(), Retries: -1})
	require.Error(t, tr.Send(context.Background(), server.URL, []byte("x")))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_ErrorStatusNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rejected", http.StatusBadRequest)
	}))
	defer server.Close()

	tr := New(Config{Logger: zerolog.Nop(), RetryBackoff: time.Millisecond})
	require.Error(t, tr.Send(context.Background(), server.URL, []byte("x")))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSend_BackoffStopsOnContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	tr := New(Config{Logger: zerolog.Nop(), Retries: 10, RetryBackoff: time.Hour})
	err := tr.Send(ctx, server.URL, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandleIncomingMessage_ExemptBypassesLimit(t *testing.T) {
	tr := New(Config{Logger: zerolog.Nop(), RateLimit: 0.001, RateBurst: 1, Exempt: protocol.IsReply})
	tr.RegisterHandler(func(string, []byte) error { return nil })

	req, err := protocol.NewMessage(protocol.MessageTypeGetChecksum, "req-1", "http://coord", protocol.GetChecksumPayload{Filename: "f1"})
	require.NoError(t, err)
	reqData, err := req.Marshal()
	require.NoError(t, err)

	require.NoError(t, tr.HandleIncomingMessage("peer", reqData))
	assert.ErrorIs(t, tr.HandleIncomingMessage("peer", reqData), ErrRateLimited)

	for i := 0; i < 10; i++ {
		reply, err := protocol.NewReply(req, protocol.MessageTypeGetChecksumReply, "rep", "TWO", protocol.GetChecksumReplyPayload{Filename: "f1", OK: true})
		require.NoError(t, err)
		data, err := reply.Marshal()
		require.NoError(t, err)
		require.NoError(t, tr.HandleIncomingMessage("peer", data))
	}
}

func TestSendAndServe_ReplyBurstIsNotDropped(t *testing.T) {
	const burst = 300

	receiver := New(Config{Logger: zerolog.Nop(), Exempt: protocol.IsReply})
	var handled atomic.Int32
	receiver.RegisterHandler(func(string, []byte) error {
		handled.Add(1)
		return nil
	})
	server := httptest.NewServer(receiver)
	defer server.Close()

	req, err := protocol.NewMessage(protocol.MessageTypeBatch, "req-1", server.URL, protocol.BatchPayload{Job: protocol.ChecksumJob})
	require.NoError(t, err)

	sender := New(Config{Logger: zerolog.Nop(), Retries: -1})
	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < burst; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply, err := protocol.NewReply(req, protocol.MessageTypeBatchReply, "rep", "ONE", protocol.BatchReplyPayload{OK: true})
			if err != nil {
				failed.Add(1)
				return
			}
			data, err := reply.Marshal()
			if err != nil {
				failed.Add(1)
				return
			}
			if err := sender.Send(context.Background(), server.URL, data); err != nil {
				failed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), failed.Load())
	assert.Equal(t, int32(burst), handled.Load())
}
