// Package transport carries replica protocol messages between the coordinator
// and its replicas over HTTP.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// MessagePath is the path every endpoint accepts messages on.
const MessagePath = "/api/v1/messages"

// maxMessageSize bounds inbound message bodies. remove_and_get replies carry
// whole files.
const maxMessageSize = 256 << 20

var (
	// ErrNoHandler is returned when a message arrives before a handler is registered.
	ErrNoHandler = errors.New("no handler registered")
	// ErrRateLimited is returned when an inbound message exceeds the rate limit.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// Handler processes one inbound message. from identifies the remote address.
type Handler func(from string, data []byte) error

// Sender delivers a message to an endpoint.
type Sender interface {
	Send(ctx context.Context, endpoint string, data []byte) error
}

// Config holds transport settings.
type Config struct {
	Logger    zerolog.Logger
	AuthToken string        // Bearer token sent with and required on every message
	Timeout   time.Duration // Per-request timeout for outbound messages (default: 30s)
	RateLimit float64       // Inbound messages per second (default: 1000)
	RateBurst int           // Inbound burst size (default: 100)

	// Exempt reports inbound messages that bypass the rate limit.
	Exempt func(data []byte) bool

	// Retries is how often Send retries a message the peer refused with
	// 429 or 503 (default: 3). Negative disables retries.
	Retries int
	// RetryBackoff is the delay before the first retry, doubled on each
	// further one (default: 100ms).
	RetryBackoff time.Duration
}

// HTTPTransport sends messages with HTTP POST and receives them as an
// http.Handler.
type HTTPTransport struct {
	httpClient *http.Client
	authToken  string
	limiter    *rate.Limiter
	exempt     func(data []byte) bool
	retries    int
	backoff    time.Duration
	handler    Handler
	handlerMu  sync.RWMutex
	logger     zerolog.Logger
}

// New creates an HTTP transport.
func New(config Config) *HTTPTransport {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1000
	}
	if config.RateBurst == 0 {
		config.RateBurst = 100
	}
	if config.Retries == 0 {
		config.Retries = 3
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 100 * time.Millisecond
	}

	return &HTTPTransport{
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		authToken: config.AuthToken,
		limiter:   rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		exempt:    config.Exempt,
		retries:   config.Retries,
		backoff:   config.RetryBackoff,
		logger:    config.Logger.With().Str("component", "transport").Logger(),
	}
}

// Send posts data to {endpoint}/api/v1/messages. A message refused with 429
// or 503 is retried with exponential backoff until ctx is done.
func (t *HTTPTransport) Send(ctx context.Context, endpoint string, data []byte) error {
	url := strings.TrimRight(endpoint, "/") + MessagePath
	delay := t.backoff

	for attempt := 0; ; attempt++ {
		err := t.post(ctx, url, data)
		var se *statusError
		if err == nil || !errors.As(err, &se) || !se.retryable() || attempt >= t.retries {
			return err
		}

		t.logger.Debug().
			Str("endpoint", endpoint).
			Int("status", se.code).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("message refused, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", err, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
	}
}

func (t *HTTPTransport) post(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}

	t.logger.Debug().
		Str("url", url).
		Int("size", len(data)).
		Msg("sending message")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}

	return nil
}

// statusError is a response outside 200 and 202.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code == http.StatusServiceUnavailable
}

// RegisterHandler registers the handler for inbound messages.
func (t *HTTPTransport) RegisterHandler(handler Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = handler
}

// HandleIncomingMessage rate limits and dispatches one inbound message.
// Messages matching the Exempt filter are never limited.
func (t *HTTPTransport) HandleIncomingMessage(from string, data []byte) error {
	if (t.exempt == nil || !t.exempt(data)) && !t.limiter.Allow() {
		t.logger.Warn().
			Str("from", from).
			Msg("Rate limit exceeded, dropping message")
		return ErrRateLimited
	}

	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()

	if handler == nil {
		return ErrNoHandler
	}

	t.logger.Debug().
		Str("from", from).
		Int("size", len(data)).
		Msg("handling incoming message")

	return handler(from, data)
}

// ServeHTTP accepts a POSTed message. It answers 202 once the handler has
// taken the message, 429 when rate limited and 400 when the handler rejects it.
func (t *HTTPTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if t.authToken != "" && r.Header.Get("Authorization") != "Bearer "+t.authToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	err = t.HandleIncomingMessage(r.RemoteAddr, data)
	switch {
	case errors.Is(err, ErrRateLimited):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, ErrNoHandler):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}
