package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/netarchive/arcrepo/internal/arcrepository"
	"github.com/netarchive/arcrepo/pkg/proto"
	"github.com/rs/zerolog"
)

const (
	subscriberBuffer = 64
	pingInterval     = 30 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Feed is authenticated by token, not origin
	},
}

// subscriber is one websocket client of the outcome feed.
type subscriber struct {
	events chan []byte
	done   chan struct{}
}

// Hub fans store outcomes out to websocket subscribers. Slow subscribers
// miss events instead of blocking the coordinator.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*subscriber]bool
	closed bool
	logger zerolog.Logger
}

// NewHub creates an outcome feed with no subscribers.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subs:   make(map[*subscriber]bool),
		logger: logger.With().Str("component", "outcome-feed").Logger(),
	}
}

// Publish sends an outcome to every subscriber. It is meant to be the
// coordinator's OnOutcome callback.
func (h *Hub) Publish(o arcrepository.Outcome) {
	data, err := json.Marshal(proto.StoreOutcome{
		Filename: o.Filename,
		OK:       o.OK,
		Reason:   o.Reason,
		Time:     o.Time,
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode outcome")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs {
		select {
		case sub.events <- data:
		default:
			h.logger.Debug().Str("filename", o.Filename).Msg("subscriber buffer full, skipping outcome")
		}
	}
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.done)
	}
}

func (h *Hub) register() *subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	sub := &subscriber{
		events: make(chan []byte, subscriberBuffer),
		done:   make(chan struct{}),
	}
	h.subs[sub] = true
	h.logger.Debug().Int("subscribers", len(h.subs)).Msg("subscriber connected")
	return sub
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.done)
		h.logger.Debug().Int("subscribers", len(h.subs)).Msg("subscriber disconnected")
	}
}

// handleEvents upgrades to a websocket and streams outcomes as JSON text
// messages until either side closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("outcome feed upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.hub.register()
	if sub == nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeTimeout))
		return
	}
	defer s.hub.unregister(sub)

	// The read loop only notices the client going away.
	readErr := make(chan struct{})
	go func() {
		defer close(readErr)
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readErr:
			return
		case <-sub.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case data := <-sub.events:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug().Err(err).Msg("outcome feed write failed")
				return
			}
		}
	}
}
