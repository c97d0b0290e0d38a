package node

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/netarchive/arcrepo/internal/transport"
)

// Router returns the HTTP surface of a replica node: the message endpoint
// served by t and a health check.
func (n *Node) Router(t *transport.HTTPTransport) *mux.Router {
	r := mux.NewRouter()
	r.Handle(transport.MessagePath, t).Methods(http.MethodPost)
	r.HandleFunc("/health", n.handleHealth).Methods(http.MethodGet)
	return r
}

func (n *Node) handleHealth(w http.ResponseWriter, _ *http.Request) {
	n.mu.RLock()
	closed := n.closed
	queued := len(n.queue)
	n.mu.RUnlock()

	status := http.StatusOK
	state := "ok"
	if closed {
		status, state = http.StatusServiceUnavailable, "closed"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  state,
		"replica": n.id,
		"kind":    n.kind,
		"queued":  queued,
	})
}
