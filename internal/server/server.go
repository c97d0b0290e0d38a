// Package server exposes the coordinator over HTTP: the caller-facing store
// API, admin operations, the replica message endpoint, the outcome feed and
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/netarchive/arcrepo/internal/arcrepository"
	"github.com/netarchive/arcrepo/internal/replica"
	"github.com/netarchive/arcrepo/internal/staging"
	"github.com/netarchive/arcrepo/pkg/proto"
	"github.com/rs/zerolog"
)

// Repository is the coordinator API served over HTTP.
type Repository interface {
	StartStore(file replica.File, token adminstore.ReplyToken) error
	Record(filename string) (*adminstore.FileRecord, error)
	List(state adminstore.StoreState) ([]*adminstore.FileRecord, error)
	UpdateAdminData(u arcrepository.AdminUpdate) error
	RemoveAndGet(ctx context.Context, filename, replicaID, checksum string) ([]byte, error)
	AllChecksums(ctx context.Context, replicaID string) ([]string, error)
	AllFilenames(ctx context.Context, replicaID string) ([]string, error)
	Replicas() []replica.Identity
	Close() error
}

// Config holds the dependencies of a Server.
type Config struct {
	Listen      string
	AuthToken   string // Required on caller requests
	AdminToken  string // Required on admin requests; empty disables them
	MaxFileSize int64  // Largest accepted upload in bytes; 0 is unlimited

	Repository Repository
	Staging    *staging.Area
	Messages   http.Handler // Replica message endpoint, usually the transport
	Metrics    http.Handler // Optional /metrics handler
	Hub        *Hub         // Optional outcome feed
	Logger     zerolog.Logger
}

// Server is the coordinator HTTP server.
type Server struct {
	cfg    Config
	router *mux.Router
	repo   Repository
	area   *staging.Area
	hub    *Hub
	logger zerolog.Logger

	httpMu    sync.Mutex
	http      *http.Server
	closeOnce sync.Once
	closeErr  error
}

// New creates a server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Repository == nil {
		return nil, errors.New("repository is required")
	}
	if cfg.Staging == nil {
		return nil, errors.New("staging area is required")
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(cfg.Logger)
	}

	s := &Server{
		cfg:    cfg,
		router: mux.NewRouter(),
		repo:   cfg.Repository,
		area:   cfg.Staging,
		hub:    cfg.Hub,
		logger: cfg.Logger.With().Str("component", "server").Logger(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}
	if s.cfg.Messages != nil {
		r.Handle("/api/v1/messages", s.cfg.Messages).Methods(http.MethodPost)
	}
	r.HandleFunc(staging.FilePath+"{filename}", s.handleStagedFile).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/files", s.withAuth(s.handleListFiles)).Methods(http.MethodGet)
	api.HandleFunc("/files/{filename}", s.withAuth(s.handleStore)).Methods(http.MethodPut)
	api.HandleFunc("/files/{filename}", s.withAuth(s.handleGetFile)).Methods(http.MethodGet)
	api.HandleFunc("/events", s.withAuth(s.handleEvents)).Methods(http.MethodGet)
	api.HandleFunc("/replicas", s.withAuth(s.handleReplicas)).Methods(http.MethodGet)

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/files/{filename}", s.withAdmin(s.handleAdminUpdate)).Methods(http.MethodPost)
	admin.HandleFunc("/files/{filename}/remove", s.withAdmin(s.handleRemove)).Methods(http.MethodPost)
	admin.HandleFunc("/replicas/{replica}/checksums", s.withAdmin(s.handleReplicaChecksums)).Methods(http.MethodGet)
	admin.HandleFunc("/replicas/{replica}/filenames", s.withAdmin(s.handleReplicaFilenames)).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the outcome feed.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpMu.Lock()
	s.http = srv
	s.httpMu.Unlock()

	s.logger.Info().Str("listen", ln.Addr().String()).Msg("starting arcrepo server")
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, closes the outcome feed and the
// repository.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.httpMu.Lock()
		srv := s.http
		s.httpMu.Unlock()

		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				s.closeErr = err
			}
		}
		s.hub.Close()
		if err := s.repo.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return s.requireToken(s.cfg.AuthToken, next)
}

func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			s.jsonError(w, "admin API disabled", http.StatusForbidden)
			return
		}
		s.requireToken(s.cfg.AdminToken, next)(w, r)
	}
}

func (s *Server) requireToken(want string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if want == "" {
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}
		if parts[1] != want {
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"replicas":    len(s.repo.Replicas()),
		"subscribers": s.hub.Count(),
	})
}

func (s *Server) handleStagedFile(w http.ResponseWriter, r *http.Request) {
	s.area.ServeFile(w, r, mux.Vars(r)["filename"])
}

func (s *Server) handleReplicas(w http.ResponseWriter, _ *http.Request) {
	resp := proto.ReplicaListResponse{Replicas: []proto.ReplicaInfo{}}
	for _, id := range s.repo.Replicas() {
		resp.Replicas = append(resp.Replicas, proto.ReplicaInfo{
			ID:      id.ID,
			Kind:    string(id.Kind),
			Channel: id.Channel,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, proto.ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
