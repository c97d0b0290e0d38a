package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/netarchive/arcrepo/internal/arcrepository"
	"github.com/netarchive/arcrepo/internal/auth"
	"github.com/netarchive/arcrepo/pkg/proto"
)

func (s *Server) handleAdminUpdate(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	var req proto.AdminUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	update := arcrepository.AdminUpdate{
		Filename:  filename,
		ReplicaID: req.Replica,
		Checksum:  strings.ToLower(req.Checksum),
	}
	if req.State != "" {
		st, err := adminstore.ParseStoreState(strings.ToUpper(req.State))
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		update.State = st
	}

	if err := s.repo.UpdateAdminData(update); err != nil {
		s.adminError(w, err)
		return
	}

	rec, err := s.repo.Record(filename)
	if err != nil {
		s.adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.NewFileRecordView(rec))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]

	var req proto.RemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	data, err := s.repo.RemoveAndGet(r.Context(), filename, req.Replica, strings.ToLower(req.Checksum))
	if err != nil {
		s.adminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.RemoveResponse{
		Filename: filename,
		Replica:  req.Replica,
		Data:     data,
	})
}

func (s *Server) handleReplicaChecksums(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["replica"]
	lines, err := s.repo.AllChecksums(r.Context(), id)
	if err != nil {
		s.adminError(w, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, proto.ChecksumsResponse{Replica: id, Checksums: lines})
}

func (s *Server) handleReplicaFilenames(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["replica"]
	names, err := s.repo.AllFilenames(r.Context(), id)
	if err != nil {
		s.adminError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, proto.FilenamesResponse{Replica: id, Filenames: names})
}

// adminError maps coordinator errors to HTTP status codes.
func (s *Server) adminError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, arcrepository.ErrUnknownEntry), errors.Is(err, arcrepository.ErrUnknownReplica):
		code = http.StatusNotFound
	case errors.Is(err, arcrepository.ErrInvalidArgument), errors.Is(err, adminstore.ErrInvalidState):
		code = http.StatusBadRequest
	case errors.Is(err, arcrepository.ErrCorrectChecksum):
		code = http.StatusConflict
	case errors.Is(err, arcrepository.ErrQueryFailed):
		code = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	case errors.Is(err, auth.ErrNoSecret), errors.Is(err, arcrepository.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("admin request failed")
	}
	s.jsonError(w, err.Error(), code)
}
