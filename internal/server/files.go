package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/netarchive/arcrepo/internal/arcrepository"
	"github.com/netarchive/arcrepo/internal/replica"
	"github.com/netarchive/arcrepo/internal/staging"
	"github.com/netarchive/arcrepo/pkg/proto"
)

// handleStore stages the request body and answers once the store is decided.
func (s *Server) handleStore(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	if !staging.ValidName(filename) {
		s.jsonError(w, fmt.Sprintf("invalid filename %q", filename), http.StatusBadRequest)
		return
	}
	declared := strings.ToLower(strings.TrimSpace(r.Header.Get(proto.ChecksumHeader)))
	if declared == "" {
		s.jsonError(w, "missing "+proto.ChecksumHeader+" header", http.StatusBadRequest)
		return
	}

	// A conflicting checksum is answered without staging, so the bytes of a
	// store still in flight stay untouched.
	rec, err := s.repo.Record(filename)
	switch {
	case err == nil && rec.Checksum != declared:
		s.startStore(w, r, replica.File{Name: filename, Checksum: declared})
		return
	case err != nil && !errors.Is(err, arcrepository.ErrUnknownEntry):
		s.logger.Error().Err(err).Str("filename", filename).Msg("failed to read admin record")
		s.jsonError(w, "failed to read admin record", http.StatusInternalServerError)
		return
	}

	var body io.Reader = r.Body
	if s.cfg.MaxFileSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize)
	}

	file, err := s.area.StageVerified(filename, declared, body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.jsonError(w, fmt.Sprintf("file larger than %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
		case errors.Is(err, staging.ErrChecksumMismatch), errors.Is(err, staging.ErrInvalidName):
			s.jsonError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, staging.ErrStagedConflict):
			s.jsonError(w, err.Error(), http.StatusConflict)
		default:
			s.logger.Error().Err(err).Str("filename", filename).Msg("failed to stage file")
			s.jsonError(w, "failed to stage file", http.StatusInternalServerError)
		}
		return
	}

	s.logger.Debug().
		Str("filename", filename).
		Int64("size", file.Size).
		Msg("file staged")
	s.startStore(w, r, file)
}

func (s *Server) startStore(w http.ResponseWriter, r *http.Request, file replica.File) {
	waiter := arcrepository.NewReplyWaiter()

	if err := s.repo.StartStore(file, waiter); err != nil {
		switch {
		case errors.Is(err, arcrepository.ErrChecksumConflict):
			if file.URL != "" {
				_ = s.area.Release(file.Name)
			}
			writeJSON(w, http.StatusConflict, proto.StoreResponse{
				Filename: file.Name,
				Error:    err.Error(),
			})
		case errors.Is(err, arcrepository.ErrClosed):
			s.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		case errors.Is(err, arcrepository.ErrInvalidArgument):
			s.jsonError(w, err.Error(), http.StatusBadRequest)
		default:
			s.logger.Error().Err(err).Str("filename", file.Name).Msg("failed to start store")
			s.jsonError(w, "failed to start store", http.StatusInternalServerError)
		}
		return
	}

	reply, err := waiter.Wait(r.Context())
	if err != nil {
		// The outcome is still recorded and published on the feed.
		s.logger.Debug().Err(err).Str("filename", file.Name).Msg("caller left before the store was decided")
		return
	}

	code := http.StatusOK
	if !reply.OK {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, proto.StoreResponse{
		Filename: file.Name,
		OK:       reply.OK,
		Error:    reply.Reason,
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	rec, err := s.repo.Record(filename)
	if errors.Is(err, arcrepository.ErrUnknownEntry) {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("filename", filename).Msg("failed to read admin record")
		s.jsonError(w, "failed to read admin record", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, proto.NewFileRecordView(rec))
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	var state adminstore.StoreState
	if q := r.URL.Query().Get("state"); q != "" {
		st, err := adminstore.ParseStoreState(strings.ToUpper(q))
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		state = st
	}

	records, err := s.repo.List(state)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list admin records")
		s.jsonError(w, "failed to list admin records", http.StatusInternalServerError)
		return
	}

	resp := proto.FileListResponse{Files: make([]proto.FileRecordView, 0, len(records))}
	for _, rec := range records {
		resp.Files = append(resp.Files, proto.NewFileRecordView(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}
