package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kmorwood/stevedore/internal/control"
	"github.com/kmorwood/stevedore/internal/registry"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Plugin == "" {
		writeError(w, http.StatusBadRequest, "plugin is required")
		return
	}

	list, err := s.control.Start(r.Context(), req.Plugin)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, PluginListResponse{Plugins: list})
}

func (s *Server) handleStartDir(w http.ResponseWriter, r *http.Request) {
	var req StartDirRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Directory == "" {
		writeError(w, http.StatusBadRequest, "directory is required")
		return
	}

	list, err := s.control.StartDir(r.Context(), req.Directory)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, PluginListResponse{Plugins: list})
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	list, err := s.control.Rescan(r.Context())
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, PluginListResponse{Plugins: list})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Plugin == "" {
		writeError(w, http.StatusBadRequest, "plugin is required")
		return
	}

	result, err := s.control.Stop(r.Context(), req.Plugin)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, StopResponse{Result: result})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, PluginListResponse{Plugins: s.control.List()})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.journal.Tail(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	respondJSON(w, http.StatusOK, JournalResponse{Entries: entries})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	list := s.control.List()
	active := 0
	for _, p := range list {
		if p.Active {
			active++
		}
	}
	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PluginsKnown:  len(list),
		PluginsActive: active,
	})
}

// writeControlError maps the control error taxonomy onto HTTP status codes.
// Caller mistakes (bad path, unknown plugin, static plugin) are 400s; a
// handshake blowing up is a 500.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrNotDynamic),
		errors.Is(err, control.ErrNotExecutable),
		errors.Is(err, control.ErrDirUnreadable):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("control operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, ErrorResponse{Error: msg})
}
