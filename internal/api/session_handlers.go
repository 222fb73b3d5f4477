package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/nonos/noxterm/internal/session"
)

type createSessionRequest struct {
	UserID   string            `json:"user_id"`
	Image    string            `json:"image"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error(), nil)
		return
	}
	if req.UserID == "" {
		writeValidationError(w, "user_id is required", nil)
		return
	}

	s.logger.Debug("create session request", "user_id", req.UserID, "image", req.Image)
	info, err := s.manager.Create(r.Context(), session.CreateOpts{
		Tenant:    req.UserID,
		Image:     req.Image,
		ClientIP:  clientIP(r),
		UserAgent: r.UserAgent(),
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.logger.Error("create session", "user_id", req.UserID, "error", err)
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	info, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.List(r.Context(), r.URL.Query().Get("user_id"), r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if err := s.manager.Terminate(r.Context(), id); err != nil {
		s.logger.Error("terminate session", "session_id", id, "error", err)
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "session_id": id})
}

func (s *Server) handleReattach(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	info, err := s.manager.Reattach(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if err := s.manager.Touch(id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSessionContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	info, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := map[string]any{
		"session_id":     info.ID,
		"status":         info.Status,
		"container_id":   info.ContainerID,
		"container_name": info.ContainerName,
		"image":          info.Image,
		"attached":       s.manager.Attached(id),
	}
	if health, ok := s.recon.SessionHealth(id); ok {
		resp["health"] = health
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleValidate checks a candidate command. The body is the raw
// bytes, not a JSON envelope; blocked input answers 403.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeValidationError(w, "reading body: "+err.Error(), nil)
		return
	}
	info, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result := s.manager.ValidateCommand(id, info.Tenant, string(body), clientIP(r))
	if !result.Safe {
		writeJSON(w, http.StatusForbidden, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	if _, err := s.manager.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	// prefer the live cache, fall back to the last persisted sample
	if health, ok := s.recon.SessionHealth(id); ok {
		writeJSON(w, http.StatusOK, health)
		return
	}
	sample, err := s.store.LatestMetrics(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if sample == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "available": false})
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleSessionMetricsHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	since := time.Now().Add(-time.Hour)
	if v := r.URL.Query().Get("since_minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			since = time.Now().Add(-time.Duration(n) * time.Minute)
		}
	}
	samples, err := s.store.MetricsHistory(id, since, queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"samples":    samples,
		"count":      len(samples),
	})
}

func (s *Server) handleSessionAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}
	events, err := s.store.AuditBySession(id, queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     events,
		"count":      len(events),
	})
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return 100
}
