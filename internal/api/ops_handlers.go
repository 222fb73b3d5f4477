package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nonos/noxterm/internal/security"
	"github.com/nonos/noxterm/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "noxterm",
		"version":        Version,
		"build_time":     BuildTime,
		"git_hash":       GitHash,
		"environment":    s.cfg.Environment,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(startTime).Seconds()),
	})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	running, err := s.store.ListSessions("", store.StatusRunning, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	disconnected, err := s.store.ListSessions("", store.StatusDisconnected, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}

	containers := 0
	for _, sess := range running {
		if sess.ContainerID != "" {
			containers++
		}
	}

	pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dockerOK := s.runtime.Ping(pingCtx) == nil
	storeOK := s.store.Ping(pingCtx) == nil

	status := "ok"
	if !dockerOK || !storeOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":                status,
		"docker":                dockerOK,
		"store":                 storeOK,
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
		"active_sessions":       len(running),
		"disconnected_sessions": len(disconnected),
		"containers":            containers,
		"privacy":               s.relay.State(),
		"health_samples":        len(s.recon.Snapshot()),
	})
}

func (s *Server) handleTenantContainers(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if !security.ValidateTenant(tenant) {
		writeValidationError(w, "invalid user id", nil)
		return
	}
	sessions, err := s.store.ListSessions(tenant, store.StatusRunning, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	containers := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		if sess.ContainerID == "" {
			continue
		}
		entry := map[string]any{
			"session_id":     sess.ID,
			"container_id":   sess.ContainerID,
			"container_name": sess.ContainerName,
			"image":          sess.Image,
		}
		if health, ok := s.recon.SessionHealth(sess.ID); ok {
			entry["health"] = health
		}
		containers = append(containers, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    tenant,
		"containers": containers,
		"count":      len(containers),
	})
}

func (s *Server) handleTenantSessions(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if !security.ValidateTenant(tenant) {
		writeValidationError(w, "invalid user id", nil)
		return
	}
	infos, err := s.manager.List(r.Context(), tenant, r.URL.Query().Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":  tenant,
		"sessions": infos,
		"count":    len(infos),
	})
}

func (s *Server) handleTenantActive(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if !security.ValidateTenant(tenant) {
		writeValidationError(w, "invalid user id", nil)
		return
	}
	n, err := s.manager.ActiveCount(tenant)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":        tenant,
		"active":         n,
		"max_containers": s.cfg.MaxSessionsPerUser,
	})
}

func (s *Server) handleTenantAudit(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if !security.ValidateTenant(tenant) {
		writeValidationError(w, "invalid user id", nil)
		return
	}
	events, err := s.store.AuditByTenant(tenant, queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": tenant,
		"events":  events,
		"count":   len(events),
	})
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.RecentSecurityEvents(queryLimit(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) handleRateStatus(w http.ResponseWriter, r *http.Request) {
	identifier := r.PathValue("id")
	endpoint := r.PathValue("endpoint")
	window := time.Duration(s.cfg.RateLimit.SessionCreateWindow) * time.Second
	count, err := s.store.RateCount(identifier, endpoint, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := s.cfg.RateLimit.SessionCreateLimit
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identifier":     identifier,
		"endpoint":       endpoint,
		"count":          count,
		"limit":          limit,
		"remaining":      remaining,
		"window_seconds": s.cfg.RateLimit.SessionCreateWindow,
	})
}

func (s *Server) handlePrivacyEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Start(r.Context()); err != nil {
		s.logger.Error("starting relay", "error", err)
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.relay.State())
}

func (s *Server) handlePrivacyDisable(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Stop(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.relay.State())
}

func (s *Server) handlePrivacyStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.State())
}

func (s *Server) handlePrivacyTest(w http.ResponseWriter, r *http.Request) {
	result, err := s.relay.TestConnection(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
