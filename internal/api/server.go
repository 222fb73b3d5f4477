package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nonos/noxterm/internal/config"
	"github.com/nonos/noxterm/internal/lifecycle"
	"github.com/nonos/noxterm/internal/privacy"
	"github.com/nonos/noxterm/internal/session"
	"github.com/nonos/noxterm/internal/store"
	"github.com/nonos/noxterm/internal/stream"
)

// Pinger reports container runtime reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg     *config.Config
	manager *session.Manager
	store   *store.Store
	recon   *lifecycle.Reconciler
	relay   *privacy.Supervisor
	engine  *stream.Engine
	runtime Pinger
	logger  *slog.Logger
	mux     *http.ServeMux
}

func NewServer(cfg *config.Config, mgr *session.Manager, st *store.Store, recon *lifecycle.Reconciler, relay *privacy.Supervisor, engine *stream.Engine, runtime Pinger, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		store:   st,
		recon:   recon,
		relay:   relay,
		engine:  engine,
		runtime: runtime,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.requestIDMiddleware(s.mux))
}

func (s *Server) routes() {
	// health + operational surface
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/detailed", s.handleHealthDetailed)
	s.mux.Handle("GET /metrics", s.metricsHandler())

	// session lifecycle
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.handleTerminateSession)
	s.mux.HandleFunc("POST /api/sessions/{id}/reattach", s.handleReattach)
	s.mux.HandleFunc("POST /api/sessions/{id}/reconnect", s.handleReattach) // legacy alias
	s.mux.HandleFunc("POST /api/sessions/{id}/touch", s.handleTouch)
	s.mux.HandleFunc("GET /api/sessions/{id}/container", s.handleSessionContainer)
	s.mux.HandleFunc("POST /api/sessions/{id}/validate", s.handleValidate)
	s.mux.HandleFunc("GET /api/sessions/{id}/metrics", s.handleSessionMetrics)
	s.mux.HandleFunc("GET /api/sessions/{id}/metrics/history", s.handleSessionMetricsHistory)
	s.mux.HandleFunc("GET /api/sessions/{id}/audit", s.handleSessionAudit)

	// tenant views
	s.mux.HandleFunc("GET /api/users/{tenant}/containers", s.handleTenantContainers)
	s.mux.HandleFunc("GET /api/users/{tenant}/sessions", s.handleTenantSessions)
	s.mux.HandleFunc("GET /api/users/{tenant}/active", s.handleTenantActive)
	s.mux.HandleFunc("GET /api/users/{tenant}/audit", s.handleTenantAudit)

	// security + rate limit introspection
	s.mux.HandleFunc("GET /api/security/events", s.handleSecurityEvents)
	s.mux.HandleFunc("GET /api/ratelimit/{id}/{endpoint}", s.handleRateStatus)

	// egress relay
	s.mux.HandleFunc("POST /api/privacy/enable", s.handlePrivacyEnable)
	s.mux.HandleFunc("POST /api/privacy/disable", s.handlePrivacyDisable)
	s.mux.HandleFunc("GET /api/privacy/status", s.handlePrivacyStatus)
	s.mux.HandleFunc("GET /api/privacy/test", s.handlePrivacyTest)

	// websocket channels
	s.mux.HandleFunc("GET /pty/{id}", s.handlePTY)
	s.mux.HandleFunc("GET /ws/{id}", s.handleLineChannel)
}

// writeError enriches quota denials with the configured ceiling before
// falling through to the shared mapping.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrQuotaExceeded) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(APIError{
			Code:    ErrCodeQuotaExceeded,
			Message: "Container limit reached",
			Details: map[string]any{
				"max_containers": s.cfg.MaxSessionsPerUser,
				"retry_after":    60,
			},
		})
		return
	}
	writeAPIError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
