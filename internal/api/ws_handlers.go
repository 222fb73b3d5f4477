package api

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handlePTY serves the interactive byte channel. The attach slot is
// claimed before the upgrade so busy/gone/not-found still map to
// proper HTTP statuses.
func (s *Server) handlePTY(w http.ResponseWriter, r *http.Request) {
	s.serveChannel(w, r, false)
}

// handleLineChannel serves the legacy command/response channel.
func (s *Server) handleLineChannel(w http.ResponseWriter, r *http.Request) {
	s.serveChannel(w, r, true)
}

func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request, lineMode bool) {
	id := r.PathValue("id")
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, err.Error(), nil)
		return
	}

	sess, shutdown, err := s.manager.Attach(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response; release the slot without
		// opening a grace window.
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		s.manager.Detach(id, sess.Tenant, false)
		return
	}

	ip := clientIP(r)
	s.logger.Info("websocket attached",
		"session_id", id,
		"user_id", sess.Tenant,
		"line_mode", lineMode,
		"client_ip", ip,
	)

	if lineMode {
		s.engine.ServeLine(r.Context(), ws, sess, shutdown, ip)
	} else {
		s.engine.ServePTY(r.Context(), ws, sess, shutdown, ip)
	}
}
