package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nonos/noxterm/internal/store"
	"github.com/nonos/noxterm/protocol"
)

// Command classes for wall-clock timeouts on the line channel.
var longRunningPrefixes = []string{
	"apt ", "apt-get ", "git ", "wget ", "curl ", "pip ", "pip3 ", "npm ",
}

var editorPrefixes = []string{
	"nano ", "nano", "vim ", "vim", "vi ", "vi", "emacs ", "emacs",
}

const (
	longCommandTimeout    = 300 * time.Second
	editorCommandTimeout  = 30 * time.Second
	defaultCommandTimeout = 60 * time.Second
)

// commandTimeout picks the wall-clock budget for one command by its
// leading word: package/network operations get 5 minutes, editors a
// short leash (they cannot run interactively here), everything else a
// minute.
func commandTimeout(command string) time.Duration {
	trimmed := strings.TrimSpace(command)
	for _, p := range longRunningPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return longCommandTimeout
		}
	}
	for _, p := range editorPrefixes {
		if trimmed == strings.TrimSpace(p) || strings.HasPrefix(trimmed, p) {
			return editorCommandTimeout
		}
	}
	return defaultCommandTimeout
}

// rewriteCommand makes known-interactive apt invocations
// non-interactive so they cannot hang the one-shot exec.
func rewriteCommand(command string) string {
	trimmed := strings.TrimSpace(command)
	lower := strings.ToLower(trimmed)

	aptVerbs := []string{"install", "remove", "purge", "upgrade", "dist-upgrade", "autoremove"}
	for _, tool := range []string{"apt", "apt-get"} {
		for _, verb := range aptVerbs {
			prefix := tool + " " + verb
			if lower == prefix || strings.HasPrefix(lower, prefix+" ") {
				if !strings.Contains(lower, " -y") && !strings.Contains(lower, "--yes") {
					trimmed += " -y"
				}
				return "DEBIAN_FRONTEND=noninteractive " + trimmed
			}
		}
		if lower == tool+" update" {
			return "DEBIAN_FRONTEND=noninteractive " + trimmed
		}
	}
	return trimmed
}

// ServeLine runs the legacy line-oriented channel: each text frame is
// one whole command, answered with a structured JSON result frame.
func (e *Engine) ServeLine(ctx context.Context, ws *websocket.Conn, sess *store.Session, shutdown chan struct{}, clientIP string) {
	defer e.sessions.Detach(sess.ID, sess.Tenant, true)

	var once sync.Once
	closed := make(chan struct{})
	teardown := func() {
		once.Do(func() {
			close(closed)
			ws.Close()
		})
	}
	defer teardown()

	go func() {
		select {
		case <-shutdown:
		case <-ctx.Done():
		case <-closed:
		}
		teardown()
	}()

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := newTouchBatcher(e.sessions, sess.ID)

	go e.keepalive(ws, closed)
	go e.idleWatch(ws, &lastActivity, closed, teardown)

	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(protocol.NewConnected(sess.ID)); err != nil {
		return
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-closed:
			return
		default:
		}
		if mt != websocket.TextMessage {
			continue
		}

		command := strings.TrimSpace(string(data))
		if command == "" {
			continue
		}
		lastActivity.Store(time.Now().UnixNano())
		touch.maybe()

		if result := e.sessions.ValidateCommand(sess.ID, sess.Tenant, command, clientIP); !result.Safe {
			e.writeLineResult(ws, protocol.NewLineError(command, "Command blocked: "+result.Reason))
			continue
		}

		rewritten := rewriteCommand(command)
		runCtx, cancel := context.WithTimeout(ctx, commandTimeout(command))
		output, err := e.runtime.RunCommand(runCtx, sess.ContainerID, rewritten)
		cancel()

		e.sessions.AuditCommand(sess.ID, sess.Tenant, command)

		if err != nil {
			msg := err.Error()
			if errors.Is(err, context.DeadlineExceeded) {
				msg = "Command timed out"
			}
			e.writeLineResult(ws, protocol.NewLineError(command, msg))
			continue
		}
		e.writeLineResult(ws, protocol.NewLineOutput(command, output))
	}
}

func (e *Engine) writeLineResult(ws *websocket.Conn, result protocol.LineResult) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(result); err != nil {
		e.logger.Debug("writing line result", "error", err)
	}
}
