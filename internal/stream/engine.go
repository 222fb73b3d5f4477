// Package stream pumps terminal traffic between WebSocket clients and
// container execs. The raw PTY channel relays bytes untouched; the
// legacy line channel runs one command per frame.
package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nonos/noxterm/internal/docker"
	"github.com/nonos/noxterm/internal/security"
	"github.com/nonos/noxterm/internal/store"
	"github.com/nonos/noxterm/protocol"
)

// Runtime is the exec surface the pump needs.
type Runtime interface {
	ExecShell(ctx context.Context, containerID string, cmd []string, env []string) (*docker.TTYSession, error)
	RunCommand(ctx context.Context, containerID, command string) (string, error)
}

// Sessions is the manager surface the pump reports into.
type Sessions interface {
	Touch(id string) error
	Detach(id, tenant string, disconnect bool)
	ValidateCommand(sessionID, tenant, input, clientIP string) security.ValidationResult
	AuditCommand(sessionID, tenant, command string)
}

// Egress tells the pump whether shells must route through the proxy.
type Egress interface {
	Enabled() bool
}

const (
	pongWait     = 90 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second

	// tty side
	outputReadTimeout  = 60 * time.Second
	maxOutputErrors    = 5
	outputErrorBackoff = 100 * time.Millisecond

	// activity bookkeeping
	touchInterval     = 5 * time.Second
	idleCheckInterval = 10 * time.Second

	initialCols = 80
	initialRows = 24
)

type Engine struct {
	runtime     Runtime
	sessions    Sessions
	egress      Egress
	idleTimeout time.Duration
	logger      *slog.Logger
}

func NewEngine(rt Runtime, sessions Sessions, egress Egress, idleTimeout time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		runtime:     rt,
		sessions:    sessions,
		egress:      egress,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// shellCommand builds the interactive shell invocation. With proxied
// egress the shell first pins curl and ALL_PROXY to the SOCKS
// endpoint the container was wired with, then execs the login shell.
func shellCommand(proxied bool) []string {
	if !proxied {
		return []string{"/bin/bash", "--login", "-i"}
	}
	const preamble = `printf 'proxy = "socks5h://%s"\n' "$NOXTERM_SOCKS_PROXY" > /root/.curlrc && ` +
		`export ALL_PROXY="socks5h://$NOXTERM_SOCKS_PROXY" all_proxy="socks5h://$NOXTERM_SOCKS_PROXY"; ` +
		`exec /bin/bash --login -i`
	return []string{"/bin/bash", "-c", preamble}
}

func shellEnv() []string {
	return []string{
		"TERM=xterm-256color",
		"LANG=en_US.UTF-8",
		"LC_ALL=en_US.UTF-8",
		"HOME=/root",
	}
}

// ServePTY runs the raw PTY pump until the client leaves, the shell
// exits, the idle ceiling hits, or the shutdown signal fires. On
// return the stream is detached and the session enters its grace
// window (a no-op if it was terminated underneath us).
func (e *Engine) ServePTY(ctx context.Context, ws *websocket.Conn, sess *store.Session, shutdown chan struct{}, clientIP string) {
	defer e.sessions.Detach(sess.ID, sess.Tenant, true)

	tty, err := e.runtime.ExecShell(ctx, sess.ContainerID, shellCommand(e.egress != nil && e.egress.Enabled()), shellEnv())
	if err != nil {
		e.logger.Error("starting shell", "session_id", sess.ID, "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "shell start failed"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}

	var once sync.Once
	closed := make(chan struct{})
	teardown := func() {
		once.Do(func() {
			close(closed)
			tty.Close()
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

	// give the shell a moment to settle, then pin the geometry and
	// greet the client before the pumps start writing
	time.Sleep(100 * time.Millisecond)
	if err := tty.Resize(ctx, initialCols, initialRows); err != nil {
		e.logger.Debug("initial resize", "session_id", sess.ID, "error", err)
	}
	e.writeBanner(ws)

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := newTouchBatcher(e.sessions, sess.ID)

	resizeCh := make(chan [2]uint, 4)
	go e.resizeLoop(ctx, tty, resizeCh, closed)
	go e.keepalive(ws, closed)
	go e.idleWatch(ws, &lastActivity, closed, teardown)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer teardown()
		e.pumpOutput(ctx, ws, tty, sess.ID)
	}()
	go func() {
		defer wg.Done()
		defer teardown()
		e.pumpInput(ws, tty, resizeCh, &lastActivity, touch, closed)
	}()
	wg.Wait()

	e.logger.Info("pty stream closed", "session_id", sess.ID)
}

// pumpOutput relays raw terminal bytes to the client as binary
// frames, byte-exact. Read timeouts double as exec liveness checks.
func (e *Engine) pumpOutput(ctx context.Context, ws *websocket.Conn, tty *docker.TTYSession, sessionID string) {
	buf := make([]byte, 4096)
	consecutive := 0
	for {
		tty.Conn.SetReadDeadline(time.Now().Add(outputReadTimeout))
		n, err := tty.Reader.Read(buf)
		if n > 0 {
			consecutive = 0
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			running, rerr := tty.Running(ctx)
			if rerr == nil && !running {
				e.writeNotice(ws, "\r\n[Shell exited]\r\n")
				return
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			e.writeNotice(ws, "\r\n[Shell exited]\r\n")
			return
		}
		consecutive++
		if consecutive >= maxOutputErrors {
			e.logger.Warn("giving up on terminal output", "session_id", sessionID, "error", err)
			return
		}
		time.Sleep(outputErrorBackoff)
	}
}

// pumpInput forwards client frames to the shell. Text frames are
// terminal input unless they parse as a resize request or a legacy
// raw-prefixed control code; binary frames pass through untouched.
func (e *Engine) pumpInput(ws *websocket.Conn, tty *docker.TTYSession, resizeCh chan [2]uint, lastActivity *atomic.Int64, touch *touchBatcher, closed chan struct{}) {
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

		lastActivity.Store(time.Now().UnixNano())
		touch.maybe()

		if mt == websocket.TextMessage {
			if cols, rows, ok := protocol.ParseResize(data); ok {
				select {
				case resizeCh <- [2]uint{cols, rows}:
				default: // coalesce bursts
				}
				continue
			}
			if b, ok := protocol.DecodeRawControl(data); ok {
				data = []byte{b}
			}
		}
		if len(data) == 0 {
			continue
		}
		if _, err := tty.Conn.Write(data); err != nil {
			return
		}
	}
}

func (e *Engine) resizeLoop(ctx context.Context, tty *docker.TTYSession, resizeCh chan [2]uint, closed chan struct{}) {
	for {
		select {
		case dims := <-resizeCh:
			if err := tty.Resize(ctx, dims[0], dims[1]); err != nil {
				e.logger.Debug("resize failed", "cols", dims[0], "rows", dims[1], "error", err)
			}
		case <-closed:
			return
		}
	}
}

// keepalive pings the client so intermediaries keep the socket open;
// the pong handler extends the read deadline.
func (e *Engine) keepalive(ws *websocket.Conn, closed chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// idleWatch enforces the idle ceiling from the server side. A zero or
// negative ceiling disables it.
func (e *Engine) idleWatch(ws *websocket.Conn, lastActivity *atomic.Int64, closed chan struct{}, teardown func()) {
	if e.idleTimeout <= 0 {
		return
	}
	tick := idleCheckInterval
	if e.idleTimeout < tick {
		tick = e.idleTimeout
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastActivity.Load()))
			if idle >= e.idleTimeout {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout"),
					time.Now().Add(writeWait))
				teardown()
				return
			}
		case <-closed:
			return
		}
	}
}

// readyBanner clears the client terminal and confirms the PTY is live.
const readyBanner = "\x1b[2J\x1b[H\r\n\U0001f977 NØXTERM PTY Ready!\r\n\r\n" +
	"Editor shortcuts:\r\n" +
	"• nano: Ctrl+O (save), Ctrl+X (exit), Ctrl+W (search)\r\n" +
	"• vim:  :w (save), :q (quit), :wq (save+quit), ESC (normal mode)\r\n" +
	"• cd, ls, cat, etc. all work normally\r\n\r\n"

func (e *Engine) writeBanner(ws *websocket.Conn) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.BinaryMessage, []byte(readyBanner))
}

func (e *Engine) writeNotice(ws *websocket.Conn, msg string) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.BinaryMessage, []byte(msg))
}

// touchBatcher coalesces activity updates to at most one store write
// per interval.
type touchBatcher struct {
	sessions  Sessions
	sessionID string
	mu        sync.Mutex
	lastTouch time.Time
}

func newTouchBatcher(sessions Sessions, sessionID string) *touchBatcher {
	return &touchBatcher{sessions: sessions, sessionID: sessionID}
}

func (t *touchBatcher) maybe() {
	t.mu.Lock()
	due := time.Since(t.lastTouch) >= touchInterval
	if due {
		t.lastTouch = time.Now()
	}
	t.mu.Unlock()
	if due {
		t.sessions.Touch(t.sessionID)
	}
}
