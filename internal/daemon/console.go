package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devdock/devdock/internal/auth"
	"github.com/devdock/devdock/internal/docker"
	"github.com/devdock/devdock/internal/models"
)

const (
	defaultPtyRows = 24
	defaultPtyCols = 80

	consoleReadLimit = 1 << 20
	writeWait        = 10 * time.Second
	cleanupTimeout   = 5 * time.Second
)

// userDirectory resolves authenticated users; satisfied by *db.Store.
type userDirectory interface {
	GetUserByID(ctx context.Context, id int64) (models.User, error)
}

// ConsoleHandler serves the interactive console WebSocket. Each
// connection targets one container (?container=ID) and must authenticate
// on its first message before any action is honored.
type ConsoleHandler struct {
	runtime  docker.Runtime
	signer   *auth.Signer
	users    userDirectory
	logger   *log.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader
}

// NewConsoleHandler constructs the console endpoint handler.
func NewConsoleHandler(rt docker.Runtime, signer *auth.Signer, users userDirectory, logger *log.Logger) *ConsoleHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &ConsoleHandler{
		runtime: rt,
		signer:  signer,
		users:   users,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// WithMetrics attaches a metrics sink and returns the handler.
func (h *ConsoleHandler) WithMetrics(m *Metrics) *ConsoleHandler {
	h.metrics = m
	return h
}

// consoleMessage is the client frame. The token rides on the first
// message only; afterwards it is ignored.
type consoleMessage struct {
	Token   string         `json:"token"`
	Action  string         `json:"action"`
	Payload consolePayload `json:"payload"`
}

type consolePayload struct {
	ID    string       `json:"Id"`
	Input *string      `json:"input"`
	Size  *consoleSize `json:"size"`
}

type consoleSize struct {
	Rows uint `json:"rows"`
	Cols uint `json:"cols"`
}

func (h *ConsoleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	containerID := r.URL.Query().Get("container")
	if containerID == "" {
		http.Error(w, "missing container query", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.serve(conn)
}

// serve runs the per-connection loop until the socket closes or a
// message fails, then tears the active stream down exactly once.
func (h *ConsoleHandler) serve(conn *websocket.Conn) {
	conn.SetReadLimit(consoleReadLimit)
	sock := &wsConn{conn: conn}
	state := &consoleState{}
	defer func() {
		state.shutdown()
		_ = conn.Close()
	}()

	authenticated := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg consoleMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if !authenticated {
			if !h.authorize(context.Background(), msg.Token) {
				sock.writeClose(websocket.ClosePolicyViolation, "Unauthorized")
				return
			}
			authenticated = true
		}
		if err := h.handleMessage(state, sock, msg); err != nil {
			h.logger.Printf("devdockd: console message error: %v", err)
			return
		}
	}
}

// authorize checks the access token and that its user still exists.
func (h *ConsoleHandler) authorize(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	claims, err := h.signer.VerifyAccess(token)
	if err != nil {
		return false
	}
	if h.users != nil {
		if _, err := h.users.GetUserByID(ctx, claims.UserID); err != nil {
			return false
		}
	}
	return true
}

func (h *ConsoleHandler) handleMessage(state *consoleState, sock *wsConn, msg consoleMessage) error {
	switch msg.Action {
	case "shell":
		if msg.Payload.ID == "" {
			return fmt.Errorf("shell: missing Id")
		}
		return h.startShell(state, sock, msg.Payload.ID)
	case "attach":
		if msg.Payload.ID == "" {
			return fmt.Errorf("attach: missing Id")
		}
		return h.startAttach(state, sock, msg.Payload.ID)
	case "pty_input":
		if msg.Payload.Input == nil {
			return fmt.Errorf("pty_input: missing input")
		}
		return state.writeInput([]byte(*msg.Payload.Input))
	case "pty_resize":
		if msg.Payload.Size == nil {
			return fmt.Errorf("pty_resize: missing size")
		}
		rows, cols := msg.Payload.Size.Rows, msg.Payload.Size.Cols
		if rows == 0 {
			rows = defaultPtyRows
		}
		if cols == 0 {
			cols = defaultPtyCols
		}
		return h.resize(state, rows, cols)
	default:
		// Unknown actions are ignored, matching the web client's
		// tolerance for protocol drift.
		return nil
	}
}

// startShell execs a fresh login shell in the container. The wrapper
// records the shell's pid in a sentinel file so cleanup can kill it when
// the socket goes away.
func (h *ConsoleHandler) startShell(state *consoleState, sock *wsConn, containerID string) error {
	ctx := context.Background()
	running, err := h.runtime.ContainerRunning(ctx, containerID)
	if err != nil || !running {
		return fmt.Errorf("container %s is not running", containerID)
	}
	pidPath := fmt.Sprintf("/tmp/_process_%s.pid", uuid.NewString())
	script := fmt.Sprintf("echo $$ > %s; exec /bin/bash", pidPath)
	execID, err := h.runtime.CreateExec(ctx, containerID, []string{"sh", "-c", script}, true, true)
	if err != nil {
		return err
	}
	stream, err := h.runtime.AttachExec(ctx, execID, true)
	if err != nil {
		return err
	}
	h.metrics.ConsoleSessionOpened("shell")
	session := &consoleSession{stream: stream, execID: execID}
	session.cleanup = h.cleanupFunc(session, func() {
		h.killSentinel(containerID, pidPath)
	})
	state.replace(session)
	go h.forward(stream, sock)
	return nil
}

// startAttach hooks onto the container's primary process, backlog
// included.
func (h *ConsoleHandler) startAttach(state *consoleState, sock *wsConn, containerID string) error {
	ctx := context.Background()
	running, err := h.runtime.ContainerRunning(ctx, containerID)
	if err != nil || !running {
		return fmt.Errorf("container %s is not running", containerID)
	}
	stream, err := h.runtime.AttachContainer(ctx, containerID)
	if err != nil {
		return err
	}
	h.metrics.ConsoleSessionOpened("attach")
	session := &consoleSession{stream: stream}
	session.cleanup = h.cleanupFunc(session, nil)
	state.replace(session)
	go h.forward(stream, sock)
	return nil
}

func (h *ConsoleHandler) resize(state *consoleState, rows, cols uint) error {
	execID := state.execID()
	if execID == "" {
		// No shell exec to resize; attach sessions have no PTY handle.
		return nil
	}
	return h.runtime.ResizeExec(context.Background(), execID, rows, cols)
}

// cleanupFunc wraps stream teardown and the optional sentinel kill in a
// once guard so replacement and connection close cannot double-fire.
func (h *ConsoleHandler) cleanupFunc(session *consoleSession, extra func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			session.stream.Close()
			if extra != nil {
				extra()
			}
			h.metrics.ConsoleSessionClosed()
		})
	}
}

// killSentinel terminates the shell left behind by a closed session via
// a detached exec. The connection is gone by now, so this runs on its
// own deadline.
func (h *ConsoleHandler) killSentinel(containerID, pidPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	script := fmt.Sprintf("kill $(( $(cat %s 2>/dev/null) )) 2>/dev/null; rm -f %s", pidPath, pidPath)
	execID, err := h.runtime.CreateExec(ctx, containerID, []string{"sh", "-c", script}, false, false)
	if err != nil {
		h.logger.Printf("devdockd: console cleanup exec failed: %v", err)
		return
	}
	if err := h.runtime.StartExecDetached(ctx, execID); err != nil {
		h.logger.Printf("devdockd: console cleanup start failed: %v", err)
	}
}

// forward pumps container output to the socket as text frames and closes
// the socket normally when the stream ends, so the client sees a clean
// end of session rather than an error. Every frame must be valid UTF-8
// or conforming clients drop the connection, so invalid sequences are
// replaced and a multibyte rune split across two reads is held back
// until its tail arrives.
func (h *ConsoleHandler) forward(stream *docker.ConsoleStream, sock *wsConn) {
	buf := make([]byte, 32*1024)
	var pending []byte
	for {
		n, err := stream.Output.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			emit, rest := splitTrailingPartialRune(pending)
			if len(emit) > 0 {
				if werr := sock.writeText(strings.ToValidUTF8(string(emit), "�")); werr != nil {
					break
				}
			}
			pending = append(pending[:0], rest...)
		}
		if err != nil {
			if len(pending) > 0 {
				_ = sock.writeText(strings.ToValidUTF8(string(pending), "�"))
			}
			break
		}
	}
	sock.writeClose(websocket.CloseNormalClosure, "session ended")
}

// splitTrailingPartialRune peels an incomplete multibyte sequence off the
// end of b, if one is there. Bytes that can never complete into a rune
// stay in head so the replacement pass handles them.
func splitTrailingPartialRune(b []byte) (head, tail []byte) {
	for back := 1; back < utf8.UTFMax && back <= len(b); back++ {
		c := b[len(b)-back]
		if c < utf8.RuneSelf {
			return b, nil
		}
		if !utf8.RuneStart(c) {
			continue
		}
		if runeLen(c) > back {
			return b[:len(b)-back], b[len(b)-back:]
		}
		return b, nil
	}
	return b, nil
}

// runeLen is the encoded length a UTF-8 start byte announces; invalid
// start bytes count as one so they are never held back.
func runeLen(c byte) int {
	switch {
	case c&0xE0 == 0xC0:
		return 2
	case c&0xF0 == 0xE0:
		return 3
	case c&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}

// consoleSession is one live shell or attach stream.
type consoleSession struct {
	stream  *docker.ConsoleStream
	execID  string
	cleanup func()
}

// consoleState guards the connection's active session pointer.
type consoleState struct {
	mu     sync.Mutex
	active *consoleSession
}

// replace installs a new session, tearing down the previous one.
func (s *consoleState) replace(session *consoleSession) {
	s.mu.Lock()
	old := s.active
	s.active = session
	s.mu.Unlock()
	if old != nil {
		old.cleanup()
	}
}

// shutdown tears down whatever session is active.
func (s *consoleState) shutdown() {
	s.replace(nil)
}

func (s *consoleState) writeInput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.stream.Input == nil {
		return nil
	}
	if _, err := s.active.stream.Input.Write(data); err != nil {
		return fmt.Errorf("pty input: %w", err)
	}
	return nil
}

func (s *consoleState) execID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.execID
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeText(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

func (c *wsConn) writeClose(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
