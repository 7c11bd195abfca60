// Package wsconn drives a single WebSocket terminal connection through its
// state machine: Opened -> AwaitingAuth -> Authenticated -> Closing/Closed.
// Output delivery to the client uses the same non-blocking,
// drop-if-full-channel pattern the teacher's TerminalOutputSender uses,
// generalized from string payloads to framed JSON.
package wsconn

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trybotster/webterm-hubd/internal/apierror"
	"github.com/trybotster/webterm-hubd/internal/authz"
	"github.com/trybotster/webterm-hubd/internal/jwtauth"
	"github.com/trybotster/webterm-hubd/internal/protocol"
	"github.com/trybotster/webterm-hubd/internal/ptyproc"
	"github.com/trybotster/webterm-hubd/internal/ratelimit"
	"github.com/trybotster/webterm-hubd/internal/session"
)

const (
	HeartbeatInterval = 5 * time.Second
	ClientTimeout     = 30 * time.Second
	AuthTimeout       = 30 * time.Second
)

// State is the connection's lifecycle state.
type State int

const (
	StateOpened State = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosing
	StateClosed
)

// Deps bundles the collaborators a Conn needs; Conn itself has no direct
// knowledge of how any of them are constructed.
type Deps struct {
	Sessions   *session.Manager
	PTY        *ptyproc.Manager
	Validator  *jwtauth.Validator
	Authz      *authz.Service
	ConnLimit  *ratelimit.ConnLimiter
	Logger     *slog.Logger
}

// outputSender delivers frames to the client socket, dropping output if the
// client can't keep up rather than blocking the PTY reader.
type outputSender struct {
	mu     sync.RWMutex
	ch     chan []byte
	closed bool
}

func newOutputSender(buffer int) *outputSender {
	return &outputSender{ch: make(chan []byte, buffer)}
}

func (s *outputSender) send(frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- frame:
	default:
		// Client is behind; drop rather than block the PTY reader.
	}
}

func (s *outputSender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// UserContext identifies the authenticated principal on a connection.
type UserContext struct {
	UserID string
	Email  string
	Role   authz.Role
	Groups []string
}

// Conn supervises one live WebSocket connection: authentication, heartbeat,
// the PTY-output pump, and the inbound-frame pump, all scoped to a single
// cancellable context so that any exit path tears everything down exactly
// once.
type Conn struct {
	ws   *websocket.Conn
	deps Deps

	mu          sync.Mutex
	state       State
	user        *UserContext
	sessionID   session.ID
	ptyID       string
	lastTraffic time.Time

	out      *outputSender
	closeOnce sync.Once
}

// New wraps an upgraded WebSocket connection.
func New(ws *websocket.Conn, deps Deps) *Conn {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ws.SetReadLimit(protocol.MaxFrameBytes)
	return &Conn{
		ws:          ws,
		deps:        deps,
		state:       StateOpened,
		lastTraffic: time.Now(),
		out:         newOutputSender(256),
	}
}

// Run drives the connection until it closes, tearing down its session and
// PTY process on every exit path.
func (c *Conn) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.sendFrame(protocol.ConnectionStatus(protocol.StatusConnected, ""))
	c.setState(StateAwaitingAuth)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		c.readPump(ctx, cancel)
	}()

	authTimer := time.AfterFunc(AuthTimeout, func() {
		if c.getState() == StateAwaitingAuth {
			c.sendError(apierror.AuthMissing("authentication timed out"))
			cancel()
		}
	})
	defer authTimer.Stop()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-heartbeat.C:
			if time.Since(c.lastActivity()) > ClientTimeout {
				cancel()
				break loop
			}
			_ = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}

	c.teardown()
	wg.Wait()
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Conn) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastTraffic = time.Now()
	c.mu.Unlock()
}

func (c *Conn) lastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTraffic
}

// teardown runs exactly once regardless of which path (client close, pty
// exit, auth timeout, rate-limit kill, idle expiry) triggers it.
func (c *Conn) teardown() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.mu.Lock()
		sessionID := c.sessionID
		c.mu.Unlock()

		if sessionID != "" {
			if err := c.deps.Sessions.Destroy(sessionID); err != nil {
				c.deps.Logger.Warn("error destroying session on disconnect", "session_id", sessionID, "error", err)
			}
		}

		c.out.close()
		_ = c.ws.Close()
		c.setState(StateClosed)
	})
}

func (c *Conn) sendFrame(f protocol.ServerFrame) {
	data, err := protocol.Encode(f)
	if err != nil {
		c.deps.Logger.Error("failed to encode server frame", "error", err)
		return
	}
	c.out.send(data)
}

func (c *Conn) sendError(err *apierror.Error) {
	c.sendFrame(protocol.ErrorFrame(err.Code, err.Message))
}

func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.out.ch:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.touch()

		event, err := protocol.DecodeClientFrame(raw)
		if err != nil {
			if apiErr, ok := apierror.As(err); ok {
				c.sendError(apiErr)
				continue
			}
			return
		}

		if decision := c.deps.ConnLimit.Check(); decision.Kind != ratelimit.Allowed {
			switch decision.Kind {
			case ratelimit.Disconnect:
				c.sendError(apierror.RateLimited("message rate limit exceeded, disconnecting"))
				return
			case ratelimit.Warning:
				c.sendFrame(protocol.RateLimitWarning(decision.Violations, decision.Max))
				continue
			default:
				continue
			}
		}

		if err := c.handleEvent(ctx, cancel, event); err != nil {
			if apiErr, ok := apierror.As(err); ok {
				c.sendError(apiErr)
				if apiErr.Kind == apierror.KindAuthInvalid {
					return
				}
				continue
			}
			return
		}
	}
}

func (c *Conn) handleEvent(ctx context.Context, cancel context.CancelFunc, event *protocol.ClientEvent) error {
	if event.Type == protocol.EventPing {
		c.sendFrame(protocol.Pong())
		return nil
	}

	if event.Type == protocol.EventAuthenticate {
		return c.authenticate(ctx, cancel, event.Token)
	}

	if c.getState() != StateAuthenticated {
		return apierror.AuthMissing("authentication required before sending this frame")
	}

	switch event.Type {
	case protocol.EventInput:
		return c.handleInput(event.Data)
	case protocol.EventResize:
		return c.handleResize(event.Cols, event.Rows)
	case protocol.EventSignal:
		return c.handleSignal(event.Signal)
	case protocol.EventEnvSet:
		return c.handleEnvSet(event.Key, event.Value)
	case protocol.EventChdir:
		return c.handleChdir(event.Path)
	default:
		return apierror.ProtocolError("unhandled frame")
	}
}

func (c *Conn) authenticate(ctx context.Context, cancel context.CancelFunc, token string) error {
	if c.getState() == StateAuthenticated {
		return apierror.ProtocolError("already authenticated")
	}

	validated, err := c.deps.Validator.Validate(ctx, token)
	if err != nil {
		c.sendError(err.(*apierror.Error))
		return err
	}

	role := authz.RoleUser
	for _, g := range validated.Claims.Groups {
		if authz.ParseRole(g) == authz.RoleAdmin {
			role = authz.RoleAdmin
			break
		}
	}

	c.mu.Lock()
	c.user = &UserContext{
		UserID: validated.Claims.Subject,
		Email:  validated.Claims.Email,
		Role:   role,
		Groups: validated.Claims.Groups,
	}
	c.mu.Unlock()
	c.setState(StateAuthenticated)

	if err := c.deps.Authz.Check(validated.Claims.Subject, role, authz.CreateSession, nil); err != nil {
		c.sendError(err.(*apierror.Error))
		return err
	}

	sess, err := c.deps.Sessions.Create(validated.Claims.Subject)
	if err != nil {
		c.sendError(err.(*apierror.Error))
		return err
	}
	c.mu.Lock()
	c.sessionID = sess.ID
	c.mu.Unlock()

	output := make(chan []byte, 64)
	proc, err := c.deps.PTY.Spawn(ptyproc.Config{Dir: sess.WorkingDir, Rows: 24, Cols: 80}, output)
	if err != nil {
		c.sendError(err.(*apierror.Error))
		return err
	}
	c.mu.Lock()
	c.ptyID = proc.ID
	c.mu.Unlock()
	_ = c.deps.Sessions.AttachProcess(sess.ID, proc.ID)
	go c.pumpPtyOutput(cancel, output)

	c.sendFrame(protocol.Authenticated(validated.Claims.Subject, validated.Claims.Email, validated.Claims.Groups))
	c.sendFrame(protocol.ConnectionStatus(protocol.StatusConnected, string(sess.ID)))
	return nil
}

// pumpPtyOutput forwards pty bytes to the client until the pty's reader
// closes output on process exit, at which point it reports the exit code
// and tears the connection down.
func (c *Conn) pumpPtyOutput(cancel context.CancelFunc, output <-chan []byte) {
	for chunk := range output {
		c.sendFrame(protocol.Output(string(chunk)))
	}

	c.mu.Lock()
	ptyID := c.ptyID
	c.mu.Unlock()

	exitCode := -1
	if ptyID != "" {
		if code, err := c.deps.PTY.Wait(ptyID); err == nil {
			exitCode = code
		}
	}

	c.sendFrame(protocol.ProcessExited(exitCode))
	cancel()
}

func (c *Conn) handleInput(data string) error {
	if c.ptyID == "" {
		return apierror.PtyNotFound("")
	}
	_, err := c.deps.PTY.Write(c.ptyID, []byte(data))
	return err
}

func (c *Conn) handleResize(cols, rows uint16) error {
	if c.ptyID == "" {
		return nil
	}
	return c.deps.PTY.Resize(c.ptyID, rows, cols)
}

func (c *Conn) handleSignal(name string) error {
	if c.ptyID == "" {
		return nil
	}
	var sig ptyproc.Signal
	switch name {
	case "SIGINT", "INT":
		sig = ptyproc.SigINT
	case "SIGKILL", "KILL":
		sig = ptyproc.SigKILL
	default:
		sig = ptyproc.SigTERM
	}
	return c.deps.PTY.Signal(c.ptyID, sig)
}

func (c *Conn) handleEnvSet(key, value string) error {
	if err := c.deps.Sessions.SetEnv(c.sessionID, key, value); err != nil {
		return err
	}
	c.sendFrame(protocol.EnvUpdated(key, value))
	return nil
}

func (c *Conn) handleChdir(path string) error {
	if err := c.deps.Sessions.SetWorkingDir(c.sessionID, path); err != nil {
		return err
	}
	c.sendFrame(protocol.CwdChanged(path))
	return nil
}
