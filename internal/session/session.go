// Package session implements the session registry: creation, ownership,
// idle expiry, and working-directory/environment/history state for each
// terminal session. It follows the teacher's SafeHubState shape — a plain
// inner state plus a mutex-guarded wrapper — with each Manager method
// taking the lock itself.
package session

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trybotster/webterm-hubd/internal/apierror"
)

// MaxCommandHistory bounds the remembered command history per session.
const MaxCommandHistory = 1000

// ID identifies a session.
type ID string

// Session holds the state owned by one terminal session.
type Session struct {
	ID             ID
	Owner          string
	ClientLabel    string
	CreatedAt      time.Time
	LastActivity   time.Time
	WorkingDir     string
	Environment    map[string]string
	CommandHistory []string
	ProcessIDs     []string
}

func newSession(owner, workspaceRoot string) *Session {
	now := time.Now()
	return &Session{
		ID:             ID(uuid.NewString()),
		Owner:          owner,
		CreatedAt:      now,
		LastActivity:   now,
		WorkingDir:     workspaceRoot,
		Environment:    make(map[string]string),
		CommandHistory: make([]string, 0),
		ProcessIDs:     make([]string, 0),
	}
}

func (s *Session) appendHistory(cmd string) {
	s.CommandHistory = append(s.CommandHistory, cmd)
	if len(s.CommandHistory) > MaxCommandHistory {
		s.CommandHistory = s.CommandHistory[len(s.CommandHistory)-MaxCommandHistory:]
	}
}

// state is the unsynchronized registry; Manager is the synchronized facade.
type state struct {
	sessions map[ID]*Session
}

func newState() *state {
	return &state{sessions: make(map[ID]*Session)}
}

// Manager is the thread-safe session registry.
//
// Destruction is always "kill pty processes first, then remove the
// registry slot" so that no caller ever observes a session whose
// processes are still running after Destroy has returned.
type Manager struct {
	mu    sync.RWMutex
	state *state

	workspaceRoot      string
	maxSessionsPerUser int
	idleTimeout        time.Duration

	killAll func(sessionID ID) error
	logger  *slog.Logger
}

// Config configures the session manager's policy knobs.
type Config struct {
	WorkspaceRoot      string
	MaxSessionsPerUser int
	IdleTimeout        time.Duration
}

// KillAllFunc tears down every pty process belonging to a session. The
// caller (typically cmd/webterm-hubd wiring ptyproc.Manager in) supplies
// this so internal/session has no direct dependency on internal/ptyproc.
type KillAllFunc func(sessionID ID) error

// NewManager creates a session registry bound to killAll for process
// teardown on Destroy.
func NewManager(cfg Config, killAll KillAllFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxSessionsPerUser <= 0 {
		cfg.MaxSessionsPerUser = 20
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	return &Manager{
		state:              newState(),
		workspaceRoot:      cfg.WorkspaceRoot,
		maxSessionsPerUser: cfg.MaxSessionsPerUser,
		idleTimeout:        cfg.IdleTimeout,
		killAll:            killAll,
		logger:             logger,
	}
}

func (m *Manager) countForOwner(owner string) int {
	n := 0
	for _, s := range m.state.sessions {
		if s.Owner == owner {
			n++
		}
	}
	return n
}

// lookupLocked returns the session for id, or the error a caller should
// surface: SessionNotFound if the id is unknown, SessionExpired if the
// session is still registered but has outlived the idle timeout (the
// narrow window before the expiry sweep in CleanupExpired catches it).
// Callers must hold m.mu (read or write) already.
func (m *Manager) lookupLocked(id ID) (*Session, error) {
	s, ok := m.state.sessions[id]
	if !ok {
		return nil, apierror.SessionNotFound(string(id))
	}
	if time.Since(s.LastActivity) > m.idleTimeout {
		return nil, apierror.SessionExpired(string(id))
	}
	return s, nil
}

// Create allocates a new session for owner, enforcing the per-user quota.
func (m *Manager) Create(owner string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.countForOwner(owner) >= m.maxSessionsPerUser {
		return nil, apierror.SessionLimitExceeded(owner)
	}

	s := newSession(owner, m.workspaceRoot)
	m.state.sessions[s.ID] = s
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id ID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	cp := *s
	return &cp, nil
}

// OwnerOf returns the owning user id for a session.
func (m *Manager) OwnerOf(id ID) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	return s.Owner, nil
}

// Touch refreshes a session's last-activity timestamp.
func (m *Manager) Touch(id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	s.LastActivity = time.Now()
	return nil
}

// Destroy kills every pty process owned by the session, then removes it
// from the registry. Processes are always torn down before the slot is
// released. Unlike the other accessors, Destroy does not reject an
// already-expired session: CleanupExpired relies on being able to destroy
// the very sessions lookupLocked would otherwise report as expired.
func (m *Manager) Destroy(id ID) error {
	m.mu.Lock()
	_, ok := m.state.sessions[id]
	m.mu.Unlock()
	if !ok {
		return apierror.SessionNotFound(string(id))
	}

	if m.killAll != nil {
		if err := m.killAll(id); err != nil {
			m.logger.Warn("error killing session processes", "session_id", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.state.sessions, id)
	m.mu.Unlock()
	return nil
}

// ListByUser returns session ids owned by the given user.
func (m *Manager) ListByUser(owner string) []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ID, 0)
	for id, s := range m.state.sessions {
		if s.Owner == owner {
			ids = append(ids, id)
		}
	}
	return ids
}

// CleanupExpired destroys sessions idle longer than the configured
// timeout and returns the count removed. This is the only path that
// destroys sessions without an explicit caller request.
func (m *Manager) CleanupExpired() int {
	m.mu.RLock()
	expired := make([]ID, 0)
	cutoff := time.Now().Add(-m.idleTimeout)
	for id, s := range m.state.sessions {
		if s.LastActivity.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		if err := m.Destroy(id); err != nil {
			m.logger.Warn("failed to destroy expired session", "session_id", id, "error", err)
		}
	}
	return len(expired)
}

// RunExpiryLoop ticks CleanupExpired at the given interval until stop is
// closed.
func (m *Manager) RunExpiryLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := m.CleanupExpired(); n > 0 {
				m.logger.Info("expired idle sessions", "count", n)
			}
		}
	}
}

// SetWorkingDir validates and sets a session's working directory. The
// resulting path must stay within the configured workspace root.
func (m *Manager) SetWorkingDir(id ID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.lookupLocked(id)
	if err != nil {
		return err
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(s.WorkingDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	root := filepath.Clean(m.workspaceRoot)
	if root != "" && resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return apierror.Invalid("path escapes the workspace root", nil)
	}

	s.WorkingDir = resolved
	return nil
}

// SetEnv sets a single environment variable for the session.
func (m *Manager) SetEnv(id ID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	s.Environment[key] = value
	return nil
}

// AppendHistory records a command in the session's bounded history.
func (m *Manager) AppendHistory(id ID, cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	s.appendHistory(cmd)
	return nil
}

// History returns a copy of the session's command history.
func (m *Manager) History(id ID) ([]string, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(s.CommandHistory))
	copy(out, s.CommandHistory)
	return out, nil
}

// AttachProcess records a pty process id as belonging to the session.
func (m *Manager) AttachProcess(id ID, processID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	s.ProcessIDs = append(s.ProcessIDs, processID)
	return nil
}

// Processes returns the pty process ids attached to a session.
func (m *Manager) Processes(id ID) ([]string, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return s.ProcessIDs, nil
}
