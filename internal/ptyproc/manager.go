package ptyproc

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/trybotster/webterm-hubd/internal/apierror"
)

// Manager owns a registry of live pty Processes. All mutation of the
// registry goes through Manager methods; Process itself never touches it.
type Manager struct {
	mu        sync.RWMutex
	processes map[string]*Process
	logger    *slog.Logger
}

// NewManager creates an empty pty process registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		processes: make(map[string]*Process),
		logger:    logger,
	}
}

// Spawn creates a new pty process and registers it. output receives raw
// bytes as the child produces them until the process is killed; sends block
// so a slow consumer applies backpressure rather than dropping data.
func (m *Manager) Spawn(cfg Config, output chan<- []byte) (*Process, error) {
	id := uuid.NewString()
	proc := newProcess(id, m.logger)

	if err := proc.spawn(cfg, output); err != nil {
		return nil, apierror.PtySpawnFailed(err)
	}

	m.mu.Lock()
	m.processes[id] = proc
	m.mu.Unlock()

	return proc, nil
}

func (m *Manager) get(id string) (*Process, error) {
	m.mu.RLock()
	p, ok := m.processes[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apierror.PtyNotFound(id)
	}
	return p, nil
}

// Resize changes the window size of the named process.
func (m *Manager) Resize(id string, rows, cols uint16) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	if err := p.Resize(rows, cols); err != nil {
		return apierror.ResizeFailed(err)
	}
	return nil
}

// Write sends input bytes to the named process.
func (m *Manager) Write(id string, data []byte) (int, error) {
	p, err := m.get(id)
	if err != nil {
		return 0, err
	}
	if !p.IsAlive() {
		return 0, apierror.PtyClosed(id)
	}
	n, werr := p.Write(data)
	if werr != nil {
		return n, apierror.PtyClosed(id)
	}
	return n, nil
}

// Signal delivers a signal to the named process.
func (m *Manager) Signal(id string, sig Signal) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	if err := p.Signal(sig); err != nil {
		return apierror.SignalFailed(err)
	}
	return nil
}

// IsAlive reports whether the named process is still running.
func (m *Manager) IsAlive(id string) (bool, error) {
	p, err := m.get(id)
	if err != nil {
		return false, err
	}
	return p.IsAlive(), nil
}

// Wait blocks until the named process exits on its own, without signaling
// it. Returns the exit code once the process terminates.
func (m *Manager) Wait(id string) (int, error) {
	p, err := m.get(id)
	if err != nil {
		return -1, err
	}
	return p.wait()
}

// Kill tears the named process down and removes it from the registry.
// The fixed order is: close master, SIGKILL if alive, reap, then remove.
func (m *Manager) Kill(id string) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	_ = p.kill()

	m.mu.Lock()
	delete(m.processes, id)
	m.mu.Unlock()
	return nil
}

// CleanupDead removes any registered process that is no longer in the
// running state (its child was reaped through Wait), returning the count
// removed. A child that has exited but has not been waited on still counts
// as running and is not removed.
func (m *Manager) CleanupDead() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, p := range m.processes {
		if !p.IsAlive() {
			delete(m.processes, id)
			removed++
		}
	}
	return removed
}

// Count returns the number of live registered processes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processes)
}
