// Package ptyproc manages pseudo-terminal backed processes. Each Process
// wraps one pty master/child pair; a Manager owns a registry of Processes
// keyed by id and is the only thing allowed to tear one down.
package ptyproc

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Signal is a subset of POSIX signals a client may send to a pty process.
type Signal int

const (
	SigINT Signal = iota
	SigTERM
	SigKILL
)

func (s Signal) os() syscall.Signal {
	switch s {
	case SigINT:
		return syscall.SIGINT
	case SigKILL:
		return syscall.SIGKILL
	default:
		return syscall.SIGTERM
	}
}

// State is the lifecycle state of a Process.
type State int

const (
	StateRunning State = iota
	StateExited
	StateSignaled
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateSignaled:
		return "signaled"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Config describes how to spawn a process inside a pty.
type Config struct {
	Shell string
	Args  []string
	Dir   string
	Env   []string
	Rows  uint16
	Cols  uint16
}

// Process is a single pty-backed child process.
//
// The teardown order is fixed: close the pty master, send SIGKILL if the
// child is still alive, reap it with Wait, then the owning Manager removes
// the registry entry. Process never removes itself from the registry.
type Process struct {
	ID string

	mu       sync.Mutex
	ptyFile  *os.File
	cmd      *exec.Cmd
	rows     uint16
	cols     uint16
	state    State
	exitErr  error
	exitCode int

	done     chan struct{}
	doneOnce sync.Once
	readerWg sync.WaitGroup
	reapOnce sync.Once

	logger *slog.Logger
}

func newProcess(id string, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		ID:     id,
		done:   make(chan struct{}),
		logger: logger.With("pty_id", id),
	}
}

// spawn starts the child command in a new pty sized rows x cols.
func (p *Process) spawn(cfg Config, output chan<- []byte) error {
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	cmd := exec.Command(shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: cfg.Rows, Cols: cfg.Cols})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.ptyFile = ptmx
	p.cmd = cmd
	p.rows = cfg.Rows
	p.cols = cfg.Cols
	p.state = StateRunning
	p.mu.Unlock()

	p.readerWg.Add(1)
	go p.readLoop(output)

	p.logger.Info("pty process spawned", "shell", shell, "dir", cfg.Dir)
	return nil
}

// readLoop is the sole writer to output, so it is also the sole closer:
// closing it here on every exit path lets pumpPtyOutput detect pty
// termination by range-ing until the channel closes.
func (p *Process) readLoop(output chan<- []byte) {
	defer p.readerWg.Done()
	defer close(output)

	buf := make([]byte, 4096)
	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, err := p.ptyFile.Read(buf)
		if err != nil {
			if err != io.EOF {
				p.logger.Warn("pty read error", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}

		chunk := append([]byte{}, buf[:n]...)
		select {
		case output <- chunk:
		case <-p.done:
			return
		}
	}
}

// Write sends input bytes to the child's stdin.
func (p *Process) Write(b []byte) (int, error) {
	p.mu.Lock()
	f := p.ptyFile
	p.mu.Unlock()
	if f == nil {
		return 0, io.ErrClosedPipe
	}
	return f.Write(b)
}

// Resize changes the pty window size.
func (p *Process) Resize(rows, cols uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rows, p.cols = rows, cols
	if p.ptyFile == nil {
		return io.ErrClosedPipe
	}
	return pty.Setsize(p.ptyFile, &pty.Winsize{Rows: rows, Cols: cols})
}

// Size returns the current pty dimensions.
func (p *Process) Size() (rows, cols uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows, p.cols
}

// Signal delivers a POSIX signal to the child process.
func (p *Process) Signal(sig Signal) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return io.ErrClosedPipe
	}
	return cmd.Process.Signal(sig.os())
}

// IsAlive reports whether the child process has not yet been reaped.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// reap blocks until the child has been waited on, exactly once no matter
// how many callers (kill and wait can each trigger it depending on which
// runs first) ask for the result; later callers get the cached outcome
// instead of calling cmd.Wait a second time, which exec.Cmd does not allow.
func (p *Process) reap() (int, error) {
	p.reapOnce.Do(func() {
		p.mu.Lock()
		cmd := p.cmd
		p.mu.Unlock()

		var err error
		if cmd != nil {
			err = cmd.Wait()
		}
		p.readerWg.Wait()

		code := -1
		if cmd != nil && cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}

		p.mu.Lock()
		p.exitErr = err
		p.exitCode = code
		p.mu.Unlock()
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

// kill tears the process down in the fixed order: close master, SIGKILL if
// still alive, reap, stop the reader. Safe to call more than once.
func (p *Process) kill() error {
	p.doneOnce.Do(func() { close(p.done) })

	p.mu.Lock()
	ptyFile := p.ptyFile
	cmd := p.cmd
	alreadyDone := p.state != StateRunning
	p.mu.Unlock()

	if ptyFile != nil {
		ptyFile.Close()
	}

	if !alreadyDone && cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGKILL)
	}

	p.reap()

	p.mu.Lock()
	if p.state == StateRunning {
		p.state = StateKilled
	}
	p.mu.Unlock()

	return nil
}

// wait blocks until the child exits on its own and records the resulting
// state without forcing termination.
func (p *Process) wait() (int, error) {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return -1, io.ErrClosedPipe
	}

	code, err := p.reap()

	// A non-zero exit status or a fatal signal is reported through the exit
	// code, not as an error.
	signaled := false
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signaled = true
		}
		err = nil
	}

	p.mu.Lock()
	if p.state == StateRunning {
		if err == nil && !signaled {
			p.state = StateExited
		} else {
			p.state = StateSignaled
		}
	}
	p.mu.Unlock()

	return code, err
}
