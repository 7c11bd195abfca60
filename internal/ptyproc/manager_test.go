package ptyproc

import (
	"strings"
	"testing"
	"time"
)

func drain(t *testing.T, output <-chan []byte, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var got strings.Builder
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				return got.String()
			}
			got.Write(chunk)
			if strings.Contains(got.String(), want) {
				return got.String()
			}
		case <-deadline:
			return got.String()
		}
	}
}

func TestManagerSpawnAndWrite(t *testing.T) {
	m := NewManager(nil)
	output := make(chan []byte, 64)

	proc, err := m.Spawn(Config{Shell: "/bin/bash", Args: []string{"-c", "echo ready; cat"}, Dir: "/tmp", Rows: 24, Cols: 80}, output)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer m.Kill(proc.ID)

	got := drain(t, output, "ready", time.Second)
	if !strings.Contains(got, "ready") {
		t.Fatalf("output = %q, want to contain %q", got, "ready")
	}

	alive, err := m.IsAlive(proc.ID)
	if err != nil || !alive {
		t.Fatalf("IsAlive() = %v, %v, want true, nil", alive, err)
	}

	if _, err := m.Write(proc.ID, []byte("echo back\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got = drain(t, output, "back", time.Second)
	if !strings.Contains(got, "back") {
		t.Errorf("output after write = %q, want to contain %q", got, "back")
	}
}

func TestManagerResizeUnknownProcess(t *testing.T) {
	m := NewManager(nil)
	if err := m.Resize("does-not-exist", 10, 10); err == nil {
		t.Error("Resize() on unknown id returned nil error")
	}
}

func TestManagerKillRemovesFromRegistry(t *testing.T) {
	m := NewManager(nil)
	output := make(chan []byte, 16)

	proc, err := m.Spawn(Config{Shell: "/bin/bash", Args: []string{"-c", "sleep 5"}, Dir: "/tmp", Rows: 24, Cols: 80}, output)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if err := m.Kill(proc.ID); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}

	if _, err := m.IsAlive(proc.ID); err == nil {
		t.Error("IsAlive() succeeded after Kill(), want not-found error")
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after Kill()", m.Count())
	}
}

func TestOutputChannelClosesOnProcessExit(t *testing.T) {
	m := NewManager(nil)
	output := make(chan []byte, 16)

	proc, err := m.Spawn(Config{Shell: "/bin/bash", Args: []string{"-c", "exit 0"}, Dir: "/tmp", Rows: 24, Cols: 80}, output)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer m.Kill(proc.ID)

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-output:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("output channel never closed after process exit")
		}
	}
}

func TestManagerWaitThenKillDoesNotDoubleReap(t *testing.T) {
	m := NewManager(nil)
	output := make(chan []byte, 16)

	proc, err := m.Spawn(Config{Shell: "/bin/bash", Args: []string{"-c", "exit 3"}, Dir: "/tmp", Rows: 24, Cols: 80}, output)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	code, err := m.Wait(proc.ID)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if code != 3 {
		t.Errorf("Wait() exit code = %d, want 3", code)
	}

	// Kill() after the process has already been reaped by Wait() must not
	// call cmd.Wait a second time; it should simply succeed.
	if err := m.Kill(proc.ID); err != nil {
		t.Errorf("Kill() after Wait() error = %v", err)
	}
}

func TestManagerCleanupDead(t *testing.T) {
	m := NewManager(nil)
	output := make(chan []byte, 16)

	proc, err := m.Spawn(Config{Shell: "/bin/bash", Args: []string{"-c", "exit 0"}, Dir: "/tmp", Rows: 24, Cols: 80}, output)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if _, err := m.Wait(proc.ID); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if n := m.CleanupDead(); n != 1 {
		t.Errorf("CleanupDead() = %d, want 1", n)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after CleanupDead()", m.Count())
	}
}
