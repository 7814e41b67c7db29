package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRunStop_NoPidFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cmd := newStopCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	if err := runStop(cmd, nil); err != nil {
		t.Fatalf("expected no error when pidfile is absent, got %v", err)
	}
	if got := buf.String(); got != "daemon not running\n" {
		t.Errorf("expected 'daemon not running', got %q", got)
	}
}

func TestRunStop_SignalFailsForDeadPID(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	pidDir := filepath.Join(home, ".capa")
	if err := os.MkdirAll(pidDir, 0o700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(pidDir, "server.pid")

	// A pid that is virtually certain not to exist avoids accidentally
	// signaling an unrelated live process on the test machine.
	const bogusPID = 999999
	contents := "999999:1.0.0"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newStopCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)

	err := runStop(cmd, nil)
	// FindProcess always succeeds on Unix; the Signal call is expected to
	// fail against a pid this unlikely to be alive.
	if err == nil {
		t.Fatalf("expected an error signaling pid %d, got none; output=%q", bogusPID, buf.String())
	}
}
