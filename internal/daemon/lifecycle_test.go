package daemon

import (
	"os"
	"testing"
)

func TestPIDFileRoundTrip(t *testing.T) {
	base := t.TempDir()
	pidFile := NewPIDFile(base)

	if got := pidFile.Read(); got != 0 {
		t.Errorf("expected 0 for missing pid file, got %d", got)
	}

	if err := pidFile.Write(12345); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := pidFile.Read(); got != 12345 {
		t.Errorf("expected 12345, got %d", got)
	}

	pidFile.Remove()
	if got := pidFile.Read(); got != 0 {
		t.Errorf("expected 0 after remove, got %d", got)
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Error("own process must be alive")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}

func TestProbeNoDaemon(t *testing.T) {
	base := t.TempDir()
	status := Probe(base, "127.0.0.1", 65000)
	if status.Running {
		t.Errorf("no daemon expected: %+v", status)
	}
}

func TestAcquirePIDCleansStaleFile(t *testing.T) {
	base := t.TempDir()
	stale := NewPIDFile(base)
	// A pid far above any real process on a test machine.
	if err := stale.Write(99999999); err != nil {
		t.Fatalf("Write: %v", err)
	}

	pidFile, err := AcquirePID(base)
	if err != nil {
		t.Fatalf("AcquirePID over a stale file: %v", err)
	}
	defer pidFile.Remove()

	if got := pidFile.Read(); got != os.Getpid() {
		t.Errorf("expected own pid recorded, got %d", got)
	}
}

func TestAcquirePIDRefusesLiveDaemon(t *testing.T) {
	base := t.TempDir()
	live := NewPIDFile(base)
	if err := live.Write(os.Getpid()); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if _, err := AcquirePID(base); err == nil {
		t.Error("expected ErrAlreadyRunning for a live pid")
	}
}
