//go:build windows

package windowsapi

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSnapshotProcessesCurrentProcessPresent(t *testing.T) {
	procs, err := SnapshotProcesses()
	if err != nil {
		t.Fatalf("SnapshotProcesses returned error: %v", err)
	}
	if len(procs) == 0 {
		t.Fatalf("expected at least one process in snapshot, got 0")
	}

	exe, ok := procs[uint32(os.Getpid())]
	if !ok {
		t.Fatalf("current PID %d not found in snapshot", os.Getpid())
	}
	exePath, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable returned error: %v", err)
	}
	if !strings.EqualFold(exe, filepath.Base(exePath)) {
		t.Fatalf("expected %q, got %q", filepath.Base(exePath), exe)
	}
}
