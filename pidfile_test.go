package supervise

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestWritePIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "supervise.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("pidfile contents %q: %v", data, err)
	}
	if pid != os.Getpid() {
		t.Errorf("pidfile pid = %d, want %d", pid, os.Getpid())
	}

	removePIDFile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("pidfile still present after removal: %v", err)
	}
}

func TestWritePIDFileBadPath(t *testing.T) {
	if err := writePIDFile("/nonexistent/dir/supervise.pid"); err == nil {
		t.Fatal("expected an error for an unwritable path")
	}
}
