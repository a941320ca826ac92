package supervise

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/renameio/v2"
)

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supervise.yaml")
	if err := renameio.WriteFile(path, []byte("run:\n  w: sleep 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	events, cleanup, err := WatchFile(context.Background(), path, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cleanup() }()

	// An atomic replace, as editors and deploy tools do it.
	if err := renameio.WriteFile(path, []byte("run:\n  w: sleep 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		if ev.Path != path {
			t.Errorf("event path = %q, want %q", ev.Path, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event after file replacement")
	}
}

func TestWatchFileIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supervise.yaml")
	if err := os.WriteFile(path, []byte("run:\n  w: sleep 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	events, cleanup, err := WatchFile(context.Background(), path, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = cleanup() }()

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for sibling file: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchFileCleanup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "supervise.yaml")
	if err := os.WriteFile(path, []byte("run:\n  w: sleep 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	events, cleanup, err := WatchFile(context.Background(), path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	// The event channel closes once the watch is torn down.
	select {
	case _, ok := <-events:
		if ok {
			t.Error("expected a closed channel after cleanup")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event channel not closed")
	}
}

func TestWatchFileMissingDir(t *testing.T) {
	_, _, err := WatchFile(context.Background(), "/nonexistent/dir/supervise.yaml", 0)
	if err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}
