package collector

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/agent/internal/labels"
)

// fakeWriter records every line written, safe for concurrent use by the
// collector's pump goroutine and the test goroutine.
type fakeWriter struct {
	mu    sync.Mutex
	lines []string
	sets  []labels.Set
}

func (w *fakeWriter) Write(ls labels.Set, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lines = append(w.lines, line)
	w.sets = append(w.sets, ls.Clone())
	return nil
}

func (w *fakeWriter) snapshot() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.lines))
	copy(out, w.lines)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestCollector_TailsNewFile(t *testing.T) {
	dir := t.TempDir()
	fw := &fakeWriter{}

	c, err := New(dir, fw, labels.KubernetesFilenameProvider{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	path := filepath.Join(dir, "web-1_default_web-abc123.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return c.LiveFileCount() == 1 })

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("first line\nsecond line\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	waitFor(t, 2*time.Second, func() bool { return len(fw.snapshot()) >= 2 })

	got := fw.snapshot()
	if got[0] != "first line" || got[1] != "second line" {
		t.Errorf("lines = %v, want [first line, second line]", got)
	}

	fw.mu.Lock()
	set := fw.sets[0]
	fw.mu.Unlock()
	if set["path"] != path {
		t.Errorf(`labels["path"] = %q, want %q`, set["path"], path)
	}
	if set["pod"] != "web-1" || set["namespace"] != "default" {
		t.Errorf("provider labels missing from %v", set)
	}
}

func TestCollector_PartialLineBuffered(t *testing.T) {
	dir := t.TempDir()
	fw := &fakeWriter{}

	c, err := New(dir, fw, labels.KubernetesFilenameProvider{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.LiveFileCount() == 1 })

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("no newline yet"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if got := len(fw.snapshot()); got != 0 {
		t.Fatalf("lines emitted before newline = %d, want 0", got)
	}

	if _, err := f.WriteString(" - completed\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	waitFor(t, 2*time.Second, func() bool { return len(fw.snapshot()) == 1 })
	if got := fw.snapshot()[0]; got != "no newline yet - completed" {
		t.Errorf("line = %q, want %q", got, "no newline yet - completed")
	}
}

func TestCollector_RotationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	fw := &fakeWriter{}

	c, err := New(dir, fw, labels.KubernetesFilenameProvider{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	path := filepath.Join(dir, "a.log")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.LiveFileCount() == 1 })

	// A new file is tailed from its end, so the pre-rotation line is
	// appended only once the collector is tailing it.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("before rotation\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()
	waitFor(t, 2*time.Second, func() bool { return len(fw.snapshot()) == 1 })

	// Simulate a truncate-in-place rotation: the file shrinks, then new
	// content is appended.
	if err := os.WriteFile(path, []byte("after rotation\n"), 0o644); err != nil {
		t.Fatalf("WriteFile (truncate): %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(fw.snapshot()) == 2 })
	got := fw.snapshot()
	if got[1] != "after rotation" {
		t.Errorf("lines = %v, want second entry %q", got, "after rotation")
	}
}

func TestCollector_SymlinkChain(t *testing.T) {
	dir := t.TempDir()
	realDir := filepath.Join(dir, "real")
	if err := os.Mkdir(realDir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	realPath := filepath.Join(realDir, "target.log")
	if err := os.WriteFile(realPath, nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	// Two hops: watched/a.log -> mid -> real/target.log.
	watchedDir := filepath.Join(dir, "watched")
	if err := os.Mkdir(watchedDir, 0o755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	midPath := filepath.Join(dir, "mid.log")
	if err := os.Symlink(realPath, midPath); err != nil {
		t.Fatalf("Symlink: %v", err)
	}
	linkPath := filepath.Join(watchedDir, "a.log")
	if err := os.Symlink(midPath, linkPath); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	fw := &fakeWriter{}
	c, err := New(watchedDir, fw, labels.KubernetesFilenameProvider{}, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if got := c.LiveFileCount(); got != 1 {
		t.Fatalf("LiveFileCount() at startup = %d, want 1", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	f, err := os.OpenFile(realPath, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := f.WriteString("through the chain\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	waitFor(t, 2*time.Second, func() bool { return len(fw.snapshot()) == 1 })
	if got := fw.snapshot()[0]; got != "through the chain" {
		t.Errorf("line = %q, want %q", got, "through the chain")
	}
}
