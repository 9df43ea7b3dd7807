// Package collector implements the stateful log tailer: it watches a root
// directory for new container log files, tails each one from the moment it
// is discovered, and writes complete lines into the database keyed by the
// labels derived from the file's observed path.
package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/tripwire/agent/internal/labels"
	"github.com/tripwire/agent/internal/watcher"
)

// writer is the subset of *store.Database the collector depends on, so tests
// can substitute a fake without a real on-disk store.
type writer interface {
	Write(ls labels.Set, line string) error
}

// liveFile is the collector's bookkeeping for one tailed file.
type liveFile struct {
	observedPath string // the path under rootDir the collector discovered
	realPath     string // observedPath after symlink resolution
	f            *os.File
	offset       int64
	buf          []byte // bytes read past the last complete line
	labelSet     labels.Set
}

// Collector owns the Watcher, the set of currently tailed files, and the
// single goroutine that is the database's sole writer.
type Collector struct {
	rootDir        string
	w              watcher.Watcher
	rootDescriptor watcher.Descriptor
	provider       labels.Provider
	db             writer
	logger         *slog.Logger

	mu      sync.Mutex
	files   map[watcher.Descriptor]*liveFile
	tracked map[string]bool // observedPath -> known, for the kqueue reconcile path
}

// New creates a Collector rooted at rootDir, registers the root directory
// watch, and tails every file already present: each pre-existing entry is
// treated exactly as if it had just been created, so the collector only
// ever emits lines appended after startup.
func New(rootDir string, db writer, provider labels.Provider, logger *slog.Logger) (*Collector, error) {
	w, err := watcher.New()
	if err != nil {
		return nil, fmt.Errorf("collector: %w", err)
	}

	rwd, err := w.AddWatch(rootDir, watcher.Create)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("collector: watch root %q: %w", rootDir, err)
	}

	c := &Collector{
		rootDir:        rootDir,
		w:              w,
		rootDescriptor: rwd,
		provider:       provider,
		db:             db,
		logger:         logger,
		files:          make(map[watcher.Descriptor]*liveFile),
		tracked:        make(map[string]bool),
	}

	entries, err := os.ReadDir(rootDir)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("collector: enumerate %q: %w", rootDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		c.handleCreate(e.Name())
	}

	return c, nil
}

// Run pumps watcher events until ctx is cancelled or the watcher is closed.
// It is the only goroutine that is ever permitted to call Database.Write, so
// the caller must not run more than one Run at a time per Collector.
func (c *Collector) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.w.Close()
		case <-stop:
		}
	}()

	for {
		events, err := c.w.ReadEventsBlocking()
		if err != nil {
			if err == watcher.ErrClosed {
				return nil
			}
			return fmt.Errorf("collector: read events: %w", err)
		}

		for _, ev := range events {
			if ev.Descriptor == c.rootDescriptor {
				if ev.Name != "" {
					c.handleCreate(ev.Name)
					continue
				}
				// kqueue cannot name the child that changed inside a
				// watched directory; reconcile by re-listing it instead.
				c.reconcileRoot()
				continue
			}
			c.handleModify(ev.Descriptor)
		}
	}
}

// reconcileRoot re-lists rootDir and begins tailing any entry not already
// tracked. It is the fallback path for watcher backends (kqueue) that can
// report a directory changed without saying which child did.
func (c *Collector) reconcileRoot() {
	entries, err := os.ReadDir(c.rootDir)
	if err != nil {
		c.logger.Error("collector: reconcile: cannot list root", slog.String("root_dir", c.rootDir), slog.Any("err", err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		observedPath := filepath.Join(c.rootDir, e.Name())
		c.mu.Lock()
		known := c.tracked[observedPath]
		c.mu.Unlock()
		if known {
			continue
		}
		c.handleCreate(e.Name())
	}
}

// handleCreate begins tailing the file named name within rootDir. Symlink
// chains (as kubelet produces for container logs) are resolved to their
// real target; a broken symlink or a transient stat failure is logged and
// skipped rather than treated as fatal, since the entry may simply have been
// removed again before the watcher got to it.
func (c *Collector) handleCreate(name string) {
	observedPath := filepath.Join(c.rootDir, name)

	c.mu.Lock()
	already := c.tracked[observedPath]
	c.mu.Unlock()
	if already {
		return
	}

	realPath, err := filepath.EvalSymlinks(observedPath)
	if err != nil {
		c.logger.Warn("collector: cannot resolve symlink chain", slog.String("path", observedPath), slog.Any("err", err))
		return
	}

	info, err := os.Stat(realPath)
	if err != nil {
		c.logger.Warn("collector: cannot stat", slog.String("path", realPath), slog.Any("err", err))
		return
	}
	if info.IsDir() {
		return
	}

	f, err := os.Open(realPath)
	if err != nil {
		c.logger.Warn("collector: cannot open", slog.String("path", realPath), slog.Any("err", err))
		return
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		c.logger.Warn("collector: cannot seek", slog.String("path", realPath), slog.Any("err", err))
		f.Close()
		return
	}

	fwd, err := c.w.AddWatch(realPath, watcher.Modify)
	if err != nil {
		c.logger.Warn("collector: cannot watch", slog.String("path", realPath), slog.Any("err", err))
		f.Close()
		return
	}

	// Every source carries at least its observed path; provider labels are
	// layered on top when the filename parses.
	ls := labels.Set{"path": observedPath}
	if extra, ok := c.provider.Labels(observedPath); ok {
		for k, v := range extra {
			ls[k] = v
		}
	}

	c.mu.Lock()
	c.files[fwd] = &liveFile{
		observedPath: observedPath,
		realPath:     realPath,
		f:            f,
		offset:       offset,
		labelSet:     ls,
	}
	c.tracked[observedPath] = true
	c.mu.Unlock()

	c.logger.Info("collector: tailing file", slog.String("path", realPath), slog.Any("labels", ls))
}

// handleModify reads everything appended to the file since the last read and
// emits each complete line to the database. A size smaller than the
// collector's recorded offset means the file was rotated out from under the
// watch (truncate-in-place, the common container runtime rotation scheme);
// the collector restarts from byte zero and drops any buffered partial line,
// which belonged to the previous incarnation of the file.
func (c *Collector) handleModify(d watcher.Descriptor) {
	c.mu.Lock()
	lf, ok := c.files[d]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("collector: event for unknown descriptor, dropping")
		return
	}

	info, err := lf.f.Stat()
	if err != nil {
		c.logger.Error("collector: stat failed", slog.String("path", lf.realPath), slog.Any("err", err))
		return
	}

	if info.Size() < lf.offset {
		c.logger.Info("collector: truncation detected, restarting from offset 0", slog.String("path", lf.realPath))
		lf.offset = 0
		lf.buf = lf.buf[:0]
	}
	if info.Size() == lf.offset {
		return
	}

	if _, err := lf.f.Seek(lf.offset, io.SeekStart); err != nil {
		c.logger.Error("collector: seek failed", slog.String("path", lf.realPath), slog.Any("err", err))
		return
	}

	chunk := make([]byte, info.Size()-lf.offset)
	n, err := io.ReadFull(lf.f, chunk)
	if err != nil && err != io.ErrUnexpectedEOF {
		c.logger.Error("collector: read failed", slog.String("path", lf.realPath), slog.Any("err", err))
		return
	}
	chunk = chunk[:n]
	lf.offset += int64(n)

	lf.buf = append(lf.buf, chunk...)
	for {
		idx := bytes.IndexByte(lf.buf, '\n')
		if idx < 0 {
			break
		}
		line := lf.buf[:idx]
		lf.buf = lf.buf[idx+1:]

		if !utf8.Valid(line) {
			c.logger.Error("collector: dropping line with invalid UTF-8", slog.String("path", lf.realPath))
			continue
		}
		if err := c.db.Write(lf.labelSet, string(line)); err != nil {
			c.logger.Error("collector: write failed", slog.String("path", lf.realPath), slog.Any("err", err))
		}
	}
}

// LiveFileCount returns the number of files currently being tailed. Used by
// the query surface's /status endpoint.
func (c *Collector) LiveFileCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// Close stops the watcher and releases every open file handle.
func (c *Collector) Close() error {
	err := c.w.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lf := range c.files {
		lf.f.Close()
	}
	return err
}
