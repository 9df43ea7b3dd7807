// Package store implements the embedded, append-only, label-indexed log
// database: one directory holding a <StreamKey>.meta/<StreamKey>.dat pair
// per stream, plus an in-memory inverted index from (label_name,
// label_value) pairs to the set of streams containing them.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tripwire/agent/internal/labels"
	"github.com/tripwire/agent/internal/walstore"
)

// sentinel is the byte used to delimit records within a .dat file. It is
// 0x93, which can never appear in valid UTF-8 (it is a continuation byte
// with no valid leading byte before it in this position), so it is always
// unambiguous as a record separator.
const sentinel = 0x93

const (
	metaExt = ".meta"
	datExt  = ".dat"
)

// Sentinel errors surfaced by Database methods.
var (
	// ErrCorruptMeta is returned by Open when a .meta file does not contain
	// valid JSON label-set data.
	ErrCorruptMeta = errors.New("store: corrupt .meta file")
	// ErrUnexpectedEntry is returned by Open when the data directory
	// contains a file with an unrecognised extension, or a non-regular
	// entry (e.g. a sub-directory).
	ErrUnexpectedEntry = errors.New("store: unexpected entry in data directory")
	// ErrCorruptRecord is returned by Query when a .dat file contains a
	// record that is not valid UTF-8.
	ErrCorruptRecord = errors.New("store: corrupt record (invalid UTF-8)")
)

// indexKey is the (label_name, label_value) pair used as an index entry.
type indexKey struct {
	name  string
	value string
}

// streamFile holds the live state for one open stream.
type streamFile struct {
	f          *os.File
	wroteFirst bool // true once the stream has written at least one record
}

// Database is the embedded label-indexed log store. It is safe for
// concurrent use: writes take an exclusive lock, queries take a shared lock.
type Database struct {
	mu  sync.RWMutex
	dir string

	streams map[labels.StreamKey]*streamFile
	index   map[indexKey]map[labels.StreamKey]struct{}

	wal *walstore.WAL // nil disables the durability side-log
}

// Option configures a Database at Open time.
type Option func(*Database)

// WithWAL attaches a durability side-log: every Write is staged there before
// the .dat append and purged after, so Open can replay anything lost to an
// unclean process exit. See internal/walstore.
func WithWAL(w *walstore.WAL) Option {
	return func(d *Database) { d.wal = w }
}

// Open opens or creates a store rooted at dir. If dir already contains
// .meta/.dat pairs, their label sets and file handles are loaded so that the
// returned Database answers queries identically to the one that wrote them.
// Any file with an extension other than .meta/.dat, or any non-regular
// entry, is a structural error that fails Open outright.
func Open(dir string, opts ...Option) (*Database, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: open %q: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store: read dir %q: %w", dir, err)
	}

	db := &Database{
		dir:     dir,
		streams: make(map[labels.StreamKey]*streamFile),
		index:   make(map[indexKey]map[labels.StreamKey]struct{}),
	}
	for _, opt := range opts {
		opt(db)
	}

	metas := make(map[labels.StreamKey]labels.Set)
	dats := make(map[labels.StreamKey]bool)

	for _, e := range entries {
		if !e.Type().IsRegular() {
			return nil, fmt.Errorf("store: %w: %q is not a regular file", ErrUnexpectedEntry, e.Name())
		}

		ext := filepath.Ext(e.Name())
		stem := strings.TrimSuffix(e.Name(), ext)

		switch ext {
		case metaExt:
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("store: read %q: %w", e.Name(), err)
			}
			var ls labels.Set
			if err := json.Unmarshal(data, &ls); err != nil {
				return nil, fmt.Errorf("store: %w: %q: %v", ErrCorruptMeta, e.Name(), err)
			}
			metas[labels.StreamKey(stem)] = ls
		case datExt:
			dats[labels.StreamKey(stem)] = true
		default:
			return nil, fmt.Errorf("store: %w: %q", ErrUnexpectedEntry, e.Name())
		}
	}

	for key, ls := range metas {
		if !dats[key] {
			return nil, fmt.Errorf("store: %w: %q.meta has no matching .dat", ErrUnexpectedEntry, key)
		}
		f, err := os.OpenFile(filepath.Join(dir, string(key)+datExt), os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("store: open %q: %w", string(key)+datExt, err)
		}
		size, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("store: seek %q: %w", string(key)+datExt, err)
		}
		db.streams[key] = &streamFile{f: f, wroteFirst: size > 0}
		db.indexInsert(key, ls)
	}

	if db.wal != nil {
		if err := db.wal.Replay(func(key labels.StreamKey, ls labels.Set, line string) error {
			db.indexInsert(key, ls)
			return db.appendLocked(key, ls, line)
		}); err != nil {
			return nil, fmt.Errorf("store: replay durability log: %w", err)
		}
	}

	return db, nil
}

// indexInsert adds key to the index entry for every (name, value) pair in ls.
// Callers must hold db.mu.
func (db *Database) indexInsert(key labels.StreamKey, ls labels.Set) {
	for name, value := range ls {
		ik := indexKey{name: name, value: value}
		set, ok := db.index[ik]
		if !ok {
			set = make(map[labels.StreamKey]struct{})
			db.index[ik] = set
		}
		set[key] = struct{}{}
	}
}

// Write persists line under the stream identified by ls, creating the
// stream's .meta/.dat files on first use.
func (db *Database) Write(ls labels.Set, line string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	key := ls.Fingerprint()
	db.indexInsert(key, ls)

	if db.wal != nil {
		if err := db.wal.Stage(key, ls, line); err != nil {
			return fmt.Errorf("store: stage durability record: %w", err)
		}
	}

	if err := db.appendLocked(key, ls, line); err != nil {
		return err
	}

	if db.wal != nil {
		if err := db.wal.Commit(key, line); err != nil {
			return fmt.Errorf("store: commit durability record: %w", err)
		}
	}
	return nil
}

// appendLocked performs the actual .meta/.dat write for one record. Callers
// must hold db.mu and have already updated the index.
func (db *Database) appendLocked(key labels.StreamKey, ls labels.Set, line string) error {
	sf, ok := db.streams[key]
	if !ok {
		metaData, err := json.Marshal(ls)
		if err != nil {
			return fmt.Errorf("store: marshal label set: %w", err)
		}
		if err := os.WriteFile(filepath.Join(db.dir, string(key)+metaExt), metaData, 0o644); err != nil {
			return fmt.Errorf("store: write %q: %w", string(key)+metaExt, err)
		}

		f, err := os.OpenFile(filepath.Join(db.dir, string(key)+datExt), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("store: create %q: %w", string(key)+datExt, err)
		}
		sf = &streamFile{f: f}
		db.streams[key] = sf
	}

	if _, err := sf.f.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("store: seek %q: %w", string(key)+datExt, err)
	}

	var buf bytes.Buffer
	if sf.wroteFirst {
		buf.WriteByte(sentinel)
	}
	buf.WriteString(line)

	if _, err := sf.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("store: append %q: %w", string(key)+datExt, err)
	}
	sf.wroteFirst = true
	return nil
}

// Query returns every line from every stream whose label set contains
// (name, value), concatenated in an unspecified inter-stream order but in
// write order within each stream. found is false when (name, value) is
// absent from the index — distinct from a present-but-empty result.
func (db *Database) Query(name, value string) (lines []string, found bool, err error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	keySet, ok := db.index[indexKey{name: name, value: value}]
	if !ok {
		return nil, false, nil
	}

	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	var result []string
	for _, k := range keys {
		sf, ok := db.streams[labels.StreamKey(k)]
		if !ok {
			continue
		}
		recs, err := readRecords(sf.f)
		if err != nil {
			return nil, true, err
		}
		result = append(result, recs...)
	}
	return result, true, nil
}

// readRecords reads the entirety of f, splits it on the sentinel byte, and
// validates each record as UTF-8. A trailing empty segment (which would
// result from a wrongly-written trailing sentinel) is dropped.
func readRecords(f *os.File) ([]string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("store: seek: %w", err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("store: read: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	parts := bytes.Split(data, []byte{sentinel})
	records := make([]string, 0, len(parts))
	for i, p := range parts {
		if i == len(parts)-1 && len(p) == 0 {
			continue // drop a spurious trailing empty segment
		}
		if !utf8.Valid(p) {
			return nil, ErrCorruptRecord
		}
		records = append(records, string(p))
	}
	return records, nil
}

// IndexKeys returns every (label_name, label_value) pair currently present
// in the index, rendered as "name=value" strings. Used by the query
// surface's /status endpoint.
func (db *Database) IndexKeys() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	keys := make([]string, 0, len(db.index))
	for ik := range db.index {
		keys = append(keys, ik.name+"="+ik.value)
	}
	sort.Strings(keys)
	return keys
}

// StreamsLen returns the number of distinct streams currently known to the
// Database.
func (db *Database) StreamsLen() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.streams)
}

// Close releases every open stream file handle.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	var firstErr error
	for _, sf := range db.streams {
		if err := sf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
