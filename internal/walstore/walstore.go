// Package walstore is a durability side-log for the store package. It
// records a write's (stream key, label set, line) before the corresponding
// .dat append is attempted, and purges the record once the append commits.
// If the process exits uncleanly between those two points, the next Open
// replays whatever is still staged, so no acknowledged write is lost.
//
// This resolves the "durability and atomicity" open question the core
// on-disk format leaves unanswered: the .meta/.dat files themselves are
// never written to mid-record, so replay only ever re-issues a whole record.
package walstore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/tripwire/agent/internal/labels"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_writes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	stream_key TEXT NOT NULL,
	label_json TEXT NOT NULL,
	line TEXT NOT NULL
);`

// WAL is a WAL-mode SQLite-backed staging log. The zero value is not usable;
// construct one with Open.
type WAL struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path in WAL
// journal mode and ensures its schema exists.
func Open(path string) (*WAL, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("walstore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid pool contention

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("walstore: create schema: %w", err)
	}
	return &WAL{db: db}, nil
}

// Stage records a write that is about to be attempted. It must be called
// before the corresponding store append.
func (w *WAL) Stage(key labels.StreamKey, ls labels.Set, line string) error {
	labelJSON, err := json.Marshal(ls)
	if err != nil {
		return fmt.Errorf("walstore: marshal label set: %w", err)
	}
	if _, err := w.db.Exec(
		`INSERT INTO pending_writes (stream_key, label_json, line) VALUES (?, ?, ?)`,
		string(key), string(labelJSON), line,
	); err != nil {
		return fmt.Errorf("walstore: stage: %w", err)
	}
	return nil
}

// Commit purges the earliest staged record for key with this exact line. It must be called after the corresponding store append succeeds.
func (w *WAL) Commit(key labels.StreamKey, line string) error {
	_, err := w.db.Exec(
		`DELETE FROM pending_writes WHERE id = (
			SELECT id FROM pending_writes
			WHERE stream_key = ? AND line = ?
			ORDER BY id ASC LIMIT 1
		)`,
		string(key), line,
	)
	if err != nil {
		return fmt.Errorf("walstore: commit: %w", err)
	}
	return nil
}

// Replay invokes fn for every record still staged, in the order they were
// staged, and deletes each after fn returns nil. It is meant to be called
// once, immediately after Open, before any new writes are accepted.
func (w *WAL) Replay(fn func(key labels.StreamKey, ls labels.Set, line string) error) error {
	rows, err := w.db.Query(`SELECT id, stream_key, label_json, line FROM pending_writes ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("walstore: replay query: %w", err)
	}

	type record struct {
		id        int64
		streamKey string
		labelJSON string
		line      string
	}
	var pending []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.id, &r.streamKey, &r.labelJSON, &r.line); err != nil {
			rows.Close()
			return fmt.Errorf("walstore: replay scan: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("walstore: replay rows: %w", err)
	}
	rows.Close()

	for _, r := range pending {
		var ls labels.Set
		if err := json.Unmarshal([]byte(r.labelJSON), &ls); err != nil {
			return fmt.Errorf("walstore: replay unmarshal label set for id %d: %w", r.id, err)
		}
		if err := fn(labels.StreamKey(r.streamKey), ls, r.line); err != nil {
			return fmt.Errorf("walstore: replay apply id %d: %w", r.id, err)
		}
		if _, err := w.db.Exec(`DELETE FROM pending_writes WHERE id = ?`, r.id); err != nil {
			return fmt.Errorf("walstore: replay purge id %d: %w", r.id, err)
		}
	}
	return nil
}

// Close releases the underlying SQLite connection.
func (w *WAL) Close() error {
	return w.db.Close()
}
