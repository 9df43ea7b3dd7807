// Package watcher is a thin OS abstraction over the kernel filesystem
// notification facility: inotify on Linux, kqueue on BSD/macOS. It exposes a
// small capability — register a watch, block for events — and leaves all
// policy (what a CREATE or MODIFY event means for a tailed log file) to the
// collector package.
//
// Implementations are selected at compile time via build tags; callers only
// ever see the Watcher interface returned by New.
package watcher

import "errors"

// Mask selects which class of filesystem change a watch should report.
// The two values are mutually exclusive per AddWatch call: a directory watch
// requests Create (to learn about new children) and a file watch requests
// Modify (to learn about appended or rewritten bytes).
type Mask uint8

const (
	// Create fires when a new entry appears in a watched directory.
	Create Mask = 1 << iota
	// Modify fires when a watched file's contents change.
	Modify
)

// Descriptor identifies a single registered watch. Two Descriptors compare
// equal if and only if they refer to the same watch; it is the routing key
// callers use to map an Event back to the path they registered.
type Descriptor int

// Event is a single filesystem notification. On the inotify backend, Name is
// the basename of the affected child for a directory watch (Create). The
// kqueue backend does not name the child: its directory-watch events carry
// an empty Name. Name is empty for a file watch (Modify) on every backend,
// whose Descriptor alone identifies the changed file.
type Event struct {
	Descriptor Descriptor
	Name       string
}

// ErrClosed is returned by ReadEventsBlocking once the Watcher has been
// closed, unblocking any goroutine parked inside it.
var ErrClosed = errors.New("watcher: closed")

// Watcher is the capability set consumed by the collector package: register
// a watch and block for a batch of events. Implementations must tolerate one
// concurrent AddWatch caller together with one concurrent
// ReadEventsBlocking caller (the collector's single pump goroutine), but
// Close may be called from any goroutine to unblock a pending read.
type Watcher interface {
	// AddWatch registers path for notifications matching mask and returns
	// the Descriptor that subsequent Events will carry. Registration
	// failures (e.g. the path does not exist, or the kernel limit on
	// watches is exhausted) are returned immediately.
	AddWatch(path string, mask Mask) (Descriptor, error)

	// ReadEventsBlocking blocks until at least one event is available, then
	// returns every event currently pending. It never returns an empty
	// slice together with a nil error.
	ReadEventsBlocking() ([]Event, error)

	// Close releases the underlying kernel descriptor(s) and unblocks any
	// goroutine currently parked in ReadEventsBlocking, which then returns
	// ErrClosed. Close is idempotent.
	Close() error
}

// New acquires a kernel event descriptor and returns a Watcher backed by the
// current platform's notification facility. The concrete implementation is
// chosen at compile time; see inotify_linux.go and kqueue_bsd.go.
func New() (Watcher, error) {
	return newPlatformWatcher()
}
