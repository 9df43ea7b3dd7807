//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package watcher

import (
	"fmt"
	"sync"
	"syscall"
)

// kqueueCreateFflags are the vnode events a directory watch (Create) reacts
// to: a write to the directory's own data means an entry was added,
// removed, or renamed within it.
const kqueueCreateFflags = syscall.NOTE_WRITE

// kqueueModifyFflags are the vnode events a file watch (Modify) reacts to.
const kqueueModifyFflags = syscall.NOTE_WRITE | syscall.NOTE_EXTEND

// kqueueWatcher implements Watcher on BSD/macOS using the raw kqueue
// syscalls. Unlike inotify, kqueue is file-descriptor-per-watch: every
// watched path holds its own open fd for the lifetime of the watch, and that
// fd's number doubles as the watch's Descriptor.
type kqueueWatcher struct {
	kqfd int

	// pipeR/pipeW form a self-pipe registered as an EVFILT_READ source on
	// the same kqueue, so a single Kevent call blocks on both filesystem
	// events and the shutdown signal.
	pipeR int
	pipeW int

	mu       sync.Mutex
	watchFds map[int]string // watched fd -> path; every fd is closed on Close

	closeOnce sync.Once
}

func newPlatformWatcher() (Watcher, error) {
	kqfd, err := syscall.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("watcher: kqueue: %w", err)
	}

	var pipeFds [2]int
	if err := syscall.Pipe(pipeFds[:]); err != nil {
		syscall.Close(kqfd)
		return nil, fmt.Errorf("watcher: pipe: %w", err)
	}

	change := syscall.Kevent_t{
		Ident:  uint64(pipeFds[0]),
		Filter: syscall.EVFILT_READ,
		Flags:  syscall.EV_ADD | syscall.EV_ENABLE,
	}
	if _, err := syscall.Kevent(kqfd, []syscall.Kevent_t{change}, nil, nil); err != nil {
		syscall.Close(kqfd)
		syscall.Close(pipeFds[0])
		syscall.Close(pipeFds[1])
		return nil, fmt.Errorf("watcher: register shutdown pipe: %w", err)
	}

	return &kqueueWatcher{
		kqfd:     kqfd,
		pipeR:    pipeFds[0],
		pipeW:    pipeFds[1],
		watchFds: make(map[int]string),
	}, nil
}

func (w *kqueueWatcher) AddWatch(path string, mask Mask) (Descriptor, error) {
	fd, err := syscall.Open(path, syscall.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("watcher: open %q: %w", path, err)
	}

	var fflags uint32
	switch mask {
	case Create:
		fflags = kqueueCreateFflags
	case Modify:
		fflags = kqueueModifyFflags
	default:
		syscall.Close(fd)
		return 0, fmt.Errorf("watcher: unsupported mask %v", mask)
	}

	change := syscall.Kevent_t{
		Ident:  uint64(fd),
		Filter: syscall.EVFILT_VNODE,
		Flags:  syscall.EV_ADD | syscall.EV_ENABLE | syscall.EV_CLEAR,
		Fflags: fflags,
	}
	if _, err := syscall.Kevent(w.kqfd, []syscall.Kevent_t{change}, nil, nil); err != nil {
		syscall.Close(fd)
		return 0, fmt.Errorf("watcher: register kevent for %q: %w", path, err)
	}

	w.mu.Lock()
	w.watchFds[fd] = path
	w.mu.Unlock()

	return Descriptor(fd), nil
}

func (w *kqueueWatcher) ReadEventsBlocking() ([]Event, error) {
	raw := make([]syscall.Kevent_t, 64)

	for {
		n, err := syscall.Kevent(w.kqfd, nil, raw, nil)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return nil, fmt.Errorf("watcher: kevent: %w", err)
		}

		var events []Event
		for i := 0; i < n; i++ {
			ident := int(raw[i].Ident)
			if ident == w.pipeR {
				return nil, ErrClosed
			}
			// kqueue does not report which directory entry changed; the
			// collector must re-scan the directory it registered. Name is
			// left empty, matching the contract for Descriptor-only events.
			events = append(events, Event{Descriptor: Descriptor(ident)})
		}
		if len(events) > 0 {
			return events, nil
		}
	}
}

func (w *kqueueWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		syscall.Write(w.pipeW, []byte{0}) //nolint:errcheck

		w.mu.Lock()
		for fd := range w.watchFds {
			syscall.Close(fd)
		}
		w.mu.Unlock()

		syscall.Close(w.pipeW)
		syscall.Close(w.pipeR)
		err = syscall.Close(w.kqfd)
	})
	return err
}
