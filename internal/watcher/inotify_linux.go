//go:build linux

package watcher

import (
	"fmt"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux inotify event flag constants (kernel ABI — never change).
// These match the values in <sys/inotify.h>.
const (
	inCreate    uint32 = 0x100      // IN_CREATE: file/dir created in watched dir
	inModify    uint32 = 0x2        // IN_MODIFY: file content was changed
	inQOverflow uint32 = 0x4000     // IN_Q_OVERFLOW: event queue overflowed
	inIgnored   uint32 = 0x8000     // IN_IGNORED: watch was removed
)

// inotifyCloexec is the inotify init flag for close-on-exec (O_CLOEXEC).
const inotifyCloexec = 0x80000

// inotifyEventSize is the fixed size of the inotify_event header (excl. name).
const inotifyEventSize = syscall.SizeofInotifyEvent

// inotifyWatcher implements Watcher on Linux using the raw inotify syscalls.
type inotifyWatcher struct {
	fd int // inotify file descriptor

	// pipeR/pipeW form a self-pipe: Close() writes a byte to pipeW, which
	// unblocks the poll(2) call in ReadEventsBlocking waiting on pipeR.
	pipeR int
	pipeW int

	closeOnce sync.Once
}

func newPlatformWatcher() (Watcher, error) {
	fd, err := syscall.InotifyInit1(inotifyCloexec)
	if err != nil {
		return nil, fmt.Errorf("watcher: inotify_init1: %w", err)
	}

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("watcher: pipe2: %w", err)
	}

	return &inotifyWatcher{
		fd:    fd,
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}, nil
}

// maskToInotify translates our Mask into the inotify flags needed to detect
// it. A directory watch (Create) also needs IN_MODIFY suppressed from its
// own semantics — directory entries only ever fire IN_CREATE here, since the
// collector always registers Modify on the real file, not the directory.
func maskToInotify(mask Mask) uint32 {
	switch mask {
	case Create:
		return inCreate
	case Modify:
		return inModify
	default:
		return 0
	}
}

func (w *inotifyWatcher) AddWatch(path string, mask Mask) (Descriptor, error) {
	flags := maskToInotify(mask)
	wd, err := syscall.InotifyAddWatch(w.fd, path, flags)
	if err != nil {
		return 0, fmt.Errorf("watcher: inotify_add_watch %q: %w", path, err)
	}
	return Descriptor(wd), nil
}

func (w *inotifyWatcher) ReadEventsBlocking() ([]Event, error) {
	// Buffer large enough for many events: each is SizeofInotifyEvent (16
	// bytes) plus up to NAME_MAX+1 (256) bytes for the name field.
	buf := make([]byte, 4096*(16+256))

	pollFds := []unix.PollFd{
		{Fd: int32(w.fd), Events: unix.POLLIN},
		{Fd: int32(w.pipeR), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			return nil, fmt.Errorf("watcher: poll: %w", err)
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			return nil, ErrClosed
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := syscall.Read(w.fd, buf)
		if err != nil {
			return nil, fmt.Errorf("watcher: read: %w", err)
		}

		events := parseInotifyEvents(buf[:n])
		if len(events) > 0 {
			return events, nil
		}
		// A batch containing only overflow/ignored markers yields no
		// events; block again rather than returning an empty result.
	}
}

// parseInotifyEvents decodes a raw inotify_event buffer into Events,
// dropping overflow and watch-removal notifications.
//
// The binary layout of each inotify_event is:
//
//	struct inotify_event {
//	    int32_t  wd;      // 4 bytes — watch descriptor
//	    uint32_t mask;    // 4 bytes — event mask
//	    uint32_t cookie;  // 4 bytes — rename correlation cookie
//	    uint32_t len;     // 4 bytes — length of name field (incl. null padding)
//	    char     name[];  // len bytes, NUL-terminated + null-padded
//	}
func parseInotifyEvents(buf []byte) []Event {
	var events []Event
	evSize := inotifyEventSize

	for offset := 0; offset+evSize <= len(buf); {
		ev := (*syscall.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += evSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break // truncated event; stop parsing
			}
			nameBytes := buf[offset : offset+int(ev.Len)]
			name = strings.TrimRight(string(nameBytes), "\x00")
			offset += int(ev.Len)
		}

		if ev.Mask&inQOverflow != 0 || ev.Mask&inIgnored != 0 {
			continue
		}

		events = append(events, Event{Descriptor: Descriptor(ev.Wd), Name: name})
	}

	return events
}

func (w *inotifyWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		syscall.Write(w.pipeW, []byte{0}) //nolint:errcheck
		syscall.Close(w.pipeW)
		syscall.Close(w.pipeR)
		err = syscall.Close(w.fd)
	})
	return err
}
