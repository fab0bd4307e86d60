//go:build linux

package inotify

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/benbjohnson/dirnotify"
)

// Size of the buffer used to read raw inotify events.
const rawBufferSize = 4096 * (unix.SizeofInotifyEvent + 16)

var (
	_ dirnotify.Notifier = (*Notifier)(nil)
	_ dirnotify.Handle   = (*Handle)(nil)
	_ dirnotify.Port     = (*Port)(nil)
)

// Notifier opens watches backed by one inotify instance per handle and
// multiplexes them with epoll.
type Notifier struct{}

// NewNotifier returns a new instance of Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// OpenWatch opens an inotify instance watching the directory at path.
func (n *Notifier) OpenWatch(path string) (dirnotify.Handle, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("cannot init inotify: %w", err)
	}

	// Watch the root immediately so a missing or non-directory path fails
	// here. The event mask is replaced on the first arm.
	wd, err := unix.InotifyAddWatch(fd, path, unix.IN_ONLYDIR|unix.IN_DELETE_SELF|unix.IN_MOVE_SELF)
	if err != nil {
		unix.Close(fd)
		return nil, &os.PathError{Op: "inotify_add_watch", Path: path, Err: err}
	}

	return &Handle{
		fd:     fd,
		root:   path,
		paths:  map[int]string{wd: ""},
		dirs:   map[string]int{"": wd},
		raw:    make([]byte, rawBufferSize),
		logger: slog.Default().WithGroup("inotify"),
	}, nil
}

// NewPort returns a new epoll-based completion port.
func (n *Notifier) NewPort() (dirnotify.Port, error) {
	return NewPort()
}

// Handle is an inotify instance watching a directory and, if recursive, all
// of its subdirectories.
type Handle struct {
	mu     sync.Mutex
	fd     int
	root   string
	port   *Port
	key    dirnotify.Key
	closed bool

	paths map[int]string // relative directory by watch descriptor
	dirs  map[string]int // watch descriptor by relative directory

	filter    dirnotify.NotifyFilter
	recursive bool
	mask      uint32 // mask applied to watch descriptors, zero before first arm

	buf     []byte
	seq     dirnotify.Token
	pending dirnotify.Token

	raw     []byte
	backlog []dirnotify.Record // decoded but not yet delivered

	logger *slog.Logger
}

// ID returns the inotify file descriptor.
func (h *Handle) ID() uintptr { return uintptr(h.fd) }

// Arm requests the next batch of changes. The request completes through the
// associated port once events are available.
func (h *Handle) Arm(buf []byte, filter dirnotify.NotifyFilter, recursive bool) (dirnotify.Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, dirnotify.ErrClosed
	} else if h.port == nil {
		return 0, errors.New("inotify handle not associated with a port")
	} else if h.pending != 0 {
		return 0, dirnotify.ErrPending
	}

	if mask := inotifyMask(filter, recursive); mask != h.mask || recursive != h.recursive {
		h.filter, h.recursive, h.mask = filter, recursive, mask
		if err := h.addWatches(); err != nil {
			return 0, err
		}
	}

	h.seq++
	h.pending, h.buf = h.seq, buf

	// Deliver leftover records without waiting on the kernel.
	if len(h.backlog) > 0 {
		if err := h.port.pushReady(h); err != nil {
			h.pending, h.buf = 0, nil
			return 0, err
		}
		return h.pending, nil
	}

	if err := h.port.enable(h.fd); err != nil {
		h.pending, h.buf = 0, nil
		return 0, err
	}
	return h.pending, nil
}

// Close releases the inotify instance.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.pending, h.buf, h.backlog = 0, nil, nil

	if h.port != nil {
		h.port.remove(h)
	}
	return unix.Close(h.fd)
}

// addWatches applies the current mask to the root and, if recursive, to all
// subdirectories. Must hold h.mu.
func (h *Handle) addWatches() error {
	if err := h.addWatch(""); err != nil {
		return err
	} else if !h.recursive {
		return nil
	}
	return h.addTree("")
}

func (h *Handle) addWatch(rel string) error {
	wd, err := unix.InotifyAddWatch(h.fd, filepath.Join(h.root, rel), h.mask|unix.IN_ONLYDIR|unix.IN_DELETE_SELF|unix.IN_MOVE_SELF)
	if err != nil {
		return &os.PathError{Op: "inotify_add_watch", Path: filepath.Join(h.root, rel), Err: err}
	}
	h.paths[wd] = rel
	h.dirs[rel] = wd
	return nil
}

// addTree watches every directory below rel. Directories that disappear
// during the walk are skipped.
func (h *Handle) addTree(rel string) error {
	return filepath.WalkDir(filepath.Join(h.root, rel), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		} else if !d.IsDir() {
			return nil
		}

		sub, err := filepath.Rel(h.root, path)
		if err != nil {
			return err
		} else if sub == "." {
			return nil
		}

		if err := h.addWatch(sub); err != nil && !errors.Is(err, unix.ENOENT) {
			h.logger.Debug("cannot watch subdirectory", "path", path, "error", err)
		}
		return nil
	})
}

// complete fills the armed buffer from pending events. Returns false if the
// handle has nothing to deliver. Called by the port's waiter.
func (h *Handle) complete() (dirnotify.Completion, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.pending == 0 {
		return dirnotify.Completion{}, false
	}

	if len(h.backlog) == 0 {
		if err := h.read(); err == unix.EAGAIN {
			if err := h.port.enable(h.fd); err != nil {
				h.logger.Debug("cannot rearm epoll", "path", h.root, "error", err)
			}
			return dirnotify.Completion{}, false
		} else if err != nil {
			h.logger.Debug("read inotify events", "path", h.root, "error", err)
		}
	}

	w := dirnotify.NewRecordWriter(h.buf)
	var i int
	for ; i < len(h.backlog); i++ {
		if !w.Write(h.backlog[i].Action, h.backlog[i].Name) {
			break
		}
	}

	// Drop a single record that can never fit in the buffer.
	if i == 0 && len(h.backlog) > 0 {
		h.logger.Warn("change record exceeds buffer", "path", h.root, "name", h.backlog[0].Name)
		i = 1
	}
	if h.backlog = h.backlog[i:]; len(h.backlog) == 0 {
		h.backlog = nil
	}

	c := dirnotify.Completion{Key: h.key, Token: h.pending, N: w.Len()}
	h.pending, h.buf = 0, nil
	return c, true
}

// read reads available events from the inotify descriptor into the backlog.
// Automatically retry on EINTR.
func (h *Handle) read() error {
	for {
		n, err := unix.Read(h.fd, h.raw)
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return err
		}
		h.recv(h.raw[:n])
		return nil
	}
}

func (h *Handle) recv(b []byte) {
	for len(b) >= unix.SizeofInotifyEvent {
		event := (*unix.InotifyEvent)(unsafe.Pointer(&b[0]))
		nameLen := int(event.Len)
		if unix.SizeofInotifyEvent+nameLen > len(b) {
			return
		}
		name := strings.TrimRight(string(b[unix.SizeofInotifyEvent:unix.SizeofInotifyEvent+nameLen]), "\x00")

		// Move to next event.
		b = b[unix.SizeofInotifyEvent+nameLen:]

		if event.Mask&unix.IN_Q_OVERFLOW != 0 {
			h.logger.Warn("inotify queue overflow", "path", h.root)
			continue
		}

		rel, ok := h.paths[int(event.Wd)]
		if !ok {
			continue
		}

		// Remove descriptors the kernel has dropped from the lookups.
		if event.Mask&unix.IN_IGNORED != 0 {
			delete(h.paths, int(event.Wd))
			if h.dirs[rel] == int(event.Wd) {
				delete(h.dirs, rel)
			}
			continue
		}

		// Events on the directory itself carry no name.
		if name == "" {
			continue
		}
		name = filepath.Join(rel, name)

		if h.recursive && event.Mask&unix.IN_ISDIR != 0 && event.Mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
			if err := h.addWatch(name); err == nil {
				_ = h.addTree(name)
			}
		}

		if action, ok := h.translate(event.Mask); ok {
			h.backlog = append(h.backlog, dirnotify.Record{Name: name, Action: action})
		}
	}
}

// translate converts an inotify mask to a record action if the handle's
// filter asks for it.
func (h *Handle) translate(mask uint32) (dirnotify.Action, bool) {
	const names = dirnotify.NotifyChangeFileName | dirnotify.NotifyChangeDirName

	switch {
	case mask&unix.IN_CREATE != 0:
		return dirnotify.ActionAdded, h.filter&(names|dirnotify.NotifyChangeCreation) != 0
	case mask&unix.IN_DELETE != 0:
		return dirnotify.ActionRemoved, h.filter&names != 0
	case mask&unix.IN_MOVED_FROM != 0:
		return dirnotify.ActionRenamedOldName, h.filter&names != 0
	case mask&unix.IN_MOVED_TO != 0:
		return dirnotify.ActionRenamedNewName, h.filter&names != 0
	case mask&unix.IN_MODIFY != 0:
		return dirnotify.ActionModified, h.filter&(dirnotify.NotifyChangeLastWrite|dirnotify.NotifyChangeSize) != 0
	case mask&unix.IN_ATTRIB != 0:
		return dirnotify.ActionModified, h.filter&(dirnotify.NotifyChangeAttributes|dirnotify.NotifyChangeSecurity) != 0
	case mask&unix.IN_ACCESS != 0:
		return dirnotify.ActionModified, h.filter&dirnotify.NotifyChangeLastAccess != 0
	default:
		return 0, false
	}
}

// inotifyMask converts a native notify filter to an inotify event mask.
// Recursive watches always need creation events to follow new directories.
func inotifyMask(filter dirnotify.NotifyFilter, recursive bool) uint32 {
	var mask uint32
	if filter&(dirnotify.NotifyChangeFileName|dirnotify.NotifyChangeDirName) != 0 {
		mask |= unix.IN_CREATE | unix.IN_DELETE | unix.IN_MOVED_FROM | unix.IN_MOVED_TO
	}
	if filter&dirnotify.NotifyChangeCreation != 0 || recursive {
		mask |= unix.IN_CREATE | unix.IN_MOVED_TO
	}
	if filter&(dirnotify.NotifyChangeLastWrite|dirnotify.NotifyChangeSize) != 0 {
		mask |= unix.IN_MODIFY
	}
	if filter&(dirnotify.NotifyChangeAttributes|dirnotify.NotifyChangeSecurity) != 0 {
		mask |= unix.IN_ATTRIB
	}
	if filter&dirnotify.NotifyChangeLastAccess != 0 {
		mask |= unix.IN_ACCESS
	}
	return mask
}
