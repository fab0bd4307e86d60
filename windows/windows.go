//go:build windows

// Package windows implements the notifier with ReadDirectoryChangesW and an
// I/O completion port. Change records are written by the kernel directly into
// the armed buffer.
package windows

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/benbjohnson/dirnotify"
)

var (
	_ dirnotify.Notifier = (*Notifier)(nil)
	_ dirnotify.Handle   = (*Handle)(nil)
	_ dirnotify.Port     = (*Port)(nil)
)

// Notifier opens directory handles for overlapped change requests.
type Notifier struct{}

// NewNotifier returns a new instance of Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// OpenWatch opens the directory at path with FILE_LIST_DIRECTORY access.
func (n *Notifier) OpenWatch(path string) (dirnotify.Handle, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}

	fd, err := windows.CreateFile(p,
		windows.FILE_LIST_DIRECTORY,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_FLAG_BACKUP_SEMANTICS|windows.FILE_FLAG_OVERLAPPED,
		0,
	)
	if err != nil {
		return nil, err
	}
	return &Handle{fd: fd, path: path, logger: slog.Default().WithGroup("windows")}, nil
}

// NewPort creates an I/O completion port.
func (n *Notifier) NewPort() (dirnotify.Port, error) {
	return NewPort()
}

// Handle is an open directory handle.
type Handle struct {
	mu     sync.Mutex
	fd     windows.Handle
	path   string
	port   *Port
	key    dirnotify.Key
	closed bool

	// The overlapped structure and buffer must stay reachable while a
	// request is outstanding.
	ov      *windows.Overlapped
	buf     []byte
	seq     dirnotify.Token
	pending dirnotify.Token

	logger *slog.Logger
}

// ID returns the OS handle value.
func (h *Handle) ID() uintptr { return uintptr(h.fd) }

// Arm issues an overlapped ReadDirectoryChangesW request.
func (h *Handle) Arm(buf []byte, filter dirnotify.NotifyFilter, recursive bool) (dirnotify.Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, dirnotify.ErrClosed
	} else if h.port == nil {
		return 0, errors.New("directory handle not associated with a port")
	} else if h.pending != 0 {
		return 0, dirnotify.ErrPending
	} else if len(buf) == 0 {
		return 0, errors.New("empty change buffer")
	}

	h.seq++
	h.pending, h.buf, h.ov = h.seq, buf, &windows.Overlapped{}
	if err := windows.ReadDirectoryChanges(h.fd, &buf[0], uint32(len(buf)), recursive, uint32(filter), nil, h.ov, 0); err != nil {
		h.pending, h.buf, h.ov = 0, nil, nil
		return 0, err
	}
	return h.pending, nil
}

// Close cancels any outstanding request and closes the handle. The cancelled
// request still completes through the port and is discarded there.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.pending != 0 {
		_ = windows.CancelIoEx(h.fd, h.ov)
	} else if h.port != nil {
		h.port.forget(h.key.Gen)
	}
	return windows.CloseHandle(h.fd)
}

// complete consumes the pending token for a completed request.
func (h *Handle) complete() dirnotify.Token {
	h.mu.Lock()
	defer h.mu.Unlock()

	token := h.pending
	h.pending = 0
	if h.closed {
		h.buf, h.ov = nil, nil
		return 0
	}
	return token
}

// Port wraps an I/O completion port. Handles are associated with their key
// generation as the completion key; a zero completion key is a sentinel.
type Port struct {
	mu      sync.Mutex
	fd      windows.Handle
	handles map[uint64]*Handle
	closed  bool
}

// NewPort returns a new instance of Port.
func NewPort() (*Port, error) {
	fd, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 1)
	if err != nil {
		return nil, fmt.Errorf("create completion port: %w", err)
	}
	return &Port{fd: fd, handles: make(map[uint64]*Handle)}, nil
}

// Associate binds the directory handle to the completion port.
func (p *Port) Associate(dh dirnotify.Handle, key dirnotify.Key) error {
	h, ok := dh.(*Handle)
	if !ok {
		return fmt.Errorf("windows: cannot associate handle of type %T", dh)
	} else if key.Gen == 0 {
		return errors.New("windows: zero key generation is reserved")
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return dirnotify.ErrClosed
	}

	if _, err := windows.CreateIoCompletionPort(h.fd, p.fd, uintptr(key.Gen), 0); err != nil {
		p.mu.Unlock()
		return err
	}
	p.handles[key.Gen] = h
	p.mu.Unlock()

	h.mu.Lock()
	h.port, h.key = p, key
	h.mu.Unlock()
	return nil
}

// forget drops a handle that has no outstanding request.
func (p *Port) forget(gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, gen)
}

// Wait blocks in GetQueuedCompletionStatus with no timeout.
func (p *Port) Wait() (dirnotify.Completion, error) {
	var n uint32
	var key uintptr
	var ov *windows.Overlapped

	err := windows.GetQueuedCompletionStatus(p.fd, &n, &key, &ov, windows.INFINITE)

	p.mu.Lock()
	closed := p.closed
	h := p.handles[uint64(key)]
	p.mu.Unlock()

	if closed {
		return dirnotify.Completion{}, dirnotify.ErrClosed
	} else if err != nil && ov == nil {
		return dirnotify.Completion{}, err
	} else if key == 0 {
		return dirnotify.Completion{Sentinel: true}, nil
	} else if h == nil {
		return dirnotify.Completion{Key: dirnotify.Key{Gen: uint64(key)}}, nil
	}

	c := dirnotify.Completion{Key: h.key, Token: h.complete()}
	if err == nil {
		c.N = int(n)
	} else if !errors.Is(err, windows.ERROR_OPERATION_ABORTED) {
		h.logger.Debug("change request failed", "path", h.path, "error", err)
	}

	// Closed handles will never complete again.
	if c.Token == 0 {
		p.mu.Lock()
		delete(p.handles, uint64(key))
		p.mu.Unlock()
	}
	return c, nil
}

// PostSentinel posts an empty completion with a zero key.
func (p *Port) PostSentinel() error {
	return windows.PostQueuedCompletionStatus(p.fd, 0, 0, nil)
}

// Close closes the completion port. Waiters return ErrClosed.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.handles = nil
	return windows.CloseHandle(p.fd)
}
