// Package fsnotify implements a portable notifier on top of
// github.com/fsnotify/fsnotify. It is used on platforms without a native
// facade and can be selected explicitly with the "fsnotify" backend.
package fsnotify

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/benbjohnson/dirnotify"
)

var (
	_ dirnotify.Notifier = (*Notifier)(nil)
	_ dirnotify.Handle   = (*Handle)(nil)
	_ dirnotify.Port     = (*Port)(nil)
)

// Notifier opens one fsnotify watcher per handle.
type Notifier struct{}

// NewNotifier returns a new instance of Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// OpenWatch starts an fsnotify watcher on the directory at path.
func (n *Notifier) OpenWatch(path string) (dirnotify.Handle, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}

	h := &Handle{
		id:     nextID(),
		w:      w,
		root:   path,
		dirs:   map[string]struct{}{path: {}},
		logger: slog.Default().WithGroup("fsnotify"),
	}
	go h.run()
	return h, nil
}

// NewPort returns a new channel-based port.
func (n *Notifier) NewPort() (dirnotify.Port, error) {
	return NewPort(), nil
}

var (
	idMu   sync.Mutex
	lastID uintptr
)

// nextID returns a process-unique handle identity.
func nextID() uintptr {
	idMu.Lock()
	defer idMu.Unlock()
	lastID++
	return lastID
}

// Handle wraps an fsnotify watcher on a directory. fsnotify is not recursive
// so subdirectories are added individually when the handle is armed
// recursively.
type Handle struct {
	mu     sync.Mutex
	id     uintptr
	w      *fsnotify.Watcher
	root   string
	dirs   map[string]struct{}
	port   *Port
	key    dirnotify.Key
	closed bool

	// Set once the root directory is removed or renamed. The pending request
	// is completed even without records so the monitor notices.
	rootGone bool

	filter    dirnotify.NotifyFilter
	recursive bool

	buf     []byte
	seq     dirnotify.Token
	pending dirnotify.Token
	backlog []dirnotify.Record

	logger *slog.Logger
}

// ID returns the handle identity.
func (h *Handle) ID() uintptr { return h.id }

// Arm requests the next batch of changes.
func (h *Handle) Arm(buf []byte, filter dirnotify.NotifyFilter, recursive bool) (dirnotify.Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, dirnotify.ErrClosed
	} else if h.port == nil {
		return 0, errors.New("fsnotify handle not associated with a port")
	} else if h.pending != 0 {
		return 0, dirnotify.ErrPending
	}

	if recursive && !h.recursive {
		h.addTree(h.root)
	}
	h.filter, h.recursive = filter, recursive

	h.seq++
	h.pending, h.buf = h.seq, buf
	if err := h.flush(); err != nil {
		h.pending, h.buf = 0, nil
		return 0, err
	}
	return h.seq, nil
}

// Close stops the watcher. The reader goroutine exits on its own once the
// watcher's channels are closed.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.pending, h.buf, h.backlog = 0, nil, nil
	h.mu.Unlock()

	return h.w.Close()
}

// run reads watcher events until the watcher is closed.
func (h *Handle) run() {
	for {
		select {
		case event, ok := <-h.w.Events:
			if !ok {
				return
			}
			h.handleEvent(event)

		case err, ok := <-h.w.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watcher error", "path", h.root, "error", err)
		}
	}
}

func (h *Handle) handleEvent(event fsnotify.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	rel, err := filepath.Rel(h.root, event.Name)
	if err != nil {
		return
	} else if rel == "." {
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			h.rootGone = true
			if err := h.flush(); err != nil {
				h.logger.Debug("cannot deliver completion", "path", h.root, "error", err)
			}
		}
		return
	}

	if h.recursive && event.Has(fsnotify.Create) {
		h.addTree(event.Name)
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		delete(h.dirs, event.Name)
	}

	for _, action := range h.translate(event.Op) {
		h.backlog = append(h.backlog, dirnotify.Record{Name: filepath.ToSlash(rel), Action: action})
	}

	if err := h.flush(); err != nil {
		h.logger.Debug("cannot deliver completion", "path", h.root, "error", err)
	}
}

// flush completes the pending request if records are waiting or the root is
// gone. Must hold h.mu.
func (h *Handle) flush() error {
	if h.pending == 0 || (len(h.backlog) == 0 && !h.rootGone) {
		return nil
	}

	w := dirnotify.NewRecordWriter(h.buf)
	if len(h.backlog) > 0 {
		var i int
		for ; i < len(h.backlog); i++ {
			if !w.Write(h.backlog[i].Action, h.backlog[i].Name) {
				break
			}
		}
		if i == 0 {
			h.logger.Warn("change record exceeds buffer", "path", h.root, "name", h.backlog[0].Name)
			i = 1
		}
		if h.backlog = h.backlog[i:]; len(h.backlog) == 0 {
			h.backlog = nil
		}
	}

	c := dirnotify.Completion{Key: h.key, Token: h.pending, N: w.Len()}
	h.pending, h.buf = 0, nil
	return h.port.post(c)
}

// addTree adds path and every directory below it to the watcher.
func (h *Handle) addTree(path string) {
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		} else if _, ok := h.dirs[p]; ok {
			return nil
		}

		if err := h.w.Add(p); err != nil {
			h.logger.Debug("cannot watch subdirectory", "path", p, "error", err)
			return nil
		}
		h.dirs[p] = struct{}{}
		return nil
	})
}

// translate converts an fsnotify op to the record actions requested by the
// handle's filter. Multiple actions may be returned for coalesced ops.
func (h *Handle) translate(op fsnotify.Op) []dirnotify.Action {
	const names = dirnotify.NotifyChangeFileName | dirnotify.NotifyChangeDirName

	var a []dirnotify.Action
	if op.Has(fsnotify.Create) && h.filter&(names|dirnotify.NotifyChangeCreation) != 0 {
		a = append(a, dirnotify.ActionAdded)
	}
	if op.Has(fsnotify.Write) && h.filter&(dirnotify.NotifyChangeLastWrite|dirnotify.NotifyChangeSize) != 0 {
		a = append(a, dirnotify.ActionModified)
	}
	if op.Has(fsnotify.Chmod) && h.filter&(dirnotify.NotifyChangeAttributes|dirnotify.NotifyChangeSecurity) != 0 {
		a = append(a, dirnotify.ActionModified)
	}
	if op.Has(fsnotify.Rename) && h.filter&names != 0 {
		a = append(a, dirnotify.ActionRenamedOldName)
	}
	if op.Has(fsnotify.Remove) && h.filter&names != 0 {
		a = append(a, dirnotify.ActionRemoved)
	}
	return a
}

// Port is an in-process completion queue.
type Port struct {
	mu        sync.Mutex
	queue     []dirnotify.Completion
	sentinels int
	closed    bool

	notify  chan struct{}
	closing chan struct{}
}

// NewPort returns a new instance of Port.
func NewPort() *Port {
	return &Port{
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
	}
}

// Associate routes completions of h to the port under key.
func (p *Port) Associate(dh dirnotify.Handle, key dirnotify.Key) error {
	h, ok := dh.(*Handle)
	if !ok {
		return fmt.Errorf("fsnotify: cannot associate handle of type %T", dh)
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return dirnotify.ErrClosed
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return dirnotify.ErrClosed
	}
	h.port, h.key = p, key
	return nil
}

// Wait blocks until a completion or sentinel is available.
func (p *Port) Wait() (dirnotify.Completion, error) {
	for {
		p.mu.Lock()
		switch {
		case p.closed:
			p.mu.Unlock()
			return dirnotify.Completion{}, dirnotify.ErrClosed
		case p.sentinels > 0:
			p.sentinels--
			p.mu.Unlock()
			return dirnotify.Completion{Sentinel: true}, nil
		case len(p.queue) > 0:
			c := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return c, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.closing:
		}
	}
}

// PostSentinel wakes one waiter with a sentinel completion.
func (p *Port) PostSentinel() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return dirnotify.ErrClosed
	}
	p.sentinels++
	p.signal()
	return nil
}

// Close closes the port and unblocks all waiters.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.queue = nil
	close(p.closing)
	return nil
}

func (p *Port) post(c dirnotify.Completion) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return dirnotify.ErrClosed
	}
	p.queue = append(p.queue, c)
	p.signal()
	return nil
}

// signal performs a non-blocking send on the notify channel. Must hold p.mu.
func (p *Port) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
