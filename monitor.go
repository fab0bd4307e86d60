package dirnotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/dirnotify/internal"
)

// Monitor watches directories for changes and delivers events to listeners.
//
// A single background goroutine waits on the notifier's completion port,
// decodes change records and re-arms the next request for each watch. The
// goroutine is started by the first Watch and exits once no watches remain.
type Monitor struct {
	mu        sync.Mutex
	notifier  Notifier
	table     *watchTable
	port      Port
	loop      *watcherLoop
	gen       uint64
	disposing bool

	listenerMu     sync.Mutex
	listeners      atomic.Pointer[[]listenerEntry]
	nextListenerID uint64

	// Size of the change record buffer allocated for each watch.
	BufferSize int

	Logger *slog.Logger
}

type watcherLoop struct {
	port Port
}

type listenerEntry struct {
	id uint64
	l  Listener
}

// NewMonitor returns a new instance of Monitor that uses n to open watches.
func NewMonitor(n Notifier) *Monitor {
	m := &Monitor{
		notifier:   n,
		table:      newWatchTable(),
		BufferSize: DefaultBufferSize,
		Logger:     slog.Default(),
	}
	m.listeners.Store(&[]listenerEntry{})
	return m
}

// AddListener registers l to receive events. The returned function removes
// the listener again.
func (m *Monitor) AddListener(l Listener) (remove func()) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	m.nextListenerID++
	id := m.nextListenerID

	prev := *m.listeners.Load()
	a := make([]listenerEntry, len(prev), len(prev)+1)
	copy(a, prev)
	a = append(a, listenerEntry{id: id, l: l})
	m.listeners.Store(&a)

	return func() { m.removeListener(id) }
}

func (m *Monitor) removeListener(id uint64) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	prev := *m.listeners.Load()
	a := make([]listenerEntry, 0, len(prev))
	for _, entry := range prev {
		if entry.id != id {
			a = append(a, entry)
		}
	}
	m.listeners.Store(&a)
}

// WatchAll watches path for all event types. Directories are watched
// recursively.
func (m *Monitor) WatchAll(path string) error {
	fi, err := os.Stat(path)
	return m.Watch(path, AnyEvent, err == nil && fi.IsDir())
}

// Watch begins watching path for the changes in mask.
//
// If path is not an existing directory, the nearest existing ancestor
// directory is watched instead and the watch becomes recursive. Watching a
// path that is already watched replaces the previous watch once the new
// request is armed; on error the previous watch is kept.
func (m *Monitor) Watch(path string, mask EventMask, recursive bool) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	root, recursive, err := resolveRoot(path, recursive)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	h, err := m.notifier.OpenWatch(root)
	if err != nil {
		return newError(OpOpen, root, err)
	}

	// Ports are created lazily and released by Close.
	if m.port == nil {
		port, err := m.notifier.NewPort()
		if err != nil {
			_ = h.Close()
			return newError(OpOpen, root, err)
		}
		m.port, m.disposing = port, false
	}

	m.gen++
	e := &watchEntry{
		key:       Key{ID: h.ID(), Gen: m.gen},
		path:      path,
		root:      root,
		handle:    h,
		filter:    mask.Filter(),
		recursive: recursive,
		buf:       make([]byte, m.bufferSize()),
	}

	if err := m.port.Associate(h, e.key); err != nil {
		m.closeHandle(e)
		return newError(OpOpen, root, err)
	}

	// Completions wait on m.mu so arming before registration is safe. A
	// failed arm leaves any existing watch on path in place.
	token, err := h.Arm(e.buf, e.filter, e.recursive)
	if err != nil {
		m.closeHandle(e)
		return newError(OpArm, root, err)
	}
	e.pending = token

	if prev := m.table.Remove(path); prev != nil {
		m.closeHandle(prev)
		internal.WatchesGauge.Dec()
	}
	m.table.Insert(e)
	internal.WatchesGauge.Inc()

	if m.loop == nil {
		m.loop = &watcherLoop{port: m.port}
		internal.LoopStartsCounter.Inc()
		go m.run(m.loop)
	}

	m.Logger.Debug("watching", "path", path, "root", root, "mask", mask.String(), "recursive", recursive)
	return nil
}

// Unwatch stops watching path. It is a no-op if path is not watched.
func (m *Monitor) Unwatch(path string) {
	path, err := filepath.Abs(path)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unwatch(path) {
		m.Logger.Debug("unwatched", "path", path)
	}
}

// unwatch removes and releases the entry at path. Wakes the loop if the
// table becomes empty so it can stop. Must hold m.mu.
func (m *Monitor) unwatch(path string) bool {
	e := m.table.Remove(path)
	if e == nil {
		return false
	}
	internal.WatchesGauge.Dec()
	m.closeHandle(e)

	if m.table.Len() == 0 && m.loop != nil {
		if err := m.loop.port.PostSentinel(); err != nil && !m.disposing {
			m.Logger.Warn("cannot wake watcher loop", "error", err)
		}
	}
	return true
}

// unwatchEntry removes e only if it is still the registered entry for its path.
func (m *Monitor) unwatchEntry(e *watchEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.table.Get(e.path) == e {
		m.unwatch(e.path)
	}
}

// closeHandle releases the handle of e. Failures are never returned.
func (m *Monitor) closeHandle(e *watchEntry) {
	e.pending = 0
	if err := e.handle.Close(); err != nil {
		if m.disposing {
			m.Logger.Debug("close watch handle", "path", e.root, "error", err)
			return
		}
		m.Logger.Warn("close watch handle", "error", newError(OpClose, e.root, err))
	}
}

// Close removes all watches, wakes the background loop and releases the
// completion port. Close is idempotent and always succeeds.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disposing = true

	for _, path := range m.table.Paths() {
		m.unwatch(path)
	}

	if m.port == nil {
		return nil
	}

	if err := m.port.PostSentinel(); err != nil {
		m.Logger.Debug("post sentinel", "error", err)
	}
	if err := m.port.Close(); err != nil {
		m.Logger.Debug("close port", "error", err)
	}
	m.port, m.loop = nil, nil

	return nil
}

// Paths returns the sorted list of watched paths.
func (m *Monitor) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.table.Paths()
	sort.Strings(a)
	return a
}

// Running returns true if the background loop is running.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loop != nil
}

// run is the background loop. It exits when the table is empty or the port
// it was started with has been closed.
func (m *Monitor) run(l *watcherLoop) {
	for {
		c, err := l.port.Wait()
		if errors.Is(err, ErrClosed) {
			m.stopLoop(l)
			return
		} else if err != nil {
			m.Logger.Error("wait for completion", "error", err)
		}

		if err != nil || c.Sentinel {
			internal.CompletionsCounterVec.WithLabelValues("sentinel").Inc()
			if m.idle(l) {
				return
			}
			continue
		}

		m.handleCompletion(c)
	}
}

// idle returns true and marks the loop stopped if there is nothing left for
// it to wait on.
func (m *Monitor) idle(l *watcherLoop) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loop != l {
		return true
	} else if m.table.Len() == 0 {
		m.loop = nil
		return true
	}
	return false
}

func (m *Monitor) stopLoop(l *watcherLoop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loop == l {
		m.loop = nil
	}
}

// handleCompletion decodes & dispatches the records of a completed request
// and then arms the next one for the same watch.
func (m *Monitor) handleCompletion(c Completion) {
	m.mu.Lock()
	e := m.table.Lookup(c.Key)
	if e == nil || c.Token == 0 || e.pending != c.Token {
		m.mu.Unlock()
		internal.CompletionsCounterVec.WithLabelValues("stale").Inc()
		m.Logger.Log(context.Background(), internal.LevelTrace, "discard completion", "id", c.Key.ID, "gen", c.Key.Gen)
		return
	}
	e.pending = 0
	n := min(max(c.N, 0), len(e.buf))
	m.mu.Unlock()

	internal.CompletionsCounterVec.WithLabelValues("dispatched").Inc()

	// The buffer is not shared with the facade while no request is pending.
	r := NewRecordReader(e.buf[:n])
	for r.Next() {
		rec := r.Record()
		m.dispatch(FileEvent{
			Path: filepath.Join(e.root, filepath.FromSlash(rec.Name)),
			Kind: rec.Action.Kind(),
		})
	}

	if fi, err := os.Stat(e.root); err != nil || !fi.IsDir() {
		m.Logger.Debug("watched directory removed", "path", e.path, "root", e.root)
		m.unwatchEntry(e)
		return
	}

	if err := m.rearm(e); err != nil {
		internal.RearmErrorsCounter.Inc()
		m.Logger.Error("cannot rearm watch", "path", e.path, "error", err)
		m.dispatch(FileEvent{Path: e.path, Kind: Unknown, Err: err})
	}
}

// rearm issues the next request for e. On failure the watch is removed. The
// returned error is nil if the watch was removed concurrently or if the
// monitor is being disposed.
func (m *Monitor) rearm(e *watchEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.table.Lookup(e.key) != e {
		return nil
	}

	token, err := e.handle.Arm(e.buf, e.filter, e.recursive)
	if err != nil {
		disposing := m.disposing
		m.unwatch(e.path)
		if disposing {
			return nil
		}
		return newError(OpEngine, e.root, err)
	}
	e.pending = token
	return nil
}

func (m *Monitor) dispatch(e FileEvent) {
	internal.EventsCounterVec.WithLabelValues(e.Kind.String()).Inc()
	for _, entry := range *m.listeners.Load() {
		entry.l.FileChanged(e)
	}
}

func (m *Monitor) bufferSize() int {
	if m.BufferSize <= 0 {
		return DefaultBufferSize
	}
	return m.BufferSize
}

// resolveRoot returns the directory to open for path. Paths that are not
// existing directories are replaced by their nearest existing ancestor, which
// forces a recursive watch.
func resolveRoot(path string, recursive bool) (string, bool, error) {
	dir := path
	for {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		dir, recursive = parent, true
	}
	return dir, recursive, nil
}
