package testingutil

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/internal"
)

var (
	// Enables integration tests.
	integration = flag.Bool("integration", false, "")
	// Sets the log level for the tests.
	logLevel = flag.String("log.level", "debug", "")
)

// NATS settings
var (
	natsURL     = flag.String("nats-url", os.Getenv("DIRNOTIFY_NATS_URL"), "")
	natsSubject = flag.String("nats-subject", os.Getenv("DIRNOTIFY_NATS_SUBJECT"), "")
)

func Integration() bool {
	return *integration
}

func NATSURL() string { return *natsURL }

func NATSSubject() string {
	if *natsSubject == "" {
		return "dirnotify.test"
	}
	return *natsSubject
}

// NewLogger returns a text logger at the level set by -log.level.
func NewLogger(tb testing.TB) *slog.Logger {
	tb.Helper()

	level := slog.LevelDebug
	if strings.EqualFold(*logLevel, "trace") {
		level = internal.LevelTrace
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: internal.ReplaceAttr,
	}))
}

// NewMonitor returns a monitor using n that is closed when the test ends.
func NewMonitor(tb testing.TB, n dirnotify.Notifier) *dirnotify.Monitor {
	tb.Helper()

	m := dirnotify.NewMonitor(n)
	m.Logger = NewLogger(tb)
	tb.Cleanup(func() {
		if err := m.Close(); err != nil {
			tb.Fatal(err)
		}
	})
	return m
}

// MustMkdirAll creates a directory and any missing parents.
func MustMkdirAll(tb testing.TB, path string) string {
	tb.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		tb.Fatal(err)
	}
	return path
}

// MustWriteFile writes data to the file at path.
func MustWriteFile(tb testing.TB, path string, data []byte) {
	tb.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		tb.Fatal(err)
	}
}

// Recorder is a listener that records every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []dirnotify.FileEvent
}

// FileChanged implements dirnotify.Listener.
func (r *Recorder) FileChanged(e dirnotify.FileEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []dirnotify.FileEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dirnotify.FileEvent(nil), r.events...)
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Contains returns true if an event with the given path & kind was recorded.
func (r *Recorder) Contains(path string, kind dirnotify.EventKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Path == path && e.Kind == kind {
			return true
		}
	}
	return false
}

// WaitFor polls fn until it returns true or the timeout elapses.
func WaitFor(tb testing.TB, timeout time.Duration, fn func() bool) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for !fn() {
		if time.Now().After(deadline) {
			tb.Fatal("timeout waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errNotArmed = errors.New("handle not armed")

// Notifier is an in-memory notifier. Tests drive the monitor by completing
// armed requests on the handles it opens.
type Notifier struct {
	mu      sync.Mutex
	handles []*Handle
	ports   []*Port
	nextID  uintptr

	// Returned by OpenWatch, if set.
	OpenError error

	// Returned by Arm on handles opened while set.
	ArmError error
}

// NewNotifier returns a new instance of Notifier.
func NewNotifier() *Notifier {
	return &Notifier{}
}

// OpenWatch opens a fake handle on path.
func (n *Notifier) OpenWatch(path string) (dirnotify.Handle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.OpenError != nil {
		return nil, n.OpenError
	}

	n.nextID++
	h := &Handle{id: n.nextID, root: path, armErr: n.ArmError}
	n.handles = append(n.handles, h)
	return h, nil
}

// NewPort returns a new fake port.
func (n *Notifier) NewPort() (dirnotify.Port, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p := &Port{
		ch:      make(chan dirnotify.Completion, 256),
		closing: make(chan struct{}),
	}
	n.ports = append(n.ports, p)
	return p, nil
}

// Handles returns all handles opened so far.
func (n *Notifier) Handles() []*Handle {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Handle(nil), n.handles...)
}

// Handle returns the i-th opened handle.
func (n *Notifier) Handle(tb testing.TB, i int) *Handle {
	tb.Helper()
	a := n.Handles()
	if i >= len(a) {
		tb.Fatalf("handle %d not opened, %d handles", i, len(a))
	}
	return a[i]
}

// Roots returns the paths passed to OpenWatch in order.
func (n *Notifier) Roots() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	a := make([]string, len(n.handles))
	for i, h := range n.handles {
		a[i] = h.root
	}
	return a
}

// Ports returns all ports created so far.
func (n *Notifier) Ports() []*Port {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Port(nil), n.ports...)
}

// Handle is a fake watch handle.
type Handle struct {
	mu        sync.Mutex
	id        uintptr
	root      string
	port      *Port
	key       dirnotify.Key
	closed    bool
	armErr    error
	arms      int
	buf       []byte
	filter    dirnotify.NotifyFilter
	recursive bool
	seq       dirnotify.Token
	pending   dirnotify.Token
	completed dirnotify.Token
}

func (h *Handle) ID() uintptr { return h.id }

func (h *Handle) Arm(buf []byte, filter dirnotify.NotifyFilter, recursive bool) (dirnotify.Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, dirnotify.ErrClosed
	} else if h.armErr != nil {
		return 0, h.armErr
	} else if h.pending != 0 {
		return 0, dirnotify.ErrPending
	}

	h.arms++
	h.seq++
	h.pending = h.seq
	h.buf, h.filter, h.recursive = buf, filter, recursive
	return h.pending, nil
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// Root returns the path the handle was opened on.
func (h *Handle) Root() string { return h.root }

// Arms returns the number of successful Arm calls.
func (h *Handle) Arms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.arms
}

// Closed returns true if the handle has been closed.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Filter returns the filter passed to the last Arm call.
func (h *Handle) Filter() dirnotify.NotifyFilter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.filter
}

// Recursive returns the recursive flag passed to the last Arm call.
func (h *Handle) Recursive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recursive
}

// SetArmError makes subsequent Arm calls fail with err.
func (h *Handle) SetArmError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.armErr = err
}

// Complete encodes records into the armed buffer and posts the completion.
// Completing a closed handle still posts, which models a request that
// finishes after its handle was released.
func (h *Handle) Complete(records ...dirnotify.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pending == 0 {
		return errNotArmed
	}

	w := dirnotify.NewRecordWriter(h.buf)
	for _, r := range records {
		if !w.Write(r.Action, r.Name) {
			break
		}
	}

	c := dirnotify.Completion{Key: h.key, Token: h.pending, N: w.Len()}
	h.pending, h.completed = 0, h.pending
	return h.port.post(c)
}

// MustComplete completes the armed request or fails the test.
func (h *Handle) MustComplete(tb testing.TB, records ...dirnotify.Record) {
	tb.Helper()
	if err := h.Complete(records...); err != nil {
		tb.Fatal(err)
	}
}

// PostStale replays the completion of the last completed request.
func (h *Handle) PostStale() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.port.post(dirnotify.Completion{Key: h.key, Token: h.completed})
}

// Port is a fake completion port.
type Port struct {
	ch        chan dirnotify.Completion
	closing   chan struct{}
	once      sync.Once
	mu        sync.Mutex
	sentinels int
}

func (p *Port) Associate(dh dirnotify.Handle, key dirnotify.Key) error {
	h, ok := dh.(*Handle)
	if !ok {
		return errors.New("unexpected handle type")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.port, h.key = p, key
	return nil
}

func (p *Port) Wait() (dirnotify.Completion, error) {
	select {
	case <-p.closing:
		return dirnotify.Completion{}, dirnotify.ErrClosed
	default:
	}

	select {
	case c := <-p.ch:
		return c, nil
	case <-p.closing:
		return dirnotify.Completion{}, dirnotify.ErrClosed
	}
}

func (p *Port) PostSentinel() error {
	p.mu.Lock()
	p.sentinels++
	p.mu.Unlock()
	return p.post(dirnotify.Completion{Sentinel: true})
}

func (p *Port) Close() error {
	p.once.Do(func() { close(p.closing) })
	return nil
}

// Sentinels returns the number of posted sentinels.
func (p *Port) Sentinels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sentinels
}

// Closed returns true if the port has been closed.
func (p *Port) Closed() bool {
	select {
	case <-p.closing:
		return true
	default:
		return false
	}
}

func (p *Port) post(c dirnotify.Completion) error {
	select {
	case <-p.closing:
		return dirnotify.ErrClosed
	default:
	}

	select {
	case p.ch <- c:
		return nil
	default:
		return errors.New("port queue full")
	}
}
