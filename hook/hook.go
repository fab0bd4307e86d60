// Package hook runs an external command for file events. Repeated events for
// the same path within a cooldown window run the command only once.
package hook

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mattn/go-shellwords"

	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/internal"
)

// SinkType is the sink name used in logs & metrics.
const SinkType = "exec"

// Default settings.
const (
	DefaultCooldown  = 1 * time.Second
	DefaultCacheSize = 1024
)

// Environment variables passed to the command.
const (
	EnvPath = "DIRNOTIFY_PATH"
	EnvKind = "DIRNOTIFY_KIND"
)

var _ dirnotify.Listener = (*Hook)(nil)

// Hook runs a command for each file event.
type Hook struct {
	mu     sync.Mutex
	args   []string
	last   *lru.Cache[string, time.Time] // last run time by path
	wg     sync.WaitGroup
	closed bool
	logger *slog.Logger

	// Shell-style command line to execute.
	Command string

	// Minimum time between runs for the same path. Zero disables.
	Cooldown time.Duration

	// Number of paths tracked for cooldown.
	CacheSize int

	Stdout io.Writer
	Stderr io.Writer

	// Returns the current time. Overridden in tests.
	Now func() time.Time
}

// NewHook returns a new instance of Hook for the command line.
func NewHook(command string) *Hook {
	return &Hook{
		Command:   command,
		Cooldown:  DefaultCooldown,
		CacheSize: DefaultCacheSize,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Now:       time.Now,
		logger:    slog.Default().WithGroup(SinkType),
	}
}

// Open parses the command line.
func (h *Hook) Open() (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.args, err = shellwords.Parse(h.Command); err != nil {
		return fmt.Errorf("cannot parse exec command: %w", err)
	} else if len(h.args) == 0 {
		return errors.New("exec command required")
	}

	size := h.CacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	if h.last, err = lru.New[string, time.Time](size); err != nil {
		return err
	}
	return nil
}

// Close waits for running commands to exit.
func (h *Hook) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

// FileChanged starts the command for e unless the path is cooling down.
func (h *Hook) FileChanged(e dirnotify.FileEvent) {
	cmd, ok := h.command(e)
	if !ok {
		return
	}

	if err := cmd.Start(); err != nil {
		internal.SinkOperationTotalCounterVec.WithLabelValues(SinkType, "error").Inc()
		h.logger.Error("cannot start exec command", "path", e.Path, "error", err)
		h.wg.Done()
		return
	}

	go func() {
		defer h.wg.Done()
		if err := cmd.Wait(); err != nil {
			internal.SinkOperationTotalCounterVec.WithLabelValues(SinkType, "error").Inc()
			h.logger.Error("exec command failed", "path", e.Path, "error", err)
			return
		}
		internal.SinkOperationTotalCounterVec.WithLabelValues(SinkType, "ok").Inc()
	}()
}

// command returns the command to run for e. Registers the run with the wait
// group if ok is true.
func (h *Hook) command(e dirnotify.FileEvent) (_ *exec.Cmd, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || h.args == nil {
		return nil, false
	}

	now := h.Now()
	if h.Cooldown > 0 {
		if t, ok := h.last.Get(e.Path); ok && now.Sub(t) < h.Cooldown {
			internal.SinkOperationTotalCounterVec.WithLabelValues(SinkType, "skipped").Inc()
			h.logger.Debug("exec cooling down", "path", e.Path)
			return nil, false
		}
		h.last.Add(e.Path, now)
	}

	cmd := exec.Command(h.args[0], h.args[1:]...)
	cmd.Env = append(os.Environ(), EnvPath+"="+e.Path, EnvKind+"="+e.Kind.String())
	cmd.Stdout = h.Stdout
	cmd.Stderr = h.Stderr

	h.wg.Add(1)
	return cmd, true
}
