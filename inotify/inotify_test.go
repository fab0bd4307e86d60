//go:build linux

package inotify_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/inotify"
	"github.com/benbjohnson/dirnotify/internal/testingutil"
)

const waitTimeout = 5 * time.Second

func newMonitor(tb testing.TB) (*dirnotify.Monitor, *testingutil.Recorder) {
	tb.Helper()
	m := testingutil.NewMonitor(tb, inotify.NewNotifier())
	var rec testingutil.Recorder
	m.AddListener(&rec)
	return m, &rec
}

func TestNotifier(t *testing.T) {
	t.Run("Create", func(t *testing.T) {
		dir := t.TempDir()
		m, rec := newMonitor(t)
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, false))

		path := filepath.Join(dir, "a.txt")
		testingutil.MustWriteFile(t, path, []byte("hello"))
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindCreated) })
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindModified) })
	})

	t.Run("Delete", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.txt")
		testingutil.MustWriteFile(t, path, []byte("hello"))

		m, rec := newMonitor(t)
		require.NoError(t, m.Watch(dir, dirnotify.Deleted, false))
		require.NoError(t, os.Remove(path))
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindDeleted) })
	})

	t.Run("Rename", func(t *testing.T) {
		dir := t.TempDir()
		oldpath, newpath := filepath.Join(dir, "old"), filepath.Join(dir, "new")
		testingutil.MustWriteFile(t, oldpath, nil)

		m, rec := newMonitor(t)
		require.NoError(t, m.Watch(dir, dirnotify.Renamed, false))
		require.NoError(t, os.Rename(oldpath, newpath))
		testingutil.WaitFor(t, waitTimeout, func() bool {
			return rec.Contains(oldpath, dirnotify.KindRenamedFrom) && rec.Contains(newpath, dirnotify.KindRenamedTo)
		})
	})

	t.Run("FilterExcludesModify", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.txt")
		testingutil.MustWriteFile(t, path, nil)

		m, rec := newMonitor(t)
		require.NoError(t, m.Watch(dir, dirnotify.Deleted, false))

		testingutil.MustWriteFile(t, path, []byte("changed"))
		require.NoError(t, os.Remove(path))
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindDeleted) })
		require.False(t, rec.Contains(path, dirnotify.KindModified))
	})

	t.Run("Recursive", func(t *testing.T) {
		dir := t.TempDir()
		existing := testingutil.MustMkdirAll(t, filepath.Join(dir, "a", "b"))

		m, rec := newMonitor(t)
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, true))

		path := filepath.Join(existing, "file")
		testingutil.MustWriteFile(t, path, nil)
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindCreated) })

		// Directories created after the watch started are followed too.
		sub := filepath.Join(dir, "c")
		require.NoError(t, os.Mkdir(sub, 0o755))
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(sub, dirnotify.KindCreated) })

		path = filepath.Join(sub, "file")
		testingutil.MustWriteFile(t, path, nil)
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindCreated) })
	})

	t.Run("NonRecursive", func(t *testing.T) {
		dir := t.TempDir()
		sub := testingutil.MustMkdirAll(t, filepath.Join(dir, "sub"))

		m, rec := newMonitor(t)
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, false))

		testingutil.MustWriteFile(t, filepath.Join(sub, "ignored"), nil)
		marker := filepath.Join(dir, "marker")
		testingutil.MustWriteFile(t, marker, nil)
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(marker, dirnotify.KindCreated) })
		require.False(t, rec.Contains(filepath.Join(sub, "ignored"), dirnotify.KindCreated))
	})

	t.Run("MissingPath", func(t *testing.T) {
		dir := t.TempDir()
		target := filepath.Join(dir, "pending")

		m, rec := newMonitor(t)
		require.NoError(t, m.Watch(target, dirnotify.Created, false))

		require.NoError(t, os.Mkdir(target, 0o755))
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(target, dirnotify.KindCreated) })
	})

	t.Run("Unwatch", func(t *testing.T) {
		dir := t.TempDir()
		m, _ := newMonitor(t)
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, false))
		m.Unwatch(dir)
		testingutil.WaitFor(t, waitTimeout, func() bool { return !m.Running() })
	})

	t.Run("RootRemoved", func(t *testing.T) {
		dir := testingutil.MustMkdirAll(t, filepath.Join(t.TempDir(), "root"))
		testingutil.MustWriteFile(t, filepath.Join(dir, "a"), nil)

		m, rec := newMonitor(t)
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, false))
		require.NoError(t, os.RemoveAll(dir))

		testingutil.WaitFor(t, waitTimeout, func() bool { return !m.Running() })
		require.Empty(t, m.Paths())
		for _, e := range rec.Events() {
			require.NoError(t, e.Err)
		}
	})

	t.Run("Close", func(t *testing.T) {
		m, _ := newMonitor(t)
		require.NoError(t, m.Watch(t.TempDir(), dirnotify.AnyEvent, false))
		require.NoError(t, m.Watch(t.TempDir(), dirnotify.AnyEvent, true))
		require.NoError(t, m.Close())
		require.False(t, m.Running())
		require.Empty(t, m.Paths())
	})

	t.Run("ErrOpenFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "file")
		testingutil.MustWriteFile(t, path, nil)

		_, err := inotify.NewNotifier().OpenWatch(path)
		require.Error(t, err)
	})
}

func TestPort(t *testing.T) {
	t.Run("Sentinel", func(t *testing.T) {
		p, err := inotify.NewPort()
		require.NoError(t, err)
		defer p.Close()

		require.NoError(t, p.PostSentinel())
		c, err := p.Wait()
		require.NoError(t, err)
		require.True(t, c.Sentinel)
	})

	t.Run("CloseUnblocksWait", func(t *testing.T) {
		p, err := inotify.NewPort()
		require.NoError(t, err)

		errc := make(chan error, 1)
		go func() {
			_, err := p.Wait()
			errc <- err
		}()

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, p.Close())

		select {
		case err := <-errc:
			require.ErrorIs(t, err, dirnotify.ErrClosed)
		case <-time.After(waitTimeout):
			t.Fatal("wait not unblocked")
		}
		require.ErrorIs(t, p.PostSentinel(), dirnotify.ErrClosed)
	})

	t.Run("ErrPending", func(t *testing.T) {
		n := inotify.NewNotifier()
		p, err := inotify.NewPort()
		require.NoError(t, err)
		defer p.Close()

		h, err := n.OpenWatch(t.TempDir())
		require.NoError(t, err)
		defer h.Close()

		require.NoError(t, p.Associate(h, dirnotify.Key{ID: h.ID(), Gen: 1}))
		buf := make([]byte, 1024)
		_, err = h.Arm(buf, dirnotify.AnyEvent.Filter(), false)
		require.NoError(t, err)
		_, err = h.Arm(buf, dirnotify.AnyEvent.Filter(), false)
		require.ErrorIs(t, err, dirnotify.ErrPending)
	})
}
