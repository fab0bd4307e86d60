package fsnotify_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/dirnotify"
	"github.com/benbjohnson/dirnotify/fsnotify"
	"github.com/benbjohnson/dirnotify/internal/testingutil"
)

const waitTimeout = 5 * time.Second

func TestNotifier(t *testing.T) {
	t.Run("CreateModifyDelete", func(t *testing.T) {
		dir := t.TempDir()
		m := testingutil.NewMonitor(t, fsnotify.NewNotifier())
		var rec testingutil.Recorder
		m.AddListener(&rec)
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, false))

		path := filepath.Join(dir, "a.txt")
		testingutil.MustWriteFile(t, path, []byte("hello"))
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindCreated) })

		require.NoError(t, os.Remove(path))
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindDeleted) })
	})

	t.Run("Recursive", func(t *testing.T) {
		dir := t.TempDir()
		sub := testingutil.MustMkdirAll(t, filepath.Join(dir, "sub"))

		m := testingutil.NewMonitor(t, fsnotify.NewNotifier())
		var rec testingutil.Recorder
		m.AddListener(&rec)
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, true))

		path := filepath.Join(sub, "file")
		testingutil.MustWriteFile(t, path, nil)
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindCreated) })
	})

	t.Run("Filter", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "a.txt")
		testingutil.MustWriteFile(t, path, nil)

		m := testingutil.NewMonitor(t, fsnotify.NewNotifier())
		var rec testingutil.Recorder
		m.AddListener(&rec)
		require.NoError(t, m.Watch(dir, dirnotify.Deleted, false))

		testingutil.MustWriteFile(t, path, []byte("changed"))
		require.NoError(t, os.Remove(path))
		testingutil.WaitFor(t, waitTimeout, func() bool { return rec.Contains(path, dirnotify.KindDeleted) })
		require.False(t, rec.Contains(path, dirnotify.KindModified))
	})

	t.Run("RootRemoved", func(t *testing.T) {
		dir := testingutil.MustMkdirAll(t, filepath.Join(t.TempDir(), "root"))
		testingutil.MustWriteFile(t, filepath.Join(dir, "a"), nil)

		m := testingutil.NewMonitor(t, fsnotify.NewNotifier())
		var rec testingutil.Recorder
		m.AddListener(&rec)
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, false))
		require.NoError(t, os.RemoveAll(dir))

		testingutil.WaitFor(t, waitTimeout, func() bool { return !m.Running() })
		require.Empty(t, m.Paths())
		for _, e := range rec.Events() {
			require.NoError(t, e.Err)
		}
	})

	t.Run("RootRemovedWithoutRecords", func(t *testing.T) {
		dir := testingutil.MustMkdirAll(t, filepath.Join(t.TempDir(), "root"))

		m := testingutil.NewMonitor(t, fsnotify.NewNotifier())
		require.NoError(t, m.Watch(dir, dirnotify.AnyEvent, false))
		require.NoError(t, os.Remove(dir))

		testingutil.WaitFor(t, waitTimeout, func() bool { return !m.Running() })
		require.Empty(t, m.Paths())
	})

	t.Run("CloseDoesNotWaitForEvents", func(t *testing.T) {
		dir := t.TempDir()
		n := fsnotify.NewNotifier()
		h, err := n.OpenWatch(dir)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() { done <- h.Close() }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Fatal("close blocked")
		}
		require.NoError(t, h.Close())
	})
}

func TestPort(t *testing.T) {
	t.Run("Sentinel", func(t *testing.T) {
		p := fsnotify.NewPort()
		require.NoError(t, p.PostSentinel())
		c, err := p.Wait()
		require.NoError(t, err)
		require.True(t, c.Sentinel)
		require.NoError(t, p.Close())
	})

	t.Run("Close", func(t *testing.T) {
		p := fsnotify.NewPort()

		errc := make(chan error, 1)
		go func() {
			_, err := p.Wait()
			errc <- err
		}()
		require.NoError(t, p.Close())
		require.NoError(t, p.Close())

		select {
		case err := <-errc:
			require.ErrorIs(t, err, dirnotify.ErrClosed)
		case <-time.After(waitTimeout):
			t.Fatal("wait not unblocked")
		}
	})

	t.Run("ErrUnassociated", func(t *testing.T) {
		h, err := fsnotify.NewNotifier().OpenWatch(t.TempDir())
		require.NoError(t, err)
		defer h.Close()

		_, err = h.Arm(make([]byte, 64), dirnotify.AnyEvent.Filter(), false)
		require.Error(t, err)
	})
}
