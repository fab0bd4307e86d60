package dirnotify_test

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/benbjohnson/dirnotify"
)

func TestParseEventMask(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		mask, err := dirnotify.ParseEventMask(nil)
		require.NoError(t, err)
		require.Equal(t, dirnotify.AnyEvent, mask)
	})

	t.Run("Names", func(t *testing.T) {
		mask, err := dirnotify.ParseEventMask([]string{"created", " Modified ", "renamed"})
		require.NoError(t, err)
		require.Equal(t, dirnotify.Created|dirnotify.Modified|dirnotify.NameChangedOld|dirnotify.NameChangedNew, mask)
	})

	t.Run("ErrUnknown", func(t *testing.T) {
		_, err := dirnotify.ParseEventMask([]string{"created", "exploded"})
		require.EqualError(t, err, `unknown event type: "exploded"`)
	})
}

func TestEventMask_String(t *testing.T) {
	require.Equal(t, "any", dirnotify.AnyEvent.String())
	require.Equal(t, "created,modified", (dirnotify.Created | dirnotify.Modified).String())
	require.Equal(t, "renamed-from,renamed-to", dirnotify.Renamed.String())
	require.Equal(t, "", dirnotify.EventMask(0).String())
}

func TestEventMask_Filter(t *testing.T) {
	for _, tt := range []struct {
		mask   dirnotify.EventMask
		filter dirnotify.NotifyFilter
	}{
		{dirnotify.Created, dirnotify.NotifyChangeCreation | dirnotify.NotifyChangeFileName | dirnotify.NotifyChangeDirName},
		{dirnotify.Deleted, dirnotify.NotifyChangeFileName | dirnotify.NotifyChangeDirName},
		{dirnotify.Modified, dirnotify.NotifyChangeLastWrite},
		{dirnotify.NameChangedNew, dirnotify.NotifyChangeFileName | dirnotify.NotifyChangeDirName},
		{dirnotify.SizeChanged, dirnotify.NotifyChangeSize},
		{dirnotify.Accessed, dirnotify.NotifyChangeLastAccess},
		{dirnotify.AttributesChanged, dirnotify.NotifyChangeAttributes},
		{dirnotify.SecurityChanged, dirnotify.NotifyChangeSecurity},
		{dirnotify.AnyEvent, 0x17F},
		{0, 0},
	} {
		require.Equal(t, tt.filter, tt.mask.Filter(), "mask=%s", tt.mask)
	}
}

func TestParseEventKind(t *testing.T) {
	for _, kind := range []dirnotify.EventKind{
		dirnotify.Unknown,
		dirnotify.KindCreated,
		dirnotify.KindModified,
		dirnotify.KindDeleted,
		dirnotify.KindRenamedFrom,
		dirnotify.KindRenamedTo,
	} {
		require.Equal(t, kind, dirnotify.ParseEventKind(kind.String()))
	}
	require.Equal(t, dirnotify.Unknown, dirnotify.ParseEventKind("exploded"))
	require.Equal(t, "unknown", dirnotify.EventKind(100).String())
}

func TestFileEvent_String(t *testing.T) {
	require.Equal(t, "FileEvent: /tmp/a: created", dirnotify.FileEvent{Path: "/tmp/a", Kind: dirnotify.KindCreated}.String())
	require.Equal(t, "FileEvent: /tmp/a: error: boom", dirnotify.FileEvent{Path: "/tmp/a", Err: errors.New("boom")}.String())
}

func TestError(t *testing.T) {
	t.Run("Errno", func(t *testing.T) {
		err := &dirnotify.Error{Op: dirnotify.OpOpen, Path: "/tmp/a", Code: int(syscall.ENOENT), Err: syscall.ENOENT}
		require.ErrorIs(t, err, syscall.ENOENT)
		require.Equal(t, fmt.Sprintf("open /tmp/a: %s (%d)", syscall.ENOENT, int(syscall.ENOENT)), err.Error())
	})

	t.Run("NoCode", func(t *testing.T) {
		err := &dirnotify.Error{Op: dirnotify.OpArm, Path: "/tmp/a", Err: errors.New("boom")}
		require.Equal(t, "arm /tmp/a: boom", err.Error())
	})
}

func TestErrorCode(t *testing.T) {
	require.Equal(t, int(syscall.EACCES), dirnotify.ErrorCode(fmt.Errorf("wrap: %w", syscall.EACCES)))
	require.Equal(t, 0, dirnotify.ErrorCode(errors.New("boom")))
	require.Equal(t, 0, dirnotify.ErrorCode(nil))
}
