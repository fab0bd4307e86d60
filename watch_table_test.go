package dirnotify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWatchTable(t *testing.T) {
	t.Run("InsertLookupRemove", func(t *testing.T) {
		tbl := newWatchTable()
		e := &watchEntry{key: Key{ID: 3, Gen: 1}, path: "/a", root: "/a"}
		require.Nil(t, tbl.Insert(e))
		require.Equal(t, 1, tbl.Len())
		require.Same(t, e, tbl.Get("/a"))
		require.Same(t, e, tbl.Lookup(Key{ID: 3, Gen: 1}))
		require.True(t, tbl.consistent())

		require.Same(t, e, tbl.Remove("/a"))
		require.Nil(t, tbl.Remove("/a"))
		require.Nil(t, tbl.Lookup(Key{ID: 3, Gen: 1}))
		require.Equal(t, 0, tbl.Len())
		require.True(t, tbl.consistent())
	})

	t.Run("ReusedIdentity", func(t *testing.T) {
		tbl := newWatchTable()
		tbl.Insert(&watchEntry{key: Key{ID: 3, Gen: 1}, path: "/a"})
		tbl.Remove("/a")

		// The OS reuses identity 3 for another directory.
		e := &watchEntry{key: Key{ID: 3, Gen: 2}, path: "/b"}
		tbl.Insert(e)
		require.Nil(t, tbl.Lookup(Key{ID: 3, Gen: 1}))
		require.Same(t, e, tbl.Lookup(Key{ID: 3, Gen: 2}))
	})

	t.Run("Replace", func(t *testing.T) {
		tbl := newWatchTable()
		prev := &watchEntry{key: Key{ID: 1, Gen: 1}, path: "/a"}
		tbl.Insert(prev)

		e := &watchEntry{key: Key{ID: 2, Gen: 2}, path: "/a"}
		require.Same(t, prev, tbl.Insert(e))
		require.Equal(t, 1, tbl.Len())
		require.Nil(t, tbl.Lookup(prev.key))
		require.True(t, tbl.consistent())
	})

	t.Run("Paths", func(t *testing.T) {
		tbl := newWatchTable()
		tbl.Insert(&watchEntry{key: Key{ID: 1, Gen: 1}, path: "/a"})
		tbl.Insert(&watchEntry{key: Key{ID: 2, Gen: 2}, path: "/b"})
		require.ElementsMatch(t, []string{"/a", "/b"}, tbl.Paths())
	})
}
