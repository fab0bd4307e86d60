package dirnotify

// watchEntry represents one active watch.
type watchEntry struct {
	key       Key
	path      string // requested path, table key
	root      string // directory the handle was opened on
	handle    Handle
	filter    NotifyFilter
	recursive bool
	buf       []byte
	pending   Token
}

// watchTable indexes entries by requested path and by handle key. Callers
// must hold Monitor.mu.
type watchTable struct {
	byPath map[string]*watchEntry
	byKey  map[Key]*watchEntry
}

func newWatchTable() *watchTable {
	return &watchTable{
		byPath: make(map[string]*watchEntry),
		byKey:  make(map[Key]*watchEntry),
	}
}

// Len returns the number of registered entries.
func (t *watchTable) Len() int { return len(t.byPath) }

// Get returns the entry registered for path, if any.
func (t *watchTable) Get(path string) *watchEntry { return t.byPath[path] }

// Lookup returns the entry registered under key, if any.
func (t *watchTable) Lookup(key Key) *watchEntry { return t.byKey[key] }

// Insert registers e under both indices. Any entry previously registered at
// the same path is removed and returned so the caller can close its handle.
func (t *watchTable) Insert(e *watchEntry) (prev *watchEntry) {
	if prev = t.byPath[e.path]; prev != nil {
		delete(t.byKey, prev.key)
	}
	t.byPath[e.path] = e
	t.byKey[e.key] = e
	return prev
}

// Remove unregisters the entry at path and returns it. Returns nil if no entry
// exists. Ownership of the entry's handle passes to the caller.
func (t *watchTable) Remove(path string) *watchEntry {
	e := t.byPath[path]
	if e == nil {
		return nil
	}
	delete(t.byPath, path)
	delete(t.byKey, e.key)
	return e
}

// Paths returns all registered paths.
func (t *watchTable) Paths() []string {
	a := make([]string, 0, len(t.byPath))
	for path := range t.byPath {
		a = append(a, path)
	}
	return a
}

// consistent returns true if both indices contain the same entries.
func (t *watchTable) consistent() bool {
	if len(t.byPath) != len(t.byKey) {
		return false
	}
	for path, e := range t.byPath {
		if e.path != path || t.byKey[e.key] != e {
			return false
		}
	}
	return true
}
