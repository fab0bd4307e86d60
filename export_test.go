package dirnotify

// TableConsistent returns true if both watch table indices agree.
func (m *Monitor) TableConsistent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.consistent()
}

// ResolveRoot exposes root resolution for tests.
func ResolveRoot(path string, recursive bool) (string, bool, error) {
	return resolveRoot(path, recursive)
}
