package session

// SetIDGenerator replaces the identifier source for collision tests.
func SetIDGenerator(m *Manager, f func() string) {
	m.newID = f
}
