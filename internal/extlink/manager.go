package extlink

import "sync"

// Manager enforces the single-extension invariant: at most one Link is
// active; accepting a new connection closes the previous one with a policy
// close code.
type Manager struct {
	mu      sync.Mutex
	current *Link
}

// NewManager creates an empty extension link manager.
func NewManager() *Manager {
	return &Manager{}
}

// Accept installs conn as the active link, closing and returning whether a
// previous link was replaced so the caller can reseed the registry and
// notify its subscribers per the extension-replacement scenario.
func (m *Manager) Accept(conn Conn, onEvent EventHandler, onMeta MetaHandler, onClose func()) (link *Link, replacedPrevious bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	if prev != nil {
		replacedPrevious = true
	}

	m.current = New(conn, onEvent, onMeta, onClose)

	if prev != nil {
		go prev.Close("replaced by a new extension connection")
	}

	return m.current, replacedPrevious
}

// Current returns the active link, or nil if none is connected.
func (m *Manager) Current() *Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.Closed() {
		return nil
	}
	return m.current
}

// Connected reports whether exactly one extension link is open, per the
// extension status snapshot's derivation rule.
func (m *Manager) Connected() bool {
	return m.Current() != nil
}
