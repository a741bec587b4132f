package device

import (
	"sync"
)

// Configured sets up the device client provider.
func Configured() *Map {
	return NewMap()
}

// Map manages one device client per user.
type Map struct {
	mu      sync.Mutex
	clients map[string]Client
}

// NewMap creates a new device Map.
func NewMap() *Map {
	return &Map{
		clients: make(map[string]Client),
	}
}

// User returns the client for the given userID.
// If the userID is new, it creates a new client instance.
func (m *Map) User(userID string) Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.clients[userID]; ok {
		return c
	}

	m.clients[userID] = newFoxESS()
	return m.clients[userID]
}

// SetClient sets the client for a specific user. This is primarily used for testing.
func (m *Map) SetClient(userID string, c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[userID] = c
}
