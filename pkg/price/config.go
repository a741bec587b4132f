package price

import (
	"sync"

	"github.com/levenlabs/go-lflag"
)

// Configured sets up flags for the price provider and returns the Map.
func Configured() *Map {
	m := NewMap()
	apiURL := lflag.String("amber-api-url", "https://api.amber.com.au/v1", "URL for the Amber Electric API")

	lflag.Do(func() {
		m.apiURL = *apiURL
	})

	return m
}

// Map manages one price provider per user. Fetched price series are held in
// a cache keyed by site and shared across all of the Map's providers.
type Map struct {
	mu        sync.Mutex
	apiURL    string
	providers map[string]Provider
	cache     *siteCache
}

// NewMap creates a new price Map.
func NewMap() *Map {
	return &Map{
		apiURL:    "https://api.amber.com.au/v1",
		providers: make(map[string]Provider),
		cache:     newSiteCache(),
	}
}

// User returns the provider for the given userID.
// If the userID is new, it creates a new provider instance.
func (m *Map) User(userID string) Provider {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.providers[userID]; ok {
		return p
	}

	m.providers[userID] = newAmber(m.apiURL, m.cache)
	return m.providers[userID]
}

// SetProvider sets the provider for a specific user. This is primarily used for testing.
func (m *Map) SetProvider(userID string, p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[userID] = p
}
