package debounce

import "sync"

// RouteCache remembers, per key, the last non-empty delivery route seen on
// an inbound event. For WhatsApp the route is the business phone_number_id
// the user wrote to.
type RouteCache struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewRouteCache creates an empty cache.
func NewRouteCache() *RouteCache {
	return &RouteCache{m: make(map[string]string)}
}

// Set records route for key. Empty routes are ignored so a later event
// without one never erases a known route.
func (c *RouteCache) Set(key, route string) {
	if route == "" {
		return
	}
	c.mu.Lock()
	c.m[key] = route
	c.mu.Unlock()
}

// Get returns the cached route.
func (c *RouteCache) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.m[key]
	return r, ok
}

// Len returns the number of cached routes.
func (c *RouteCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}
