package vector

import "sync"

// ClientCache reuses one Client per tenant and index URL so connection
// pools survive across requests. It is an instance owned by the caller,
// never package-global state, so two gateways in one process stay isolated.
type ClientCache struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewClientCache() *ClientCache {
	return &ClientCache{
		clients: make(map[string]*Client),
	}
}

// Get returns the cached client for this tenant and URL, creating it on
// first use. A changed URL or key yields a fresh client under a new cache
// key; Purge drops the stale one.
func (c *ClientCache) Get(tenantID, url, apiKey string) *Client {
	key := tenantID + "|" + url

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client
	}

	client := NewClient(url, apiKey)
	c.clients[key] = client
	return client
}

// Purge drops all cached clients for a tenant. Called when tenant vector
// settings change.
func (c *ClientCache) Purge(tenantID string) {
	prefix := tenantID + "|"

	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.clients {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.clients, key)
		}
	}
}
