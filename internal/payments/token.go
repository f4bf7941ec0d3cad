package payments

import (
	"context"
	"sync"
	"time"
)

// tokenCache holds a provider credential plus its expiry and re-derives it
// lazily on use. It is owned by the provider instance that needs it; there
// is no process-wide credential singleton.
type tokenCache struct {
	mu        sync.Mutex
	value     string
	expiresAt time.Time
	fetch     func(ctx context.Context) (token string, ttl time.Duration, err error)
}

// get returns a valid token, refreshing if missing, expired, or forced.
// Tokens are refreshed 30s before their stated expiry to avoid edge expiry
// mid-request.
func (c *tokenCache) get(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !force && c.value != "" && time.Now().Before(c.expiresAt) {
		return c.value, nil
	}

	tok, ttl, err := c.fetch(ctx)
	if err != nil {
		return "", err
	}
	if ttl <= 30*time.Second {
		ttl = 60 * time.Second
	}
	c.value = tok
	c.expiresAt = time.Now().Add(ttl - 30*time.Second)
	return tok, nil
}
