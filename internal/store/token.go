package store

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenSource supplies the bearer token for store requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token, read from config or the
// environment.
type StaticTokenSource struct {
	Value string
}

func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	return s.Value, nil
}

// earlyRefresh is how long before expiry a cached token is considered stale.
const earlyRefresh = 5 * time.Minute

// CachingTokenSource caches tokens from an underlying source and refreshes
// them before expiry. Concurrent refreshes are collapsed into one upstream
// call.
type CachingTokenSource struct {
	src TokenSource
	ttl time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time

	group singleflight.Group
	now   func() time.Time
}

func NewCachingTokenSource(src TokenSource, ttl time.Duration) *CachingTokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CachingTokenSource{
		src: src,
		ttl: ttl,
		now: time.Now,
	}
}

func (c *CachingTokenSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expires.Add(-earlyRefresh)) {
		tok := c.token
		c.mu.Unlock()
		return tok, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("token", func() (any, error) {
		tok, err := c.src.Token(ctx)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.token = tok
		c.expires = c.now().Add(c.ttl)
		c.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
