package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"collab-server/auth"

	"golang.org/x/sync/singleflight"
)

// Refresher obtains a new access token from the identity service.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

type RefreshFunc func(ctx context.Context) (string, error)

func (f RefreshFunc) Refresh(ctx context.Context) (string, error) { return f(ctx) }

var errNoRefresher = errors.New("no refresher configured")

// Credentials holds the current access token. Concurrent refreshes share a
// single call to the Refresher.
type Credentials struct {
	refresher Refresher

	mu    sync.RWMutex
	token string

	group     singleflight.Group
	refreshes atomic.Int64
}

func NewCredentials(token string, refresher Refresher) *Credentials {
	return &Credentials{token: token, refresher: refresher}
}

func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ExpiresAt reports the expiry of the current token when it carries one.
func (c *Credentials) ExpiresAt() (time.Time, bool) {
	return auth.ExpiresAt(c.Token())
}

// NeedsRefresh reports whether the token expires within lead of now. Tokens
// without a readable expiry are never refreshed proactively.
func (c *Credentials) NeedsRefresh(now time.Time, lead time.Duration) bool {
	exp, ok := c.ExpiresAt()
	if !ok {
		return false
	}
	return exp.Sub(now) <= lead
}

// Refresh replaces the token. Callers that arrive while a refresh is in
// flight wait for it and receive its result.
func (c *Credentials) Refresh(ctx context.Context) (string, error) {
	if c.refresher == nil {
		return "", errNoRefresher
	}
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		c.refreshes.Add(1)
		token, err := c.refresher.Refresh(ctx)
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", errors.New("refresher returned an empty token")
		}
		c.mu.Lock()
		c.token = token
		c.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refreshes returns how many times the Refresher has been called.
func (c *Credentials) Refreshes() int64 {
	return c.refreshes.Load()
}
