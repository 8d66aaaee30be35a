// Package authgw sends authenticated requests to the loyalty backend and
// recovers from expired access tokens with a single shared refresh.
package authgw

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/agrimart/loyalty/internal/kvstore"
)

// TokenPair is what the backend issues on login and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Credentials holds the current token pair. It is created once by the
// application root and shared by pointer.
type Credentials struct {
	mu   sync.RWMutex
	pair TokenPair
}

// NewCredentials returns empty credentials.
func NewCredentials() *Credentials {
	return &Credentials{}
}

func (c *Credentials) Set(p TokenPair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pair = p
}

func (c *Credentials) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pair.AccessToken = token
}

func (c *Credentials) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pair = TokenPair{}
}

// Snapshot returns a copy of the current pair.
func (c *Credentials) Snapshot() TokenPair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pair
}

func (c *Credentials) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pair.AccessToken
}

// SignedIn reports whether an access token is present.
func (c *Credentials) SignedIn() bool {
	return c.AccessToken() != ""
}

// DefaultTokenCacheKey is the store key for persisted credentials.
const DefaultTokenCacheKey = "auth:credentials"

// TokenCache persists the token pair so a restarted process resumes its
// session.
type TokenCache struct {
	store kvstore.Store
	key   string
}

// NewTokenCache returns a cache writing to key in store.
func NewTokenCache(store kvstore.Store, key string) *TokenCache {
	if key == "" {
		key = DefaultTokenCacheKey
	}
	return &TokenCache{store: store, key: key}
}

// Load returns the cached pair; found is false when nothing is cached.
func (tc *TokenCache) Load(ctx context.Context) (TokenPair, bool, error) {
	raw, found, err := tc.store.Get(ctx, tc.key)
	if err != nil {
		return TokenPair{}, false, fmt.Errorf("load cached credentials: %w", err)
	}
	if !found {
		return TokenPair{}, false, nil
	}
	var p TokenPair
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return TokenPair{}, false, fmt.Errorf("decode cached credentials: %w", err)
	}
	return p, p.AccessToken != "", nil
}

func (tc *TokenCache) Save(ctx context.Context, p TokenPair) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := tc.store.Set(ctx, tc.key, string(b), 0); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

func (tc *TokenCache) Clear(ctx context.Context) error {
	if err := tc.store.Remove(ctx, tc.key); err != nil {
		return fmt.Errorf("clear cached credentials: %w", err)
	}
	return nil
}
