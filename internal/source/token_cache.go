package source

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/oauth2"
)

// MintFunc exchanges an installation id for a short-lived API token.
type MintFunc func(ctx context.Context, installationID int64) (*oauth2.Token, error)

// TokenCache caches minted installation tokens until they expire. It is an
// explicit injected object, not package state, so tests can reset it
// deterministically.
type TokenCache struct {
	mu    sync.Mutex
	cache *lru.Cache[int64, *oauth2.Token]
	mint  MintFunc
}

// NewTokenCache creates a token cache holding at most size entries.
func NewTokenCache(size int, mint MintFunc) (*TokenCache, error) {
	cache, err := lru.New[int64, *oauth2.Token](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}
	return &TokenCache{cache: cache, mint: mint}, nil
}

// Token returns a valid access token for the installation, minting a fresh
// one when the cached token is absent or expired.
func (c *TokenCache) Token(ctx context.Context, installationID int64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tok, ok := c.cache.Get(installationID); ok && tok.Valid() {
		return tok.AccessToken, nil
	}

	tok, err := c.mint(ctx, installationID)
	if err != nil {
		return "", fmt.Errorf("failed to mint installation token: %w", err)
	}
	c.cache.Add(installationID, tok)
	return tok.AccessToken, nil
}

// Reset drops every cached token.
func (c *TokenCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// StaticMint returns a MintFunc that always yields the same long-lived
// token. Used when the deployment runs with a personal access token instead
// of per-installation credentials.
func StaticMint(token string) MintFunc {
	return func(ctx context.Context, installationID int64) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: token}, nil
	}
}
