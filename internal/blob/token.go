package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

// StorageScope is the AAD scope for Azure Storage.
const StorageScope = "https://storage.azure.com/.default"

// TokenCache owns one cached AAD token. Readers share the lock while the
// token is fresh; a refresh takes the write lock and re-checks expiry so
// concurrent readers that saw the same stale token refresh it once.
type TokenCache struct {
	cred   azcore.TokenCredential
	scopes []string
	skew   time.Duration
	now    func() time.Time

	mu    sync.RWMutex
	token azcore.AccessToken
}

// NewTokenCache wraps cred. skew is how long before expiry a token is
// treated as expired.
func NewTokenCache(cred azcore.TokenCredential, skew time.Duration, scopes ...string) *TokenCache {
	if len(scopes) == 0 {
		scopes = []string{StorageScope}
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &TokenCache{cred: cred, scopes: scopes, skew: skew, now: time.Now}
}

func (c *TokenCache) fresh(tok azcore.AccessToken) bool {
	return tok.Token != "" && c.now().Add(c.skew).Before(tok.ExpiresOn)
}

// Token returns a valid bearer token.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	tok := c.token
	c.mu.RUnlock()
	if c.fresh(tok) {
		return tok.Token, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fresh(c.token) {
		return c.token.Token, nil
	}
	next, err := c.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: c.scopes})
	if err != nil {
		return "", fmt.Errorf("acquire storage token: %w", err)
	}
	c.token = next
	return next.Token, nil
}
