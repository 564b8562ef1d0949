// Package transport owns everything that touches the upstream API: the
// client-credentials token flow with its process-wide cache, bounded
// retry/backoff around HTTP execution, and URL construction with same-origin
// continuation enforcement.
package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/restgate/restgate"
)

// Credentials identifies one upstream client identity. Never persisted and
// never logged; cache keys derive from a hash of the secret, not the secret.
type Credentials struct {
	BaseURL      string `json:"baseUrl"`
	TokenURL     string `json:"tokenUrl"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Scope        string `json:"scope,omitempty"`
}

// CacheKey is safe to log and inspect: a one-way hash over the token
// endpoint, client id, scope, and the hash of the secret.
func (c Credentials) CacheKey() string {
	secretHash := sha256.Sum256([]byte(c.ClientSecret))
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", c.TokenURL, c.ClientID, c.Scope, hex.EncodeToString(secretHash[:]))
	return hex.EncodeToString(h.Sum(nil))
}

// tokenSkew is the minimum remaining validity for a cache hit.
const tokenSkew = 60 * time.Second

type tokenEntry struct {
	accessToken string
	expiresAt   time.Time
}

// TokenCache performs and caches client-credentials exchanges. Safe for
// concurrent use; one lock guards the map, exchanges happen outside it.
type TokenCache struct {
	mu      sync.Mutex
	entries map[string]tokenEntry

	now      func() time.Time
	exchange func(ctx context.Context, creds Credentials) (*oauth2.Token, error)
}

// NewTokenCache builds an empty cache using the real clock and the real
// OAuth2 client-credentials exchange.
func NewTokenCache() *TokenCache {
	return &TokenCache{
		entries:  map[string]tokenEntry{},
		now:      time.Now,
		exchange: exchangeClientCredentials,
	}
}

// Token returns a bearer token for creds, reusing a cached one while it has
// at least tokenSkew of validity left. Expired entries are replaced lazily;
// there is no background sweep.
func (tc *TokenCache) Token(ctx context.Context, creds Credentials) (string, error) {
	key := creds.CacheKey()

	tc.mu.Lock()
	if e, ok := tc.entries[key]; ok && tc.now().Add(tokenSkew).Before(e.expiresAt) {
		tc.mu.Unlock()
		return e.accessToken, nil
	}
	tc.mu.Unlock()

	tok, err := tc.exchange(ctx, creds)
	if err != nil {
		return "", restgate.Errorf(restgate.StatusTokenExchangeFailed,
			"client credentials exchange failed for client %s", creds.ClientID)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", restgate.Errorf(restgate.StatusTokenExchangeFailed,
			"token endpoint returned no access_token for client %s", creds.ClientID)
	}

	tc.mu.Lock()
	tc.entries[key] = tokenEntry{accessToken: tok.AccessToken, expiresAt: tok.Expiry}
	tc.mu.Unlock()
	return tok.AccessToken, nil
}

// exchangeClientCredentials runs one RFC 6749 §4.4 exchange: HTTP Basic auth
// from id:secret, form-encoded grant.
func exchangeClientCredentials(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	if s := strings.TrimSpace(creds.Scope); s != "" {
		cfg.Scopes = strings.Fields(s)
	}
	return cfg.Token(ctx)
}
