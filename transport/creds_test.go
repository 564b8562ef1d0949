package transport

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/restgate/restgate"
)

func testCreds(secret string) Credentials {
	return Credentials{
		BaseURL:      "https://api.example.com",
		TokenURL:     "https://login.example.com/oauth/token",
		ClientID:     "client-1",
		ClientSecret: secret,
		Scope:        "read",
	}
}

func TestTokenCacheReusesLiveToken(t *testing.T) {
	base := time.Now()
	exchanges := 0
	tc := &TokenCache{
		entries: map[string]tokenEntry{},
		now:     func() time.Time { return base },
		exchange: func(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
			exchanges++
			return &oauth2.Token{AccessToken: "tok-1", Expiry: base.Add(time.Hour)}, nil
		},
	}

	for i := 0; i < 3; i++ {
		tok, err := tc.Token(context.Background(), testCreds("s1"))
		if err != nil {
			t.Fatal(err)
		}
		if tok != "tok-1" {
			t.Fatalf("token = %q", tok)
		}
	}
	if exchanges != 1 {
		t.Fatalf("exchanges = %d, want 1", exchanges)
	}
}

func TestTokenCacheRefreshesInsideSkewWindow(t *testing.T) {
	base := time.Now()
	exchanges := 0
	tc := &TokenCache{
		entries: map[string]tokenEntry{},
		now:     func() time.Time { return base },
		exchange: func(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
			exchanges++
			// Expires in 30s: less than the 60s skew, never a cache hit.
			return &oauth2.Token{AccessToken: "tok-short", Expiry: base.Add(30 * time.Second)}, nil
		},
	}

	for i := 0; i < 2; i++ {
		if _, err := tc.Token(context.Background(), testCreds("s1")); err != nil {
			t.Fatal(err)
		}
	}
	if exchanges != 2 {
		t.Fatalf("exchanges = %d, want 2", exchanges)
	}
}

func TestTokenCacheKeyIncludesSecret(t *testing.T) {
	a := testCreds("secret-a").CacheKey()
	b := testCreds("secret-b").CacheKey()
	if a == b {
		t.Fatal("different secrets share a cache key")
	}
	if a != testCreds("secret-a").CacheKey() {
		t.Fatal("cache key is not deterministic")
	}
}

func TestTokenCacheDistinctIdentitiesDoNotShare(t *testing.T) {
	base := time.Now()
	exchanges := 0
	tc := &TokenCache{
		entries: map[string]tokenEntry{},
		now:     func() time.Time { return base },
		exchange: func(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
			exchanges++
			return &oauth2.Token{AccessToken: "tok-" + creds.ClientSecret, Expiry: base.Add(time.Hour)}, nil
		},
	}

	t1, _ := tc.Token(context.Background(), testCreds("s1"))
	t2, _ := tc.Token(context.Background(), testCreds("s2"))
	if t1 == t2 || exchanges != 2 {
		t.Fatalf("identities shared tokens: %q %q (%d exchanges)", t1, t2, exchanges)
	}
}

func TestTokenExchangeWithoutAccessTokenFails(t *testing.T) {
	tc := &TokenCache{
		entries: map[string]tokenEntry{},
		now:     time.Now,
		exchange: func(ctx context.Context, creds Credentials) (*oauth2.Token, error) {
			return &oauth2.Token{}, nil
		},
	}
	_, err := tc.Token(context.Background(), testCreds("s1"))
	if restgate.StatusOf(err) != restgate.StatusTokenExchangeFailed {
		t.Fatalf("expected TokenExchangeFailed, got %v", err)
	}
}
