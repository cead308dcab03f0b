package auth_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthsignal/sentinel/pkg/auth"
	"github.com/healthsignal/sentinel/pkg/catalog"
	"github.com/healthsignal/sentinel/pkg/credentials"
)

func testCatalog(t *testing.T, tokenURL string) *catalog.Catalog {
	t.Helper()
	c, err := catalog.New([]catalog.Descriptor{
		{ID: "open-src", BaseURL: "https://open.example.org", AuthMode: catalog.AuthNone,
			Reliability: 0.8, Categories: []string{"x"}, Kind: catalog.KindAlternative},
		{ID: "keyed-src", BaseURL: "https://keyed.example.org", RequiresAuth: true,
			AuthMode: catalog.AuthAPIKey, Reliability: 0.8, Categories: []string{"x"}, Kind: catalog.KindGovernment},
		{ID: "oauth-src", BaseURL: "https://oauth.example.org", RequiresAuth: true,
			AuthMode: catalog.AuthOAuth, TokenURL: tokenURL, Reliability: 0.8,
			Categories: []string{"x"}, Kind: catalog.KindGovernment},
	}, nil)
	require.NoError(t, err)
	return c
}

func TestNoAuthSource(t *testing.T) {
	p := auth.NewProvider(testCatalog(t, "https://unused.example.org/token"),
		credentials.NewStore(nil, credentials.WithEnvFallback(false)))

	cred, err := p.GetCredential(context.Background(), "open-src")
	require.NoError(t, err)
	assert.Equal(t, auth.SchemeNone, cred.Scheme)
}

func TestAPIKeySource(t *testing.T) {
	store := credentials.NewStore([]credentials.Credential{
		{SourceID: "keyed-src", APIKey: "k-42"},
	}, credentials.WithEnvFallback(false))
	p := auth.NewProvider(testCatalog(t, "https://unused.example.org/token"), store)

	cred, err := p.GetCredential(context.Background(), "keyed-src")
	require.NoError(t, err)
	assert.Equal(t, auth.SchemeAPIKey, cred.Scheme)
	assert.Equal(t, "k-42", cred.Value)

	t.Run("missing key", func(t *testing.T) {
		p := auth.NewProvider(testCatalog(t, "https://unused.example.org/token"),
			credentials.NewStore(nil, credentials.WithEnvFallback(false)))
		_, err := p.GetCredential(context.Background(), "keyed-src")
		assert.ErrorIs(t, err, auth.ErrMissingCredential)
	})
}

func TestOAuthTokenCaching(t *testing.T) {
	var exchanges atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "cid", user)
		require.Equal(t, "shh", pass)
		n := exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := credentials.NewStore([]credentials.Credential{
		{SourceID: "oauth-src", ClientID: "cid", ClientSecret: "shh"},
	}, credentials.WithEnvFallback(false))

	now := time.Now()
	p := auth.NewProvider(testCatalog(t, srv.URL), store,
		auth.WithClock(func() time.Time { return now }))

	cred, err := p.GetCredential(context.Background(), "oauth-src")
	require.NoError(t, err)
	assert.Equal(t, auth.SchemeBearer, cred.Scheme)
	assert.Equal(t, "tok-1", cred.Value)

	// Second call inside the expiry window hits the cache.
	cred, err = p.GetCredential(context.Background(), "oauth-src")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", cred.Value)
	assert.EqualValues(t, 1, exchanges.Load())

	// Advance past expires_in minus the margin: refresh.
	now = now.Add(3600*time.Second - 30*time.Second)
	cred, err = p.GetCredential(context.Background(), "oauth-src")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.Value)
	assert.EqualValues(t, 2, exchanges.Load())
}

func TestOAuthSingleFlight(t *testing.T) {
	var exchanges atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		exchanges.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-shared",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := credentials.NewStore([]credentials.Credential{
		{SourceID: "oauth-src", ClientID: "cid", ClientSecret: "shh"},
	}, credentials.WithEnvFallback(false))
	p := auth.NewProvider(testCatalog(t, srv.URL), store)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cred, err := p.GetCredential(context.Background(), "oauth-src")
			assert.NoError(t, err)
			assert.Equal(t, "tok-shared", cred.Value)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, exchanges.Load(), "concurrent first-use must perform one exchange")
}

func TestOAuthFailures(t *testing.T) {
	t.Run("missing client", func(t *testing.T) {
		p := auth.NewProvider(testCatalog(t, "https://unused.example.org/token"),
			credentials.NewStore(nil, credentials.WithEnvFallback(false)))
		_, err := p.GetCredential(context.Background(), "oauth-src")
		assert.ErrorIs(t, err, auth.ErrMissingCredential)
	})

	t.Run("endpoint rejects", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer srv.Close()

		store := credentials.NewStore([]credentials.Credential{
			{SourceID: "oauth-src", ClientID: "cid", ClientSecret: "bad"},
		}, credentials.WithEnvFallback(false))
		p := auth.NewProvider(testCatalog(t, srv.URL), store)

		_, err := p.GetCredential(context.Background(), "oauth-src")
		assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
	})
}

func TestInvalidate(t *testing.T) {
	var exchanges atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := exchanges.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := credentials.NewStore([]credentials.Credential{
		{SourceID: "oauth-src", ClientID: "cid", ClientSecret: "shh"},
	}, credentials.WithEnvFallback(false))
	p := auth.NewProvider(testCatalog(t, srv.URL), store)

	_, err := p.GetCredential(context.Background(), "oauth-src")
	require.NoError(t, err)

	p.Invalidate("oauth-src")

	cred, err := p.GetCredential(context.Background(), "oauth-src")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", cred.Value)
}
