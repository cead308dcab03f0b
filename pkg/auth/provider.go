// Package auth resolves the credential a fetch needs for a given
// source: a static API key, or an OAuth bearer token acquired via a
// client-credentials exchange and cached until shortly before expiry.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/healthsignal/sentinel/pkg/catalog"
	"github.com/healthsignal/sentinel/pkg/credentials"
)

var (
	ErrMissingCredential    = errors.New("missing credential")
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Scheme tells the fetch path how to attach the credential.
type Scheme string

const (
	SchemeNone   Scheme = "none"
	SchemeAPIKey Scheme = "apikey"
	SchemeBearer Scheme = "bearer"
)

// Credential is what a fetch attaches to an outbound request.
type Credential struct {
	Scheme Scheme
	Value  string
}

// Token is a cached OAuth access token. ExpiresAt already has the
// safety margin subtracted, so the token is usable iff now < ExpiresAt.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

const (
	// expiryMargin is subtracted from the provider-declared expiry
	// to avoid racing the edge of expiry mid-request.
	expiryMargin = 60 * time.Second

	// defaultTokenTTL applies when the token endpoint declares no
	// expiry and the token is not a decodable JWT.
	defaultTokenTTL = 15 * time.Minute

	defaultExchangeTimeout = 10 * time.Second
)

// Provider resolves credentials per source. Token acquisition is
// deduplicated with singleflight so concurrent first-use performs a
// single exchange.
type Provider struct {
	catalog *catalog.Catalog
	creds   *credentials.Store
	client  *http.Client
	logger  *slog.Logger

	mu     sync.RWMutex
	tokens map[string]Token
	flight singleflight.Group

	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
}

// Option configures the provider.
type Option func(*Provider)

// WithHTTPClient overrides the client used for token exchanges.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

// WithExpiryMargin overrides the safety margin.
func WithExpiryMargin(d time.Duration) Option {
	return func(p *Provider) { p.margin = d }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider wires the provider to the catalog and credential store.
func NewProvider(c *catalog.Catalog, creds *credentials.Store, opts ...Option) *Provider {
	p := &Provider{
		catalog: c,
		creds:   creds,
		client:  &http.Client{Timeout: defaultExchangeTimeout},
		logger:  slog.Default().With("component", "auth"),
		tokens:  make(map[string]Token),
		margin:  expiryMargin,
		timeout: defaultExchangeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetCredential returns the credential for a source, refreshing an
// expired OAuth token transparently.
func (p *Provider) GetCredential(ctx context.Context, sourceID string) (Credential, error) {
	desc, err := p.catalog.Get(sourceID)
	if err != nil {
		return Credential{}, err
	}

	switch desc.AuthMode {
	case catalog.AuthNone:
		return Credential{Scheme: SchemeNone}, nil

	case catalog.AuthAPIKey:
		cred, ok := p.creds.Get(sourceID)
		if !ok || cred.APIKey == "" {
			return Credential{}, fmt.Errorf("%w: no api key for source %s", ErrMissingCredential, sourceID)
		}
		return Credential{Scheme: SchemeAPIKey, Value: cred.APIKey}, nil

	case catalog.AuthOAuth:
		tok, err := p.bearerToken(ctx, desc)
		if err != nil {
			return Credential{}, err
		}
		return Credential{Scheme: SchemeBearer, Value: tok}, nil

	default:
		return Credential{}, fmt.Errorf("source %s: unsupported auth mode %q", sourceID, desc.AuthMode)
	}
}

func (p *Provider) bearerToken(ctx context.Context, desc catalog.Descriptor) (string, error) {
	if tok, ok := p.cachedToken(desc.ID); ok {
		return tok.Value, nil
	}

	// Single-flight: concurrent first-use performs one exchange.
	v, err, _ := p.flight.Do(desc.ID, func() (any, error) {
		if tok, ok := p.cachedToken(desc.ID); ok {
			return tok.Value, nil
		}
		tok, err := p.exchange(ctx, desc)
		if err != nil {
			return "", err
		}
		p.mu.Lock()
		p.tokens[desc.ID] = tok
		p.mu.Unlock()
		return tok.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (p *Provider) cachedToken(sourceID string) (Token, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tok, ok := p.tokens[sourceID]
	if !ok || !p.now().Before(tok.ExpiresAt) {
		return Token{}, false
	}
	return tok, true
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// exchange performs a client-credentials token acquisition against
// the source's token endpoint.
func (p *Provider) exchange(ctx context.Context, desc catalog.Descriptor) (Token, error) {
	cred, ok := p.creds.Get(desc.ID)
	if !ok || cred.ClientID == "" || cred.ClientSecret == "" {
		return Token{}, fmt.Errorf("%w: no oauth client for source %s", ErrMissingCredential, desc.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(cred.ClientID, cred.ClientSecret)

	resp, err := p.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("%w: token exchange for %s: %v", ErrAuthenticationFailed, desc.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("%w: token endpoint for %s returned %d: %s",
			ErrAuthenticationFailed, desc.ID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("%w: decode token response for %s: %v", ErrAuthenticationFailed, desc.ID, err)
	}
	if tr.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: empty access token for %s", ErrAuthenticationFailed, desc.ID)
	}

	expiresAt := p.tokenExpiry(tr)
	p.logger.Debug("acquired token", "source", desc.ID, "expires_at", expiresAt)

	return Token{Value: tr.AccessToken, ExpiresAt: expiresAt}, nil
}

// tokenExpiry derives the effective expiry: the declared expires_in
// when present, otherwise the token's own JWT exp claim, otherwise a
// conservative default. The safety margin is subtracted here so
// cache checks stay a plain time comparison.
func (p *Provider) tokenExpiry(tr tokenResponse) time.Time {
	now := p.now()

	if tr.ExpiresIn > 0 {
		return now.Add(time.Duration(tr.ExpiresIn)*time.Second - p.margin)
	}

	if claims := jwtExpiry(tr.AccessToken); !claims.IsZero() {
		return claims.Add(-p.margin)
	}

	return now.Add(defaultTokenTTL - p.margin)
}

// jwtExpiry extracts exp from a JWT access token without verifying
// the signature; a zero time means the token is not a usable JWT.
func jwtExpiry(token string) time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// Invalidate drops a cached token, forcing a fresh exchange on next
// use. Called when a source rejects a token that looked valid.
func (p *Provider) Invalidate(sourceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, sourceID)
}
