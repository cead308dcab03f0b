// Package credentials supplies per-source secrets to the auth
// provider. Secrets come from explicit configuration with an
// optional fallback to environment variables, so CI and local runs
// work without a secrets file.
package credentials

import (
	"os"
	"strings"
	"sync"
)

// Credential holds the secret material configured for one source.
// APIKey is used for apikey-mode sources; ClientID/ClientSecret for
// oauth-mode client-credentials exchanges.
type Credential struct {
	SourceID     string `yaml:"source_id" json:"source_id"`
	APIKey       string `yaml:"api_key,omitempty" json:"-"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"-"`
}

func (c Credential) empty() bool {
	return c.APIKey == "" && c.ClientID == "" && c.ClientSecret == ""
}

// Store is a read-mostly map of source id to credential.
type Store struct {
	mu          sync.RWMutex
	creds       map[string]Credential
	envFallback bool
}

// Option configures the store.
type Option func(*Store)

// WithEnvFallback toggles the environment-variable fallback.
func WithEnvFallback(enabled bool) Option {
	return func(s *Store) { s.envFallback = enabled }
}

// NewStore builds a store from configured credentials.
func NewStore(creds []Credential, opts ...Option) *Store {
	s := &Store{
		creds:       make(map[string]Credential, len(creds)),
		envFallback: true,
	}
	for _, c := range creds {
		if c.SourceID != "" {
			s.creds[c.SourceID] = c
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the credential for a source. When nothing is
// configured and env fallback is enabled, SENTINEL_<ID>_API_KEY,
// SENTINEL_<ID>_CLIENT_ID and SENTINEL_<ID>_CLIENT_SECRET are
// consulted, with dashes in the id mapped to underscores.
func (s *Store) Get(sourceID string) (Credential, bool) {
	s.mu.RLock()
	c, ok := s.creds[sourceID]
	s.mu.RUnlock()
	if ok && !c.empty() {
		return c, true
	}
	if s.envFallback {
		return fromEnv(sourceID)
	}
	return Credential{}, false
}

// Set stores or replaces a credential, for runtime rotation.
func (s *Store) Set(c Credential) {
	if c.SourceID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[c.SourceID] = c
}

func fromEnv(sourceID string) (Credential, bool) {
	prefix := "SENTINEL_" + strings.ToUpper(strings.ReplaceAll(sourceID, "-", "_"))
	c := Credential{
		SourceID:     sourceID,
		APIKey:       os.Getenv(prefix + "_API_KEY"),
		ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
		ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
	}
	if c.empty() {
		return Credential{}, false
	}
	return c, true
}
