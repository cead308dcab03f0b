// Package catalog holds the immutable registry of external data
// sources. Descriptors are loaded once at startup and never mutated;
// everything that needs per-request state (health, tokens, caches)
// lives elsewhere and is keyed by descriptor ID.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Kind classifies the provenance of a source.
type Kind string

const (
	KindGovernment  Kind = "government"
	KindAlternative Kind = "alternative"
)

// AuthMode declares how a source authenticates requests.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthAPIKey AuthMode = "apikey"
	AuthOAuth  AuthMode = "oauth"
)

// Descriptor describes one external source. Immutable after load.
type Descriptor struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name,omitempty" json:"name,omitempty"`
	BaseURL      string   `yaml:"base_url" json:"base_url"`
	TokenURL     string   `yaml:"token_url,omitempty" json:"token_url,omitempty"`
	RequiresAuth bool     `yaml:"requires_auth" json:"requires_auth"`
	AuthMode     AuthMode `yaml:"auth_mode" json:"auth_mode"`
	Reliability  float64  `yaml:"reliability" json:"reliability"`
	Priority     int      `yaml:"priority" json:"priority"`
	Categories   []string `yaml:"categories" json:"categories"`
	Kind         Kind     `yaml:"kind" json:"kind"`
}

// Serves reports whether the descriptor is tagged with the category.
func (d Descriptor) Serves(category string) bool {
	for _, c := range d.Categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

func (d Descriptor) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("descriptor missing id")
	}
	if d.Reliability < 0 || d.Reliability > 1 {
		return fmt.Errorf("source %s: reliability %.2f outside [0,1]", d.ID, d.Reliability)
	}
	u, err := url.Parse(d.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source %s: invalid base_url %q", d.ID, d.BaseURL)
	}
	switch d.AuthMode {
	case AuthNone, AuthAPIKey, AuthOAuth:
	case "":
		return fmt.Errorf("source %s: missing auth_mode", d.ID)
	default:
		return fmt.Errorf("source %s: unknown auth_mode %q", d.ID, d.AuthMode)
	}
	if d.AuthMode == AuthOAuth && strings.TrimSpace(d.TokenURL) == "" {
		return fmt.Errorf("source %s: oauth mode requires token_url", d.ID)
	}
	switch d.Kind {
	case KindGovernment, KindAlternative:
	default:
		return fmt.Errorf("source %s: unknown kind %q", d.ID, d.Kind)
	}
	return nil
}

var ErrSourceNotFound = errors.New("source not found")

// Catalog is the read-only source-of-truth for descriptors, plus the
// list of categories flagged as historically compromised at
// government sources. Thread-safe by construction: the maps are
// built once and only read afterwards.
type Catalog struct {
	mu          sync.RWMutex
	byID        map[string]Descriptor
	descriptors []Descriptor
	compromised []string
}

// New builds a catalog from descriptors and a compromised-category
// list. Descriptor IDs must be unique.
func New(descriptors []Descriptor, compromised []string) (*Catalog, error) {
	c := &Catalog{
		byID:        make(map[string]Descriptor, len(descriptors)),
		descriptors: make([]Descriptor, 0, len(descriptors)),
	}
	for _, d := range descriptors {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", d.ID)
		}
		c.byID[d.ID] = d
		c.descriptors = append(c.descriptors, d)
	}
	for _, cat := range compromised {
		cat = strings.ToLower(strings.TrimSpace(cat))
		if cat != "" {
			c.compromised = append(c.compromised, cat)
		}
	}
	return c, nil
}

// Get returns the descriptor for a source id.
func (c *Catalog) Get(id string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return d, nil
}

// ForCategory returns all descriptors tagged with the category, in
// catalog order.
func (c *Catalog) ForCategory(category string) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Descriptor
	for _, d := range c.descriptors {
		if d.Serves(category) {
			out = append(out, d)
		}
	}
	return out
}

// List returns every descriptor in catalog order.
func (c *Catalog) List() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, len(c.descriptors))
	copy(out, c.descriptors)
	return out
}

// IsCompromised reports whether the category substring-matches any
// entry of the compromised-category list. Matching is
// case-insensitive in both directions: "lgbtq-health" matches the
// entry "lgbtq", and "lgbtq" matches the entry "lgbtq-health".
func (c *Catalog) IsCompromised(category string) bool {
	cat := strings.ToLower(strings.TrimSpace(category))
	if cat == "" {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, entry := range c.compromised {
		if strings.Contains(cat, entry) || strings.Contains(entry, cat) {
			return true
		}
	}
	return false
}
