package catalog_test

import (
	"testing"

	"github.com/healthsignal/sentinel/pkg/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func desc(id string, kind catalog.Kind, categories ...string) catalog.Descriptor {
	return catalog.Descriptor{
		ID:          id,
		BaseURL:     "https://" + id + ".example.org",
		AuthMode:    catalog.AuthNone,
		Reliability: 0.9,
		Categories:  categories,
		Kind:        kind,
	}
}

func TestCatalog(t *testing.T) {
	c, err := catalog.New([]catalog.Descriptor{
		desc("cdc", catalog.KindGovernment, "vaccination", "lgbtq-health"),
		desc("community-health", catalog.KindAlternative, "lgbtq-health"),
	}, []string{"lgbtq", "reproductive"})
	require.NoError(t, err)

	t.Run("Get", func(t *testing.T) {
		d, err := c.Get("cdc")
		require.NoError(t, err)
		assert.Equal(t, catalog.KindGovernment, d.Kind)

		_, err = c.Get("missing")
		assert.ErrorIs(t, err, catalog.ErrSourceNotFound)
	})

	t.Run("ForCategory", func(t *testing.T) {
		got := c.ForCategory("lgbtq-health")
		require.Len(t, got, 2)

		assert.Empty(t, c.ForCategory("unknown-category"))
	})

	t.Run("ForCategory is case-insensitive", func(t *testing.T) {
		assert.Len(t, c.ForCategory("Vaccination"), 1)
	})

	t.Run("IsCompromised substring match", func(t *testing.T) {
		assert.True(t, c.IsCompromised("lgbtq-health"))
		assert.True(t, c.IsCompromised("reproductive-rights"))
		assert.False(t, c.IsCompromised("vaccination"))
		assert.False(t, c.IsCompromised(""))
	})
}

func TestCatalogValidation(t *testing.T) {
	t.Run("duplicate id", func(t *testing.T) {
		_, err := catalog.New([]catalog.Descriptor{
			desc("a", catalog.KindGovernment, "x"),
			desc("a", catalog.KindAlternative, "y"),
		}, nil)
		assert.ErrorContains(t, err, "duplicate source id")
	})

	t.Run("reliability out of range", func(t *testing.T) {
		d := desc("a", catalog.KindGovernment, "x")
		d.Reliability = 1.2
		_, err := catalog.New([]catalog.Descriptor{d}, nil)
		assert.ErrorContains(t, err, "reliability")
	})

	t.Run("oauth requires token_url", func(t *testing.T) {
		d := desc("a", catalog.KindGovernment, "x")
		d.AuthMode = catalog.AuthOAuth
		_, err := catalog.New([]catalog.Descriptor{d}, nil)
		assert.ErrorContains(t, err, "token_url")
	})

	t.Run("bad base_url", func(t *testing.T) {
		d := desc("a", catalog.KindGovernment, "x")
		d.BaseURL = "not-a-url"
		_, err := catalog.New([]catalog.Descriptor{d}, nil)
		assert.ErrorContains(t, err, "base_url")
	})
}

func TestParse(t *testing.T) {
	yamlDoc := `
sources:
  - id: cdc
    base_url: https://data.cdc.example.gov
    requires_auth: true
    auth_mode: apikey
    reliability: 0.95
    priority: 1
    categories: [vaccination, lgbtq-health]
    kind: government
  - id: trevor-project
    base_url: https://api.trevor.example.org
    auth_mode: none
    reliability: 0.88
    priority: 2
    categories: [lgbtq-health]
    kind: alternative
compromised_categories: [lgbtq, trans]
`
	c, err := catalog.Parse([]byte(yamlDoc))
	require.NoError(t, err)

	d, err := c.Get("cdc")
	require.NoError(t, err)
	assert.True(t, d.RequiresAuth)
	assert.Equal(t, catalog.AuthAPIKey, d.AuthMode)
	assert.True(t, c.IsCompromised("trans-health"))

	_, err = catalog.Parse([]byte(`sources: []`))
	assert.ErrorContains(t, err, "no sources")
}
