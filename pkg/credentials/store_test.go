package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfiguredCredential(t *testing.T) {
	s := NewStore([]Credential{
		{SourceID: "cdc", APIKey: "k-123"},
		{SourceID: "oauth-src", ClientID: "cid", ClientSecret: "shh"},
	}, WithEnvFallback(false))

	c, ok := s.Get("cdc")
	require.True(t, ok)
	assert.Equal(t, "k-123", c.APIKey)

	c, ok = s.Get("oauth-src")
	require.True(t, ok)
	assert.Equal(t, "cid", c.ClientID)
	assert.Equal(t, "shh", c.ClientSecret)

	_, ok = s.Get("unknown")
	assert.False(t, ok)
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("SENTINEL_STATE_HEALTH_API_KEY", "env-key")

	s := NewStore(nil)
	c, ok := s.Get("state-health")
	require.True(t, ok, "dashes in the id map to underscores in the env var")
	assert.Equal(t, "env-key", c.APIKey)

	t.Run("disabled fallback", func(t *testing.T) {
		s := NewStore(nil, WithEnvFallback(false))
		_, ok := s.Get("state-health")
		assert.False(t, ok)
	})
}

func TestSetRotation(t *testing.T) {
	s := NewStore([]Credential{{SourceID: "cdc", APIKey: "old"}}, WithEnvFallback(false))
	s.Set(Credential{SourceID: "cdc", APIKey: "new"})

	c, ok := s.Get("cdc")
	require.True(t, ok)
	assert.Equal(t, "new", c.APIKey)
}
