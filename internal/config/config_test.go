package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  addr: \":9100\"\n")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9100", c.Server.Addr)
	assert.Equal(t, "data/market_cache.json", c.Cache.Path)
	assert.Equal(t, []string{"coingecko", "coinpaprika"}, c.Cascades.Crypto)
	assert.Equal(t, []string{"alphavantage", "yahoo", "twelvedata"}, c.Cascades.Equity)
	assert.Equal(t, 50, c.Providers["coingecko"].RateLimit.PerMinute)
	assert.Equal(t, 25, c.Providers["alphavantage"].DailyQuota)
	assert.Equal(t, "bitcoin", c.Symbols.CoinGeckoIDs["BTC"])
	require.NoError(t, c.Validate())
}

func TestLoadMergesPartialProvider(t *testing.T) {
	path := writeConfig(t, `
providers:
  alphavantage:
    enabled: true
    api_keys: [demo1, demo2]
    breaker:
      failure_threshold: 3
`)

	c, err := Load(path)
	require.NoError(t, err)

	av := c.Providers["alphavantage"]
	assert.Equal(t, []string{"demo1", "demo2"}, av.APIKeys)
	// Unset fields fall back to defaults.
	assert.Equal(t, 5, av.RateLimit.PerMinute)
	assert.Equal(t, 25, av.DailyQuota)

	overrides := c.BreakerOverrides()
	require.Contains(t, overrides, "alphavantage")
	assert.Equal(t, 3, overrides["alphavantage"].FailureThreshold)
}

func TestPartialProviderStaysEnabled(t *testing.T) {
	path := writeConfig(t, `
providers:
  alphavantage:
    api_keys: [demo]
  yahoo:
    enabled: false
`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.True(t, c.Providers["alphavantage"].IsEnabled(),
		"an entry that only sets api_keys must not disable the provider")
	assert.False(t, c.Providers["yahoo"].IsEnabled())
	assert.True(t, c.Providers["coingecko"].IsEnabled(), "defaulted providers are enabled")
}

func TestEnvKeysOverrideFile(t *testing.T) {
	path := writeConfig(t, `
providers:
  twelvedata:
    enabled: true
    api_keys: [from-file]
`)
	t.Setenv("TWELVEDATA_API_KEYS", "env-a, env-b")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"env-a", "env-b"}, c.Providers["twelvedata"].APIKeys)
}

func TestValidateRejectsUnknownCascadeProvider(t *testing.T) {
	path := writeConfig(t, "cascades:\n  crypto: [nonesuch]\n")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Error(t, c.Validate())
}
