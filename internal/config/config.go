package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"marketdata/internal/breaker"
	"marketdata/internal/orchestrator"
	"marketdata/internal/ratelimit"
)

type Server struct {
	Addr string `yaml:"addr"`
}

type Cache struct {
	Path                 string `yaml:"path"`
	SweepIntervalSeconds int    `yaml:"sweep_interval_seconds"`
}

// Provider configures one upstream API. APIKeys can also come from the
// {NAME}_API_KEYS environment variable (comma-separated), which wins over
// the file so keys stay out of checked-in config.
// Enabled is a pointer so a partial entry that only sets api_keys does not
// silently disable the provider; nil means enabled.
type Provider struct {
	Enabled    *bool            `yaml:"enabled"`
	BaseURL    string           `yaml:"base_url"`
	RateLimit  ratelimit.Config `yaml:"rate_limit"`
	DailyQuota int              `yaml:"daily_quota"` // per credential, 0 = unlimited
	APIKeys    []string         `yaml:"api_keys"`
	Breaker    *breaker.Config  `yaml:"breaker"` // nil = registry defaults
}

// IsEnabled reports whether the provider participates in cascades.
func (p Provider) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Symbols maps crypto tickers onto per-provider instrument ids.
type Symbols struct {
	CoinGeckoIDs   map[string]string `yaml:"coingecko_ids"`
	CoinPaprikaIDs map[string]string `yaml:"coinpaprika_ids"`
}

// Cascades lists the provider fallback order per asset class.
type Cascades struct {
	Crypto []string `yaml:"crypto"`
	Equity []string `yaml:"equity"`
}

type Root struct {
	Server       Server              `yaml:"server"`
	Cache        Cache               `yaml:"cache"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Breaker      breaker.Config      `yaml:"breaker"` // registry defaults
	Providers    map[string]Provider `yaml:"providers"`
	Symbols      Symbols             `yaml:"symbols"`
	Cascades     Cascades            `yaml:"cascades"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	applyEnvKeys(&c)
	return c, nil
}

// Default returns the configuration used when no file is given.
func Default() Root {
	var c Root
	applyDefaults(&c)
	applyEnvKeys(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Cache.Path == "" {
		c.Cache.Path = "data/market_cache.json"
	}
	if c.Cache.SweepIntervalSeconds == 0 {
		c.Cache.SweepIntervalSeconds = 60
	}

	if c.Providers == nil {
		c.Providers = map[string]Provider{}
	}
	defaultProvider(c, "coingecko", Provider{
		RateLimit: ratelimit.Config{PerMinute: 50},
	})
	defaultProvider(c, "coinpaprika", Provider{
		RateLimit: ratelimit.Config{PerMinute: 25},
	})
	defaultProvider(c, "alphavantage", Provider{
		RateLimit:  ratelimit.Config{PerMinute: 5},
		DailyQuota: 25,
	})
	defaultProvider(c, "yahoo", Provider{
		RateLimit: ratelimit.Config{PerMinute: 60},
	})
	defaultProvider(c, "twelvedata", Provider{
		RateLimit:  ratelimit.Config{PerMinute: 8},
		DailyQuota: 800,
	})

	if len(c.Cascades.Crypto) == 0 {
		c.Cascades.Crypto = []string{"coingecko", "coinpaprika"}
	}
	if len(c.Cascades.Equity) == 0 {
		c.Cascades.Equity = []string{"alphavantage", "yahoo", "twelvedata"}
	}

	if len(c.Symbols.CoinGeckoIDs) == 0 {
		c.Symbols.CoinGeckoIDs = map[string]string{
			"BTC": "bitcoin", "ETH": "ethereum", "SOL": "solana",
			"ADA": "cardano", "DOGE": "dogecoin",
		}
	}
	if len(c.Symbols.CoinPaprikaIDs) == 0 {
		c.Symbols.CoinPaprikaIDs = map[string]string{
			"BTC": "btc-bitcoin", "ETH": "eth-ethereum", "SOL": "sol-solana",
			"ADA": "ada-cardano", "DOGE": "doge-dogecoin",
		}
	}
}

// defaultProvider fills the unset fields of a provider entry, adding the
// entry when the file omitted it entirely.
func defaultProvider(c *Root, name string, def Provider) {
	p, ok := c.Providers[name]
	if !ok {
		c.Providers[name] = def
		return
	}
	if p.RateLimit.PerMinute == 0 {
		p.RateLimit = def.RateLimit
	}
	if p.DailyQuota == 0 {
		p.DailyQuota = def.DailyQuota
	}
	c.Providers[name] = p
}

func applyEnvKeys(c *Root) {
	for name, p := range c.Providers {
		env := strings.ToUpper(name) + "_API_KEYS"
		if v := os.Getenv(env); v != "" {
			var keys []string
			for _, k := range strings.Split(v, ",") {
				if k = strings.TrimSpace(k); k != "" {
					keys = append(keys, k)
				}
			}
			p.APIKeys = keys
			c.Providers[name] = p
		}
	}
}

// Validate rejects configurations the service cannot start with.
func (c Root) Validate() error {
	for _, name := range append(append([]string{}, c.Cascades.Crypto...), c.Cascades.Equity...) {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("cascade references unknown provider %q", name)
		}
	}
	if len(c.Cascades.Crypto) == 0 && len(c.Cascades.Equity) == 0 {
		return fmt.Errorf("no cascades configured")
	}
	return nil
}

// RateLimits extracts the per-provider admission config for the limiter.
func (c Root) RateLimits() map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(c.Providers))
	for name, p := range c.Providers {
		out[name] = p.RateLimit
	}
	return out
}

// BreakerOverrides extracts the per-provider breaker configs that differ
// from the registry defaults.
func (c Root) BreakerOverrides() map[string]breaker.Config {
	out := map[string]breaker.Config{}
	for name, p := range c.Providers {
		if p.Breaker != nil {
			out[name] = *p.Breaker
		}
	}
	return out
}
