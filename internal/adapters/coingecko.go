package adapters

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"marketdata/internal/httpx"
	"marketdata/internal/quotes"
)

// CoinGeckoConfig holds the endpoint and the symbol -> CoinGecko id table
// (e.g. BTC -> bitcoin).
type CoinGeckoConfig struct {
	BaseURL string
	IDs     map[string]string
}

// CoinGecko is the primary crypto provider.
type CoinGecko struct {
	cfg    CoinGeckoConfig
	client *httpx.Client
}

func NewCoinGecko(cfg CoinGeckoConfig, client *httpx.Client) *CoinGecko {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coingecko.com/api/v3"
	}
	return &CoinGecko{cfg: cfg, client: client}
}

func (c *CoinGecko) Name() string                  { return "coingecko" }
func (c *CoinGecko) AssetClass() quotes.AssetClass { return quotes.AssetCrypto }
func (c *CoinGecko) RequiresCredential() bool      { return false }

func (c *CoinGecko) FetchQuote(ctx context.Context, symbol, _ string) (quotes.Quote, error) {
	symbol = quotes.NormalizeSymbol(symbol)
	id, ok := c.cfg.IDs[symbol]
	if !ok {
		return quotes.Quote{}, quotes.NewBadSymbolError(c.Name(), symbol, "no coingecko id mapping")
	}

	q := url.Values{
		"ids":                {id},
		"vs_currencies":      {"usd"},
		"include_24hr_change": {"true"},
		"include_market_cap": {"true"},
		"include_24hr_vol":   {"true"},
	}
	endpoint := fmt.Sprintf("%s/simple/price?%s", c.cfg.BaseURL, q.Encode())

	var payload map[string]struct {
		USD       float64 `json:"usd"`
		Change24h float64 `json:"usd_24h_change"`
		MarketCap float64 `json:"usd_market_cap"`
		Volume24h float64 `json:"usd_24h_vol"`
	}
	if err := getJSON(ctx, c.client, c.Name(), symbol, endpoint, &payload); err != nil {
		return quotes.Quote{}, err
	}

	data, ok := payload[id]
	if !ok {
		return quotes.Quote{}, quotes.NewValidationError(c.Name(), symbol, "id missing from response", nil)
	}
	if data.USD <= 0 {
		return quotes.Quote{}, quotes.NewValidationError(c.Name(), symbol, fmt.Sprintf("invalid price %.6f", data.USD), nil)
	}

	return quotes.Quote{
		Symbol:     symbol,
		Price:      data.USD,
		Change:     data.USD * data.Change24h / 100,
		ChangePct:  data.Change24h,
		Volume:     data.Volume24h,
		MarketCap:  data.MarketCap,
		AssetClass: quotes.AssetCrypto,
		Provider:   c.Name(),
		FetchedAt:  time.Now(),
		Provenance: quotes.ProvenanceLive,
	}, nil
}
