package adapters

import (
	"context"
	"fmt"
	"time"

	"marketdata/internal/httpx"
	"marketdata/internal/quotes"
)

// CoinPaprikaConfig holds the endpoint and the symbol -> ticker id table
// (e.g. BTC -> btc-bitcoin).
type CoinPaprikaConfig struct {
	BaseURL string
	IDs     map[string]string
}

// CoinPaprika is the crypto fallback provider.
type CoinPaprika struct {
	cfg    CoinPaprikaConfig
	client *httpx.Client
}

func NewCoinPaprika(cfg CoinPaprikaConfig, client *httpx.Client) *CoinPaprika {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.coinpaprika.com/v1"
	}
	return &CoinPaprika{cfg: cfg, client: client}
}

func (c *CoinPaprika) Name() string                  { return "coinpaprika" }
func (c *CoinPaprika) AssetClass() quotes.AssetClass { return quotes.AssetCrypto }
func (c *CoinPaprika) RequiresCredential() bool      { return false }

func (c *CoinPaprika) FetchQuote(ctx context.Context, symbol, _ string) (quotes.Quote, error) {
	symbol = quotes.NormalizeSymbol(symbol)
	id, ok := c.cfg.IDs[symbol]
	if !ok {
		return quotes.Quote{}, quotes.NewBadSymbolError(c.Name(), symbol, "no coinpaprika id mapping")
	}

	var payload struct {
		Quotes map[string]struct {
			Price       float64 `json:"price"`
			PctChange24 float64 `json:"percent_change_24h"`
			Volume24h   float64 `json:"volume_24h"`
			MarketCap   float64 `json:"market_cap"`
		} `json:"quotes"`
	}
	endpoint := fmt.Sprintf("%s/tickers/%s", c.cfg.BaseURL, id)
	if err := getJSON(ctx, c.client, c.Name(), symbol, endpoint, &payload); err != nil {
		return quotes.Quote{}, err
	}

	usd, ok := payload.Quotes["USD"]
	if !ok {
		return quotes.Quote{}, quotes.NewValidationError(c.Name(), symbol, "missing USD quote", nil)
	}
	if usd.Price <= 0 {
		return quotes.Quote{}, quotes.NewValidationError(c.Name(), symbol, fmt.Sprintf("invalid price %.6f", usd.Price), nil)
	}

	return quotes.Quote{
		Symbol:     symbol,
		Price:      usd.Price,
		Change:     usd.Price * usd.PctChange24 / 100,
		ChangePct:  usd.PctChange24,
		Volume:     usd.Volume24h,
		MarketCap:  usd.MarketCap,
		AssetClass: quotes.AssetCrypto,
		Provider:   c.Name(),
		FetchedAt:  time.Now(),
		Provenance: quotes.ProvenanceLive,
	}, nil
}
