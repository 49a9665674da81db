package adapters

import (
	"context"
	"fmt"
	"time"

	"marketdata/internal/httpx"
	"marketdata/internal/quotes"
)

type YahooConfig struct {
	BaseURL string
}

// Yahoo is the keyless equity fallback, reading the chart endpoint's meta
// block rather than a dedicated quote API.
type Yahoo struct {
	cfg    YahooConfig
	client *httpx.Client
}

func NewYahoo(cfg YahooConfig, client *httpx.Client) *Yahoo {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://query1.finance.yahoo.com"
	}
	return &Yahoo{cfg: cfg, client: client}
}

func (y *Yahoo) Name() string                  { return "yahoo" }
func (y *Yahoo) AssetClass() quotes.AssetClass { return quotes.AssetEquity }
func (y *Yahoo) RequiresCredential() bool      { return false }

func (y *Yahoo) FetchQuote(ctx context.Context, symbol, _ string) (quotes.Quote, error) {
	symbol = quotes.NormalizeSymbol(symbol)
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", y.cfg.BaseURL, symbol)

	var payload struct {
		Chart struct {
			Result []struct {
				Meta struct {
					RegularMarketPrice  float64 `json:"regularMarketPrice"`
					PreviousClose       float64 `json:"previousClose"`
					RegularMarketVolume float64 `json:"regularMarketVolume"`
				} `json:"meta"`
			} `json:"result"`
			Error *struct {
				Code        string `json:"code"`
				Description string `json:"description"`
			} `json:"error"`
		} `json:"chart"`
	}
	if err := getJSON(ctx, y.client, y.Name(), symbol, endpoint, &payload); err != nil {
		return quotes.Quote{}, err
	}

	if payload.Chart.Error != nil {
		return quotes.Quote{}, quotes.NewBadSymbolError(y.Name(), symbol, payload.Chart.Error.Description)
	}
	if len(payload.Chart.Result) == 0 {
		return quotes.Quote{}, quotes.NewValidationError(y.Name(), symbol, "empty chart result", nil)
	}

	meta := payload.Chart.Result[0].Meta
	if meta.RegularMarketPrice <= 0 {
		return quotes.Quote{}, quotes.NewValidationError(y.Name(), symbol, fmt.Sprintf("invalid price %.6f", meta.RegularMarketPrice), nil)
	}

	change := meta.RegularMarketPrice - meta.PreviousClose
	changePct := 0.0
	if meta.PreviousClose > 0 {
		changePct = change / meta.PreviousClose * 100
	}

	return quotes.Quote{
		Symbol:     symbol,
		Price:      meta.RegularMarketPrice,
		Change:     change,
		ChangePct:  changePct,
		Volume:     meta.RegularMarketVolume,
		AssetClass: quotes.AssetEquity,
		Provider:   y.Name(),
		FetchedAt:  time.Now(),
		Provenance: quotes.ProvenanceLive,
	}, nil
}
