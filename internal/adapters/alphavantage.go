package adapters

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"marketdata/internal/httpx"
	"marketdata/internal/quotes"
)

// AlphaVantageConfig holds the endpoint. Keys are supplied per call through
// the credential rotation layer.
type AlphaVantageConfig struct {
	BaseURL string
}

// AlphaVantage is the primary equity provider. Its free tier returns HTTP 200
// with a "Note" or "Information" body when throttled, so classification
// happens on the payload rather than the status code.
type AlphaVantage struct {
	cfg    AlphaVantageConfig
	client *httpx.Client
}

func NewAlphaVantage(cfg AlphaVantageConfig, client *httpx.Client) *AlphaVantage {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.alphavantage.co"
	}
	return &AlphaVantage{cfg: cfg, client: client}
}

func (a *AlphaVantage) Name() string                  { return "alphavantage" }
func (a *AlphaVantage) AssetClass() quotes.AssetClass { return quotes.AssetEquity }
func (a *AlphaVantage) RequiresCredential() bool      { return true }

func (a *AlphaVantage) FetchQuote(ctx context.Context, symbol, apiKey string) (quotes.Quote, error) {
	symbol = quotes.NormalizeSymbol(symbol)
	if apiKey == "" {
		return quotes.Quote{}, quotes.NewValidationError(a.Name(), symbol, "missing api key", nil)
	}

	q := url.Values{
		"function": {"GLOBAL_QUOTE"},
		"symbol":   {symbol},
		"apikey":   {apiKey},
	}
	endpoint := fmt.Sprintf("%s/query?%s", a.cfg.BaseURL, q.Encode())

	var payload struct {
		GlobalQuote  map[string]string `json:"Global Quote"`
		Note         string            `json:"Note"`
		Information  string            `json:"Information"`
		ErrorMessage string            `json:"Error Message"`
	}
	if err := getJSON(ctx, a.client, a.Name(), symbol, endpoint, &payload); err != nil {
		return quotes.Quote{}, err
	}

	switch {
	case payload.Note != "":
		return quotes.Quote{}, quotes.NewRateLimitedError(a.Name(), symbol, payload.Note, 0)
	case payload.Information != "":
		// The daily-limit body arrives as "Information" on current plans.
		return quotes.Quote{}, quotes.NewRateLimitedError(a.Name(), symbol, payload.Information, 0)
	case payload.ErrorMessage != "":
		return quotes.Quote{}, quotes.NewBadSymbolError(a.Name(), symbol, payload.ErrorMessage)
	case len(payload.GlobalQuote) == 0:
		return quotes.Quote{}, quotes.NewBadSymbolError(a.Name(), symbol, "empty global quote")
	}

	price, err := parseFloat(payload.GlobalQuote["05. price"])
	if err != nil || price <= 0 {
		return quotes.Quote{}, quotes.NewValidationError(a.Name(), symbol, "unparseable price", err)
	}
	change, _ := parseFloat(payload.GlobalQuote["09. change"])
	changePct, _ := parseFloat(payload.GlobalQuote["10. change percent"])
	volume, _ := parseFloat(payload.GlobalQuote["06. volume"])

	return quotes.Quote{
		Symbol:     symbol,
		Price:      price,
		Change:     change,
		ChangePct:  changePct,
		Volume:     volume,
		AssetClass: quotes.AssetEquity,
		Provider:   a.Name(),
		FetchedAt:  time.Now(),
		Provenance: quotes.ProvenanceLive,
	}, nil
}
