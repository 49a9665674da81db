package adapters

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"marketdata/internal/httpx"
	"marketdata/internal/quotes"
)

type TwelveDataConfig struct {
	BaseURL string
}

// TwelveData is the last equity fallback. Errors come back as HTTP 200 with
// {"code": N, "message": ...}, so the code field drives classification.
type TwelveData struct {
	cfg    TwelveDataConfig
	client *httpx.Client
}

func NewTwelveData(cfg TwelveDataConfig, client *httpx.Client) *TwelveData {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twelvedata.com"
	}
	return &TwelveData{cfg: cfg, client: client}
}

func (t *TwelveData) Name() string                  { return "twelvedata" }
func (t *TwelveData) AssetClass() quotes.AssetClass { return quotes.AssetEquity }
func (t *TwelveData) RequiresCredential() bool      { return true }

func (t *TwelveData) FetchQuote(ctx context.Context, symbol, apiKey string) (quotes.Quote, error) {
	symbol = quotes.NormalizeSymbol(symbol)
	if apiKey == "" {
		return quotes.Quote{}, quotes.NewValidationError(t.Name(), symbol, "missing api key", nil)
	}

	q := url.Values{
		"symbol": {symbol},
		"apikey": {apiKey},
	}
	endpoint := fmt.Sprintf("%s/quote?%s", t.cfg.BaseURL, q.Encode())

	var payload struct {
		Close         string `json:"close"`
		Change        string `json:"change"`
		PercentChange string `json:"percent_change"`
		Volume        string `json:"volume"`
		Code          int    `json:"code"`
		Message       string `json:"message"`
	}
	if err := getJSON(ctx, t.client, t.Name(), symbol, endpoint, &payload); err != nil {
		return quotes.Quote{}, err
	}

	switch payload.Code {
	case 0:
	case 429:
		return quotes.Quote{}, quotes.NewRateLimitedError(t.Name(), symbol, payload.Message, 0)
	case 400, 404:
		return quotes.Quote{}, quotes.NewBadSymbolError(t.Name(), symbol, payload.Message)
	default:
		return quotes.Quote{}, quotes.NewValidationError(t.Name(), symbol, fmt.Sprintf("code %d: %s", payload.Code, payload.Message), nil)
	}

	price, err := parseFloat(payload.Close)
	if err != nil || price <= 0 {
		return quotes.Quote{}, quotes.NewValidationError(t.Name(), symbol, "unparseable close", err)
	}
	change, _ := parseFloat(payload.Change)
	changePct, _ := parseFloat(payload.PercentChange)
	volume, _ := parseFloat(payload.Volume)

	return quotes.Quote{
		Symbol:     symbol,
		Price:      price,
		Change:     change,
		ChangePct:  changePct,
		Volume:     volume,
		AssetClass: quotes.AssetEquity,
		Provider:   t.Name(),
		FetchedAt:  time.Now(),
		Provenance: quotes.ProvenanceLive,
	}, nil
}
