// Package adapters contains one thin client per external market-data API.
// Each adapter translates a provider's wire format into the canonical
// quotes.Quote and classifies failures into the typed error taxonomy; no
// retry, caching or admission logic lives here.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"marketdata/internal/httpx"
	"marketdata/internal/quotes"
)

// Adapter is a single external price API. Credentialed providers receive
// the key per call so the orchestrator can rotate freely.
type Adapter interface {
	Name() string
	AssetClass() quotes.AssetClass
	RequiresCredential() bool
	FetchQuote(ctx context.Context, symbol, apiKey string) (quotes.Quote, error)
}

// getJSON performs the request and decodes the body, classifying transport
// and status failures. The caller owns payload-shape validation.
func getJSON(ctx context.Context, client *httpx.Client, provider, symbol, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return quotes.NewTransientError(provider, symbol, "build request", err)
	}
	resp, err := client.Do(ctx, req)
	if err != nil {
		return quotes.NewTransientError(provider, symbol, "request failed", err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(provider, symbol, resp); err != nil {
		return err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return quotes.NewTransientError(provider, symbol, "read body", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return quotes.NewValidationError(provider, symbol, "malformed payload", err)
	}
	return nil
}

func classifyStatus(provider, symbol string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return quotes.NewRateLimitedError(provider, symbol, "HTTP 429", parseRetryAfter(resp))
	case resp.StatusCode == http.StatusNotFound:
		return quotes.NewBadSymbolError(provider, symbol, "HTTP 404")
	case resp.StatusCode >= 500:
		return quotes.NewTransientError(provider, symbol, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	default:
		return quotes.NewValidationError(provider, symbol, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
	}
}

func parseRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// parseFloat reads a provider-formatted numeric string, tolerating a
// trailing percent sign.
func parseFloat(s string) (float64, error) {
	if n := len(s); n > 0 && s[n-1] == '%' {
		s = s[:n-1]
	}
	return strconv.ParseFloat(s, 64)
}
