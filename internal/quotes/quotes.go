package quotes

import (
	"fmt"
	"strings"
	"time"
)

// AssetClass identifies which market a symbol belongs to.
type AssetClass string

const (
	AssetCrypto AssetClass = "crypto"
	AssetEquity AssetClass = "equity"
)

// Provenance tags where a quote came from.
type Provenance string

const (
	ProvenanceLive  Provenance = "live"
	ProvenanceCache Provenance = "cache"
)

// Quote represents normalized market data from any provider.
// A Quote is a value: once constructed it is never mutated. Cache reads
// return copies with Provenance rewritten, never the stored instance.
type Quote struct {
	Symbol     string     `json:"symbol"`      // Normalized symbol (uppercase)
	Price      float64    `json:"price"`       // Last price in USD
	Change     float64    `json:"change"`      // 24h / daily absolute change
	ChangePct  float64    `json:"change_pct"`  // 24h / daily percent change
	Volume     float64    `json:"volume"`      // Daily volume
	MarketCap  float64    `json:"market_cap"`  // Market capitalization, 0 if unknown
	AssetClass AssetClass `json:"asset_class"` // "crypto"|"equity"
	Provider   string     `json:"provider"`    // Provider that produced the data
	FetchedAt  time.Time  `json:"fetched_at"`  // When the provider call completed
	Provenance Provenance `json:"provenance"`  // "live"|"cache"
}

// NormalizeSymbol canonicalizes a user-supplied symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Validate performs quote validation with fail-closed behavior. A quote that
// fails validation must never be handed to a consumer or written to cache.
func Validate(q Quote) error {
	if q.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if q.Price <= 0 {
		return fmt.Errorf("invalid price for %s: %.6f", q.Symbol, q.Price)
	}
	if q.Volume < 0 {
		return fmt.Errorf("negative volume for %s: %.2f", q.Symbol, q.Volume)
	}
	switch q.AssetClass {
	case AssetCrypto, AssetEquity:
	default:
		return fmt.Errorf("unknown asset class for %s: %q", q.Symbol, q.AssetClass)
	}
	if q.Provider == "" {
		return fmt.Errorf("missing provider for %s", q.Symbol)
	}
	if q.FetchedAt.After(time.Now().Add(5 * time.Minute)) {
		return fmt.Errorf("quote timestamp too far in future: %v", q.FetchedAt)
	}
	return nil
}

// WithProvenance returns a copy of q tagged with the given provenance.
func (q Quote) WithProvenance(p Provenance) Quote {
	q.Provenance = p
	return q
}
