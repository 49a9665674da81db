package dedup

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"marketdata/internal/observ"
	"marketdata/internal/quotes"
)

// Fingerprint builds the stable key identifying a logically identical
// in-flight request, e.g. "quote:crypto:BTC".
func Fingerprint(op string, class quotes.AssetClass, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", op, class, quotes.NormalizeSymbol(symbol))
}

// Deduplicator coalesces concurrent requests with the same fingerprint:
// the first caller executes fn, everyone else attaches to the pending call
// and receives the identical result or error. The group removes the entry
// the moment the call settles, so an immediate follow-up request starts a
// fresh execution.
type Deduplicator struct {
	group singleflight.Group
}

func New() *Deduplicator {
	return &Deduplicator{}
}

// Do runs fn once per fingerprint across concurrent callers. The shared
// call keeps running even if one waiter's context is cancelled; the
// remaining waiters still observe its outcome.
func (d *Deduplicator) Do(ctx context.Context, fingerprint string, fn func() (quotes.Quote, error)) (quotes.Quote, error) {
	ch := d.group.DoChan(fingerprint, func() (any, error) {
		return fn()
	})

	select {
	case <-ctx.Done():
		return quotes.Quote{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			observ.IncCounter("dedup_coalesced_total", map[string]string{"fingerprint": fingerprint})
		}
		if res.Err != nil {
			return quotes.Quote{}, res.Err
		}
		return res.Val.(quotes.Quote), nil
	}
}
