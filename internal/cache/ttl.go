package cache

import (
	"time"

	"marketdata/internal/quotes"
)

// ExtendedFactor scales a base TTL into the stale-serving ceiling consulted
// only in degraded (globally rate-limited) mode.
const ExtendedFactor = 5

// TTLPolicy computes per-request cache lifetimes: short for crypto and for
// equities during the regular trading session, longer after hours.
type TTLPolicy struct {
	Active   time.Duration // crypto, and equities while the market is open
	OffHours time.Duration // equities outside the regular session

	now func() time.Time
}

func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Active:   45 * time.Second,
		OffHours: 3 * time.Minute,
		now:      time.Now,
	}
}

// For returns the base TTL for a symbol of the given asset class.
func (p TTLPolicy) For(class quotes.AssetClass) time.Duration {
	nowFn := p.now
	if nowFn == nil {
		nowFn = time.Now
	}
	if class == quotes.AssetCrypto {
		return p.Active
	}
	if marketOpen(nowFn()) {
		return p.Active
	}
	return p.OffHours
}

// marketOpen reports whether US equities are in the regular session.
// Simple NYSE hours check; production calendars also track holidays.
func marketOpen(now time.Time) bool {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return false
	}
	et := now.In(loc)
	if wd := et.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := et.Hour()*60 + et.Minute()
	return minutes >= 9*60+30 && minutes < 16*60
}
