package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata/internal/quotes"
)

func testQuote(symbol string, class quotes.AssetClass, price float64) quotes.Quote {
	return quotes.Quote{
		Symbol:     symbol,
		Price:      price,
		AssetClass: class,
		Provider:   "coingecko",
		FetchedAt:  time.Now(),
		Provenance: quotes.ProvenanceLive,
	}
}

func newTestCache(t *testing.T) (*Tiered, *Store) {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "market_cache.json"))
	return New(store), store
}

func TestRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	q := testQuote("BTC", quotes.AssetCrypto, 50000)

	require.NoError(t, c.Put(q, 45*time.Second))

	got, ok := c.Get("BTC", quotes.AssetCrypto, false)
	require.True(t, ok)
	assert.Equal(t, q.Price, got.Price)
	assert.Equal(t, q.Symbol, got.Symbol)
	// Cache reads are tagged as cache provenance, the stored value is not mutated.
	assert.Equal(t, quotes.ProvenanceCache, got.Provenance)
}

func TestExpiryAndExtendedTier(t *testing.T) {
	c, _ := newTestCache(t)
	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Put(testQuote("ETH", quotes.AssetCrypto, 3000), 30*time.Second))

	// Past ttl: the normal tier misses, the extended tier still serves.
	c.now = func() time.Time { return base.Add(31 * time.Second) }
	_, ok := c.Get("ETH", quotes.AssetCrypto, false)
	assert.False(t, ok, "expired entry must not serve on a normal read")

	got, ok := c.Get("ETH", quotes.AssetCrypto, true)
	require.True(t, ok, "extended tier should serve within ExtendedFactor x ttl")
	assert.Equal(t, 3000.0, got.Price)

	// Past the extended ceiling: nothing serves.
	c.now = func() time.Time { return base.Add(time.Duration(ExtendedFactor)*30*time.Second + time.Second) }
	_, ok = c.Get("ETH", quotes.AssetCrypto, true)
	assert.False(t, ok)
}

func TestDurableTierSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market_cache.json")
	c1 := New(NewStore(path))
	require.NoError(t, c1.Put(testQuote("AAPL", quotes.AssetEquity, 190.5), time.Minute))

	// Fresh process: empty memory tier, repopulated from the durable store.
	c2 := New(NewStore(path))
	got, ok := c2.Get("AAPL", quotes.AssetEquity, false)
	require.True(t, ok)
	assert.Equal(t, 190.5, got.Price)
	assert.Equal(t, 1, c2.Size(), "durable hit should repopulate the memory tier")
}

func TestExpiredDurableEntryNotRepopulated(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "market_cache.json"))
	// Durable entry whose extended ceiling is long past.
	old := Entry{
		Data:      testQuote("BTC", quotes.AssetCrypto, 50000),
		Timestamp: time.Now().Add(-time.Hour).UnixMilli(),
		TTLMs:     (10 * time.Second).Milliseconds(),
	}
	require.NoError(t, store.Put(DurableKey("BTC"), old))

	c := New(store)
	_, ok := c.Get("BTC", quotes.AssetCrypto, true)
	assert.False(t, ok)
	assert.Zero(t, c.Size(), "a dead durable entry must not be parked in the memory tier")
}

func TestAssetClassIsPartOfTheKey(t *testing.T) {
	c, _ := newTestCache(t)
	require.NoError(t, c.Put(testQuote("BTC", quotes.AssetCrypto, 50000), time.Minute))

	_, ok := c.Get("BTC", quotes.AssetEquity, false)
	assert.False(t, ok, "a crypto entry must not satisfy an equity lookup")
}

func TestPutBatchSingleDurableWrite(t *testing.T) {
	c, store := newTestCache(t)
	qs := []quotes.Quote{
		testQuote("BTC", quotes.AssetCrypto, 50000),
		testQuote("ETH", quotes.AssetCrypto, 3000),
		testQuote("SOL", quotes.AssetCrypto, 150),
	}
	require.NoError(t, c.PutBatch(qs, func(quotes.AssetClass) time.Duration { return time.Minute }))

	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, q := range qs {
		got, ok := c.Get(q.Symbol, quotes.AssetCrypto, false)
		require.True(t, ok, q.Symbol)
		assert.Equal(t, q.Price, got.Price)
	}
}

func TestInvalidateClearsBothTiers(t *testing.T) {
	c, store := newTestCache(t)
	require.NoError(t, c.Put(testQuote("BTC", quotes.AssetCrypto, 50000), time.Minute))

	c.Invalidate("BTC", quotes.AssetCrypto)

	_, ok := c.Get("BTC", quotes.AssetCrypto, true)
	assert.False(t, ok)
	n, err := store.Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepRemovesOldEntries(t *testing.T) {
	c, store := newTestCache(t)
	base := time.Now()
	c.now = func() time.Time { return base }

	require.NoError(t, c.Put(testQuote("OLD", quotes.AssetCrypto, 1), 10*time.Second))
	require.NoError(t, c.Put(testQuote("NEW", quotes.AssetCrypto, 2), 10*time.Minute))

	// OLD is beyond 2 x ttl, NEW is not.
	c.now = func() time.Time { return base.Add(25 * time.Second) }
	c.sweep()

	assert.Equal(t, 1, c.Size())
	n, err := store.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := c.Get("NEW", quotes.AssetCrypto, false)
	assert.True(t, ok)
}

func TestTTLPolicy(t *testing.T) {
	p := DefaultTTLPolicy()

	// Crypto always gets the active TTL.
	p.now = func() time.Time { return time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC) } // Sunday
	assert.Equal(t, p.Active, p.For(quotes.AssetCrypto))

	// Equities off hours get the longer TTL.
	assert.Equal(t, p.OffHours, p.For(quotes.AssetEquity))

	// Equities during the regular session get the short TTL.
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 8, 26, 11, 0, 0, 0, ny) } // Wednesday 11:00 ET
	assert.Equal(t, p.Active, p.For(quotes.AssetEquity))
}
