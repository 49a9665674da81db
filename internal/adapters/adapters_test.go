package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketdata/internal/httpx"
	"marketdata/internal/quotes"
)

func serve(t *testing.T, status int, body string, headers map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testClient() *httpx.Client {
	return httpx.New(5 * time.Second)
}

func TestCoinGeckoQuote(t *testing.T) {
	srv := serve(t, 200, `{"bitcoin":{"usd":50000,"usd_24h_change":2.5,"usd_market_cap":1.0e12,"usd_24h_vol":3.0e10}}`, nil)
	a := NewCoinGecko(CoinGeckoConfig{BaseURL: srv.URL, IDs: map[string]string{"BTC": "bitcoin"}}, testClient())

	q, err := a.FetchQuote(context.Background(), "btc", "")
	require.NoError(t, err)
	assert.Equal(t, "BTC", q.Symbol)
	assert.Equal(t, 50000.0, q.Price)
	assert.InDelta(t, 1250.0, q.Change, 0.001) // 50000 * 2.5%
	assert.Equal(t, 2.5, q.ChangePct)
	assert.Equal(t, quotes.AssetCrypto, q.AssetClass)
	assert.Equal(t, "coingecko", q.Provider)
	assert.Equal(t, quotes.ProvenanceLive, q.Provenance)
	require.NoError(t, quotes.Validate(q))
}

func TestCoinGeckoUnmappedSymbol(t *testing.T) {
	a := NewCoinGecko(CoinGeckoConfig{BaseURL: "http://unused", IDs: map[string]string{}}, testClient())
	_, err := a.FetchQuote(context.Background(), "NOPE", "")
	assert.Equal(t, quotes.KindBadSymbol, quotes.KindOf(err))
}

func TestCoinGeckoRateLimited(t *testing.T) {
	srv := serve(t, 429, `{}`, map[string]string{"Retry-After": "30"})
	a := NewCoinGecko(CoinGeckoConfig{BaseURL: srv.URL, IDs: map[string]string{"BTC": "bitcoin"}}, testClient())

	_, err := a.FetchQuote(context.Background(), "BTC", "")
	assert.Equal(t, quotes.KindRateLimited, quotes.KindOf(err))
	assert.Equal(t, 30*time.Second, quotes.RetryAfterOf(err))
}

func TestCoinGeckoZeroPriceRejected(t *testing.T) {
	srv := serve(t, 200, `{"bitcoin":{"usd":0}}`, nil)
	a := NewCoinGecko(CoinGeckoConfig{BaseURL: srv.URL, IDs: map[string]string{"BTC": "bitcoin"}}, testClient())

	_, err := a.FetchQuote(context.Background(), "BTC", "")
	assert.Equal(t, quotes.KindValidation, quotes.KindOf(err))
}

func TestCoinPaprikaQuote(t *testing.T) {
	srv := serve(t, 200, `{"quotes":{"USD":{"price":3000,"percent_change_24h":-1.2,"volume_24h":1.5e10,"market_cap":3.6e11}}}`, nil)
	a := NewCoinPaprika(CoinPaprikaConfig{BaseURL: srv.URL, IDs: map[string]string{"ETH": "eth-ethereum"}}, testClient())

	q, err := a.FetchQuote(context.Background(), "ETH", "")
	require.NoError(t, err)
	assert.Equal(t, 3000.0, q.Price)
	assert.InDelta(t, -36.0, q.Change, 0.001)
	assert.Equal(t, "coinpaprika", q.Provider)
	require.NoError(t, quotes.Validate(q))
}

func TestCoinPaprikaMissingUSD(t *testing.T) {
	srv := serve(t, 200, `{"quotes":{}}`, nil)
	a := NewCoinPaprika(CoinPaprikaConfig{BaseURL: srv.URL, IDs: map[string]string{"ETH": "eth-ethereum"}}, testClient())

	_, err := a.FetchQuote(context.Background(), "ETH", "")
	assert.Equal(t, quotes.KindValidation, quotes.KindOf(err))
}

func TestAlphaVantageQuote(t *testing.T) {
	body := `{"Global Quote":{"01. symbol":"AAPL","05. price":"190.5000","06. volume":"52164578","09. change":"1.2500","10. change percent":"0.6604%"}}`
	srv := serve(t, 200, body, nil)
	a := NewAlphaVantage(AlphaVantageConfig{BaseURL: srv.URL}, testClient())

	q, err := a.FetchQuote(context.Background(), "AAPL", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 190.5, q.Price)
	assert.Equal(t, 1.25, q.Change)
	assert.Equal(t, 0.6604, q.ChangePct)
	assert.Equal(t, 52164578.0, q.Volume)
	assert.Equal(t, quotes.AssetEquity, q.AssetClass)
	require.NoError(t, quotes.Validate(q))
}

func TestAlphaVantageThrottleBodies(t *testing.T) {
	// 200 OK with a throttle body is still a rate-limit failure.
	for name, body := range map[string]string{
		"note":        `{"Note":"Thank you for using Alpha Vantage! Our standard API rate limit is 25 requests per day."}`,
		"information": `{"Information":"You have reached the 25 requests/day limit."}`,
	} {
		t.Run(name, func(t *testing.T) {
			srv := serve(t, 200, body, nil)
			a := NewAlphaVantage(AlphaVantageConfig{BaseURL: srv.URL}, testClient())
			_, err := a.FetchQuote(context.Background(), "AAPL", "key-1")
			assert.Equal(t, quotes.KindRateLimited, quotes.KindOf(err))
		})
	}
}

func TestAlphaVantageEmptyQuoteIsBadSymbol(t *testing.T) {
	srv := serve(t, 200, `{"Global Quote":{}}`, nil)
	a := NewAlphaVantage(AlphaVantageConfig{BaseURL: srv.URL}, testClient())

	_, err := a.FetchQuote(context.Background(), "ZZZZZZ", "key-1")
	assert.Equal(t, quotes.KindBadSymbol, quotes.KindOf(err))
}

func TestAlphaVantageMissingKey(t *testing.T) {
	a := NewAlphaVantage(AlphaVantageConfig{BaseURL: "http://unused"}, testClient())
	_, err := a.FetchQuote(context.Background(), "AAPL", "")
	assert.Equal(t, quotes.KindValidation, quotes.KindOf(err))
}

func TestYahooQuote(t *testing.T) {
	body := `{"chart":{"result":[{"meta":{"regularMarketPrice":191.75,"previousClose":190.5,"regularMarketVolume":48123456}}],"error":null}}`
	srv := serve(t, 200, body, nil)
	a := NewYahoo(YahooConfig{BaseURL: srv.URL}, testClient())

	q, err := a.FetchQuote(context.Background(), "AAPL", "")
	require.NoError(t, err)
	assert.Equal(t, 191.75, q.Price)
	assert.InDelta(t, 1.25, q.Change, 0.001)
	assert.InDelta(t, 0.6562, q.ChangePct, 0.001)
	require.NoError(t, quotes.Validate(q))
}

func TestYahooChartError(t *testing.T) {
	body := `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`
	srv := serve(t, 200, body, nil)
	a := NewYahoo(YahooConfig{BaseURL: srv.URL}, testClient())

	_, err := a.FetchQuote(context.Background(), "GONE", "")
	assert.Equal(t, quotes.KindBadSymbol, quotes.KindOf(err))
}

func TestTwelveDataQuote(t *testing.T) {
	body := `{"symbol":"MSFT","close":"415.2600","change":"-2.1400","percent_change":"-0.5127","volume":"18234567"}`
	srv := serve(t, 200, body, nil)
	a := NewTwelveData(TwelveDataConfig{BaseURL: srv.URL}, testClient())

	q, err := a.FetchQuote(context.Background(), "MSFT", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 415.26, q.Price)
	assert.Equal(t, -2.14, q.Change)
	assert.Equal(t, -0.5127, q.ChangePct)
	require.NoError(t, quotes.Validate(q))
}

func TestTwelveDataErrorCodes(t *testing.T) {
	cases := []struct {
		body string
		kind quotes.ErrorKind
	}{
		{`{"code":429,"message":"You have run out of API credits","status":"error"}`, quotes.KindRateLimited},
		{`{"code":400,"message":"symbol not found","status":"error"}`, quotes.KindBadSymbol},
		{`{"code":500,"message":"internal","status":"error"}`, quotes.KindValidation},
	}
	for _, tc := range cases {
		srv := serve(t, 200, tc.body, nil)
		a := NewTwelveData(TwelveDataConfig{BaseURL: srv.URL}, testClient())
		_, err := a.FetchQuote(context.Background(), "MSFT", "key-1")
		assert.Equal(t, tc.kind, quotes.KindOf(err), tc.body)
	}
}

func TestServerErrorIsTransient(t *testing.T) {
	srv := serve(t, 503, `oops`, nil)
	a := NewYahoo(YahooConfig{BaseURL: srv.URL}, testClient())

	_, err := a.FetchQuote(context.Background(), "AAPL", "")
	assert.Equal(t, quotes.KindTransient, quotes.KindOf(err))
}

func TestMalformedPayloadIsValidation(t *testing.T) {
	srv := serve(t, 200, `not json at all`, nil)
	a := NewYahoo(YahooConfig{BaseURL: srv.URL}, testClient())

	_, err := a.FetchQuote(context.Background(), "AAPL", "")
	assert.Equal(t, quotes.KindValidation, quotes.KindOf(err))
}
