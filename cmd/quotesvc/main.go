package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"marketdata/internal/adapters"
	"marketdata/internal/breaker"
	"marketdata/internal/cache"
	"marketdata/internal/config"
	"marketdata/internal/httpx"
	"marketdata/internal/keyring"
	"marketdata/internal/observ"
	"marketdata/internal/orchestrator"
	"marketdata/internal/quotes"
	"marketdata/internal/ratelimit"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml (defaults applied when empty)")
		listenAddr = flag.String("addr", "", "listen address override")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if *listenAddr != "" {
		cfg.Server.Addr = *listenAddr
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
		log.Fatalf("cache dir: %v", err)
	}

	orch, tiered := build(cfg)
	tiered.StartSweeper(time.Duration(cfg.Cache.SweepIntervalSeconds) * time.Second)
	defer tiered.StopSweeper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/quote", handleQuote(orch, cfg))
	mux.HandleFunc("GET /v1/quotes", handleQuotes(orch, cfg))
	mux.HandleFunc("POST /v1/invalidate", handleInvalidate(orch))
	mux.HandleFunc("GET /v1/stats", handleStats(orch))
	mux.Handle("GET /healthz", observ.Health())
	mux.Handle("GET /metrics", observ.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		observ.Log("server_started", map[string]any{"addr": cfg.Server.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	<-ctx.Done()
	observ.Log("server_stopping", nil)
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// build wires the acquisition stack from configuration.
func build(cfg config.Root) (*orchestrator.Orchestrator, *cache.Tiered) {
	client := httpx.New(10 * time.Second)

	byName := map[string]adapters.Adapter{
		"coingecko": adapters.NewCoinGecko(adapters.CoinGeckoConfig{
			BaseURL: cfg.Providers["coingecko"].BaseURL,
			IDs:     cfg.Symbols.CoinGeckoIDs,
		}, client),
		"coinpaprika": adapters.NewCoinPaprika(adapters.CoinPaprikaConfig{
			BaseURL: cfg.Providers["coinpaprika"].BaseURL,
			IDs:     cfg.Symbols.CoinPaprikaIDs,
		}, client),
		"alphavantage": adapters.NewAlphaVantage(adapters.AlphaVantageConfig{
			BaseURL: cfg.Providers["alphavantage"].BaseURL,
		}, client),
		"yahoo": adapters.NewYahoo(adapters.YahooConfig{
			BaseURL: cfg.Providers["yahoo"].BaseURL,
		}, client),
		"twelvedata": adapters.NewTwelveData(adapters.TwelveDataConfig{
			BaseURL: cfg.Providers["twelvedata"].BaseURL,
		}, client),
	}

	cascade := func(names []string) []adapters.Adapter {
		var out []adapters.Adapter
		for _, name := range names {
			p, ok := cfg.Providers[name]
			if !ok || !p.IsEnabled() {
				continue
			}
			a, ok := byName[name]
			if !ok {
				continue
			}
			if a.RequiresCredential() && len(p.APIKeys) == 0 {
				observ.Log("provider_disabled", map[string]any{
					"provider": name,
					"reason":   "no api keys configured",
				})
				continue
			}
			out = append(out, a)
		}
		return out
	}

	rings := map[string]*keyring.Ring{}
	for name, p := range cfg.Providers {
		if len(p.APIKeys) > 0 {
			rings[name] = keyring.New(name, p.APIKeys, p.DailyQuota, nil)
		}
	}

	ttl := cache.DefaultTTLPolicy()
	tiered := cache.New(cache.NewStore(cfg.Cache.Path))

	orch := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Cascades: map[quotes.AssetClass][]adapters.Adapter{
			quotes.AssetCrypto: cascade(cfg.Cascades.Crypto),
			quotes.AssetEquity: cascade(cfg.Cascades.Equity),
		},
		Breakers: breaker.NewRegistry(cfg.Breaker, cfg.BreakerOverrides()),
		Limiter:  ratelimit.New(cfg.RateLimits()),
		Rings:    rings,
		Cache:    tiered,
		TTL:      &ttl,
	})
	return orch, tiered
}

// classOf resolves the asset class: explicit query param first, otherwise
// symbols with a configured crypto id mapping are crypto, the rest equities.
func classOf(r *http.Request, cfg config.Root, symbol string) (quotes.AssetClass, error) {
	switch c := r.URL.Query().Get("class"); c {
	case "":
		if _, ok := cfg.Symbols.CoinGeckoIDs[symbol]; ok {
			return quotes.AssetCrypto, nil
		}
		if _, ok := cfg.Symbols.CoinPaprikaIDs[symbol]; ok {
			return quotes.AssetCrypto, nil
		}
		return quotes.AssetEquity, nil
	case string(quotes.AssetCrypto):
		return quotes.AssetCrypto, nil
	case string(quotes.AssetEquity):
		return quotes.AssetEquity, nil
	default:
		return "", fmt.Errorf("unknown asset class %q", c)
	}
}

func handleQuote(orch *orchestrator.Orchestrator, cfg config.Root) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := quotes.NormalizeSymbol(r.URL.Query().Get("symbol"))
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "missing symbol")
			return
		}
		class, err := classOf(r, cfg, symbol)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		q, err := orch.GetQuote(r.Context(), symbol, class)
		if err != nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

func handleQuotes(orch *orchestrator.Orchestrator, cfg config.Root) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := r.URL.Query().Get("symbols")
		if raw == "" {
			writeError(w, http.StatusBadRequest, "missing symbols")
			return
		}
		var reqs []orchestrator.BatchRequest
		for _, s := range strings.Split(raw, ",") {
			symbol := quotes.NormalizeSymbol(s)
			if symbol == "" {
				continue
			}
			class, err := classOf(r, cfg, symbol)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			reqs = append(reqs, orchestrator.BatchRequest{Symbol: symbol, AssetClass: class})
		}

		out := orch.GetQuotesBatch(r.Context(), reqs)
		writeJSON(w, http.StatusOK, map[string]any{
			"quotes":    out,
			"requested": len(reqs),
			"returned":  len(out),
		})
	}
}

func handleInvalidate(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := quotes.NormalizeSymbol(r.URL.Query().Get("symbol"))
		if symbol == "" {
			writeError(w, http.StatusBadRequest, "missing symbol")
			return
		}
		orch.InvalidateCache(symbol)
		writeJSON(w, http.StatusOK, map[string]string{"invalidated": symbol})
	}
}

func handleStats(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, orch.Stats())
	}
}

func statusFor(err error) int {
	switch quotes.KindOf(err) {
	case quotes.KindBadSymbol:
		return http.StatusNotFound
	case quotes.KindValidation:
		return http.StatusBadGateway
	case quotes.KindExhausted, quotes.KindRateLimited, quotes.KindQuotaExhausted, quotes.KindCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
