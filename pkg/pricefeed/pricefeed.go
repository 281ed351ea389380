// Package pricefeed provides a client for the Pyth Hermes price service.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/dca-watcher/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-watcher/pkg/config"
	"github.com/speedrun-hq/dca-watcher/pkg/logger"
	"github.com/speedrun-hq/dca-watcher/pkg/metrics"
	"golang.org/x/time/rate"
)

const (
	requestTimeout = 10 * time.Second

	// Hermes allows 30 requests per 10 seconds per IP
	requestsPerSecond = 3
	requestBurst      = 3
)

// ErrFeedUnavailable is returned for symbols without a configured price feed
var ErrFeedUnavailable = errors.New("price feed not available")

// feedIDs maps feed symbols to Pyth price feed IDs
var feedIDs = map[string]string{
	"ETH":  "0xff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace",
	"BTC":  "0xe62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43",
	"USDC": "0xeaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a",
	"USDT": "0x2b89b9dc8fdf9f34709a5b106b472f0f39bb6ca5f0d8e17f72c9afdc3afe9f8c",
	"DAI":  "0xb0948a5e5313200c632b51bb5ca32f6de0d36e9950a942d19751e833f70dabfd",
}

// wrapped assets priced by their underlying feed
var symbolAliases = map[string]string{
	"WETH":  "ETH",
	"CBBTC": "BTC",
}

// PriceData is a normalized oracle price
type PriceData struct {
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"confidence"`
	PublishTime time.Time       `json:"publishTime"`
}

// hermesResponse is the subset of /v2/updates/price/latest we read
type hermesResponse struct {
	Parsed []struct {
		ID    string      `json:"id"`
		Price hermesPrice `json:"price"`
	} `json:"parsed"`
}

type hermesPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

// Client fetches USD prices with a short per-symbol cache
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *PriceCache
	breaker    *circuitbreaker.Breaker
	limiter    *rate.Limiter
	logger     logger.Logger
}

// New creates a price feed client. The breaker may be nil.
func New(cfg config.PriceFeedConfig, breaker *circuitbreaker.Breaker, log logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{Timeout: requestTimeout},
		cache:      NewPriceCache(cfg.CacheTTL),
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
		logger:     log,
	}
}

// FeedSymbol maps a token symbol to the symbol of the feed that prices it
func FeedSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	if alias, ok := symbolAliases[s]; ok {
		return alias
	}
	return s
}

// IsSupported reports whether a token symbol can be priced
func IsSupported(symbol string) bool {
	_, ok := feedIDs[FeedSymbol(symbol)]
	return ok
}

// SupportedTokens returns the feed symbols with a configured price feed
func (c *Client) SupportedTokens() []string {
	symbols := make([]string, 0, len(feedIDs))
	for s := range feedIDs {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	return symbols
}

// ClearCache drops every cached price
func (c *Client) ClearCache() {
	c.cache.Clear()
	c.logger.Info("Price cache cleared")
}

// GetPrice returns the latest price of a symbol, served from cache when fresh
func (c *Client) GetPrice(ctx context.Context, symbol string) (PriceData, error) {
	feedSymbol := FeedSymbol(symbol)

	if cached, ok := c.cache.Get(feedSymbol); ok {
		metrics.OracleRequests.WithLabelValues(feedSymbol, "cache_hit").Inc()
		return cached, nil
	}

	id, ok := feedIDs[feedSymbol]
	if !ok {
		return PriceData{}, fmt.Errorf("%w for %s", ErrFeedUnavailable, symbol)
	}

	c.logger.Debug("Fetching price for %s (feed %s)", feedSymbol, id)

	var data PriceData
	fetch := func() error {
		var err error
		data, err = c.fetch(ctx, symbol, id)
		return err
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		metrics.OracleRequests.WithLabelValues(feedSymbol, "error").Inc()
		return PriceData{}, fmt.Errorf("failed to get price for %s: %w", symbol, err)
	}

	metrics.OracleRequests.WithLabelValues(feedSymbol, "fetched").Inc()
	c.cache.Set(feedSymbol, data)
	c.logger.Debug("Retrieved price for %s: %s (conf %s)", feedSymbol, data.Price, data.Confidence)
	return data, nil
}

// GetPriceInUSD returns only the price of a symbol
func (c *Client) GetPriceInUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	data, err := c.GetPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return data.Price, nil
}

// ConvertToUSD values a human-readable token amount in USD
func (c *Client) ConvertToUSD(ctx context.Context, symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	price, err := c.GetPriceInUSD(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(price), nil
}

func (c *Client) fetch(ctx context.Context, symbol, id string) (PriceData, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return PriceData{}, fmt.Errorf("rate limiter: %w", err)
	}

	query := url.Values{}
	query.Add("ids[]", id)
	query.Set("parsed", "true")
	endpoint := c.baseURL + "/v2/updates/price/latest?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PriceData{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return PriceData{}, fmt.Errorf("request failed: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("Failed to close response body: %v", err)
		}
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PriceData{}, fmt.Errorf("failed to read response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		return PriceData{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, string(body))
	}

	var parsed hermesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return PriceData{}, fmt.Errorf("failed to decode price update: %v", err)
	}
	if len(parsed.Parsed) == 0 {
		return PriceData{}, fmt.Errorf("no price data received for %s", symbol)
	}

	return normalize(symbol, parsed.Parsed[0].Price)
}

// normalize converts a Pyth fixed-point price (value * 10^expo) to a decimal
func normalize(symbol string, p hermesPrice) (PriceData, error) {
	value, err := decimal.NewFromString(p.Price)
	if err != nil || !value.IsPositive() {
		return PriceData{}, fmt.Errorf("invalid price data for %s", symbol)
	}
	conf := decimal.Zero
	if p.Conf != "" {
		if conf, err = decimal.NewFromString(p.Conf); err != nil {
			return PriceData{}, fmt.Errorf("invalid confidence for %s", symbol)
		}
	}

	publish := time.Now()
	if p.PublishTime > 0 {
		publish = time.Unix(p.PublishTime, 0)
	}

	return PriceData{
		Price:       value.Shift(p.Expo),
		Confidence:  conf.Shift(p.Expo),
		PublishTime: publish,
	}, nil
}
