package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Provider exposes "give me the last N closed bars for (symbol, timeframe)".
type Provider interface {
	Name() string
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)
}

// ClientConfig holds per-provider HTTP settings.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	UserAgent      string        `yaml:"user_agent"`
}

func (c *ClientConfig) applyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 3 * time.Second
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 2.0
	}
	if c.UserAgent == "" {
		c.UserAgent = "PaperLoop/1.0"
	}
}

// restClient wraps one provider endpoint with a token-bucket rate limiter
// and a circuit breaker. An open breaker surfaces as a provider failure so
// the cooldown layer can route around it.
type restClient struct {
	name       string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	userAgent  string
}

func newRESTClient(name string, cfg ClientConfig) *restClient {
	cfg.applyDefaults()
	return &restClient{
		name: name,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 2),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		userAgent: cfg.UserAgent,
	}
}

// getJSON performs one guarded GET. Errors are classified into the failure
// kinds the cooldown backoff curves understand.
func (c *restClient) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Provider: c.name, Kind: ErrTimeout, Message: err.Error()}
	}

	body, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &ProviderError{Provider: c.name, Kind: ErrHTTP, Message: err.Error()}
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			kind := ErrHTTP
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				kind = ErrTimeout
			}
			return nil, &ProviderError{Provider: c.name, Kind: kind, Message: err.Error()}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, &ProviderError{Provider: c.name, Kind: ErrHTTP, Message: err.Error()}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, &ProviderError{Provider: c.name, Kind: ErrRateLimited, StatusCode: resp.StatusCode, Message: "rate limited"}
		case resp.StatusCode == http.StatusForbidden:
			return nil, &ProviderError{Provider: c.name, Kind: ErrForbidden, StatusCode: resp.StatusCode, Message: "forbidden"}
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, &ProviderError{Provider: c.name, Kind: ErrHTTP, StatusCode: resp.StatusCode, Message: string(data)}
		}
		return data, nil
	})
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			return nil, pe
		}
		// gobreaker's own open/too-many-requests errors land here.
		return nil, &ProviderError{Provider: c.name, Kind: ErrHTTP, Message: err.Error()}
	}
	return body.([]byte), nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

// --- Binance ---

// BinanceClient reads public spot/perp klines. Fields are positional arrays
// ordered oldest to newest.
type BinanceClient struct {
	rest *restClient
	base string
}

func NewBinanceClient(cfg ClientConfig) *BinanceClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.binance.com"
	}
	return &BinanceClient{rest: newRESTClient("binance", cfg), base: cfg.BaseURL}
}

func (c *BinanceClient) Name() string { return "binance" }

func (c *BinanceClient) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", timeframe)
	q.Set("limit", strconv.Itoa(limit))

	data, err := c.rest.getJSON(ctx, fmt.Sprintf("%s/api/v3/klines?%s", c.base, q.Encode()))
	if err != nil {
		return nil, err
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformed, Message: err.Error()}
	}

	bars := make([]Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformed, Message: "short kline row"}
		}
		var openMs int64
		if err := json.Unmarshal(row[0], &openMs); err != nil {
			return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformed, Message: err.Error()}
		}
		bar := Bar{TS: time.UnixMilli(openMs).UTC()}
		fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		for i, dst := range fields {
			var s string
			if err := json.Unmarshal(row[i+1], &s); err != nil {
				return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformed, Message: err.Error()}
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformed, Message: err.Error()}
			}
			*dst = v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// --- Bybit ---

// BybitClient reads v5 linear-perp klines. Rows come newest first and use
// minute-denominated intervals.
type BybitClient struct {
	rest *restClient
	base string
}

func NewBybitClient(cfg ClientConfig) *BybitClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.bybit.com"
	}
	return &BybitClient{rest: newRESTClient("bybit", cfg), base: cfg.BaseURL}
}

func (c *BybitClient) Name() string { return "bybit" }

func bybitInterval(timeframe string) (string, error) {
	secs, err := TimeframeSeconds(timeframe)
	if err != nil {
		return "", err
	}
	if secs == 86400 {
		return "D", nil
	}
	return strconv.FormatInt(secs/60, 10), nil
}

func (c *BybitClient) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	interval, err := bybitInterval(timeframe)
	if err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformed, Message: err.Error()}
	}

	q := url.Values{}
	q.Set("category", "linear")
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("limit", strconv.Itoa(limit))

	data, err := c.rest.getJSON(ctx, fmt.Sprintf("%s/v5/market/kline?%s", c.base, q.Encode()))
	if err != nil {
		return nil, err
	}

	var payload struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List [][]string `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformed, Message: err.Error()}
	}
	if payload.RetCode != 0 {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrHTTP, Message: fmt.Sprintf("retCode %d", payload.RetCode)}
	}

	bars, err := parseStringRows(c.Name(), payload.Result.List)
	if err != nil {
		return nil, err
	}
	reverseBars(bars)
	return bars, nil
}

// --- OKX ---

// OKXClient reads perp-swap candles. Rows come newest first; instrument IDs
// are dash-delimited with a SWAP suffix.
type OKXClient struct {
	rest *restClient
	base string
}

func NewOKXClient(cfg ClientConfig) *OKXClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.okx.com"
	}
	return &OKXClient{rest: newRESTClient("okx", cfg), base: cfg.BaseURL}
}

func (c *OKXClient) Name() string { return "okx" }

func okxInstID(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return fmt.Sprintf("%s-%s-SWAP", symbol[:len(symbol)-len(quote)], quote)
		}
	}
	return symbol
}

func okxBar(timeframe string) string {
	// OKX uses uppercase hour/day suffixes: 15m, 1H, 4H, 1D.
	if strings.HasSuffix(timeframe, "h") || strings.HasSuffix(timeframe, "d") {
		return timeframe[:len(timeframe)-1] + strings.ToUpper(timeframe[len(timeframe)-1:])
	}
	return timeframe
}

func (c *OKXClient) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	q := url.Values{}
	q.Set("instId", okxInstID(symbol))
	q.Set("bar", okxBar(timeframe))
	q.Set("limit", strconv.Itoa(limit))

	data, err := c.rest.getJSON(ctx, fmt.Sprintf("%s/api/v5/market/candles?%s", c.base, q.Encode()))
	if err != nil {
		return nil, err
	}

	var payload struct {
		Code string     `json:"code"`
		Data [][]string `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrMalformed, Message: err.Error()}
	}
	if payload.Code != "0" {
		return nil, &ProviderError{Provider: c.Name(), Kind: ErrHTTP, Message: fmt.Sprintf("code %s", payload.Code)}
	}

	bars, err := parseStringRows(c.Name(), payload.Data)
	if err != nil {
		return nil, err
	}
	reverseBars(bars)
	return bars, nil
}

// parseStringRows decodes [ts, o, h, l, c, vol, ...] rows of strings.
func parseStringRows(provider string, rows [][]string) ([]Bar, error) {
	bars := make([]Bar, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			return nil, &ProviderError{Provider: provider, Kind: ErrMalformed, Message: "short candle row"}
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, &ProviderError{Provider: provider, Kind: ErrMalformed, Message: err.Error()}
		}
		bar := Bar{TS: time.UnixMilli(ms).UTC()}
		fields := []*float64{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume}
		for i, dst := range fields {
			v, err := strconv.ParseFloat(row[i+1], 64)
			if err != nil {
				return nil, &ProviderError{Provider: provider, Kind: ErrMalformed, Message: err.Error()}
			}
			*dst = v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func reverseBars(bars []Bar) {
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
}
