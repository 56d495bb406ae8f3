package backfill

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/rodoHasArrived/marketpulse/errs"
	"github.com/rodoHasArrived/marketpulse/internal/schema"
)

const (
	polygonProviderName = "polygon"
	polygonBaseURL      = "https://api.polygon.io"
	polygonAggsLimit    = 50000
)

type polygonAggsResponse struct {
	Ticker  string           `json:"ticker"`
	Status  string           `json:"status"`
	Results []polygonAggsBar `json:"results"`
	NextURL string           `json:"next_url"`
}

type polygonAggsBar struct {
	Open      json.Number `json:"o"`
	High      json.Number `json:"h"`
	Low       json.Number `json:"l"`
	Close     json.Number `json:"c"`
	VWAP      json.Number `json:"vw"`
	Volume    json.Number `json:"v"`
	Timestamp int64       `json:"t"`
	Trades    int64       `json:"n"`
}

// PolygonProvider retrieves daily aggregates from the Polygon REST API.
type PolygonProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// PolygonOption adjusts provider construction.
type PolygonOption func(*PolygonProvider)

// WithPolygonBaseURL overrides the API host, primarily for tests.
func WithPolygonBaseURL(base string) PolygonOption {
	return func(p *PolygonProvider) {
		if trimmed := strings.TrimRight(strings.TrimSpace(base), "/"); trimmed != "" {
			p.baseURL = trimmed
		}
	}
}

// WithPolygonHTTPClient overrides the HTTP client.
func WithPolygonHTTPClient(client *http.Client) PolygonOption {
	return func(p *PolygonProvider) {
		if client != nil {
			p.client = client
		}
	}
}

// NewPolygonProvider constructs a REST provider for the given API key.
func NewPolygonProvider(apiKey string, opts ...PolygonOption) (*PolygonProvider, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errs.New(polygonProviderName, errs.CodeConfiguration,
			errs.WithMessage("api key required"))
	}
	p := &PolygonProvider{
		apiKey:  apiKey,
		baseURL: polygonBaseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Name identifies the provider for queue assignment and rate limiting.
func (p *PolygonProvider) Name() string {
	return polygonProviderName
}

// GetDailyBars fetches daily aggregates for [from, to], following pagination
// until the range is exhausted.
func (p *PolygonProvider) GetDailyBars(ctx context.Context, symbol string, from, to schema.SessionDate) ([]schema.AggregateBar, error) {
	symbol = schema.NormalizeSymbol(symbol)
	if symbol == "" {
		return nil, errs.New(polygonProviderName, errs.CodeValidation,
			errs.WithMessage("symbol required"))
	}
	if to.Before(from) {
		return nil, errs.New(polygonProviderName, errs.CodeValidation,
			errs.WithMessage(fmt.Sprintf("date range inverted: %s after %s", from, to)))
	}

	endpoint := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/1/day/%s/%s?adjusted=true&sort=asc&limit=%d",
		p.baseURL, url.PathEscape(symbol), from, to, polygonAggsLimit)

	var bars []schema.AggregateBar
	for endpoint != "" {
		page, err := p.fetchPage(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		for _, raw := range page.Results {
			bar, err := convertPolygonBar(symbol, raw)
			if err != nil {
				return nil, err
			}
			bars = append(bars, bar)
		}
		endpoint = strings.TrimSpace(page.NextURL)
	}
	return bars, nil
}

func (p *PolygonProvider) fetchPage(ctx context.Context, endpoint string) (polygonAggsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return polygonAggsResponse{}, fmt.Errorf("create aggs request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return polygonAggsResponse{}, fmt.Errorf("request aggs: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter, _ := errs.ParseRetryAfter(resp.Header.Get("Retry-After"))
		return polygonAggsResponse{}, errs.RateLimited(polygonProviderName, retryAfter)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return polygonAggsResponse{}, errs.New(polygonProviderName, errs.CodeAuth,
			errs.WithMessage(fmt.Sprintf("aggs request rejected with status %d", resp.StatusCode)))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return polygonAggsResponse{}, fmt.Errorf("aggs unexpected status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload polygonAggsResponse
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(&payload); err != nil {
		return polygonAggsResponse{}, fmt.Errorf("decode aggs: %w", err)
	}
	return payload, nil
}

func convertPolygonBar(symbol string, raw polygonAggsBar) (schema.AggregateBar, error) {
	open, err := decimal.NewFromString(raw.Open.String())
	if err != nil {
		return schema.AggregateBar{}, fmt.Errorf("decode open for %s: %w", symbol, err)
	}
	high, err := decimal.NewFromString(raw.High.String())
	if err != nil {
		return schema.AggregateBar{}, fmt.Errorf("decode high for %s: %w", symbol, err)
	}
	low, err := decimal.NewFromString(raw.Low.String())
	if err != nil {
		return schema.AggregateBar{}, fmt.Errorf("decode low for %s: %w", symbol, err)
	}
	closePrice, err := decimal.NewFromString(raw.Close.String())
	if err != nil {
		return schema.AggregateBar{}, fmt.Errorf("decode close for %s: %w", symbol, err)
	}
	var vwap decimal.Decimal
	if raw.VWAP.String() != "" {
		if vwap, err = decimal.NewFromString(raw.VWAP.String()); err != nil {
			return schema.AggregateBar{}, fmt.Errorf("decode vwap for %s: %w", symbol, err)
		}
	}
	volume, err := raw.Volume.Float64()
	if err != nil {
		return schema.AggregateBar{}, fmt.Errorf("decode volume for %s: %w", symbol, err)
	}

	start := time.UnixMilli(raw.Timestamp).UTC()
	return schema.AggregateBar{
		Symbol:     symbol,
		StartTime:  start,
		EndTime:    start.Add(24 * time.Hour),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePrice,
		Volume:     int64(volume),
		VWAP:       vwap,
		TradeCount: raw.Trades,
		Timeframe:  schema.TimeframeDay,
		Source:     polygonProviderName,
	}, nil
}
