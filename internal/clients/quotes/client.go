// Package quotes fetches monthly index closes from a Yahoo-compatible chart API.
package quotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/cache"
	"github.com/marginscope/marginscope/internal/domain"
)

// Index symbols used by the analysis pipeline.
const (
	SymbolSP500 = "^GSPC"
	SymbolVIX   = "^VIX"
)

const maxRetries = 3

// Client for the Yahoo Finance chart API.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
	store   *cache.Store
}

// NewClient creates a new chart API client.
// store is optional - if nil, caching is disabled.
func NewClient(baseURL string, store *cache.Store, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "quotes").Logger(),
		store:   store,
	}
}

// cachedCloses is the structure stored in the cache.
type cachedCloses struct {
	Dates  []int64   `msgpack:"dates"`
	Values []float64 `msgpack:"values"`
}

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error interface{} `json:"error"`
	} `json:"chart"`
}

// MonthlyCloses fetches month-end closes for symbol over [start, end] and
// returns them keyed to the first day of each month. If the API fails, stale
// cached data is returned when available.
func (c *Client) MonthlyCloses(ctx context.Context, symbol string, start, end time.Time) (*domain.Series, error) {
	cacheKey := cache.Key("quotes", symbol, start.Format("2006-01-02"), end.Format("2006-01-02"))

	if c.store != nil {
		var cached cachedCloses
		if ok, err := c.store.Get(cacheKey, &cached); err == nil && ok {
			c.log.Debug().Str("symbol", symbol).Int("points", len(cached.Dates)).Msg("Cache hit")
			return seriesFromCached(cached), nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		series, err := c.fetchChart(ctx, symbol, start, end)
		if err == nil {
			c.cacheCloses(cacheKey, symbol, series)
			c.log.Info().Str("symbol", symbol).Int("points", series.Len()).Msg("Fetched monthly closes")
			return series, nil
		}
		lastErr = err
		if attempt < maxRetries-1 {
			waitTime := time.Duration(1<<uint(attempt)) * time.Second
			c.log.Warn().Err(err).
				Str("symbol", symbol).
				Int("attempt", attempt+1).
				Dur("wait", waitTime).
				Msg("Fetch failed, retrying")
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return nil, &domain.DataSourceError{Source: "quotes", Err: ctx.Err()}
			}
		}
	}

	// API failed - stale data is better than no data.
	if c.store != nil {
		var cached cachedCloses
		if ok, err := c.store.GetStale(cacheKey, &cached); err == nil && ok {
			c.log.Warn().Err(lastErr).
				Str("symbol", symbol).
				Msg("API failed, using stale cached closes")
			return seriesFromCached(cached), nil
		}
	}
	return nil, &domain.DataSourceError{
		Source: "quotes",
		Err:    fmt.Errorf("symbol %s failed after %d attempts: %w", symbol, maxRetries, lastErr),
	}
}

func (c *Client) fetchChart(ctx context.Context, symbol string, start, end time.Time) (*domain.Series, error) {
	params := url.Values{}
	params.Add("interval", "1mo")
	params.Add("period1", fmt.Sprintf("%d", start.Unix()))
	params.Add("period2", fmt.Sprintf("%d", end.Unix()))

	reqURL := c.baseURL + "/v8/finance/chart/" + url.QueryEscape(symbol) + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("chart API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result chartResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Chart.Error != nil {
		return nil, fmt.Errorf("chart API error: %v", result.Chart.Error)
	}
	if len(result.Chart.Result) == 0 || len(result.Chart.Result[0].Indicators.Quote) == 0 {
		return nil, fmt.Errorf("no chart data returned for %s", symbol)
	}

	chartData := result.Chart.Result[0]
	closes := chartData.Indicators.Quote[0].Close

	points := make([]domain.Point, 0, len(chartData.Timestamp))
	for i, ts := range chartData.Timestamp {
		if i >= len(closes) || closes[i] == 0 {
			continue
		}
		// Chart timestamps land on the first trading moment of the month;
		// normalize to calendar month start so sources align.
		date := time.Unix(ts, 0).UTC()
		points = append(points, domain.Point{
			Time:  time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC),
			Value: closes[i],
		})
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("no usable closes returned for %s", symbol)
	}
	return domain.NewSeries(points), nil
}

func (c *Client) cacheCloses(key, symbol string, series *domain.Series) {
	if c.store == nil {
		return
	}
	times := series.Times()
	dates := make([]int64, len(times))
	for i, t := range times {
		dates[i] = t.Unix()
	}
	cached := cachedCloses{Dates: dates, Values: series.Values()}
	if err := c.store.Set(key, cached, cache.TTLQuotes); err != nil {
		c.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache closes")
	}
}

func seriesFromCached(cached cachedCloses) *domain.Series {
	points := make([]domain.Point, len(cached.Dates))
	for i, unix := range cached.Dates {
		points[i] = domain.Point{Time: time.Unix(unix, 0).UTC(), Value: cached.Values[i]}
	}
	return domain.NewSeries(points)
}
