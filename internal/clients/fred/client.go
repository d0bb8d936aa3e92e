// Package fred fetches macro series from the FRED observations API.
package fred

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/cache"
	"github.com/marginscope/marginscope/internal/domain"
)

// FRED series identifiers used by the analysis pipeline.
const (
	SeriesM2       = "M2SL"
	SeriesFedFunds = "DFF"
)

const (
	defaultBaseURL = "https://api.stlouisfed.org/fred"
	maxRetries     = 3
)

// Client for the FRED observations API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
	store   *cache.Store
}

// NewClient creates a new FRED client.
// store is optional - if nil, caching is disabled.
func NewClient(apiKey string, store *cache.Store, log zerolog.Logger) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "fred").Logger(),
		store:   store,
	}
}

// cachedSeries is the structure stored in the cache.
type cachedSeries struct {
	Dates  []int64   `msgpack:"dates"`
	Values []float64 `msgpack:"values"`
}

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
}

// FetchSeries fetches monthly observations for a FRED series over [start, end].
// FRED reports missing observations as ".", which become NaN values in the
// returned series. If the API fails, stale cached data is returned when
// available.
func (c *Client) FetchSeries(ctx context.Context, seriesID string, start, end time.Time) (*domain.Series, error) {
	if c.apiKey == "" {
		return nil, &domain.DataSourceError{Source: "fred", Err: fmt.Errorf("no API key configured")}
	}

	cacheKey := cache.Key("fred", seriesID, start.Format("2006-01-02"), end.Format("2006-01-02"))

	if c.store != nil {
		var cached cachedSeries
		if ok, err := c.store.Get(cacheKey, &cached); err == nil && ok {
			c.log.Debug().Str("series", seriesID).Int("points", len(cached.Dates)).Msg("Cache hit")
			return seriesFromCached(cached), nil
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		series, err := c.fetchObservations(ctx, seriesID, start, end)
		if err == nil {
			c.cacheSeries(cacheKey, seriesID, series)
			c.log.Info().Str("series", seriesID).Int("points", series.Len()).Msg("Fetched series")
			return series, nil
		}
		lastErr = err
		if attempt < maxRetries-1 {
			waitTime := time.Duration(1<<uint(attempt)) * time.Second
			c.log.Warn().Err(err).
				Str("series", seriesID).
				Int("attempt", attempt+1).
				Dur("wait", waitTime).
				Msg("Fetch failed, retrying")
			select {
			case <-time.After(waitTime):
			case <-ctx.Done():
				return nil, &domain.DataSourceError{Source: "fred", Err: ctx.Err()}
			}
		}
	}

	// API failed - stale data is better than no data.
	if c.store != nil {
		var cached cachedSeries
		if ok, err := c.store.GetStale(cacheKey, &cached); err == nil && ok {
			c.log.Warn().Err(lastErr).
				Str("series", seriesID).
				Msg("API failed, using stale cached series")
			return seriesFromCached(cached), nil
		}
	}
	return nil, &domain.DataSourceError{
		Source: "fred",
		Err:    fmt.Errorf("series %s failed after %d attempts: %w", seriesID, maxRetries, lastErr),
	}
}

func (c *Client) fetchObservations(ctx context.Context, seriesID string, start, end time.Time) (*domain.Series, error) {
	params := url.Values{}
	params.Add("series_id", seriesID)
	params.Add("api_key", c.apiKey)
	params.Add("file_type", "json")
	params.Add("frequency", "m")
	params.Add("observation_start", start.Format("2006-01-02"))
	params.Add("observation_end", end.Format("2006-01-02"))

	reqURL := c.baseURL + "/series/observations?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("FRED API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result observationsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(result.Observations) == 0 {
		return nil, fmt.Errorf("no observations returned for %s", seriesID)
	}

	points := make([]domain.Point, 0, len(result.Observations))
	for _, obs := range result.Observations {
		date, err := time.ParseInLocation("2006-01-02", obs.Date, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("bad observation date %q: %w", obs.Date, err)
		}
		value := math.NaN()
		if obs.Value != "" && obs.Value != "." {
			parsed, err := strconv.ParseFloat(obs.Value, 64)
			if err != nil {
				c.log.Warn().
					Str("series", seriesID).
					Str("date", obs.Date).
					Str("value", obs.Value).
					Msg("Unparseable observation, treating as absent")
			} else {
				value = parsed
			}
		}
		points = append(points, domain.Point{
			Time:  time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, time.UTC),
			Value: value,
		})
	}
	return domain.NewSeries(points), nil
}

func (c *Client) cacheSeries(key, seriesID string, series *domain.Series) {
	if c.store == nil {
		return
	}
	times := series.Times()
	dates := make([]int64, len(times))
	for i, t := range times {
		dates[i] = t.Unix()
	}
	cached := cachedSeries{Dates: dates, Values: series.Values()}
	if err := c.store.Set(key, cached, cache.TTLSourceSeries); err != nil {
		c.log.Warn().Err(err).Str("series", seriesID).Msg("Failed to cache series")
	}
}

func seriesFromCached(cached cachedSeries) *domain.Series {
	points := make([]domain.Point, len(cached.Dates))
	for i, unix := range cached.Dates {
		points[i] = domain.Point{Time: time.Unix(unix, 0).UTC(), Value: cached.Values[i]}
	}
	return domain.NewSeries(points)
}
