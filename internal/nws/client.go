// Package nws is a small client for the api.weather.gov gridpoint forecast
// endpoint.
package nws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultBaseURL is the public NWS API.
	DefaultBaseURL = "https://api.weather.gov"

	// Product identifies this service in the User-Agent header.
	Product = "nwsdetailedforecast"

	acceptGeoJSON = "application/geo+json"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects requests after
	// repeated failures.
	ErrCircuitOpen = errors.New("nws circuit breaker open")

	errEmptyGridpoint = errors.New("station and grid must be set")
)

// Forecaster fetches gridpoint forecasts.
type Forecaster interface {
	Forecast(ctx context.Context, station, grid string) (*Forecast, error)
}

// StatusChecker probes the forecast endpoint without interpreting the status.
type StatusChecker interface {
	Status(ctx context.Context, station, grid string) (int, error)
}

// Client talks to api.weather.gov.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root (tests, mirrors).
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLimiter shares a request limiter between clients so every config entry
// draws from one budget.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) {
		c.limiter = l
	}
}

// NewClient creates a client identifying itself with contact, which is the
// api_key of a config entry.
func NewClient(contact string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		userAgent:  UserAgent(contact),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Every(time.Second), 5),
		logger:     logger.Named("nws"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nws-" + contact,
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return c
}

// UserAgent formats the identification string NWS asks clients to send.
func UserAgent(contact string) string {
	if contact == "" {
		return fmt.Sprintf("(%s)", Product)
	}
	return fmt.Sprintf("(%s, %s)", Product, contact)
}

// ForecastURL builds the twice-daily gridpoint forecast URL.
func ForecastURL(baseURL, station, grid string) string {
	return fmt.Sprintf("%s/gridpoints/%s/%s/forecast",
		strings.TrimRight(baseURL, "/"), station, grid)
}

// Forecast fetches and decodes the forecast for a gridpoint. Non-2xx
// responses are returned as *StatusError.
func (c *Client) Forecast(ctx context.Context, station, grid string) (*Forecast, error) {
	if station == "" || grid == "" {
		return nil, errEmptyGridpoint
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait canceled: %w", err)
	}

	endpoint := ForecastURL(c.baseURL, station, grid)

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchForecast(ctx, endpoint)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		return nil, err
	}

	forecast := result.(*Forecast)
	forecast.Station = station
	forecast.Grid = grid
	forecast.FetchedAt = c.now()

	c.logger.Debug("Fetched forecast",
		zap.String("station", station),
		zap.String("grid", grid),
		zap.Int("periods", len(forecast.Periods)))

	return forecast, nil
}

func (c *Client) fetchForecast(ctx context.Context, endpoint string) (*Forecast, error) {
	resp, err := c.do(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, newStatusError(resp, endpoint)
	}

	var doc forecastDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode forecast: %w", err)
	}

	return &doc.Properties, nil
}

// Status issues the forecast request and reports the HTTP status code. Only
// transport failures are errors. The breaker is bypassed so a config-flow
// probe never trips it.
func (c *Client) Status(ctx context.Context, station, grid string) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limit wait canceled: %w", err)
	}

	resp, err := c.do(ctx, ForecastURL(c.baseURL, station, grid))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", acceptGeoJSON)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	return resp, nil
}

func newStatusError(resp *http.Response, endpoint string) *StatusError {
	statusErr := &StatusError{StatusCode: resp.StatusCode, URL: endpoint}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || len(body) == 0 {
		return statusErr
	}

	var problem problemDocument
	if json.Unmarshal(body, &problem) == nil {
		statusErr.Detail = problem.Detail
		if statusErr.Detail == "" {
			statusErr.Detail = problem.Title
		}
	}
	return statusErr
}
