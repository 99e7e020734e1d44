package nws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const forecastFixture = `{
  "type": "Feature",
  "properties": {
    "units": "us",
    "generatedAt": "2024-06-01T15:04:05+00:00",
    "updateTime": "2024-06-01T14:00:00+00:00",
    "elevation": {"unitCode": "wmoUnit:m", "value": 93.87},
    "periods": [
      {
        "number": 1,
        "name": "This Afternoon",
        "startTime": "2024-06-01T13:00:00-04:00",
        "endTime": "2024-06-01T18:00:00-04:00",
        "isDaytime": true,
        "temperature": 84,
        "temperatureUnit": "F",
        "probabilityOfPrecipitation": {"unitCode": "wmoUnit:percent", "value": 20},
        "dewpoint": {"unitCode": "wmoUnit:degC", "value": 17.2222},
        "relativeHumidity": {"unitCode": "wmoUnit:percent", "value": 55},
        "windSpeed": "5 to 10 mph",
        "windDirection": "SW",
        "icon": "https://api.weather.gov/icons/land/day/tsra_sct,20?size=medium",
        "shortForecast": "Slight Chance Showers And Thunderstorms",
        "detailedForecast": "A slight chance of showers and thunderstorms after 4pm."
      },
      {
        "number": 2,
        "name": "Tonight",
        "startTime": "2024-06-01T18:00:00-04:00",
        "endTime": "2024-06-02T06:00:00-04:00",
        "isDaytime": false,
        "temperature": 66,
        "temperatureUnit": "F",
        "probabilityOfPrecipitation": {"unitCode": "wmoUnit:percent", "value": null},
        "dewpoint": {"unitCode": "wmoUnit:degC", "value": 16.1},
        "relativeHumidity": {"unitCode": "wmoUnit:percent", "value": 80},
        "windSpeed": "5 mph",
        "windDirection": "S",
        "icon": "https://api.weather.gov/icons/land/night/few?size=medium",
        "shortForecast": "Mostly Clear",
        "detailedForecast": "Mostly clear, with a low around 66."
      }
    ]
  }
}`

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return NewClient("ops@example.com", logger,
		WithBaseURL(serverURL),
		WithLimiter(rate.NewLimiter(rate.Inf, 1)))
}

func TestClient_Forecast(t *testing.T) {
	var gotPath, gotAgent, gotAccept string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write([]byte(forecastFixture))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	forecast, err := client.Forecast(context.Background(), "LWX", "96,70")
	require.NoError(t, err)

	assert.Equal(t, "/gridpoints/LWX/96,70/forecast", gotPath)
	assert.Equal(t, "(nwsdetailedforecast, ops@example.com)", gotAgent)
	assert.Equal(t, "application/geo+json", gotAccept)

	assert.Equal(t, "LWX", forecast.Station)
	assert.Equal(t, "96,70", forecast.Grid)
	assert.Equal(t, "us", forecast.Units)
	assert.False(t, forecast.FetchedAt.IsZero())
	require.Len(t, forecast.Periods, 2)

	current, ok := forecast.Current()
	require.True(t, ok)
	assert.Equal(t, 1, current.Number)
	assert.Equal(t, "This Afternoon", current.Name)
	require.NotNil(t, current.Temperature)
	assert.Equal(t, 84.0, *current.Temperature)
	assert.Equal(t, "F", current.TemperatureUnit)
	require.NotNil(t, current.Dewpoint.Value)
	assert.InDelta(t, 17.2222, *current.Dewpoint.Value, 0.0001)
	assert.Equal(t, "wmoUnit:degC", current.Dewpoint.UnitCode)
	assert.Equal(t, "SW", current.WindDirection)
	assert.True(t, current.IsDaytime)

	tonight, ok := forecast.Period(1)
	require.True(t, ok)
	assert.Nil(t, tonight.ProbabilityOfPrecipitation.Value)
	assert.Equal(t, time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC), tonight.StartTime.UTC())

	_, ok = forecast.Period(2)
	assert.False(t, ok)
	assert.Len(t, forecast.TwiceDaily(), 2)
}

func TestClient_ForecastStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"title": "Not Found", "detail": "Gridpoint not found"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.Forecast(context.Background(), "XXX", "1,1")
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, "Gridpoint not found", statusErr.Detail)
	assert.Contains(t, err.Error(), "404")
}

func TestClient_ForecastInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	_, err := client.Forecast(context.Background(), "LWX", "96,70")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode forecast")
}

func TestClient_ForecastRequiresGridpoint(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:0")

	_, err := client.Forecast(context.Background(), "", "96,70")
	assert.Error(t, err)
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	for i := 0; i < 5; i++ {
		_, err := client.Forecast(context.Background(), "LWX", "96,70")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}

	_, err := client.Forecast(context.Background(), "LWX", "96,70")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits), "open breaker must not reach the server")
}

func TestClient_Status(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	status, err := client.Status(context.Background(), "LWX", "96,70")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestClient_StatusTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := newTestClient(t, url)

	_, err := client.Status(context.Background(), "LWX", "96,70")
	assert.Error(t, err)
}

func TestForecastURL(t *testing.T) {
	assert.Equal(t,
		"https://api.weather.gov/gridpoints/TOP/31,80/forecast",
		ForecastURL(DefaultBaseURL, "TOP", "31,80"))
	assert.Equal(t,
		"http://localhost/gridpoints/TOP/31,80/forecast",
		ForecastURL("http://localhost/", "TOP", "31,80"))
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, "(nwsdetailedforecast)", UserAgent(""))
	assert.Equal(t, "(nwsdetailedforecast, me@example.com)", UserAgent("me@example.com"))
}
