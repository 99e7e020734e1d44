package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"nwsdetailedforecast/internal/clock"
	"nwsdetailedforecast/internal/diagnostics"
	"nwsdetailedforecast/internal/entity"
	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/flow"
	"nwsdetailedforecast/internal/ha"
	"nwsdetailedforecast/internal/nws"
	"nwsdetailedforecast/internal/platform"
	"nwsdetailedforecast/internal/platform/sensor"
	"nwsdetailedforecast/internal/platform/weather"
	"nwsdetailedforecast/internal/runtime"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeNWS struct {
	mu      sync.Mutex
	failing bool
}

func (f *fakeNWS) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *fakeNWS) Status(ctx context.Context, station, grid string) (int, error) {
	return http.StatusOK, nil
}

func (f *fakeNWS) Forecast(ctx context.Context, station, grid string) (*nws.Forecast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, &nws.StatusError{StatusCode: http.StatusServiceUnavailable, URL: nws.ForecastURL(nws.DefaultBaseURL, station, grid)}
	}

	temp := 64.0
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return &nws.Forecast{
		Station: station,
		Grid:    grid,
		Periods: []nws.Period{{
			Number: 1, Name: "This Afternoon", StartTime: start, EndTime: start.Add(6 * time.Hour),
			IsDaytime: true, Temperature: &temp, TemperatureUnit: "F",
			WindSpeed: "10 mph", WindDirection: "NW",
			Icon:          "https://api.weather.gov/icons/land/day/rain,40?size=medium",
			ShortForecast: "Chance Rain Showers", DetailedForecast: "A chance of rain showers.",
		}},
	}, nil
}

type testServer struct {
	server  *Server
	store   *entry.Store
	manager *runtime.Manager
	nws     *fakeNWS
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger, _ := zap.NewDevelopment()

	store, err := entry.NewStore(filepath.Join(t.TempDir(), "entries.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := platform.NewRegistry()
	require.NoError(t, registry.Register(platform.Info{Name: entry.PlatformSensor, Factory: sensor.New, Order: 10}))
	require.NoError(t, registry.Register(platform.Info{Name: entry.PlatformWeather, Factory: weather.New, Order: 20}))

	fake := &fakeNWS{}
	client := ha.NewMockClient()
	manager := runtime.NewManager(runtime.Config{
		Store:         store,
		Registry:      registry,
		Writer:        client,
		Notifier:      client,
		Tracker:       diagnostics.NewTracker(5),
		NewForecaster: func(contact string) nws.Forecaster { return fake },
		Clock:         clock.NewMockClock(time.Date(2024, 6, 1, 17, 0, 0, 0, time.UTC)),
		Logger:        logger,
	})
	t.Cleanup(func() { manager.Shutdown() })

	handler := flow.NewHandler(store, func(contact string) nws.StatusChecker { return fake }, "Home", logger)

	return &testServer{
		server:  NewServer(store, handler, manager, logger, 8080),
		store:   store,
		manager: manager,
		nws:     fake,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)
	return w
}

func (ts *testServer) create(t *testing.T, station string) *entry.Entry {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/api/entries", map[string]interface{}{
		"api_key":               "ops@example.com",
		"name":                  "Cabin " + station,
		"stationID":             station,
		"gridCoords":            "96,70",
		"nws_detailed_platform": []string{"Sensor", "Weather"},
		"monitored_conditions":  []string{"temperature", "shortForecast"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var res flow.Result
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Equal(t, flow.ResultCreateEntry, res.Type)
	require.NotNil(t, res.Entry)
	return res.Entry
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var response map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Equal(t, "ok", response["status"])
}

func TestHandleSitemap(t *testing.T) {
	ts := newTestServer(t)

	t.Run("plain text", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/", nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
		assert.Contains(t, w.Body.String(), "/api/entries/{id}/forecast")
	})

	t.Run("html", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		w := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(w, req)

		assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
		assert.True(t, strings.HasPrefix(w.Body.String(), "<!DOCTYPE html>"))
	})

	t.Run("unknown path", func(t *testing.T) {
		w := ts.do(t, http.MethodGet, "/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestCreateEntryLoadsIt(t *testing.T) {
	ts := newTestServer(t)
	e := ts.create(t, "lwx")
	assert.Equal(t, "LWX", e.Data.StationID)

	w := ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp EntryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Status)
	assert.Equal(t, runtime.StateLoaded, resp.Status.State)

	w = ts.do(t, http.MethodGet, "/api/entries", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []EntryResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list, 1)

	w = ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID+"/forecast", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var forecast nws.Forecast
	require.NoError(t, json.NewDecoder(w.Body).Decode(&forecast))
	require.Len(t, forecast.Periods, 1)
	assert.Equal(t, "Chance Rain Showers", forecast.Periods[0].ShortForecast)

	w = ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID+"/entities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var states []entity.State
	require.NoError(t, json.NewDecoder(w.Body).Decode(&states))
	byID := make(map[string]string)
	for _, s := range states {
		byID[s.EntityID] = s.State
	}
	assert.Equal(t, "64", byID["sensor.cabin_lwx_temperature"])
	assert.Equal(t, "rainy", byID["weather.cabin_lwx"])

	w = ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID+"/diagnostics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var diag diagnostics.EntryDiagnostics
	require.NoError(t, json.NewDecoder(w.Body).Decode(&diag))
	assert.Equal(t, 1, diag.Refreshes)
	assert.Equal(t, 0, diag.Failures)
}

func TestCreateEntryRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.create(t, "LWX")

	t.Run("duplicate gridpoint", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/entries", map[string]interface{}{
			"api_key":               "ops@example.com",
			"name":                  "Again",
			"stationID":             "LWX",
			"gridCoords":            "96,70",
			"nws_detailed_platform": []string{"Sensor"},
		})
		assert.Equal(t, http.StatusConflict, w.Code)

		var res flow.Result
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
		assert.Equal(t, "already_configured", res.Reason)
	})

	t.Run("invalid options", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/entries", map[string]interface{}{
			"api_key":               "ops@example.com",
			"name":                  "Bad",
			"stationID":             "BOX",
			"gridCoords":            "96",
			"nws_detailed_platform": []string{"Sensor"},
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)

		var res flow.Result
		require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
		assert.Equal(t, flow.ResultForm, res.Type)
		assert.Contains(t, res.Errors, "gridCoords")
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/entries", strings.NewReader(`{"stationID":`))
		w := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		w := ts.do(t, http.MethodPost, "/api/entries", map[string]interface{}{"station": "LWX"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUpdateOptionsReloads(t *testing.T) {
	ts := newTestServer(t)
	e := ts.create(t, "LWX")

	w := ts.do(t, http.MethodPut, "/api/entries/"+e.EntryID+"/options", map[string]interface{}{
		"units": "si",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID+"/entities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var states []entity.State
	require.NoError(t, json.NewDecoder(w.Body).Decode(&states))
	for _, s := range states {
		if s.EntityID == "sensor.cabin_lwx_temperature" {
			assert.Equal(t, "17.78", s.State)
		}
	}

	w = ts.do(t, http.MethodPut, "/api/entries/missing/options", map[string]interface{}{"units": "si"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodPut, "/api/entries/"+e.EntryID+"/options", map[string]interface{}{"units": "metric"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRefreshAndDelete(t *testing.T) {
	ts := newTestServer(t)
	e := ts.create(t, "LWX")

	w := ts.do(t, http.MethodPost, "/api/entries/"+e.EntryID+"/refresh", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodPost, "/api/entries/missing/refresh", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodDelete, "/api/entries/"+e.EntryID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID+"/diagnostics", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestForecastWhileRetrying(t *testing.T) {
	ts := newTestServer(t)
	ts.nws.setFailing(true)

	e := ts.create(t, "LWX")

	status, err := ts.manager.Status(e.EntryID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StateSetupRetry, status.State)

	w := ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID+"/forecast", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ts.do(t, http.MethodGet, "/api/entries/"+e.EntryID+"/entities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}
