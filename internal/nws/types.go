package nws

import (
	"fmt"
	"time"
)

// QuantitativeValue is the NWS {unitCode, value} pair. Value is nil when the
// forecast office did not publish it.
type QuantitativeValue struct {
	UnitCode string   `json:"unitCode"`
	Value    *float64 `json:"value"`
}

// Period is one twice-daily forecast period ("Tonight", "Tuesday", ...).
type Period struct {
	Number                     int               `json:"number"`
	Name                       string            `json:"name"`
	StartTime                  time.Time         `json:"startTime"`
	EndTime                    time.Time         `json:"endTime"`
	IsDaytime                  bool              `json:"isDaytime"`
	Temperature                *float64          `json:"temperature"`
	TemperatureUnit            string            `json:"temperatureUnit"`
	TemperatureTrend           string            `json:"temperatureTrend,omitempty"`
	ProbabilityOfPrecipitation QuantitativeValue `json:"probabilityOfPrecipitation"`
	Dewpoint                   QuantitativeValue `json:"dewpoint"`
	RelativeHumidity           QuantitativeValue `json:"relativeHumidity"`
	WindSpeed                  string            `json:"windSpeed"`
	WindDirection              string            `json:"windDirection"`
	Icon                       string            `json:"icon"`
	ShortForecast              string            `json:"shortForecast"`
	DetailedForecast           string            `json:"detailedForecast"`
}

// Forecast is the decoded properties object of a gridpoint forecast.
type Forecast struct {
	Station     string            `json:"station"`
	Grid        string            `json:"grid"`
	Units       string            `json:"units"`
	GeneratedAt time.Time         `json:"generatedAt"`
	UpdateTime  time.Time         `json:"updateTime"`
	Elevation   QuantitativeValue `json:"elevation"`
	Periods     []Period          `json:"periods"`

	// FetchedAt is stamped by the client, not the API.
	FetchedAt time.Time `json:"fetchedAt"`
}

// Current returns the first period, which NWS always orders as "now".
func (f *Forecast) Current() (Period, bool) {
	return f.Period(0)
}

// Period returns the period at index i.
func (f *Forecast) Period(i int) (Period, bool) {
	if f == nil || i < 0 || i >= len(f.Periods) {
		return Period{}, false
	}
	return f.Periods[i], true
}

// TwiceDaily returns every period in order.
func (f *Forecast) TwiceDaily() []Period {
	if f == nil {
		return nil
	}
	return f.Periods
}

// forecastDocument is the GeoJSON envelope returned for
// Accept: application/geo+json.
type forecastDocument struct {
	Type       string   `json:"type"`
	Properties Forecast `json:"properties"`
}

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	URL        string
	Detail     string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("nws returned %d for %s: %s", e.StatusCode, e.URL, e.Detail)
	}
	return fmt.Sprintf("nws returned %d for %s", e.StatusCode, e.URL)
}

// problemDocument is the application/problem+json body NWS sends on errors.
type problemDocument struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
}
