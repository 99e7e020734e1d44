// Package sun decides day or night for a location from computed sunrise and
// sunset times.
package sun

import (
	"sync"
	"time"

	"github.com/nathan-osman/go-sunrise"
	"go.uber.org/zap"
)

// Times are the sun events of one calendar day.
type Times struct {
	Dawn    time.Time
	Sunrise time.Time
	Sunset  time.Time
	Dusk    time.Time
}

// Calculator computes sun times for a fixed location. Results are cached per
// UTC calendar day.
type Calculator struct {
	latitude  float64
	longitude float64
	logger    *zap.Logger

	mu    sync.Mutex
	cache map[time.Time]Times
}

// NewCalculator creates a calculator for latitude/longitude in degrees.
func NewCalculator(latitude, longitude float64, logger *zap.Logger) *Calculator {
	return &Calculator{
		latitude:  latitude,
		longitude: longitude,
		logger:    logger.Named("sun"),
		cache:     make(map[time.Time]Times),
	}
}

// TimesFor returns the sun events for the UTC day containing t.
func (c *Calculator) TimesFor(t time.Time) Times {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)

	c.mu.Lock()
	defer c.mu.Unlock()

	if times, ok := c.cache[day]; ok {
		return times
	}

	if len(c.cache) > 8 {
		c.cache = make(map[time.Time]Times)
	}

	rise, set := sunrise.SunriseSunset(c.latitude, c.longitude, day.Year(), day.Month(), day.Day())
	times := Times{
		// Civil twilight is roughly half an hour either side.
		Dawn:    rise.Add(-30 * time.Minute),
		Sunrise: rise,
		Sunset:  set,
		Dusk:    set.Add(30 * time.Minute),
	}
	c.cache[day] = times

	c.logger.Debug("Sun times updated",
		zap.Time("day", day),
		zap.Time("sunrise", rise),
		zap.Time("sunset", set))

	return times
}

// IsDaylight reports whether t falls between a sunrise and the following
// sunset. Polar day and night, where no sunrise is computed, count as night.
func (c *Calculator) IsDaylight(t time.Time) bool {
	// The local day can straddle UTC midnight, so neighbouring days count too.
	for _, offset := range []int{-1, 0, 1} {
		times := c.TimesFor(t.AddDate(0, 0, offset))
		if times.Sunrise.IsZero() || times.Sunset.IsZero() {
			continue
		}
		if !t.Before(times.Sunrise) && t.Before(times.Sunset) {
			return true
		}
	}
	return false
}
