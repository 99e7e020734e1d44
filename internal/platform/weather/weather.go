// Package weather registers the Weather platform: a single weather entity
// with the twice-daily forecast.
package weather

import (
	"nwsdetailedforecast/internal/entity"
	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/platform"
)

func init() {
	if err := platform.Register(platform.Info{
		Name:        entry.PlatformWeather,
		Description: "Weather entity with twice-daily forecast",
		Priority:    platform.PriorityDefault,
		Factory:     New,
		Order:       20,
	}); err != nil {
		panic(err)
	}
}

// New builds the weather platform for the entry in ctx.
func New(ctx *platform.Context) (platform.Platform, error) {
	w := entity.NewWeather(ctx.Entry.UniqueID, ctx.Options, ctx.Daylight)
	return platform.NewEntityPlatform(entry.PlatformWeather, ctx, []entity.Entity{w}), nil
}
