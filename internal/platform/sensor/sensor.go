// Package sensor registers the Sensor platform: one Home Assistant sensor per
// monitored condition and selected forecast period.
package sensor

import (
	"nwsdetailedforecast/internal/entity"
	"nwsdetailedforecast/internal/entry"
	"nwsdetailedforecast/internal/platform"
)

func init() {
	if err := platform.Register(platform.Info{
		Name:        entry.PlatformSensor,
		Description: "Forecast sensors per monitored condition and period",
		Priority:    platform.PriorityDefault,
		Factory:     New,
		Order:       10,
	}); err != nil {
		panic(err)
	}
}

// New builds the sensor platform for the entry in ctx.
func New(ctx *platform.Context) (platform.Platform, error) {
	sensors := entity.BuildSensors(ctx.Entry.UniqueID, ctx.Options)

	entities := make([]entity.Entity, len(sensors))
	for i, s := range sensors {
		entities[i] = s
	}
	return platform.NewEntityPlatform(entry.PlatformSensor, ctx, entities), nil
}
