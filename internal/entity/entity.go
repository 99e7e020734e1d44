// Package entity turns a cached NWS forecast into Home Assistant entity
// states: one sensor per monitored condition and period, and a weather
// entity with the twice-daily forecast.
package entity

import (
	"reflect"
	"strconv"
	"time"

	"nwsdetailedforecast/internal/nws"
)

const (
	// Attribution is attached to every entity.
	Attribution = "Powered by the National Weather Service"

	StateUnknown     = "unknown"
	StateUnavailable = "unavailable"
)

// State is an entity state as Home Assistant stores it.
type State struct {
	EntityID   string                 `json:"entity_id"`
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Equal reports whether two states would render the same in Home Assistant.
func (s State) Equal(other State) bool {
	return s.EntityID == other.EntityID &&
		s.State == other.State &&
		reflect.DeepEqual(s.Attributes, other.Attributes)
}

// Entity renders its state from the coordinator's forecast. A nil forecast
// means the coordinator holds no data yet.
type Entity interface {
	EntityID() string
	UniqueID() string
	Name() string
	Render(forecast *nws.Forecast, now time.Time) State
}

// formatState renders a native value as a state string.
func formatState(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return StateUnknown
	case string:
		if v == "" {
			return StateUnknown
		}
		return v
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		if v.IsZero() {
			return StateUnknown
		}
		return v.Format(time.RFC3339)
	default:
		return StateUnknown
	}
}

func baseAttributes(name string) map[string]interface{} {
	return map[string]interface{}{
		"attribution":   Attribution,
		"friendly_name": name,
	}
}
