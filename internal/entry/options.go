package entry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultName         = "NWSDetailedForecast"
	DefaultUnits        = "us"
	DefaultLanguage     = "en"
	DefaultMode         = "twicedaily"
	DefaultScanInterval = Interval(time.Hour)
	MinScanInterval     = Interval(time.Minute)

	PlatformSensor  = "Sensor"
	PlatformWeather = "Weather"

	// MaxPeriods is the number of twice-daily periods NWS publishes.
	MaxPeriods = 14
)

// Platforms lists the selectable entity platforms in setup order.
var Platforms = []string{PlatformSensor, PlatformWeather}

// Options are the user-facing configuration fields of an entry. The same
// shape is used for entry data and for the options that override it.
type Options struct {
	APIKey              string     `json:"api_key" yaml:"api_key" validate:"required"`
	Name                string     `json:"name" yaml:"name" validate:"required"`
	Location            string     `json:"location,omitempty" yaml:"location"`
	Latitude            *float64   `json:"latitude,omitempty" yaml:"latitude" validate:"omitempty,latitude"`
	Longitude           *float64   `json:"longitude,omitempty" yaml:"longitude" validate:"omitempty,longitude"`
	StationID           string     `json:"stationID" yaml:"stationID" validate:"required,alpha,len=3"`
	GridCoords          string     `json:"gridCoords" yaml:"gridCoords" validate:"required,gridcoords"`
	ScanInterval        Interval   `json:"scan_interval" yaml:"scan_interval" validate:"scaninterval"`
	Platforms           []string   `json:"nws_detailed_platform" yaml:"nws_detailed_platform" validate:"required,min=1,unique,dive,oneof=Sensor Weather"`
	TwiceDaily          PeriodList `json:"twicedaily_forecast" yaml:"twicedaily_forecast" validate:"omitempty,unique,dive,gte=0,lt=14"`
	Units               string     `json:"units" yaml:"units" validate:"oneof=si us ca uk uk2"`
	Language            string     `json:"language" yaml:"language" validate:"oneof=en"`
	MonitoredConditions []string   `json:"monitored_conditions,omitempty" yaml:"monitored_conditions" validate:"omitempty,unique,dive,required"`
	Mode                string     `json:"mode" yaml:"mode" validate:"oneof=twicedaily"`

	// ClearCoordinates drops the data's latitude and longitude when set on
	// options. Coordinates given alongside it still apply.
	ClearCoordinates bool `json:"clear_coordinates,omitempty" yaml:"clear_coordinates"`
}

// ApplyDefaults fills every empty field. defaultLocation is the home location
// name configured for the service.
func (o *Options) ApplyDefaults(defaultLocation string) {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Location == "" {
		o.Location = defaultLocation
	}
	if o.ScanInterval == 0 {
		o.ScanInterval = DefaultScanInterval
	}
	if len(o.Platforms) == 0 {
		o.Platforms = []string{PlatformWeather}
	}
	if o.Units == "" {
		o.Units = DefaultUnits
	}
	if o.Language == "" {
		o.Language = DefaultLanguage
	}
	if o.Mode == "" {
		o.Mode = DefaultMode
	}
	o.StationID = strings.ToUpper(strings.TrimSpace(o.StationID))
	o.GridCoords = strings.ReplaceAll(o.GridCoords, " ", "")
}

// HasPlatform reports whether the named platform is selected.
func (o Options) HasPlatform(name string) bool {
	for _, p := range o.Platforms {
		if p == name {
			return true
		}
	}
	return false
}

// merge overlays the non-zero fields of override onto o. A non-nil empty
// list is a value, so it clears the list it overrides.
func (o Options) merge(override Options) Options {
	if override.ClearCoordinates {
		o.Latitude = nil
		o.Longitude = nil
	}
	if override.APIKey != "" {
		o.APIKey = override.APIKey
	}
	if override.Name != "" {
		o.Name = override.Name
	}
	if override.Location != "" {
		o.Location = override.Location
	}
	if override.Latitude != nil {
		o.Latitude = override.Latitude
	}
	if override.Longitude != nil {
		o.Longitude = override.Longitude
	}
	if override.StationID != "" {
		o.StationID = override.StationID
	}
	if override.GridCoords != "" {
		o.GridCoords = override.GridCoords
	}
	if override.ScanInterval != 0 {
		o.ScanInterval = override.ScanInterval
	}
	if override.Platforms != nil {
		o.Platforms = override.Platforms
	}
	if override.TwiceDaily != nil {
		o.TwiceDaily = override.TwiceDaily
	}
	if override.Units != "" {
		o.Units = override.Units
	}
	if override.Language != "" {
		o.Language = override.Language
	}
	if override.MonitoredConditions != nil {
		o.MonitoredConditions = override.MonitoredConditions
	}
	if override.Mode != "" {
		o.Mode = override.Mode
	}
	return o
}

// Interval is a refresh interval. It decodes from a number of seconds, an
// "HH:MM[:SS]" string, or a Go duration string, and encodes as seconds.
type Interval time.Duration

// ParseInterval parses the textual forms accepted by Interval.
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return secondsInterval(secs)
	}

	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return 0, fmt.Errorf("invalid time period %q", s)
		}
		var total time.Duration
		units := []time.Duration{time.Hour, time.Minute, time.Second}
		for i, part := range parts {
			n, err := strconv.Atoi(part)
			if err != nil || n < 0 {
				return 0, fmt.Errorf("invalid time period %q", s)
			}
			total += time.Duration(n) * units[i]
		}
		return Interval(total), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid time period %q: %w", s, err)
	}
	return Interval(d), nil
}

func secondsInterval(secs float64) (Interval, error) {
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("invalid scan interval %v", secs)
	}
	return Interval(time.Duration(secs * float64(time.Second))), nil
}

// Duration returns the interval as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i)
}

// Seconds returns the interval in whole seconds.
func (i Interval) Seconds() int64 {
	return int64(time.Duration(i) / time.Second)
}

func (i Interval) String() string {
	return time.Duration(i).String()
}

func (i Interval) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Seconds())
}

func (i *Interval) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*i = 0
	case float64:
		parsed, err := secondsInterval(v)
		if err != nil {
			return err
		}
		*i = parsed
	case string:
		parsed, err := ParseInterval(v)
		if err != nil {
			return err
		}
		*i = parsed
	default:
		return fmt.Errorf("invalid scan interval %s", string(data))
	}
	return nil
}

func (i Interval) MarshalYAML() (interface{}, error) {
	return i.Seconds(), nil
}

func (i *Interval) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: scan_interval must be a scalar", value.Line)
	}
	parsed, err := ParseInterval(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*i = parsed
	return nil
}

// PeriodList selects forecast periods for per-period sensors. A nil list
// is unset; an empty non-nil list explicitly selects none.
type PeriodList []int

// ParsePeriodList accepts "", "None", "0,1,2" and "[0,1,2]". The empty forms
// return an empty non-nil list.
func ParsePeriodList(s string) (PeriodList, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "None" {
		return PeriodList{}, nil
	}
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return nil, fmt.Errorf("invalid period list %q", s)
		}
		s = strings.TrimSpace(s[1 : len(s)-1])
		if s == "" {
			return PeriodList{}, nil
		}
	}

	parts := strings.Split(s, ",")
	periods := make(PeriodList, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid period %q in %q", part, s)
		}
		periods = append(periods, n)
	}
	return periods, nil
}

// String renders the list the way the options form shows it.
func (p PeriodList) String() string {
	parts := make([]string, len(p))
	for i, n := range p {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func (p *PeriodList) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case nil:
		*p = nil
	case string:
		parsed, err := ParsePeriodList(v)
		if err != nil {
			return err
		}
		*p = parsed
	case float64:
		n, err := periodNumber(v)
		if err != nil {
			return err
		}
		*p = PeriodList{n}
	case []interface{}:
		list := make(PeriodList, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case float64:
				period, err := periodNumber(n)
				if err != nil {
					return err
				}
				list = append(list, period)
			case string:
				parsed, err := strconv.Atoi(strings.TrimSpace(n))
				if err != nil {
					return fmt.Errorf("invalid period %q", n)
				}
				list = append(list, parsed)
			default:
				return fmt.Errorf("invalid period %v", item)
			}
		}
		*p = list
	default:
		return fmt.Errorf("invalid period list %s", string(data))
	}
	return nil
}

func periodNumber(v float64) (int, error) {
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid period %v: must be a whole number", v)
	}
	return int(v), nil
}

func (p *PeriodList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*p = nil
			return nil
		}
		parsed, err := ParsePeriodList(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*p = parsed
	case yaml.SequenceNode:
		list := PeriodList{}
		if err := value.Decode((*[]int)(&list)); err != nil {
			return err
		}
		*p = list
	default:
		return fmt.Errorf("line %d: twicedaily_forecast must be a list or string", value.Line)
	}
	return nil
}
