package entity

import (
	"net/url"
	"strconv"
	"strings"
)

// Home Assistant weather conditions.
const (
	ConditionClearNight     = "clear-night"
	ConditionCloudy         = "cloudy"
	ConditionExceptional    = "exceptional"
	ConditionFog            = "fog"
	ConditionLightningRainy = "lightning-rainy"
	ConditionPartlyCloudy   = "partlycloudy"
	ConditionRainy          = "rainy"
	ConditionSnowy          = "snowy"
	ConditionSnowyRainy     = "snowy-rainy"
	ConditionSunny          = "sunny"
	ConditionWindy          = "windy"
	ConditionWindyVariant   = "windy-variant"
)

var iconConditions = map[string]string{
	"skc":             ConditionSunny,
	"few":             ConditionPartlyCloudy,
	"sct":             ConditionPartlyCloudy,
	"bkn":             ConditionPartlyCloudy,
	"ovc":             ConditionCloudy,
	"wind_skc":        ConditionWindy,
	"wind_few":        ConditionWindy,
	"wind_sct":        ConditionWindy,
	"wind_bkn":        ConditionWindyVariant,
	"wind_ovc":        ConditionWindyVariant,
	"rain":            ConditionRainy,
	"rain_showers":    ConditionRainy,
	"rain_showers_hi": ConditionRainy,
	"tsra":            ConditionLightningRainy,
	"tsra_sct":        ConditionLightningRainy,
	"tsra_hi":         ConditionLightningRainy,
	"snow":            ConditionSnowy,
	"sleet":           ConditionSnowy,
	"blizzard":        ConditionSnowy,
	"snow_fzra":       ConditionSnowy,
	"rain_snow":       ConditionSnowyRainy,
	"rain_sleet":      ConditionSnowyRainy,
	"snow_sleet":      ConditionSnowyRainy,
	"fzra":            ConditionSnowyRainy,
	"rain_fzra":       ConditionSnowyRainy,
	"fog":             ConditionFog,
	"tornado":         ConditionExceptional,
	"hurricane":       ConditionExceptional,
	"tropical_storm":  ConditionExceptional,
	"dust":            ConditionExceptional,
	"smoke":           ConditionExceptional,
	"haze":            ConditionExceptional,
	"hot":             ConditionExceptional,
	"cold":            ConditionExceptional,
}

// IconCode is one weather code from an NWS icon URL with its probability.
type IconCode struct {
	Code        string
	Probability int
}

// ParseIcon splits an NWS icon URL such as
// https://api.weather.gov/icons/land/night/rain_showers,30/tsra,50?size=medium
// into its time of day and weather codes.
func ParseIcon(icon string) (timeOfDay string, codes []IconCode) {
	u, err := url.Parse(icon)
	if err != nil {
		return "", nil
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, seg := range segments {
		if seg != "day" && seg != "night" {
			continue
		}
		timeOfDay = seg
		for _, raw := range segments[i+1:] {
			code, prob, _ := strings.Cut(raw, ",")
			p, _ := strconv.Atoi(prob)
			codes = append(codes, IconCode{Code: code, Probability: p})
		}
		break
	}
	return timeOfDay, codes
}

// ConditionFromIcon maps an NWS icon URL to a Home Assistant condition. The
// code with the highest probability wins. daytime selects sunny over
// clear-night for clear skies. An unrecognised icon yields "".
func ConditionFromIcon(icon string, daytime bool) string {
	_, codes := ParseIcon(icon)
	if len(codes) == 0 {
		return ""
	}

	best := codes[0]
	for _, c := range codes[1:] {
		if c.Probability > best.Probability {
			best = c
		}
	}

	condition := iconConditions[best.Code]
	if condition == ConditionSunny && !daytime {
		return ConditionClearNight
	}
	return condition
}

// IconDaytime reports whether an icon URL is a day icon. ok is false when
// the URL names neither day nor night.
func IconDaytime(icon string) (daytime, ok bool) {
	timeOfDay, _ := ParseIcon(icon)
	switch timeOfDay {
	case "day":
		return true, true
	case "night":
		return false, true
	default:
		return false, false
	}
}
