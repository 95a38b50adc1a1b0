// Package forecast turns weather payloads of varying shape into a
// normalized hourly series.
package forecast

import (
	"fmt"
	"math"
)

// SkyCondition is an upstream weather code such as CLEAR_DAY or RAIN.
type SkyCondition string

const (
	ClearDay     SkyCondition = "CLEAR_DAY"
	ClearNight   SkyCondition = "CLEAR_NIGHT"
	PartlyCloudy SkyCondition = "PARTLY_CLOUDY"
	Cloudy       SkyCondition = "CLOUDY"
	Rain         SkyCondition = "RAIN"
	Thunderstorm SkyCondition = "THUNDERSTORM"
)

var descriptions = map[SkyCondition]string{
	ClearDay:     "晴天",
	PartlyCloudy: "局部多云",
	Cloudy:       "多云",
	Rain:         "雨天",
	Thunderstorm: "雷雨",
}

// Description returns a short Chinese label, or 未知 for unmapped codes.
func (s SkyCondition) Description() string {
	if d, ok := descriptions[s]; ok {
		return d
	}
	return "未知"
}

// conditionFromText maps a label back to its code.
func conditionFromText(text string) (SkyCondition, bool) {
	for code, d := range descriptions {
		if d == text {
			return code, true
		}
	}
	// the short forms the model tends to use
	switch text {
	case "晴":
		return ClearDay, true
	case "雨", "小雨", "中雨", "大雨":
		return Rain, true
	}
	return "", false
}

const (
	PlaceholderHumidity  = 60.0
	PlaceholderPressure  = 1013.0
	PlaceholderWindSpeed = 5.0

	UnknownHour = "未知时间"
	MaxPoints   = 24
)

// Point is one hour of forecast.
type Point struct {
	Hour               string       `json:"hour"`
	TemperatureCelsius float64      `json:"temperature_celsius"`
	Sky                SkyCondition `json:"sky"`
	HumidityPercent    float64      `json:"humidity_percent"`
	PressureHPa        float64      `json:"pressure_hpa"`
	WindSpeedMps       float64      `json:"wind_speed_mps"`
}

// Source tells which parsing tier produced a series.
type Source string

const (
	SourceStructured Source = "structured"
	SourceText       Source = "text"
	SourceSynthetic  Source = "synthetic"
)

// Series is an immutable parse result.
type Series struct {
	Points []Point `json:"points"`
	Source Source  `json:"source"`
}

// Synthesize builds a deterministic 24 hour series starting at baseHour.
func Synthesize(baseHour int, baseTemp float64) []Point {
	points := make([]Point, 0, MaxPoints)
	for i := 0; i < MaxPoints; i++ {
		hour := ((i+baseHour)%24 + 24) % 24
		temp := baseTemp + math.Round(5*math.Sin(float64(i)*math.Pi/12))
		points = append(points, Point{
			Hour:               formatHour(hour),
			TemperatureCelsius: temp,
			Sky:                skyForHour(hour),
			HumidityPercent:    PlaceholderHumidity,
			PressureHPa:        PlaceholderPressure,
			WindSpeedMps:       PlaceholderWindSpeed,
		})
	}
	return points
}

// Mock is the series shown when live data is unavailable, for example
// after the API quota is exhausted.
func Mock() Series {
	return Series{Points: Synthesize(DefaultBaseHour, DefaultBaseTemp), Source: SourceSynthetic}
}

func skyForHour(hour int) SkyCondition {
	switch {
	case hour >= 6 && hour <= 18:
		return ClearDay
	case hour >= 19 && hour <= 21:
		return Cloudy
	default:
		return Rain
	}
}

func formatHour(hour int) string {
	return fmt.Sprintf("%02d:00", hour)
}
