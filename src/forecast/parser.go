package forecast

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
	"golang.org/x/text/width"
)

const (
	DefaultBaseHour = 15
	DefaultBaseTemp = 25.0
)

var (
	temperaturePattern = regexp.MustCompile(`(?i)温度[:：](\d+)°C`)
	conditionPattern   = regexp.MustCompile(`(?i)天气[:：](\S+)`)

	textReplacer = strings.NewReplacer("℃", "°C")
)

// Parser tries, in order: the structured hourly payload, loose text with
// temperature and condition labels, and finally a synthetic series. It
// never fails.
type Parser struct {
	// BaseHour and BaseTemp seed the synthetic series.
	BaseHour int
	BaseTemp float64
}

func NewParser() *Parser {
	return &Parser{BaseHour: DefaultBaseHour, BaseTemp: DefaultBaseTemp}
}

// Parse uses a parser with default settings.
func Parse(payload string) Series {
	return NewParser().Parse(payload)
}

func (p *Parser) Parse(payload string) Series {
	if points, err := parseStructured([]byte(payload)); err == nil {
		return Series{Points: points, Source: SourceStructured}
	}
	if s, ok := p.parseText(payload); ok {
		return s
	}
	return Series{Points: Synthesize(p.BaseHour, p.BaseTemp), Source: SourceSynthetic}
}

var errNoHourly = errors.New("no hourly forecast in payload")

func parseStructured(data []byte) ([]Point, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' || !json.Valid(data) {
		return nil, errors.New("payload is not a JSON object")
	}
	hourly, ok := findHourly(data, 0)
	if !ok {
		return nil, errNoHourly
	}

	temps, err := numberSeries(hourly, "value", "temperature")
	if err != nil {
		return nil, err
	}
	var skies, times []string
	var itemErr error
	_, err = jsonparser.ArrayEach(hourly, func(value []byte, _ jsonparser.ValueType, _ int, err error) {
		if itemErr != nil {
			return
		}
		sky, e := jsonparser.GetString(value, "value")
		if e != nil {
			itemErr = e
			return
		}
		dt, _ := jsonparser.GetString(value, "datetime")
		skies = append(skies, sky)
		times = append(times, dt)
	}, "skycon")
	if err != nil {
		return nil, err
	}
	if itemErr != nil {
		return nil, itemErr
	}

	n := min(MaxPoints, len(temps), len(skies))
	if n == 0 {
		return nil, errNoHourly
	}

	// optional series, placeholders when absent
	humidity, _ := numberSeries(hourly, "value", "humidity")
	pressure, _ := numberSeries(hourly, "value", "pressure")
	wind, _ := numberSeries(hourly, "speed", "wind")

	points := make([]Point, 0, n)
	for i := 0; i < n; i++ {
		points = append(points, Point{
			Hour:               hourLabel(times[i]),
			TemperatureCelsius: temps[i],
			Sky:                SkyCondition(skies[i]),
			HumidityPercent:    at(humidity, i, func(v float64) float64 { return round1(v * 100) }, PlaceholderHumidity),
			PressureHPa:        at(pressure, i, func(v float64) float64 { return round1(v / 100) }, PlaceholderPressure),
			WindSpeedMps:       at(wind, i, func(v float64) float64 { return round1(v / 3.6) }, PlaceholderWindSpeed),
		})
	}
	return points, nil
}

// findHourly locates the hourly object, looking through the RPC result
// and tool wrapper envelopes this system puts around upstream payloads.
func findHourly(data []byte, depth int) ([]byte, bool) {
	if depth > 3 {
		return nil, false
	}
	status, err := jsonparser.GetString(data, "status")
	hasStatus := err == nil
	if hasStatus && status == "ok" {
		if h, t, _, err := jsonparser.Get(data, "result", "hourly"); err == nil && t == jsonparser.Object {
			return h, true
		}
	}
	if h, t, _, err := jsonparser.Get(data, "hourly"); err == nil && t == jsonparser.Object {
		return h, true
	}
	if hasStatus && status != "ok" && status != "success" {
		return nil, false
	}
	for _, key := range []string{"result", "data"} {
		inner, t, _, err := jsonparser.Get(data, key)
		if err != nil || t != jsonparser.Object {
			continue
		}
		if h, ok := findHourly(inner, depth+1); ok {
			return h, true
		}
	}
	return nil, false
}

func numberSeries(hourly []byte, field string, keys ...string) ([]float64, error) {
	var out []float64
	var itemErr error
	_, err := jsonparser.ArrayEach(hourly, func(value []byte, _ jsonparser.ValueType, _ int, _ error) {
		if itemErr != nil {
			return
		}
		v, e := jsonparser.GetFloat(value, field)
		if e != nil {
			itemErr = e
			return
		}
		out = append(out, v)
	}, keys...)
	if err != nil {
		return nil, err
	}
	if itemErr != nil {
		return nil, itemErr
	}
	return out, nil
}

func at(values []float64, i int, convert func(float64) float64, fallback float64) float64 {
	if i < len(values) {
		return convert(values[i])
	}
	return fallback
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// hourLabel turns "2024-05-01T15:00+08:00" into "15:00".
func hourLabel(datetime string) string {
	_, clock, ok := strings.Cut(datetime, "T")
	if !ok {
		return UnknownHour
	}
	hour, _, ok := strings.Cut(clock, ":")
	if !ok || hour == "" {
		return UnknownHour
	}
	return hour + ":00"
}

func (p *Parser) parseText(payload string) (Series, bool) {
	text := textReplacer.Replace(width.Narrow.String(payload))

	baseTemp := p.BaseTemp
	var sky SkyCondition
	matched := false
	if m := temperaturePattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			baseTemp = float64(v)
			matched = true
		}
	}
	if m := conditionPattern.FindStringSubmatch(text); m != nil {
		label := m[1]
		if i := strings.IndexAny(label, ",.;!?、。｡"); i >= 0 {
			label = label[:i]
		}
		if c, ok := conditionFromText(label); ok {
			sky = c
			matched = true
		}
	}
	if !matched {
		return Series{}, false
	}

	points := Synthesize(p.BaseHour, baseTemp)
	if sky != "" {
		for i := range points {
			points[i].Sky = sky
		}
	}
	return Series{Points: points, Source: SourceText}, true
}
