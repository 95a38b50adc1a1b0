package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"caiyun/src/remote"
)

const (
	DefaultBaseURL = "https://api.caiyunapp.com/v2.5"
	DefaultTimeout = 30 * time.Second

	serviceName = "Caiyun weather API"
)

// Location is a named coordinate pair.
type Location struct {
	Name      string
	Longitude float64
	Latitude  float64
}

// DefaultLocation is used for missing or unknown location names.
const DefaultLocation = "北京"

var locations = []Location{
	{Name: "北京", Longitude: 116.4074, Latitude: 39.9042},
	{Name: "上海", Longitude: 121.4737, Latitude: 31.2304},
	{Name: "广州", Longitude: 113.2644, Latitude: 23.1291},
	{Name: "深圳", Longitude: 114.0579, Latitude: 22.5431},
	{Name: "杭州", Longitude: 120.1551, Latitude: 30.2741},
}

// Resolve maps a location name to its coordinates. Unknown names
// resolve to DefaultLocation.
func Resolve(name string) Location {
	name = strings.TrimSpace(name)
	for _, loc := range locations {
		if loc.Name == name {
			return loc
		}
	}
	return locations[0]
}

// Locations returns the known location names.
func Locations() []string {
	names := make([]string, 0, len(locations))
	for _, loc := range locations {
		names = append(names, loc.Name)
	}
	return names
}

// Service fetches hourly forecasts from the Caiyun weather API.
type Service struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// NewService creates a Service. client may be nil.
func NewService(baseURL, token string, client *http.Client, logger *slog.Logger) *Service {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if client == nil {
		client = remote.NewClient(DefaultTimeout)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
		logger:  logger,
	}
}

func (s *Service) forecastURL(loc Location) string {
	return fmt.Sprintf("%s/%s/%.4f,%.4f/weather.json", s.baseURL, s.token, loc.Longitude, loc.Latitude)
}

// Forecast returns the raw upstream payload for loc. Failures are
// *remote.Error values: a non-2xx response has Kind KindStatus or
// KindQuota, a body that is not JSON has Kind KindProtocol.
func (s *Service) Forecast(ctx context.Context, loc Location) (json.RawMessage, error) {
	if s.token == "" {
		return nil, errors.New("weather api token is not set")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.forecastURL(loc), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, remote.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.Classify(serviceName, err)
	}
	s.logger.Debug("weather api response", "location", loc.Name, "status", resp.StatusCode, "duration", time.Since(start))

	if !remote.IsSuccess(resp.StatusCode) {
		return nil, remote.StatusError(serviceName, resp.StatusCode, body)
	}
	if !json.Valid(body) {
		return nil, remote.ProtocolError(serviceName, errors.New("body is not valid JSON"))
	}
	return json.RawMessage(body), nil
}
