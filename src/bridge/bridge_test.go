package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caiyun/src/forecast"
	"caiyun/src/mcp"
	"caiyun/src/orchestrator"
	"caiyun/src/remote"
)

type stubForecaster struct {
	payload  string
	err      error
	gotMode  orchestrator.Mode
	gotPlace string
}

func (s *stubForecaster) Forecast(ctx context.Context, location string, mode orchestrator.Mode) (string, error) {
	s.gotMode, s.gotPlace = mode, location
	return s.payload, s.err
}

type stubTools struct{}

func (stubTools) ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error) {
	return []mcp.ToolDescriptor{{Name: "get_weather_forecast", Description: "获取指定位置的24小时天气预报", InputSchema: map[string]any{"type": "object"}}}, nil
}

func newService(f Forecaster) *Service {
	s := NewService(f, stubTools{}, "http://127.0.0.1:8080", orchestrator.ModeDirect, nil)
	s.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestForecast_Structured(t *testing.T) {
	f := &stubForecaster{payload: `{"status":"ok","result":{"hourly":{"temperature":[{"value":21}],"skycon":[{"value":"RAIN","datetime":"2024-05-01T10:00+08:00"}]}}}`}
	s := newService(f)
	router := s.Router()

	rec := get(t, router, "/forecast/"+url.PathEscape("上海")+"?mode=mcp")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "上海", f.gotPlace)
	assert.Equal(t, orchestrator.ModeMCP, f.gotMode)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, forecast.SourceStructured, snap.Source)
	require.Len(t, snap.Points, 1)
	assert.Equal(t, "10:00", snap.Points[0].Hour)

	last := get(t, router, "/forecast/last")
	require.Equal(t, http.StatusOK, last.Code)
	assert.JSONEq(t, rec.Body.String(), last.Body.String())
}

func TestForecast_SyntheticStartsAtCurrentHour(t *testing.T) {
	s := newService(&stubForecaster{payload: "no data"})
	rec := get(t, s.Router(), "/forecast/"+url.PathEscape("北京"))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, forecast.SourceSynthetic, snap.Source)
	require.Len(t, snap.Points, 24)
	assert.Equal(t, "09:00", snap.Points[0].Hour)
}

func TestForecast_QuotaServesMock(t *testing.T) {
	var failures int
	s := newService(&stubForecaster{err: remote.StatusError("DeepSeek API", http.StatusTooManyRequests, nil)})
	s.OnFailure = func(err error, location string, mode orchestrator.Mode) { failures++ }

	rec := get(t, s.Router(), "/forecast/"+url.PathEscape("北京"))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, forecast.Mock().Points, snap.Points)
	assert.Contains(t, snap.Error, "quota exhausted")
	assert.Equal(t, 1, failures)
}

func TestForecast_Failure(t *testing.T) {
	s := newService(&stubForecaster{err: errors.New("unknown function call: x")})
	rec := get(t, s.Router(), "/forecast/"+url.PathEscape("北京"))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown function call")

	assert.Equal(t, http.StatusNotFound, get(t, s.Router(), "/forecast/last").Code)
}

func TestForecast_BadMode(t *testing.T) {
	s := newService(&stubForecaster{})
	assert.Equal(t, http.StatusBadRequest, get(t, s.Router(), "/forecast/"+url.PathEscape("北京")+"?mode=grpc").Code)
}

func TestToolsAndStatus(t *testing.T) {
	s := newService(&stubForecaster{})
	router := s.Router()

	tools := get(t, router, "/tools")
	require.Equal(t, http.StatusOK, tools.Code)
	assert.Contains(t, tools.Body.String(), "### get_weather_forecast")
	assert.Contains(t, tools.Body.String(), "Tools: 1")

	status := get(t, router, "/status")
	require.Equal(t, http.StatusOK, status.Code)
	assert.Contains(t, status.Body.String(), "Default mode: direct")
	assert.Contains(t, status.Body.String(), "Last forecast: none")

	assert.Contains(t, get(t, router, "/").Body.String(), "/forecast/{location}")
}
