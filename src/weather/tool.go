package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"caiyun/src/mcp"
	"caiyun/src/remote"
)

// ToolResult wraps a successful upstream payload.
type ToolResult struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// ForecastTool returns the get_weather_forecast tool backed by s.
func ForecastTool(s *Service) mcp.Tool {
	return mcp.Tool{
		ToolDescriptor: mcp.ToolDescriptor{
			Name:        mcp.WeatherToolName,
			Description: "获取指定位置的24小时天气预报",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{
						"type":        "string",
						"description": "地理位置，例如：北京、上海等",
					},
				},
				"required": []string{"location"},
			},
		},
		Handler: s.handleForecast,
	}
}

func (s *Service) handleForecast(ctx context.Context, args map[string]any) (any, error) {
	name, _ := args["location"].(string)
	if name == "" {
		name = DefaultLocation
	}
	loc := Resolve(name)

	data, err := s.Forecast(ctx, loc)
	if err != nil {
		var re *remote.Error
		if errors.As(err, &re) && (re.Kind == remote.KindStatus || re.Kind == remote.KindQuota) {
			return nil, mcp.NewError(mcp.CodeUpstreamStatus, fmt.Sprintf("Failed to get weather data: %d", re.StatusCode))
		}
		return nil, mcp.NewError(mcp.CodeUpstreamFailure, err.Error())
	}
	return ToolResult{Status: "success", Data: data}, nil
}

// Register adds the weather tools to reg.
func Register(reg *mcp.Registry, s *Service) error {
	return reg.Register(ForecastTool(s))
}
