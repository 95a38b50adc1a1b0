package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"caiyun/src/llm"
	"caiyun/src/mcp"
)

const directToolName = "get_caiyun_weather"

// profile is what one mode tells the model: the tool it must use and the
// tool list it is offered.
type profile struct {
	toolName string
	system   string
	tools    []llm.Tool
}

func locationSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"location": map[string]any{
				"type":        "string",
				"description": "地理位置，例如：北京、上海等",
			},
		},
		"required": []string{"location"},
	}
}

func systemPrompt(toolName, source string) string {
	return fmt.Sprintf("你是一个天气预报助手。当用户询问天气时，请务必使用%s工具来获取天气信息。"+
		"这个工具会调用%s获取真实的天气数据。请直接返回从%s获取的JSON数据，不要将其转换为自然语言描述。",
		toolName, source, source)
}

func userPrompt(location string) string {
	return "请告诉我" + location + "未来24小时的天气预报，直接返回JSON数据"
}

func directProfile() profile {
	return profile{
		toolName: directToolName,
		system:   systemPrompt(directToolName, "彩云天气API"),
		tools: []llm.Tool{
			llm.NewFunctionTool(directToolName, "通过调用彩云天气API获取指定位置的24小时天气预报", locationSchema()),
		},
	}
}

func staticMCPTools() []llm.Tool {
	return []llm.Tool{
		llm.NewFunctionTool(mcp.WeatherToolName, "通过调用MCP服务器获取指定位置的24小时天气预报", locationSchema()),
	}
}

// profile builds the mode's profile. In mcp mode the tool list comes from
// the server and falls back to a static definition when it is unavailable.
func (o *Orchestrator) profile(ctx context.Context, log *slog.Logger, mode Mode) (profile, error) {
	switch mode {
	case ModeDirect:
		return directProfile(), nil
	case ModeMCP:
		p := profile{
			toolName: mcp.WeatherToolName,
			system:   systemPrompt(mcp.WeatherToolName, "MCP服务器"),
		}
		p.tools = o.discoverTools(ctx, log)
		return p, nil
	default:
		return profile{}, fmt.Errorf("unsupported mode %q", mode)
	}
}

func (o *Orchestrator) discoverTools(ctx context.Context, log *slog.Logger) []llm.Tool {
	if o.tools == nil {
		return staticMCPTools()
	}
	descriptors, err := o.tools.ListToolsAsync(ctx).Await(ctx)
	if err != nil {
		log.Warn("tool discovery failed, using static tool definition", "error", err)
		return staticMCPTools()
	}
	tools := make([]llm.Tool, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Name == "" || d.InputSchema == nil {
			continue
		}
		tools = append(tools, llm.NewFunctionTool(d.Name, d.Description, d.InputSchema))
	}
	if len(tools) == 0 {
		log.Warn("tool server listed no usable tools, using static tool definition")
		return staticMCPTools()
	}
	return tools
}

func (p profile) request(location string) llm.ChatRequest {
	return llm.ChatRequest{
		Messages: []llm.Message{
			{Role: "system", Content: p.system},
			{Role: "user", Content: userPrompt(location)},
		},
		Tools:       p.tools,
		Temperature: 0.0,
	}
}
