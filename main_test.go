package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caiyun/src/forecast"
	"caiyun/src/mcp"
)

func TestParseToolArgs(t *testing.T) {
	args, err := parseToolArgs([]string{"location=上海", "hours=12", "verbose=true", "note=a=b", "empty="})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"location": "上海",
		"hours":    float64(12),
		"verbose":  true,
		"note":     "a=b",
		"empty":    "",
	}, args)

	_, err = parseToolArgs([]string{"location"})
	assert.ErrorContains(t, err, "want key=value")
	_, err = parseToolArgs([]string{"=x"})
	assert.Error(t, err)
}

func TestRenderTable_AlignsWideText(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderTable(&buf, forecast.Mock(), 0))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2+forecast.MaxPoints+1)
	assert.Contains(t, lines[0], "时间")
	assert.Contains(t, lines[2], "15:00")
	assert.Contains(t, lines[2], "晴天")
	assert.Equal(t, "(24 points, synthetic)", lines[len(lines)-1])

	// the sky column starts at the same cell offset on every row
	col := runewidth.StringWidth(lines[2][:strings.Index(lines[2], "晴天")])
	for _, line := range lines[2 : 2+forecast.MaxPoints] {
		fields := strings.Fields(line)
		require.Len(t, fields, 6, line)
		idx := strings.Index(line, fields[2])
		assert.Equal(t, col, runewidth.StringWidth(line[:idx]), line)
	}
}

func TestRenderTable_NarrowTerminal(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderTable(&buf, forecast.Mock(), 20))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, strings.Fields(lines[0]), 2)
	assert.Len(t, strings.Fields(lines[2]), 2)
	assert.Equal(t, []string{"15:00", "25.0"}, strings.Fields(lines[2]))

	buf.Reset()
	require.NoError(t, renderTable(&buf, forecast.Mock(), 1))
	assert.Len(t, strings.Fields(strings.Split(buf.String(), "\n")[2]), 2)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "caiyun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func startToolServer(t *testing.T) *mcp.Server {
	t.Helper()
	reg := mcp.NewRegistry()
	require.NoError(t, reg.Register(mcp.Tool{
		ToolDescriptor: mcp.ToolDescriptor{Name: "echo", Description: "echo arguments"},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}))
	srv := mcp.NewServer(reg, mcp.WithAddr("127.0.0.1:0"))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

func runCLI(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv("CAIYUN_LOG_LEVEL", "error")
	t.Setenv("SENTRY_DSN", "")
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func TestToolsCommands(t *testing.T) {
	srv := startToolServer(t)
	cfg := writeConfig(t, fmt.Sprintf("tool_server:\n  url: %s\n", srv.URL()))

	out, _, err := runCLI(t, "--config", cfg, "tools", "list")
	require.NoError(t, err)
	assert.Contains(t, out, mcp.ServerName)
	assert.Contains(t, out, "echo arguments")

	out, _, err = runCLI(t, "--config", cfg, "tools", "call", "echo", "location=杭州", "n=3")
	require.NoError(t, err)
	assert.Contains(t, out, `"location": "杭州"`)
	assert.Contains(t, out, `"n": 3`)

	_, _, err = runCLI(t, "--config", cfg, "tools", "call", "missing")
	code, ok := mcp.ErrorCode(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, mcp.CodeMethodNotFound, code)
}

func TestBadModeFlag(t *testing.T) {
	cfg := writeConfig(t, "location: 北京\n")
	_, _, err := runCLI(t, "--config", cfg, "--mode", "grpc", "tools", "list")
	assert.Error(t, err)
}

func llmServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return fmt.Sprintf(`llm:
  base_url: %s
  api_key: test-key
  retry:
    max_attempts: 1
    base_delay: 1ms
    max_delay: 1ms
`, srv.URL)
}

func TestForecastCommand_QuotaShowsMock(t *testing.T) {
	cfg := writeConfig(t, llmServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))

	out, notice, err := runCLI(t, "--config", cfg, "forecast", "上海")
	require.NoError(t, err)
	assert.Contains(t, notice, "API quota exhausted")
	assert.Contains(t, notice, "Showing mock data instead.")
	assert.Contains(t, out, "上海 24小时天气预报 (direct)")
	assert.Contains(t, out, "(24 points, synthetic)")
	assert.NotContains(t, out, "quota")
}

func TestForecastCommand_QuotaJSON(t *testing.T) {
	cfg := writeConfig(t, llmServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))

	out, notice, err := runCLI(t, "--config", cfg, "forecast", "--json", "上海")
	require.NoError(t, err)
	assert.Contains(t, notice, "Showing mock data instead.")
	require.True(t, json.Valid([]byte(out)), out)

	var res forecastResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "上海", res.Location)
	assert.Equal(t, forecast.SourceSynthetic, res.Source)
	assert.Len(t, res.Points, forecast.MaxPoints)
	assert.Contains(t, res.Error, "API quota exhausted")
}

func TestForecastCommand_TextAnswer(t *testing.T) {
	cfg := writeConfig(t, llmServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"index":0,"message":{"role":"assistant","content":"温度：18℃，天气：雨天。"}}]}`)
	}))

	out, _, err := runCLI(t, "--config", cfg, "forecast", "--json", "杭州")
	require.NoError(t, err)
	require.True(t, json.Valid([]byte(out)), out)
	assert.NotContains(t, out, "24小时天气预报")
	assert.Contains(t, out, `"location": "杭州"`)
	assert.Contains(t, out, `"mode": "direct"`)
	assert.NotContains(t, out, `"error"`)
	assert.Contains(t, out, `"source": "text"`)
	assert.Contains(t, out, `"temperature_celsius": 18`)
	assert.Contains(t, out, `"sky": "RAIN"`)
}

func TestForecastCommand_Failure(t *testing.T) {
	cfg := writeConfig(t, llmServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))

	_, _, err := runCLI(t, "--config", cfg, "forecast")
	assert.ErrorContains(t, err, "status code: 502")
}
