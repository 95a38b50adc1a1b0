package llm

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caiyun/src/remote"
)

func fastRetry(max int) RetryPolicy {
	return RetryPolicy{MaxAttempts: max, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		32 * time.Second, 64 * time.Second, 120 * time.Second, 120 * time.Second,
	}
	for k, w := range want {
		assert.Equal(t, w, p.Delay(k), "attempt %d", k)
	}
	assert.Equal(t, 120*time.Second, p.Delay(60))
}

func TestComplete_SendsRequest(t *testing.T) {
	var got ChatRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"temperature":0`)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"晴"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "sk-test", Retry: fastRetry(2)}, nil)
	resp, err := c.Complete(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools:    []Tool{NewFunctionTool("get_caiyun_weather", "weather", map[string]any{"type": "object"})},
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, DefaultModel, got.Model)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "function", got.Tools[0].Type)
	require.Len(t, resp.Choices, 1)
	require.NotNil(t, resp.Choices[0].Message.Content)
	assert.Equal(t, "晴", *resp.Choices[0].Message.Content)
}

func TestComplete_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var states []RetryState
	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Retry: fastRetry(8)}, nil)
	ctx := WithRetryObserver(context.Background(), func(s RetryState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	_, err := c.Complete(ctx, ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, states, 2)
	assert.Equal(t, 1, states[0].Attempt)
	assert.Equal(t, time.Millisecond, states[0].Delay)
	assert.Equal(t, 2*time.Millisecond, states[1].Delay)
}

func TestComplete_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Retry: fastRetry(8)}, nil)
	_, err := c.Complete(context.Background(), ChatRequest{})
	require.Error(t, err)

	assert.Equal(t, int32(9), calls.Load())
	assert.True(t, remote.IsQuotaExhausted(err))
	assert.Equal(t, "DeepSeek API call failed: API quota exhausted, retry later", err.Error())
}

func TestComplete_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`invalid key`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Retry: fastRetry(1)}, nil)
	_, err := c.Complete(context.Background(), ChatRequest{})
	var re *remote.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, remote.KindStatus, re.Kind)
	assert.Equal(t, http.StatusUnauthorized, re.StatusCode)
	assert.Equal(t, "invalid key", re.Body)
}

func TestComplete_ProtocolErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, APIKey: "k", Retry: fastRetry(3)}, nil)
	_, err := c.Complete(context.Background(), ChatRequest{})
	var re *remote.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, remote.KindProtocol, re.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestComplete_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, APIKey: "k", Retry: fastRetry(1)}, nil)
	_, err := c.Complete(context.Background(), ChatRequest{})
	var re *remote.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, remote.KindUnreachable, re.Kind)
}

func TestComplete_TransportFailureAttemptsBounded(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var accepted atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			conn.Close()
		}
	}()

	policy := fastRetry(3)
	c := NewClient(Config{BaseURL: "http://" + ln.Addr().String(), APIKey: "k", Retry: policy}, nil)
	_, err = c.Complete(context.Background(), ChatRequest{})
	var re *remote.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, remote.KindTransport, re.Kind)
	assert.Equal(t, int32(policy.MaxAttempts+1), accepted.Load())
}

func TestComplete_MissingKey(t *testing.T) {
	c := NewClient(Config{}, nil)
	_, err := c.Complete(context.Background(), ChatRequest{})
	assert.EqualError(t, err, "deepseek api key is not set")
}

func TestRequestedCall(t *testing.T) {
	structured := ResponseMessage{ToolCalls: []ToolCall{{Function: FunctionCall{Name: "a", Arguments: `{"location":"上海"}`}}}}
	call, ok := structured.RequestedCall()
	require.True(t, ok)
	assert.Equal(t, "a", call.Name)
	args, err := call.DecodeArguments()
	require.NoError(t, err)
	assert.Equal(t, "上海", args["location"])

	legacy := ResponseMessage{FunctionCall: &FunctionCall{Name: "b", Arguments: "{"}}
	call, ok = legacy.RequestedCall()
	require.True(t, ok)
	assert.Equal(t, "b", call.Name)
	_, err = call.DecodeArguments()
	assert.Error(t, err)

	_, ok = ResponseMessage{ToolCalls: []ToolCall{}}.RequestedCall()
	assert.False(t, ok)
}
