package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"caiyun/src/remote"
)

const (
	DefaultBaseURL = "https://api.deepseek.com"
	DefaultModel   = "deepseek-chat"
	DefaultTimeout = 120 * time.Second

	serviceName = "DeepSeek API"
)

// RetryPolicy controls the exponential backoff between attempts.
// MaxAttempts counts retries, so a call makes at most MaxAttempts+1
// requests.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy allows 8 retries, starting at 2s and capped at 120s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 8,
		BaseDelay:   2 * time.Second,
		MaxDelay:    120 * time.Second,
	}
}

// Delay is the wait after the failed attempt with 0-based index attempt:
// min(BaseDelay * 2^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// RetryState describes a scheduled retry.
type RetryState struct {
	Attempt     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Delay       time.Duration
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	Retry   RetryPolicy
}

type retryObserverKey struct{}

// WithRetryObserver returns a context whose calls report each retry to fn
// just before the retried request is sent.
func WithRetryObserver(ctx context.Context, fn func(RetryState)) context.Context {
	return context.WithValue(ctx, retryObserverKey{}, fn)
}

// Client sends chat-completion requests to a DeepSeek compatible API.
type Client struct {
	cfg    Config
	http   *retryablehttp.Client
	logger *slog.Logger
}

// NewClient creates a client, filling unset Config fields with defaults.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{cfg: cfg, logger: logger}
	rc := retryablehttp.NewClient()
	rc.HTTPClient = remote.NewClient(cfg.Timeout)
	rc.Logger = logger
	rc.RetryMax = cfg.Retry.MaxAttempts
	rc.RetryWaitMin = cfg.Retry.BaseDelay
	rc.RetryWaitMax = cfg.Retry.MaxDelay
	rc.CheckRetry = checkRetry
	rc.Backoff = c.backoff
	rc.RequestLogHook = c.beforeAttempt
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	c.http = rc
	return c
}

// Model is the model name sent with each request.
func (c *Client) Model() string {
	return c.cfg.Model
}

func (c *Client) backoff(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	delay := c.cfg.Retry.Delay(attemptNum)
	c.logger.Warn("llm request failed, retrying", "attempt", attemptNum+1, "max_attempts", c.cfg.Retry.MaxAttempts, "delay", delay)
	return delay
}

// beforeAttempt runs before every request; attempt is 0 for the first one.
func (c *Client) beforeAttempt(_ retryablehttp.Logger, req *http.Request, attempt int) {
	if attempt == 0 {
		return
	}
	fn, ok := req.Context().Value(retryObserverKey{}).(func(RetryState))
	if !ok || fn == nil {
		return
	}
	fn(RetryState{
		Attempt:     attempt,
		MaxAttempts: c.cfg.Retry.MaxAttempts,
		BaseDelay:   c.cfg.Retry.BaseDelay,
		MaxDelay:    c.cfg.Retry.MaxDelay,
		Delay:       c.cfg.Retry.Delay(attempt - 1),
	})
}

// checkRetry retries transport failures and every non-2xx response.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return !remote.IsSuccess(resp.StatusCode), nil
}

// Complete sends req and returns the decoded reply. Transport failures and
// non-2xx responses are retried with exponential backoff; the final failure
// is returned as a *remote.Error.
func (c *Client) Complete(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if c.cfg.APIKey == "" {
		return nil, errors.New("deepseek api key is not set")
	}
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	body, err := marshalNoEscape(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, remote.Classify(serviceName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, remote.Classify(serviceName, err)
	}
	if !remote.IsSuccess(resp.StatusCode) {
		return nil, remote.StatusError(serviceName, resp.StatusCode, data)
	}

	var out ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, remote.ProtocolError(serviceName, err)
	}
	c.logger.Debug("llm response", "choices", len(out.Choices), "duration", time.Since(start))
	return &out, nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
