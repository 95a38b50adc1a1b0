package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), KindTimeout},
		{"dns", &net.DNSError{Err: "no such host", Name: "api.example.invalid"}, KindUnreachable},
		{"generic", errors.New("connection reset"), KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify("LLM API", tt.err)
			assert.Equal(t, tt.want, got.Kind)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassify_KeepsClassifiedErrors(t *testing.T) {
	orig := StatusError("weather API", 500, nil)
	wrapped := fmt.Errorf("fetch: %w", orig)
	assert.Same(t, orig, Classify("other", wrapped))
}

func TestClassify_ClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	_, err := NewClient(20 * time.Millisecond).Get(srv.URL)
	require.Error(t, err)
	assert.Equal(t, KindTimeout, Classify("LLM API", err).Kind)
}

func TestStatusError(t *testing.T) {
	quota := StatusError("LLM API", http.StatusTooManyRequests, []byte("slow down"))
	assert.Equal(t, KindQuota, quota.Kind)
	assert.True(t, IsQuotaExhausted(fmt.Errorf("wrapped: %w", quota)))
	assert.Contains(t, quota.Error(), "quota exhausted")

	status := StatusError("LLM API", 502, []byte(" bad gateway \n"))
	assert.Equal(t, KindStatus, status.Kind)
	assert.False(t, IsQuotaExhausted(status))
	assert.Equal(t, "LLM API call failed, status code: 502, error: bad gateway", status.Error())
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "LLM API request timed out, check the network connection or retry later",
		(&Error{Kind: KindTimeout, Service: "LLM API"}).Error())
	assert.Equal(t, "cannot reach LLM API, check the network settings",
		(&Error{Kind: KindUnreachable, Service: "LLM API"}).Error())
	assert.Equal(t, "LLM API call failed: boom",
		(&Error{Kind: KindTransport, Service: "LLM API", Err: errors.New("boom")}).Error())
}

func TestIsSuccess(t *testing.T) {
	assert.True(t, IsSuccess(200))
	assert.True(t, IsSuccess(204))
	assert.False(t, IsSuccess(301))
	assert.False(t, IsSuccess(500))
}
