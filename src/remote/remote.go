// Package remote holds the HTTP client setup and the error taxonomy shared
// by every outbound service call (weather API, LLM API, local tool server).
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// NewClient returns a pooled client with the given overall timeout.
// One client is built per service and shared by all its callers.
func NewClient(timeout time.Duration) *http.Client {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return c
}

// Kind classifies a failed remote call.
type Kind int

const (
	KindTransport Kind = iota
	KindTimeout
	KindUnreachable
	KindQuota
	KindStatus
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnreachable:
		return "unreachable"
	case KindQuota:
		return "quota"
	case KindStatus:
		return "status"
	case KindProtocol:
		return "protocol"
	default:
		return "transport"
	}
}

// Error is a classified failure of a call to Service.
type Error struct {
	Kind       Kind
	Service    string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("%s request timed out, check the network connection or retry later", e.Service)
	case KindUnreachable:
		return fmt.Sprintf("cannot reach %s, check the network settings", e.Service)
	case KindQuota:
		return fmt.Sprintf("%s call failed: API quota exhausted, retry later", e.Service)
	case KindStatus:
		return fmt.Sprintf("%s call failed, status code: %d, error: %s", e.Service, e.StatusCode, e.Body)
	case KindProtocol:
		return fmt.Sprintf("%s returned an invalid response: %v", e.Service, e.Err)
	default:
		return fmt.Sprintf("%s call failed: %v", e.Service, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Classify turns a transport error into an *Error for service.
func Classify(service string, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: transportKind(err), Service: service, Err: err}
}

func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindUnreachable
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return KindUnreachable
	}
	return KindTransport
}

// StatusError builds the error for a non-2xx response. 429 means the
// account quota is exhausted.
func StatusError(service string, code int, body []byte) *Error {
	kind := KindStatus
	if code == http.StatusTooManyRequests {
		kind = KindQuota
	}
	return &Error{
		Kind:       kind,
		Service:    service,
		StatusCode: code,
		Body:       strings.TrimSpace(string(body)),
	}
}

// ProtocolError reports a response that could not be understood.
func ProtocolError(service string, err error) *Error {
	return &Error{Kind: KindProtocol, Service: service, Err: err}
}

// IsQuotaExhausted reports whether err comes from an exhausted API quota.
func IsQuotaExhausted(err error) bool {
	var re *Error
	return errors.As(err, &re) && re.Kind == KindQuota
}

// IsSuccess reports whether code is a 2xx status.
func IsSuccess(code int) bool {
	return code >= 200 && code < 300
}
