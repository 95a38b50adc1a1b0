package telemetry

import (
	"runtime"
	"time"

	"github.com/getsentry/sentry-go"
)

var enabled bool

// Init starts error reporting. An empty dsn leaves every function in this
// package a no-op.
func Init(dsn, environment, release string) error {
	if dsn == "" {
		enabled = false
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          "caiyun@" + release,
		AttachStacktrace: true,
	})
	if err != nil {
		return err
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("os", runtime.GOOS)
		scope.SetTag("arch", runtime.GOARCH)
		scope.SetTag("go_version", runtime.Version())
	})
	enabled = true
	return nil
}

// IsEnabled reports whether Init configured a client.
func IsEnabled() bool {
	return enabled
}

// CaptureError reports a failed forecast request.
func CaptureError(err error, tags map[string]string) {
	if !enabled || err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits up to 2 seconds for buffered events to be sent.
func Flush() {
	if !enabled {
		return
	}
	sentry.Flush(2 * time.Second)
}
