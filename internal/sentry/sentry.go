package sentry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Config holds Sentry configuration.
type Config struct {
	DSN         string
	Environment string
	Release     string
}

// Initialize sets up Sentry when a DSN is provided. It reports whether reporting is on.
func Initialize(cfg Config) (bool, error) {
	if cfg.DSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		AttachStacktrace: true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to initialize Sentry: %w", err)
	}
	return true, nil
}

// Enabled reports whether a Sentry client is bound to the current hub.
func Enabled() bool {
	return sentry.CurrentHub().Client() != nil
}

// CaptureError reports err with the supplied tags. It is a no-op when Sentry is off.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil || !Enabled() {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent.
func Flush(timeout time.Duration) {
	if Enabled() {
		sentry.Flush(timeout)
	}
}
