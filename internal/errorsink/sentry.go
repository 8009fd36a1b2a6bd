package errorsink

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
)

// SentryReporter sends events to Sentry. A hub found on the context is
// preferred over the reporter's own.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter creates a dedicated Sentry client for dsn.
func NewSentryReporter(dsn, environment string) (*SentryReporter, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, errors.Wrap(err, "sentry client")
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) Capture(ctx context.Context, e Event) {
	hub := r.hub
	if h := sentry.GetHubFromContext(ctx); h != nil {
		hub = h
	}
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		if e.Location != "" {
			scope.SetTag("location", e.Location)
		}
		if len(e.Fingerprint) > 0 {
			scope.SetFingerprint(e.Fingerprint)
		}
		if len(e.Context) > 0 {
			scope.SetContext("swr", sentry.Context(e.Context))
		}
		hub.CaptureException(e.Error)
	})
}

// Flush waits up to timeout for buffered events to be sent.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}
