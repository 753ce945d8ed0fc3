package sentry

import (
	"context"
	"time"

	sentrygo "github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/trace"
)

type Options struct {
	Dsn         string
	Environment string
	Release     string
	Tags        map[string]string
}

// New sets up Sentry using the provided options.
// If the DSN is empty, initialization is skipped.
func New(opt Options) error {
	if opt.Dsn == "" {
		// Sentry is disabled if DSN is empty
		return nil
	}

	err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:         opt.Dsn,
		Environment: opt.Environment,
		Release:     opt.Release,
		Tags:        opt.Tags,
	})
	if err != nil {
		return eris.Wrap(err, "failed to initialize sentry")
	}

	return nil
}

// ReportPanic reports a recovered panic value and flushes buffered events.
func ReportPanic(r any) {
	if !isInitialized() {
		return
	}
	sentrygo.CurrentHub().Recover(r)
	sentrygo.Flush(5 * time.Second)
}

// CaptureException reports a handled error to Sentry.
func CaptureException(ctx context.Context, err error) {
	CaptureExceptionWithTags(ctx, err, nil)
}

// CaptureExceptionWithTags reports a handled error with extra scope tags, such as the match or
// dungeon it belongs to.
func CaptureExceptionWithTags(ctx context.Context, err error, tags map[string]string) {
	if !isInitialized() || err == nil {
		return
	}
	sentrygo.WithScope(func(scope *sentrygo.Scope) {
		if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
			scope.SetTag("trace_id", spanCtx.TraceID().String())
			scope.SetTag("span_id", spanCtx.SpanID().String())
		}
		scope.SetTags(tags)
		sentrygo.CaptureException(err)
	})
}

// Shutdown flushes buffered events with the provided timeout or context deadline.
func Shutdown(ctx context.Context, timeout time.Duration) {
	if !isInitialized() {
		return
	}
	t := timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until > 0 && until < t {
			t = until
		}
	}
	if t <= 0 {
		t = 1 * time.Second
	}
	sentrygo.Flush(t)
}

// isInitialized checks if Sentry is initialized.
func isInitialized() bool {
	return sentrygo.CurrentHub().Client() != nil
}
