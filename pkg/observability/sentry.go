package observability

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/mobilityone/whatsagent/pkg/config"
	"github.com/mobilityone/whatsagent/pkg/version"
)

// InitSentry configures error reporting when a DSN is set. The returned flush
// function must run during shutdown; it is a no-op when reporting is off.
func InitSentry(dsn string, env config.AppEnv) (func(), error) {
	if dsn == "" {
		return func() {}, nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: string(env),
		Release:     version.Full(),
	})
	if err != nil {
		return func() {}, fmt.Errorf("sentry init: %w", err)
	}

	return func() { sentry.Flush(2 * time.Second) }, nil
}

// CaptureError forwards err to Sentry when reporting is configured.
// Safe to call unconditionally on every error path.
func CaptureError(err error) {
	if err == nil {
		return
	}
	if sentry.CurrentHub().Client() == nil {
		return
	}
	sentry.CaptureException(err)
}
