package logger

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// EnvSentryDSN names the variable holding the Sentry DSN.
const EnvSentryDSN = "SENTRY_DSN"

// InitSentry returns a hub tagged with module, or nil when dsn is empty.
// The returned flush func waits for buffered events and is always safe to call.
func InitSentry(dsn, release, module string) (*sentry.Hub, func(), error) {
	noop := func() {}
	if dsn == "" {
		return nil, noop, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              dsn,
		AttachStacktrace: true,
		Release:          release,
	})
	if err != nil {
		return nil, noop, err
	}

	hub := sentry.NewHub(client, sentry.NewScope())
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("module", module)
	})

	return hub, func() { hub.Flush(2 * time.Second) }, nil
}
