package observability

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
)

const sentryFlushTimeout = 2 * time.Second

type SentryOptions struct {
	DSN         string
	Environment string
	Release     string
}

// InitSentry is a no-op without a DSN. Authorization and cookie headers are
// stripped from every event before it leaves the process.
func InitSentry(options SentryOptions) error {
	if strings.TrimSpace(options.DSN) == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              options.DSN,
		Environment:      options.Environment,
		Release:          options.Release,
		AttachStacktrace: true,
		BeforeSend:       scrubCredentials,
	})
}

func scrubCredentials(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}
	for name := range event.Request.Headers {
		switch strings.ToLower(name) {
		case "authorization", "cookie", "x-cron-secret":
			event.Request.Headers[name] = "[redacted]"
		}
	}
	event.Request.Cookies = ""
	return event
}

func FlushSentry() {
	sentry.Flush(sentryFlushTimeout)
}
