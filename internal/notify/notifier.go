package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sourcegraph/conc"

	"fruits-store/internal/observability"
)

type Event string

const (
	EventRegistered      Event = "registered"
	EventAccountLocked   Event = "account_locked"
	EventAccountUnlocked Event = "account_unlocked"
	EventPasswordReset   Event = "password_reset"
	EventPasswordChanged Event = "password_changed"
)

type Recipient struct {
	Username          string
	Email             string
	FirstName         string
	TemporaryPassword string
}

type Message struct {
	To      string
	Subject string
	HTML    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

const defaultSendTimeout = 30 * time.Second

// Dispatcher delivers notifications on background goroutines. Notify never
// blocks on the transport and never reports delivery errors to the caller.
type Dispatcher struct {
	sender  Sender
	logger  *observability.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     conc.WaitGroup
}

func NewDispatcher(sender Sender, logger *observability.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Dispatcher{
		sender:  sender,
		logger:  logger,
		timeout: defaultSendTimeout,
	}
}

func (d *Dispatcher) WithTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

func (d *Dispatcher) Notify(event Event, recipient Recipient) {
	if recipient.Email == "" {
		d.logger.Warn("notification_skipped", map[string]any{"event": string(event), "reason": "missing email"})
		return
	}

	msg, err := render(event, recipient)
	if err != nil {
		d.logger.Error("notification_render_failed", map[string]any{"event": string(event), "error": err.Error()})
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("notification_dropped", map[string]any{"event": string(event), "to": msg.To})
		return
	}

	d.wg.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sender.Send(ctx, msg); err != nil {
			sentry.CaptureException(fmt.Errorf("send %s notification: %w", event, err))
			d.logger.Error("notification_failed", map[string]any{
				"event": string(event),
				"to":    msg.To,
				"error": err.Error(),
			})
			return
		}

		d.logger.Info("notification_sent", map[string]any{"event": string(event), "to": msg.To})
	})
}

// Close stops accepting notifications and waits for in-flight sends.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	if recovered := d.wg.WaitAndRecover(); recovered != nil {
		d.logger.Error("notification_panic", map[string]any{"panic": recovered.String()})
	}
}
