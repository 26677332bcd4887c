// Package notify delivers best-effort notifications for billing and
// provisioning events. Delivery failures are logged, never propagated: no
// saga step or webhook handler depends on a notification landing.
package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// Event names the notification being dispatched.
type Event string

const (
	EventStorefrontProvisioned Event = "storefront.provisioned"
	EventSubscriptionCanceled  Event = "subscription.canceled"
	EventPaymentPastDue        Event = "payment.past_due"
	EventOrderConfirmed        Event = "order.confirmed"
)

// Dispatcher sends a notification to a recipient. Implementations must be
// safe for concurrent use.
type Dispatcher interface {
	Dispatch(ctx context.Context, event Event, recipient string, data map[string]string) error
}

// LogDispatcher writes notifications to the structured log. It stands in for
// an email or push provider in development and tests.
type LogDispatcher struct {
	log zerolog.Logger
}

func NewLogDispatcher(log zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log.With().Str("component", "notify").Logger()}
}

func (d *LogDispatcher) Dispatch(_ context.Context, event Event, recipient string, data map[string]string) error {
	evt := d.log.Info().Str("event", string(event)).Str("recipient", recipient)
	for k, v := range data {
		evt = evt.Str(k, v)
	}
	evt.Msg("notification dispatched")
	return nil
}
