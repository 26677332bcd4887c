/*
Package gateway defines the payment gateway port.

PURPOSE:
  A thin contract over the external payment processor: retrieving a
  client-confirmed payment-method setup, creating a one-time charge, creating
  a recurring-billing subscription, and verifying signed webhook events. The
  processor provides no transactional guarantee spanning multiple calls -
  coordination across calls is the saga coordinator's problem, not this
  package's.

IMPLEMENTATIONS:
  gateway/stripegw: production implementation over stripe-go
  provision tests: in-memory fake with call counters

DESIGN NOTES:
  - Every call takes a context; charge creation is expected to run under a
    bounded deadline supplied by the caller
  - ChargeParams carries an idempotency key so a retried network call cannot
    double-charge
  - Errors are reported as *Error so callers can distinguish terminal
    declines from transient failures

SEE ALSO:
  - provision/: the only writer through this port
  - webhook/: uses the EventVerifier primitive only
*/
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// SETUP - A client-confirmed payment-method setup
// =============================================================================

const (
	SetupSucceeded      = "succeeded"
	SetupRequiresAction = "requires_action"
	SetupProcessing     = "processing"
)

// Setup is the processor-side record of a payment-method setup. Metadata is
// written by the client flow at setup-creation time and carries the
// provisioning request (account_id, store_name, store_handle, plan_id).
type Setup struct {
	Ref           string
	Status        string
	CustomerRef   string
	PaymentMethod string
	Metadata      map[string]string
}

// =============================================================================
// CHARGE - One-time payment
// =============================================================================

const (
	ChargeSucceeded      = "succeeded"
	ChargeRequiresAction = "requires_action"
	ChargeProcessing     = "processing"
	ChargeFailed         = "failed"
)

type ChargeParams struct {
	Amount        int64 // minor units
	Currency      string
	CustomerRef   string
	PaymentMethod string

	// IdempotencyKey makes the create call replay-safe at the processor.
	IdempotencyKey string

	// Metadata carries correlation ids (tenant id, setup ref) for
	// processor-side reconciliation.
	Metadata map[string]string
}

type Charge struct {
	Ref    string
	Status string
}

// Final reports whether the charge reached a terminal successful state.
// requires_action and processing are non-final: the saga treats them as
// failures and compensates, because it cannot wait on them.
func (c *Charge) Final() bool { return c.Status == ChargeSucceeded }

// =============================================================================
// SUBSCRIPTION - Recurring billing
// =============================================================================

type SubscriptionParams struct {
	CustomerRef   string
	PriceRef      string
	PaymentMethod string
	Metadata      map[string]string
}

type Subscription struct {
	Ref              string
	Status           string
	CurrentPeriodEnd time.Time // zero when the processor did not report one
}

// =============================================================================
// CLIENT - Outbound port
// =============================================================================

// Client is the outbound payment-processor port used by the saga coordinator.
type Client interface {
	RetrieveSetup(ctx context.Context, setupRef string) (*Setup, error)
	CreateCharge(ctx context.Context, params ChargeParams) (*Charge, error)
	CreateSubscription(ctx context.Context, params SubscriptionParams) (*Subscription, error)
}

// =============================================================================
// EVENTS - Inbound signed notifications
// =============================================================================

// Event is a verified processor event. Payload is the raw per-type object;
// consumers decode it against a closed schema immediately after
// verification.
type Event struct {
	ID      string
	Type    string
	Payload json.RawMessage
}

// EventVerifier authenticates a raw webhook delivery against its signature
// header. A verification failure means the payload must not be trusted at
// all.
type EventVerifier interface {
	VerifyEvent(payload []byte, sigHeader string) (Event, error)
}

// =============================================================================
// ERRORS
// =============================================================================

// Error is a gateway call failure. Retryable distinguishes transient
// transport failures from terminal outcomes such as a card decline.
type Error struct {
	Op        string // "retrieve_setup", "create_charge", "create_subscription"
	Code      string // processor error code, when reported
	Reason    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway %s: %s (%s)", e.Op, e.Reason, e.Code)
	}
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }
