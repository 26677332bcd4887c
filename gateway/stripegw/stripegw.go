/*
Package stripegw implements the payment gateway port over the Stripe API.

PURPOSE:
  Implements gateway.Client and gateway.EventVerifier using stripe-go.
  Setup references are SetupIntent ids, charges are off-session
  PaymentIntents, and subscriptions are Stripe subscriptions on a configured
  price object.

IDEMPOTENCY:
  Charge creation passes the caller's idempotency key through to Stripe, so
  a network-level retry of the same saga run cannot create a second
  PaymentIntent.

SIGNATURE VERIFICATION:
  VerifyEvent wraps webhook.ConstructEvent with the endpoint's shared
  secret. API-version mismatches are tolerated: payloads are decoded against
  closed per-event schemas downstream, never against the full Stripe object
  graph.

SEE ALSO:
  - gateway/gateway.go: Port definition
  - webhook/: Consumes VerifyEvent
*/
package stripegw

import (
	"context"
	"errors"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/setupintent"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/warp/storefront-engine/gateway"
)

// Gateway talks to Stripe. The zero value is not usable; construct with New.
type Gateway struct {
	webhookSecret string
}

// New configures the Stripe client key and returns a Gateway.
func New(apiKey, webhookSecret string) *Gateway {
	stripe.Key = apiKey
	return &Gateway{webhookSecret: webhookSecret}
}

// RetrieveSetup loads a SetupIntent by id.
func (g *Gateway) RetrieveSetup(ctx context.Context, setupRef string) (*gateway.Setup, error) {
	params := &stripe.SetupIntentParams{}
	params.Context = ctx

	si, err := setupintent.Get(setupRef, params)
	if err != nil {
		return nil, wrapErr("retrieve_setup", err)
	}

	s := &gateway.Setup{
		Ref:      si.ID,
		Status:   string(si.Status),
		Metadata: si.Metadata,
	}
	if si.Customer != nil {
		s.CustomerRef = si.Customer.ID
	}
	if si.PaymentMethod != nil {
		s.PaymentMethod = si.PaymentMethod.ID
	}
	return s, nil
}

// CreateCharge creates and confirms an off-session PaymentIntent.
func (g *Gateway) CreateCharge(ctx context.Context, p gateway.ChargeParams) (*gateway.Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(p.Amount),
		Currency:      stripe.String(p.Currency),
		Customer:      stripe.String(p.CustomerRef),
		PaymentMethod: stripe.String(p.PaymentMethod),
		OffSession:    stripe.Bool(true),
		Confirm:       stripe.Bool(true),
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, wrapErr("create_charge", err)
	}

	return &gateway.Charge{Ref: pi.ID, Status: chargeStatus(pi.Status)}, nil
}

// CreateSubscription creates a Stripe subscription on the configured price.
func (g *Gateway) CreateSubscription(ctx context.Context, p gateway.SubscriptionParams) (*gateway.Subscription, error) {
	params := &stripe.SubscriptionParams{
		Customer: stripe.String(p.CustomerRef),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(p.PriceRef)},
		},
	}
	params.Context = ctx
	if p.PaymentMethod != "" {
		params.DefaultPaymentMethod = stripe.String(p.PaymentMethod)
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	sub, err := subscription.New(params)
	if err != nil {
		return nil, wrapErr("create_subscription", err)
	}

	out := &gateway.Subscription{Ref: sub.ID, Status: string(sub.Status)}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > 0 {
				out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
				break
			}
		}
	}
	return out, nil
}

// VerifyEvent authenticates a webhook delivery and returns the trusted
// envelope.
func (g *Gateway) VerifyEvent(payload []byte, sigHeader string) (gateway.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return gateway.Event{}, err
	}
	return gateway.Event{
		ID:      event.ID,
		Type:    string(event.Type),
		Payload: event.Data.Raw,
	}, nil
}

func chargeStatus(s stripe.PaymentIntentStatus) string {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return gateway.ChargeSucceeded
	case stripe.PaymentIntentStatusRequiresAction:
		return gateway.ChargeRequiresAction
	case stripe.PaymentIntentStatusProcessing:
		return gateway.ChargeProcessing
	default:
		return gateway.ChargeFailed
	}
}

// wrapErr maps a stripe-go error onto gateway.Error. Card declines and other
// request errors are terminal; transport and API failures are retryable.
func wrapErr(op string, err error) *gateway.Error {
	var se *stripe.Error
	if errors.As(err, &se) {
		retryable := se.Type == stripe.ErrorTypeAPI
		reason := se.Msg
		if reason == "" {
			reason = string(se.Code)
		}
		return &gateway.Error{
			Op:        op,
			Code:      string(se.Code),
			Reason:    reason,
			Retryable: retryable,
			Err:       err,
		}
	}
	return &gateway.Error{
		Op:        op,
		Reason:    err.Error(),
		Retryable: true,
		Err:       err,
	}
}
