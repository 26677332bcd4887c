/*
Package webhook implements the processor event reconciliation engine.

PURPOSE:
  Receives signed processor events and converges the Ledger Store toward the
  processor-reported state. Events arrive at-least-once, out of order, and
  possibly forged - every handler is written against those three facts.

TRUST BOUNDARY:
  Nothing in a delivery is trusted until its signature verifies. Payloads are
  then decoded against closed per-event-type schemas rather than the full
  processor object model, so an SDK or API-version drift cannot silently
  change what a handler reads.

OUTCOME CONTRACT:
  - invalid signature:        error (HTTP 400), zero writes
  - handled successfully:     nil  (HTTP 2xx)
  - unknown event type:       nil  (acknowledged and ignored)
  - no matching local record: nil  (logged; redelivery will not help)
  - handler failure:          error (non-2xx so the processor redelivers)
  Redelivery safety comes from the store's uniqueness constraints, not from
  the processed-event fast path, which is best-effort only.

SEE ALSO:
  - gateway/: the EventVerifier primitive
  - provision/: creates the records these handlers mutate
  - billing/: fee split applied at order recording time
*/
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/storefront-engine/billing"
	"github.com/warp/storefront-engine/gateway"
	"github.com/warp/storefront-engine/notify"
	"github.com/warp/storefront-engine/store/sqlite"
	"github.com/warp/storefront-engine/tenant"
)

// Event types this engine reconciles. Everything else is acknowledged and
// ignored.
const (
	eventCheckoutCompleted   = "checkout.session.completed"
	eventSubscriptionUpdated = "customer.subscription.updated"
	eventSubscriptionDeleted = "customer.subscription.deleted"
	eventInvoiceFailed       = "invoice.payment_failed"
)

// Engine reconciles verified processor events into the Ledger Store.
//
// FeeRate is snapshotted at construction: every order recorded by this
// engine instance splits fees at the same rate, and the rate is stored on
// the ledger entry so later rate changes never rewrite history.
type Engine struct {
	store    *sqlite.Store
	verifier gateway.EventVerifier
	notifier notify.Dispatcher
	feeRate  decimal.Decimal
	log      zerolog.Logger
}

// New creates an Engine.
func New(store *sqlite.Store, verifier gateway.EventVerifier, notifier notify.Dispatcher, feeRate decimal.Decimal, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		verifier: verifier,
		notifier: notifier,
		feeRate:  feeRate,
		log:      log.With().Str("component", "webhook").Logger(),
	}
}

// HandleEvent verifies and applies one raw webhook delivery.
func (e *Engine) HandleEvent(ctx context.Context, payload []byte, sigHeader string) error {
	event, err := e.verifier.VerifyEvent(payload, sigHeader)
	if err != nil {
		return fmt.Errorf("%w: %v", tenant.ErrInvalidSignature, err)
	}

	log := e.log.With().Str("event_id", event.ID).Str("event_type", event.Type).Logger()

	// Best-effort redelivery fast path. A lookup failure falls through to
	// the handlers, which are independently idempotent.
	if handled, err := e.store.IsEventHandled(ctx, event.ID); err == nil && handled {
		log.Debug().Msg("event already processed")
		return nil
	}

	switch event.Type {
	case eventCheckoutCompleted:
		err = e.handleCheckoutCompleted(ctx, log, event.Payload)
	case eventSubscriptionUpdated:
		err = e.handleSubscriptionUpdated(ctx, log, event.Payload)
	case eventSubscriptionDeleted:
		err = e.handleSubscriptionDeleted(ctx, log, event.Payload)
	case eventInvoiceFailed:
		err = e.handleInvoiceFailed(ctx, log, event.Payload)
	default:
		log.Debug().Msg("ignoring unhandled event type")
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("event handling failed; processor will redeliver")
		return err
	}

	if err := e.store.MarkEventHandled(ctx, event.ID, event.Type); err != nil {
		log.Warn().Err(err).Msg("failed to record processed event id")
	}
	return nil
}

// =============================================================================
// PAYLOAD SCHEMAS
// =============================================================================
// Closed structs decoded straight from the event payload. Only the fields
// the handlers read are declared; unknown fields are ignored by design so
// processor API additions cannot break decoding.

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	ShippingDetails   *struct {
		Name    string `json:"name"`
		Address struct {
			Line1      string `json:"line1"`
			Line2      string `json:"line2"`
			City       string `json:"city"`
			State      string `json:"state"`
			PostalCode string `json:"postal_code"`
			Country    string `json:"country"`
		} `json:"address"`
	} `json:"shipping_details"`
}

type subscriptionEvent struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CancelAt          int64  `json:"cancel_at"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type invoiceEvent struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// =============================================================================
// CHECKOUT COMPLETED
// =============================================================================

// handleCheckoutCompleted records an order and its fee split. The checkout
// session id is the idempotency key: a redelivered event finds the existing
// order and only backfills a missing fee split.
func (e *Engine) handleCheckoutCompleted(ctx context.Context, log zerolog.Logger, payload json.RawMessage) error {
	var session checkoutSession
	if err := json.Unmarshal(payload, &session); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	log = log.With().Str("checkout_ref", session.ID).Logger()

	// A checkout that set up a subscription is the client-side provisioning
	// flow. The saga (or an earlier delivery) has already created the
	// records; a second storefront for the same subscription or buyer must
	// never be created from here.
	if session.Mode == "subscription" || session.Metadata["provisioning"] == "true" {
		return e.reconcileProvisioningCheckout(ctx, log, session)
	}

	buyerID := session.ClientReferenceID
	if buyerID == "" {
		buyerID = session.Metadata["account_id"]
	}
	if buyerID == "" {
		// Nothing to attribute the order to. Redelivery cannot fix this.
		log.Warn().Msg("checkout session has no buyer reference; skipping")
		return nil
	}

	existing, err := e.store.GetOrderByCheckoutRef(ctx, session.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		log.Debug().Str("order_id", existing.ID).Msg("order already recorded")
		return e.ensureFeeSplit(ctx, log, existing)
	}

	order := tenant.Order{
		ID:          uuid.New().String(),
		BuyerID:     buyerID,
		TenantID:    session.Metadata["tenant_id"],
		CheckoutRef: session.ID,
		Total:       decimal.New(session.AmountTotal, -2),
		Currency:    session.Currency,
		Status:      tenant.OrderPaid,
	}
	if sd := session.ShippingDetails; sd != nil {
		order.ShipName = sd.Name
		order.ShipAddress = formatAddress(sd.Address.Line1, sd.Address.Line2, sd.Address.City,
			sd.Address.State, sd.Address.PostalCode, sd.Address.Country)
	}

	err = e.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		if ref := session.Metadata["product_ref"]; ref != "" {
			return tx.CreateOrderItem(ctx, tenant.OrderItem{
				ID:         uuid.New().String(),
				OrderID:    order.ID,
				ProductRef: ref,
				Quantity:   1,
				UnitPrice:  order.Total,
			})
		}
		return nil
	})
	if errors.Is(err, tenant.ErrDuplicateExternalRef) {
		// Lost the race with a concurrent delivery of the same event.
		log.Debug().Msg("order recorded by concurrent delivery")
		if existing, lookupErr := e.store.GetOrderByCheckoutRef(ctx, session.ID); lookupErr == nil && existing != nil {
			return e.ensureFeeSplit(ctx, log, existing)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("record order: %w", err)
	}
	log.Info().Str("order_id", order.ID).Str("total", order.Total.String()).Msg("order recorded")

	if err := e.ensureFeeSplit(ctx, log, &order); err != nil {
		return err
	}

	if err := e.notifier.Dispatch(ctx, notify.EventOrderConfirmed, buyerID, map[string]string{
		"order_id": order.ID,
		"total":    order.Total.StringFixed(2),
		"currency": order.Currency,
	}); err != nil {
		log.Warn().Err(err).Msg("order notification failed")
	}
	return nil
}

// ensureFeeSplit writes the fee-split ledger entry for a marketplace order if
// it does not exist yet. Orders with no storefront linkage are direct platform
// sales and carry no split. The order commits first and is never rolled back:
// a failure here returns an error so redelivery retries only the split.
func (e *Engine) ensureFeeSplit(ctx context.Context, log zerolog.Logger, order *tenant.Order) error {
	if order.TenantID == "" {
		log.Debug().Str("order_id", order.ID).Msg("direct sale; no fee split")
		return nil
	}
	split := billing.Split(order.Total, e.feeRate)
	err := e.store.CreatePlatformTransaction(ctx, tenant.PlatformTransaction{
		ID:           uuid.New().String(),
		OrderID:      order.ID,
		Gross:        order.Total,
		PlatformFee:  split.PlatformFee,
		TenantPayout: split.TenantPayout,
		FeeRate:      e.feeRate,
		Status:       tenant.PlatformTxPending,
	})
	if errors.Is(err, tenant.ErrDuplicateExternalRef) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("record fee split for order %s: %w", order.ID, err)
	}
	log.Info().
		Str("order_id", order.ID).
		Str("platform_fee", split.PlatformFee.String()).
		Str("tenant_payout", split.TenantPayout.String()).
		Msg("fee split recorded")
	return nil
}

// reconcileProvisioningCheckout handles the checkout-flow variant of
// provisioning. When the storefront already exists the event is a duplicate
// and succeeds as a no-op. Otherwise the subscription the checkout set up is
// recorded locally, keyed on its external id: a redelivery or an
// out-of-order subscription.updated converges on the same row.
func (e *Engine) reconcileProvisioningCheckout(ctx context.Context, log zerolog.Logger, session checkoutSession) error {
	if session.Subscription != "" {
		t, err := e.store.GetTenantBySubscriptionRef(ctx, session.Subscription)
		if err != nil {
			return err
		}
		if t != nil {
			log.Debug().Str("tenant_id", t.ID).Msg("storefront already provisioned for subscription")
			return nil
		}
	}
	if owner := session.ClientReferenceID; owner != "" {
		t, err := e.store.GetTenantByOwner(ctx, owner)
		if err != nil {
			return err
		}
		if t != nil {
			log.Debug().Str("tenant_id", t.ID).Msg("owner already has a storefront")
			return nil
		}
	}

	if session.Subscription == "" {
		log.Warn().
			Str("owner", session.ClientReferenceID).
			Msg("provisioning checkout carries no subscription; needs operator attention")
		return nil
	}

	ownerID := session.ClientReferenceID
	if ownerID == "" {
		ownerID = session.Metadata["account_id"]
	}
	if ownerID == "" {
		log.Warn().
			Str("subscription_ref", session.Subscription).
			Msg("provisioning checkout has no owner reference; needs operator attention")
		return nil
	}

	err := e.store.CreateSubscription(ctx, tenant.Subscription{
		ID:         uuid.New().String(),
		OwnerID:    ownerID,
		PlanID:     session.Metadata["plan_id"],
		ExternalID: session.Subscription,
		Status:     tenant.SubscriptionActive,
	})
	if errors.Is(err, tenant.ErrDuplicateExternalRef) {
		log.Debug().Str("subscription_ref", session.Subscription).Msg("subscription already recorded")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record subscription from checkout: %w", err)
	}
	log.Info().
		Str("subscription_ref", session.Subscription).
		Str("owner", ownerID).
		Msg("subscription recorded from checkout")
	return nil
}

// =============================================================================
// SUBSCRIPTION LIFECYCLE
// =============================================================================

func (e *Engine) handleSubscriptionUpdated(ctx context.Context, log zerolog.Logger, payload json.RawMessage) error {
	var sub subscriptionEvent
	if err := json.Unmarshal(payload, &sub); err != nil {
		return fmt.Errorf("decode subscription event: %w", err)
	}
	log = log.With().Str("subscription_ref", sub.ID).Logger()

	status := tenant.SubscriptionStatus(sub.Status)
	periodEnd := subscriptionPeriodEnd(sub)

	// A pending cancellation is reported either as the explicit flag or as a
	// scheduled cancel_at timestamp.
	cancelPending := sub.CancelAtPeriodEnd || sub.CancelAt > 0

	updated, err := e.store.SyncSubscription(ctx, sub.ID, status, periodEnd, cancelPending)
	if err != nil {
		return fmt.Errorf("sync subscription: %w", err)
	}
	if !updated {
		// Out-of-order delivery relative to provisioning, or a subscription
		// this system never created. Redelivery will not help.
		log.Warn().Msg("subscription update matches no local record")
		return nil
	}

	if _, err := e.store.SyncTenantBilling(ctx, sub.ID, sub.Status, periodEnd); err != nil {
		return fmt.Errorf("sync tenant billing: %w", err)
	}

	log.Info().
		Str("status", sub.Status).
		Bool("cancel_at_period_end", cancelPending).
		Msg("subscription synced")
	return nil
}

func (e *Engine) handleSubscriptionDeleted(ctx context.Context, log zerolog.Logger, payload json.RawMessage) error {
	var sub subscriptionEvent
	if err := json.Unmarshal(payload, &sub); err != nil {
		return fmt.Errorf("decode subscription event: %w", err)
	}
	log = log.With().Str("subscription_ref", sub.ID).Logger()

	updated, err := e.store.SetSubscriptionStatus(ctx, sub.ID, tenant.SubscriptionCanceled)
	if err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}
	if !updated {
		log.Warn().Msg("subscription deletion matches no local record")
		return nil
	}
	if _, err := e.store.SyncTenantBilling(ctx, sub.ID, string(tenant.SubscriptionCanceled), nil); err != nil {
		return fmt.Errorf("sync tenant billing: %w", err)
	}

	log.Info().Msg("subscription canceled")

	if local, err := e.store.GetSubscriptionByExternalID(ctx, sub.ID); err == nil && local != nil {
		if err := e.notifier.Dispatch(ctx, notify.EventSubscriptionCanceled, local.OwnerID, map[string]string{
			"subscription_ref": sub.ID,
		}); err != nil {
			log.Warn().Err(err).Msg("cancellation notification failed")
		}
	}
	return nil
}

func (e *Engine) handleInvoiceFailed(ctx context.Context, log zerolog.Logger, payload json.RawMessage) error {
	var inv invoiceEvent
	if err := json.Unmarshal(payload, &inv); err != nil {
		return fmt.Errorf("decode invoice event: %w", err)
	}

	// Newer API versions report the subscription under parent details.
	subRef := inv.Subscription
	if subRef == "" {
		subRef = inv.Parent.SubscriptionDetails.Subscription
	}
	if subRef == "" {
		log.Debug().Str("invoice", inv.ID).Msg("failed invoice is not subscription-linked; ignoring")
		return nil
	}
	log = log.With().Str("subscription_ref", subRef).Logger()

	updated, err := e.store.SetSubscriptionStatus(ctx, subRef, tenant.SubscriptionPastDue)
	if err != nil {
		return fmt.Errorf("mark subscription past_due: %w", err)
	}
	if !updated {
		log.Warn().Str("invoice", inv.ID).Msg("failed invoice matches no local subscription")
		return nil
	}
	if _, err := e.store.SyncTenantBilling(ctx, subRef, string(tenant.SubscriptionPastDue), nil); err != nil {
		return fmt.Errorf("sync tenant billing: %w", err)
	}

	log.Warn().Str("invoice", inv.ID).Msg("recurring payment failed; subscription past due")

	if local, err := e.store.GetSubscriptionByExternalID(ctx, subRef); err == nil && local != nil {
		if err := e.notifier.Dispatch(ctx, notify.EventPaymentPastDue, local.OwnerID, map[string]string{
			"subscription_ref": subRef,
			"invoice":          inv.ID,
		}); err != nil {
			log.Warn().Err(err).Msg("past-due notification failed")
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// subscriptionPeriodEnd prefers the top-level field and falls back to the
// first item carrying one (newer API versions report it per item). Returns
// nil when the event carried none, so an existing value is never zeroed.
func subscriptionPeriodEnd(sub subscriptionEvent) *time.Time {
	ts := sub.CurrentPeriodEnd
	if ts == 0 {
		for _, item := range sub.Items.Data {
			if item.CurrentPeriodEnd > 0 {
				ts = item.CurrentPeriodEnd
				break
			}
		}
	}
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}

func formatAddress(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += p
	}
	return out
}
