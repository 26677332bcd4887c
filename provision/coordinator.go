/*
Package provision implements the storefront provisioning saga.

PURPOSE:
  Drives the multi-step creation of a billable storefront across two systems
  that share no transaction: the local Ledger Store and the external payment
  processor. The sequence is

    stage tenant -> one-time setup charge -> recurring subscription -> finalize

  with compensation on failure. The ordering principle: the staged tenant row
  is deleted only while no money has moved; once a charge succeeds, the row
  is never deleted again.

IDEMPOTENCY:
  The payment setup reference is the saga's idempotency key. Re-invoking
  Confirm with the reference of an already-finalized storefront returns the
  existing result without touching the processor. A reference whose earlier
  run crashed resumes from the first incomplete step: the recorded charge
  reference tells the coordinator whether money already moved.

THE ONE IRRECOVERABLE BRANCH:
  If the charge succeeds and the subscription call then fails, the tenant is
  parked in payment_failed: a terminal state carrying the charge reference,
  surfaced to operators and never retried automatically. An automatic refund
  here would race processor-side retries; a human decides.

SEE ALSO:
  - gateway/: the processor port this saga drives
  - store/sqlite/: uniqueness constraints backing cross-run exclusion
  - webhook/: reconciles processor-originated state afterwards
*/
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warp/storefront-engine/billing"
	"github.com/warp/storefront-engine/gateway"
	"github.com/warp/storefront-engine/notify"
	"github.com/warp/storefront-engine/store/sqlite"
	"github.com/warp/storefront-engine/tenant"
)

// DefaultChargeTimeout bounds the one-time charge call. The charge is the
// step most likely to hang on processor latency, and the caller is an
// interactive request.
const DefaultChargeTimeout = 30 * time.Second

// Metadata keys written by the client-side setup flow and read back here.
const (
	metaAccountID   = "account_id"
	metaStoreName   = "store_name"
	metaStoreHandle = "store_handle"
	metaPlanID      = "plan_id"
)

// Result is the outcome of a successful (or already-complete) saga run.
type Result struct {
	TenantID string
	Handle   string
	Status   tenant.Status

	// AlreadyProvisioned is true when the run was a replay of a finished
	// saga and no processor calls were made.
	AlreadyProvisioned bool
}

// Coordinator runs the provisioning saga. Safe for concurrent use; two
// concurrent runs for the same owner or setup reference are serialized by
// the store's uniqueness constraints, not by locks here.
type Coordinator struct {
	store    *sqlite.Store
	gw       gateway.Client
	plans    *billing.Catalog
	notifier notify.Dispatcher
	log      zerolog.Logger

	chargeTimeout time.Duration
	now           func() time.Time
}

// New creates a Coordinator.
func New(store *sqlite.Store, gw gateway.Client, plans *billing.Catalog, notifier notify.Dispatcher, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:         store,
		gw:            gw,
		plans:         plans,
		notifier:      notifier,
		log:           log.With().Str("component", "provision").Logger(),
		chargeTimeout: DefaultChargeTimeout,
		now:           time.Now,
	}
}

// WithChargeTimeout overrides the charge deadline (tests use a short one).
func (c *Coordinator) WithChargeTimeout(d time.Duration) *Coordinator {
	c.chargeTimeout = d
	return c
}

// WithClock overrides the time source.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Confirm runs the provisioning saga for a client-confirmed payment setup.
//
// The setup reference must belong to the requester and be in the succeeded
// state. Calling again with the same reference is safe: a finished run
// replays its result with zero processor calls, a crashed run resumes from
// its first incomplete step.
func (c *Coordinator) Confirm(ctx context.Context, setupRef, requesterID string) (*Result, error) {
	if setupRef == "" || requesterID == "" {
		return nil, fmt.Errorf("%w: missing setup reference or requester", tenant.ErrUnconfirmedPaymentMethod)
	}

	log := c.log.With().Str("setup_ref", setupRef).Str("requester", requesterID).Logger()

	// Idempotency entry point: look for an earlier run BEFORE any processor
	// call, so replays of finished runs stay entirely local.
	existing, err := c.store.GetTenantBySetupRef(ctx, setupRef)
	if err != nil {
		return nil, fmt.Errorf("lookup by setup reference: %w", err)
	}
	if existing != nil {
		switch existing.Status {
		case tenant.StatusPendingPayment:
			// Crashed mid-saga; fall through and resume.
			log.Info().Str("tenant_id", existing.ID).Msg("resuming interrupted provisioning run")
		case tenant.StatusPaymentFailed:
			// Money moved, subscription did not. Never auto-retried.
			return nil, &tenant.ManualReviewError{
				TenantID:  existing.ID,
				ChargeRef: existing.OneTimePaymentRef,
				Reason:    "previous run left storefront awaiting manual review",
			}
		default:
			log.Info().Str("tenant_id", existing.ID).Msg("replay of completed provisioning run")
			return &Result{
				TenantID:           existing.ID,
				Handle:             existing.Handle,
				Status:             existing.Status,
				AlreadyProvisioned: true,
			}, nil
		}
	}

	// Retrieve and validate the setup. Ownership is checked against the
	// metadata written when the client created the setup: a reference
	// belonging to someone else is indistinguishable from an unconfirmed one.
	setup, err := c.gw.RetrieveSetup(ctx, setupRef)
	if err != nil {
		return nil, fmt.Errorf("retrieve payment setup: %w", err)
	}
	if setup.Status != gateway.SetupSucceeded {
		return nil, fmt.Errorf("%w: setup %s is %s", tenant.ErrUnconfirmedPaymentMethod, setupRef, setup.Status)
	}
	if setup.Metadata[metaAccountID] != requesterID {
		return nil, fmt.Errorf("%w: setup does not belong to requester", tenant.ErrUnconfirmedPaymentMethod)
	}

	name := setup.Metadata[metaStoreName]
	handle := setup.Metadata[metaStoreHandle]
	planID := setup.Metadata[metaPlanID]
	if name == "" || handle == "" {
		return nil, fmt.Errorf("%w: setup metadata missing store name or handle", tenant.ErrUnconfirmedPaymentMethod)
	}
	plan, ok := c.plans.ByID(planID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", tenant.ErrInvalidPlanConfiguration, planID)
	}
	if plan.PriceRef == "" {
		return nil, fmt.Errorf("%w: plan %q has no recurring price", tenant.ErrInvalidPlanConfiguration, planID)
	}

	// Stage. The owner and handle UNIQUE indexes reject duplicates here,
	// before any money moves.
	t := existing
	if t == nil {
		t = &tenant.Tenant{
			ID:              uuid.New().String(),
			Name:            name,
			Handle:          handle,
			OwnerID:         requesterID,
			Status:          tenant.StatusPendingPayment,
			PaymentSetupRef: setupRef,
		}
		if err := c.store.CreateTenant(ctx, *t); err != nil {
			return nil, err
		}
		log.Info().Str("tenant_id", t.ID).Str("handle", handle).Msg("storefront staged")
	}

	// One-time setup charge. Skipped on resume when a charge reference was
	// already recorded, and skipped entirely for plans with no setup fee.
	chargeRef := t.OneTimePaymentRef
	if chargeRef == "" && plan.SetupFee.IsPositive() {
		charge, err := c.charge(ctx, setup, plan, t.ID)
		if err != nil {
			// No charge reference was ever recorded, so the staged row can
			// still be compensated away.
			if delErr := c.store.DeleteTenant(ctx, t.ID); delErr != nil {
				log.Error().Err(delErr).Str("tenant_id", t.ID).Msg("failed to compensate staged storefront")
			}
			return nil, err
		}
		chargeRef = charge.Ref

		// Crash barrier: once the charge reference is durable, a crash
		// resumes at the subscription step instead of re-charging.
		if err := c.store.SetTenantChargeRef(ctx, t.ID, chargeRef); err != nil {
			return nil, fmt.Errorf("record charge reference: %w", err)
		}
		log.Info().Str("tenant_id", t.ID).Str("charge_ref", chargeRef).Msg("setup charge succeeded")
	}

	// Recurring subscription. From here on the tenant row is never deleted.
	sub, err := c.gw.CreateSubscription(ctx, gateway.SubscriptionParams{
		CustomerRef:   setup.CustomerRef,
		PriceRef:      plan.PriceRef,
		PaymentMethod: setup.PaymentMethod,
		Metadata: map[string]string{
			"tenant_id":  t.ID,
			metaAccountID: requesterID,
			metaPlanID:    plan.ID,
		},
	})
	if err != nil {
		return nil, c.parkForManualReview(ctx, log, t.ID, chargeRef, "", err.Error())
	}
	subStatus := tenant.SubscriptionStatus(sub.Status)
	if subStatus != tenant.SubscriptionActive && subStatus != tenant.SubscriptionTrialing {
		return nil, c.parkForManualReview(ctx, log, t.ID, chargeRef, sub.Ref,
			fmt.Sprintf("subscription created in state %s", sub.Status))
	}

	// Finalize atomically: tenant references + status, local subscription
	// mirror, role elevation.
	nextBillingAt := c.nextBillingAt(plan, sub)
	err = c.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		if err := tx.FinalizeTenant(ctx, t.ID, chargeRef, sub.Ref, string(subStatus), nextBillingAt); err != nil {
			return err
		}
		if err := tx.CreateSubscription(ctx, tenant.Subscription{
			ID:               uuid.New().String(),
			OwnerID:          requesterID,
			PlanID:           plan.ID,
			ExternalID:       sub.Ref,
			Status:           subStatus,
			CurrentPeriodEnd: nextBillingAt,
		}); err != nil {
			return err
		}
		return tx.UpsertAccountRole(ctx, requesterID, tenant.RoleVendor)
	})
	if err != nil {
		// The subscription exists at the processor but finalize did not
		// commit; same manual-review posture as a failed subscribe call.
		return nil, c.parkForManualReview(ctx, log, t.ID, chargeRef, sub.Ref,
			fmt.Sprintf("finalize failed: %v", err))
	}

	log.Info().
		Str("tenant_id", t.ID).
		Str("handle", handle).
		Str("subscription_ref", sub.Ref).
		Msg("storefront provisioned")

	if err := c.notifier.Dispatch(ctx, notify.EventStorefrontProvisioned, requesterID, map[string]string{
		"tenant_id": t.ID,
		"handle":    handle,
	}); err != nil {
		log.Warn().Err(err).Msg("provisioning notification failed")
	}

	return &Result{TenantID: t.ID, Handle: handle, Status: tenant.StatusPending}, nil
}

// charge runs the one-time setup charge under a bounded deadline. The
// idempotency key is derived from the setup reference, so a retried run
// cannot double-charge even if an earlier attempt's outcome was lost.
func (c *Coordinator) charge(ctx context.Context, setup *gateway.Setup, plan billing.Plan, tenantID string) (*gateway.Charge, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, c.chargeTimeout)
	defer cancel()

	charge, err := c.gw.CreateCharge(chargeCtx, gateway.ChargeParams{
		Amount:         billing.MinorUnits(plan.SetupFee),
		Currency:       plan.Currency,
		CustomerRef:    setup.CustomerRef,
		PaymentMethod:  setup.PaymentMethod,
		IdempotencyKey: "setup-fee-" + setup.Ref,
		Metadata: map[string]string{
			"tenant_id": tenantID,
			"setup_ref": setup.Ref,
			metaPlanID:  plan.ID,
		},
	})
	if err != nil {
		retryable := true
		var gwErr *gateway.Error
		if errors.As(err, &gwErr) {
			retryable = gwErr.Retryable
		}
		return nil, &tenant.PaymentError{SetupRef: setup.Ref, Reason: err.Error(), Retryable: retryable}
	}
	if !charge.Final() {
		return nil, &tenant.PaymentError{
			SetupRef:  setup.Ref,
			Reason:    fmt.Sprintf("charge %s did not complete (status %s)", charge.Ref, charge.Status),
			Retryable: false,
		}
	}
	return charge, nil
}

// parkForManualReview moves the tenant to the terminal payment_failed state
// and returns the ManualReviewError surfaced to the caller. The charge
// reference stays on the row for the operator, and when the processor-side
// subscription was already created its reference is persisted too so the
// operator query shows the full linkage.
func (c *Coordinator) parkForManualReview(ctx context.Context, log zerolog.Logger, tenantID, chargeRef, subRef, reason string) error {
	if err := c.store.TransitionTenantStatus(ctx, tenantID, tenant.StatusPendingPayment, tenant.StatusPaymentFailed); err != nil {
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to mark storefront payment_failed")
	}
	if subRef != "" {
		if err := c.store.SetTenantSubscriptionRef(ctx, tenantID, subRef); err != nil {
			log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to record subscription reference")
		}
	}
	log.Error().
		Str("tenant_id", tenantID).
		Str("charge_ref", chargeRef).
		Str("subscription_ref", subRef).
		Str("reason", reason).
		Msg("storefront requires manual review: charge taken, subscription not finalized")

	return &tenant.ManualReviewError{TenantID: tenantID, ChargeRef: chargeRef, Reason: reason}
}

// nextBillingAt prefers the processor-reported period end and falls back to
// the plan interval when the processor did not report one.
func (c *Coordinator) nextBillingAt(plan billing.Plan, sub *gateway.Subscription) *time.Time {
	if !sub.CurrentPeriodEnd.IsZero() {
		t := sub.CurrentPeriodEnd.UTC()
		return &t
	}
	var t time.Time
	switch plan.Interval {
	case billing.IntervalYear:
		t = c.now().UTC().AddDate(1, 0, 0)
	default:
		t = c.now().UTC().AddDate(0, 1, 0)
	}
	return &t
}
