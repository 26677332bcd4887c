/*
Package tenant contains the core domain model for the storefront engine.

PURPOSE:
  This package defines the records held in the Ledger Store (Tenant,
  Subscription, Order, PlatformTransaction) and the lifecycle state machines
  that govern them. It has no dependency on the payment gateway or the
  database - it is the shared vocabulary of the provisioning saga and the
  webhook reconciliation engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Tenant: A provisioned, billable storefront with payment linkage
  - Subscription: The local mirror of an external recurring-billing record
  - Order / OrderItem: A purchase event, optionally a marketplace sale
  - PlatformTransaction: The immutable fee-split ledger entry for a sale
  - Account: A requester identity with a role (auth itself lives elsewhere)

DESIGN PRINCIPLES:
  1. External references as idempotency keys: every payment-gateway
     identifier that gates a side effect is a UNIQUE column in the store
  2. Precision: money is decimal.Decimal, never float
  3. Status over deletion: subscriptions are cancelled, never removed
  4. Explicit state machine: tenant status transitions are validated, not
     implied by exception-driven control flow

SEE ALSO:
  - errors.go: Sentinel errors shared by saga and webhook engine
  - provision/: The saga that creates tenants
  - webhook/: The engine that reconciles processor events into this model
*/
package tenant

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TENANT - A billable storefront
// =============================================================================

// Status is the tenant provisioning lifecycle state.
type Status string

const (
	// StatusPendingPayment is the staged state: the row exists so a crashed
	// saga run can be reconciled, but no money has necessarily moved yet.
	StatusPendingPayment Status = "pending_payment"

	// StatusPending means payment and billing setup completed; the storefront
	// awaits the external review workflow.
	StatusPending Status = "pending"

	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"

	// StatusPaymentFailed means the one-time charge succeeded but the
	// recurring-billing step did not. Real money is linked to this row, so it
	// is never deleted and never retried automatically: it is terminal
	// pending manual intervention.
	StatusPaymentFailed Status = "payment_failed"
)

// validTransitions encodes the provisioning state machine. A tenant enters at
// pending_payment; review-workflow transitions (pending -> approved/rejected)
// happen outside this system but are listed so audit code can validate them.
var validTransitions = map[Status][]Status{
	StatusPendingPayment: {StatusPending, StatusPaymentFailed},
	StatusPending:        {StatusApproved, StatusRejected},
	StatusPaymentFailed:  {StatusPending},
}

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// step. The payment_failed -> pending edge exists only for manual operator
// reconciliation.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Tenant is a vendor storefront. At most one exists per owner.
type Tenant struct {
	ID      string
	Name    string
	Handle  string // unique routable subdomain
	OwnerID string
	Status  Status

	// Payment linkage. PaymentSetupRef is recorded at staging time and is the
	// idempotency key for the whole saga run; the other two are filled in as
	// the saga progresses.
	PaymentSetupRef     string
	OneTimePaymentRef   string // external charge id
	RecurringBillingRef string // external subscription id
	BillingStatus       string
	NextBillingAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// SUBSCRIPTION - Local mirror of external recurring billing
// =============================================================================

// SubscriptionStatus mirrors the external billing status vocabulary.
type SubscriptionStatus string

const (
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionUnpaid     SubscriptionStatus = "unpaid"
)

// Subscription is created once per successful saga run or checkout event and
// thereafter mutated only by the webhook reconciliation engine. ExternalID is
// globally unique; the store rejects a second row for the same external id.
type Subscription struct {
	ID                string
	OwnerID           string
	PlanID            string
	ExternalID        string
	Status            SubscriptionStatus
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// =============================================================================
// ORDER - A purchase event
// =============================================================================

type OrderStatus string

const (
	OrderPaid     OrderStatus = "paid"
	OrderRefunded OrderStatus = "refunded"
)

// Order records a sale. TenantID is set only for marketplace sales; direct
// platform purchases (e.g. a provisioning checkout) leave it empty.
// CheckoutRef is the external checkout-session id and makes order creation
// replay-safe under webhook redelivery.
type Order struct {
	ID          string
	BuyerID     string
	TenantID    string
	CheckoutRef string
	Total       decimal.Decimal
	Currency    string
	Status      OrderStatus

	ShipName    string
	ShipAddress string

	CreatedAt time.Time
}

type OrderItem struct {
	ID         string
	OrderID    string
	ProductRef string
	Quantity   int
	UnitPrice  decimal.Decimal
}

// =============================================================================
// PLATFORM TRANSACTION - Fee-split ledger entry
// =============================================================================

type PlatformTransactionStatus string

const (
	PlatformTxPending PlatformTransactionStatus = "pending"
	PlatformTxSettled PlatformTransactionStatus = "settled"
	PlatformTxVoided  PlatformTransactionStatus = "voided"
)

// PlatformTransaction is the fee split computed at order-creation time.
// Invariant: PlatformFee + TenantPayout == Gross at FeeRate, computed once
// and never recomputed even if the configured rate changes later. Immutable
// except for Status.
type PlatformTransaction struct {
	ID           string
	OrderID      string
	Gross        decimal.Decimal
	PlatformFee  decimal.Decimal
	TenantPayout decimal.Decimal
	FeeRate      decimal.Decimal
	Status       PlatformTransactionStatus
	CreatedAt    time.Time
}

// =============================================================================
// ACCOUNT - Requester identity
// =============================================================================

const (
	RoleBuyer  = "buyer"
	RoleVendor = "vendor"
)

// Account is the minimal identity record the engine needs: the finalize step
// of the provisioning saga elevates Role to vendor. Authentication and
// session management live in an external collaborator.
type Account struct {
	ID        string
	Email     string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}
