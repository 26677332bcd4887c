/*
errors.go - Centralized error types for the storefront engine

PURPOSE:
  All domain error types in one place for consistency and discoverability.
  The saga coordinator, webhook engine, and HTTP layer share these so that
  errors.Is checks work across package boundaries.

ERROR CATEGORIES:
  1. Validation errors - rejected synchronously, no side effects
  2. Gateway errors - charge/subscription failures, transient or terminal
  3. Partial-completion errors - charge succeeded, later step failed
  4. Webhook authenticity errors - rejected outright, no retry implied
  5. Store uniqueness errors - concurrent-run exclusion via the database

USAGE:
  if errors.Is(err, tenant.ErrHandleTaken) {
      // 409 to the caller
  }

SEE ALSO:
  - provision/: maps gateway and store errors onto these
  - api/: maps these onto HTTP status codes
*/
package tenant

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrUnconfirmedPaymentMethod is returned when the submitted setup
	// reference is not in a confirmed state at the gateway, or does not
	// belong to the requester.
	ErrUnconfirmedPaymentMethod = errors.New("payment method setup is not confirmed")

	// ErrAlreadyProvisioned is returned when the requester already owns a
	// storefront. Also produced by the owner uniqueness constraint when two
	// saga runs race.
	ErrAlreadyProvisioned = errors.New("requester already owns a storefront")

	// ErrHandleTaken is returned when the requested storefront handle is in
	// use.
	ErrHandleTaken = errors.New("storefront handle is already taken")

	// ErrInvalidPlanConfiguration is returned when the requested billing plan
	// is not in the catalog.
	ErrInvalidPlanConfiguration = errors.New("unknown billing plan")

	// ErrPaymentNotCompleted is returned when the one-time charge did not
	// reach a final succeeded state. The staged tenant row has been deleted;
	// re-invoking the saga is safe.
	ErrPaymentNotCompleted = errors.New("payment was not completed")

	// ErrSubscriptionIncomplete is returned when the charge succeeded but the
	// recurring-billing step failed. The tenant is left in payment_failed
	// with the charge reference persisted for manual reconciliation.
	ErrSubscriptionIncomplete = errors.New("billing subscription was not created; manual review required")

	// ErrInvalidSignature is returned for webhook payloads whose signature
	// does not verify. No state change occurs and no redelivery is implied.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrTenantNotFound is returned by lookups for a missing storefront.
	ErrTenantNotFound = errors.New("storefront not found")

	// ErrDuplicateExternalRef is returned by the store when an insert would
	// violate one of the external-reference uniqueness constraints. Callers
	// treat it as "already applied".
	ErrDuplicateExternalRef = errors.New("duplicate external reference")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// PaymentError wraps a charge failure with the gateway-reported reason and
// whether re-invoking the (idempotent) entry point may succeed.
type PaymentError struct {
	SetupRef  string
	Reason    string
	Retryable bool
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment not completed for setup %s: %s", e.SetupRef, e.Reason)
}

func (e *PaymentError) Unwrap() error { return ErrPaymentNotCompleted }

// ManualReviewError marks the one irreversible-without-human-action branch of
// the saga: a charge exists with no subscription behind it.
type ManualReviewError struct {
	TenantID  string
	ChargeRef string
	Reason    string
}

func (e *ManualReviewError) Error() string {
	return fmt.Sprintf("storefront %s requires manual review: charge %s recorded, subscription failed: %s",
		e.TenantID, e.ChargeRef, e.Reason)
}

func (e *ManualReviewError) Unwrap() error { return ErrSubscriptionIncomplete }

// InvalidTransitionError reports an illegal tenant status change.
type InvalidTransitionError struct {
	TenantID string
	From, To Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("storefront %s: invalid status transition %s -> %s", e.TenantID, e.From, e.To)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether re-invoking the provisioning entry point with
// the same setup reference may succeed.
func IsRetryable(err error) bool {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsClientError reports whether the error is due to invalid caller input
// rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnconfirmedPaymentMethod) ||
		errors.Is(err, ErrAlreadyProvisioned) ||
		errors.Is(err, ErrHandleTaken) ||
		errors.Is(err, ErrInvalidPlanConfiguration)
}
