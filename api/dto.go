/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/storefront-engine/tenant"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ConfirmProvisioningRequest carries the client-confirmed payment setup
// reference.
type ConfirmProvisioningRequest struct {
	SetupReference string `json:"setup_reference"`
}

// ProvisioningResultDTO is returned from a successful (or replayed)
// provisioning run.
type ProvisioningResultDTO struct {
	StorefrontID       string `json:"storefront_id"`
	Handle             string `json:"handle"`
	Status             string `json:"status"`
	AlreadyProvisioned bool   `json:"already_provisioned,omitempty"`
}

// StorefrontDTO is the public view of a tenant.
type StorefrontDTO struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Handle        string     `json:"handle"`
	Status        string     `json:"status"`
	BillingStatus string     `json:"billing_status,omitempty"`
	NextBillingAt *time.Time `json:"next_billing_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PlanDTO is one catalog entry. SetupFee is a decimal string so the JSON
// never carries a float.
type PlanDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SetupFee string `json:"setup_fee"`
	Currency string `json:"currency"`
	Interval string `json:"interval"`
}

// AttentionDTO is one storefront needing operator action.
type AttentionDTO struct {
	StorefrontID    string    `json:"storefront_id"`
	Handle          string    `json:"handle"`
	OwnerID         string    `json:"owner_id"`
	Status          string    `json:"status"`
	ChargeRef       string    `json:"charge_ref,omitempty"`
	SubscriptionRef string    `json:"subscription_ref,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ErrorResponse is the standard error envelope. Code is a stable machine
// identifier; Details is human-oriented.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

func toStorefrontDTO(t *tenant.Tenant) StorefrontDTO {
	return StorefrontDTO{
		ID:            t.ID,
		Name:          t.Name,
		Handle:        t.Handle,
		Status:        string(t.Status),
		BillingStatus: t.BillingStatus,
		NextBillingAt: t.NextBillingAt,
		CreatedAt:     t.CreatedAt,
	}
}

func toAttentionDTO(t tenant.Tenant) AttentionDTO {
	return AttentionDTO{
		StorefrontID:    t.ID,
		Handle:          t.Handle,
		OwnerID:         t.OwnerID,
		Status:          string(t.Status),
		ChargeRef:       t.OneTimePaymentRef,
		SubscriptionRef: t.RecurringBillingRef,
		UpdatedAt:       t.UpdatedAt,
	}
}
