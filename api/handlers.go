/*
handlers.go - HTTP API handlers for the storefront engine

PURPOSE:
  Exposes the provisioning saga and reconciliation engine via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to domain
  logic.

ENDPOINTS:
  Storefronts:
    POST   /api/storefronts/confirm    Run the provisioning saga
    GET    /api/storefronts/{handle}   Public storefront lookup

  Plans:
    GET    /api/plans                  Plan catalog

  Webhooks:
    POST   /api/webhooks/stripe        Signed processor deliveries

  Admin:
    GET    /api/admin/attention        Storefronts needing operator action

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, invalid webhook signature
  - 402: Payment was not completed (caller may retry)
  - 404: Resource not found
  - 409: Conflict (duplicate storefront or handle, manual review pending)
  - 500: Internal errors

WEBHOOK STATUS CODES MATTER:
  A non-2xx response makes the processor redeliver. Handlers therefore only
  return 5xx for failures that redelivery can fix, and 400 for signature
  failures that it cannot.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/storefront-engine/billing"
	"github.com/warp/storefront-engine/provision"
	"github.com/warp/storefront-engine/store/sqlite"
	"github.com/warp/storefront-engine/tenant"
	"github.com/warp/storefront-engine/webhook"
)

// maxWebhookBody bounds a delivery before signature verification reads it.
const maxWebhookBody = 1 << 20

// requesterHeader carries the authenticated account id set by the fronting
// auth proxy.
const requesterHeader = "X-Account-ID"

// staleAfter is how long a storefront may sit in pending_payment before the
// attention view surfaces it.
const staleAfter = time.Hour

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Coordinator *provision.Coordinator
	Engine      *webhook.Engine
	Plans       *billing.Catalog
}

// NewHandler creates a handler with the given dependencies.
func NewHandler(store *sqlite.Store, coordinator *provision.Coordinator, engine *webhook.Engine, plans *billing.Catalog) *Handler {
	return &Handler{
		Store:       store,
		Coordinator: coordinator,
		Engine:      engine,
		Plans:       plans,
	}
}

// =============================================================================
// STOREFRONT ENDPOINTS
// =============================================================================

// ConfirmProvisioning runs the provisioning saga for a client-confirmed
// payment setup.
// POST /api/storefronts/confirm
func (h *Handler) ConfirmProvisioning(w http.ResponseWriter, r *http.Request) {
	requester := r.Header.Get(requesterHeader)
	if requester == "" {
		writeError(w, http.StatusUnauthorized, "missing account identity", nil)
		return
	}

	var req ConfirmProvisioningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.SetupReference == "" {
		writeError(w, http.StatusBadRequest, "setup_reference is required", nil)
		return
	}

	result, err := h.Coordinator.Confirm(r.Context(), req.SetupReference, requester)
	if err != nil {
		writeProvisioningError(w, err)
		return
	}

	status := http.StatusCreated
	if result.AlreadyProvisioned {
		status = http.StatusOK
	}
	writeJSON(w, status, ProvisioningResultDTO{
		StorefrontID:       result.TenantID,
		Handle:             result.Handle,
		Status:             string(result.Status),
		AlreadyProvisioned: result.AlreadyProvisioned,
	})
}

// GetStorefront returns the public view of a storefront.
// GET /api/storefronts/{handle}
func (h *Handler) GetStorefront(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	t, err := h.Store.GetTenantByHandle(r.Context(), handle)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load storefront", err)
		return
	}
	// Staged rows are not public: they may still be compensated away.
	if t == nil || t.Status == tenant.StatusPendingPayment {
		writeError(w, http.StatusNotFound, "storefront not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, toStorefrontDTO(t))
}

// =============================================================================
// PLAN ENDPOINTS
// =============================================================================

// ListPlans returns the plan catalog.
// GET /api/plans
func (h *Handler) ListPlans(w http.ResponseWriter, _ *http.Request) {
	plans := h.Plans.All()
	dtos := make([]PlanDTO, 0, len(plans))
	for _, p := range plans {
		dtos = append(dtos, PlanDTO{
			ID:       p.ID,
			Name:     p.Name,
			SetupFee: p.SetupFee.StringFixed(2),
			Currency: p.Currency,
			Interval: p.Interval,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// WEBHOOK ENDPOINT
// =============================================================================

// HandleWebhook receives a signed processor delivery.
// POST /api/webhooks/stripe
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read payload", err)
		return
	}

	err = h.Engine.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if errors.Is(err, tenant.ErrInvalidSignature) {
		writeError(w, http.StatusBadRequest, "invalid signature", nil)
		return
	}
	if err != nil {
		// Non-2xx: the processor redelivers, and the handlers are idempotent.
		writeError(w, http.StatusInternalServerError, "event handling failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// ListAttention returns storefronts needing operator action: terminal
// payment failures and staged rows older than the staleness cutoff.
// GET /api/admin/attention
func (h *Handler) ListAttention(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	failed, err := h.Store.ListTenantsByStatus(ctx, tenant.StatusPaymentFailed)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load storefronts", err)
		return
	}
	stale, err := h.Store.ListStaleTenants(ctx, tenant.StatusPendingPayment, time.Now().Add(-staleAfter))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load storefronts", err)
		return
	}

	dtos := make([]AttentionDTO, 0, len(failed)+len(stale))
	for _, t := range failed {
		dtos = append(dtos, toAttentionDTO(t))
	}
	for _, t := range stale {
		dtos = append(dtos, toAttentionDTO(t))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// writeProvisioningError maps saga errors to HTTP status codes. The manual
// review case gets an explicit code so clients can show the right message
// instead of inviting a retry.
func writeProvisioningError(w http.ResponseWriter, err error) {
	var mre *tenant.ManualReviewError
	if errors.As(err, &mre) {
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "storefront requires manual review",
			Code:    "manual_review_pending",
			Details: mre.Error(),
		})
		return
	}

	switch {
	case errors.Is(err, tenant.ErrPaymentNotCompleted):
		code := "payment_failed"
		if tenant.IsRetryable(err) {
			code = "payment_failed_retryable"
		}
		writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
			Error:   "payment was not completed",
			Code:    code,
			Details: err.Error(),
		})
	case errors.Is(err, tenant.ErrAlreadyProvisioned):
		writeError(w, http.StatusConflict, "account already has a storefront", err)
	case errors.Is(err, tenant.ErrHandleTaken):
		writeError(w, http.StatusConflict, "handle is already taken", err)
	case errors.Is(err, tenant.ErrUnconfirmedPaymentMethod),
		errors.Is(err, tenant.ErrInvalidPlanConfiguration):
		writeError(w, http.StatusBadRequest, "invalid provisioning request", err)
	default:
		writeError(w, http.StatusInternalServerError, "provisioning failed", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
