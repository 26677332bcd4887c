package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storefront-engine/api"
	"github.com/warp/storefront-engine/billing"
	"github.com/warp/storefront-engine/gateway"
	"github.com/warp/storefront-engine/gateway/stripegw"
	"github.com/warp/storefront-engine/notify"
	"github.com/warp/storefront-engine/provision"
	"github.com/warp/storefront-engine/store/sqlite"
	"github.com/warp/storefront-engine/tenant"
	"github.com/warp/storefront-engine/webhook"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// stubGateway drives the saga from handler-level tests. Only the behaviors
// the endpoints exercise are configurable.
type stubGateway struct {
	setups       map[string]*gateway.Setup
	subscribeErr error
}

func (s *stubGateway) RetrieveSetup(_ context.Context, ref string) (*gateway.Setup, error) {
	if setup, ok := s.setups[ref]; ok {
		out := *setup
		return &out, nil
	}
	return nil, &gateway.Error{Op: "retrieve_setup", Reason: "no such setup"}
}

func (s *stubGateway) CreateCharge(_ context.Context, _ gateway.ChargeParams) (*gateway.Charge, error) {
	return &gateway.Charge{Ref: "ch_1", Status: gateway.ChargeSucceeded}, nil
}

func (s *stubGateway) CreateSubscription(_ context.Context, _ gateway.SubscriptionParams) (*gateway.Subscription, error) {
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	return &gateway.Subscription{Ref: "sub_1", Status: string(tenant.SubscriptionActive)}, nil
}

type testServer struct {
	router http.Handler
	store  *sqlite.Store
	gw     *stubGateway
}

func newTestServer(t *testing.T) *testServer {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	plans, err := billing.NewCatalog(
		billing.Plan{ID: "starter", Name: "Starter", PriceRef: "price_starter", SetupFee: decimal.NewFromInt(49)},
	)
	require.NoError(t, err)

	gw := &stubGateway{setups: map[string]*gateway.Setup{
		"su_1": {
			Ref:           "su_1",
			Status:        gateway.SetupSucceeded,
			CustomerRef:   "cus_1",
			PaymentMethod: "pm_1",
			Metadata: map[string]string{
				"account_id":   "acct_1",
				"store_name":   "Test Shop",
				"store_handle": "test-shop",
				"plan_id":      "starter",
			},
		},
	}}

	notifier := notify.NewLogDispatcher(zerolog.Nop())
	coordinator := provision.New(store, gw, plans, notifier, zerolog.Nop())
	engine := webhook.New(store, stripegw.New("sk_test", "whsec_test"), notifier,
		decimal.NewFromFloat(0.10), zerolog.Nop())

	handler := api.NewHandler(store, coordinator, engine, plans)
	return &testServer{router: api.NewRouter(handler), store: store, gw: gw}
}

func (ts *testServer) confirm(t *testing.T, accountID, setupRef string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]string{"setup_reference": setupRef})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/storefronts/confirm", bytes.NewReader(body))
	if accountID != "" {
		req.Header.Set("X-Account-ID", accountID)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// PROVISIONING ENDPOINT
// =============================================================================

func TestConfirmProvisioning_HappyPath(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.confirm(t, "acct_1", "su_1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var result api.ProvisioningResultDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "test-shop", result.Handle)
	assert.Equal(t, string(tenant.StatusPending), result.Status)
	assert.False(t, result.AlreadyProvisioned)
}

func TestConfirmProvisioning_Replay_Returns200(t *testing.T) {
	ts := newTestServer(t)

	require.Equal(t, http.StatusCreated, ts.confirm(t, "acct_1", "su_1").Code)

	rec := ts.confirm(t, "acct_1", "su_1")
	require.Equal(t, http.StatusOK, rec.Code)

	var result api.ProvisioningResultDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.AlreadyProvisioned)
}

func TestConfirmProvisioning_MissingIdentity_401(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, ts.confirm(t, "", "su_1").Code)
}

func TestConfirmProvisioning_MissingSetupRef_400(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, ts.confirm(t, "acct_1", "").Code)
}

func TestConfirmProvisioning_ForeignSetup_400(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, ts.confirm(t, "acct_2", "su_1").Code)
}

func TestConfirmProvisioning_ManualReview_409WithCode(t *testing.T) {
	// GIVEN: The subscription step fails after the charge succeeded
	// WHEN: Confirming
	// THEN: 409 with the manual_review_pending code, not an invitation to retry
	ts := newTestServer(t)
	ts.gw.subscribeErr = &gateway.Error{Op: "create_subscription", Reason: "unavailable", Retryable: true}

	rec := ts.confirm(t, "acct_1", "su_1")
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "manual_review_pending", resp.Code)
}

// =============================================================================
// STOREFRONT LOOKUP
// =============================================================================

func TestGetStorefront_Finalized(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusCreated, ts.confirm(t, "acct_1", "su_1").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/storefronts/test-shop", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var dto api.StorefrontDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dto))
	assert.Equal(t, "Test Shop", dto.Name)
	assert.Equal(t, string(tenant.StatusPending), dto.Status)
}

func TestGetStorefront_StagedRowHidden(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.store.CreateTenant(context.Background(), tenant.Tenant{
		ID: "t1", Name: "Staged", Handle: "staged-shop", OwnerID: "acct_9",
		Status: tenant.StatusPendingPayment, PaymentSetupRef: "su_9",
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/storefronts/staged-shop", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetStorefront_Unknown_404(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/storefronts/nope", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// PLANS
// =============================================================================

func TestListPlans(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var plans []api.PlanDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "49.00", plans[0].SetupFee)
}

// =============================================================================
// WEBHOOK ENDPOINT
// =============================================================================

func TestHandleWebhook_InvalidSignature_400(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe",
		bytes.NewReader([]byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{}}}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=bad")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN
// =============================================================================

func TestListAttention_SurfacesPaymentFailed(t *testing.T) {
	ts := newTestServer(t)
	ts.gw.subscribeErr = &gateway.Error{Op: "create_subscription", Reason: "unavailable", Retryable: true}
	require.Equal(t, http.StatusConflict, ts.confirm(t, "acct_1", "su_1").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/attention", nil)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var items []api.AttentionDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, string(tenant.StatusPaymentFailed), items[0].Status)
	assert.Equal(t, "ch_1", items[0].ChargeRef)
}
