package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/storefront-engine/store/sqlite"
	"github.com/warp/storefront-engine/tenant"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func stagedTenant(id, owner, handle, setupRef string) tenant.Tenant {
	return tenant.Tenant{
		ID:              id,
		Name:            "Shop " + id,
		Handle:          handle,
		OwnerID:         owner,
		Status:          tenant.StatusPendingPayment,
		PaymentSetupRef: setupRef,
	}
}

// =============================================================================
// UNIQUENESS INVARIANT TESTS
// =============================================================================

func TestCreateTenant_DuplicateOwner_Rejected(t *testing.T) {
	// GIVEN: An owner already has a storefront
	// WHEN: Creating a second one for the same owner
	// THEN: The insert fails with ErrAlreadyProvisioned
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, stagedTenant("t1", "acct_1", "shop-one", "su_1")))

	err := store.CreateTenant(ctx, stagedTenant("t2", "acct_1", "shop-two", "su_2"))
	assert.ErrorIs(t, err, tenant.ErrAlreadyProvisioned)
}

func TestCreateTenant_DuplicateHandle_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, stagedTenant("t1", "acct_1", "shop-one", "su_1")))

	err := store.CreateTenant(ctx, stagedTenant("t2", "acct_2", "shop-one", "su_2"))
	assert.ErrorIs(t, err, tenant.ErrHandleTaken)
}

func TestCreateTenant_DuplicateSetupRef_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, stagedTenant("t1", "acct_1", "shop-one", "su_1")))

	err := store.CreateTenant(ctx, stagedTenant("t2", "acct_2", "shop-two", "su_1"))
	assert.ErrorIs(t, err, tenant.ErrDuplicateExternalRef)
}

func TestCreateSubscription_DuplicateExternalID_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sub := tenant.Subscription{
		ID: "s1", OwnerID: "acct_1", PlanID: "starter",
		ExternalID: "sub_1", Status: tenant.SubscriptionActive,
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))

	sub.ID = "s2"
	err := store.CreateSubscription(ctx, sub)
	assert.ErrorIs(t, err, tenant.ErrDuplicateExternalRef)
}

func TestCreatePlatformTransaction_DuplicateOrder_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *sqlite.Tx) error {
		return tx.CreateOrder(ctx, tenant.Order{
			ID: "o1", BuyerID: "acct_1", CheckoutRef: "cs_1",
			Total: decimal.NewFromInt(10), Currency: "usd", Status: tenant.OrderPaid,
		})
	})
	require.NoError(t, err)

	pt := tenant.PlatformTransaction{
		ID: "pt1", OrderID: "o1",
		Gross:        decimal.NewFromInt(10),
		PlatformFee:  decimal.NewFromInt(1),
		TenantPayout: decimal.NewFromInt(9),
		FeeRate:      decimal.NewFromFloat(0.1),
		Status:       tenant.PlatformTxPending,
	}
	require.NoError(t, store.CreatePlatformTransaction(ctx, pt))

	pt.ID = "pt2"
	err = store.CreatePlatformTransaction(ctx, pt)
	assert.ErrorIs(t, err, tenant.ErrDuplicateExternalRef)
}

// =============================================================================
// TENANT LIFECYCLE TESTS
// =============================================================================

func TestTransitionTenantStatus_HappyPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, stagedTenant("t1", "acct_1", "shop-one", "su_1")))
	require.NoError(t, store.TransitionTenantStatus(ctx, "t1", tenant.StatusPendingPayment, tenant.StatusPaymentFailed))

	got, err := store.GetTenant(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tenant.StatusPaymentFailed, got.Status)
}

func TestTransitionTenantStatus_IllegalEdge_Rejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, stagedTenant("t1", "acct_1", "shop-one", "su_1")))

	var ite *tenant.InvalidTransitionError
	err := store.TransitionTenantStatus(ctx, "t1", tenant.StatusPendingPayment, tenant.StatusApproved)
	assert.ErrorAs(t, err, &ite)
}

func TestTransitionTenantStatus_StaleFrom_NotFound(t *testing.T) {
	// GIVEN: A tenant that is already payment_failed
	// WHEN: Transitioning from pending_payment (stale view)
	// THEN: The update matches no row
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, stagedTenant("t1", "acct_1", "shop-one", "su_1")))
	require.NoError(t, store.TransitionTenantStatus(ctx, "t1", tenant.StatusPendingPayment, tenant.StatusPaymentFailed))

	err := store.TransitionTenantStatus(ctx, "t1", tenant.StatusPendingPayment, tenant.StatusPending)
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestFinalizeTenant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, stagedTenant("t1", "acct_1", "shop-one", "su_1")))

	nextBilling := time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second)
	err := store.WithTx(ctx, func(tx *sqlite.Tx) error {
		if err := tx.FinalizeTenant(ctx, "t1", "ch_1", "sub_1", "active", &nextBilling); err != nil {
			return err
		}
		if err := tx.CreateSubscription(ctx, tenant.Subscription{
			ID: "s1", OwnerID: "acct_1", PlanID: "starter",
			ExternalID: "sub_1", Status: tenant.SubscriptionActive,
		}); err != nil {
			return err
		}
		return tx.UpsertAccountRole(ctx, "acct_1", tenant.RoleVendor)
	})
	require.NoError(t, err)

	got, err := store.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusPending, got.Status)
	assert.Equal(t, "ch_1", got.OneTimePaymentRef)
	assert.Equal(t, "sub_1", got.RecurringBillingRef)
	require.NotNil(t, got.NextBillingAt)
	assert.True(t, got.NextBillingAt.Equal(nextBilling))

	acct, err := store.GetAccount(ctx, "acct_1")
	require.NoError(t, err)
	require.NotNil(t, acct)
	assert.Equal(t, tenant.RoleVendor, acct.Role)

	byRef, err := store.GetTenantBySubscriptionRef(ctx, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, byRef)
	assert.Equal(t, "t1", byRef.ID)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that creates an order then fails
	// WHEN: The transaction returns an error
	// THEN: Nothing was committed
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(tx *sqlite.Tx) error {
		if err := tx.CreateOrder(ctx, tenant.Order{
			ID: "o1", BuyerID: "acct_1", CheckoutRef: "cs_1",
			Total: decimal.NewFromInt(10), Currency: "usd", Status: tenant.OrderPaid,
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	got, err := store.GetOrderByCheckoutRef(ctx, "cs_1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// =============================================================================
// SUBSCRIPTION SYNC TESTS
// =============================================================================

func TestSyncSubscription_NilPeriodEndPreservesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	periodEnd := time.Now().UTC().AddDate(0, 1, 0).Truncate(time.Second)
	require.NoError(t, store.CreateSubscription(ctx, tenant.Subscription{
		ID: "s1", OwnerID: "acct_1", PlanID: "starter",
		ExternalID: "sub_1", Status: tenant.SubscriptionActive,
		CurrentPeriodEnd: &periodEnd,
	}))

	updated, err := store.SyncSubscription(ctx, "sub_1", tenant.SubscriptionPastDue, nil, false)
	require.NoError(t, err)
	require.True(t, updated)

	got, err := store.GetSubscriptionByExternalID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, tenant.SubscriptionPastDue, got.Status)
	require.NotNil(t, got.CurrentPeriodEnd)
	assert.True(t, got.CurrentPeriodEnd.Equal(periodEnd))
}

func TestSyncSubscription_UnknownExternalID(t *testing.T) {
	store := newTestStore(t)

	updated, err := store.SyncSubscription(context.Background(), "sub_missing", tenant.SubscriptionActive, nil, false)
	require.NoError(t, err)
	assert.False(t, updated)
}

// =============================================================================
// WEBHOOK EVENT DEDUPE
// =============================================================================

func TestMarkEventHandled_Idempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	handled, err := store.IsEventHandled(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, handled)

	require.NoError(t, store.MarkEventHandled(ctx, "evt_1", "checkout.session.completed"))
	require.NoError(t, store.MarkEventHandled(ctx, "evt_1", "checkout.session.completed"))

	handled, err = store.IsEventHandled(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, handled)
}

// =============================================================================
// STALENESS QUERIES
// =============================================================================

func TestListStaleTenants(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateTenant(ctx, stagedTenant("t1", "acct_1", "shop-one", "su_1")))

	// A cutoff in the past does not match a row updated just now
	stale, err := store.ListStaleTenants(ctx, tenant.StatusPendingPayment, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)

	// A cutoff in the future does
	stale, err = store.ListStaleTenants(ctx, tenant.StatusPendingPayment, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "t1", stale[0].ID)
}
