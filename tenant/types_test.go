package tenant_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/warp/storefront-engine/tenant"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to tenant.Status
		ok       bool
	}{
		{tenant.StatusPendingPayment, tenant.StatusPending, true},
		{tenant.StatusPendingPayment, tenant.StatusPaymentFailed, true},
		{tenant.StatusPending, tenant.StatusApproved, true},
		{tenant.StatusPending, tenant.StatusRejected, true},
		{tenant.StatusPaymentFailed, tenant.StatusPending, true}, // operator reconciliation

		{tenant.StatusPendingPayment, tenant.StatusApproved, false},
		{tenant.StatusPaymentFailed, tenant.StatusPendingPayment, false},
		{tenant.StatusApproved, tenant.StatusPending, false},
		{tenant.StatusRejected, tenant.StatusPending, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestPaymentError_UnwrapsToSentinel(t *testing.T) {
	err := &tenant.PaymentError{SetupRef: "su_1", Reason: "card declined", Retryable: false}

	assert.ErrorIs(t, err, tenant.ErrPaymentNotCompleted)
	assert.False(t, tenant.IsRetryable(err))

	retryable := &tenant.PaymentError{SetupRef: "su_1", Reason: "timeout", Retryable: true}
	assert.True(t, tenant.IsRetryable(retryable))
}

func TestManualReviewError_UnwrapsToSentinel(t *testing.T) {
	err := &tenant.ManualReviewError{TenantID: "t1", ChargeRef: "ch_1", Reason: "processor unavailable"}

	assert.ErrorIs(t, err, tenant.ErrSubscriptionIncomplete)

	var mre *tenant.ManualReviewError
	assert.True(t, errors.As(err, &mre))
	assert.Equal(t, "ch_1", mre.ChargeRef)
}
