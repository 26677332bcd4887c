/*
Package billing provides the fee-split calculator and the plan catalog.

PURPOSE:
  Two small, side-effect-free concerns shared by the saga coordinator and the
  webhook reconciliation engine: computing the platform-fee / tenant-payout
  split for a marketplace sale, and resolving the recurring billing plans the
  platform offers.

DESIGN PRINCIPLES:
  1. Determinism: Split takes the fee rate as an explicit argument - it never
     reads mutable configuration, so a reconciliation run cannot observe a
     rate change mid-flight
  2. Exactness: one side of the split is computed, the other is derived by
     subtraction, so the two always sum to the gross amount to the smallest
     currency unit
  3. Precision: decimal.Decimal throughout, never float

SEE ALSO:
  - plans.go: Plan catalog, JSON-configurable
  - webhook/: Computes splits at order-creation time
*/
package billing

import "github.com/shopspring/decimal"

// FeeSplit is the division of a gross sale amount into platform revenue and
// tenant payout. Invariant: PlatformFee + TenantPayout == the gross amount
// passed to Split.
type FeeSplit struct {
	PlatformFee  decimal.Decimal
	TenantPayout decimal.Decimal
}

// Split computes the fee split for a gross amount at the given rate
// (e.g. 0.025 for 2.5%). The fee is rounded to cents; the payout is derived
// by subtraction rather than computed independently, so no rounding leakage
// is possible. Rate is a snapshot at call time.
func Split(gross, rate decimal.Decimal) FeeSplit {
	fee := gross.Mul(rate).Round(2)
	return FeeSplit{
		PlatformFee:  fee,
		TenantPayout: gross.Sub(fee),
	}
}
