/*
plans.go - Recurring billing plan catalog

PURPOSE:
  Converts JSON plan definitions into typed Plan structs. Plans map a
  platform plan id to the external processor's price object plus the one-time
  setup fee charged during provisioning. Keeping the catalog in JSON means
  pricing changes do not require code changes.

JSON SCHEMA:
  [
    {
      "id": "standard",
      "name": "Standard Storefront",
      "price_ref": "price_1abc",
      "setup_fee": "49.00",
      "currency": "usd",
      "interval": "month"
    }
  ]

SEE ALSO:
  - provision/: validates requested plans against the catalog
  - webhook/: resolves plan ids from checkout metadata
*/
package billing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// Billing intervals.
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// Plan is one recurring billing option.
type Plan struct {
	ID       string
	Name     string
	PriceRef string // external price/plan object id
	SetupFee decimal.Decimal
	Currency string
	Interval string // IntervalMonth or IntervalYear
}

// planJSON is the wire representation; SetupFee is a string so the JSON never
// carries a float.
type planJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	PriceRef string `json:"price_ref"`
	SetupFee string `json:"setup_fee"`
	Currency string `json:"currency"`
	Interval string `json:"interval"`
}

// Catalog is an immutable set of plans, built once at startup.
type Catalog struct {
	plans map[string]Plan
	order []string
}

// NewCatalog builds a catalog from plans. IDs must be unique.
func NewCatalog(plans ...Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if p.ID == "" || p.PriceRef == "" {
			return nil, fmt.Errorf("plan %q: id and price_ref are required", p.ID)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan id %q", p.ID)
		}
		if p.SetupFee.IsNegative() {
			return nil, fmt.Errorf("plan %q: setup_fee must not be negative", p.ID)
		}
		if p.Currency == "" {
			p.Currency = "usd"
		}
		if p.Interval == "" {
			p.Interval = IntervalMonth
		}
		c.plans[p.ID] = p
		c.order = append(c.order, p.ID)
	}
	return c, nil
}

// ParseCatalog builds a catalog from a JSON document.
func ParseCatalog(data []byte) (*Catalog, error) {
	var raw []planJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	plans := make([]Plan, 0, len(raw))
	for _, r := range raw {
		fee, err := decimal.NewFromString(r.SetupFee)
		if err != nil {
			return nil, fmt.Errorf("plan %q: invalid setup_fee %q: %w", r.ID, r.SetupFee, err)
		}
		plans = append(plans, Plan{
			ID:       r.ID,
			Name:     r.Name,
			PriceRef: r.PriceRef,
			SetupFee: fee,
			Currency: r.Currency,
			Interval: r.Interval,
		})
	}
	return NewCatalog(plans...)
}

// LoadCatalog reads a catalog from a JSON file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ByID returns the plan with the given id, or false if it is not offered.
func (c *Catalog) ByID(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

// All returns plans in definition order.
func (c *Catalog) All() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id])
	}
	return out
}

// MinorUnits converts a decimal currency amount to integer minor units
// (cents) for the gateway boundary.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
