/*
Package sqlite provides the SQLite-backed Ledger Store.

PURPOSE:
  Implements persistence for Tenant, Subscription, Order, OrderItem,
  PlatformTransaction, Account, and webhook-event dedupe records. In
  production the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

UNIQUENESS AS CONCURRENCY CONTROL:
  Cross-run exclusion is enforced by UNIQUE indexes, not application locks:
  - idx_tenants_owner:           at most one storefront per owner
  - idx_tenants_handle:          routable handles are unique
  - idx_tenants_setup_ref:       one saga run per payment setup
  - idx_subscriptions_external:  one local row per external subscription
  - idx_orders_checkout_ref:     one order per checkout session
  - platform_transactions.order_id: one fee split per order
  A second concurrent writer fails its insert with a constraint violation,
  which callers map to the matching domain error.

KEY TABLES:
  tenants:                Storefront records with payment linkage
  subscriptions:          Local mirror of external recurring billing
  orders / order_items:   Purchase events
  platform_transactions:  Immutable fee-split ledger entries
  accounts:               Requester identities and roles
  webhook_events:         Processed event ids (redelivery fast path)

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/storefront.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper migration
  tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - tenant/: Domain types stored here
  - provision/: The saga writing tenants
  - webhook/: The engine writing subscriptions and orders
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/storefront-engine/tenant"
)

// Store implements the Ledger Store over SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Tenants (storefronts)
	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		handle TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		payment_setup_ref TEXT,
		one_time_payment_ref TEXT,
		recurring_billing_ref TEXT,
		billing_status TEXT,
		next_billing_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one storefront per owner; a racing second saga run
	-- for the same requester fails here and is mapped to AlreadyProvisioned.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_owner
		ON tenants(owner_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_handle
		ON tenants(handle);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_tenants_setup_ref
		ON tenants(payment_setup_ref) WHERE payment_setup_ref IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_tenants_status
		ON tenants(status);
	CREATE INDEX IF NOT EXISTS idx_tenants_billing_ref
		ON tenants(recurring_billing_ref) WHERE recurring_billing_ref IS NOT NULL;

	-- Subscriptions (local mirror of external recurring billing)
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		external_id TEXT NOT NULL,
		status TEXT NOT NULL,
		current_period_end TEXT,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_external
		ON subscriptions(external_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_owner
		ON subscriptions(owner_id);

	-- Orders
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		buyer_id TEXT NOT NULL,
		tenant_id TEXT,
		checkout_ref TEXT NOT NULL,
		total TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		ship_name TEXT,
		ship_address TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_checkout_ref
		ON orders(checkout_ref);
	CREATE INDEX IF NOT EXISTS idx_orders_buyer
		ON orders(buyer_id);
	CREATE INDEX IF NOT EXISTS idx_orders_tenant
		ON orders(tenant_id) WHERE tenant_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS order_items (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		product_ref TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_items_order
		ON order_items(order_id);

	-- Platform transactions (fee-split ledger; immutable except status)
	CREATE TABLE IF NOT EXISTS platform_transactions (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
		gross TEXT NOT NULL,
		platform_fee TEXT NOT NULL,
		tenant_payout TEXT NOT NULL,
		fee_rate TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Accounts
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		email TEXT,
		role TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Processed webhook event ids (redelivery fast path; handlers remain
	-- idempotent without this table)
	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		handled_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer lets the same statements run against the pool or an open
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TENANT STORE
// =============================================================================

// CreateTenant inserts a staged tenant row. Uniqueness violations are mapped
// to the matching domain error.
func (s *Store) CreateTenant(ctx context.Context, t tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	query := `
		INSERT INTO tenants
		(id, name, handle, owner_id, status, payment_setup_ref, one_time_payment_ref,
		 recurring_billing_ref, billing_status, next_billing_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Name, t.Handle, t.OwnerID, t.Status,
		nullString(t.PaymentSetupRef),
		nullString(t.OneTimePaymentRef),
		nullString(t.RecurringBillingRef),
		nullString(t.BillingStatus),
		nullTime(t.NextBillingAt),
		now, now,
	)
	if err != nil {
		if mapped := mapUniqueError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a tenant by id. Returns nil when missing.
func (s *Store) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	return s.getTenantWhere(ctx, "id = ?", id)
}

// GetTenantBySetupRef finds the tenant staged or finalized for a payment
// setup reference. This is the saga's idempotency entry point.
func (s *Store) GetTenantBySetupRef(ctx context.Context, setupRef string) (*tenant.Tenant, error) {
	return s.getTenantWhere(ctx, "payment_setup_ref = ?", setupRef)
}

// GetTenantByOwner finds the tenant owned by an account.
func (s *Store) GetTenantByOwner(ctx context.Context, ownerID string) (*tenant.Tenant, error) {
	return s.getTenantWhere(ctx, "owner_id = ?", ownerID)
}

// GetTenantByHandle finds a tenant by its routable handle.
func (s *Store) GetTenantByHandle(ctx context.Context, handle string) (*tenant.Tenant, error) {
	return s.getTenantWhere(ctx, "handle = ?", handle)
}

// GetTenantBySubscriptionRef finds the tenant linked to an external
// subscription id. Used by the webhook engine to detect provisioning
// duplicates.
func (s *Store) GetTenantBySubscriptionRef(ctx context.Context, subRef string) (*tenant.Tenant, error) {
	return s.getTenantWhere(ctx, "recurring_billing_ref = ?", subRef)
}

func (s *Store) getTenantWhere(ctx context.Context, where string, args ...any) (*tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, name, handle, owner_id, status, payment_setup_ref, one_time_payment_ref,
		       recurring_billing_ref, billing_status, next_billing_at, created_at, updated_at
		FROM tenants WHERE ` + where

	return scanTenant(s.db.QueryRowContext(ctx, query, args...))
}

func scanTenant(row *sql.Row) (*tenant.Tenant, error) {
	var (
		t                                       tenant.Tenant
		setupRef, chargeRef, subRef, billStatus sql.NullString
		nextBillingAt                           sql.NullString
		createdAt, updatedAt                    string
	)

	err := row.Scan(
		&t.ID, &t.Name, &t.Handle, &t.OwnerID, &t.Status,
		&setupRef, &chargeRef, &subRef, &billStatus, &nextBillingAt,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}

	t.PaymentSetupRef = setupRef.String
	t.OneTimePaymentRef = chargeRef.String
	t.RecurringBillingRef = subRef.String
	t.BillingStatus = billStatus.String
	t.NextBillingAt = parseNullTime(nextBillingAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &t, nil
}

// SetTenantChargeRef records the external charge id on a staged tenant.
// This is the crash barrier between the charge and subscribe saga steps.
func (s *Store) SetTenantChargeRef(ctx context.Context, id, chargeRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET one_time_payment_ref = ?, updated_at = ? WHERE id = ?",
		chargeRef, time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// SetTenantSubscriptionRef records the external subscription id on a tenant.
// Used when a subscription was created at the processor but finalization did
// not complete, so the operator can see the linkage.
func (s *Store) SetTenantSubscriptionRef(ctx context.Context, id, subRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET recurring_billing_ref = ?, updated_at = ? WHERE id = ?",
		subRef, time.Now().UTC().Format(time.RFC3339), id,
	)
	return err
}

// TransitionTenantStatus moves a tenant along its lifecycle state machine.
// The from status is part of the WHERE clause so a stale caller cannot
// clobber a newer state.
func (s *Store) TransitionTenantStatus(ctx context.Context, id string, from, to tenant.Status) error {
	if !from.CanTransitionTo(to) {
		return &tenant.InvalidTransitionError{TenantID: id, From: from, To: to}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE tenants SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		to, time.Now().UTC().Format(time.RFC3339), id, from,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// DeleteTenant removes a staged tenant row. This is a saga compensation
// action and is only legal before any external charge succeeded; callers
// must never delete a row carrying a charge reference.
func (s *Store) DeleteTenant(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM tenants WHERE id = ?", id)
	return err
}

// SyncTenantBilling mirrors processor-reported billing state onto the tenant
// linked to an external subscription id. nextBillingAt is only written when
// supplied. Returns false when no tenant carries the reference.
func (s *Store) SyncTenantBilling(ctx context.Context, subRef, billingStatus string, nextBillingAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants
		SET billing_status = ?,
		    next_billing_at = COALESCE(?, next_billing_at),
		    updated_at = ?
		WHERE recurring_billing_ref = ?`,
		billingStatus, nullTime(nextBillingAt),
		time.Now().UTC().Format(time.RFC3339), subRef,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListTenantsByStatus returns tenants in a lifecycle state, oldest first.
func (s *Store) ListTenantsByStatus(ctx context.Context, status tenant.Status) ([]tenant.Tenant, error) {
	return s.listTenantsWhere(ctx, "status = ? ORDER BY created_at ASC", string(status))
}

// ListStaleTenants returns tenants stuck in a state since before the cutoff.
// The operator sweep uses this to surface abandoned pending_payment rows.
func (s *Store) ListStaleTenants(ctx context.Context, status tenant.Status, before time.Time) ([]tenant.Tenant, error) {
	return s.listTenantsWhere(ctx, "status = ? AND updated_at < ? ORDER BY updated_at ASC",
		string(status), before.UTC().Format(time.RFC3339))
}

func (s *Store) listTenantsWhere(ctx context.Context, where string, args ...any) ([]tenant.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, name, handle, owner_id, status, payment_setup_ref, one_time_payment_ref,
		       recurring_billing_ref, billing_status, next_billing_at, created_at, updated_at
		FROM tenants WHERE ` + where

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []tenant.Tenant
	for rows.Next() {
		var (
			t                                       tenant.Tenant
			setupRef, chargeRef, subRef, billStatus sql.NullString
			nextBillingAt                           sql.NullString
			createdAt, updatedAt                    string
		)
		if err := rows.Scan(
			&t.ID, &t.Name, &t.Handle, &t.OwnerID, &t.Status,
			&setupRef, &chargeRef, &subRef, &billStatus, &nextBillingAt,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, err
		}
		t.PaymentSetupRef = setupRef.String
		t.OneTimePaymentRef = chargeRef.String
		t.RecurringBillingRef = subRef.String
		t.BillingStatus = billStatus.String
		t.NextBillingAt = parseNullTime(nextBillingAt)
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// Tx exposes the writes that must commit atomically (the saga finalize step,
// order + item creation).
type Tx struct {
	tx *sql.Tx
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// FinalizeTenant records both external references and the next billing time,
// and moves the tenant to pending. Part of the saga's single-transaction
// finalize step.
func (t *Tx) FinalizeTenant(ctx context.Context, id, chargeRef, subRef, billingStatus string, nextBillingAt *time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tenants
		SET status = ?, one_time_payment_ref = ?, recurring_billing_ref = ?,
		    billing_status = ?, next_billing_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		tenant.StatusPending, chargeRef, subRef, billingStatus,
		nullTime(nextBillingAt), time.Now().UTC().Format(time.RFC3339),
		id, tenant.StatusPendingPayment, tenant.StatusPaymentFailed,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// CreateSubscription inserts a subscription row inside the transaction.
func (t *Tx) CreateSubscription(ctx context.Context, sub tenant.Subscription) error {
	return insertSubscription(ctx, t.tx, sub)
}

// UpsertAccountRole records (or elevates) an account's role.
func (t *Tx) UpsertAccountRole(ctx context.Context, accountID, role string) error {
	return upsertAccountRole(ctx, t.tx, accountID, role)
}

// CreateOrder inserts an order row inside the transaction.
func (t *Tx) CreateOrder(ctx context.Context, o tenant.Order) error {
	return insertOrder(ctx, t.tx, o)
}

// CreateOrderItem inserts an order item inside the transaction.
func (t *Tx) CreateOrderItem(ctx context.Context, item tenant.OrderItem) error {
	return insertOrderItem(ctx, t.tx, item)
}

// =============================================================================
// SUBSCRIPTION STORE
// =============================================================================

func insertSubscription(ctx context.Context, db execer, sub tenant.Subscription) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx, `
		INSERT INTO subscriptions
		(id, owner_id, plan_id, external_id, status, current_period_end, cancel_at_period_end, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.OwnerID, sub.PlanID, sub.ExternalID, sub.Status,
		nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd, now, now,
	)
	if err != nil {
		if mapped := mapUniqueError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// CreateSubscription inserts a subscription. A second row for the same
// external id fails with tenant.ErrDuplicateExternalRef.
func (s *Store) CreateSubscription(ctx context.Context, sub tenant.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertSubscription(ctx, s.db, sub)
}

// GetSubscriptionByExternalID retrieves a subscription by its external id.
// Returns nil when missing.
func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*tenant.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		sub                  tenant.Subscription
		periodEnd            sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, plan_id, external_id, status, current_period_end, cancel_at_period_end, created_at, updated_at
		FROM subscriptions WHERE external_id = ?`, externalID,
	).Scan(&sub.ID, &sub.OwnerID, &sub.PlanID, &sub.ExternalID, &sub.Status,
		&periodEnd, &sub.CancelAtPeriodEnd, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sub.CurrentPeriodEnd = parseNullTime(periodEnd)
	sub.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	sub.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &sub, nil
}

// SyncSubscription applies processor-reported state to a local subscription.
// periodEnd is only written when supplied; a nil value never overwrites an
// existing one. Returns false when no local row matches the external id.
func (s *Store) SyncSubscription(ctx context.Context, externalID string, status tenant.SubscriptionStatus, periodEnd *time.Time, cancelAtPeriodEnd bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET status = ?,
		    current_period_end = COALESCE(?, current_period_end),
		    cancel_at_period_end = ?,
		    updated_at = ?
		WHERE external_id = ?`,
		status, nullTime(periodEnd), cancelAtPeriodEnd,
		time.Now().UTC().Format(time.RFC3339), externalID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetSubscriptionStatus updates only the status (terminal cancellation,
// past-due marking). Returns false when no local row matches.
func (s *Store) SetSubscriptionStatus(ctx context.Context, externalID string, status tenant.SubscriptionStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE subscriptions SET status = ?, updated_at = ? WHERE external_id = ?",
		status, time.Now().UTC().Format(time.RFC3339), externalID,
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// =============================================================================
// ORDER STORE
// =============================================================================

func insertOrder(ctx context.Context, db execer, o tenant.Order) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO orders
		(id, buyer_id, tenant_id, checkout_ref, total, currency, status, ship_name, ship_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.BuyerID, nullString(o.TenantID), o.CheckoutRef,
		o.Total.String(), o.Currency, o.Status,
		nullString(o.ShipName), nullString(o.ShipAddress),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if mapped := mapUniqueError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func insertOrderItem(ctx context.Context, db execer, item tenant.OrderItem) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO order_items (id, order_id, product_ref, quantity, unit_price)
		VALUES (?, ?, ?, ?, ?)`,
		item.ID, item.OrderID, item.ProductRef, item.Quantity, item.UnitPrice.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to create order item: %w", err)
	}
	return nil
}

// GetOrderByCheckoutRef retrieves an order by its checkout session id.
// Returns nil when missing.
func (s *Store) GetOrderByCheckoutRef(ctx context.Context, checkoutRef string) (*tenant.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		o                               tenant.Order
		tenantID, shipName, shipAddress sql.NullString
		total, createdAt                string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, tenant_id, checkout_ref, total, currency, status, ship_name, ship_address, created_at
		FROM orders WHERE checkout_ref = ?`, checkoutRef,
	).Scan(&o.ID, &o.BuyerID, &tenantID, &o.CheckoutRef, &total, &o.Currency, &o.Status,
		&shipName, &shipAddress, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	o.TenantID = tenantID.String
	o.ShipName = shipName.String
	o.ShipAddress = shipAddress.String
	o.Total = parseDecimal(total)
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &o, nil
}

// =============================================================================
// PLATFORM TRANSACTION STORE
// =============================================================================

// CreatePlatformTransaction inserts a fee-split ledger entry. A second entry
// for the same order fails with tenant.ErrDuplicateExternalRef.
func (s *Store) CreatePlatformTransaction(ctx context.Context, pt tenant.PlatformTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO platform_transactions
		(id, order_id, gross, platform_fee, tenant_payout, fee_rate, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		pt.ID, pt.OrderID, pt.Gross.String(), pt.PlatformFee.String(),
		pt.TenantPayout.String(), pt.FeeRate.String(), pt.Status,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if mapped := mapUniqueError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to create platform transaction: %w", err)
	}
	return nil
}

// GetPlatformTransactionByOrder retrieves the fee split for an order.
// Returns nil when missing (reconcilable later).
func (s *Store) GetPlatformTransactionByOrder(ctx context.Context, orderID string) (*tenant.PlatformTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		pt                                  tenant.PlatformTransaction
		gross, fee, payout, rate, createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, gross, platform_fee, tenant_payout, fee_rate, status, created_at
		FROM platform_transactions WHERE order_id = ?`, orderID,
	).Scan(&pt.ID, &pt.OrderID, &gross, &fee, &payout, &rate, &pt.Status, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pt.Gross = parseDecimal(gross)
	pt.PlatformFee = parseDecimal(fee)
	pt.TenantPayout = parseDecimal(payout)
	pt.FeeRate = parseDecimal(rate)
	pt.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &pt, nil
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func upsertAccountRole(ctx context.Context, db execer, accountID, role string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (id, role, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = excluded.role,
			updated_at = excluded.updated_at`,
		accountID, role, now, now,
	)
	return err
}

// SaveAccount upserts an account record.
func (s *Store) SaveAccount(ctx context.Context, a tenant.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			role = excluded.role,
			updated_at = excluded.updated_at`,
		a.ID, a.Email, a.Role, now, now,
	)
	return err
}

// GetAccount retrieves an account by id. Returns nil when missing.
func (s *Store) GetAccount(ctx context.Context, id string) (*tenant.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		a                    tenant.Account
		email                sql.NullString
		createdAt, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, email, role, created_at, updated_at FROM accounts WHERE id = ?", id,
	).Scan(&a.ID, &email, &a.Role, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.Email = email.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &a, nil
}

// =============================================================================
// WEBHOOK EVENT STORE
// =============================================================================

// IsEventHandled reports whether a webhook event id was already processed.
func (s *Store) IsEventHandled(ctx context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM webhook_events WHERE event_id = ?", eventID,
	).Scan(&count)
	return count > 0, err
}

// MarkEventHandled records a processed event id. Recording a duplicate is a
// no-op.
func (s *Store) MarkEventHandled(ctx context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, handled_at)
		VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, eventType, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"platform_transactions", "order_items", "orders", "subscriptions", "webhook_events", "tenants", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// CountRows returns the row count of one of the ledger tables. Used by audit
// endpoints and tests; the table name is validated against a fixed set.
func (s *Store) CountRows(ctx context.Context, table string) (int, error) {
	switch table {
	case "tenants", "subscriptions", "orders", "order_items", "platform_transactions", "accounts", "webhook_events":
	default:
		return 0, fmt.Errorf("unknown table %q", table)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
	return count, err
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// mapUniqueError converts a sqlite uniqueness violation into the matching
// domain error, or nil when err is not a uniqueness violation.
func mapUniqueError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") {
		return nil
	}
	switch {
	case strings.Contains(msg, "tenants.owner_id"):
		return tenant.ErrAlreadyProvisioned
	case strings.Contains(msg, "tenants.handle"):
		return tenant.ErrHandleTaken
	default:
		return tenant.ErrDuplicateExternalRef
	}
}
