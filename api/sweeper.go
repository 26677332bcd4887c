/*
sweeper.go - Background operator-attention sweep

PURPOSE:
  Periodically scans the Ledger Store for storefronts stuck in a state that
  needs a human: terminal payment failures (charge taken, subscription
  missing) and staged rows abandoned mid-provisioning. Findings are logged
  at error/warn level so the log pipeline can alert on them.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Read-only: the sweep never mutates state, operators do
  - The same data backs GET /api/admin/attention on demand

USAGE:
  sweeper := NewAttentionSweeper(store, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: ListAttention endpoint (on-demand view)
  - provision/: the saga that parks storefronts in payment_failed
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/storefront-engine/store/sqlite"
	"github.com/warp/storefront-engine/tenant"
)

// AttentionSweeper periodically surfaces storefronts needing operator action.
type AttentionSweeper struct {
	Store         *sqlite.Store
	CheckInterval time.Duration
	StaleAfter    time.Duration
	Enabled       bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewAttentionSweeper creates a new sweeper.
func NewAttentionSweeper(store *sqlite.Store, log zerolog.Logger) *AttentionSweeper {
	return &AttentionSweeper{
		Store:         store,
		CheckInterval: 15 * time.Minute,
		StaleAfter:    staleAfter,
		Enabled:       true,
		log:           log.With().Str("component", "sweeper").Logger(),
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (s *AttentionSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.log.Info().Msg("sweeper disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.log.Info().Dur("interval", s.CheckInterval).Msg("sweeper started")
}

// Stop stops the sweeper.
func (s *AttentionSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.log.Info().Msg("sweeper stopped")
	}
}

func (s *AttentionSweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.sweep()

	for {
		select {
		case <-s.ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *AttentionSweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	failed, err := s.Store.ListTenantsByStatus(ctx, tenant.StatusPaymentFailed)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed to list payment_failed storefronts")
		return
	}
	for _, t := range failed {
		s.log.Error().
			Str("tenant_id", t.ID).
			Str("handle", t.Handle).
			Str("charge_ref", t.OneTimePaymentRef).
			Time("since", t.UpdatedAt).
			Msg("storefront awaiting manual review")
	}

	stale, err := s.Store.ListStaleTenants(ctx, tenant.StatusPendingPayment, time.Now().Add(-s.StaleAfter))
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed to list stale staged storefronts")
		return
	}
	for _, t := range stale {
		s.log.Warn().
			Str("tenant_id", t.ID).
			Str("handle", t.Handle).
			Time("since", t.UpdatedAt).
			Msg("staged storefront abandoned mid-provisioning")
	}
}
