/*
main.go - Server entry point

PURPOSE:
  Wires the storefront engine together and runs the HTTP server: store,
  payment gateway, plan catalog, provisioning saga, webhook reconciliation
  engine, background sweeper, router.

CONFIGURATION:
  Flags:
    -port       HTTP listen port (default 8080)
    -db         SQLite database path (default ./data/storefront.db)
    -plans      Plan catalog JSON path (default ./config/plans.json)
    -fee-rate   Platform fee rate as a decimal string (default 0.10)
  Environment:
    STRIPE_API_KEY          Payment processor secret key (required)
    STRIPE_WEBHOOK_SECRET   Webhook signing secret (required)

SHUTDOWN:
  SIGINT/SIGTERM stops the sweeper, drains in-flight requests for up to 10
  seconds, then closes the store.
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/storefront-engine/api"
	"github.com/warp/storefront-engine/billing"
	"github.com/warp/storefront-engine/gateway/stripegw"
	"github.com/warp/storefront-engine/notify"
	"github.com/warp/storefront-engine/provision"
	"github.com/warp/storefront-engine/store/sqlite"
	"github.com/warp/storefront-engine/webhook"
)

func main() {
	var (
		port      = flag.String("port", "8080", "HTTP listen port")
		dbPath    = flag.String("db", "./data/storefront.db", "SQLite database path")
		plansPath = flag.String("plans", "./config/plans.json", "plan catalog JSON path")
		feeRate   = flag.String("fee-rate", "0.10", "platform fee rate (decimal fraction)")
	)
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	apiKey := os.Getenv("STRIPE_API_KEY")
	webhookSecret := os.Getenv("STRIPE_WEBHOOK_SECRET")
	if apiKey == "" || webhookSecret == "" {
		log.Fatal().Msg("STRIPE_API_KEY and STRIPE_WEBHOOK_SECRET must be set")
	}

	rate, err := decimal.NewFromString(*feeRate)
	if err != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		log.Fatal().Str("fee_rate", *feeRate).Msg("fee rate must be a decimal between 0 and 1")
	}

	plans, err := billing.LoadCatalog(*plansPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *plansPath).Msg("failed to load plan catalog")
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("failed to open store")
	}
	defer store.Close()

	gw := stripegw.New(apiKey, webhookSecret)
	notifier := notify.NewLogDispatcher(log)

	coordinator := provision.New(store, gw, plans, notifier, log)
	engine := webhook.New(store, gw, notifier, rate, log)
	handler := api.NewHandler(store, coordinator, engine, plans)

	sweeper := api.NewAttentionSweeper(store, log)
	sweeper.Start()
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", *port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Str("db", *dbPath).Msg("storefront engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
