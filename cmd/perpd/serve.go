package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/atmx/perp-engine/internal/api"
	"github.com/atmx/perp-engine/internal/auth"
	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/events"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/logging"
	"github.com/atmx/perp-engine/internal/model"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/pool"
	"github.com/atmx/perp-engine/internal/token"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logging.Setup(cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("auth.secret is required: %w", err)
	}

	// --- Store ---
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()
	if err := migrate(ctx, b.store); err != nil {
		return err
	}
	snap, err := b.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	// --- Event fan-out ---
	hub := events.NewWSHub()
	go hub.Run()
	bus := events.NewBus(hub)
	if cfg.NATS.URL != "" {
		nc, err := events.ConnectNATS(cfg.NATS.URL, "perpd")
		if err != nil {
			return fmt.Errorf("nats connection failed: %w", err)
		}
		defer nc.Drain()
		bus.Add(events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix))
		slog.Info("publishing events to NATS", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}

	// --- Settlement asset ---
	asset := token.NewLedger()
	if err := seedLedger(asset, cfg, snap); err != nil {
		return err
	}

	// --- Pool and engine ---
	poolCfg, err := cfg.PoolParams()
	if err != nil {
		return err
	}
	params, err := cfg.EngineParams()
	if err != nil {
		return err
	}
	perMarket, correlated, err := cfg.ExposureLimits()
	if err != nil {
		return err
	}

	prices := oracle.NewAdapter(cfg.Oracle.StaleAfter, cfg.Oracle.Timeout)
	lp := pool.New(poolCfg, asset, cfg.Pool.Custody, b.store, bus)
	eng := engine.New(params, engine.Deps{
		Prices:  prices,
		Pool:    lp,
		Asset:   asset,
		Vault:   cfg.Trading.Vault,
		Store:   b.store,
		Limiter: correlation.NewPositionLimiter(perMarket, correlated),
		Events:  bus,
	})
	eng.Restore(snap)
	slog.Info("state restored",
		"markets", len(snap.Markets),
		"open_positions", eng.OpenPositionCount(),
		"pool_value", lp.State().TotalPoolValue.String(),
	)

	if err := bootstrapMarkets(ctx, cfg, eng, prices, b); err != nil {
		return err
	}

	// --- Keeper ---
	k := keeper.New(eng, cfg.Keeper.Account, cfg.KeeperBudget())
	if cfg.Keeper.Enabled {
		go k.Run(ctx, cfg.Keeper.Interval)
	}

	// --- HTTP ---
	svc := api.NewService(api.Deps{
		Engine:  eng,
		Pool:    lp,
		Prices:  prices,
		Keeper:  k,
		Journal: b.store,
		Issuer:  issuer,
		Hub:     hub,
		Events:  bus,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      svc.Router(cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("perpd listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down perpd...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("perpd stopped")
	return nil
}

// seedLedger funds the in-process settlement ledger. Vault and custody are
// reseeded from the snapshot so restored collateral and pool value stay
// redeemable; genesis accounts are minted and approve both.
func seedLedger(asset *token.Ledger, cfg *config.Config, snap *model.Snapshot) error {
	deposits := decimal.Zero
	for _, a := range snap.Accounts {
		deposits = deposits.Add(a.TotalDeposited)
	}
	if deposits.IsPositive() {
		asset.Mint(cfg.Trading.Vault, deposits)
	}
	if held := snap.Global.TotalPoolValue.Add(snap.Global.InsuranceFund); held.IsPositive() {
		asset.Mint(cfg.Pool.Custody, held)
	}

	for _, g := range cfg.Token.Genesis {
		amount, err := decimal.NewFromString(g.Amount)
		if err != nil {
			return fmt.Errorf("genesis %s: %w", g.Account, err)
		}
		asset.Mint(g.Account, amount)
		asset.Approve(g.Account, cfg.Trading.Vault, amount)
		asset.Approve(g.Account, cfg.Pool.Custody, amount)
	}
	if n := len(cfg.Token.Genesis); n > 0 {
		slog.Info("genesis accounts funded", "accounts", n)
	}
	return nil
}

// bootstrapMarkets registers configured markets that the snapshot does not
// already hold and attaches their price feeds.
func bootstrapMarkets(ctx context.Context, cfg *config.Config, eng *engine.Engine, prices *oracle.Adapter, b *backend) error {
	boot := auth.Admin("bootstrap")
	now := time.Now().UTC()

	for _, mc := range cfg.Oracle.Markets {
		m, ok := eng.Market(strings.ToUpper(strings.TrimSpace(mc.Symbol)))
		if !ok {
			var err error
			if m, err = eng.AddMarket(ctx, boot, mc.Symbol, mc.OracleRef); err != nil {
				return fmt.Errorf("bootstrap market %s: %w", mc.Symbol, err)
			}
		}

		switch cfg.Oracle.Source {
		case "redis":
			prices.RegisterFeed(m.OracleRef, oracle.NewRedisFeed(b.redis, cfg.Oracle.KeyPrefix, m.OracleRef))
		default:
			if mc.Price == "" {
				continue
			}
			price, err := decimal.NewFromString(mc.Price)
			if err != nil {
				return fmt.Errorf("market %s price: %w", mc.Symbol, err)
			}
			prices.RegisterFeed(m.OracleRef, oracle.NewStaticFeed(price, now))
		}
		slog.Info("market ready", "symbol", m.Symbol, "oracle", m.OracleRef, "source", cfg.Oracle.Source)
	}
	return nil
}
