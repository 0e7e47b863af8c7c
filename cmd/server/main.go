package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/perpx/vault-engine/internal/access"
	"github.com/perpx/vault-engine/internal/analytics"
	"github.com/perpx/vault-engine/internal/api"
	"github.com/perpx/vault-engine/internal/bank"
	"github.com/perpx/vault-engine/internal/config"
	"github.com/perpx/vault-engine/internal/fixed"
	"github.com/perpx/vault-engine/internal/journal"
	"github.com/perpx/vault-engine/internal/keeper"
	"github.com/perpx/vault-engine/internal/logging"
	"github.com/perpx/vault-engine/internal/metrics"
	"github.com/perpx/vault-engine/internal/model"
	"github.com/perpx/vault-engine/internal/oracle"
	"github.com/perpx/vault-engine/internal/oracle/binance"
	"github.com/perpx/vault-engine/internal/orderbook"
	"github.com/perpx/vault-engine/internal/requests"
	"github.com/perpx/vault-engine/internal/router"
	"github.com/perpx/vault-engine/internal/store"
	"github.com/perpx/vault-engine/internal/vault"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("VAULT_ENGINE_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Store chain: postgres -> redis cache -> memory fallback ---
	var st store.Store
	var cleanup []func()

	if cfg.Store.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if cfg.Store.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.Store.RedisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Store.CacheTTL)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("store.database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Journal fan-out: store, websocket hub, metrics, analytics ---
	hub := api.NewHub()
	go hub.Run()

	recorders := []journal.Recorder{
		store.NewJournalRecorder(st),
		hub.Recorder(),
		metrics.Recorder(),
	}
	if cfg.Analytics.Enabled {
		archiver, err := analytics.Open(ctx, analytics.Config{
			Addr:          cfg.Analytics.Addr,
			Database:      cfg.Analytics.Database,
			Username:      cfg.Analytics.Username,
			Password:      cfg.Analytics.Password,
			Table:         cfg.Analytics.Table,
			BatchSize:     cfg.Analytics.BatchSize,
			FlushInterval: cfg.Analytics.FlushInterval,
			BufferSize:    cfg.Analytics.BufferSize,
		})
		if err != nil {
			slog.Error("clickhouse connection failed", "err", err)
			os.Exit(1)
		}
		go archiver.Run(ctx)
		cleanup = append(cleanup, func() { archiver.Close() })
		recorders = append(recorders, archiver)
		slog.Info("ClickHouse archive enabled", "addr", cfg.Analytics.Addr)
	}
	jnl := journal.New(recorders...)

	// --- Access control ---
	gov := cfg.Accounts.Gov
	ctrl := access.NewController(gov)
	grants := []struct {
		role     string
		accounts []string
	}{
		{access.RoleKeeper, cfg.Accounts.Keepers},
		{access.RoleOrderKeeper, cfg.Accounts.OrderKeepers},
		{access.RoleLiquidator, cfg.Accounts.Liquidators},
		{access.RolePriceFeeder, cfg.Accounts.PriceFeeders},
	}
	for _, g := range grants {
		for _, acct := range g.accounts {
			if err := ctrl.Grant(gov, acct, g.role); err != nil {
				slog.Error("role grant failed", "role", g.role, "account", acct, "err", err)
				os.Exit(1)
			}
		}
	}

	// --- Oracle ---
	feed := oracle.NewMemoryFeed()
	agg := oracle.New(feed)
	agg.SetSampleCount(cfg.Oracle.SampleCount)
	agg.SetMaxPriceAge(cfg.Oracle.MaxPriceAge)
	agg.SetUseV2Pricing(cfg.Oracle.UseV2Pricing)
	agg.SetSpreadThreshold(cfg.Oracle.FavorPrimary, decimal.NewFromInt(cfg.Oracle.SpreadThresholdBps))
	// Milli-USD tolerance at the 1e30 scale.
	agg.SetMaxStrictPriceDeviation(decimal.New(cfg.Oracle.MaxStrictPriceDevMilli, 27))

	fast := oracle.NewFastFeed(cfg.Oracle.FastPriceDuration, cfg.Oracle.FastMaxDeviationBps)
	agg.SetSecondary(fast)

	pairs := make(map[string]string)
	for _, tok := range cfg.Tokens {
		if tok.BinancePair != "" {
			pairs[tok.Symbol] = tok.BinancePair
		}
	}
	var venue *binance.Source
	if len(pairs) > 0 {
		venue = binance.NewSource(cfg.Oracle.BinanceAPIKey, cfg.Oracle.BinanceSecret, cfg.Oracle.BinanceBaseURL, pairs)
		agg.SetVenue(venue)
		slog.Info("binance venue price source enabled", "pairs", len(pairs))
	}

	// --- Engine core ---
	ledger := bank.New()
	v := vault.New(vaultConfig(cfg.Vault), ledger, agg, ctrl, jnl)

	var priceSymbols []string
	for _, tok := range cfg.Tokens {
		agg.SetToken(oracle.TokenConfig{
			Symbol:         tok.Symbol,
			PriceDecimals:  tok.PriceDecimals,
			IsStrictStable: tok.IsStrictStable,
		})
		if err := v.SetTokenConfig(gov, model.Token{
			Symbol:        tok.Symbol,
			Decimals:      tok.Decimals,
			Weight:        decimal.NewFromInt(tok.Weight),
			MinProfitBps:  decimal.NewFromInt(tok.MinProfitBps),
			MaxUsdpAmount: decimal.New(tok.MaxUsdpAmount, fixed.UsdpDecimals),
			IsStable:      tok.IsStable,
			IsShortable:   tok.IsShortable,
			PriceDecimals: tok.PriceDecimals,
		}); err != nil {
			slog.Error("token config failed", "token", tok.Symbol, "err", err)
			os.Exit(1)
		}
		if tok.BufferAmount != "" {
			buffer, err := decimal.NewFromString(tok.BufferAmount)
			if err != nil {
				slog.Error("invalid buffer amount", "token", tok.Symbol, "err", err)
				os.Exit(1)
			}
			if err := v.SetBufferAmount(gov, tok.Symbol, buffer); err != nil {
				slog.Error("buffer config failed", "token", tok.Symbol, "err", err)
				os.Exit(1)
			}
		}
		if tok.MaxGlobalShortSize > 0 {
			if err := v.SetMaxGlobalShortSize(gov, tok.Symbol, decimal.New(tok.MaxGlobalShortSize, 30)); err != nil {
				slog.Error("max short config failed", "token", tok.Symbol, "err", err)
				os.Exit(1)
			}
		}
		priceSymbols = append(priceSymbols, tok.Symbol)
	}

	rt := router.New(v, ledger, ctrl)
	book := orderbook.New(orderbook.Config{
		ExecutionFeeToken:         cfg.OrderBook.ExecutionFeeToken,
		MinExecutionFee:           decimal.NewFromInt(cfg.OrderBook.MinExecutionFee),
		MinPurchaseTokenAmountUsd: decimal.New(cfg.OrderBook.MinPurchaseTokenAmountUsd, 30),
	}, v, rt, ledger, ctrl, jnl)
	queue := requests.New(requests.Config{
		ExecutionFeeToken:  cfg.Requests.ExecutionFeeToken,
		MinExecutionFee:    decimal.NewFromInt(cfg.Requests.MinExecutionFee),
		MinDelayKeeper:     cfg.Requests.MinDelayKeeper,
		MinTimeDelayPublic: cfg.Requests.MinTimeDelayPublic,
		MaxTimeDelay:       cfg.Requests.MaxTimeDelay,
		DepositFeeBps:      decimal.NewFromInt(cfg.Requests.DepositFeeBps),
		IncreaseBufferBps:  decimal.NewFromInt(cfg.Requests.IncreaseBufferBps),
	}, v, rt, ledger, ctrl, jnl)
	for _, plugin := range []string{orderbook.Account, requests.Account} {
		if err := rt.AddPlugin(gov, plugin); err != nil {
			slog.Error("plugin registration failed", "plugin", plugin, "err", err)
			os.Exit(1)
		}
	}

	// --- Resume from the latest snapshot ---
	if snap, err := st.LoadLatestSnapshot(ctx); err == nil {
		restore(v, ledger, book, queue, snap)
		slog.Info("engine state restored", "snapshot_time", snap.Time, "seq", snap.Seq)
	} else if !errors.Is(err, store.ErrNoSnapshot) {
		slog.Error("snapshot load failed", "err", err)
		os.Exit(1)
	}
	if seq, err := st.LastEventSeq(ctx); err == nil && seq > 0 {
		jnl.Seed(seq)
	}

	// --- Keeper ---
	runner := keeper.New(keeper.Config{
		Account:           cfg.Keeper.Account,
		Interval:          cfg.Keeper.Interval,
		BatchSize:         cfg.Keeper.BatchSize,
		SnapshotInterval:  cfg.Keeper.SnapshotInterval,
		IncreaseBufferBps: decimal.NewFromInt(cfg.Keeper.IncreaseBufferBps),
		PriceSymbols:      priceSymbols,
	}, v, book, queue, ledger, jnl)
	if venue != nil {
		runner.SetPriceSource(venue, fast)
	}
	runner.SetSnapshotSink(st)
	for _, role := range []string{access.RoleKeeper, access.RoleOrderKeeper} {
		if err := ctrl.Grant(gov, cfg.Keeper.Account, role); err != nil {
			slog.Error("keeper role grant failed", "role", role, "err", err)
			os.Exit(1)
		}
	}
	go runner.Run(ctx)

	// --- HTTP server ---
	srv := api.NewServer(api.Deps{
		Vault:          v,
		Router:         rt,
		Book:           book,
		Queue:          queue,
		Ledger:         ledger,
		Access:         ctrl,
		Store:          st,
		Feed:           feed,
		Fast:           fast,
		Oracle:         agg,
		Hub:            hub,
		RequestTimeout: cfg.Server.RequestTimeout,
	})
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("vault-engine listening", "port", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down vault-engine...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	// One last snapshot so a restart resumes where we stopped.
	if snap, err := runner.CaptureSnapshot(); err == nil {
		if err := st.SaveSnapshot(shutdownCtx, snap); err != nil {
			slog.Error("final snapshot failed", "err", err)
		}
	}
	fmt.Println("vault-engine stopped")
}

// vaultConfig converts the file-level representation (whole USD, leverage in
// x, plain bps integers) into the engine's fixed-point parameters.
func vaultConfig(c config.VaultConfig) vault.Config {
	return vault.Config{
		LiquidationFeeUsd:        decimal.New(c.LiquidationFeeUsd, 30),
		MaxLeverage:              decimal.NewFromInt(c.MaxLeverage).Mul(fixed.BasisPointsDivisor),
		FundingInterval:          c.FundingInterval,
		FundingRateFactor:        decimal.NewFromInt(c.FundingRateFactor),
		StableFundingRateFactor:  decimal.NewFromInt(c.StableFundingRateFactor),
		TaxBasisPoints:           decimal.NewFromInt(c.TaxBasisPoints),
		StableTaxBasisPoints:     decimal.NewFromInt(c.StableTaxBasisPoints),
		MintBurnFeeBasisPoints:   decimal.NewFromInt(c.MintBurnFeeBasisPoints),
		SwapFeeBasisPoints:       decimal.NewFromInt(c.SwapFeeBasisPoints),
		StableSwapFeeBasisPoints: decimal.NewFromInt(c.StableSwapFeeBasisPoints),
		MarginFeeBasisPoints:     decimal.NewFromInt(c.MarginFeeBasisPoints),
		MinProfitTime:            c.MinProfitTime,
		HasDynamicFees:           c.HasDynamicFees,
	}
}

// restore replays a snapshot into the engine components. Partial snapshots
// leave the missing components at their zero state.
func restore(v *vault.Vault, ledger *bank.Ledger, book *orderbook.Book, queue *requests.Queue, snap *model.EngineSnapshot) {
	if snap.Vault != nil {
		v.Restore(snap.Vault)
	}
	if snap.Bank != nil {
		ledger.Restore(snap.Bank)
	}
	if snap.Orders != nil {
		if err := book.Restore(snap.Orders); err != nil {
			slog.Error("order book restore failed", "err", err)
		}
	}
	if snap.Requests != nil {
		if err := queue.Restore(snap.Requests); err != nil {
			slog.Error("request queue restore failed", "err", err)
		}
	}
}
