// Package config loads the engine configuration from configs/config.yaml
// with environment-variable overrides. Every numeric economic parameter has
// a default matching the stock protocol parameters, so an empty config file
// yields a working engine.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full engine configuration tree.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Store     StoreConfig
	Analytics AnalyticsConfig
	Oracle    OracleConfig
	Vault     VaultConfig
	OrderBook OrderBookConfig
	Requests  RequestsConfig
	Keeper    KeeperConfig
	Accounts  AccountsConfig
	Tokens    []TokenConfig
}

// ServerConfig tunes the HTTP listener.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
}

// LogConfig selects level and sink. An empty File logs to stdout; a
// non-empty File rotates through lumberjack.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// StoreConfig selects the persistence chain: postgres when DatabaseURL is
// set, wrapped by a redis cache when RedisURL is set, else memory.
type StoreConfig struct {
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
}

// AnalyticsConfig locates the optional ClickHouse archive.
type AnalyticsConfig struct {
	Enabled       bool
	Addr          string
	Database      string
	Username      string
	Password      string
	Table         string
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
}

// OracleConfig tunes the price aggregator and its sources.
type OracleConfig struct {
	SampleCount            int
	MaxPriceAge            time.Duration
	UseV2Pricing           bool
	FavorPrimary           bool
	SpreadThresholdBps     int64
	MaxStrictPriceDevMilli int64 // strict-stable snap tolerance, milli-USD
	FastPriceDuration      time.Duration
	FastMaxDeviationBps    int64
	BinanceAPIKey          string
	BinanceSecret          string
	BinanceBaseURL         string
}

// VaultConfig carries the economic parameters. Basis points are plain
// integers; USD amounts are whole dollars (scaled to 1e30 at wiring time);
// MaxLeverage is in x (scaled by the basis-points divisor at wiring time).
type VaultConfig struct {
	LiquidationFeeUsd        int64
	MaxLeverage              int64
	FundingInterval          time.Duration
	FundingRateFactor        int64
	StableFundingRateFactor  int64
	TaxBasisPoints           int64
	StableTaxBasisPoints     int64
	MintBurnFeeBasisPoints   int64
	SwapFeeBasisPoints       int64
	StableSwapFeeBasisPoints int64
	MarginFeeBasisPoints     int64
	MinProfitTime            time.Duration
	HasDynamicFees           bool
}

// OrderBookConfig tunes resting-order floors.
type OrderBookConfig struct {
	ExecutionFeeToken         string
	MinExecutionFee           int64
	MinPurchaseTokenAmountUsd int64 // whole USD
}

// RequestsConfig tunes the delayed-request queues.
type RequestsConfig struct {
	ExecutionFeeToken  string
	MinExecutionFee    int64
	MinDelayKeeper     time.Duration
	MinTimeDelayPublic time.Duration
	MaxTimeDelay       time.Duration
	DepositFeeBps      int64
	IncreaseBufferBps  int64
}

// KeeperConfig tunes the background runner.
type KeeperConfig struct {
	Account           string
	Interval          time.Duration
	BatchSize         int
	SnapshotInterval  time.Duration
	IncreaseBufferBps int64
}

// AccountsConfig seeds the access controller.
type AccountsConfig struct {
	Gov          string
	Keepers      []string
	OrderKeepers []string
	Liquidators  []string
	PriceFeeders []string
}

// TokenConfig whitelists one token. Weight is in arbitrary units relative
// to the other tokens; MaxUsdpAmount and MaxGlobalShortSize are whole USD
// (0 = uncapped); BufferAmount is in token units at native decimals.
type TokenConfig struct {
	Symbol             string `mapstructure:"symbol"`
	Decimals           int32  `mapstructure:"decimals"`
	PriceDecimals      int32  `mapstructure:"price_decimals"`
	Weight             int64  `mapstructure:"weight"`
	MinProfitBps       int64  `mapstructure:"min_profit_bps"`
	MaxUsdpAmount      int64  `mapstructure:"max_usdp_amount"`
	IsStable           bool   `mapstructure:"is_stable"`
	IsShortable        bool   `mapstructure:"is_shortable"`
	IsStrictStable     bool   `mapstructure:"is_strict_stable"`
	BufferAmount       string `mapstructure:"buffer_amount"`
	MaxGlobalShortSize int64  `mapstructure:"max_global_short_size"`
	BinancePair        string `mapstructure:"binance_pair"`
}

// Load reads configs/config.yaml (or the directory named by dir when
// non-empty) and applies VAULT_-prefixed environment overrides. A missing
// config file is fine; missing keys fall back to defaults.
func Load(dir string) (*Config, error) {
	v := viper.New()
	if dir == "" {
		dir = "configs"
	}
	v.AddConfigPath(dir)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s/config.yaml: %w", dir, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           v.GetString("server.port"),
			ReadTimeout:    v.GetDuration("server.read_timeout"),
			WriteTimeout:   v.GetDuration("server.write_timeout"),
			IdleTimeout:    v.GetDuration("server.idle_timeout"),
			RequestTimeout: v.GetDuration("server.request_timeout"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			Compress:   v.GetBool("log.compress"),
		},
		Store: StoreConfig{
			DatabaseURL: v.GetString("store.database_url"),
			RedisURL:    v.GetString("store.redis_url"),
			CacheTTL:    v.GetDuration("store.cache_ttl"),
		},
		Analytics: AnalyticsConfig{
			Enabled:       v.GetBool("analytics.enabled"),
			Addr:          v.GetString("analytics.addr"),
			Database:      v.GetString("analytics.database"),
			Username:      v.GetString("analytics.username"),
			Password:      v.GetString("analytics.password"),
			Table:         v.GetString("analytics.table"),
			BatchSize:     v.GetInt("analytics.batch_size"),
			FlushInterval: v.GetDuration("analytics.flush_interval"),
			BufferSize:    v.GetInt("analytics.buffer_size"),
		},
		Oracle: OracleConfig{
			SampleCount:            v.GetInt("oracle.sample_count"),
			MaxPriceAge:            v.GetDuration("oracle.max_price_age"),
			UseV2Pricing:           v.GetBool("oracle.use_v2_pricing"),
			FavorPrimary:           v.GetBool("oracle.favor_primary"),
			SpreadThresholdBps:     v.GetInt64("oracle.spread_threshold_bps"),
			MaxStrictPriceDevMilli: v.GetInt64("oracle.max_strict_price_deviation_milli"),
			FastPriceDuration:      v.GetDuration("oracle.fast_price_duration"),
			FastMaxDeviationBps:    v.GetInt64("oracle.fast_max_deviation_bps"),
			BinanceAPIKey:          v.GetString("oracle.binance.api_key"),
			BinanceSecret:          v.GetString("oracle.binance.secret"),
			BinanceBaseURL:         v.GetString("oracle.binance.base_url"),
		},
		Vault: VaultConfig{
			LiquidationFeeUsd:        v.GetInt64("vault.liquidation_fee_usd"),
			MaxLeverage:              v.GetInt64("vault.max_leverage"),
			FundingInterval:          v.GetDuration("vault.funding_interval"),
			FundingRateFactor:        v.GetInt64("vault.funding_rate_factor"),
			StableFundingRateFactor:  v.GetInt64("vault.stable_funding_rate_factor"),
			TaxBasisPoints:           v.GetInt64("vault.tax_bps"),
			StableTaxBasisPoints:     v.GetInt64("vault.stable_tax_bps"),
			MintBurnFeeBasisPoints:   v.GetInt64("vault.mint_burn_fee_bps"),
			SwapFeeBasisPoints:       v.GetInt64("vault.swap_fee_bps"),
			StableSwapFeeBasisPoints: v.GetInt64("vault.stable_swap_fee_bps"),
			MarginFeeBasisPoints:     v.GetInt64("vault.margin_fee_bps"),
			MinProfitTime:            v.GetDuration("vault.min_profit_time"),
			HasDynamicFees:           v.GetBool("vault.dynamic_fees"),
		},
		OrderBook: OrderBookConfig{
			ExecutionFeeToken:         v.GetString("orderbook.execution_fee_token"),
			MinExecutionFee:           v.GetInt64("orderbook.min_execution_fee"),
			MinPurchaseTokenAmountUsd: v.GetInt64("orderbook.min_purchase_usd"),
		},
		Requests: RequestsConfig{
			ExecutionFeeToken:  v.GetString("requests.execution_fee_token"),
			MinExecutionFee:    v.GetInt64("requests.min_execution_fee"),
			MinDelayKeeper:     v.GetDuration("requests.min_delay_keeper"),
			MinTimeDelayPublic: v.GetDuration("requests.min_time_delay_public"),
			MaxTimeDelay:       v.GetDuration("requests.max_time_delay"),
			DepositFeeBps:      v.GetInt64("requests.deposit_fee_bps"),
			IncreaseBufferBps:  v.GetInt64("requests.increase_buffer_bps"),
		},
		Keeper: KeeperConfig{
			Account:           v.GetString("keeper.account"),
			Interval:          v.GetDuration("keeper.interval"),
			BatchSize:         v.GetInt("keeper.batch_size"),
			SnapshotInterval:  v.GetDuration("keeper.snapshot_interval"),
			IncreaseBufferBps: v.GetInt64("keeper.increase_buffer_bps"),
		},
		Accounts: AccountsConfig{
			Gov:          v.GetString("accounts.gov"),
			Keepers:      v.GetStringSlice("accounts.keepers"),
			OrderKeepers: v.GetStringSlice("accounts.order_keepers"),
			Liquidators:  v.GetStringSlice("accounts.liquidators"),
			PriceFeeders: v.GetStringSlice("accounts.price_feeders"),
		},
	}

	if err := v.UnmarshalKey("tokens", &cfg.Tokens); err != nil {
		return nil, fmt.Errorf("config: tokens: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("store.cache_ttl", 30*time.Second)

	v.SetDefault("analytics.table", "vault_events")
	v.SetDefault("analytics.batch_size", 512)
	v.SetDefault("analytics.flush_interval", 5*time.Second)
	v.SetDefault("analytics.buffer_size", 8192)

	v.SetDefault("oracle.sample_count", 3)
	v.SetDefault("oracle.max_price_age", 5*time.Minute)
	v.SetDefault("oracle.use_v2_pricing", true)
	v.SetDefault("oracle.favor_primary", true)
	v.SetDefault("oracle.spread_threshold_bps", 30)
	v.SetDefault("oracle.max_strict_price_deviation_milli", 10) // $0.01
	v.SetDefault("oracle.fast_price_duration", 5*time.Minute)
	v.SetDefault("oracle.fast_max_deviation_bps", 100)

	v.SetDefault("vault.liquidation_fee_usd", 5)
	v.SetDefault("vault.max_leverage", 50)
	v.SetDefault("vault.funding_interval", 8*time.Hour)
	v.SetDefault("vault.funding_rate_factor", 100)
	v.SetDefault("vault.stable_funding_rate_factor", 100)
	v.SetDefault("vault.tax_bps", 50)
	v.SetDefault("vault.stable_tax_bps", 20)
	v.SetDefault("vault.mint_burn_fee_bps", 30)
	v.SetDefault("vault.swap_fee_bps", 30)
	v.SetDefault("vault.stable_swap_fee_bps", 4)
	v.SetDefault("vault.margin_fee_bps", 10)
	v.SetDefault("vault.min_profit_time", 0)
	v.SetDefault("vault.dynamic_fees", true)

	v.SetDefault("orderbook.execution_fee_token", "NATIVE")
	v.SetDefault("orderbook.min_execution_fee", 1)
	v.SetDefault("orderbook.min_purchase_usd", 10)

	v.SetDefault("requests.execution_fee_token", "NATIVE")
	v.SetDefault("requests.min_execution_fee", 1)
	v.SetDefault("requests.min_delay_keeper", 2*time.Second)
	v.SetDefault("requests.min_time_delay_public", 3*time.Minute)
	v.SetDefault("requests.max_time_delay", 30*time.Minute)
	v.SetDefault("requests.deposit_fee_bps", 30)
	v.SetDefault("requests.increase_buffer_bps", 100)

	v.SetDefault("keeper.account", "keeper")
	v.SetDefault("keeper.interval", 2*time.Second)
	v.SetDefault("keeper.batch_size", 64)
	v.SetDefault("keeper.snapshot_interval", time.Minute)
	v.SetDefault("keeper.increase_buffer_bps", 100)

	v.SetDefault("accounts.gov", "gov")
}
