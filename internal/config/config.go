// Package config loads perpd settings from defaults, an optional YAML file,
// a .env file and PERPD_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atmx/perp-engine/internal/engine"
	"github.com/atmx/perp-engine/internal/keeper"
	"github.com/atmx/perp-engine/internal/pool"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Token    TokenConfig    `mapstructure:"token"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store. Driver is memory, postgres or sqlite.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	URL    string `mapstructure:"url"`
	Path   string `mapstructure:"path"`
}

// RedisConfig enables the journal cache when URL is set.
type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// OracleConfig selects the price source. Source is static or redis.
type OracleConfig struct {
	Source     string         `mapstructure:"source"`
	StaleAfter time.Duration  `mapstructure:"stale_after"`
	Timeout    time.Duration  `mapstructure:"timeout"`
	KeyPrefix  string         `mapstructure:"key_prefix"`
	Markets    []MarketConfig `mapstructure:"markets"`
}

// MarketConfig is a market registered at startup if it does not exist.
// Price seeds a static feed.
type MarketConfig struct {
	Symbol    string `mapstructure:"symbol"`
	OracleRef string `mapstructure:"oracle_ref"`
	Price     string `mapstructure:"price"`
}

type TradingConfig struct {
	Vault                   string `mapstructure:"vault"`
	MaxLeverage             int64  `mapstructure:"max_leverage"`
	TradingFeeBps           int64  `mapstructure:"trading_fee_bps"`
	LiquidationThresholdBps int64  `mapstructure:"liquidation_threshold_bps"`
	LiquidationBonusBps     int64  `mapstructure:"liquidation_bonus_bps"`
	AmountScale             int32  `mapstructure:"amount_scale"`
	PriceScale              int32  `mapstructure:"price_scale"`
	PriceUnit               string `mapstructure:"price_unit"`
	MaxPerMarket            string `mapstructure:"max_per_market"`
	MaxCorrelated           string `mapstructure:"max_correlated"`
}

type PoolConfig struct {
	Custody           string `mapstructure:"custody"`
	MaxUtilizationBps int64  `mapstructure:"max_utilization_bps"`
	InsuranceCutBps   int64  `mapstructure:"insurance_cut_bps"`
	MinLiquidity      string `mapstructure:"min_liquidity"`
}

type KeeperConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Account       string        `mapstructure:"account"`
	Interval      time.Duration `mapstructure:"interval"`
	MaxScan       int           `mapstructure:"max_scan"`
	CheckEvery    int           `mapstructure:"check_every"`
	MaxScanTime   time.Duration `mapstructure:"max_scan_time"`
	MaxCandidates int           `mapstructure:"max_candidates"`
	MaxExecute    int           `mapstructure:"max_execute"`
	MaxOrderSweep int           `mapstructure:"max_order_sweep"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// TokenConfig seeds the in-process settlement ledger.
type TokenConfig struct {
	Genesis []GenesisAccount `mapstructure:"genesis"`
}

// GenesisAccount is minted Amount at startup and approves the vault and
// pool custody to spend it.
type GenesisAccount struct {
	Account string `mapstructure:"account"`
	Amount  string `mapstructure:"amount"`
}

// Load reads configuration. An empty path searches ./perpd.yaml,
// ./config/perpd.yaml and /etc/perpd/perpd.yaml; a missing file is not an
// error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("perpd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/perpd")
	}

	v.SetEnvPrefix("PERPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unprefixed names used by existing deployments.
	_ = v.BindEnv("server.port", "PERPD_SERVER_PORT", "PORT")
	_ = v.BindEnv("database.url", "PERPD_DATABASE_URL", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "PERPD_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("nats.url", "PERPD_NATS_URL", "NATS_URL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.url", "")
	v.SetDefault("database.path", "./data/perpd.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.cache_ttl", 30*time.Second)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "perp")

	v.SetDefault("oracle.source", "static")
	v.SetDefault("oracle.stale_after", time.Hour)
	v.SetDefault("oracle.timeout", 2*time.Second)
	v.SetDefault("oracle.key_prefix", "price")

	d := engine.DefaultParams()
	v.SetDefault("trading.vault", "vault")
	v.SetDefault("trading.max_leverage", d.MaxLeverage)
	v.SetDefault("trading.trading_fee_bps", d.TradingFeeBps)
	v.SetDefault("trading.liquidation_threshold_bps", d.LiquidationThresholdBps)
	v.SetDefault("trading.liquidation_bonus_bps", d.LiquidationBonusBps)
	v.SetDefault("trading.amount_scale", d.AmountScale)
	v.SetDefault("trading.price_scale", d.PriceScale)
	v.SetDefault("trading.price_unit", "0")
	v.SetDefault("trading.max_per_market", "0")
	v.SetDefault("trading.max_correlated", "0")

	p := pool.DefaultConfig()
	v.SetDefault("pool.custody", "pool")
	v.SetDefault("pool.max_utilization_bps", p.MaxUtilizationBps)
	v.SetDefault("pool.insurance_cut_bps", p.InsuranceCutBps)
	v.SetDefault("pool.min_liquidity", p.MinLiquidity.String())

	b := keeper.DefaultBudget()
	v.SetDefault("keeper.enabled", true)
	v.SetDefault("keeper.account", "keeper")
	v.SetDefault("keeper.interval", 2*time.Second)
	v.SetDefault("keeper.max_scan", b.MaxScan)
	v.SetDefault("keeper.check_every", b.CheckEvery)
	v.SetDefault("keeper.max_scan_time", b.MaxScanTime)
	v.SetDefault("keeper.max_candidates", b.MaxCandidates)
	v.SetDefault("keeper.max_execute", b.MaxExecute)
	v.SetDefault("keeper.max_order_sweep", b.MaxOrderSweep)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "perpd")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("logging.level", "info")
}

// Validate checks values the loaders cannot.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	switch c.Oracle.Source {
	case "static":
	case "redis":
		if c.Redis.URL == "" {
			return errors.New("config: redis.url is required for the redis oracle")
		}
	default:
		return fmt.Errorf("config: unknown oracle.source %q", c.Oracle.Source)
	}
	if c.Trading.Vault == "" || c.Pool.Custody == "" || c.Trading.Vault == c.Pool.Custody {
		return errors.New("config: trading.vault and pool.custody must be distinct, non-empty accounts")
	}
	if _, err := c.EngineParams(); err != nil {
		return err
	}
	if _, err := c.PoolParams(); err != nil {
		return err
	}
	if _, _, err := c.ExposureLimits(); err != nil {
		return err
	}
	for _, m := range c.Oracle.Markets {
		if m.Price == "" {
			continue
		}
		if _, err := decimal.NewFromString(m.Price); err != nil {
			return fmt.Errorf("config: market %s price: %w", m.Symbol, err)
		}
	}
	for _, g := range c.Token.Genesis {
		if _, err := decimal.NewFromString(g.Amount); err != nil || g.Account == "" {
			return fmt.Errorf("config: invalid genesis entry %q=%q", g.Account, g.Amount)
		}
	}
	return nil
}

// EngineParams converts the trading section.
func (c *Config) EngineParams() (engine.Params, error) {
	unit, err := decimal.NewFromString(c.Trading.PriceUnit)
	if err != nil {
		return engine.Params{}, fmt.Errorf("config: trading.price_unit: %w", err)
	}
	p := engine.Params{
		MaxLeverage:             c.Trading.MaxLeverage,
		TradingFeeBps:           c.Trading.TradingFeeBps,
		LiquidationThresholdBps: c.Trading.LiquidationThresholdBps,
		LiquidationBonusBps:     c.Trading.LiquidationBonusBps,
		AmountScale:             c.Trading.AmountScale,
		PriceScale:              c.Trading.PriceScale,
		PriceUnit:               unit,
	}
	if err := p.Validate(); err != nil {
		return engine.Params{}, fmt.Errorf("config: trading: %w", err)
	}
	return p, nil
}

// PoolParams converts the pool section.
func (c *Config) PoolParams() (pool.Config, error) {
	minLiq, err := decimal.NewFromString(c.Pool.MinLiquidity)
	if err != nil {
		return pool.Config{}, fmt.Errorf("config: pool.min_liquidity: %w", err)
	}
	if c.Pool.MaxUtilizationBps <= 0 || c.Pool.MaxUtilizationBps > 10_000 ||
		c.Pool.InsuranceCutBps < 0 || c.Pool.InsuranceCutBps > 10_000 {
		return pool.Config{}, errors.New("config: pool basis points out of range")
	}
	return pool.Config{
		MaxUtilizationBps: c.Pool.MaxUtilizationBps,
		InsuranceCutBps:   c.Pool.InsuranceCutBps,
		MinLiquidity:      minLiq,
		AmountScale:       c.Trading.AmountScale,
	}, nil
}

// ExposureLimits returns the per-market and correlated notional caps.
// Zero disables a cap.
func (c *Config) ExposureLimits() (perMarket, correlated decimal.Decimal, err error) {
	if perMarket, err = decimal.NewFromString(c.Trading.MaxPerMarket); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("config: trading.max_per_market: %w", err)
	}
	if correlated, err = decimal.NewFromString(c.Trading.MaxCorrelated); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("config: trading.max_correlated: %w", err)
	}
	return perMarket, correlated, nil
}

// KeeperBudget converts the keeper section.
func (c *Config) KeeperBudget() keeper.Budget {
	return keeper.Budget{
		MaxScan:       c.Keeper.MaxScan,
		CheckEvery:    c.Keeper.CheckEvery,
		MaxScanTime:   c.Keeper.MaxScanTime,
		MaxCandidates: c.Keeper.MaxCandidates,
		MaxExecute:    c.Keeper.MaxExecute,
		MaxOrderSweep: c.Keeper.MaxOrderSweep,
	}
}
