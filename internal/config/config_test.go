package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/engine"
)

// inEmptyDir runs the test from a directory with no config or .env file.
func inEmptyDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inEmptyDir(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Database.Driver != "memory" || cfg.Oracle.Source != "static" {
		t.Errorf("driver = %q, oracle = %q", cfg.Database.Driver, cfg.Oracle.Source)
	}
	p, err := cfg.EngineParams()
	if err != nil {
		t.Fatalf("EngineParams: %v", err)
	}
	want := engine.DefaultParams()
	if p.MaxLeverage != want.MaxLeverage || p.TradingFeeBps != want.TradingFeeBps ||
		p.LiquidationThresholdBps != want.LiquidationThresholdBps || !p.PriceUnit.IsZero() {
		t.Errorf("params = %+v", p)
	}
	pc, err := cfg.PoolParams()
	if err != nil {
		t.Fatalf("PoolParams: %v", err)
	}
	if pc.MaxUtilizationBps != 8000 || !pc.MinLiquidity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("pool = %+v", pc)
	}
	if b := cfg.KeeperBudget(); b.MaxExecute != 5 || b.MaxScan != 200 {
		t.Errorf("budget = %+v", b)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	inEmptyDir(t)
	t.Setenv("PERPD_TRADING_MAX_LEVERAGE", "20")
	t.Setenv("PERPD_KEEPER_INTERVAL", "500ms")
	t.Setenv("PERPD_DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://perp@localhost/perp")
	t.Setenv("PORT", "9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Trading.MaxLeverage != 20 {
		t.Errorf("max leverage = %d, want 20", cfg.Trading.MaxLeverage)
	}
	if cfg.Keeper.Interval != 500*time.Millisecond {
		t.Errorf("interval = %s", cfg.Keeper.Interval)
	}
	if cfg.Database.URL != "postgres://perp@localhost/perp" || cfg.Server.Port != 9090 {
		t.Errorf("database url = %q, port = %d", cfg.Database.URL, cfg.Server.Port)
	}
}

func TestLoad_File(t *testing.T) {
	dir := inEmptyDir(t)
	path := filepath.Join(dir, "perpd.yaml")
	yaml := `
server:
  port: 7000
trading:
  trading_fee_bps: 25
  max_per_market: "50000"
oracle:
  stale_after: 5m
  markets:
    - symbol: BTC-USD
      price: "64000"
    - symbol: ETH-USD
      oracle_ref: ETH/USD
token:
  genesis:
    - account: Alice
      amount: "10000"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7000 || cfg.Trading.TradingFeeBps != 25 {
		t.Errorf("port = %d, fee = %d", cfg.Server.Port, cfg.Trading.TradingFeeBps)
	}
	if cfg.Oracle.StaleAfter != 5*time.Minute {
		t.Errorf("stale after = %s", cfg.Oracle.StaleAfter)
	}
	if len(cfg.Oracle.Markets) != 2 || cfg.Oracle.Markets[1].OracleRef != "ETH/USD" {
		t.Errorf("markets = %+v", cfg.Oracle.Markets)
	}
	if len(cfg.Token.Genesis) != 1 || cfg.Token.Genesis[0].Account != "Alice" {
		t.Errorf("genesis = %+v", cfg.Token.Genesis)
	}
	perMarket, correlated, err := cfg.ExposureLimits()
	if err != nil || !perMarket.Equal(decimal.NewFromInt(50000)) || !correlated.IsZero() {
		t.Errorf("limits = %s, %s, %v", perMarket, correlated, err)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := inEmptyDir(t)
	// Register cleanup for the variable godotenv is about to set.
	t.Setenv("PERPD_LOGGING_LEVEL", "")
	os.Unsetenv("PERPD_LOGGING_LEVEL")
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("PERPD_LOGGING_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown driver", map[string]string{"PERPD_DATABASE_DRIVER": "mongo"}, "database.driver"},
		{"postgres without url", map[string]string{"PERPD_DATABASE_DRIVER": "postgres"}, "database.url"},
		{"redis oracle without url", map[string]string{"PERPD_ORACLE_SOURCE": "redis"}, "redis.url"},
		{"shared accounts", map[string]string{"PERPD_POOL_CUSTODY": "vault"}, "distinct"},
		{"bad leverage", map[string]string{"PERPD_TRADING_MAX_LEVERAGE": "0"}, "trading"},
		{"bad decimal", map[string]string{"PERPD_TRADING_MAX_PER_MARKET": "lots"}, "max_per_market"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inEmptyDir(t)
			t.Setenv("DATABASE_URL", "")
			t.Setenv("REDIS_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
