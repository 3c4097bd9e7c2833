package infra

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vsp_mm/internal/domain"

	"github.com/shopspring/decimal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig_Validates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
database:
  path: /tmp/vsp.db
market:
  steps: 200
  seed:
    usdc_reserves: "10000.50"
    vsp_circulating: 5000
  curve:
    unit_scale: 0.0003
oracle:
  min_period: 1m
  max_period: 30m
  gold:
    goldapi:
      token: abc
    static: 0
  native:
    symbol: AVAX
    static: 35
transfer:
  timeout: 10s
  market_maker: "0xMM"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Database.Path != "/tmp/vsp.db" || cfg.Market.Steps != 200 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if !cfg.Market.Seed.Reserves.Equal(decimal.RequireFromString("10000.5")) {
		t.Errorf("reserves = %s", cfg.Market.Seed.Reserves)
	}
	if p := cfg.CurveParameters(); p.UnitScale != 0.0003 || p.HalfSpread != domain.DefaultHalfSpread {
		t.Errorf("curve = %+v, want unit scale override and default spread", p)
	}
	if cfg.Oracle.MinPeriod != time.Minute || cfg.Oracle.MaxPeriod != 30*time.Minute {
		t.Errorf("periods = %s / %s", cfg.Oracle.MinPeriod, cfg.Oracle.MaxPeriod)
	}
	if cfg.Transfer.Timeout != 10*time.Second || cfg.Transfer.MarketMaker != "0xMM" {
		t.Errorf("transfer = %+v", cfg.Transfer)
	}
	if !cfg.Oracle.Native.Enabled() {
		t.Error("native oracle should be enabled")
	}
	// Untouched sections keep their defaults.
	if cfg.Oracle.HTTPTimeout != 6*time.Second || cfg.Logging.MaxBackups != 3 {
		t.Errorf("defaults lost: %+v", cfg.Oracle)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("VSPMM_GOLDAPI_TOKEN", "from-env")
	t.Setenv("VSPMM_DB_PATH", "/data/ledger.db")
	t.Setenv("VSPMM_LOG_LEVEL", "WARN")
	t.Setenv("VSPMM_TRANSFER_TIMEOUT", "45s")

	cfg, err := LoadConfig(writeConfig(t, "app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Oracle.Gold.GoldAPI.Token != "from-env" || cfg.Database.Path != "/data/ledger.db" {
		t.Errorf("env overrides not applied: %+v", cfg)
	}
	if cfg.Logging.Level != "warn" || cfg.Transfer.Timeout != 45*time.Second {
		t.Errorf("level = %q, timeout = %s", cfg.Logging.Level, cfg.Transfer.Timeout)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestLoadConfig_BadYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "market: [unclosed"))
	var cfgErr *domain.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"no ledger", func(c *Config) { c.Market.Ledger = "" }, "market.ledger"},
		{"bad spread", func(c *Config) { c.Market.Curve.HalfSpread = decimal.NewFromInt(1) }, "half_spread"},
		{"negative seed", func(c *Config) { c.Market.Seed.Reserves = decimal.NewFromInt(-1) }, "market.seed"},
		{"periods", func(c *Config) { c.Oracle.MaxPeriod = time.Second }, "oracle.max_period"},
		{"rate", func(c *Config) { c.Oracle.RatePerMinute = 0 }, "oracle.rate_per_minute"},
		{"no gold source", func(c *Config) { c.Oracle.Gold.Static = decimal.Zero }, "oracle.gold"},
		{"stream scheme", func(c *Config) { c.Oracle.Gold.Stream.URL = "http://feed" }, "oracle.gold.stream"},
		{"native symbol", func(c *Config) { c.Oracle.Native.Static = decimal.NewFromInt(35) }, "oracle.native.symbol"},
		{"timeout", func(c *Config) { c.Transfer.Timeout = 0 }, "transfer.timeout"},
		{"market maker", func(c *Config) { c.Transfer.MarketMaker = "" }, "transfer.market_maker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}
