package infra

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"vsp_mm/internal/domain"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is used when no --config flag is given.
	DefaultConfigPath = "configs/config.yaml"
)

// LoggingConfig controls the slog handler and file rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Dir        string `yaml:"dir"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// StreamSourceConfig describes a websocket ticker feed.
type StreamSourceConfig struct {
	URL        string        `yaml:"url"`
	Subscribe  string        `yaml:"subscribe"`
	PriceField string        `yaml:"price_field"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

// Enabled reports whether a stream URL was configured.
func (s StreamSourceConfig) Enabled() bool { return s.URL != "" }

// APISourceConfig is a token-authenticated REST price API.
type APISourceConfig struct {
	Token string `yaml:"token"`
	URL   string `yaml:"url"`
}

// GoldOracleConfig lists the gold sources in fallback order:
// goldapi, metalpriceapi, kitco, stream, static.
type GoldOracleConfig struct {
	GoldAPI       APISourceConfig    `yaml:"goldapi"`
	MetalPriceAPI APISourceConfig    `yaml:"metalpriceapi"`
	Kitco         struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"kitco"`
	Stream StreamSourceConfig `yaml:"stream"`
	Static decimal.Decimal    `yaml:"static"`
}

// NativeOracleConfig prices quotes in a second currency. Optional.
type NativeOracleConfig struct {
	Symbol string             `yaml:"symbol"`
	Stream StreamSourceConfig `yaml:"stream"`
	Static decimal.Decimal    `yaml:"static"`
}

// Enabled reports whether any native source was configured.
func (n NativeOracleConfig) Enabled() bool {
	return n.Symbol != "" && (n.Stream.Enabled() || n.Static.IsPositive())
}

// Config holds every setting of the market maker. LoadConfig reads the YAML
// file and then lets environment variables override secrets and paths.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Logging LoggingConfig `yaml:"logging"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Market struct {
		Ledger string `yaml:"ledger"`
		Steps  int    `yaml:"steps"`
		Seed   struct {
			Reserves    decimal.Decimal `yaml:"usdc_reserves"`
			Circulating decimal.Decimal `yaml:"vsp_circulating"`
			NetPosition int64           `yaml:"net_position"`
		} `yaml:"seed"`
		Curve struct {
			UnitScale  decimal.Decimal `yaml:"unit_scale"`
			HalfSpread decimal.Decimal `yaml:"half_spread"`
		} `yaml:"curve"`
	} `yaml:"market"`

	Oracle struct {
		MinPeriod     time.Duration      `yaml:"min_period"`
		MaxPeriod     time.Duration      `yaml:"max_period"`
		RatePerMinute float64            `yaml:"rate_per_minute"`
		Burst         int                `yaml:"burst"`
		HTTPTimeout   time.Duration      `yaml:"http_timeout"`
		Gold          GoldOracleConfig   `yaml:"gold"`
		Native        NativeOracleConfig `yaml:"native"`
	} `yaml:"oracle"`

	Transfer struct {
		Timeout     time.Duration `yaml:"timeout"`
		MarketMaker string        `yaml:"market_maker"`
		Permissive  bool          `yaml:"permissive"`
	} `yaml:"transfer"`

	Metrics struct {
		Addr      string `yaml:"addr"`
		PprofAddr string `yaml:"pprof_addr"`
	} `yaml:"metrics"`
}

// DefaultConfig returns a config that validates without a file: paper
// transfers, a static gold price and the launch curve.
func DefaultConfig() *Config {
	var cfg Config
	cfg.App.Name = "vsp-mm"
	cfg.App.Version = "dev"
	cfg.Logging = LoggingConfig{Level: "info", Dir: "logs", MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 28, Compress: true}
	cfg.Market.Ledger = domain.DefaultLedger
	cfg.Market.Steps = 100
	cfg.Market.Curve.UnitScale = decimal.NewFromFloat(domain.DefaultUnitScale)
	cfg.Market.Curve.HalfSpread = decimal.NewFromFloat(domain.DefaultHalfSpread)
	cfg.Oracle.MinPeriod = 5 * time.Minute
	cfg.Oracle.MaxPeriod = time.Hour
	cfg.Oracle.RatePerMinute = 6
	cfg.Oracle.Burst = 2
	cfg.Oracle.HTTPTimeout = 6 * time.Second
	cfg.Oracle.Gold.Static = decimal.NewFromInt(2900)
	cfg.Transfer.Timeout = 30 * time.Second
	cfg.Transfer.MarketMaker = "paper-market-maker"
	cfg.Transfer.Permissive = true
	cfg.Metrics.Addr = "localhost:9090"
	return &cfg
}

// LoadConfig reads .env (if present), the YAML file at path over the
// defaults, then applies VSPMM_* environment overrides and validates.
// An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &domain.ConfigError{Field: path, Err: err}
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func configErr(field, format string, args ...any) error {
	return &domain.ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return configErr("logging.level", "unknown level %q", c.Logging.Level)
	}

	if c.Market.Ledger == "" {
		return configErr("market.ledger", "ledger name is required")
	}
	if err := c.CurveParameters().Validate(); err != nil {
		return err
	}
	if c.Market.Seed.Reserves.IsNegative() || c.Market.Seed.Circulating.IsNegative() {
		return configErr("market.seed", "seed amounts must be non-negative")
	}

	o := c.Oracle
	if o.MinPeriod < 0 || o.MaxPeriod < o.MinPeriod {
		return configErr("oracle.max_period", "need 0 <= min_period <= max_period, got %s and %s", o.MinPeriod, o.MaxPeriod)
	}
	if o.RatePerMinute <= 0 || o.Burst <= 0 {
		return configErr("oracle.rate_per_minute", "rate and burst must be positive")
	}
	if !c.hasGoldSource() {
		return configErr("oracle.gold", "at least one gold price source is required")
	}
	for field, s := range map[string]StreamSourceConfig{"oracle.gold.stream": o.Gold.Stream, "oracle.native.stream": o.Native.Stream} {
		if s.Enabled() && !strings.HasPrefix(s.URL, "ws://") && !strings.HasPrefix(s.URL, "wss://") {
			return configErr(field, "invalid websocket URL: %s", s.URL)
		}
	}
	if o.Native.Symbol == "" && (o.Native.Stream.Enabled() || o.Native.Static.IsPositive()) {
		return configErr("oracle.native.symbol", "a symbol is required when a native source is configured")
	}

	if c.Transfer.Timeout <= 0 {
		return configErr("transfer.timeout", "timeout must be positive, got %s", c.Transfer.Timeout)
	}
	if c.Transfer.MarketMaker == "" {
		return configErr("transfer.market_maker", "market maker account is required")
	}
	return nil
}

func (c *Config) hasGoldSource() bool {
	g := c.Oracle.Gold
	return g.GoldAPI.Token != "" || g.MetalPriceAPI.Token != "" || g.Kitco.Enabled || g.Stream.Enabled() || g.Static.IsPositive()
}

// CurveParameters converts the configured curve.
func (c *Config) CurveParameters() domain.CurveParameters {
	return domain.CurveParameters{
		UnitScale:  c.Market.Curve.UnitScale.InexactFloat64(),
		HalfSpread: c.Market.Curve.HalfSpread.InexactFloat64(),
	}
}

// overrideWithEnv replaces values with environment variables where set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("VSPMM_GOLDAPI_TOKEN"); v != "" {
		cfg.Oracle.Gold.GoldAPI.Token = v
	}
	if v := os.Getenv("VSPMM_METALPRICEAPI_TOKEN"); v != "" {
		cfg.Oracle.Gold.MetalPriceAPI.Token = v
	}
	if v := os.Getenv("VSPMM_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("VSPMM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("VSPMM_MARKET_MAKER"); v != "" {
		cfg.Transfer.MarketMaker = v
	}
	if v := os.Getenv("VSPMM_TRANSFER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Transfer.Timeout = d
		}
	}
	if v := os.Getenv("VSPMM_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
}
