package app

import (
	"context"
	"log/slog"

	"vsp_mm/internal/domain"
	"vsp_mm/internal/engine"
	"vsp_mm/internal/execution"
	"vsp_mm/internal/infra"
	"vsp_mm/internal/infra/storage"
	"vsp_mm/internal/oracle"
	"vsp_mm/internal/service"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Bootstrap orchestrates the application startup sequence
type Bootstrap struct {
	ConfigPath string

	Config   *infra.Config
	Storage  *storage.Storage
	Registry *prometheus.Registry
	Metrics  *infra.Metrics
	Paper    *execution.PaperAgent
	Executor *engine.Executor
	Market   *service.MarketService
	Admin    *service.AdminService

	streams []*oracle.StreamSource
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	return &Bootstrap{ConfigPath: configPath}
}

// Initialize loads config and wires storage, oracles, transfers and services.
// Streams are created but not started; see StartStreams.
func (b *Bootstrap) Initialize() error {
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err
	}
	return b.InitializeWith(cfg)
}

// InitializeWith wires everything from an already loaded config.
func (b *Bootstrap) InitializeWith(cfg *infra.Config) error {
	b.Config = cfg
	slog.SetDefault(infra.NewLogger(cfg.Logging))
	slog.Info("Bootstrapping VSP market maker", slog.String("version", cfg.App.Version))

	store, err := storage.NewStorage(cfg.Database.Path)
	if err != nil {
		return err
	}
	b.Storage = store
	slog.Info("Database initialized")

	b.Registry = prometheus.NewRegistry()
	b.Metrics = infra.NewMetrics(b.Registry)

	b.Paper = execution.NewPaperAgent(cfg.Transfer.MarketMaker, cfg.Transfer.Permissive)
	agent := execution.NewGuard(b.Paper, cfg.Transfer.Timeout)
	slog.Info("Paper transfer agent ready",
		slog.String("market_maker", cfg.Transfer.MarketMaker),
		slog.Bool("permissive", cfg.Transfer.Permissive),
	)

	b.Executor = engine.NewExecutor(store, b.goldOracle(), agent, engine.Config{
		Steps:           cfg.Market.Steps,
		TransferTimeout: cfg.Transfer.Timeout,
	}, b.Metrics)
	if native := b.nativeOracle(); native != nil {
		b.Executor.SetNativeOracle(cfg.Oracle.Native.Symbol, native)
	}

	b.Market = service.NewMarketService(b.Executor, store, cfg.Market.Ledger)
	b.Admin = service.NewAdminService(store, cfg.Market.Ledger)
	return nil
}

func (b *Bootstrap) cacheOptions() oracle.CacheOptions {
	o := b.Config.Oracle
	return oracle.CacheOptions{
		MinPeriod: o.MinPeriod,
		MaxPeriod: o.MaxPeriod,
		RateLimit: rate.Limit(o.RatePerMinute / 60),
		Burst:     o.Burst,
	}
}

// goldOracle builds the fallback chain in config order. REST sources are
// cached; the stream keeps its own freshness; static is the last resort.
func (b *Bootstrap) goldOracle() *oracle.Chain {
	g := b.Config.Oracle.Gold
	timeout := b.Config.Oracle.HTTPTimeout
	opts := b.cacheOptions()

	var sources []oracle.Source
	if g.GoldAPI.Token != "" {
		sources = append(sources, oracle.NewCachedSource(oracle.NewGoldAPI(g.GoldAPI.Token, g.GoldAPI.URL, timeout), opts))
	}
	if g.MetalPriceAPI.Token != "" {
		sources = append(sources, oracle.NewCachedSource(oracle.NewMetalPriceAPI(g.MetalPriceAPI.Token, g.MetalPriceAPI.URL, timeout), opts))
	}
	if g.Kitco.Enabled {
		sources = append(sources, oracle.NewCachedSource(oracle.NewKitco(g.Kitco.URL, timeout), opts))
	}
	if g.Stream.Enabled() {
		sources = append(sources, b.stream("gold-stream", g.Stream, oracle.ValidGoldPrice))
	}
	if g.Static.IsPositive() {
		sources = append(sources, oracle.NewStatic("gold-static", g.Static.InexactFloat64()))
	}

	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	slog.Info("Gold oracle configured", slog.Any("sources", names))
	return oracle.NewChain("gold", sources...)
}

func (b *Bootstrap) nativeOracle() domain.PriceOracle {
	n := b.Config.Oracle.Native
	if !n.Enabled() {
		return nil
	}
	var sources []oracle.Source
	if n.Stream.Enabled() {
		sources = append(sources, b.stream(n.Symbol+"-stream", n.Stream, nil))
	}
	if n.Static.IsPositive() {
		sources = append(sources, oracle.NewStatic(n.Symbol+"-static", n.Static.InexactFloat64()))
	}
	slog.Info("Native oracle configured", slog.String("symbol", n.Symbol), slog.Int("sources", len(sources)))
	return oracle.NewChain(n.Symbol, sources...)
}

func (b *Bootstrap) stream(name string, cfg infra.StreamSourceConfig, validate func(float64) bool) *oracle.StreamSource {
	s := oracle.NewStreamSource(oracle.StreamConfig{
		Name:       name,
		URL:        cfg.URL,
		Subscribe:  cfg.Subscribe,
		PriceField: cfg.PriceField,
		StaleAfter: cfg.StaleAfter,
		Validate:   validate,
	})
	b.streams = append(b.streams, s)
	return s
}

// StartStreams connects the websocket price feeds. One-shot CLI commands
// skip this and rely on the REST and static sources.
func (b *Bootstrap) StartStreams(ctx context.Context) {
	for _, s := range b.streams {
		s.Start(ctx)
		slog.InfoContext(ctx, "Price stream started", slog.String("source", s.Name()))
	}
}

// Close stops streams and closes the database.
func (b *Bootstrap) Close() {
	for _, s := range b.streams {
		s.Stop()
	}
	if b.Storage != nil {
		if err := b.Storage.Close(); err != nil {
			slog.Error("Failed to close database", slog.Any("error", err))
		}
	}
}
