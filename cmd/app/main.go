package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vsp_mm/internal/app"
	"vsp_mm/internal/domain"
	"vsp_mm/internal/infra"
	"vsp_mm/internal/service"

	_ "net/http/pprof" // For pprof profiling

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "vsp-mm",
		Short: "Gold-referenced VSP/USDC market maker",
		Long: `Quotes and settles VSP against USDC on a log-supply curve anchored
to the spot gold price, with a reserve-backed floor below zero net position.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", infra.DefaultConfigPath, "config file")

	rootCmd.AddCommand(
		serveCmd(),
		initCmd(),
		quoteCmd(),
		previewCmd(),
		floorCmd(),
		tradeCmd(domain.SideBuy),
		tradeCmd(domain.SideSell),
		tradesCmd(),
		reconcileCmd(),
		curveCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates operator-actionable failures from user input errors.
func exitCode(err error) int {
	switch {
	case errors.Is(err, domain.ErrReconciliationRequired):
		return 3
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrSlippageExceeded),
		errors.Is(err, domain.ErrInsufficientReserves),
		errors.Is(err, domain.ErrInsufficientAllowance):
		return 2
	default:
		return 1
	}
}

// withApp bootstraps, runs fn and tears down.
func withApp(fn func(ctx context.Context, b *app.Bootstrap) error) error {
	b := app.NewBootstrap(cfgFile)
	if err := b.Initialize(); err != nil {
		return err
	}
	defer b.Close()
	return fn(context.Background(), b)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run price streams and expose metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			b := app.NewBootstrap(cfgFile)
			if err := b.Initialize(); err != nil {
				return err
			}
			defer b.Close()
			cfg := b.Config

			// Graceful Shutdown Context
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Metrics.PprofAddr != "" {
				go func() {
					slog.Info("Pprof server started", slog.String("addr", cfg.Metrics.PprofAddr))
					if err := http.ListenAndServe(cfg.Metrics.PprofAddr, nil); err != nil {
						slog.Error("Pprof server failed", slog.Any("error", err))
					}
				}()
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(b.Registry, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				slog.Info("Metrics server started", slog.String("addr", cfg.Metrics.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("Metrics server failed", slog.Any("error", err))
					stop()
				}
			}()

			b.StartStreams(ctx)

			if st, err := b.Storage.ReadState(ctx, cfg.Market.Ledger); err != nil {
				slog.Warn("Ledger not readable", slog.Any("error", err))
			} else {
				slog.Info("Market maker operational",
					slog.String("ledger", st.Ledger),
					slog.Int64("net_position", st.NetPosition),
					slog.Float64("reserves", st.USDCReserves),
				)
			}

			<-ctx.Done()
			slog.Info("Shutting down gracefully...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the ledger row from the configured seed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				seed := b.Config.Market.Seed
				if err := b.Admin.InitMarket(ctx, seed.Reserves.InexactFloat64(), seed.Circulating.InexactFloat64(),
					seed.NetPosition, b.Config.CurveParameters()); err != nil {
					return err
				}
				floor, err := b.Market.GetFloorPrice(ctx)
				if err != nil {
					return err
				}
				return printJSON(floor)
			})
		},
	}
}

func quoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote",
		Short: "Print the spot quote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				q, err := b.Market.GetQuote(ctx)
				if err != nil {
					return err
				}
				return printJSON(q)
			})
		},
	}
}

func previewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <buy|sell> <quantity>",
		Short: "Price a hypothetical trade without executing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				f, err := b.Market.PreviewFill(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
}

func floorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "floor",
		Short: "Print the reserve-backed floor price",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				f, err := b.Market.GetFloorPrice(ctx)
				if err != nil {
					return err
				}
				return printJSON(f)
			})
		},
	}
}

func tradeCmd(side domain.Side) *cobra.Command {
	var counterparty, bound string
	boundHelp := "maximum USDC to pay"
	if side == domain.SideSell {
		boundHelp = "minimum USDC to receive"
	}

	cmd := &cobra.Command{
		Use:   side.String() + " <quantity>",
		Short: "Execute a " + side.String() + " against the market maker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				res, err := b.Market.ExecuteTrade(ctx, service.TradeInput{
					Side:         side.String(),
					Quantity:     args[0],
					Counterparty: counterparty,
					Bound:        bound,
				})
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&counterparty, "counterparty", "", "counterparty account")
	cmd.Flags().StringVar(&bound, "bound", "", boundHelp)
	cmd.MarkFlagRequired("counterparty")
	cmd.MarkFlagRequired("bound")
	return cmd
}

func tradesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List recent trades, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				trades, err := b.Admin.RecentTrades(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(trades)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of trades")
	return cmd
}

func reconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Inspect and resolve trades with unknown transfer outcomes",
	}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List reconciliation alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				recs, err := b.Admin.Reconciliations(ctx, all)
				if err != nil {
					return err
				}
				return printJSON(recs)
			})
		},
	}
	list.Flags().BoolVar(&all, "all", false, "include resolved alerts")

	var note string
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark an alert as resolved after settling by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				rec, err := b.Admin.Resolve(ctx, args[0], note)
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	resolve.Flags().StringVar(&note, "note", "", "what was done at the venue")
	resolve.MarkFlagRequired("note")

	cmd.AddCommand(list, resolve)
	return cmd
}

func curveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curve",
		Short: "Administer curve parameters",
	}

	var unitScale, halfSpread float64
	set := &cobra.Command{
		Use:   "set",
		Short: "Update unit scale and half spread between trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, b *app.Bootstrap) error {
				st, err := b.Storage.ReadState(ctx, b.Config.Market.Ledger)
				if err != nil {
					return err
				}
				params := st.Curve
				if cmd.Flags().Changed("unit-scale") {
					params.UnitScale = unitScale
				}
				if cmd.Flags().Changed("half-spread") {
					params.HalfSpread = halfSpread
				}
				if err := b.Admin.SetCurve(ctx, params); err != nil {
					return err
				}
				return printJSON(params)
			})
		},
	}
	set.Flags().Float64Var(&unitScale, "unit-scale", domain.DefaultUnitScale, "troy ounces per token at the curve origin")
	set.Flags().Float64Var(&halfSpread, "half-spread", domain.DefaultHalfSpread, "fraction added to buys and taken from sells")

	cmd.AddCommand(set)
	return cmd
}
