package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vsp_mm/internal/domain"
	"vsp_mm/internal/infra"
	"vsp_mm/internal/pricing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultTransferTimeout bounds the settlement of one trade.
const DefaultTransferTimeout = 30 * time.Second

// Config tunes an Executor.
type Config struct {
	// Steps is the trapezoid count per fill; <= 0 selects the default.
	Steps int
	// TransferTimeout bounds the allowance check and both transfer legs together.
	TransferTimeout time.Duration
}

// Executor prices and settles trades against one ledger store. It holds no
// global state; every collaborator is injected.
type Executor struct {
	store      domain.LedgerStore
	oracle     domain.PriceOracle
	agent      domain.TransferAgent
	integrator pricing.Integrator
	metrics    *infra.Metrics
	timeout    time.Duration

	nativeSymbol string
	native       domain.PriceOracle

	now func() time.Time
}

// NewExecutor creates an executor. metrics may be nil.
func NewExecutor(store domain.LedgerStore, oracle domain.PriceOracle, agent domain.TransferAgent, cfg Config, metrics *infra.Metrics) *Executor {
	timeout := cfg.TransferTimeout
	if timeout <= 0 {
		timeout = DefaultTransferTimeout
	}
	return &Executor{
		store:      store,
		oracle:     oracle,
		agent:      agent,
		integrator: pricing.NewIntegrator(cfg.Steps),
		metrics:    metrics,
		timeout:    timeout,
		now:        time.Now,
	}
}

// SetNativeOracle adds a second denomination to quotes, e.g. AVAX.
func (e *Executor) SetNativeOracle(symbol string, o domain.PriceOracle) {
	e.nativeSymbol = symbol
	e.native = o
}

// reference fetches the gold price once for a pricing call.
func (e *Executor) reference(ctx context.Context) (float64, error) {
	p, err := e.oracle.Price(ctx)
	if err != nil {
		e.metrics.RecordOracleFailure()
		var oe *domain.OracleError
		if !errors.As(err, &oe) {
			err = &domain.OracleError{Err: err}
		}
		return 0, err
	}
	if !(p > 0) {
		e.metrics.RecordOracleFailure()
		return 0, &domain.OracleError{Err: fmt.Errorf("non-positive reference price %v", p)}
	}
	return p, nil
}

func (e *Executor) snapshot(ctx context.Context, ledger string) (domain.MarketState, error) {
	st, err := e.store.ReadState(ctx, ledger)
	if err != nil {
		return domain.MarketState{}, err
	}
	if err := st.Curve.Validate(); err != nil {
		return domain.MarketState{}, err
	}
	return st, nil
}

// Quote returns spot prices at the current state. Nothing is locked or
// written; two calls with the same state and reference are identical.
func (e *Executor) Quote(ctx context.Context, ledger string) (domain.Quote, error) {
	ref, err := e.reference(ctx)
	if err != nil {
		return domain.Quote{}, err
	}
	st, err := e.snapshot(ctx, ledger)
	if err != nil {
		return domain.Quote{}, err
	}

	q := pricing.SpotQuote(st, ref)
	if e.native != nil {
		np, err := e.native.Price(ctx)
		if err != nil {
			slog.Warn("Native price unavailable, quoting USD only",
				slog.String("symbol", e.nativeSymbol),
				slog.Any("error", err),
			)
			return q, nil
		}
		q = pricing.WithNative(q, e.nativeSymbol, np)
	}
	return q, nil
}

// Preview computes the fill for a hypothetical trade against an unlocked
// snapshot. It is advisory; Execute may price differently.
func (e *Executor) Preview(ctx context.Context, ledger string, side domain.Side, qty int64) (domain.FillResult, error) {
	if !side.Valid() {
		return domain.FillResult{}, domain.NewInputError("side", fmt.Errorf("unknown side %d", int(side)))
	}
	if qty <= 0 {
		return domain.FillResult{}, domain.NewInputError("quantity", fmt.Errorf("quantity must be positive, got %d", qty))
	}
	ref, err := e.reference(ctx)
	if err != nil {
		return domain.FillResult{}, err
	}
	st, err := e.snapshot(ctx, ledger)
	if err != nil {
		return domain.FillResult{}, err
	}
	return e.integrator.Fill(side, st, qty, ref)
}

// settlement describes the two transfer legs of a trade.
type settlement struct {
	inAsset   domain.Asset
	inAmount  decimal.Decimal
	outAsset  domain.Asset
	outAmount decimal.Decimal
}

func settle(side domain.Side, qty int64, usdc decimal.Decimal) settlement {
	tokens := domain.VSP.Units(qty)
	if side == domain.SideBuy {
		return settlement{inAsset: domain.USDC, inAmount: usdc, outAsset: domain.VSP, outAmount: tokens}
	}
	return settlement{inAsset: domain.VSP, inAmount: tokens, outAsset: domain.USDC, outAmount: usdc}
}

// settlementAmount quantizes a fill total to USDC precision in the market
// maker's favor: buys round up, sells round down.
func settlementAmount(side domain.Side, total float64) decimal.Decimal {
	if side == domain.SideBuy {
		return domain.USDC.RoundUp(total)
	}
	return domain.USDC.RoundDown(total)
}

// Execute runs one trade under the ledger's exclusive lock:
// price, check bounds, settle both legs, then commit the new state and the
// trade record together. Any failure leaves the ledger untouched. A failure
// after funds may have moved raises a reconciliation alert and is never
// retried.
//
// Once the lock is taken the trade runs to completion or to the transfer
// timeout; caller cancellation is ignored from that point.
func (e *Executor) Execute(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	start := e.now()
	if req.Ledger == "" {
		req.Ledger = domain.DefaultLedger
	}

	if err := req.Validate(); err != nil {
		e.metrics.RecordRejection("invalid_input")
		return domain.TradeResult{}, err
	}
	ref, err := e.reference(ctx)
	if err != nil {
		e.metrics.ObserveExecute("failed", e.now().Sub(start))
		return domain.TradeResult{}, err
	}

	run := &tradeRun{exec: e, req: req, ref: ref, tradeID: uuid.NewString()}
	err = e.store.WithLedgerLock(context.WithoutCancel(ctx), req.Ledger, run.apply)
	if err != nil {
		return domain.TradeResult{}, e.fail(ctx, run, err, start)
	}

	res := run.result
	e.metrics.RecordTrade(req.Side.String(), req.Quantity, res.TotalAmount)
	e.metrics.SetLedger(run.committed.NetPosition, run.committed.USDCReserves, run.committed.VSPCirculating,
		pricing.FloorPrice(run.committed.USDCReserves, run.committed.VSPCirculating))
	e.metrics.ObserveExecute("ok", e.now().Sub(start))

	slog.Info("Trade executed",
		slog.String("trade_id", res.TradeID),
		slog.String("ledger", req.Ledger),
		slog.String("side", req.Side.String()),
		slog.Int64("quantity", req.Quantity),
		slog.Float64("total", res.TotalAmount),
		slog.Float64("avg_price", res.AveragePrice),
		slog.Int64("net_position", res.NewNetPosition),
	)
	return res, nil
}

// fail classifies an aborted trade and raises a reconciliation alert when
// external effects are unknown.
func (e *Executor) fail(ctx context.Context, run *tradeRun, err error, start time.Time) error {
	if run.settled && run.recon == nil {
		// Both legs confirmed but the ledger did not commit.
		run.recon = run.newReconciliation(domain.LegOut, "ledger commit failed after settlement: "+err.Error())
		run.recon.InReceipt = run.inReceipt
	}

	if run.recon == nil {
		reason := rejectionReason(err)
		e.metrics.RecordRejection(reason)
		e.metrics.ObserveExecute("rejected", e.now().Sub(start))
		slog.Warn("Trade rejected",
			slog.String("trade_id", run.tradeID),
			slog.String("side", run.req.Side.String()),
			slog.Int64("quantity", run.req.Quantity),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		return err
	}

	rec := run.recon
	rec.ID = uuid.NewString()
	rec.CreatedAt = e.now().UTC()
	if rerr := e.store.RecordReconciliation(context.WithoutCancel(ctx), rec); rerr != nil {
		slog.Error("Failed to persist reconciliation alert",
			slog.String("reconciliation_id", rec.ID),
			slog.Any("error", rerr),
		)
	}
	e.metrics.RecordReconciliation()
	e.metrics.ObserveExecute("reconcile", e.now().Sub(start))

	slog.Error("RECONCILIATION REQUIRED",
		slog.String("reconciliation_id", rec.ID),
		slog.String("trade_id", rec.TradeID),
		slog.String("ledger", rec.Ledger),
		slog.String("side", rec.Side.String()),
		slog.String("counterparty", rec.Counterparty),
		slog.Int64("quantity", rec.Quantity),
		slog.Float64("amount", rec.Amount),
		slog.String("leg", string(rec.Leg)),
		slog.String("in_receipt", rec.InReceipt),
		slog.Any("error", err),
	)
	return &domain.ReconciliationError{ReconciliationID: rec.ID, Err: err}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, domain.ErrInsufficientReserves):
		return "reserves"
	case errors.Is(err, domain.ErrInsufficientAllowance):
		return "allowance"
	case errors.Is(err, domain.ErrTransferRejected):
		return "transfer_rejected"
	case errors.Is(err, domain.ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrMarketNotInitialized), errors.Is(err, domain.ErrInvalidCurve):
		return "config"
	default:
		return "error"
	}
}

// tradeRun carries one Execute call through the locked section.
type tradeRun struct {
	exec    *Executor
	req     domain.TradeRequest
	ref     float64
	tradeID string

	amount    decimal.Decimal
	inReceipt string
	settled   bool
	recon     *domain.Reconciliation
	committed domain.MarketState
	result    domain.TradeResult
}

func (r *tradeRun) newReconciliation(leg domain.TransferLeg, reason string) *domain.Reconciliation {
	return &domain.Reconciliation{
		Ledger:       r.req.Ledger,
		TradeID:      r.tradeID,
		Side:         r.req.Side,
		Counterparty: r.req.Counterparty,
		Quantity:     r.req.Quantity,
		Amount:       r.amount.InexactFloat64(),
		Leg:          leg,
		Reason:       reason,
		Status:       domain.ReconciliationOpen,
	}
}

func transferError(leg domain.TransferLeg, asset domain.Asset, err error) *domain.TransferError {
	ambiguous := leg == domain.LegOut || !errors.Is(err, domain.ErrTransferRejected)
	switch {
	case errors.Is(err, domain.ErrTransferTimeout):
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w", domain.ErrTransferTimeout, err)
	default:
		err = fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	return &domain.TransferError{Leg: leg, Asset: asset.Symbol, Ambiguous: ambiguous, Err: err}
}

func (r *tradeRun) apply(tx domain.LedgerTx) error {
	e := r.exec
	req := r.req

	st := tx.State()
	if err := st.Curve.Validate(); err != nil {
		return err
	}

	fill, err := e.integrator.Fill(req.Side, st, req.Quantity, r.ref)
	if err != nil {
		return err
	}

	r.amount = settlementAmount(req.Side, fill.TotalAmount)
	bound := decimal.NewFromFloat(req.Bound)
	switch req.Side {
	case domain.SideBuy:
		if r.amount.GreaterThan(bound) {
			return &domain.SlippageError{Side: req.Side, Requested: r.amount.InexactFloat64(), Bound: req.Bound}
		}
	case domain.SideSell:
		if r.amount.LessThan(bound) {
			return &domain.SlippageError{Side: req.Side, Requested: r.amount.InexactFloat64(), Bound: req.Bound}
		}
	}

	reserves, circulating := tx.Balances()
	qty := domain.VSP.Units(req.Quantity)
	var newReserves, newCirculating decimal.Decimal
	if req.Side == domain.SideBuy {
		newReserves, newCirculating = reserves.Add(r.amount), circulating.Add(qty)
	} else {
		if r.amount.GreaterThan(reserves) {
			return &domain.ReservesError{Requested: r.amount.InexactFloat64(), Available: reserves.InexactFloat64()}
		}
		if qty.GreaterThan(circulating) {
			return domain.NewInputError("quantity", fmt.Errorf("sell of %d exceeds circulating supply %s", req.Quantity, circulating))
		}
		newReserves, newCirculating = reserves.Sub(r.amount), circulating.Sub(qty)
	}

	plan := settle(req.Side, req.Quantity, r.amount)
	tctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	allowed, err := e.agent.Allowance(tctx, plan.inAsset, req.Counterparty)
	if err != nil {
		return &domain.TransferError{Leg: domain.LegIn, Asset: plan.inAsset.Symbol, Err: fmt.Errorf("%w: allowance check: %w", domain.ErrTransferFailed, err)}
	}
	if allowed.LessThan(plan.inAmount) {
		return fmt.Errorf("%w: %s approved %s, need %s", domain.ErrInsufficientAllowance, plan.inAsset, allowed, plan.inAmount)
	}

	in, err := e.agent.TransferIn(tctx, plan.inAsset, req.Counterparty, plan.inAmount)
	if err != nil {
		terr := transferError(domain.LegIn, plan.inAsset, err)
		e.metrics.RecordTransferFailure(string(domain.LegIn), terr.Ambiguous)
		if terr.Ambiguous {
			r.recon = r.newReconciliation(domain.LegIn, err.Error())
		}
		return terr
	}
	r.inReceipt = in.ID

	out, err := e.agent.TransferOut(tctx, plan.outAsset, req.Counterparty, plan.outAmount)
	if err != nil {
		terr := transferError(domain.LegOut, plan.outAsset, err)
		e.metrics.RecordTransferFailure(string(domain.LegOut), true)
		r.recon = r.newReconciliation(domain.LegOut, err.Error())
		r.recon.InReceipt = in.ID
		return terr
	}
	r.settled = true

	if err := tx.Commit(fill.ResultingNetPosition, newReserves, newCirculating); err != nil {
		return err
	}

	total := r.amount.InexactFloat64()
	avg := total / float64(req.Quantity)
	rec := &domain.TradeRecord{
		ID:                r.tradeID,
		Ledger:            req.Ledger,
		Side:              req.Side,
		Counterparty:      req.Counterparty,
		Quantity:          req.Quantity,
		TotalAmount:       total,
		AveragePrice:      avg,
		NetPositionBefore: st.NetPosition,
		NetPositionAfter:  fill.ResultingNetPosition,
		ReservesAfter:     newReserves.InexactFloat64(),
		CirculatingAfter:  newCirculating.InexactFloat64(),
		InReceipt:         in.ID,
		OutReceipt:        out.ID,
		Timestamp:         e.now().UTC(),
	}
	if err := tx.AppendTrade(rec); err != nil {
		return err
	}

	r.committed = tx.State()
	r.result = domain.TradeResult{
		TradeID:        r.tradeID,
		Side:           req.Side,
		Quantity:       req.Quantity,
		TotalAmount:    total,
		AveragePrice:   avg,
		NewNetPosition: fill.ResultingNetPosition,
	}
	return nil
}
