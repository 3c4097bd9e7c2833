package service

import (
	"context"
	"fmt"
	"log/slog"

	"vsp_mm/internal/domain"
)

// AdminStore is the operator-facing part of the ledger store.
type AdminStore interface {
	Seed(ctx context.Context, state domain.MarketState) error
	UpdateCurve(ctx context.Context, ledger string, params domain.CurveParameters) error
	ListTrades(ctx context.Context, ledger string, limit int) ([]domain.TradeRecord, error)
	ListReconciliations(ctx context.Context, ledger string, status domain.ReconciliationStatus) ([]domain.Reconciliation, error)
	ResolveReconciliation(ctx context.Context, id, note string) (domain.Reconciliation, error)
}

// AdminService wraps operator actions with validation and audit logging.
type AdminService struct {
	store  AdminStore
	ledger string
}

func NewAdminService(store AdminStore, ledger string) *AdminService {
	if ledger == "" {
		ledger = domain.DefaultLedger
	}
	return &AdminService{store: store, ledger: ledger}
}

// InitMarket creates the ledger row once.
func (a *AdminService) InitMarket(ctx context.Context, reserves, circulating float64, netPosition int64, curve domain.CurveParameters) error {
	st := domain.MarketState{
		Ledger:         a.ledger,
		NetPosition:    netPosition,
		USDCReserves:   reserves,
		VSPCirculating: circulating,
		Curve:          curve,
	}
	if err := a.store.Seed(ctx, st); err != nil {
		return err
	}
	slog.Info("Market initialized",
		slog.String("ledger", a.ledger),
		slog.Float64("reserves", reserves),
		slog.Float64("circulating", circulating),
		slog.Int64("net_position", netPosition),
	)
	return nil
}

// SetCurve changes the curve parameters between trades.
func (a *AdminService) SetCurve(ctx context.Context, params domain.CurveParameters) error {
	if err := a.store.UpdateCurve(ctx, a.ledger, params); err != nil {
		return err
	}
	slog.Info("Curve parameters updated",
		slog.String("ledger", a.ledger),
		slog.Float64("unit_scale", params.UnitScale),
		slog.Float64("half_spread", params.HalfSpread),
	)
	return nil
}

// RecentTrades returns up to limit trades, newest first.
func (a *AdminService) RecentTrades(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	return a.store.ListTrades(ctx, a.ledger, limit)
}

// Reconciliations lists alerts; all=false returns only open ones.
func (a *AdminService) Reconciliations(ctx context.Context, all bool) ([]domain.Reconciliation, error) {
	status := domain.ReconciliationOpen
	if all {
		status = ""
	}
	return a.store.ListReconciliations(ctx, a.ledger, status)
}

// Resolve closes an alert. The note should say what was done at the venue.
func (a *AdminService) Resolve(ctx context.Context, id, note string) (domain.Reconciliation, error) {
	if note == "" {
		return domain.Reconciliation{}, domain.NewInputError("note", fmt.Errorf("a resolution note is required"))
	}
	rec, err := a.store.ResolveReconciliation(ctx, id, note)
	if err != nil {
		return domain.Reconciliation{}, err
	}
	slog.Info("Reconciliation resolved",
		slog.String("reconciliation_id", rec.ID),
		slog.String("trade_id", rec.TradeID),
		slog.String("note", note),
	)
	return rec, nil
}
