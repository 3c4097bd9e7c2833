package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"vsp_mm/internal/domain"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *Storage {
	t.Helper()
	s, err := NewStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seededDB(t *testing.T) *Storage {
	t.Helper()
	s := setupTestDB(t)
	err := s.Seed(context.Background(), domain.MarketState{
		Ledger:         domain.DefaultLedger,
		USDCReserves:   10000,
		VSPCirculating: 5000,
		Curve:          domain.DefaultCurveParameters(),
	})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	return s
}

func TestSeedAndReadState(t *testing.T) {
	s := seededDB(t)

	st, err := s.ReadState(context.Background(), domain.DefaultLedger)
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	if st.USDCReserves != 10000 || st.VSPCirculating != 5000 || st.NetPosition != 0 {
		t.Errorf("unexpected state: %+v", st)
	}
	if st.Curve != domain.DefaultCurveParameters() {
		t.Errorf("curve = %+v", st.Curve)
	}
}

func TestSeed_Twice(t *testing.T) {
	s := seededDB(t)
	err := s.Seed(context.Background(), domain.MarketState{
		Ledger: domain.DefaultLedger,
		Curve:  domain.DefaultCurveParameters(),
	})
	if !errors.Is(err, domain.ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestSeed_InvalidCurve(t *testing.T) {
	s := setupTestDB(t)
	err := s.Seed(context.Background(), domain.MarketState{
		Ledger: domain.DefaultLedger,
		Curve:  domain.CurveParameters{UnitScale: 0.0002, HalfSpread: 1.5},
	})
	if !errors.Is(err, domain.ErrInvalidCurve) {
		t.Fatalf("expected ErrInvalidCurve, got %v", err)
	}
}

func TestReadState_NotInitialized(t *testing.T) {
	s := setupTestDB(t)

	_, err := s.ReadState(context.Background(), "NOPE")
	if !errors.Is(err, domain.ErrMarketNotInitialized) {
		t.Fatalf("expected ErrMarketNotInitialized, got %v", err)
	}
	var ce *domain.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("expected *ConfigError, got %T", err)
	}

	err = s.WithLedgerLock(context.Background(), "NOPE", func(domain.LedgerTx) error {
		t.Error("fn must not run for a missing ledger")
		return nil
	})
	if !errors.Is(err, domain.ErrMarketNotInitialized) {
		t.Fatalf("expected ErrMarketNotInitialized from lock, got %v", err)
	}
}

func TestWithLedgerLock_CommitAndAppend(t *testing.T) {
	s := seededDB(t)
	ctx := context.Background()

	err := s.WithLedgerLock(ctx, domain.DefaultLedger, func(tx domain.LedgerTx) error {
		reserves, circ := tx.Balances()
		if !reserves.Equal(decimal.NewFromInt(10000)) {
			t.Errorf("reserves = %s", reserves)
		}
		cost := decimal.RequireFromString("58.123457")
		if err := tx.Commit(100, reserves.Add(cost), circ.Add(decimal.NewFromInt(100))); err != nil {
			return err
		}
		if tx.State().NetPosition != 100 {
			t.Errorf("State() after Commit = %d, want 100", tx.State().NetPosition)
		}
		return tx.AppendTrade(&domain.TradeRecord{
			Side:              domain.SideBuy,
			Counterparty:      "0xabc",
			Quantity:          100,
			TotalAmount:       58.123457,
			AveragePrice:      0.58123457,
			NetPositionBefore: 0,
			NetPositionAfter:  100,
			ReservesAfter:     10058.123457,
			CirculatingAfter:  5100,
		})
	})
	if err != nil {
		t.Fatalf("WithLedgerLock failed: %v", err)
	}

	st, _ := s.ReadState(ctx, domain.DefaultLedger)
	if st.NetPosition != 100 || st.VSPCirculating != 5100 {
		t.Errorf("unexpected state after commit: %+v", st)
	}

	// Exact decimals survive the round trip through SQLite.
	s.WithLedgerLock(ctx, domain.DefaultLedger, func(tx domain.LedgerTx) error {
		reserves, _ := tx.Balances()
		if want := decimal.RequireFromString("10058.123457"); !reserves.Equal(want) {
			t.Errorf("reserves = %s, want %s", reserves, want)
		}
		return nil
	})

	trades, err := s.ListTrades(ctx, domain.DefaultLedger, 10)
	if err != nil {
		t.Fatalf("ListTrades failed: %v", err)
	}
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ID == "" || tr.Ledger != domain.DefaultLedger || tr.Side != domain.SideBuy || tr.TotalAmount != 58.123457 {
		t.Errorf("unexpected trade: %+v", tr)
	}
}

func TestWithLedgerLock_ErrorRollsBack(t *testing.T) {
	s := seededDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithLedgerLock(ctx, domain.DefaultLedger, func(tx domain.LedgerTx) error {
		r, c := tx.Balances()
		if err := tx.Commit(-50, r, c); err != nil {
			return err
		}
		if err := tx.AppendTrade(&domain.TradeRecord{Side: domain.SideSell, Counterparty: "x", Quantity: 50}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	st, _ := s.ReadState(ctx, domain.DefaultLedger)
	if st.NetPosition != 0 {
		t.Errorf("net position = %d after rollback, want 0", st.NetPosition)
	}
	trades, _ := s.ListTrades(ctx, domain.DefaultLedger, 0)
	if len(trades) != 0 {
		t.Errorf("expected no trades after rollback, got %d", len(trades))
	}
}

func TestCommit_RejectsNegativeBalances(t *testing.T) {
	s := seededDB(t)
	err := s.WithLedgerLock(context.Background(), domain.DefaultLedger, func(tx domain.LedgerTx) error {
		return tx.Commit(0, decimal.NewFromInt(-1), decimal.Zero)
	})
	if err == nil {
		t.Fatal("expected error for negative reserves")
	}
}

func TestWithLedgerLock_Serializes(t *testing.T) {
	s := seededDB(t)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLedgerLock(ctx, domain.DefaultLedger, func(tx domain.LedgerTx) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				st := tx.State()
				time.Sleep(5 * time.Millisecond)
				r, c := tx.Balances()
				err := tx.Commit(st.NetPosition+1, r, c.Add(decimal.NewFromInt(1)))

				mu.Lock()
				inside--
				mu.Unlock()
				return err
			})
			if err != nil {
				t.Errorf("WithLedgerLock failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("observed %d concurrent holders, want 1", maxSeen)
	}
	st, _ := s.ReadState(ctx, domain.DefaultLedger)
	if st.NetPosition != workers {
		t.Errorf("net position = %d, want %d (lost update)", st.NetPosition, workers)
	}
}

func TestUpdateCurve(t *testing.T) {
	s := seededDB(t)
	ctx := context.Background()

	params := domain.CurveParameters{UnitScale: 0.0003, HalfSpread: 0.002}
	if err := s.UpdateCurve(ctx, domain.DefaultLedger, params); err != nil {
		t.Fatalf("UpdateCurve failed: %v", err)
	}
	st, _ := s.ReadState(ctx, domain.DefaultLedger)
	if st.Curve != params {
		t.Errorf("curve = %+v, want %+v", st.Curve, params)
	}

	if err := s.UpdateCurve(ctx, domain.DefaultLedger, domain.CurveParameters{}); !errors.Is(err, domain.ErrInvalidCurve) {
		t.Errorf("expected ErrInvalidCurve, got %v", err)
	}
}

func TestReconciliations(t *testing.T) {
	s := seededDB(t)
	ctx := context.Background()

	rec := &domain.Reconciliation{
		Ledger:       domain.DefaultLedger,
		TradeID:      "trade-1",
		Side:         domain.SideBuy,
		Counterparty: "0xabc",
		Quantity:     10,
		Amount:       5.8,
		Leg:          domain.LegOut,
		Reason:       "transfer timeout",
	}
	if err := s.RecordReconciliation(ctx, rec); err != nil {
		t.Fatalf("RecordReconciliation failed: %v", err)
	}
	if rec.ID == "" || rec.Status != domain.ReconciliationOpen {
		t.Fatalf("defaults not applied: %+v", rec)
	}

	open, err := s.ListReconciliations(ctx, domain.DefaultLedger, domain.ReconciliationOpen)
	if err != nil {
		t.Fatalf("ListReconciliations failed: %v", err)
	}
	if len(open) != 1 || open[0].Leg != domain.LegOut || open[0].Side != domain.SideBuy {
		t.Fatalf("unexpected open list: %+v", open)
	}

	resolved, err := s.ResolveReconciliation(ctx, rec.ID, "refunded manually")
	if err != nil {
		t.Fatalf("ResolveReconciliation failed: %v", err)
	}
	if resolved.Status != domain.ReconciliationResolved || resolved.ResolvedAt == nil || resolved.Note != "refunded manually" {
		t.Errorf("unexpected resolved record: %+v", resolved)
	}

	if _, err := s.ResolveReconciliation(ctx, rec.ID, "again"); err == nil {
		t.Error("resolving twice should fail")
	}
	if _, err := s.ResolveReconciliation(ctx, "missing", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	open, _ = s.ListReconciliations(ctx, domain.DefaultLedger, domain.ReconciliationOpen)
	all, _ := s.ListReconciliations(ctx, domain.DefaultLedger, "")
	if len(open) != 0 || len(all) != 1 {
		t.Errorf("open=%d all=%d, want 0 and 1", len(open), len(all))
	}
}
