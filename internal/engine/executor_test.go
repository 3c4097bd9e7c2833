package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vsp_mm/internal/domain"
	"vsp_mm/internal/execution"
	"vsp_mm/internal/infra"
	"vsp_mm/internal/infra/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const (
	testGold = 2900.0
	mm       = "0xMM"
	alice    = "0xA11CE"
)

type stubOracle struct {
	price float64
	err   error
	calls atomic.Int32
}

func (o *stubOracle) Price(context.Context) (float64, error) {
	o.calls.Add(1)
	return o.price, o.err
}

type fixture struct {
	exec   *Executor
	store  *storage.Storage
	paper  *execution.PaperAgent
	oracle *stubOracle
}

func newFixture(t *testing.T, seed domain.MarketState, permissive bool, cfg Config) *fixture {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("NewStorage failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if seed.Ledger == "" {
		seed.Ledger = domain.DefaultLedger
	}
	if seed.Curve == (domain.CurveParameters{}) {
		seed.Curve = domain.DefaultCurveParameters()
	}
	if err := store.Seed(context.Background(), seed); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	paper := execution.NewPaperAgent(mm, permissive)
	oracle := &stubOracle{price: testGold}
	metrics := infra.NewMetrics(prometheus.NewRegistry())
	return &fixture{
		exec:   NewExecutor(store, oracle, paper, cfg, metrics),
		store:  store,
		paper:  paper,
		oracle: oracle,
	}
}

func defaultSeed() domain.MarketState {
	return domain.MarketState{USDCReserves: 10_000, VSPCirculating: 5_000}
}

// fund gives alice USDC with a matching approval and the market maker VSP inventory.
func (f *fixture) fund(usdc, vsp string) {
	f.paper.Deposit(alice, domain.USDC, decimal.RequireFromString(usdc))
	f.paper.Approve(alice, domain.USDC, decimal.RequireFromString(usdc))
	f.paper.Deposit(mm, domain.VSP, decimal.RequireFromString(vsp))
}

func (f *fixture) state(t *testing.T) domain.MarketState {
	t.Helper()
	st, err := f.store.ReadState(context.Background(), domain.DefaultLedger)
	if err != nil {
		t.Fatalf("ReadState failed: %v", err)
	}
	return st
}

func (f *fixture) openReconciliations(t *testing.T) []domain.Reconciliation {
	t.Helper()
	recs, err := f.store.ListReconciliations(context.Background(), domain.DefaultLedger, domain.ReconciliationOpen)
	if err != nil {
		t.Fatalf("ListReconciliations failed: %v", err)
	}
	return recs
}

func buy(qty int64, bound float64) domain.TradeRequest {
	return domain.TradeRequest{Side: domain.SideBuy, Quantity: qty, Counterparty: alice, Bound: bound}
}

func sell(qty int64, bound float64) domain.TradeRequest {
	return domain.TradeRequest{Side: domain.SideSell, Quantity: qty, Counterparty: alice, Bound: bound}
}

func assertUnchanged(t *testing.T, f *fixture, before domain.MarketState) {
	t.Helper()
	after := f.state(t)
	if after.NetPosition != before.NetPosition || after.USDCReserves != before.USDCReserves || after.VSPCirculating != before.VSPCirculating {
		t.Errorf("ledger changed: before %+v, after %+v", before, after)
	}
	trades, _ := f.store.ListTrades(context.Background(), domain.DefaultLedger, 0)
	if len(trades) != 0 {
		t.Errorf("expected no trade records, got %d", len(trades))
	}
}

func TestExecute_Buy(t *testing.T) {
	f := newFixture(t, defaultSeed(), false, Config{})
	f.fund("1000", "1000000")
	ctx := context.Background()

	preview, err := f.exec.Preview(ctx, domain.DefaultLedger, domain.SideBuy, 100)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}

	res, err := f.exec.Execute(ctx, buy(100, 100))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	want := domain.USDC.RoundUp(preview.TotalAmount)
	if got := decimal.NewFromFloat(res.TotalAmount); !got.Equal(want) {
		t.Errorf("total = %s, want %s (preview rounded up)", got, want)
	}
	if res.NewNetPosition != 100 || res.TradeID == "" {
		t.Errorf("unexpected result: %+v", res)
	}

	st := f.state(t)
	if st.NetPosition != 100 || st.VSPCirculating != 5100 {
		t.Errorf("unexpected state: %+v", st)
	}
	if math.Abs(st.USDCReserves-(10_000+res.TotalAmount)) > 1e-9 {
		t.Errorf("reserves = %v, want %v", st.USDCReserves, 10_000+res.TotalAmount)
	}

	if got := f.paper.Balance(alice, domain.VSP); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("alice VSP = %s, want 100", got)
	}
	if got := f.paper.Balance(mm, domain.USDC); !got.Equal(want) {
		t.Errorf("mm USDC = %s, want %s", got, want)
	}

	trades, _ := f.store.ListTrades(ctx, domain.DefaultLedger, 0)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	tr := trades[0]
	if tr.ID != res.TradeID || tr.NetPositionBefore != 0 || tr.NetPositionAfter != 100 || tr.InReceipt == "" || tr.OutReceipt == "" {
		t.Errorf("unexpected trade record: %+v", tr)
	}
}

func TestExecute_SellAcrossZero(t *testing.T) {
	seed := defaultSeed()
	seed.NetPosition = 50
	f := newFixture(t, seed, true, Config{})

	res, err := f.exec.Execute(context.Background(), sell(100, 0.01))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.NewNetPosition != -50 {
		t.Errorf("net position = %d, want -50", res.NewNetPosition)
	}

	st := f.state(t)
	if st.VSPCirculating != 4900 {
		t.Errorf("circulating = %v, want 4900", st.VSPCirculating)
	}
	if math.Abs(st.USDCReserves-(10_000-res.TotalAmount)) > 1e-9 {
		t.Errorf("reserves = %v, want %v", st.USDCReserves, 10_000-res.TotalAmount)
	}
	// Sells round down to whole micro-USDC.
	if d := decimal.NewFromFloat(res.TotalAmount); !d.Equal(d.Truncate(6)) {
		t.Errorf("total %s has more than 6 decimals", d)
	}
}

func TestExecute_RoundTripLoses(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	ctx := context.Background()

	b, err := f.exec.Execute(ctx, buy(500, 1_000))
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	s, err := f.exec.Execute(ctx, sell(500, 0.01))
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if !(b.TotalAmount > s.TotalAmount) {
		t.Errorf("round trip profit: paid %v, received %v", b.TotalAmount, s.TotalAmount)
	}
	if st := f.state(t); st.NetPosition != 0 {
		t.Errorf("net position = %d, want 0", st.NetPosition)
	}
}

func TestExecute_CrossingRoundTripLoses(t *testing.T) {
	tests := []struct {
		reserves, circulating float64
		n, q                  int64
	}{
		{10_000, 5_000, -1000, 2000},
		{10_000, 50_000, -3000, 4000},
		{100_000, 50_000, -3000, 103_000},
		{10_000, 5_000, -1, 2},
		{1_000, 100_000, -50_000, 60_000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("R=%g/S=%g/n=%d/q=%d", tt.reserves, tt.circulating, tt.n, tt.q), func(t *testing.T) {
			seed := domain.MarketState{NetPosition: tt.n, USDCReserves: tt.reserves, VSPCirculating: tt.circulating}
			f := newFixture(t, seed, true, Config{})
			ctx := context.Background()

			b, err := f.exec.Execute(ctx, buy(tt.q, 1e12))
			if err != nil {
				t.Fatalf("buy failed: %v", err)
			}
			s, err := f.exec.Execute(ctx, sell(tt.q, 1e-6))
			if err != nil {
				t.Fatalf("sell failed: %v", err)
			}
			if !(b.TotalAmount > s.TotalAmount) {
				t.Errorf("round trip profit: paid %v, received %v", b.TotalAmount, s.TotalAmount)
			}

			st := f.state(t)
			if st.NetPosition != tt.n || st.VSPCirculating != tt.circulating {
				t.Errorf("unexpected state after round trip: %+v", st)
			}
			if !(st.USDCReserves > tt.reserves) {
				t.Errorf("reserves = %v, want above %v", st.USDCReserves, tt.reserves)
			}
		})
	}
}

func TestExecute_Slippage(t *testing.T) {
	tests := []struct {
		name string
		req  domain.TradeRequest
	}{
		{"buy above max", buy(100, 1)},
		{"sell below min", sell(100, 1_000_000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seed := defaultSeed()
			seed.NetPosition = 1000
			f := newFixture(t, seed, true, Config{})
			before := f.state(t)

			_, err := f.exec.Execute(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrSlippageExceeded) {
				t.Fatalf("expected ErrSlippageExceeded, got %v", err)
			}
			var se *domain.SlippageError
			if !errors.As(err, &se) || se.Bound != tt.req.Bound || !(se.Requested > 0) {
				t.Errorf("unexpected slippage error: %#v", err)
			}
			assertUnchanged(t, f, before)
			if len(f.paper.Receipts()) != 0 {
				t.Error("no transfer may happen on slippage rejection")
			}
		})
	}
}

func TestExecute_SellBeyondCirculating(t *testing.T) {
	seed := domain.MarketState{USDCReserves: 10_000, VSPCirculating: 50}
	f := newFixture(t, seed, true, Config{})
	before := f.state(t)

	_, err := f.exec.Execute(context.Background(), sell(100, 0.01))
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	assertUnchanged(t, f, before)
}

func TestExecute_InsufficientAllowance(t *testing.T) {
	f := newFixture(t, defaultSeed(), false, Config{})
	f.paper.Deposit(alice, domain.USDC, decimal.NewFromInt(1000))
	f.paper.Deposit(mm, domain.VSP, decimal.NewFromInt(1000))
	before := f.state(t)

	_, err := f.exec.Execute(context.Background(), buy(10, 100))
	if !errors.Is(err, domain.ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	assertUnchanged(t, f, before)
	if len(f.openReconciliations(t)) != 0 {
		t.Error("allowance rejection must not raise a reconciliation")
	}
}

func TestExecute_FirstLegRejected(t *testing.T) {
	f := newFixture(t, defaultSeed(), false, Config{})
	// Approved but unfunded: the venue refuses the pull.
	f.paper.Approve(alice, domain.USDC, decimal.NewFromInt(1000))
	f.paper.Deposit(mm, domain.VSP, decimal.NewFromInt(1000))
	before := f.state(t)

	_, err := f.exec.Execute(context.Background(), buy(10, 100))
	if !errors.Is(err, domain.ErrTransferFailed) || !errors.Is(err, domain.ErrTransferRejected) {
		t.Fatalf("expected rejected transfer failure, got %v", err)
	}
	var te *domain.TransferError
	if !errors.As(err, &te) || te.Ambiguous || te.Leg != domain.LegIn {
		t.Errorf("expected unambiguous leg-in TransferError, got %#v", err)
	}
	if errors.Is(err, domain.ErrReconciliationRequired) {
		t.Error("a definitive rejection needs no reconciliation")
	}
	assertUnchanged(t, f, before)
	if len(f.openReconciliations(t)) != 0 {
		t.Error("unexpected reconciliation row")
	}
}

func TestExecute_SecondLegFailureNeedsReconciliation(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	f.paper.FailNext(execution.OpTransferOut, errors.New("rpc connection reset"))
	before := f.state(t)

	_, err := f.exec.Execute(context.Background(), buy(10, 100))
	if !errors.Is(err, domain.ErrReconciliationRequired) || !errors.Is(err, domain.ErrTransferFailed) {
		t.Fatalf("expected reconciliation-required transfer failure, got %v", err)
	}
	var re *domain.ReconciliationError
	if !errors.As(err, &re) || re.ReconciliationID == "" {
		t.Fatalf("expected ReconciliationError with ID, got %#v", err)
	}
	var te *domain.TransferError
	if !errors.As(err, &te) || !te.Ambiguous || te.Leg != domain.LegOut {
		t.Errorf("expected ambiguous leg-out TransferError, got %#v", err)
	}
	assertUnchanged(t, f, before)

	recs := f.openReconciliations(t)
	if len(recs) != 1 {
		t.Fatalf("expected 1 open reconciliation, got %d", len(recs))
	}
	r := recs[0]
	if r.ID != re.ReconciliationID || r.Leg != domain.LegOut || r.InReceipt == "" || r.Quantity != 10 || r.Counterparty != alice {
		t.Errorf("unexpected reconciliation: %+v", r)
	}
}

func TestExecute_FirstLegUnknownOutcome(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	f.paper.FailNext(execution.OpTransferIn, errors.New("receipt not found"))
	before := f.state(t)

	_, err := f.exec.Execute(context.Background(), buy(10, 100))
	if !errors.Is(err, domain.ErrReconciliationRequired) {
		t.Fatalf("expected ErrReconciliationRequired, got %v", err)
	}
	assertUnchanged(t, f, before)

	recs := f.openReconciliations(t)
	if len(recs) != 1 || recs[0].Leg != domain.LegIn || recs[0].InReceipt != "" {
		t.Errorf("unexpected reconciliations: %+v", recs)
	}
}

func TestExecute_TransferTimeout(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{TransferTimeout: 50 * time.Millisecond})
	f.paper.SetDelay(execution.OpTransferOut, 5*time.Second)
	before := f.state(t)

	start := time.Now()
	_, err := f.exec.Execute(context.Background(), buy(10, 100))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if !errors.Is(err, domain.ErrTransferTimeout) || !errors.Is(err, domain.ErrReconciliationRequired) {
		t.Fatalf("expected timeout needing reconciliation, got %v", err)
	}
	assertUnchanged(t, f, before)
	if len(f.openReconciliations(t)) != 1 {
		t.Error("expected one open reconciliation after timeout")
	}
}

func TestExecute_InvalidInputBeforeLock(t *testing.T) {
	tests := []struct {
		name string
		req  domain.TradeRequest
	}{
		{"zero quantity", buy(0, 10)},
		{"negative quantity", buy(-5, 10)},
		{"unknown side", domain.TradeRequest{Side: domain.Side(7), Quantity: 1, Counterparty: alice, Bound: 1}},
		{"no counterparty", domain.TradeRequest{Side: domain.SideBuy, Quantity: 1, Bound: 1}},
		{"no bound", buy(10, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, defaultSeed(), true, Config{})
			_, err := f.exec.Execute(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			if n := f.oracle.calls.Load(); n != 0 {
				t.Errorf("oracle called %d times for invalid input", n)
			}
		})
	}
}

func TestExecute_OracleUnavailable(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	f.oracle.err = &domain.OracleError{Source: "kitco", Err: errors.New("all sources down")}
	before := f.state(t)

	_, err := f.exec.Execute(context.Background(), buy(10, 100))
	if !errors.Is(err, domain.ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
	assertUnchanged(t, f, before)

	f.oracle.err = errors.New("plain failure")
	if _, err := f.exec.Quote(context.Background(), domain.DefaultLedger); !errors.Is(err, domain.ErrOracleUnavailable) {
		t.Errorf("plain oracle errors should be wrapped, got %v", err)
	}
}

func TestExecute_MarketNotInitialized(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	req := buy(10, 100)
	req.Ledger = "GOLD/EUR"

	_, err := f.exec.Execute(context.Background(), req)
	if !errors.Is(err, domain.ErrMarketNotInitialized) {
		t.Fatalf("expected ErrMarketNotInitialized, got %v", err)
	}
	var ce *domain.ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("expected *ConfigError, got %T", err)
	}
}

func TestExecute_ConcurrentTradesSerialize(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	totals := make([]float64, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.exec.Execute(ctx, buy(10, 100))
			if err != nil {
				t.Errorf("Execute failed: %v", err)
				return
			}
			totals[i] = res.TotalAmount
		}(i)
	}
	wg.Wait()

	st := f.state(t)
	if st.NetPosition != workers*10 {
		t.Errorf("net position = %d, want %d", st.NetPosition, workers*10)
	}

	sum := 0.0
	for _, v := range totals {
		sum += v
	}
	if math.Abs(st.USDCReserves-(10_000+sum)) > 1e-6 {
		t.Errorf("reserves = %v, want %v", st.USDCReserves, 10_000+sum)
	}

	// Each trade saw the position the previous one left behind.
	trades, _ := f.store.ListTrades(ctx, domain.DefaultLedger, 0)
	seen := make(map[int64]bool)
	for _, tr := range trades {
		if tr.NetPositionAfter != tr.NetPositionBefore+10 {
			t.Errorf("trade %s: before %d after %d", tr.ID, tr.NetPositionBefore, tr.NetPositionAfter)
		}
		if seen[tr.NetPositionBefore] {
			t.Errorf("two trades started from position %d", tr.NetPositionBefore)
		}
		seen[tr.NetPositionBefore] = true
	}
}

func TestQuote(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	ctx := context.Background()

	q, err := f.exec.Quote(ctx, domain.DefaultLedger)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if math.Abs(q.Mid-0.58) > 1e-12 || q.Floor != 2 || q.Native != nil {
		t.Errorf("unexpected quote: %+v", q)
	}

	again, _ := f.exec.Quote(ctx, domain.DefaultLedger)
	if q != again {
		t.Errorf("quote not idempotent: %+v vs %+v", q, again)
	}
	if n := f.oracle.calls.Load(); n != 2 {
		t.Errorf("oracle calls = %d, want one per quote", n)
	}
}

func TestQuote_Native(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	native := &stubOracle{price: 35}
	f.exec.SetNativeOracle("AVAX", native)

	q, err := f.exec.Quote(context.Background(), domain.DefaultLedger)
	if err != nil {
		t.Fatalf("Quote failed: %v", err)
	}
	if q.Native == nil || q.Native.Symbol != "AVAX" || math.Abs(q.Native.Buy-q.Buy/35) > 1e-12 {
		t.Errorf("unexpected native quote: %+v", q.Native)
	}

	native.err = errors.New("down")
	q, err = f.exec.Quote(context.Background(), domain.DefaultLedger)
	if err != nil {
		t.Fatalf("native failure must not fail the quote: %v", err)
	}
	if q.Native != nil {
		t.Error("expected USD-only quote when the native price is unavailable")
	}
}

func TestPreview_DoesNotMutate(t *testing.T) {
	f := newFixture(t, defaultSeed(), true, Config{})
	before := f.state(t)

	fill, err := f.exec.Preview(context.Background(), domain.DefaultLedger, domain.SideSell, 200)
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if fill.ResultingNetPosition != -200 || !(fill.TotalAmount > 0) {
		t.Errorf("unexpected fill: %+v", fill)
	}
	assertUnchanged(t, f, before)

	if _, err := f.exec.Preview(context.Background(), domain.DefaultLedger, domain.SideBuy, 0); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
