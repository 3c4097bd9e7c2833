package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vsp_mm/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Op names a transfer operation for fault injection.
type Op int

const (
	OpTransferIn Op = iota
	OpTransferOut
	OpAllowance
)

// PaperAgent simulates ERC-20 style settlement with virtual balances and
// approvals. It is used for dry runs and tests.
//
// In strict mode a counterparty needs both balance and an approval for the
// market maker before TransferIn, and the market maker needs inventory
// before TransferOut. Permissive mode skips those checks and lets balances
// go negative, which is enough to exercise the ledger without funding
// every wallet first.
type PaperAgent struct {
	marketMaker string
	permissive  bool
	now         func() time.Time

	mu         sync.Mutex
	balances   map[string]map[string]decimal.Decimal // account -> asset -> amount
	allowances map[string]map[string]decimal.Decimal // owner -> asset -> approved for market maker
	receipts   []domain.Receipt
	faults     map[Op][]error
	delays     map[Op]time.Duration
}

// NewPaperAgent creates a paper agent settling against marketMaker's account.
func NewPaperAgent(marketMaker string, permissive bool) *PaperAgent {
	return &PaperAgent{
		marketMaker: marketMaker,
		permissive:  permissive,
		now:         time.Now,
		balances:    make(map[string]map[string]decimal.Decimal),
		allowances:  make(map[string]map[string]decimal.Decimal),
		faults:      make(map[Op][]error),
		delays:      make(map[Op]time.Duration),
	}
}

// MarketMaker returns the account the agent settles against.
func (p *PaperAgent) MarketMaker() string { return p.marketMaker }

// Deposit adds funds to a virtual account.
func (p *PaperAgent) Deposit(account string, asset domain.Asset, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credit(account, asset, amount)
}

// Approve sets how much of asset the market maker may pull from owner.
func (p *PaperAgent) Approve(owner string, asset domain.Asset, amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.allowances[owner] == nil {
		p.allowances[owner] = make(map[string]decimal.Decimal)
	}
	p.allowances[owner][asset.Symbol] = amount
}

// Balance returns an account's virtual balance.
func (p *PaperAgent) Balance(account string, asset domain.Asset) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[account][asset.Symbol]
}

// Receipts returns all confirmed transfers.
func (p *PaperAgent) Receipts() []domain.Receipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Receipt, len(p.receipts))
	copy(out, p.receipts)
	return out
}

// FailNext makes the next call of op return err without moving funds.
// Calls queue up in order.
func (p *PaperAgent) FailNext(op Op, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = append(p.faults[op], err)
}

// SetDelay makes every call of op wait d (or until its context ends).
func (p *PaperAgent) SetDelay(op Op, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delays[op] = d
}

func (p *PaperAgent) Allowance(ctx context.Context, asset domain.Asset, owner string) (decimal.Decimal, error) {
	if err := p.prepare(ctx, OpAllowance); err != nil {
		return decimal.Zero, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.permissive {
		if a, ok := p.allowances[owner][asset.Symbol]; ok {
			return a, nil
		}
		return decimal.New(1, 30), nil
	}
	return p.allowances[owner][asset.Symbol], nil
}

func (p *PaperAgent) TransferIn(ctx context.Context, asset domain.Asset, from string, amount decimal.Decimal) (domain.Receipt, error) {
	if err := p.prepare(ctx, OpTransferIn); err != nil {
		return domain.Receipt{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkAmount(asset, amount); err != nil {
		return domain.Receipt{}, err
	}
	if !p.permissive {
		if allowed := p.allowances[from][asset.Symbol]; allowed.LessThan(amount) {
			return domain.Receipt{}, fmt.Errorf("%w: %s allowance %s below %s", domain.ErrTransferRejected, asset, allowed, amount)
		}
		if have := p.balances[from][asset.Symbol]; have.LessThan(amount) {
			return domain.Receipt{}, fmt.Errorf("%w: insufficient %s balance: need %s, have %s", domain.ErrTransferRejected, asset, amount, have)
		}
		p.allowances[from][asset.Symbol] = p.allowances[from][asset.Symbol].Sub(amount)
	}

	p.credit(from, asset, amount.Neg())
	p.credit(p.marketMaker, asset, amount)
	return p.record(asset, from, p.marketMaker, amount), nil
}

func (p *PaperAgent) TransferOut(ctx context.Context, asset domain.Asset, to string, amount decimal.Decimal) (domain.Receipt, error) {
	if err := p.prepare(ctx, OpTransferOut); err != nil {
		return domain.Receipt{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := checkAmount(asset, amount); err != nil {
		return domain.Receipt{}, err
	}
	if !p.permissive {
		if have := p.balances[p.marketMaker][asset.Symbol]; have.LessThan(amount) {
			return domain.Receipt{}, fmt.Errorf("%w: market maker %s inventory %s below %s", domain.ErrTransferRejected, asset, have, amount)
		}
	}

	p.credit(p.marketMaker, asset, amount.Neg())
	p.credit(to, asset, amount)
	return p.record(asset, p.marketMaker, to, amount), nil
}

// prepare applies the configured delay and any queued fault for op.
func (p *PaperAgent) prepare(ctx context.Context, op Op) error {
	p.mu.Lock()
	delay := p.delays[op]
	var fault error
	if q := p.faults[op]; len(q) > 0 {
		fault, p.faults[op] = q[0], q[1:]
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fault
}

// checkAmount rejects amounts a token contract could not move: non-positive
// ones and ones finer than the asset's base unit.
func checkAmount(asset domain.Asset, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", domain.ErrTransferRejected, amount)
	}
	if base := asset.BaseUnits(amount); !decimal.NewFromBigInt(base, -asset.Decimals).Equal(amount) {
		return fmt.Errorf("%w: %s amount %s is finer than %d decimals", domain.ErrTransferRejected, asset, amount, asset.Decimals)
	}
	return nil
}

// credit must be called with mu held.
func (p *PaperAgent) credit(account string, asset domain.Asset, amount decimal.Decimal) {
	if p.balances[account] == nil {
		p.balances[account] = make(map[string]decimal.Decimal)
	}
	p.balances[account][asset.Symbol] = p.balances[account][asset.Symbol].Add(amount)
}

// record must be called with mu held.
func (p *PaperAgent) record(asset domain.Asset, from, to string, amount decimal.Decimal) domain.Receipt {
	r := domain.Receipt{
		ID:          uuid.NewString(),
		Asset:       asset.Symbol,
		From:        from,
		To:          to,
		Amount:      amount,
		ConfirmedAt: p.now().UTC(),
	}
	p.receipts = append(p.receipts, r)

	slog.Info("PAPER TRANSFER",
		slog.String("id", r.ID),
		slog.String("asset", r.Asset),
		slog.String("from", from),
		slog.String("to", to),
		slog.String("amount", amount.String()),
		slog.String("base_units", asset.BaseUnits(amount).String()),
	)
	return r
}
