package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceOracle supplies one reference price per pricing call.
// Implementations fail with an error wrapping ErrOracleUnavailable.
type PriceOracle interface {
	Price(ctx context.Context) (float64, error)
}

// Receipt confirms one external asset movement.
type Receipt struct {
	ID          string          `json:"id"`
	Asset       string          `json:"asset"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Amount      decimal.Decimal `json:"amount"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
}

// TransferAgent moves assets between counterparties and the market maker.
// Each call is all-or-nothing; a returned error that does not wrap
// ErrTransferRejected leaves the outcome unknown.
type TransferAgent interface {
	// Allowance is how much of asset owner has approved the market maker to pull.
	Allowance(ctx context.Context, asset Asset, owner string) (decimal.Decimal, error)
	// TransferIn pulls amount of asset from the counterparty to the market maker.
	TransferIn(ctx context.Context, asset Asset, from string, amount decimal.Decimal) (Receipt, error)
	// TransferOut pays amount of asset from the market maker to the counterparty.
	TransferOut(ctx context.Context, asset Asset, to string, amount decimal.Decimal) (Receipt, error)
}

// LedgerTx is the view of one ledger row inside an exclusive trade transaction.
type LedgerTx interface {
	State() MarketState
	// Balances returns the exact persisted reserves and circulating supply.
	Balances() (reserves, circulating decimal.Decimal)
	Commit(netPosition int64, reserves, circulating decimal.Decimal) error
	AppendTrade(rec *TradeRecord) error
}

// LedgerStore persists market state with per-ledger exclusive locking.
type LedgerStore interface {
	ReadState(ctx context.Context, ledger string) (MarketState, error)
	// WithLedgerLock runs fn holding the ledger's exclusive lock inside one
	// transaction. A nil return commits; any error rolls back. The lock is
	// released before WithLedgerLock returns.
	WithLedgerLock(ctx context.Context, ledger string, fn func(tx LedgerTx) error) error
	RecordReconciliation(ctx context.Context, rec *Reconciliation) error
}
