package domain

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultUnitScale is the fraction of a troy ounce one token tracks at n = 0.
	DefaultUnitScale = 0.0002
	// DefaultHalfSpread is 0.125% each way, 0.25% round trip.
	DefaultHalfSpread = 0.00125

	// DefaultLedger names the single VSP/USDC pair.
	DefaultLedger = "VSP/USDC"
)

// CurveParameters shape the pricing curve. Immutable per quote; changed only
// by an explicit administrative update between trades.
type CurveParameters struct {
	UnitScale  float64 `json:"unit_scale" yaml:"unit_scale"`
	HalfSpread float64 `json:"half_spread" yaml:"half_spread"`
}

// DefaultCurveParameters returns the launch curve.
func DefaultCurveParameters() CurveParameters {
	return CurveParameters{UnitScale: DefaultUnitScale, HalfSpread: DefaultHalfSpread}
}

// Validate enforces 0 < HalfSpread < 1 and UnitScale > 0.
func (p CurveParameters) Validate() error {
	if !(p.UnitScale > 0) {
		return &ConfigError{Field: "unit_scale", Err: fmt.Errorf("%w: unit scale must be positive, got %v", ErrInvalidCurve, p.UnitScale)}
	}
	if !(p.HalfSpread > 0 && p.HalfSpread < 1) {
		return &ConfigError{Field: "half_spread", Err: fmt.Errorf("%w: half spread must be in (0, 1), got %v", ErrInvalidCurve, p.HalfSpread)}
	}
	return nil
}

// MarketState is a snapshot of the single mutable ledger row of one pair.
// NetPosition is cumulative VSP sold by the market maker minus VSP bought
// back, and may be negative.
type MarketState struct {
	Ledger         string          `json:"ledger"`
	NetPosition    int64           `json:"net_position"`
	USDCReserves   float64         `json:"usdc_reserves"`
	VSPCirculating float64         `json:"vsp_circulating"`
	Curve          CurveParameters `json:"curve"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Validate checks the ledger invariants.
func (s MarketState) Validate() error {
	if s.Ledger == "" {
		return &ConfigError{Field: "ledger", Err: errors.New("ledger name is required")}
	}
	if s.USDCReserves < 0 {
		return &ConfigError{Field: "usdc_reserves", Err: fmt.Errorf("reserves must be non-negative, got %v", s.USDCReserves)}
	}
	if s.VSPCirculating < 0 {
		return &ConfigError{Field: "vsp_circulating", Err: fmt.Errorf("circulating supply must be non-negative, got %v", s.VSPCirculating)}
	}
	return s.Curve.Validate()
}

// ReferencePrices are the external prices a quote was computed against.
type ReferencePrices struct {
	GoldUSDPerOz float64 `json:"gold_usd_per_oz"`
}

// NativeQuote restates buy/sell prices in a second denomination.
type NativeQuote struct {
	Symbol string  `json:"symbol"`
	USD    float64 `json:"usd"`
	Buy    float64 `json:"buy"`
	Sell   float64 `json:"sell"`
}

// Quote is the spot (marginal) pricing at the current state. Indicative only.
type Quote struct {
	Mid       float64         `json:"mid_price"`
	Buy       float64         `json:"buy_price"`
	Sell      float64         `json:"sell_price"`
	Floor     float64         `json:"floor_price"`
	Reference ReferencePrices `json:"reference"`
	Native    *NativeQuote    `json:"native,omitempty"`
}

// FillResult is a volume-integrated fill. Becomes a TradeRecord only on commit.
type FillResult struct {
	Side                 Side    `json:"side"`
	Quantity             int64   `json:"quantity"`
	TotalAmount          float64 `json:"total_amount"`
	AveragePrice         float64 `json:"average_price"`
	ResultingNetPosition int64   `json:"resulting_net_position"`
}

// TradeRequest is the input to the committing path.
type TradeRequest struct {
	Ledger       string
	Side         Side
	Quantity     int64
	Counterparty string
	// Bound is the max USDC the caller will pay (buy) or the min they will accept (sell).
	Bound float64
}

// Validate rejects malformed requests before any lock is taken.
func (r TradeRequest) Validate() error {
	if !r.Side.Valid() {
		return NewInputError("side", fmt.Errorf("unknown side %d", int(r.Side)))
	}
	if r.Quantity <= 0 {
		return NewInputError("quantity", fmt.Errorf("quantity must be positive, got %d", r.Quantity))
	}
	if r.Counterparty == "" {
		return NewInputError("counterparty", errors.New("counterparty is required"))
	}
	if !(r.Bound > 0) {
		return NewInputError("bound", fmt.Errorf("bound must be positive, got %v", r.Bound))
	}
	return nil
}

// TradeResult is returned by a committed trade.
type TradeResult struct {
	TradeID        string  `json:"trade_id"`
	Side           Side    `json:"side"`
	Quantity       int64   `json:"quantity"`
	TotalAmount    float64 `json:"total_amount"`
	AveragePrice   float64 `json:"average_price"`
	NewNetPosition int64   `json:"new_net_position"`
}

// TradeRecord is the append-only audit entry of a committed trade.
type TradeRecord struct {
	ID                string    `json:"id"`
	Ledger            string    `json:"ledger"`
	Side              Side      `json:"side"`
	Counterparty      string    `json:"counterparty"`
	Quantity          int64     `json:"quantity"`
	TotalAmount       float64   `json:"total_amount"`
	AveragePrice      float64   `json:"average_price"`
	NetPositionBefore int64     `json:"net_position_before"`
	NetPositionAfter  int64     `json:"net_position_after"`
	ReservesAfter     float64   `json:"reserves_after"`
	CirculatingAfter  float64   `json:"circulating_after"`
	InReceipt         string    `json:"in_receipt"`
	OutReceipt        string    `json:"out_receipt"`
	Timestamp         time.Time `json:"timestamp"`
}
