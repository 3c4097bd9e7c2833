package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"vsp_mm/internal/domain"
	"vsp_mm/internal/engine"
	"vsp_mm/internal/pricing"

	"github.com/shopspring/decimal"
)

const (
	pricePlaces  = 8
	amountPlaces = 6
)

// StateReader reads the ledger row without locking.
type StateReader interface {
	ReadState(ctx context.Context, ledger string) (domain.MarketState, error)
}

// MarketService is the boundary the API layer calls. It parses loosely
// typed input, delegates to the executor, and rounds results for display.
type MarketService struct {
	exec   *engine.Executor
	state  StateReader
	ledger string
	now    func() time.Time
}

// NewMarketService creates a service for one ledger; "" selects the default pair.
func NewMarketService(exec *engine.Executor, state StateReader, ledger string) *MarketService {
	if ledger == "" {
		ledger = domain.DefaultLedger
	}
	return &MarketService{exec: exec, state: state, ledger: ledger, now: time.Now}
}

// Ledger returns the pair the service trades.
func (s *MarketService) Ledger() string { return s.ledger }

// NativeView restates prices in a second denomination.
type NativeView struct {
	Symbol string          `json:"symbol"`
	USD    decimal.Decimal `json:"usd"`
	Buy    decimal.Decimal `json:"buy"`
	Sell   decimal.Decimal `json:"sell"`
}

// QuoteView is an indicative spot quote.
type QuoteView struct {
	Mid          decimal.Decimal `json:"mid_price"`
	Buy          decimal.Decimal `json:"buy_price"`
	Sell         decimal.Decimal `json:"sell_price"`
	Floor        decimal.Decimal `json:"floor_price"`
	GoldUSDPerOz decimal.Decimal `json:"gold_usd_per_oz"`
	Native       *NativeView     `json:"native,omitempty"`
	Timestamp    int64           `json:"ts"`
}

// FillView is a previewed fill; Execute may differ.
type FillView struct {
	Side           string          `json:"side"`
	Quantity       int64           `json:"quantity"`
	Total          decimal.Decimal `json:"total"`
	AveragePrice   decimal.Decimal `json:"avg_price"`
	NewNetPosition int64           `json:"new_net_position"`
}

// TradeView is the outcome of a committed trade.
type TradeView struct {
	TradeID        string          `json:"trade_id"`
	Side           string          `json:"side"`
	Quantity       int64           `json:"quantity"`
	Total          decimal.Decimal `json:"total"`
	AveragePrice   decimal.Decimal `json:"avg_price"`
	NewNetPosition int64           `json:"new_net_position"`
}

// FloorView is the public liquidation floor.
type FloorView struct {
	Floor       decimal.Decimal `json:"floor_price"`
	Reserves    decimal.Decimal `json:"usdc_reserves"`
	Circulating decimal.Decimal `json:"vsp_circulating"`
	Timestamp   int64           `json:"ts"`
}

// TradeInput is an unparsed trade request.
type TradeInput struct {
	Side         string
	Quantity     string
	Counterparty string
	// Bound is the max USDC to pay on a buy or the min to receive on a sell.
	Bound string
}

func price(v float64) decimal.Decimal  { return decimal.NewFromFloat(v).Round(pricePlaces) }
func amount(v float64) decimal.Decimal { return decimal.NewFromFloat(v).Round(amountPlaces) }

// ParseQuantity accepts a positive whole number of tokens. "100" and
// "100.0" are fine; "1.5" is rejected rather than truncated.
func ParseQuantity(raw string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, domain.NewInputError("quantity", fmt.Errorf("not a number: %q", raw))
	}
	if !d.IsInteger() {
		return 0, domain.NewInputError("quantity", fmt.Errorf("quantity must be a whole number of tokens, got %s", d))
	}
	if !d.IsPositive() {
		return 0, domain.NewInputError("quantity", fmt.Errorf("quantity must be positive, got %s", d))
	}
	if d.GreaterThan(decimal.NewFromInt(1 << 53)) {
		return 0, domain.NewInputError("quantity", errors.New("quantity too large"))
	}
	return d.IntPart(), nil
}

// ParseBound accepts a positive USDC amount.
func ParseBound(raw string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, domain.NewInputError("bound", fmt.Errorf("not a number: %q", raw))
	}
	if !d.IsPositive() {
		return 0, domain.NewInputError("bound", fmt.Errorf("bound must be positive, got %s", d))
	}
	return d.InexactFloat64(), nil
}

// GetQuote returns the spot quote.
func (s *MarketService) GetQuote(ctx context.Context) (QuoteView, error) {
	q, err := s.exec.Quote(ctx, s.ledger)
	if err != nil {
		return QuoteView{}, err
	}
	v := QuoteView{
		Mid:          price(q.Mid),
		Buy:          price(q.Buy),
		Sell:         price(q.Sell),
		Floor:        price(q.Floor),
		GoldUSDPerOz: decimal.NewFromFloat(q.Reference.GoldUSDPerOz).Round(2),
		Timestamp:    s.now().Unix(),
	}
	if q.Native != nil {
		v.Native = &NativeView{
			Symbol: q.Native.Symbol,
			USD:    price(q.Native.USD),
			Buy:    price(q.Native.Buy),
			Sell:   price(q.Native.Sell),
		}
	}
	return v, nil
}

// PreviewFill prices a hypothetical trade.
func (s *MarketService) PreviewFill(ctx context.Context, side, quantity string) (FillView, error) {
	sd, err := domain.ParseSide(side)
	if err != nil {
		return FillView{}, err
	}
	qty, err := ParseQuantity(quantity)
	if err != nil {
		return FillView{}, err
	}
	f, err := s.exec.Preview(ctx, s.ledger, sd, qty)
	if err != nil {
		return FillView{}, err
	}
	return FillView{
		Side:           sd.String(),
		Quantity:       qty,
		Total:          amount(f.TotalAmount),
		AveragePrice:   price(f.AveragePrice),
		NewNetPosition: f.ResultingNetPosition,
	}, nil
}

// ExecuteTrade parses and executes a trade.
func (s *MarketService) ExecuteTrade(ctx context.Context, in TradeInput) (TradeView, error) {
	sd, err := domain.ParseSide(in.Side)
	if err != nil {
		return TradeView{}, err
	}
	qty, err := ParseQuantity(in.Quantity)
	if err != nil {
		return TradeView{}, err
	}
	bound, err := ParseBound(in.Bound)
	if err != nil {
		return TradeView{}, err
	}

	res, err := s.exec.Execute(ctx, domain.TradeRequest{
		Ledger:       s.ledger,
		Side:         sd,
		Quantity:     qty,
		Counterparty: strings.TrimSpace(in.Counterparty),
		Bound:        bound,
	})
	if err != nil {
		return TradeView{}, err
	}
	return TradeView{
		TradeID:        res.TradeID,
		Side:           res.Side.String(),
		Quantity:       res.Quantity,
		Total:          amount(res.TotalAmount),
		AveragePrice:   price(res.AveragePrice),
		NewNetPosition: res.NewNetPosition,
	}, nil
}

// GetFloorPrice reports reserves / circulating straight from the ledger.
// It needs no oracle and works while price feeds are down.
func (s *MarketService) GetFloorPrice(ctx context.Context) (FloorView, error) {
	st, err := s.state.ReadState(ctx, s.ledger)
	if err != nil {
		return FloorView{}, err
	}
	return FloorView{
		Floor:       price(pricing.FloorPrice(st.USDCReserves, st.VSPCirculating)),
		Reserves:    amount(st.USDCReserves),
		Circulating: decimal.NewFromFloat(st.VSPCirculating),
		Timestamp:   s.now().Unix(),
	}, nil
}
