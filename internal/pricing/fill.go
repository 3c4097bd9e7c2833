package pricing

import (
	"errors"
	"fmt"
	"math"

	"vsp_mm/internal/domain"
)

// DefaultSteps is the number of trapezoids per fill.
const DefaultSteps = 100

// Integrator computes volume-integrated fills with the trapezoidal rule.
// Steps trades CPU for precision; it changes nothing else.
type Integrator struct {
	Steps int
}

// NewIntegrator returns an Integrator; steps <= 0 selects DefaultSteps.
func NewIntegrator(steps int) Integrator {
	if steps <= 0 {
		steps = DefaultSteps
	}
	return Integrator{Steps: steps}
}

func (in Integrator) steps() int {
	if in.Steps <= 0 {
		return DefaultSteps
	}
	return in.Steps
}

// zeroSnap pulls grid points within float noise of n = 0 onto it, so a buy
// and the sell that unwinds it put every sample in the same regime.
const zeroSnap = 1e-9

// gridPoint returns the i-th trapezoid node from n, walking in direction dir.
func gridPoint(n, h float64, i, dir int) float64 {
	x := n + float64(dir*i)*h
	if math.Abs(x) < zeroSnap {
		return 0
	}
	return x
}

// nodeWeight is the trapezoid weight of node i out of steps.
func nodeWeight(i, steps int, h float64) float64 {
	if i == 0 || i == steps {
		return h / 2
	}
	return h
}

// BuyCost integrates the buy price over [n, n+qty].
//
// Reserve-regime nodes are priced flat. A buy that stays below zero pays
// the pre-trade floor. A buy that reaches the supply curve would otherwise
// lift the floor past what it paid for the reserve leg, so that leg is
// priced at the post-trade floor (R + C) / (S + qty), C being this cost.
// C is linear in the reserve price, which gives the fixed point in closed
// form. The result is +Inf when no finite price satisfies it.
func (in Integrator) BuyCost(n, qty float64, s domain.MarketState, reference float64) float64 {
	if qty <= 0 {
		return 0
	}
	steps := in.steps()
	h := qty / float64(steps)

	var reserveWeight, supplyCost float64
	for i := 0; i <= steps; i++ {
		x := gridPoint(n, h, i, 1)
		w := nodeWeight(i, steps, h)
		if x < 0 {
			reserveWeight += w
			continue
		}
		supplyCost += w * BuyPrice(x, s, reference)
	}
	if reserveWeight == 0 {
		return supplyCost
	}

	spread := 1 + s.Curve.HalfSpread
	price := math.Max(FloorPrice(s.USDCReserves, s.VSPCirculating), quoteEpsilon(s, reference))
	if supplyCost > 0 {
		denom := s.VSPCirculating + qty - spread*reserveWeight
		if denom <= 0 {
			return math.Inf(1)
		}
		price = math.Max(price, (math.Max(0, s.USDCReserves)+supplyCost)/denom)
	}
	return price*spread*reserveWeight + supplyCost
}

// SellProceeds integrates the sell price over [n−qty, n]. Samples on either
// side of n = 0 use their own regime, so a sell crossing zero needs no
// special handling. The result is floored at 0 and never exceeds the
// reserves in s.
func (in Integrator) SellProceeds(n, qty float64, s domain.MarketState, reference float64) float64 {
	if qty <= 0 {
		return 0
	}
	steps := in.steps()
	h := qty / float64(steps)

	total := 0.0
	for i := 0; i <= steps; i++ {
		total += nodeWeight(i, steps, h) * SellPrice(gridPoint(n, h, i, -1), s, reference)
	}
	return math.Min(math.Max(0, total), math.Max(0, s.USDCReserves))
}

// Fill prices moving the state's net position by qty on the given side.
func (in Integrator) Fill(side domain.Side, s domain.MarketState, qty int64, reference float64) (domain.FillResult, error) {
	if qty <= 0 {
		return domain.FillResult{}, domain.NewInputError("quantity", fmt.Errorf("quantity must be positive, got %d", qty))
	}
	if !(reference > 0) || math.IsInf(reference, 0) {
		return domain.FillResult{}, &domain.OracleError{Err: fmt.Errorf("unusable reference price %v", reference)}
	}

	n := float64(s.NetPosition)
	q := float64(qty)

	res := domain.FillResult{Side: side, Quantity: qty}
	switch side {
	case domain.SideBuy:
		res.TotalAmount = in.BuyCost(n, q, s, reference)
		if math.IsInf(res.TotalAmount, 1) {
			return domain.FillResult{}, domain.NewInputError("quantity",
				fmt.Errorf("buy of %d from net position %d outprices circulating supply %v", qty, s.NetPosition, s.VSPCirculating))
		}
		res.ResultingNetPosition = s.NetPosition + qty
	case domain.SideSell:
		res.TotalAmount = in.SellProceeds(n, q, s, reference)
		res.ResultingNetPosition = s.NetPosition - qty
	default:
		return domain.FillResult{}, domain.NewInputError("side", errors.New("unknown side"))
	}
	res.AveragePrice = res.TotalAmount / q
	return res, nil
}
