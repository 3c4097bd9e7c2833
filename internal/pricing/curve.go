// Package pricing implements the two-regime VSP/USDC bonding curve and the
// volume-integrated fills computed along it. Everything here is pure: no
// I/O, no shared state, and the reference price is supplied by the caller.
package pricing

import (
	"math"

	"vsp_mm/internal/domain"
)

// quoteEpsilonFactor scales unit_scale × reference into the smallest price
// a quote may show when the curve degenerates to zero or below.
const quoteEpsilonFactor = 0.01

// SupplyPrice is the supply-regime mid price for n >= 0:
//
//	log10(n + 10)^2 × unitScale × reference
//
// The +10 offset keeps the log strictly positive at n = 0.
func SupplyPrice(n, unitScale, reference float64) float64 {
	l := math.Log10(n + 10)
	return l * l * unitScale * reference
}

// ReservePrice is the reserve-distribution mid price for n < 0:
//
//	(reserves / circulating) × max(0, 1 − |n| / circulating)
//
// Earlier sellers-back get better prices than later ones and a full
// liquidation never pays out more than the reserves. Drained or empty
// markets price at 0.
func ReservePrice(n, reserves, circulating float64) float64 {
	if circulating <= 0 || reserves <= 0 {
		return 0
	}
	remaining := math.Max(0, 1-math.Abs(n)/circulating)
	return reserves / circulating * remaining
}

// FloorPrice is the public liquidation floor: reserves / circulating, 0 when
// nothing circulates.
func FloorPrice(reserves, circulating float64) float64 {
	if circulating <= 0 {
		return 0
	}
	return reserves / circulating
}

// MidPrice is the marginal (un-spread) price at net position n, choosing the
// regime by the sign of n.
func MidPrice(n float64, s domain.MarketState, reference float64) float64 {
	if n >= 0 {
		return SupplyPrice(n, s.Curve.UnitScale, reference)
	}
	return ReservePrice(n, s.USDCReserves, s.VSPCirculating)
}

// quoteEpsilon is the defensive minimum for quoted prices.
func quoteEpsilon(s domain.MarketState, reference float64) float64 {
	return s.Curve.UnitScale * reference * quoteEpsilonFactor
}

// BuyPrice is the marginal price the market maker charges at n.
//
// In the supply regime it is mid × (1 + h). In the reserve regime the
// market maker never issues below the liquidation floor, so the price there
// is floor × (1 + h).
func BuyPrice(n float64, s domain.MarketState, reference float64) float64 {
	h := s.Curve.HalfSpread
	if n >= 0 {
		return SupplyPrice(n, s.Curve.UnitScale, reference) * (1 + h)
	}
	floor := math.Max(FloorPrice(s.USDCReserves, s.VSPCirculating), quoteEpsilon(s, reference))
	return floor * (1 + h)
}

// SellPrice is the marginal price the market maker pays at n: the supply
// curve for n >= 0 and the reserve curve below, both marked down by h.
// It may be 0 once reserves are drained.
func SellPrice(n float64, s domain.MarketState, reference float64) float64 {
	return MidPrice(n, s, reference) * (1 - s.Curve.HalfSpread)
}

// SpotQuote returns the indicative prices at the state's current position.
// Actual fills are volume-integrated and differ for any non-trivial size.
func SpotQuote(s domain.MarketState, reference float64) domain.Quote {
	n := float64(s.NetPosition)

	mid := MidPrice(n, s, reference)
	if mid <= 0 {
		mid = quoteEpsilon(s, reference)
	}

	buy := mid * (1 + s.Curve.HalfSpread)
	if n < 0 {
		buy = math.Max(buy, BuyPrice(n, s, reference))
	}

	return domain.Quote{
		Mid:       mid,
		Buy:       buy,
		Sell:      mid * (1 - s.Curve.HalfSpread),
		Floor:     FloorPrice(s.USDCReserves, s.VSPCirculating),
		Reference: domain.ReferencePrices{GoldUSDPerOz: reference},
	}
}

// WithNative restates a quote's buy and sell prices in a second currency
// priced at nativeUSD dollars per unit. Non-positive prices yield zeros.
func WithNative(q domain.Quote, symbol string, nativeUSD float64) domain.Quote {
	nq := &domain.NativeQuote{Symbol: symbol, USD: nativeUSD}
	if nativeUSD > 0 {
		nq.Buy = q.Buy / nativeUSD
		nq.Sell = q.Sell / nativeUSD
	}
	q.Native = nq
	return q
}
