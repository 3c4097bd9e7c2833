package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// Asset is a transferable token with fixed on-chain precision.
type Asset struct {
	Symbol   string
	Decimals int32
}

var (
	USDC = Asset{Symbol: "USDC", Decimals: 6}
	VSP  = Asset{Symbol: "VSP", Decimals: 18}
)

func (a Asset) String() string { return a.Symbol }

// RoundUp quantizes amount to the asset's precision, rounding away from zero.
// Used for amounts the market maker collects.
func (a Asset) RoundUp(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).RoundUp(a.Decimals)
}

// RoundDown quantizes amount to the asset's precision, truncating.
// Used for amounts the market maker pays out.
func (a Asset) RoundDown(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).RoundDown(a.Decimals)
}

// BaseUnits converts a token amount to integer base units (micro-USDC, wei).
func (a Asset) BaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(a.Decimals).Truncate(0).BigInt()
}

// Units converts a whole-token quantity to a decimal token amount.
func (a Asset) Units(qty int64) decimal.Decimal {
	return decimal.NewFromInt(qty)
}
