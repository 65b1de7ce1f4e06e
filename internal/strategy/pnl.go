package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/signalforge/engine/pkg/types"
)

// grossPct returns the unsigned-fee percentage move from priceOpen to
// priceClose for side, expressed as a percentage (not a fraction).
func grossPct(side types.PositionSide, priceOpen, priceClose decimal.Decimal) decimal.Decimal {
	hundred := decimal.NewFromInt(100)
	if side == types.PositionShort {
		return priceOpen.Sub(priceClose).Div(priceOpen).Mul(hundred)
	}
	return priceClose.Sub(priceOpen).Div(priceOpen).Mul(hundred)
}

// computePnL realizes spec §4.4.1: round-trip slippage and fee are
// applied symmetrically to both legs, so the net percentage is the
// gross percentage less twice the combined slippage+fee rate.
func computePnL(side types.PositionSide, priceOpen, priceClose, slippage, fee decimal.Decimal) types.PnL {
	gross := grossPct(side, priceOpen, priceClose)
	roundTripCostPct := slippage.Add(fee).Mul(decimal.NewFromInt(2)).Mul(decimal.NewFromInt(100))
	return types.PnL{
		GrossPct:            gross,
		NetPctAfterFeesSlip: gross.Sub(roundTripCostPct),
	}
}
