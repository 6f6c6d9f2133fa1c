package models

import (
	"github.com/shopspring/decimal"
)

// FeeRates are fractions of the escrowed amount (0.03 = 3%).
// These belong to Heart Avtal escrow only and are kept apart from any other product's fees.
type FeeRates struct {
	PlatformFeeRate          decimal.Decimal
	EscrowFeeRate            decimal.Decimal
	PaymentProcessingFeeRate decimal.Decimal
}

type EscrowFees struct {
	PlatformFee          decimal.Decimal `gorm:"type:decimal(20,4)" json:"platform_fee"`
	EscrowFee            decimal.Decimal `gorm:"type:decimal(20,4)" json:"escrow_fee"`
	PaymentProcessingFee decimal.Decimal `gorm:"type:decimal(20,4)" json:"payment_processing_fee"`
}

func (f EscrowFees) Total() decimal.Decimal {
	return f.PlatformFee.Add(f.EscrowFee).Add(f.PaymentProcessingFee)
}

// CalculateFees rounds each fee to the currency's minor unit and derives the net payout
// by subtraction, so fees + net always equals amount exactly.
func CalculateFees(amount decimal.Decimal, rates FeeRates, minorUnits int32) (EscrowFees, decimal.Decimal, error) {
	if !amount.IsPositive() {
		return EscrowFees{}, decimal.Zero, ErrNoAmountSpecified
	}
	for field, rate := range map[string]decimal.Decimal{
		"platform_fee_rate":           rates.PlatformFeeRate,
		"escrow_fee_rate":             rates.EscrowFeeRate,
		"payment_processing_fee_rate": rates.PaymentProcessingFeeRate,
	} {
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return EscrowFees{}, decimal.Zero, newValidationError(field, "range", "fee rate must be in [0, 1)")
		}
	}

	fees := EscrowFees{
		PlatformFee:          amount.Mul(rates.PlatformFeeRate).Round(minorUnits),
		EscrowFee:            amount.Mul(rates.EscrowFeeRate).Round(minorUnits),
		PaymentProcessingFee: amount.Mul(rates.PaymentProcessingFeeRate).Round(minorUnits),
	}
	net := amount.Sub(fees.Total())
	if net.IsNegative() {
		return EscrowFees{}, decimal.Zero, newValidationError("fee_rates", "sum", "fees exceed amount")
	}
	return fees, net, nil
}
