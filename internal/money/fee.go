package money

import (
	"errors"
	"math"
)

var ErrInvalidFeeStructure = errors.New("money: invalid fee structure")

// FeeStructure defines how the platform commission is computed from a gross
// amount: a proportional rate clamped to a floor and a ceiling.
type FeeStructure struct {
	BaseRate   float64 `json:"baseRate"`   // fraction of the amount, in (0,1)
	MinimumFee Cents   `json:"minimumFee"` // floor, >= 0
	MaximumFee Cents   `json:"maximumFee"` // ceiling, >= MinimumFee
}

// Validate checks the structure's internal consistency.
func (fs FeeStructure) Validate() error {
	if fs.BaseRate <= 0 || fs.BaseRate >= 1 {
		return ErrInvalidFeeStructure
	}
	if fs.MinimumFee < 0 {
		return ErrInvalidFeeStructure
	}
	if fs.MaximumFee < fs.MinimumFee {
		return ErrInvalidFeeStructure
	}
	return nil
}

// ComputeFee returns clamp(amount*rate, min, max) rounded to the nearest
// cent. Pure and deterministic: the caller computes the fee exactly once at
// transaction creation and freezes it on the record, so later changes to the
// structure never affect existing transactions.
func ComputeFee(amount Cents, fs FeeStructure) (Cents, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := fs.Validate(); err != nil {
		return 0, err
	}

	fee := Cents(math.Round(float64(amount) * fs.BaseRate))
	if fee < fs.MinimumFee {
		fee = fs.MinimumFee
	}
	if fee > fs.MaximumFee {
		fee = fs.MaximumFee
	}
	return fee, nil
}
