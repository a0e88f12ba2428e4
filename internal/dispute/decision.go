package dispute

import (
	"encoding/json"
	"errors"

	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/money"
)

var (
	ErrUnknownDecision  = errors.New("unknown resolution decision")
	ErrAmountRequired   = errors.New("partial_refund requires an amount")
	ErrAmountNotAllowed = errors.New("amount is only valid for partial_refund")
	ErrAmountOutOfRange = errors.New("partial refund amount must be between 0 and the escrow amount, exclusive")
)

// DecisionCode is the wire form of a resolution decision.
type DecisionCode string

const (
	CodeReleasePayment DecisionCode = "release_payment"
	CodeRefundSender   DecisionCode = "refund_sender"
	CodePartialRefund  DecisionCode = "partial_refund"
)

// Decision is a tagged union over the three resolution outcomes. An amount
// travels only with partial_refund; providing one elsewhere is rejected at
// construction rather than ignored, so an operator typo cannot silently
// change the meaning of a decision.
type Decision struct {
	code   DecisionCode
	amount money.Cents // payer's share; meaningful only for partial_refund
}

// ReleasePayment pays the payee in full; the platform retains its fee.
func ReleasePayment() Decision {
	return Decision{code: CodeReleasePayment}
}

// RefundSender returns the entire escrowed amount to the payer; the
// platform fee is not collected.
func RefundSender() Decision {
	return Decision{code: CodeRefundSender}
}

// PartialRefund gives the payer the specified share and the payee the
// remainder after the platform fee.
func PartialRefund(payerAmount money.Cents) Decision {
	return Decision{code: CodePartialRefund, amount: payerAmount}
}

// FiftyFifty is the default split convention when no explicit business rule
// overrides it: half the escrowed amount goes back to the payer, and the
// payee receives half of what remains after the platform fee.
func FiftyFifty(escrowAmount money.Cents) Decision {
	return PartialRefund(escrowAmount / 2)
}

// ParseDecision validates a wire-form decision. amount must be present iff
// the code is partial_refund.
func ParseDecision(code DecisionCode, amount *money.Cents) (Decision, error) {
	switch code {
	case CodeReleasePayment, CodeRefundSender:
		if amount != nil && *amount != 0 {
			return Decision{}, ErrAmountNotAllowed
		}
		return Decision{code: code}, nil
	case CodePartialRefund:
		if amount == nil || *amount <= 0 {
			return Decision{}, ErrAmountRequired
		}
		return PartialRefund(*amount), nil
	}
	return Decision{}, ErrUnknownDecision
}

// Code returns the decision's wire code.
func (d Decision) Code() DecisionCode { return d.code }

// Amount returns the payer's share for partial_refund decisions.
func (d Decision) Amount() (money.Cents, bool) {
	if d.code == CodePartialRefund {
		return d.amount, true
	}
	return 0, false
}

// Disposition translates the decision into the exact settlement split for
// the given transaction. The three credits always sum to the escrowed
// amount.
func (d Decision) Disposition(tx *escrow.Transaction) (escrow.Disposition, error) {
	switch d.code {
	case CodeReleasePayment:
		return escrow.Disposition{
			Outcome:          escrow.StatusReleased,
			PayeeCredit:      tx.Amount,
			PlatformRetained: tx.PlatformFee,
		}, nil

	case CodeRefundSender:
		return escrow.Disposition{
			Outcome:     escrow.StatusRefunded,
			PayerCredit: tx.EscrowAmount,
		}, nil

	case CodePartialRefund:
		if d.amount <= 0 || d.amount >= tx.EscrowAmount {
			return escrow.Disposition{}, ErrAmountOutOfRange
		}
		platform := tx.PlatformFee
		payee := tx.EscrowAmount - d.amount - platform
		if payee < 0 {
			// The payer's share eats into the fee; the platform absorbs it
			// rather than the payee going negative.
			platform = tx.EscrowAmount - d.amount
			payee = 0
		}
		return escrow.Disposition{
			Outcome:          escrow.StatusRefunded,
			PayerCredit:      d.amount,
			PayeeCredit:      payee,
			PlatformRetained: platform,
		}, nil
	}
	return escrow.Disposition{}, ErrUnknownDecision
}

// decisionJSON is the serialized form of a Decision.
type decisionJSON struct {
	Code   DecisionCode `json:"code"`
	Amount *money.Cents `json:"amount,omitempty"`
}

// MarshalJSON encodes the decision with its amount only when meaningful.
func (d Decision) MarshalJSON() ([]byte, error) {
	out := decisionJSON{Code: d.code}
	if d.code == CodePartialRefund {
		amt := d.amount
		out.Amount = &amt
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes and re-validates a serialized decision.
func (d *Decision) UnmarshalJSON(data []byte) error {
	var in decisionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	parsed, err := ParseDecision(in.Code, in.Amount)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
