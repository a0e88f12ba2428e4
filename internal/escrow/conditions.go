package escrow

import "time"

// ConditionType names one criterion gating automatic release.
type ConditionType string

const (
	ConditionAgreementFulfilled ConditionType = "agreement_fulfilled"
	ConditionPayeeConfirmed     ConditionType = "payee_confirmed"
	ConditionPayerConfirmed     ConditionType = "payer_confirmed"
	ConditionTimeElapsed        ConditionType = "time_elapsed"
	ConditionAdminApproval      ConditionType = "admin_approval"
)

// ConditionStatus is the state of a single release condition.
type ConditionStatus string

const (
	ConditionPending   ConditionStatus = "pending"
	ConditionSatisfied ConditionStatus = "satisfied"
	ConditionFailed    ConditionStatus = "failed"
)

// ReleaseCondition is one named criterion on an escrow transaction.
type ReleaseCondition struct {
	Type        ConditionType   `json:"type"`
	Status      ConditionStatus `json:"status"`
	RequiredBy  string          `json:"requiredBy,omitempty"`  // specific party, if any
	NotBefore   *time.Time      `json:"notBefore,omitempty"`   // time_elapsed threshold
	SatisfiedAt *time.Time      `json:"satisfiedAt,omitempty"`
	SatisfiedBy string          `json:"satisfiedBy,omitempty"`
}

// Evaluation is the outcome of checking a transaction's release conditions.
type Evaluation struct {
	CanRelease        bool            `json:"canRelease"`
	PendingConditions []ConditionType `json:"pendingConditions"`
}

// EvalRelease reports whether the transaction is eligible for automatic
// release: true iff every release condition is satisfied. Pure; mutates
// nothing. The ledger calls it opportunistically after each condition update
// and from the periodic timer.
func EvalRelease(tx *Transaction) Evaluation {
	ev := Evaluation{CanRelease: true}
	for _, c := range tx.ReleaseConditions {
		if c.Status != ConditionSatisfied {
			ev.CanRelease = false
			ev.PendingConditions = append(ev.PendingConditions, c.Type)
		}
	}
	return ev
}

// DefaultConditions is the condition set seeded when a create request names
// none: the agreement must be fulfilled and the payee must confirm.
func DefaultConditions() []ReleaseCondition {
	return []ReleaseCondition{
		{Type: ConditionAgreementFulfilled, Status: ConditionPending},
		{Type: ConditionPayeeConfirmed, Status: ConditionPending},
	}
}
