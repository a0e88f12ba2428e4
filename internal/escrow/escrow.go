// Package escrow owns the lifecycle of held payments between a payer and a
// payee on the platform.
//
// Flow:
//  1. A ride or delivery agreement is formed → transaction created (initiated)
//  2. Payment confirmation arrives → funded → held in platform custody
//  3. All release conditions satisfied → auto-released to the payee
//  4. A party disputes → disputed, settled by an administrator decision
//  5. Funding never arrives → cancelled at the funding deadline
//
// Every transition is a compare-and-swap against the current status; a stale
// request fails with ErrInvalidStateTransition and changes nothing. Terminal
// dispositions record the exact split of the escrowed amount between payer,
// payee and platform, and that split always sums to the escrowed amount.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/swifthaul/payhold/internal/pagination"

	"github.com/swifthaul/payhold/internal/money"
)

var (
	ErrNotFound               = errors.New("escrow not found")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidStateTransition = errors.New("invalid state transition for this operation")
	ErrFundingMismatch        = errors.New("funding confirmation does not match escrow amount")
	ErrDisputeWindowExpired   = errors.New("dispute window has expired")
	ErrUnbalancedSettlement   = errors.New("settlement amounts do not sum to escrow amount")
	ErrReasonRequired         = errors.New("reason is required")
	ErrSameParty              = errors.New("payer and payee cannot be the same user")
	ErrUnknownCondition       = errors.New("release condition not present on this escrow")
)

// Status represents the custody state of an escrow transaction.
type Status string

const (
	StatusInitiated Status = "initiated" // created, awaiting funding
	StatusFunded    Status = "funded"    // payment confirmed, custody pending
	StatusHeld      Status = "held"      // in platform custody
	StatusReleased  Status = "released"  // paid out to payee
	StatusRefunded  Status = "refunded"  // returned to payer (fully or with a split)
	StatusDisputed  Status = "disputed"  // contested, awaiting resolution
	StatusCancelled Status = "cancelled" // never reached custody
)

// Method identifies how the escrow was funded.
type Method string

const (
	MethodCard   Method = "card"
	MethodWallet Method = "wallet"
	MethodCash   Method = "cash"
	MethodBank   Method = "bank_transfer"
)

// AgreementKind distinguishes the originating agreement.
type AgreementKind string

const (
	KindRide     AgreementKind = "ride"
	KindDelivery AgreementKind = "delivery"
)

// ReleaseType records how a release came about.
type ReleaseType string

const (
	ReleaseAuto    ReleaseType = "auto"
	ReleaseManual  ReleaseType = "manual"
	ReleaseDispute ReleaseType = "dispute"
)

// Defaults applied at creation when the request leaves them unset.
const (
	DefaultFundingWindow = 15 * time.Minute
	DefaultDisputeWindow = 48 * time.Hour
)

// Transaction is an escrow custody record. EscrowAmount is fixed at creation
// (Amount + PlatformFee) and never mutated; only its disposition changes.
type Transaction struct {
	ID            string        `json:"id"`
	AgreementID   string        `json:"agreementId"`
	AgreementKind AgreementKind `json:"agreementKind"`
	PayerID       string        `json:"payerId"`
	PayeeID       string        `json:"payeeId"`

	Amount       money.Cents `json:"amount"`       // principal owed to payee
	PlatformFee  money.Cents `json:"platformFee"`  // frozen at creation
	EscrowAmount money.Cents `json:"escrowAmount"` // Amount + PlatformFee

	Status            Status             `json:"status"`
	PaymentMethod     Method             `json:"paymentMethod"`
	RiskScore         int                `json:"riskScore"` // informational only
	ReleaseConditions []ReleaseCondition `json:"releaseConditions"`

	// Terminal disposition split. Zero until the transaction settles; at
	// settlement the three always sum to EscrowAmount.
	PayerCredit      money.Cents `json:"payerCredit"`
	PayeeCredit      money.Cents `json:"payeeCredit"`
	PlatformRetained money.Cents `json:"platformRetained"`

	ReleaseType ReleaseType `json:"releaseType,omitempty"`
	CloseReason string      `json:"closeReason,omitempty"` // reason for the terminal transition

	DisputeWindow      time.Duration `json:"disputeWindowSeconds"`
	DisputeWindowUntil *time.Time    `json:"disputeWindowUntil,omitempty"` // set on release
	OpenDisputeID      string        `json:"openDisputeId,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ExpiresAt  time.Time  `json:"expiresAt"` // funding deadline
	FundedAt   *time.Time `json:"fundedAt,omitempty"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
}

// IsTerminal reports whether the transaction has reached a disposition.
// A released transaction is terminal except that a dispute may still be
// filed against it while the dispute window is open.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// InDisputeWindow reports whether a released transaction can still be
// disputed at the given instant.
func (t *Transaction) InDisputeWindow(now time.Time) bool {
	return t.Status == StatusReleased &&
		t.DisputeWindowUntil != nil &&
		now.Before(*t.DisputeWindowUntil)
}

// Condition returns the named release condition, or nil if absent.
func (t *Transaction) Condition(ct ConditionType) *ReleaseCondition {
	for i := range t.ReleaseConditions {
		if t.ReleaseConditions[i].Type == ct {
			return &t.ReleaseConditions[i]
		}
	}
	return nil
}

// TransitionRecord is one append-only entry in a transaction's history.
// The log makes released-then-disputed representable without losing the
// release record.
type TransitionRecord struct {
	ID       int64     `json:"id"`
	EscrowID string    `json:"escrowId"`
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Event    string    `json:"event"` // fund_confirmed, custody_confirmed, auto_release, ...
	Reason   string    `json:"reason,omitempty"`
	Actor    string    `json:"actor,omitempty"` // user or admin id, "system" for timers
	At       time.Time `json:"at"`
}

// Store persists escrow transactions.
//
// UpdateFrom is the single write path for transitions: it applies mutate to
// the stored transaction only while its status is one of from, atomically
// with respect to other transitions on the same id. A status mismatch fails
// with ErrInvalidStateTransition and leaves the record untouched, which makes
// stale retries safe.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByAgreement(ctx context.Context, agreementID string) (*Transaction, error)
	UpdateFrom(ctx context.Context, id string, from []Status, mutate func(*Transaction) error) (*Transaction, error)
	ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)

	AppendTransition(ctx context.Context, rec *TransitionRecord) error
	Timeline(ctx context.Context, escrowID string) ([]*TransitionRecord, error)
}
