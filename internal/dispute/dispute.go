// Package dispute tracks contested escrow outcomes and drives their
// resolution.
//
// A party files a dispute against a held (or recently released) escrow
// transaction; an administrator resolves it with exactly one decision, and
// that decision produces exactly one ledger settlement. Disputes are
// immutable after resolution except for append-only audit annotations.
package dispute

import (
	"context"
	"errors"
	"time"

	"github.com/swifthaul/payhold/internal/escrow"
)

var (
	ErrNotFound             = errors.New("dispute not found")
	ErrDuplicateOpenDispute = errors.New("an open dispute already exists for this escrow")
	ErrAlreadyResolved      = errors.New("dispute already resolved")
	ErrAlreadyClosed        = errors.New("dispute already closed")
	ErrReasonRequired       = errors.New("resolution reason is required")
	ErrInvalidParty         = errors.New("dispute must be raised by the payer or the payee")
	ErrInvalidStatus        = errors.New("invalid dispute status for this operation")
)

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed" // withdrawn or invalid, no money moved
)

// Party identifies which side of the escrow raised the dispute.
type Party string

const (
	PartyPayer Party = "payer"
	PartyPayee Party = "payee"
)

// Priority orders the admin queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Resolution is the administrator's decision, set exactly once.
type Resolution struct {
	Decision   Decision  `json:"decision"`
	Reason     string    `json:"reason"`
	ResolvedBy string    `json:"resolvedBy"`
	ResolvedAt time.Time `json:"resolvedAt"`
}

// Annotation is an append-only administrative audit note. Annotations are
// the only mutation allowed after a dispute resolves.
type Annotation struct {
	Author string    `json:"author"`
	Note   string    `json:"note"`
	At     time.Time `json:"at"`
}

// Dispute is a contested-outcome record against one escrow transaction.
type Dispute struct {
	ID             string       `json:"id"`
	EscrowID       string       `json:"escrowId"`
	RaisedBy       Party        `json:"raisedBy"`
	RaisedByUserID string       `json:"raisedByUserId"`
	Reason         string       `json:"reason"` // short code, e.g. "not_delivered"
	Description    string       `json:"description"`
	Priority       Priority     `json:"priority"`
	Status         Status       `json:"status"`
	Resolution     *Resolution  `json:"resolution,omitempty"`
	CloseReason    string       `json:"closeReason,omitempty"`
	Annotations    []Annotation `json:"annotations,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// IsTerminal reports whether the dispute has finished its lifecycle.
func (d *Dispute) IsTerminal() bool {
	return d.Status == StatusResolved || d.Status == StatusClosed
}

// Store persists disputes. UpdateFrom follows the same compare-and-swap
// contract as the escrow store: mutate runs only while the dispute's status
// is one of from, atomically per dispute.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error)
	UpdateFrom(ctx context.Context, id string, from []Status, mutate func(*Dispute) error) (*Dispute, error)
	Annotate(ctx context.Context, id string, a Annotation) error
	ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error)
}

// Ledger abstracts the escrow operations the dispute manager drives.
// Satisfied by *escrow.Service.
type Ledger interface {
	Get(ctx context.Context, id string) (*escrow.Transaction, error)
	MarkDisputed(ctx context.Context, id, disputeID string) (*escrow.Transaction, error)
	Settle(ctx context.Context, id string, d escrow.Disposition) (*escrow.Transaction, error)
	Reinstate(ctx context.Context, id, reason string) (*escrow.Transaction, error)
}
