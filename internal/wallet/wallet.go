// Package wallet derives per-user balance views from the escrow ledger.
//
// Balances are a projection, never a stored value: every figure is recomputed
// from the user's escrow transactions on read, so the view cannot drift from
// the ledger it summarizes.
package wallet

import (
	"context"
	"log/slog"

	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/money"
)

// maxProjection bounds how many transactions a single balance read scans.
const maxProjection = 1000

// Balance is a point-in-time view of a user's money position.
type Balance struct {
	UserID string `json:"userId"`

	// Available is what the user could withdraw now: credits from settled
	// escrows where money actually moved to them.
	Available money.Cents `json:"available"`

	// EscrowHeld is locked in active escrows where the user is the payer,
	// including escrows frozen by an open dispute.
	EscrowHeld money.Cents `json:"escrowHeld"`

	// Pending is committed but not yet in custody (initiated or funded,
	// user as payer).
	Pending money.Cents `json:"pending"`

	// Total = Available + EscrowHeld + Pending.
	Total money.Cents `json:"total"`
}

// Service computes balance projections.
type Service struct {
	store  escrow.Store
	logger *slog.Logger
}

// NewService creates a wallet service over the escrow store.
func NewService(store escrow.Store) *Service {
	return &Service{store: store, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Balance computes the user's current position from their escrow history.
func (s *Service) Balance(ctx context.Context, userID string) (*Balance, error) {
	txs, err := s.store.ListByUser(ctx, userID, nil, maxProjection)
	if err != nil {
		return nil, err
	}

	b := &Balance{UserID: userID}
	for _, tx := range txs {
		asPayer := tx.PayerID == userID
		asPayee := tx.PayeeID == userID

		switch tx.Status {
		case escrow.StatusInitiated, escrow.StatusFunded:
			if asPayer {
				b.Pending += tx.EscrowAmount
			}
		case escrow.StatusHeld, escrow.StatusDisputed:
			if asPayer {
				b.EscrowHeld += tx.EscrowAmount
			}
		case escrow.StatusReleased, escrow.StatusRefunded:
			if asPayer {
				b.Available += tx.PayerCredit
			}
			if asPayee {
				b.Available += tx.PayeeCredit
			}
		}
	}
	b.Total = b.Available + b.EscrowHeld + b.Pending
	return b, nil
}
