// Package admin assembles the dispute resolution workspace: a read model
// that gives an administrator everything needed to decide a case, and the
// submission path that applies the decision.
package admin

import (
	"context"
	"log/slog"

	"github.com/swifthaul/payhold/internal/dispute"
	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/money"
)

// FinancialBreakdown shows where the money sits and where each decision
// would send it.
type FinancialBreakdown struct {
	Amount            money.Cents `json:"amount"`
	PlatformFee       money.Cents `json:"platformFee"`
	EscrowAmount      money.Cents `json:"escrowAmount"`
	PayoutIfReleased  money.Cents `json:"payoutIfReleased"`
	RefundIfRefunded  money.Cents `json:"refundIfRefunded"`
	FiftyFiftyToPayer money.Cents `json:"fiftyFiftyToPayer"`
}

// Case is the full read model for one dispute: the dispute itself, its
// parent escrow, the money at stake, and the complete transition history.
type Case struct {
	Dispute    *dispute.Dispute           `json:"dispute"`
	Escrow     *escrow.Transaction        `json:"escrow"`
	Financial  FinancialBreakdown         `json:"financial"`
	Timeline   []*escrow.TransitionRecord `json:"timeline"`
	History    []*dispute.Dispute         `json:"history"`
	Evaluation escrow.Evaluation          `json:"releaseEvaluation"`
}

// Service builds admin read models and proxies resolutions.
type Service struct {
	disputes *dispute.Service
	ledger   *escrow.Service
	logger   *slog.Logger
}

// NewService creates the admin workflow service.
func NewService(disputes *dispute.Service, ledger *escrow.Service) *Service {
	return &Service{disputes: disputes, ledger: ledger, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Case loads the full decision context for a dispute. The timeline and
// history are best-effort; a partial case is still decidable.
func (s *Service) Case(ctx context.Context, disputeID string) (*Case, error) {
	d, err := s.disputes.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.Get(ctx, d.EscrowID)
	if err != nil {
		return nil, err
	}

	timeline, err := s.ledger.Timeline(ctx, d.EscrowID)
	if err != nil {
		s.logger.Warn("failed to load escrow timeline for case", "disputeId", disputeID, "error", err)
	}
	history, err := s.disputes.ListByEscrow(ctx, d.EscrowID)
	if err != nil {
		s.logger.Warn("failed to load dispute history for case", "disputeId", disputeID, "error", err)
	}

	return &Case{
		Dispute: d,
		Escrow:  tx,
		Financial: FinancialBreakdown{
			Amount:            tx.Amount,
			PlatformFee:       tx.PlatformFee,
			EscrowAmount:      tx.EscrowAmount,
			PayoutIfReleased:  tx.Amount,
			RefundIfRefunded:  tx.EscrowAmount,
			FiftyFiftyToPayer: tx.EscrowAmount / 2,
		},
		Timeline:   timeline,
		History:    history,
		Evaluation: escrow.EvalRelease(tx),
	}, nil
}

// Queue lists disputes awaiting an administrator, newest first.
func (s *Service) Queue(ctx context.Context, status dispute.Status, limit int) ([]*dispute.Dispute, error) {
	return s.disputes.ListByStatus(ctx, status, limit)
}

// Resolve applies a decision through the dispute manager.
func (s *Service) Resolve(ctx context.Context, disputeID string, decision dispute.Decision, reason, admin string) (*dispute.Dispute, error) {
	return s.disputes.Resolve(ctx, disputeID, decision, reason, admin)
}
