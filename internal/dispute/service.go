package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/idgen"
	"github.com/swifthaul/payhold/internal/metrics"
	"github.com/swifthaul/payhold/internal/traces"
)

// Notifier receives dispute lifecycle events for fan-out. Best-effort.
type Notifier interface {
	DisputeEvent(d *Dispute, event string)
}

// FileRequest contains the parameters for filing a dispute.
type FileRequest struct {
	EscrowID       string   `json:"escrowId" binding:"required"`
	RaisedBy       Party    `json:"raisedBy" binding:"required"`
	RaisedByUserID string   `json:"raisedByUserId" binding:"required"`
	Reason         string   `json:"reason" binding:"required"`
	Description    string   `json:"description"`
	Priority       Priority `json:"priority"`
}

// Service implements dispute management.
type Service struct {
	store    Store
	ledger   Ledger
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, ledger Ledger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		logger: slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithNotifier adds a dispute event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// File opens a dispute against a held or recently released escrow
// transaction and drives the parent to disputed. The ledger's
// compare-and-swap is the real duplicate gate: when two parties race, only
// one MarkDisputed succeeds.
func (s *Service) File(ctx context.Context, req FileRequest) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.File", traces.EscrowID(req.EscrowID))
	defer span.End()

	tx, err := s.ledger.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}

	switch req.RaisedBy {
	case PartyPayer:
		if req.RaisedByUserID != tx.PayerID {
			return nil, ErrInvalidParty
		}
	case PartyPayee:
		if req.RaisedByUserID != tx.PayeeID {
			return nil, ErrInvalidParty
		}
	default:
		return nil, ErrInvalidParty
	}

	if existing, err := s.store.GetOpenByEscrow(ctx, req.EscrowID); err == nil && existing != nil {
		return nil, ErrDuplicateOpenDispute
	}

	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !ValidPriority(priority) {
		return nil, fmt.Errorf("invalid priority %q", priority)
	}

	now := time.Now()
	d := &Dispute{
		ID:             idgen.WithPrefix("dsp_"),
		EscrowID:       req.EscrowID,
		RaisedBy:       req.RaisedBy,
		RaisedByUserID: req.RaisedByUserID,
		Reason:         req.Reason,
		Description:    req.Description,
		Priority:       priority,
		Status:         StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if _, err := s.ledger.MarkDisputed(ctx, req.EscrowID, d.ID); err != nil {
		if errors.Is(err, escrow.ErrInvalidStateTransition) {
			// Lost a race or the escrow is not in a disputable state.
			if cur, gerr := s.ledger.Get(ctx, req.EscrowID); gerr == nil && cur.Status == escrow.StatusDisputed {
				return nil, ErrDuplicateOpenDispute
			}
		}
		return nil, err
	}

	if err := s.store.Create(ctx, d); err != nil {
		// Compensate: put the escrow back so the dispute can be re-filed.
		if _, rerr := s.ledger.Reinstate(ctx, req.EscrowID, "dispute record creation failed"); rerr != nil {
			s.logger.Error("CRITICAL: escrow marked disputed but dispute record creation and reinstate both failed",
				"escrowId", req.EscrowID, "disputeId", d.ID, "createErr", err, "reinstateErr", rerr)
		}
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("filed").Inc()
	metrics.DisputesOpen.Inc()
	if s.notifier != nil {
		s.notifier.DisputeEvent(d, "dispute.filed")
	}
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns all historical disputes for an escrow transaction.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	return s.store.ListByEscrow(ctx, escrowID)
}

// ListByStatus returns disputes in the given state, newest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// StartInvestigation moves an open dispute to investigating.
func (s *Service) StartInvestigation(ctx context.Context, id, admin string) (*Dispute, error) {
	d, err := s.store.UpdateFrom(ctx, id, []Status{StatusOpen}, func(d *Dispute) error {
		d.Status = StatusInvestigating
		d.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			return nil, s.terminalError(ctx, id, err)
		}
		return nil, err
	}

	_ = s.store.Annotate(ctx, id, Annotation{
		Author: admin,
		Note:   "investigation started",
		At:     time.Now(),
	})
	metrics.DisputesTotal.WithLabelValues("investigating").Inc()
	return d, nil
}

// Resolve records the administrator's decision and applies its settlement
// to the parent escrow transaction. The dispute record claims the
// resolution first, so a duplicate call fails with ErrAlreadyResolved and
// the ledger settles exactly once.
func (s *Service) Resolve(ctx context.Context, id string, decision Decision, reason, admin string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve",
		traces.DisputeID(id), attribute.String("decision", string(decision.Code())))
	defer span.End()

	if reason == "" {
		return nil, ErrReasonRequired
	}

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.Get(ctx, cur.EscrowID)
	if err != nil {
		return nil, err
	}

	// Validate the split against the live transaction before claiming the
	// resolution, so a bad amount leaves the dispute untouched.
	disposition, err := decision.Disposition(tx)
	if err != nil {
		return nil, err
	}
	disposition.Reason = reason
	disposition.DisputeID = id
	disposition.Actor = admin

	now := time.Now()
	d, err := s.store.UpdateFrom(ctx, id, []Status{StatusOpen, StatusInvestigating}, func(d *Dispute) error {
		d.Status = StatusResolved
		d.Resolution = &Resolution{
			Decision:   decision,
			Reason:     reason,
			ResolvedBy: admin,
			ResolvedAt: now,
		}
		d.UpdatedAt = now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			return nil, s.terminalError(ctx, id, err)
		}
		return nil, err
	}

	if _, err := s.ledger.Settle(ctx, d.EscrowID, disposition); err != nil {
		// The resolution is claimed but the money has not moved. Do not
		// unwind the claim: a retry path that re-runs the settlement is
		// safer than one that can run two different decisions.
		s.logger.Error("CRITICAL: dispute resolved but ledger settlement failed",
			"disputeId", d.ID, "escrowId", d.EscrowID, "decision", decision.Code(), "error", err)
		return nil, fmt.Errorf("resolution recorded but settlement failed (requires manual resolution): %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	metrics.DisputesOpen.Dec()
	if s.notifier != nil {
		s.notifier.DisputeEvent(d, "dispute.resolved")
	}
	return d, nil
}

// Close ends a dispute without a decision (withdrawn or invalid) and
// returns the parent escrow to its pre-dispute custody state.
func (s *Service) Close(ctx context.Context, id, reason, actor string) (*Dispute, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}

	d, err := s.store.UpdateFrom(ctx, id, []Status{StatusOpen, StatusInvestigating}, func(d *Dispute) error {
		d.Status = StatusClosed
		d.CloseReason = reason
		d.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			return nil, s.terminalError(ctx, id, err)
		}
		return nil, err
	}

	if _, err := s.ledger.Reinstate(ctx, d.EscrowID, "dispute closed: "+reason); err != nil {
		s.logger.Error("CRITICAL: dispute closed but escrow reinstate failed",
			"disputeId", d.ID, "escrowId", d.EscrowID, "error", err)
	}

	metrics.DisputesTotal.WithLabelValues("closed").Inc()
	metrics.DisputesOpen.Dec()
	if s.notifier != nil {
		s.notifier.DisputeEvent(d, "dispute.closed")
	}
	return d, nil
}

// Annotate appends an audit note. Allowed in any state, including after
// resolution.
func (s *Service) Annotate(ctx context.Context, id, author, note string) error {
	if note == "" {
		return ErrReasonRequired
	}
	return s.store.Annotate(ctx, id, Annotation{Author: author, Note: note, At: time.Now()})
}

// terminalError maps a status-conflict on a finished dispute to the
// specific sentinel the caller can act on.
func (s *Service) terminalError(ctx context.Context, id string, fallback error) error {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return fallback
	}
	switch d.Status {
	case StatusResolved:
		return ErrAlreadyResolved
	case StatusClosed:
		return ErrAlreadyClosed
	}
	return fallback
}
