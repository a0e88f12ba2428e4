package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/swifthaul/payhold/internal/idgen"
	"github.com/swifthaul/payhold/internal/metrics"
	"github.com/swifthaul/payhold/internal/money"
	"github.com/swifthaul/payhold/internal/pagination"
	"github.com/swifthaul/payhold/internal/traces"
)

// RiskScorer assigns an informational risk score at creation time.
// The score never gates transitions.
type RiskScorer interface {
	Score(payerID, payeeID string, amount money.Cents, method Method) int
}

// Notifier receives transition events for fan-out (dashboards, webhooks).
// Delivery is best-effort and never blocks or fails a transition.
type Notifier interface {
	EscrowTransition(tx *Transaction, event string)
}

// CreateRequest contains the parameters supplied by the agreement source.
type CreateRequest struct {
	AgreementID   string          `json:"agreementId" binding:"required"`
	AgreementKind AgreementKind   `json:"agreementKind" binding:"required"`
	PayerID       string          `json:"payerId" binding:"required"`
	PayeeID       string          `json:"payeeId" binding:"required"`
	Amount        money.Cents     `json:"amount"`
	PaymentMethod Method          `json:"paymentMethod"`
	Conditions    []ConditionType `json:"conditions,omitempty"`
	FundingWindow string          `json:"fundingWindow,omitempty"` // duration string, e.g. "15m"
	DisputeWindow string          `json:"disputeWindow,omitempty"` // duration string, e.g. "48h"
}

// PaymentInstructions tells the payer how to fund the escrow.
type PaymentInstructions struct {
	EscrowID      string      `json:"escrowId"`
	EscrowAmount  money.Cents `json:"escrowAmount"`
	Method        Method      `json:"method"`
	ReferenceCode string      `json:"referenceCode"`
	FundBy        time.Time   `json:"fundBy"`
}

// Confirmation is an external payment confirmation used to fund an escrow.
type Confirmation struct {
	Amount        money.Cents `json:"amount"`
	Method        Method      `json:"method"`
	ReferenceCode string      `json:"referenceCode"`
}

// Disposition is the exact split applied when a disputed transaction
// settles. The three credits must sum to the escrowed amount.
type Disposition struct {
	Outcome          Status // StatusReleased or StatusRefunded
	PayerCredit      money.Cents
	PayeeCredit      money.Cents
	PlatformRetained money.Cents
	Reason           string
	DisputeID        string
	Actor            string
}

// Service implements the escrow ledger.
type Service struct {
	store         Store
	fees          money.FeeStructure
	scorer        RiskScorer
	notifier      Notifier
	logger        *slog.Logger
	fundingWindow time.Duration
	disputeWindow time.Duration
}

// NewService creates a new escrow ledger service.
func NewService(store Store, fees money.FeeStructure, scorer RiskScorer) *Service {
	return &Service{
		store:         store,
		fees:          fees,
		scorer:        scorer,
		logger:        slog.Default(),
		fundingWindow: DefaultFundingWindow,
		disputeWindow: DefaultDisputeWindow,
	}
}

// WithWindows overrides the default funding and dispute windows applied to
// new transactions. Per-request windows still take precedence.
func (s *Service) WithWindows(funding, dispute time.Duration) *Service {
	if funding > 0 {
		s.fundingWindow = funding
	}
	if dispute > 0 {
		s.disputeWindow = dispute
	}
	return s
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithNotifier adds a transition event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Create opens a new escrow transaction for an agreement. The platform fee
// is computed exactly once here and frozen on the record.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, *PaymentInstructions, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		attribute.String("agreement.id", req.AgreementID),
	)
	defer span.End()

	if req.Amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}
	if req.PayerID == "" || req.PayeeID == "" || req.PayerID == req.PayeeID {
		return nil, nil, ErrSameParty
	}

	fee, err := money.ComputeFee(req.Amount, s.fees)
	if err != nil {
		return nil, nil, err
	}

	fundingWindow := s.fundingWindow
	if req.FundingWindow != "" {
		if d, err := time.ParseDuration(req.FundingWindow); err == nil && d > 0 {
			fundingWindow = d
		}
	}
	disputeWindow := s.disputeWindow
	if req.DisputeWindow != "" {
		if d, err := time.ParseDuration(req.DisputeWindow); err == nil && d > 0 {
			disputeWindow = d
		}
	}

	conditions := DefaultConditions()
	if len(req.Conditions) > 0 {
		conditions = make([]ReleaseCondition, 0, len(req.Conditions))
		for _, ct := range req.Conditions {
			conditions = append(conditions, ReleaseCondition{Type: ct, Status: ConditionPending})
		}
	}

	score := 0
	if s.scorer != nil {
		score = s.scorer.Score(req.PayerID, req.PayeeID, req.Amount, req.PaymentMethod)
	}

	now := time.Now()
	tx := &Transaction{
		ID:                idgen.WithPrefix("esc_"),
		AgreementID:       req.AgreementID,
		AgreementKind:     req.AgreementKind,
		PayerID:           req.PayerID,
		PayeeID:           req.PayeeID,
		Amount:            req.Amount,
		PlatformFee:       fee,
		EscrowAmount:      req.Amount + fee,
		Status:            StatusInitiated,
		PaymentMethod:     req.PaymentMethod,
		RiskScore:         score,
		ReleaseConditions: conditions,
		DisputeWindow:     disputeWindow,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(fundingWindow),
	}

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	s.recordTransition(ctx, tx, "", StatusInitiated, "created", "", req.PayerID)
	metrics.EscrowTransitionsTotal.WithLabelValues("created").Inc()

	instructions := &PaymentInstructions{
		EscrowID:      tx.ID,
		EscrowAmount:  tx.EscrowAmount,
		Method:        tx.PaymentMethod,
		ReferenceCode: uuid.NewString(),
		FundBy:        tx.ExpiresAt,
	}
	return tx, instructions, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// Timeline returns the append-only transition history for a transaction.
func (s *Service) Timeline(ctx context.Context, id string) ([]*TransitionRecord, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Timeline(ctx, id)
}

// ListByUser returns transactions involving a user as payer or payee,
// newest first, starting after the cursor when one is given.
func (s *Service) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, after, limit)
}

// Fund moves an initiated transaction to funded on an exact-amount payment
// confirmation. A mismatched amount fails with ErrFundingMismatch and the
// transaction stays initiated (retryable with a corrected confirmation). A
// confirmation arriving after the funding deadline cancels the transaction
// and fails with ErrInvalidStateTransition.
func (s *Service) Fund(ctx context.Context, id string, conf Confirmation) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.EscrowID(id))
	defer span.End()

	// A late confirmation must not revive an expired transaction.
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusInitiated && time.Now().After(cur.ExpiresAt) {
		if _, err := s.CancelExpired(ctx, id); err == nil {
			return nil, ErrInvalidStateTransition
		}
		return nil, ErrInvalidStateTransition
	}

	if conf.Amount != cur.EscrowAmount {
		return nil, fmt.Errorf("%w: got %s, need %s", ErrFundingMismatch, conf.Amount, cur.EscrowAmount)
	}

	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusInitiated}, func(t *Transaction) error {
		// Re-check under the store's exclusion: the confirmation must match
		// the stored amount, not the possibly stale read above.
		if conf.Amount != t.EscrowAmount {
			return ErrFundingMismatch
		}
		now := time.Now()
		t.Status = StatusFunded
		t.FundedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, tx, StatusInitiated, StatusFunded, "fund_confirmed", conf.ReferenceCode, "")
	metrics.EscrowTransitionsTotal.WithLabelValues("fund_confirmed").Inc()
	return tx, nil
}

// ConfirmCustody moves a funded transaction into platform custody.
func (s *Service) ConfirmCustody(ctx context.Context, id string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmCustody", traces.EscrowID(id))
	defer span.End()

	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusFunded}, func(t *Transaction) error {
		t.Status = StatusHeld
		t.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, tx, StatusFunded, StatusHeld, "custody_confirmed", "", "")
	metrics.EscrowTransitionsTotal.WithLabelValues("custody_confirmed").Inc()
	return tx, nil
}

// SatisfyCondition marks a release condition satisfied and, when the
// transaction is held and every condition is now satisfied, auto-releases.
func (s *Service) SatisfyCondition(ctx context.Context, id string, ct ConditionType, actor string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.SatisfyCondition",
		traces.EscrowID(id), attribute.String("condition", string(ct)))
	defer span.End()

	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusFunded, StatusHeld}, func(t *Transaction) error {
		c := t.Condition(ct)
		if c == nil {
			return ErrUnknownCondition
		}
		now := time.Now()
		c.Status = ConditionSatisfied
		c.SatisfiedAt = &now
		c.SatisfiedBy = actor
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if tx.Status == StatusHeld && EvalRelease(tx).CanRelease {
		released, err := s.Release(ctx, id, ReleaseAuto, "all release conditions satisfied", "system")
		if err == nil {
			return released, nil
		}
		// Another transition won the race; the condition update itself stands.
		s.logger.Warn("auto-release after condition update did not apply",
			"escrowId", id, "error", err)
	}
	return tx, nil
}

// FailCondition marks a release condition failed. The transaction stays in
// custody; a failed condition simply blocks auto-release until a party
// disputes or an administrator acts.
func (s *Service) FailCondition(ctx context.Context, id string, ct ConditionType, actor string) (*Transaction, error) {
	return s.store.UpdateFrom(ctx, id, []Status{StatusFunded, StatusHeld}, func(t *Transaction) error {
		c := t.Condition(ct)
		if c == nil {
			return ErrUnknownCondition
		}
		c.Status = ConditionFailed
		c.SatisfiedBy = actor
		t.UpdatedAt = time.Now()
		return nil
	})
}

// Release pays out a held transaction to the payee: the payee receives the
// principal and the platform retains the fee. Manual releases require a
// reason; automatic releases are triggered by the condition evaluator.
func (s *Service) Release(ctx context.Context, id string, rt ReleaseType, reason, actor string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release", traces.EscrowID(id))
	defer span.End()

	if rt == ReleaseManual && reason == "" {
		return nil, ErrReasonRequired
	}

	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusHeld}, func(t *Transaction) error {
		now := time.Now()
		t.Status = StatusReleased
		t.PayeeCredit = t.Amount
		t.PlatformRetained = t.PlatformFee
		t.PayerCredit = 0
		t.ReleaseType = rt
		t.CloseReason = reason
		t.ReleasedAt = &now
		t.UpdatedAt = now
		windowEnd := now.Add(t.DisputeWindow)
		t.DisputeWindowUntil = &windowEnd
		return nil
	})
	if err != nil {
		return nil, err
	}

	event := "auto_release"
	if rt == ReleaseManual {
		event = "manual_release"
	}
	s.recordTransition(ctx, tx, StatusHeld, StatusReleased, event, reason, actor)
	metrics.EscrowTransitionsTotal.WithLabelValues(event).Inc()
	metrics.EscrowSettledAmount.WithLabelValues("released").Add(float64(tx.EscrowAmount) / 100)
	return tx, nil
}

// Refund returns held funds to the payer. With amount == 0 the refund is
// full: the payer receives the entire escrowed amount and the platform fee
// is not collected. With a partial amount the payer receives that amount,
// the platform retains its fee, and the remainder goes to the payee.
func (s *Service) Refund(ctx context.Context, id string, amount money.Cents, reason, actor string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	if reason == "" {
		return nil, ErrReasonRequired
	}
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusHeld}, func(t *Transaction) error {
		now := time.Now()
		if amount == 0 || amount == t.EscrowAmount {
			t.PayerCredit = t.EscrowAmount
			t.PayeeCredit = 0
			t.PlatformRetained = 0
		} else {
			if amount > t.EscrowAmount-t.PlatformFee {
				return ErrInvalidAmount
			}
			t.PayerCredit = amount
			t.PlatformRetained = t.PlatformFee
			t.PayeeCredit = t.EscrowAmount - amount - t.PlatformFee
		}
		t.Status = StatusRefunded
		t.CloseReason = reason
		t.RefundedAt = &now
		t.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, tx, StatusHeld, StatusRefunded, "refund_issued", reason, actor)
	metrics.EscrowTransitionsTotal.WithLabelValues("refund_issued").Inc()
	metrics.EscrowSettledAmount.WithLabelValues("refunded").Add(float64(tx.EscrowAmount) / 100)
	return tx, nil
}

// MarkDisputed moves a transaction to disputed on behalf of the dispute
// manager. Allowed from held at any time and from released while the dispute
// window is open; a window that has closed fails with
// ErrDisputeWindowExpired.
func (s *Service) MarkDisputed(ctx context.Context, id, disputeID string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.MarkDisputed", traces.EscrowID(id))
	defer span.End()

	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusReleased && !cur.InDisputeWindow(time.Now()) {
		return nil, ErrDisputeWindowExpired
	}

	from := cur.Status
	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusHeld, StatusReleased}, func(t *Transaction) error {
		if t.Status == StatusReleased && !t.InDisputeWindow(time.Now()) {
			return ErrDisputeWindowExpired
		}
		t.Status = StatusDisputed
		t.OpenDisputeID = disputeID
		t.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, tx, from, StatusDisputed, "dispute_filed", "", "")
	metrics.EscrowTransitionsTotal.WithLabelValues("dispute_filed").Inc()
	return tx, nil
}

// Reinstate returns a disputed transaction to its pre-dispute custody state
// when the dispute is closed without a decision (withdrawn or invalid).
func (s *Service) Reinstate(ctx context.Context, id, reason string) (*Transaction, error) {
	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusDisputed}, func(t *Transaction) error {
		if t.ReleasedAt != nil {
			t.Status = StatusReleased
		} else {
			t.Status = StatusHeld
		}
		t.OpenDisputeID = ""
		t.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, tx, StatusDisputed, tx.Status, "dispute_closed", reason, "")
	metrics.EscrowTransitionsTotal.WithLabelValues("dispute_closed").Inc()
	return tx, nil
}

// Settle applies a dispute resolution's disposition to a disputed
// transaction. This is the only path by which a dispute moves money. The
// split must conserve the escrowed amount exactly.
func (s *Service) Settle(ctx context.Context, id string, d Disposition) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Settle", traces.EscrowID(id))
	defer span.End()

	if d.Outcome != StatusReleased && d.Outcome != StatusRefunded {
		return nil, ErrInvalidStateTransition
	}

	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusDisputed}, func(t *Transaction) error {
		if d.PayerCredit < 0 || d.PayeeCredit < 0 || d.PlatformRetained < 0 {
			return ErrUnbalancedSettlement
		}
		if d.PayerCredit+d.PayeeCredit+d.PlatformRetained != t.EscrowAmount {
			return ErrUnbalancedSettlement
		}
		now := time.Now()
		t.Status = d.Outcome
		t.PayerCredit = d.PayerCredit
		t.PayeeCredit = d.PayeeCredit
		t.PlatformRetained = d.PlatformRetained
		t.ReleaseType = ReleaseDispute
		t.CloseReason = d.Reason
		t.OpenDisputeID = ""
		t.UpdatedAt = now
		if d.Outcome == StatusReleased {
			t.ReleasedAt = &now
			// A dispute-settled release is final; no second window.
			t.DisputeWindowUntil = nil
		} else {
			t.RefundedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, tx, StatusDisputed, d.Outcome, "dispute_resolved", d.Reason, d.Actor)
	metrics.EscrowTransitionsTotal.WithLabelValues("dispute_resolved").Inc()
	metrics.EscrowSettledAmount.WithLabelValues(string(d.Outcome)).Add(float64(tx.EscrowAmount) / 100)
	return tx, nil
}

// CancelExpired cancels a transaction that passed its funding deadline
// without a confirmed payment. A transaction that was funded in time is
// never expired this way; custody confirmation completes it instead.
func (s *Service) CancelExpired(ctx context.Context, id string) (*Transaction, error) {
	reason := "funding deadline expired"
	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusInitiated}, func(t *Transaction) error {
		t.Status = StatusCancelled
		t.CloseReason = reason
		t.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, tx, StatusInitiated, StatusCancelled, "cancelled", reason, "system")
	metrics.EscrowTransitionsTotal.WithLabelValues("cancelled").Inc()
	return tx, nil
}

// Cancel cancels a transaction that has not yet reached custody.
func (s *Service) Cancel(ctx context.Context, id, reason, actor string) (*Transaction, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return s.cancel(ctx, id, reason, actor)
}

func (s *Service) cancel(ctx context.Context, id, reason, actor string) (*Transaction, error) {
	cur, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := cur.Status

	tx, err := s.store.UpdateFrom(ctx, id, []Status{StatusInitiated, StatusFunded}, func(t *Transaction) error {
		t.Status = StatusCancelled
		t.CloseReason = reason
		// Funds never reached custody; whatever was confirmed goes back.
		if t.FundedAt != nil {
			t.PayerCredit = t.EscrowAmount
		}
		t.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordTransition(ctx, tx, from, StatusCancelled, "cancelled", reason, actor)
	metrics.EscrowTransitionsTotal.WithLabelValues("cancelled").Inc()
	return tx, nil
}

// recordTransition appends to the audit log and fans the event out.
// Both are best-effort: the transition itself has already committed.
func (s *Service) recordTransition(ctx context.Context, tx *Transaction, from, to Status, event, reason, actor string) {
	rec := &TransitionRecord{
		EscrowID: tx.ID,
		From:     from,
		To:       to,
		Event:    event,
		Reason:   reason,
		Actor:    actor,
		At:       time.Now(),
	}
	if err := s.store.AppendTransition(ctx, rec); err != nil {
		s.logger.Warn("failed to append transition record",
			"escrowId", tx.ID, "event", event, "error", err)
	}
	if s.notifier != nil {
		s.notifier.EscrowTransition(tx, event)
	}
}
