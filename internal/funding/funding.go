// Package funding receives payment confirmations from external processors
// and moves the matching escrow into custody.
//
// Two intake paths: a generic HMAC-signed webhook for the platform's own
// payment rails, and a Stripe webhook for card payments. Both verify the
// payload before touching the ledger, and both drive the same
// Fund -> ConfirmCustody sequence, so the state machine sees one funding
// path regardless of processor.
package funding

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/swifthaul/payhold/internal/escrow"
	"github.com/swifthaul/payhold/internal/money"
)

var (
	ErrBadSignature   = errors.New("webhook signature verification failed")
	ErrMissingEscrow  = errors.New("confirmation does not reference an escrow")
	ErrUnknownPayload = errors.New("unrecognized webhook payload")
)

// Confirmation is a processor's statement that money arrived.
type Confirmation struct {
	EscrowID      string        `json:"escrowId"`
	Amount        money.Cents   `json:"amount"`
	Method        escrow.Method `json:"method"`
	ReferenceCode string        `json:"referenceCode"`
}

// Ledger is the slice of escrow operations funding drives.
type Ledger interface {
	Fund(ctx context.Context, id string, conf escrow.Confirmation) (*escrow.Transaction, error)
	ConfirmCustody(ctx context.Context, id string) (*escrow.Transaction, error)
}

// Service applies verified confirmations to the ledger.
type Service struct {
	ledger Ledger
	logger *slog.Logger
}

// NewService creates a funding service.
func NewService(ledger Ledger) *Service {
	return &Service{ledger: ledger, logger: slog.Default()}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Apply funds the escrow and immediately confirms custody. A failure in
// either step leaves the ledger in a state the processor can safely retry
// against: Fund is guarded by the exact-amount check, and ConfirmCustody
// only moves funded to held.
func (s *Service) Apply(ctx context.Context, conf Confirmation) (*escrow.Transaction, error) {
	if conf.EscrowID == "" {
		return nil, ErrMissingEscrow
	}

	tx, err := s.ledger.Fund(ctx, conf.EscrowID, escrow.Confirmation{
		Amount:        conf.Amount,
		Method:        conf.Method,
		ReferenceCode: conf.ReferenceCode,
	})
	if err != nil {
		return nil, fmt.Errorf("funding escrow %s: %w", conf.EscrowID, err)
	}

	held, err := s.ledger.ConfirmCustody(ctx, conf.EscrowID)
	if err != nil {
		// Funded but not yet held; the timer or a retry will complete it.
		s.logger.Warn("escrow funded but custody confirmation failed",
			"escrowId", conf.EscrowID, "error", err)
		return tx, nil
	}
	return held, nil
}

// VerifySignature checks an HMAC-SHA256 hex signature over the raw payload.
func VerifySignature(payload []byte, signature, secret string) error {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
