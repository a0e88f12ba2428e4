// Package risk scores escrow creations for review purposes.
//
// Every new escrow is evaluated against 4 weighted factors: payment-method
// risk, amount deviation, creation velocity, and counterparty novelty.
// Scores range from 0 (safe) to 100 (high risk). The score is strictly
// informational: it rides along on the transaction for dashboards and
// review queues, and never gates a state transition.
package risk

import (
	"context"
	"time"
)

// Band labels a score range for dashboards.
type Band string

const (
	BandLow      Band = "low"
	BandElevated Band = "elevated"
	BandHigh     Band = "high"
)

// Default band boundaries on the 0-100 scale.
const (
	DefaultHighThreshold     = 75
	DefaultElevatedThreshold = 40
)

// Assessment is the result of evaluating a single escrow creation.
type Assessment struct {
	ID          string             `json:"id"`
	PayerID     string             `json:"payerId"`
	Score       int                `json:"score"`
	Factors     map[string]float64 `json:"factors"`
	Band        Band               `json:"band"`
	EvaluatedAt time.Time          `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, a *Assessment) error
	ListByPayer(ctx context.Context, payerID string, limit int) ([]*Assessment, error)
}
