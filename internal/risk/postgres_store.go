package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed risk assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			id            VARCHAR(36) PRIMARY KEY,
			payer_id      VARCHAR(64) NOT NULL,
			score         INTEGER NOT NULL CHECK (score >= 0 AND score <= 100),
			band          VARCHAR(10) NOT NULL CHECK (band IN ('low', 'elevated', 'high')),
			factors       JSONB NOT NULL DEFAULT '{}',
			evaluated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_payer
			ON risk_assessments (payer_id, evaluated_at DESC);
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, payer_id, score, band, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.PayerID, a.Score, string(a.Band), factorsJSON, a.EvaluatedAt)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByPayer(ctx context.Context, payerID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payer_id, score, band, factors, evaluated_at
		FROM risk_assessments
		WHERE payer_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, payerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var band string
		var factorsJSON []byte
		if err := rows.Scan(&a.ID, &a.PayerID, &a.Score, &band, &factorsJSON, &a.EvaluatedAt); err != nil {
			continue
		}
		a.Band = Band(band)
		a.Factors = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		result = append(result, &a)
	}
	return result, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
