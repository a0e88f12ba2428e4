package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists disputes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the dispute tables. The partial unique index enforces at
// most one open dispute per escrow at the database level.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS disputes (
			id               VARCHAR(40) PRIMARY KEY,
			escrow_id        VARCHAR(40) NOT NULL,
			raised_by        VARCHAR(8) NOT NULL,
			raised_by_user   VARCHAR(64) NOT NULL,
			reason           VARCHAR(64) NOT NULL,
			description      TEXT,
			priority         VARCHAR(8) NOT NULL,
			status           VARCHAR(16) NOT NULL,
			resolution       JSONB,
			close_reason     TEXT,
			annotations      JSONB NOT NULL DEFAULT '[]',
			created_at       TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_disputes_escrow ON disputes(escrow_id);
		CREATE INDEX IF NOT EXISTS idx_disputes_status ON disputes(status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_one_open
			ON disputes(escrow_id) WHERE status IN ('open', 'investigating');
	`)
	return err
}

const disputeColumns = `id, escrow_id, raised_by, raised_by_user, reason,
		description, priority, status, resolution, close_reason, annotations,
		created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	resolutionJSON, annotationsJSON, err := marshalDisputeJSON(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		d.ID, d.EscrowID, string(d.RaisedBy), d.RaisedByUserID, d.Reason,
		nullString(d.Description), string(d.Priority), string(d.Status),
		resolutionJSON, nullString(d.CloseReason), annotationsJSON,
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	return scanDispute(row)
}

func (p *PostgresStore) GetOpenByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status IN ('open', 'investigating')
		LIMIT 1`, escrowID)
	return scanDispute(row)
}

func (p *PostgresStore) UpdateFrom(ctx context.Context, id string, from []Status, mutate func(*Dispute) error) (*Dispute, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbTx.Rollback() }()

	row := dbTx.QueryRowContext(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
	d, err := scanDispute(row)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, st := range from {
		if d.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrInvalidStatus
	}

	if err := mutate(d); err != nil {
		return nil, err
	}

	resolutionJSON, annotationsJSON, err := marshalDisputeJSON(d)
	if err != nil {
		return nil, err
	}
	if _, err := dbTx.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, resolution = $2, close_reason = $3,
			annotations = $4, updated_at = $5
		WHERE id = $6`,
		string(d.Status), resolutionJSON, nullString(d.CloseReason),
		annotationsJSON, d.UpdatedAt, d.ID,
	); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dispute update: %w", err)
	}
	return d, nil
}

func (p *PostgresStore) Annotate(ctx context.Context, id string, a Annotation) error {
	noteJSON, err := json.Marshal(a)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET annotations = annotations || $1::jsonb WHERE id = $2`,
		noteJSON, id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func marshalDisputeJSON(d *Dispute) (resolution, annotations []byte, err error) {
	resolution = nil
	if d.Resolution != nil {
		resolution, err = json.Marshal(d.Resolution)
		if err != nil {
			return nil, nil, err
		}
	}
	annotations, err = json.Marshal(d.Annotations)
	if err != nil {
		return nil, nil, err
	}
	if d.Annotations == nil {
		annotations = []byte("[]")
	}
	return resolution, annotations, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		raisedBy, priority, status string
		description, closeReason   sql.NullString
		resolutionJSON             []byte
		annotationsJSON            []byte
	)

	err := s.Scan(
		&d.ID, &d.EscrowID, &raisedBy, &d.RaisedByUserID, &d.Reason,
		&description, &priority, &status, &resolutionJSON, &closeReason,
		&annotationsJSON, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.RaisedBy = Party(raisedBy)
	d.Priority = Priority(priority)
	d.Status = Status(status)
	d.Description = description.String
	d.CloseReason = closeReason.String
	if len(resolutionJSON) > 0 {
		var res Resolution
		if err := json.Unmarshal(resolutionJSON, &res); err != nil {
			return nil, err
		}
		d.Resolution = &res
	}
	if len(annotationsJSON) > 0 {
		if err := json.Unmarshal(annotationsJSON, &d.Annotations); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
