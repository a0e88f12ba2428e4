package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/swifthaul/payhold/internal/money"
	"github.com/swifthaul/payhold/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_transactions (
			id                   VARCHAR(40) PRIMARY KEY,
			agreement_id         VARCHAR(64) NOT NULL,
			agreement_kind       VARCHAR(16) NOT NULL,
			payer_id             VARCHAR(64) NOT NULL,
			payee_id             VARCHAR(64) NOT NULL,
			amount               BIGINT NOT NULL,
			platform_fee         BIGINT NOT NULL,
			escrow_amount        BIGINT NOT NULL,
			status               VARCHAR(16) NOT NULL,
			payment_method       VARCHAR(20) NOT NULL,
			risk_score           INT NOT NULL DEFAULT 0,
			release_conditions   JSONB NOT NULL DEFAULT '[]',
			payer_credit         BIGINT NOT NULL DEFAULT 0,
			payee_credit         BIGINT NOT NULL DEFAULT 0,
			platform_retained    BIGINT NOT NULL DEFAULT 0,
			release_type         VARCHAR(16),
			close_reason         TEXT,
			dispute_window_secs  BIGINT NOT NULL,
			dispute_window_until TIMESTAMPTZ,
			open_dispute_id      VARCHAR(40),
			created_at           TIMESTAMPTZ NOT NULL,
			updated_at           TIMESTAMPTZ NOT NULL,
			expires_at           TIMESTAMPTZ NOT NULL,
			funded_at            TIMESTAMPTZ,
			released_at          TIMESTAMPTZ,
			refunded_at          TIMESTAMPTZ,
			CONSTRAINT chk_escrow_amount CHECK (escrow_amount = amount + platform_fee)
		);

		CREATE INDEX IF NOT EXISTS idx_escrow_payer ON escrow_transactions(payer_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_payee ON escrow_transactions(payee_id);
		CREATE INDEX IF NOT EXISTS idx_escrow_status ON escrow_transactions(status);
		CREATE INDEX IF NOT EXISTS idx_escrow_agreement ON escrow_transactions(agreement_id);

		CREATE TABLE IF NOT EXISTS escrow_transitions (
			id        BIGSERIAL PRIMARY KEY,
			escrow_id VARCHAR(40) NOT NULL,
			from_status VARCHAR(16) NOT NULL DEFAULT '',
			to_status VARCHAR(16) NOT NULL,
			event     VARCHAR(32) NOT NULL,
			reason    TEXT,
			actor     VARCHAR(64),
			at        TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_escrow ON escrow_transitions(escrow_id);
	`)
	return err
}

const txColumns = `id, agreement_id, agreement_kind, payer_id, payee_id,
		amount, platform_fee, escrow_amount, status, payment_method, risk_score,
		release_conditions, payer_credit, payee_credit, platform_retained,
		release_type, close_reason, dispute_window_secs, dispute_window_until,
		open_dispute_id, created_at, updated_at, expires_at, funded_at,
		released_at, refunded_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	conditionsJSON, err := json.Marshal(t.ReleaseConditions)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		t.ID, t.AgreementID, string(t.AgreementKind), t.PayerID, t.PayeeID,
		int64(t.Amount), int64(t.PlatformFee), int64(t.EscrowAmount),
		string(t.Status), string(t.PaymentMethod), t.RiskScore,
		conditionsJSON, int64(t.PayerCredit), int64(t.PayeeCredit), int64(t.PlatformRetained),
		nullString(string(t.ReleaseType)), nullString(t.CloseReason),
		int64(t.DisputeWindow/time.Second), nullTime(t.DisputeWindowUntil),
		nullString(t.OpenDisputeID), t.CreatedAt, t.UpdatedAt, t.ExpiresAt,
		nullTime(t.FundedAt), nullTime(t.ReleasedAt), nullTime(t.RefundedAt),
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1`, id)
	return scanTransaction(row)
}

func (p *PostgresStore) GetByAgreement(ctx context.Context, agreementID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE agreement_id = $1
		 ORDER BY created_at DESC LIMIT 1`, agreementID)
	return scanTransaction(row)
}

// UpdateFrom runs the transition inside a database transaction with a row
// lock: SELECT ... FOR UPDATE serializes concurrent transitions on the same
// escrow, and the status is re-checked under the lock before writing.
func (p *PostgresStore) UpdateFrom(ctx context.Context, id string, from []Status, mutate func(*Transaction) error) (*Transaction, error) {
	dbTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dbTx.Rollback() }()

	row := dbTx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTransaction(row)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, st := range from {
		if t.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ErrInvalidStateTransition
	}

	if err := mutate(t); err != nil {
		return nil, err
	}

	conditionsJSON, err := json.Marshal(t.ReleaseConditions)
	if err != nil {
		return nil, err
	}
	res, err := dbTx.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $1, release_conditions = $2,
			payer_credit = $3, payee_credit = $4, platform_retained = $5,
			release_type = $6, close_reason = $7,
			dispute_window_until = $8, open_dispute_id = $9,
			updated_at = $10, funded_at = $11, released_at = $12, refunded_at = $13
		WHERE id = $14`,
		string(t.Status), conditionsJSON,
		int64(t.PayerCredit), int64(t.PayeeCredit), int64(t.PlatformRetained),
		nullString(string(t.ReleaseType)), nullString(t.CloseReason),
		nullTime(t.DisputeWindowUntil), nullString(t.OpenDisputeID),
		t.UpdatedAt, nullTime(t.FundedAt), nullTime(t.ReleasedAt), nullTime(t.RefundedAt),
		t.ID,
	)
	if err != nil {
		return nil, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNotFound
	}

	if err := dbTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return t, nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	query := `
		SELECT ` + txColumns + ` FROM escrow_transactions
		WHERE (payer_id = $1 OR payee_id = $1)`
	args := []interface{}{userID}
	if after != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, after.CreatedAt, after.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE status = $1
		ORDER BY created_at DESC LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txColumns+` FROM escrow_transactions
		WHERE status IN ('initiated', 'funded') AND expires_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) AppendTransition(ctx context.Context, rec *TransitionRecord) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_transitions (escrow_id, from_status, to_status, event, reason, actor, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		rec.EscrowID, string(rec.From), string(rec.To), rec.Event,
		nullString(rec.Reason), nullString(rec.Actor), rec.At,
	).Scan(&rec.ID)
}

func (p *PostgresStore) Timeline(ctx context.Context, escrowID string) ([]*TransitionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, from_status, to_status, event, reason, actor, at
		FROM escrow_transitions WHERE escrow_id = $1 ORDER BY id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*TransitionRecord
	for rows.Next() {
		rec := &TransitionRecord{}
		var from, to string
		var reason, actor sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EscrowID, &from, &to, &rec.Event, &reason, &actor, &rec.At); err != nil {
			return nil, err
		}
		rec.From = Status(from)
		rec.To = Status(to)
		rec.Reason = reason.String
		rec.Actor = actor.String
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		kind, status, method string
		conditionsJSON       []byte
		amount, fee, total   int64
		payerC, payeeC, plat int64
		releaseType          sql.NullString
		closeReason          sql.NullString
		windowSecs           int64
		windowUntil          sql.NullTime
		openDisputeID        sql.NullString
		fundedAt             sql.NullTime
		releasedAt           sql.NullTime
		refundedAt           sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.AgreementID, &kind, &t.PayerID, &t.PayeeID,
		&amount, &fee, &total, &status, &method, &t.RiskScore,
		&conditionsJSON, &payerC, &payeeC, &plat,
		&releaseType, &closeReason, &windowSecs, &windowUntil,
		&openDisputeID, &t.CreatedAt, &t.UpdatedAt, &t.ExpiresAt,
		&fundedAt, &releasedAt, &refundedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	t.AgreementKind = AgreementKind(kind)
	t.Status = Status(status)
	t.PaymentMethod = Method(method)
	t.Amount, t.PlatformFee, t.EscrowAmount = money.Cents(amount), money.Cents(fee), money.Cents(total)
	t.PayerCredit, t.PayeeCredit, t.PlatformRetained = money.Cents(payerC), money.Cents(payeeC), money.Cents(plat)
	t.ReleaseType = ReleaseType(releaseType.String)
	t.CloseReason = closeReason.String
	t.DisputeWindow = time.Duration(windowSecs) * time.Second
	t.OpenDisputeID = openDisputeID.String
	if windowUntil.Valid {
		t.DisputeWindowUntil = &windowUntil.Time
	}
	if fundedAt.Valid {
		t.FundedAt = &fundedAt.Time
	}
	if releasedAt.Valid {
		t.ReleasedAt = &releasedAt.Time
	}
	if refundedAt.Valid {
		t.RefundedAt = &refundedAt.Time
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &t.ReleaseConditions); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
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

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
