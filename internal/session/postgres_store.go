package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sessions table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id          VARCHAR(36) PRIMARY KEY,
			token_hash  VARCHAR(64) NOT NULL UNIQUE,
			user_id     VARCHAR(64) NOT NULL,
			role        VARCHAR(16) NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL,
			revoked     BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_hash ON sessions(token_hash);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, token_hash, user_id, role, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.ID, s.TokenHash, s.UserID, string(s.Role), s.CreatedAt, s.ExpiresAt, s.Revoked)
	return err
}

func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*Session, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, token_hash, user_id, role, created_at, expires_at, revoked
		FROM sessions WHERE token_hash = $1
	`, hash))
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	return p.scanOne(p.db.QueryRowContext(ctx, `
		SELECT id, token_hash, user_id, role, created_at, expires_at, revoked
		FROM sessions WHERE id = $1
	`, id))
}

func (p *PostgresStore) Update(ctx context.Context, s *Session) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET expires_at = $1, revoked = $2 WHERE id = $3
	`, s.ExpiresAt, s.Revoked, s.ID)
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

func (p *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	return int(rows), err
}

func (p *PostgresStore) scanOne(row *sql.Row) (*Session, error) {
	s := &Session{}
	var role string
	err := row.Scan(&s.ID, &s.TokenHash, &s.UserID, &role, &s.CreatedAt, &s.ExpiresAt, &s.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Role = Role(role)
	return s, nil
}

var _ Store = (*PostgresStore)(nil)
