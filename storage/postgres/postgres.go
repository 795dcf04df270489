// Package postgres implements storage.Store backed by PostgreSQL.
//
// Reset-token consumption is a single conditional UPDATE whose WHERE
// clause re-checks used_at and expires_at, so concurrent consumers are
// serialised by the row lock and only one sees an affected row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/turnstile/storage"
)

const uniqueViolation = "23505"

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// NewStore returns a Store backed by the given pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromDSN creates a connection pool from a DSN string, applies
// migrations, and returns a new Store.
func NewStoreFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewStore(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// querier abstracts both *pgxpool.Pool and pgx.Tx for shared queries.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) FindUser(ctx context.Context, idOrEmail string) (*storage.User, error) {
	return findUser(ctx, s.pool, idOrEmail)
}

func (s *Store) PutUser(ctx context.Context, u *storage.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, name, password_hash, admin, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id)
		 DO UPDATE SET email = $2, name = $3, password_hash = $4, admin = $5, updated_at = $7`,
		u.ID, u.Email, u.Name, u.PasswordHash, u.Admin, u.CreatedAt, u.UpdatedAt)
	return mapWriteError(err, "user "+u.Email)
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID, hash string) error {
	return updateUserPassword(ctx, s.pool, userID, hash)
}

func (s *Store) FindResetToken(ctx context.Context, tokenHash string) (*storage.ResetToken, error) {
	return findResetToken(ctx, s.pool, tokenHash)
}

func (s *Store) MarkResetTokenUsed(ctx context.Context, tokenHash string, usedAt time.Time) (int64, error) {
	return markResetTokenUsed(ctx, s.pool, tokenHash, usedAt)
}

func (s *Store) InsertResetToken(ctx context.Context, t *storage.ResetToken) error {
	return insertResetToken(ctx, s.pool, t)
}

func (s *Store) Batch(ctx context.Context, fn func(tx storage.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// ---------------------------------------------------------------------------
// Tx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	ctx context.Context
	tx  pgx.Tx
}

var _ storage.Tx = (*pgBatchTx)(nil)

func (b *pgBatchTx) FindUser(idOrEmail string) (*storage.User, error) {
	return findUser(b.ctx, b.tx, idOrEmail)
}

func (b *pgBatchTx) UpdateUserPassword(userID, hash string) error {
	return updateUserPassword(b.ctx, b.tx, userID, hash)
}

func (b *pgBatchTx) FindResetToken(tokenHash string) (*storage.ResetToken, error) {
	return findResetToken(b.ctx, b.tx, tokenHash)
}

func (b *pgBatchTx) MarkResetTokenUsed(tokenHash string, usedAt time.Time) (int64, error) {
	return markResetTokenUsed(b.ctx, b.tx, tokenHash, usedAt)
}

func (b *pgBatchTx) InsertResetToken(t *storage.ResetToken) error {
	return insertResetToken(b.ctx, b.tx, t)
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func findUser(ctx context.Context, q querier, idOrEmail string) (*storage.User, error) {
	var u storage.User
	err := q.QueryRow(ctx,
		`SELECT id, email, name, password_hash, admin, created_at, updated_at
		 FROM users WHERE id = $1 OR email = $1
		 ORDER BY (id = $1) DESC LIMIT 1`,
		idOrEmail).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Admin, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", idOrEmail, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func updateUserPassword(ctx context.Context, q querier, userID, hash string) error {
	tag, err := q.Exec(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`,
		userID, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", userID, storage.ErrNotFound)
	}
	return nil
}

func findResetToken(ctx context.Context, q querier, tokenHash string) (*storage.ResetToken, error) {
	var t storage.ResetToken
	err := q.QueryRow(ctx,
		`SELECT id, user_id, token_hash, expires_at, created_at, used_at
		 FROM reset_tokens WHERE token_hash = $1`,
		tokenHash).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.CreatedAt, &t.UsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reset token: %w", storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func markResetTokenUsed(ctx context.Context, q querier, tokenHash string, usedAt time.Time) (int64, error) {
	tag, err := q.Exec(ctx,
		`UPDATE reset_tokens SET used_at = $2
		 WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2`,
		tokenHash, usedAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func insertResetToken(ctx context.Context, q querier, t *storage.ResetToken) error {
	_, err := q.Exec(ctx,
		`INSERT INTO reset_tokens (id, user_id, token_hash, expires_at, created_at, used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.CreatedAt, t.UsedAt)
	return mapWriteError(err, "reset token")
}

func mapWriteError(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", what, storage.ErrConflict)
	}
	return err
}
