package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type (
	// Session is keyed by the hash of its token, the token itself is never
	// stored.
	Session struct {
		TokenHash string
		AccountID string
		IssuedAt  time.Time
		ExpiresAt time.Time
	}

	execer interface {
		ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	}
)

func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	return s.insertSession(ctx, s.db, sess)
}

func (s *Store) insertSession(ctx context.Context, db execer, sess Session) error {
	_, err := db.ExecContext(ctx, s.rebind(`insert into sessions(token_hash, account_id, issued_at, expires_at)
		values ($1, $2, $3, $4)`),
		sess.TokenHash, sess.AccountID, toMillis(sess.IssuedAt), toMillis(sess.ExpiresAt))
	if err != nil {
		return fmt.Errorf("unable to create session, cause %w", asConflict(err))
	}
	return nil
}

// SessionByTokenHash returns the session and the account that owns it.
// Expired sessions are returned as well, callers decide what to do with them.
func (s *Store) SessionByTokenHash(ctx context.Context, hash string) (Session, Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`select s.token_hash, s.account_id, s.issued_at, s.expires_at,
		a.account_id, a.username, a.sk_id, a.sk_hash, a.rk_id, a.rk_hash, a.created_at, a.recovered_at
		from sessions s
		inner join accounts a on a.account_id = s.account_id
		where s.token_hash = $1`), hash)
	var sess Session
	var a Account
	var issued, expires, created int64
	var recovered sql.NullInt64
	err := row.Scan(&sess.TokenHash, &sess.AccountID, &issued, &expires,
		&a.ID, &a.Username, &a.SecretKeyID, &a.SecretKeyHash, &a.RecoveryKeyID, &a.RecoveryKeyHash, &created, &recovered)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, Account{}, SessionNotFound{}
	} else if err != nil {
		return Session{}, Account{}, fmt.Errorf("unable to load session, cause %w", err)
	}
	sess.IssuedAt = fromMillis(issued)
	sess.ExpiresAt = fromMillis(expires)
	a.CreatedAt = fromMillis(created)
	if recovered.Valid {
		a.RecoveredAt = fromMillis(recovered.Int64)
	}
	return sess, a, nil
}

// DeleteSession removes a single session, reporting whether it existed.
func (s *Store) DeleteSession(ctx context.Context, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`delete from sessions where token_hash = $1`), hash)
	if err != nil {
		return false, fmt.Errorf("unable to delete session, cause %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("unable to check deleted session, cause %w", err)
	}
	return n > 0, nil
}

// DeleteExpiredSessions removes every session whose expiry is not after now.
func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`delete from sessions where expires_at <= $1`), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("unable to prune expired sessions, cause %w", err)
	}
	return res.RowsAffected()
}
