package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type (
	// Account is the persisted form of an account. Keys only appear
	// as their lookup identifier and salted hash.
	Account struct {
		ID              string
		Username        string
		SecretKeyID     string
		SecretKeyHash   string
		RecoveryKeyID   string
		RecoveryKeyHash string
		CreatedAt       time.Time
		RecoveredAt     time.Time
	}

	// Rotation replaces the secret key of AccountID, as long as its current
	// key id is still PreviousSecretKeyID. The recovery key is replaced
	// only when RecoveryKeyID is not empty.
	Rotation struct {
		AccountID           string
		PreviousSecretKeyID string
		SecretKeyID         string
		SecretKeyHash       string
		RecoveryKeyID       string
		RecoveryKeyHash     string
		At                  time.Time
	}
)

const accountColumns = `account_id, username, sk_id, sk_hash, rk_id, rk_hash, created_at, recovered_at`

// CreateAccount stores a new account and, when s is not nil, its first
// session in the same transaction.
func (s *Store) CreateAccount(ctx context.Context, a Account, first *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("unable to start transaction, cause %w", err)
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, s.rebind(`insert into accounts(`+accountColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, null)`),
		a.ID, a.Username, a.SecretKeyID, a.SecretKeyHash, a.RecoveryKeyID, a.RecoveryKeyHash, toMillis(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("unable to create account, cause %w", asConflict(err))
	}
	if first != nil {
		err = s.insertSession(ctx, tx, *first)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("unable to commit new account, cause %w", err)
	}
	return nil
}

func (s *Store) AccountBySecretKeyID(ctx context.Context, id string) (Account, error) {
	return s.accountBy(ctx, "sk_id", id)
}

func (s *Store) AccountByRecoveryKeyID(ctx context.Context, id string) (Account, error) {
	return s.accountBy(ctx, "rk_id", id)
}

func (s *Store) AccountByID(ctx context.Context, id string) (Account, error) {
	return s.accountBy(ctx, "account_id", id)
}

func (s *Store) accountBy(ctx context.Context, column, value string) (Account, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`select `+accountColumns+` from accounts where `+column+` = $1`), value)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, AccountNotFound{Lookup: column}
	} else if err != nil {
		return Account{}, fmt.Errorf("unable to load account by %v, cause %w", column, err)
	}
	return a, nil
}

// RotateSecretKey applies r and deletes every session of the account in a
// single transaction. It returns the token hashes of the deleted sessions.
func (s *Store) RotateSecretKey(ctx context.Context, r Rotation) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to start transaction, cause %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if r.RecoveryKeyID != "" {
		res, err = tx.ExecContext(ctx, s.rebind(`update accounts
			set sk_id = $1, sk_hash = $2, rk_id = $3, rk_hash = $4, recovered_at = $5
			where account_id = $6 and sk_id = $7`),
			r.SecretKeyID, r.SecretKeyHash, r.RecoveryKeyID, r.RecoveryKeyHash, toMillis(r.At), r.AccountID, r.PreviousSecretKeyID)
	} else {
		res, err = tx.ExecContext(ctx, s.rebind(`update accounts
			set sk_id = $1, sk_hash = $2, recovered_at = $3
			where account_id = $4 and sk_id = $5`),
			r.SecretKeyID, r.SecretKeyHash, toMillis(r.At), r.AccountID, r.PreviousSecretKeyID)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to rotate secret key, cause %w", asConflict(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("unable to check rotated rows, cause %w", err)
	} else if n != 1 {
		return nil, RotationConflict{AccountID: r.AccountID}
	}

	revoked, err := s.accountSessionHashes(ctx, tx, r.AccountID)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, s.rebind(`delete from sessions where account_id = $1`), r.AccountID)
	if err != nil {
		return nil, fmt.Errorf("unable to revoke sessions of rotated account, cause %w", err)
	}
	err = tx.Commit()
	if err != nil {
		return nil, fmt.Errorf("unable to commit rotation, cause %w", err)
	}
	return revoked, nil
}

func (s *Store) accountSessionHashes(ctx context.Context, tx *sql.Tx, accountID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, s.rebind(`select token_hash from sessions where account_id = $1`), accountID)
	if err != nil {
		return nil, fmt.Errorf("unable to list sessions of account, cause %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var hash string
		err = rows.Scan(&hash)
		if err != nil {
			return nil, fmt.Errorf("unable to scan session hash, cause %w", err)
		}
		out = append(out, hash)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row scanner) (Account, error) {
	var a Account
	var created int64
	var recovered sql.NullInt64
	err := row.Scan(&a.ID, &a.Username, &a.SecretKeyID, &a.SecretKeyHash, &a.RecoveryKeyID, &a.RecoveryKeyHash, &created, &recovered)
	if err != nil {
		return Account{}, err
	}
	a.CreatedAt = fromMillis(created)
	if recovered.Valid {
		a.RecoveredAt = fromMillis(recovered.Int64)
	}
	return a, nil
}
