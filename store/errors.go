package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

type (
	AccountNotFound struct {
		Lookup string
	}

	SessionNotFound struct{}

	// Conflict is returned when a write violates a unique column.
	Conflict struct {
		Column string
		cause  error
	}

	// RotationConflict means the account secret key changed between the
	// read and the conditional update.
	RotationConflict struct {
		AccountID string
	}
)

func (a AccountNotFound) Error() string {
	return fmt.Sprintf("account not found by %v", a.Lookup)
}

func (SessionNotFound) Error() string {
	return "session not found"
}

func (c Conflict) Error() string {
	return fmt.Sprintf("value for %v already exists", c.Column)
}

func (c Conflict) Unwrap() error {
	return c.cause
}

func (r RotationConflict) Error() string {
	return fmt.Sprintf("secret key of account %v was rotated concurrently", r.AccountID)
}

var conflictColumns = []string{"username", "sk_id", "rk_id", "token_hash", "account_id"}

// asConflict translates unique constraint violations from either driver into
// a Conflict, any other error is returned unchanged.
func asConflict(err error) error {
	if err == nil {
		return nil
	}
	var detail string
	var sqliteErr sqlite3.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &sqliteErr) && (sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey):
		detail = sqliteErr.Error()
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		detail = pgErr.ConstraintName + " " + pgErr.Detail
	default:
		return err
	}
	for _, col := range conflictColumns {
		if strings.Contains(detail, col) {
			return Conflict{Column: col, cause: err}
		}
	}
	return Conflict{Column: "unknown", cause: err}
}
