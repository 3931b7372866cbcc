package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
)

var (
	// ErrConnLost marks errors after which the store can no longer be used.
	ErrConnLost = errors.New("storage: connection lost")

	// ErrNoRows is returned by Tx.QueryRow when the query matched nothing.
	ErrNoRows = errors.New("storage: no rows")
)

// ConnLost wraps err with ErrConnLost. It returns nil for a nil err.
func ConnLost(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnLost) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnLost, err)
}

// IsConnLost reports whether err means the store is unusable.
func IsConnLost(err error) bool {
	return errors.Is(err, ErrConnLost)
}

// IsBadConn classifies database/sql errors that leave the handle unusable.
// It is shared by the database/sql based backends.
func IsBadConn(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, sql.ErrTxDone),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	default:
		return false
	}
}
