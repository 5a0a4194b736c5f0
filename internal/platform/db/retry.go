package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// DefaultMaxRetries bounds WithUniqueRetry.
const DefaultMaxRetries = 3

// IsUniqueViolation reports whether err is a unique_violation. When
// constraint is non-empty the violated constraint must match it.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// WithUniqueRetry runs op and re-runs it while it fails on the named unique
// constraint, at most maxRetries extra times. Any other error is returned
// immediately. op is expected to pick a fresh candidate value on each call.
func WithUniqueRetry(maxRetries int, constraint string, op func(attempt int) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = op(attempt)
		if err == nil || !IsUniqueViolation(err, constraint) {
			return err
		}
	}
	return err
}
