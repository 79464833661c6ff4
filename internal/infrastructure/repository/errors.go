package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound     = errors.New("entity not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	ErrInvalidInput = errors.New("invalid input")
)

// IsDuplicateKeyViolation checks if the error is a unique constraint violation
func IsDuplicateKeyViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// PostgreSQL unique violation error code
		return pgErr.Code == "23505"
	}

	// Fallback to string matching for wrapped errors
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "violates unique constraint")
}
