package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// IsDuplicateKeyErr reports a unique constraint violation that escaped an
// ON CONFLICT clause, typically two requests racing on a snowflake-keyed insert.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsUnavailableErr reports connection-level failures. The HTTP layer answers
// these with 503 and Retry-After instead of a generic 500.
func IsUnavailableErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "database is locked", "too many clients", "bad connection", "sql: database is closed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
