package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// duplicateMessages cover drivers that surface constraint violations only
// as text: mysql (1062), sqlite (2067) and pq errors wrapped by fmt.
var duplicateMessages = []string{
	"duplicate key value violates unique constraint",
	"Error 1062",
	"UNIQUE constraint failed",
}

// IsDuplicateKeyErr reports a unique-constraint violation. Callers use it to
// turn a replayed idempotency key or transaction id into the existing row.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	if pqErr := (*pq.Error)(nil); errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}
	msg := err.Error()
	for _, fragment := range duplicateMessages {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
