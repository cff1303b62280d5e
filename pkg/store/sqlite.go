package store

import (
	"database/sql"
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

type sqliteDialect struct{ questionDialect }

func (sqliteDialect) isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE (2067) and
	// SQLITE_CONSTRAINT_PRIMARYKEY (1555) in the error text.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") || strings.Contains(msg, "UNIQUE")
}

func (sqliteDialect) txOptions() *sql.TxOptions {
	return nil
}

// NewSQLiteStore wraps an open *sql.DB (modernc.org/sqlite) as a Store for
// single-node embedded deployments.
func NewSQLiteStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: sqliteDialect{}}
}
