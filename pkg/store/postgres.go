package store

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type pgDialect struct{ dollarDialect }

func (pgDialect) isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (pgDialect) txOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

// NewPostgresStore wraps an open *sql.DB (lib/pq) as a Store. The caller
// owns the pool; schema provisioning is external.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, d: pgDialect{}}
}
