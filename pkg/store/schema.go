package store

import (
	"context"
	"fmt"
)

// ddl is portable between PostgreSQL and SQLite: TEXT keys, BIGINT
// counters, JSON bodies as TEXT. The unique indexes back the CAS and
// idempotency guarantees.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS nooterra_events (
		tenant_id       TEXT   NOT NULL,
		stream_id       TEXT   NOT NULL,
		seq             BIGINT NOT NULL,
		id              TEXT   NOT NULL,
		type            TEXT   NOT NULL,
		at              TEXT   NOT NULL,
		actor           TEXT   NOT NULL,
		payload         TEXT   NOT NULL,
		payload_hash    TEXT   NOT NULL,
		prev_chain_hash TEXT,
		chain_hash      TEXT   NOT NULL,
		signer_key_id   TEXT,
		signature       TEXT,
		PRIMARY KEY (tenant_id, stream_id, seq)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS nooterra_events_by_id
		ON nooterra_events (tenant_id, id)`,
	`CREATE TABLE IF NOT EXISTS nooterra_projections (
		tenant_id  TEXT   NOT NULL,
		kind       TEXT   NOT NULL,
		id         TEXT   NOT NULL,
		body       TEXT   NOT NULL,
		revision   BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, kind, id)
	)`,
	`CREATE TABLE IF NOT EXISTS nooterra_artifacts (
		tenant_id     TEXT NOT NULL,
		artifact_id   TEXT NOT NULL,
		artifact_hash TEXT NOT NULL,
		schema        TEXT NOT NULL,
		body          TEXT NOT NULL,
		created_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, artifact_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS nooterra_artifacts_by_hash
		ON nooterra_artifacts (tenant_id, artifact_hash)`,
	`CREATE TABLE IF NOT EXISTS nooterra_wallet_postings (
		tenant_id    TEXT   NOT NULL,
		entry_id     TEXT   NOT NULL,
		leg          BIGINT NOT NULL,
		account      TEXT   NOT NULL,
		amount_cents BIGINT NOT NULL,
		currency     TEXT   NOT NULL,
		at           TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, entry_id, leg)
	)`,
	`CREATE TABLE IF NOT EXISTS nooterra_idempotency (
		tenant_id       TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		fingerprint     TEXT NOT NULL,
		status          BIGINT NOT NULL,
		response_body   TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		committed_at    TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, idempotency_key)
	)`,
}

// Migrate provisions the schema. Statements are idempotent; rerunning on an
// existing database is a no-op.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
