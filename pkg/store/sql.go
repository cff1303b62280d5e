package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/protocol"
)

// dialect abstracts the placeholder style and conflict detection differences
// between PostgreSQL and SQLite.
type dialect interface {
	// rebind rewrites ?-style placeholders into the driver's style.
	rebind(query string) string
	// isUniqueViolation reports whether err is a unique-constraint failure.
	isUniqueViolation(err error) bool
	// txOptions returns the isolation to request; SQLite is serializable
	// by construction and rejects explicit levels.
	txOptions() *sql.TxOptions
}

type questionDialect struct{}

func (questionDialect) rebind(q string) string { return q }

type dollarDialect struct{}

func (dollarDialect) rebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SQLStore implements Store over database/sql. The schema is provisioned
// externally; this layer only issues DML and relies on the unique indexes on
// (tenant_id, idempotency key), (tenant_id, stream_id, prev_chain_hash) and
// (tenant_id, artifact_hash) as the concurrency backstop.
type SQLStore struct {
	db *sql.DB
	d  dialect
}

func (s *SQLStore) exec(ctx context.Context, tx *sql.Tx, q string, args ...any) error {
	_, err := tx.ExecContext(ctx, s.d.rebind(q), args...)
	return err
}

// CommitTx maps the op batch onto one SQL transaction.
func (s *SQLStore) CommitTx(ctx context.Context, txn Tx) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, s.d.txOptions())
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, op := range txn.Ops {
		switch op.Kind {
		case OpEventAppend:
			if err := s.appendEvent(ctx, tx, txn, op.Event); err != nil {
				return err
			}
		case OpProjectionUpsert:
			if err := s.upsertProjection(ctx, tx, txn, op.Projection); err != nil {
				return err
			}
		case OpArtifactPut:
			if err := s.putArtifact(ctx, tx, txn, op.Artifact); err != nil {
				return err
			}
		case OpWalletPost:
			if err := s.postWallet(ctx, tx, txn, op.Wallet); err != nil {
				return err
			}
		case OpIdempotencyStore:
			if err := s.storeIdempotency(ctx, tx, txn, op.Idempotency); err != nil {
				return err
			}
		default:
			return protocol.Errorf(protocol.CodeSchemaInvalid, "unknown op kind %q", op.Kind)
		}
	}
	if err := tx.Commit(); err != nil {
		if s.d.isUniqueViolation(err) {
			return protocol.NewError(protocol.CodeChainHashMismatch, "concurrent append detected at commit")
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLStore) appendEvent(ctx context.Context, tx *sql.Tx, txn Tx, e *events.Event) error {
	var head sql.NullString
	var seq int64
	err := tx.QueryRowContext(ctx, s.d.rebind(
		`SELECT chain_hash, seq FROM nooterra_events
		 WHERE tenant_id = ? AND stream_id = ?
		 ORDER BY seq DESC LIMIT 1`), txn.TenantID, e.StreamID).Scan(&head, &seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seq = 0
	case err != nil:
		return fmt.Errorf("read stream head: %w", err)
	}
	var headPtr *string
	if head.Valid {
		headPtr = &head.String
	}
	if !hashPtrEqual(headPtr, e.PrevChainHash) {
		return protocol.Errorf(protocol.CodeChainHashMismatch,
			"stream %s head is %s, event expects %s", e.StreamID, hashPtrString(headPtr), hashPtrString(e.PrevChainHash))
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	err = s.exec(ctx, tx,
		`INSERT INTO nooterra_events
		 (tenant_id, stream_id, seq, id, type, at, actor, payload, payload_hash, prev_chain_hash, chain_hash, signer_key_id, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.TenantID, e.StreamID, seq+1, e.ID, e.Type, e.At, e.Actor, payload,
		e.PayloadHash, nullable(e.PrevChainHash), e.ChainHash, nullString(e.SignerKeyID), nullString(e.Signature))
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return protocol.Errorf(protocol.CodeChainHashMismatch,
				"concurrent append on stream %s", e.StreamID)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *SQLStore) upsertProjection(ctx context.Context, tx *sql.Tx, txn Tx, p *ProjectionUpsert) error {
	body, err := json.Marshal(p.Body)
	if err != nil {
		return fmt.Errorf("marshal projection body: %w", err)
	}
	if p.ExpectedRevision == 0 {
		err := s.exec(ctx, tx,
			`INSERT INTO nooterra_projections (tenant_id, kind, id, body, revision, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)`,
			txn.TenantID, p.Kind, p.ID, body, txn.At.UTC(), txn.At.UTC())
		if err != nil {
			if s.d.isUniqueViolation(err) {
				return protocol.Errorf(protocol.CodeRevisionConflict, "%s/%s already exists", p.Kind, p.ID)
			}
			return fmt.Errorf("insert projection: %w", err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, s.d.rebind(
		`UPDATE nooterra_projections
		 SET body = ?, revision = revision + 1, updated_at = ?
		 WHERE tenant_id = ? AND kind = ? AND id = ? AND revision = ?`),
		body, txn.At.UTC(), txn.TenantID, p.Kind, p.ID, p.ExpectedRevision)
	if err != nil {
		return fmt.Errorf("update projection: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return protocol.Errorf(protocol.CodeRevisionConflict,
			"%s/%s is not at revision %d", p.Kind, p.ID, p.ExpectedRevision)
	}
	return nil
}

func (s *SQLStore) putArtifact(ctx context.Context, tx *sql.Tx, txn Tx, a *ArtifactRecord) error {
	var existingHash string
	err := tx.QueryRowContext(ctx, s.d.rebind(
		`SELECT artifact_hash FROM nooterra_artifacts WHERE tenant_id = ? AND artifact_id = ?`),
		txn.TenantID, a.ArtifactID).Scan(&existingHash)
	if err == nil {
		if existingHash != a.ArtifactHash {
			return protocol.Errorf(protocol.CodeArtifactHashConflict,
				"artifact %s already stored with hash %s", a.ArtifactID, existingHash)
		}
		return nil // dedupe
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read artifact: %w", err)
	}
	body, err := json.Marshal(a.Body)
	if err != nil {
		return fmt.Errorf("marshal artifact body: %w", err)
	}
	err = s.exec(ctx, tx,
		`INSERT INTO nooterra_artifacts (tenant_id, artifact_id, artifact_hash, schema, body, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		txn.TenantID, a.ArtifactID, a.ArtifactHash, a.Schema, body, txn.At.UTC())
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return protocol.Errorf(protocol.CodeArtifactHashConflict,
				"artifact hash %s already stored", a.ArtifactHash)
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *SQLStore) postWallet(ctx context.Context, tx *sql.Tx, txn Tx, entry *WalletEntry) error {
	if err := checkBalanced(entry); err != nil {
		return err
	}
	for i, p := range entry.Postings {
		err := s.exec(ctx, tx,
			`INSERT INTO nooterra_wallet_postings (tenant_id, entry_id, leg, account, amount_cents, currency, at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			txn.TenantID, entry.EntryID, i, p.Account, p.AmountCents, p.Currency, txn.At.UTC())
		if err != nil {
			return fmt.Errorf("insert posting: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) storeIdempotency(ctx context.Context, tx *sql.Tx, txn Tx, rec *IdempotencyRecord) error {
	err := s.exec(ctx, tx,
		`INSERT INTO nooterra_idempotency (tenant_id, idempotency_key, fingerprint, status, response_body, request_id, committed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txn.TenantID, rec.Key, rec.Fingerprint, rec.Status, rec.ResponseBody, rec.RequestID, txn.At.UTC())
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return protocol.Errorf(protocol.CodeIdempotencyKeyReused,
				"idempotency key %s already committed", rec.Key)
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

func (s *SQLStore) GetEvents(ctx context.Context, tenantID, streamID string, afterChainHash *string) ([]*events.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, type, at, actor, payload, payload_hash, prev_chain_hash, chain_hash, signer_key_id, signature
		 FROM nooterra_events WHERE tenant_id = ? AND stream_id = ? ORDER BY seq ASC`),
		tenantID, streamID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var chain []*events.Event
	for rows.Next() {
		e := &events.Event{V: 1, TenantID: tenantID, StreamID: streamID}
		var payload []byte
		var prev, signerKey, signature sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.At, &e.Actor, &payload, &e.PayloadHash, &prev, &e.ChainHash, &signerKey, &signature); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		if prev.Valid {
			e.PrevChainHash = &prev.String
		}
		e.SignerKeyID = signerKey.String
		e.Signature = signature.String
		chain = append(chain, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if afterChainHash == nil {
		return chain, nil
	}
	for i, e := range chain {
		if e.ChainHash == *afterChainHash {
			return chain[i+1:], nil
		}
	}
	return nil, protocol.Errorf(protocol.CodeNotFound, "chain hash %s not in stream %s", *afterChainHash, streamID)
}

func (s *SQLStore) HeadChainHash(ctx context.Context, tenantID, streamID string) (*string, error) {
	var head string
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT chain_hash FROM nooterra_events WHERE tenant_id = ? AND stream_id = ? ORDER BY seq DESC LIMIT 1`),
		tenantID, streamID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream head: %w", err)
	}
	return &head, nil
}

func (s *SQLStore) GetProjection(ctx context.Context, tenantID, kind, id string) (*Projection, error) {
	p := &Projection{TenantID: tenantID, Kind: kind, ID: id}
	var body []byte
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT body, revision, created_at, updated_at FROM nooterra_projections
		 WHERE tenant_id = ? AND kind = ? AND id = ?`),
		tenantID, kind, id).Scan(&body, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "%s %s not found", kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read projection: %w", err)
	}
	if err := json.Unmarshal(body, &p.Body); err != nil {
		return nil, fmt.Errorf("decode projection body: %w", err)
	}
	return p, nil
}

func (s *SQLStore) ListProjections(ctx context.Context, tenantID, kind string, opts ListOptions) ([]*Projection, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, body, revision, created_at, updated_at FROM nooterra_projections
		 WHERE tenant_id = ? AND kind = ?
		 ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`),
		tenantID, kind, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list projections: %w", err)
	}
	defer rows.Close()

	var out []*Projection
	for rows.Next() {
		p := &Projection{TenantID: tenantID, Kind: kind}
		var body []byte
		if err := rows.Scan(&p.ID, &body, &p.Revision, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		if err := json.Unmarshal(body, &p.Body); err != nil {
			return nil, fmt.Errorf("decode projection body: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) LookupIdempotent(ctx context.Context, tenantID, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{Key: key}
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT fingerprint, status, response_body, request_id, committed_at
		 FROM nooterra_idempotency WHERE tenant_id = ? AND idempotency_key = ?`),
		tenantID, key).Scan(&rec.Fingerprint, &rec.Status, &rec.ResponseBody, &rec.RequestID, &rec.CommittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) GetArtifact(ctx context.Context, tenantID, artifactID string) (*ArtifactRecord, error) {
	a := &ArtifactRecord{TenantID: tenantID, ArtifactID: artifactID}
	var body []byte
	err := s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT artifact_hash, schema, body, created_at FROM nooterra_artifacts
		 WHERE tenant_id = ? AND artifact_id = ?`),
		tenantID, artifactID).Scan(&a.ArtifactHash, &a.Schema, &body, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "artifact %s not found", artifactID)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	if err := json.Unmarshal(body, &a.Body); err != nil {
		return nil, fmt.Errorf("decode artifact body: %w", err)
	}
	return a, nil
}

func (s *SQLStore) GetArtifacts(ctx context.Context, tenantID string, artifactIDs []string) (map[string]*ArtifactRecord, error) {
	out := make(map[string]*ArtifactRecord, len(artifactIDs))
	for _, id := range artifactIDs {
		a, err := s.GetArtifact(ctx, tenantID, id)
		if protocol.IsCode(err, protocol.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = a
	}
	return out, nil
}

func (s *SQLStore) WalletEntries(ctx context.Context, tenantID string) ([]*WalletEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT entry_id, account, amount_cents, currency, at
		 FROM nooterra_wallet_postings WHERE tenant_id = ? ORDER BY at ASC, entry_id ASC, leg ASC`),
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("query postings: %w", err)
	}
	defer rows.Close()

	var out []*WalletEntry
	var current *WalletEntry
	for rows.Next() {
		var entryID string
		var p Posting
		var at time.Time
		if err := rows.Scan(&entryID, &p.Account, &p.AmountCents, &p.Currency, &at); err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		if current == nil || current.EntryID != entryID {
			current = &WalletEntry{EntryID: entryID, At: at}
			out = append(out, current)
		}
		current.Postings = append(current.Postings, p)
	}
	return out, rows.Err()
}

func nullable(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLStore)(nil)
