// Package postgres implements deckhand.AuditSink and deckhand.TokenStore
// using PostgreSQL.
//
// Both accept an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Pointing audit and
// tokens at the same pool is fine; they touch disjoint tables.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	deckhand "github.com/deckhand-ai/deckhand"
)

// AuditSink writes audit entries to an append-only audit_log table.
type AuditSink struct {
	pool *pgxpool.Pool
}

var _ deckhand.AuditSink = (*AuditSink)(nil)

// NewAuditSink creates a sink using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewAuditSink(pool *pgxpool.Pool) *AuditSink {
	return &AuditSink{pool: pool}
}

// Init creates the audit table and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *AuditSink) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			org_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			args JSONB,
			outcome TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms BIGINT NOT NULL DEFAULT 0,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_org_time_idx ON audit_log(org_id, time DESC)`,
		`CREATE INDEX IF NOT EXISTS audit_log_run_idx ON audit_log(run_id) WHERE run_id <> ''`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return dbErr("init audit_log", err)
		}
	}
	return nil
}

func (s *AuditSink) Write(ctx context.Context, entry deckhand.AuditEntry) error {
	args, err := marshalJSONB(entry.Args)
	if err != nil {
		return err
	}
	metadata, err := marshalJSONB(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log
			(id, kind, time, user_id, org_id, request_id, run_id,
			 tool_name, tool_call_id, args, outcome, error, duration_ms, metadata)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		entry.ID, string(entry.Kind), entry.Time,
		entry.UserID, entry.OrgID, entry.RequestID, entry.RunID,
		entry.ToolName, entry.ToolCallID, args,
		entry.Outcome, entry.Error, entry.DurationMS, metadata)
	if err != nil {
		return dbErr("insert audit entry", err)
	}
	return nil
}

// TokenStore persists approval tokens in PostgreSQL. Take consumes via
// DELETE ... RETURNING, so concurrent callers for the same id see
// exactly one success.
type TokenStore struct {
	pool *pgxpool.Pool
}

var _ deckhand.TokenStore = (*TokenStore)(nil)

// NewTokenStore creates a token store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func NewTokenStore(pool *pgxpool.Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Init creates the token table. Safe to call multiple times.
func (s *TokenStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approval_tokens (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			token JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS approval_tokens_org_idx ON approval_tokens(org_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return dbErr("init approval_tokens", err)
		}
	}
	return nil
}

func (s *TokenStore) Put(ctx context.Context, token deckhand.ApprovalToken) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return deckhand.Errorf(deckhand.KindInternal, "marshal approval token: %v", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO approval_tokens (id, org_id, token, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			token = EXCLUDED.token,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		token.ID, token.OrgID, raw, token.CreatedAt, token.ExpiresAt)
	if err != nil {
		return dbErr("put approval token", err)
	}
	return nil
}

func (s *TokenStore) Take(ctx context.Context, id, orgID string) (deckhand.ApprovalToken, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`DELETE FROM approval_tokens
		 WHERE id = $1 AND org_id = $2 AND expires_at > now()
		 RETURNING token`,
		id, orgID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return deckhand.ApprovalToken{}, deckhand.E(deckhand.KindNotFound, "approval not found or expired")
	}
	if err != nil {
		return deckhand.ApprovalToken{}, dbErr("take approval token", err)
	}
	var token deckhand.ApprovalToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return deckhand.ApprovalToken{}, deckhand.Errorf(deckhand.KindInternal, "unmarshal approval token: %v", err)
	}
	return token, nil
}

func (s *TokenStore) List(ctx context.Context, orgID string) ([]deckhand.ApprovalToken, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token FROM approval_tokens
		 WHERE org_id = $1 AND expires_at > now()
		 ORDER BY created_at`,
		orgID)
	if err != nil {
		return nil, dbErr("list approval tokens", err)
	}
	defer rows.Close()

	var out []deckhand.ApprovalToken
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, dbErr("scan approval token", err)
		}
		var token deckhand.ApprovalToken
		if err := json.Unmarshal(raw, &token); err != nil {
			return nil, deckhand.Errorf(deckhand.KindInternal, "unmarshal approval token: %v", err)
		}
		out = append(out, token)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr("list approval tokens", err)
	}
	return out, nil
}

func (s *TokenStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM approval_tokens WHERE id = $1`, id); err != nil {
		return dbErr("delete approval token", err)
	}
	return nil
}

// Sweep removes expired tokens. Intended for a periodic housekeeping
// goroutine; Take and List already ignore expired rows.
func (s *TokenStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM approval_tokens WHERE expires_at <= $1`, time.Now())
	if err != nil {
		return 0, dbErr("sweep approval tokens", err)
	}
	return tag.RowsAffected(), nil
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, deckhand.Errorf(deckhand.KindInternal, "marshal jsonb: %v", err)
	}
	return raw, nil
}

func dbErr(op string, err error) *deckhand.Error {
	return deckhand.Errorf(deckhand.KindDatabase, "%s", op).Wrap(err)
}
