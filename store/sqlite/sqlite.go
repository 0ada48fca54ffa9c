// Package sqlite implements deckhand.AuditSink using pure-Go SQLite.
// Zero CGO required. Suited to single-node deployments where the audit
// trail should survive restarts without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	deckhand "github.com/deckhand-ai/deckhand"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SinkOption configures a SQLite AuditSink.
type SinkOption func(*AuditSink)

// WithLogger sets a structured logger for the sink. When set, the sink
// emits debug logs for every write. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) SinkOption {
	return func(s *AuditSink) {
		if l != nil {
			s.logger = l
		}
	}
}

// AuditSink writes audit entries to a local SQLite file.
type AuditSink struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ deckhand.AuditSink = (*AuditSink)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates an AuditSink at dbPath. It opens a single shared
// connection pool with SetMaxOpenConns(1) so all goroutines serialize
// through one connection, eliminating SQLITE_BUSY errors caused by
// concurrent writers opening independent connections.
func New(dbPath string, opts ...SinkOption) *AuditSink {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &AuditSink{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: audit sink opened", "path", dbPath)
	return s
}

// Init creates the audit table. Safe to call multiple times.
func (s *AuditSink) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			time INTEGER NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			org_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			run_id TEXT NOT NULL DEFAULT '',
			tool_name TEXT NOT NULL DEFAULT '',
			tool_call_id TEXT NOT NULL DEFAULT '',
			args TEXT,
			outcome TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS audit_log_org_time_idx ON audit_log(org_id, time)`,
		`CREATE INDEX IF NOT EXISTS audit_log_run_idx ON audit_log(run_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return deckhand.Errorf(deckhand.KindDatabase, "init audit_log").Wrap(err)
		}
	}
	return nil
}

func (s *AuditSink) Write(ctx context.Context, entry deckhand.AuditEntry) error {
	args, err := marshalText(entry.Args)
	if err != nil {
		return err
	}
	metadata, err := marshalText(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_log
			(id, kind, time, user_id, org_id, request_id, run_id,
			 tool_name, tool_call_id, args, outcome, error, duration_ms, metadata)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		entry.ID, string(entry.Kind), entry.Time.UnixMilli(),
		entry.UserID, entry.OrgID, entry.RequestID, entry.RunID,
		entry.ToolName, entry.ToolCallID, args,
		entry.Outcome, entry.Error, entry.DurationMS, metadata)
	if err != nil {
		return deckhand.Errorf(deckhand.KindDatabase, "insert audit entry").Wrap(err)
	}
	s.logger.Debug("sqlite: audit entry written", "kind", entry.Kind, "entryId", entry.ID)
	return nil
}

// Recent returns the newest entries for an organization, newest first.
// The portal uses it to render the audit page.
func (s *AuditSink) Recent(ctx context.Context, orgID string, limit int) ([]deckhand.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, time, user_id, org_id, request_id, run_id,
				tool_name, tool_call_id, args, outcome, error, duration_ms, metadata
		 FROM audit_log WHERE org_id = ? ORDER BY time DESC LIMIT ?`,
		orgID, limit)
	if err != nil {
		return nil, deckhand.Errorf(deckhand.KindDatabase, "query audit entries").Wrap(err)
	}
	defer rows.Close()

	var out []deckhand.AuditEntry
	for rows.Next() {
		var (
			e              deckhand.AuditEntry
			kind           string
			ts             int64
			args, metadata sql.NullString
		)
		if err := rows.Scan(&e.ID, &kind, &ts, &e.UserID, &e.OrgID, &e.RequestID, &e.RunID,
			&e.ToolName, &e.ToolCallID, &args, &e.Outcome, &e.Error, &e.DurationMS, &metadata); err != nil {
			return nil, deckhand.Errorf(deckhand.KindDatabase, "scan audit entry").Wrap(err)
		}
		e.Kind = deckhand.AuditKind(kind)
		e.Time = time.UnixMilli(ts).UTC()
		if args.Valid && args.String != "" {
			_ = json.Unmarshal([]byte(args.String), &e.Args)
		}
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &e.Metadata)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, deckhand.Errorf(deckhand.KindDatabase, "query audit entries").Wrap(err)
	}
	return out, nil
}

// Close closes the underlying database handle.
func (s *AuditSink) Close() error { return s.db.Close() }

func marshalText(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, deckhand.Errorf(deckhand.KindInternal, "marshal audit field: %v", err)
	}
	return string(raw), nil
}
