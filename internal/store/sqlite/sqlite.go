package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsh/jailhttpd/internal/store"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

var _ store.TransitionStore = (*Store)(nil)

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS transitions (
			request_id TEXT PRIMARY KEY,
			ts_unix_ns INTEGER NOT NULL,
			worker_pid INTEGER NOT NULL,
			host TEXT,
			path TEXT,
			outcome TEXT NOT NULL,
			uid INTEGER NOT NULL,
			gid INTEGER NOT NULL,
			groups TEXT NOT NULL,
			chroot TEXT,
			reason TEXT,
			states TEXT,
			trace_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_ts ON transitions(ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_outcome_ts ON transitions(outcome, ts_unix_ns);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_host_ts ON transitions(host, ts_unix_ns);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

func (s *Store) Append(ctx context.Context, rec store.Record) error {
	if rec.RequestID == "" {
		return fmt.Errorf("record missing request id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	groups, err := json.Marshal(nonNil(rec.Groups))
	if err != nil {
		return fmt.Errorf("marshal groups: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transitions(
			request_id, ts_unix_ns, worker_pid, host, path, outcome,
			uid, gid, groups, chroot, reason, states, trace_id
		) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?);`,
		rec.RequestID,
		rec.Timestamp.UTC().UnixNano(),
		rec.WorkerPID,
		nullable(rec.Host),
		nullable(rec.Path),
		rec.Outcome,
		rec.UID,
		rec.GID,
		string(groups),
		nullable(rec.Chroot),
		nullable(rec.Reason),
		nullable(strings.Join(rec.States, ",")),
		nullable(rec.TraceID),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]store.Record, error) {
	where := []string{"1=1"}
	var args []any

	if q.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, q.RequestID)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if q.Host != "" {
		where = append(where, "host = ?")
		args = append(args, q.Host)
	}
	if q.PathLike != "" {
		where = append(where, "path LIKE ?")
		args = append(args, q.PathLike)
	}
	if q.Since != nil {
		where = append(where, "ts_unix_ns >= ?")
		args = append(args, q.Since.UTC().UnixNano())
	}
	if q.Until != nil {
		where = append(where, "ts_unix_ns <= ?")
		args = append(args, q.Until.UTC().UnixNano())
	}

	order := "DESC"
	if q.Asc {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 5000 {
		limit = 200
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, ts_unix_ns, worker_pid, host, path, outcome, uid, gid, groups, chroot, reason, states, trace_id
		FROM transitions WHERE `+strings.Join(where, " AND ")+` ORDER BY ts_unix_ns `+order+` LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []store.Record
	for rows.Next() {
		var rec store.Record
		var ts int64
		var groups string
		var host, path, chroot, reason, states, traceID sql.NullString
		if err := rows.Scan(&rec.RequestID, &ts, &rec.WorkerPID, &host, &path, &rec.Outcome,
			&rec.UID, &rec.GID, &groups, &chroot, &reason, &states, &traceID); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Host = host.String
		rec.Path = path.String
		rec.Chroot = chroot.String
		rec.Reason = reason.String
		rec.TraceID = traceID.String
		if states.String != "" {
			rec.States = strings.Split(states.String, ",")
		}
		if err := json.Unmarshal([]byte(groups), &rec.Groups); err != nil {
			return nil, fmt.Errorf("unmarshal groups: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query transitions rows: %w", err)
	}
	return out, nil
}

// CountByOutcome returns the number of records per outcome.
func (s *Store) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM transitions GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count transitions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[outcome] = n
	}
	return out, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nonNil(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
