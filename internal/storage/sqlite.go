package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"envfleet/internal/report"
	logx "envfleet/pkg/logx"
)

// schema is applied statement by statement on open; every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		mode        TEXT NOT NULL DEFAULT '',
		lim         INTEGER NOT NULL DEFAULT 0,
		source      TEXT NOT NULL DEFAULT '',
		routines    TEXT NOT NULL DEFAULT '[]',
		admitted    INTEGER NOT NULL DEFAULT 0,
		completed   INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		total       INTEGER NOT NULL DEFAULT 0,
		stopped     INTEGER NOT NULL DEFAULT 0,
		warnings    TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS outcomes (
		run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		seq         INTEGER NOT NULL,
		task_id     TEXT NOT NULL,
		label       TEXT NOT NULL DEFAULT '',
		env_id      TEXT NOT NULL,
		env_name    TEXT NOT NULL DEFAULT '',
		routine     TEXT NOT NULL,
		ok          INTEGER NOT NULL,
		err         TEXT,
		started_at  TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_env_id ON outcomes(env_id)`,
}

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	st := &sqliteStore{db: db, log: log, retain: cfg.Retain}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveRun(ctx context.Context, sum report.Summary) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	routines, _ := json.Marshal(nonNil(sum.Routines))
	warnings, _ := json.Marshal(nonNil(sum.Warnings))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs(id, started_at, finished_at, mode, lim, source, routines, admitted, completed, failed, total, stopped, warnings)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET finished_at=excluded.finished_at, completed=excluded.completed,
		   failed=excluded.failed, total=excluded.total, stopped=excluded.stopped, warnings=excluded.warnings`,
		sum.RunID, ts(sum.StartedAt), ts(sum.FinishedAt), sum.Mode, sum.Limit, sum.Trigger, string(routines),
		sum.Admitted, sum.Completed, sum.Failed, sum.Total, boolInt(sum.Stopped), string(warnings),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id = ?`, sum.RunID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO outcomes(run_id, seq, task_id, label, env_id, env_name, routine, ok, err, started_at, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, o := range sum.Outcomes {
		if _, err := stmt.ExecContext(ctx, sum.RunID, i, o.TaskID, o.Label, o.EnvID, o.EnvName, o.Routine,
			boolInt(o.OK), nullStr(o.Error), ts(o.StartedAt), o.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert outcome: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.retain > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC LIMIT ?)`, s.retain); err != nil {
			s.log.Warn("prune runs failed", logx.Err(err))
		}
	}
	return nil
}

const runColumns = `id, started_at, finished_at, mode, lim, source, routines, admitted, completed, failed, total, stopped, warnings`

func (s *sqliteStore) ListRuns(ctx context.Context, limit int) ([]report.Summary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []report.Summary
	for rows.Next() {
		sum, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (report.Summary, error) {
	if s == nil || s.db == nil {
		return report.Summary{}, ErrDisabled
	}
	sum, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return report.Summary{}, ErrNotFound
	}
	if err != nil {
		return report.Summary{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, label, env_id, env_name, routine, ok, err, started_at, duration_ms
		 FROM outcomes WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return report.Summary{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			o       report.Outcome
			ok      int
			errText sql.NullString
			started string
			ms      int64
		)
		if err := rows.Scan(&o.TaskID, &o.Label, &o.EnvID, &o.EnvName, &o.Routine, &ok, &errText, &started, &ms); err != nil {
			return report.Summary{}, err
		}
		o.OK = ok != 0
		o.Error = errText.String
		o.StartedAt = parseTS(started)
		o.Duration = time.Duration(ms) * time.Millisecond
		sum.Outcomes = append(sum.Outcomes, o)
	}
	return sum, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (report.Summary, error) {
	var (
		sum                report.Summary
		started, finished  string
		routines, warnings string
		stopped            int
	)
	err := r.Scan(&sum.RunID, &started, &finished, &sum.Mode, &sum.Limit, &sum.Trigger, &routines,
		&sum.Admitted, &sum.Completed, &sum.Failed, &sum.Total, &stopped, &warnings)
	if err != nil {
		return report.Summary{}, err
	}
	sum.StartedAt = parseTS(started)
	sum.FinishedAt = parseTS(finished)
	sum.Stopped = stopped != 0
	_ = json.Unmarshal([]byte(routines), &sum.Routines)
	_ = json.Unmarshal([]byte(warnings), &sum.Warnings)
	if len(sum.Warnings) == 0 {
		sum.Warnings = nil
	}
	return sum, nil
}

// tsLayout is fixed width so text ordering matches time ordering.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(tsLayout, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
