// Package history keeps a queryable SQLite record of runs and per-stage
// outcomes alongside the plain-text ledger.
package history

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

	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"

	"github.com/3leaps/roundtrip/pkg/pipeline"
)

const (
	driverName    = "roundtrip_sqlite"
	schemaVersion = 1
)

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// DefaultFileName is the database name placed in the state directory.
const DefaultFileName = "history.db"

type Config struct {
	// Path is a filesystem path or ":memory:".
	Path string
}

// Store records runs and outcomes. It implements pipeline.Recorder.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open opens (and creates if needed) the history database.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history path is required")
	}

	dsn := path
	if path != ":memory:" {
		// #nosec G301 -- state directories use 0755
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
		dsn = "file:" + filepath.Clean(path)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history: %w", err)
	}
	if path != ":memory:" {
		if err := configurePragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	s := &Store{db: db, log: log}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func configurePragmas(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS history_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO history_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			application TEXT NOT NULL,
			base_dir TEXT NOT NULL,
			stages INTEGER NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			summary_json TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			file_type TEXT NOT NULL,
			name TEXT NOT NULL,
			stage TEXT NOT NULL,
			result TEXT NOT NULL,
			tries INTEGER NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			error_message TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_file ON outcomes(file_type, name);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Run is one row of the runs table.
type Run struct {
	RunID       string
	Application string
	BaseDir     string
	Stages      int
	Status      string
	StartedAt   time.Time
	EndedAt     time.Time
	Summary     *pipeline.Summary
}

// BeginRun inserts or replaces the row for a starting run.
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, application, base_dir, stages, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			application=excluded.application,
			base_dir=excluded.base_dir,
			stages=excluded.stages,
			status=excluded.status,
			started_at=excluded.started_at
	`, r.RunID, r.Application, r.BaseDir, r.Stages, r.Status, r.StartedAt.UTC().Format(time.RFC3339Nano))
	return err
}

// FinishRun stores the final status and summary of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, summary *pipeline.Summary) error {
	var summaryJSON sql.NullString
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		summaryJSON = sql.NullString{String: string(b), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, summary_json = ? WHERE run_id = ?
	`, status, time.Now().UTC().Format(time.RFC3339Nano), summaryJSON, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// ErrRunNotFound is returned when a run id has no row.
var ErrRunNotFound = errors.New("run not found")

// Record inserts one outcome. Failures are logged, not returned.
func (s *Store) Record(ctx context.Context, o pipeline.Outcome) {
	var msg sql.NullString
	if o.Err != nil {
		msg = sql.NullString{String: o.Err.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (run_id, file_type, name, stage, result, tries, elapsed_ms, error_message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.RunID, o.Item.Type, o.Item.Name, string(o.Stage), string(o.Result), o.Tries, o.Elapsed.Milliseconds(), msg,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		s.log.Warn("Failed to record outcome",
			zap.String("run_id", o.RunID),
			zap.String("item", o.Item.String()),
			zap.Error(err))
	}
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT run_id, application, base_dir, stages, status, started_at, ended_at, summary_json
		FROM runs ORDER BY started_at DESC, run_id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			started           string
			ended, summaryRaw sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Application, &r.BaseDir, &r.Stages, &r.Status, &started, &ended, &summaryRaw); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if ended.Valid {
			r.EndedAt, _ = time.Parse(time.RFC3339Nano, ended.String)
		}
		if summaryRaw.Valid {
			var sum pipeline.Summary
			if err := json.Unmarshal([]byte(summaryRaw.String), &sum); err == nil {
				r.Summary = &sum
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// OutcomeRow is one stored outcome.
type OutcomeRow struct {
	RunID      string        `json:"run_id"`
	FileType   string        `json:"file_type"`
	Name       string        `json:"name"`
	Stage      string        `json:"stage"`
	Result     string        `json:"result"`
	Tries      int           `json:"tries"`
	Elapsed    time.Duration `json:"elapsed"`
	Error      string        `json:"error,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Query filters Outcomes. Empty fields match everything.
type Query struct {
	RunID    string
	FileType string
	Name     string
	Stage    string

	// FailedOnly drops pass and cached results.
	FailedOnly bool

	Limit int
}

// Outcomes returns matching outcomes in insertion order.
func (s *Store) Outcomes(ctx context.Context, q Query) ([]OutcomeRow, error) {
	var (
		where []string
		args  []any
	)
	if q.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, q.RunID)
	}
	if q.FileType != "" {
		where = append(where, "file_type = ?")
		args = append(args, q.FileType)
	}
	if q.Name != "" {
		where = append(where, "name = ?")
		args = append(args, q.Name)
	}
	if q.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, q.Stage)
	}
	if q.FailedOnly {
		where = append(where, "result NOT IN (?, ?)")
		args = append(args, string(pipeline.ResultPass), string(pipeline.ResultCached))
	}

	query := `SELECT run_id, file_type, name, stage, result, tries, elapsed_ms, error_message, recorded_at FROM outcomes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []OutcomeRow
	for rows.Next() {
		var (
			r         OutcomeRow
			elapsedMS int64
			msg       sql.NullString
			recorded  string
		)
		if err := rows.Scan(&r.RunID, &r.FileType, &r.Name, &r.Stage, &r.Result, &r.Tries, &elapsedMS, &msg, &recorded); err != nil {
			return nil, err
		}
		r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		r.Error = msg.String
		r.RecordedAt, _ = time.Parse(time.RFC3339Nano, recorded)
		out = append(out, r)
	}
	return out, rows.Err()
}
