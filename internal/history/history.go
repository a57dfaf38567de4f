// Package history persists dispatch run records in a local SQLite database
// so past runs can be listed and inspected after the fact. Records are
// written once at the end of a dispatch; argv, vars, and messages arrive
// already redacted.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kubekattle/apb/internal/telemetry"
)

const historyDBName = "history.db"

// ErrNotFound is returned when a run id has no record.
var ErrNotFound = errors.New("run not found")

// RunRecord is one completed dispatch.
type RunRecord struct {
	RunID         string                  `json:"runId"`
	Playbook      string                  `json:"playbook"`
	TargetServers string                  `json:"targetServers"`
	Profile       string                  `json:"profile"`
	CheckMode     bool                    `json:"checkMode"`
	Success       bool                    `json:"success"`
	Failure       string                  `json:"failure,omitempty"`
	Message       string                  `json:"message,omitempty"`
	ExitCode      int                     `json:"exitCode"`
	TimedOut      bool                    `json:"timedOut,omitempty"`
	Argv          []string                `json:"argv,omitempty"`
	Vars          map[string]string       `json:"vars,omitempty"`
	Warnings      []string                `json:"warnings,omitempty"`
	Phases        []telemetry.PhaseSample `json:"phases,omitempty"`
	StartedAt     time.Time               `json:"startedAt"`
	Duration      time.Duration           `json:"duration"`
}

// NewRunID returns a sortable run identifier. Sub-second precision avoids
// collisions when dispatches start back to back.
func NewRunID() string {
	return time.Now().UTC().Format("2006-01-02T15-04-05.000000000Z")
}

// Store wraps the run database.
type Store struct {
	db       *sql.DB
	path     string
	readOnly bool
}

// Open opens (creating if needed) the history database under dir.
func Open(dir string) (*Store, error) {
	return open(dir, false)
}

// OpenReadOnly opens an existing history database without write access.
func OpenReadOnly(dir string) (*Store, error) {
	return open(dir, true)
}

func open(dir string, readOnly bool) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("history directory is required")
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(absDir, historyDBName)
	if readOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			return nil, err
		}
	}

	dsn := path
	if readOnly {
		u := url.URL{Scheme: "file", Path: path}
		q := u.Query()
		q.Set("mode", "ro")
		q.Set("_busy_timeout", "5000")
		u.RawQuery = q.Encode()
		dsn = u.String()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db, path: path, readOnly: readOnly}
	if !readOnly {
		if err := s.initSchema(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS apb_runs (
  run_id TEXT PRIMARY KEY,
  playbook TEXT NOT NULL,
  target_servers TEXT NOT NULL,
  profile TEXT NOT NULL,
  check_mode INTEGER NOT NULL,
  success INTEGER NOT NULL,
  failure TEXT NOT NULL,
  message TEXT NOT NULL,
  exit_code INTEGER NOT NULL,
  timed_out INTEGER NOT NULL,
  started_at_ns INTEGER NOT NULL,
  duration_ns INTEGER NOT NULL,
  argv_json TEXT NOT NULL,
  vars_json TEXT NOT NULL,
  warnings_json TEXT NOT NULL,
  phases_json TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_apb_runs_started_at ON apb_runs(started_at_ns);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// RecordRun inserts one completed dispatch.
func (s *Store) RecordRun(ctx context.Context, rec RunRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history store is not open")
	}
	if s.readOnly {
		return fmt.Errorf("history store is read-only")
	}
	if strings.TrimSpace(rec.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	argvJSON, err := marshalColumn(rec.Argv)
	if err != nil {
		return err
	}
	varsJSON, err := marshalColumn(rec.Vars)
	if err != nil {
		return err
	}
	warningsJSON, err := marshalColumn(rec.Warnings)
	if err != nil {
		return err
	}
	phasesJSON, err := marshalColumn(rec.Phases)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO apb_runs (
  run_id, playbook, target_servers, profile, check_mode, success, failure, message,
  exit_code, timed_out, started_at_ns, duration_ns, argv_json, vars_json, warnings_json, phases_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.RunID, rec.Playbook, rec.TargetServers, rec.Profile, boolToInt(rec.CheckMode), boolToInt(rec.Success),
		rec.Failure, rec.Message, rec.ExitCode, boolToInt(rec.TimedOut),
		rec.StartedAt.UTC().UnixNano(), int64(rec.Duration),
		argvJSON, varsJSON, warningsJSON, phasesJSON)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}
	return nil
}

// ListRuns returns the newest runs first, up to limit (0 means 20).
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history store is not open")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, playbook, target_servers, profile, check_mode, success, failure, message,
       exit_code, timed_out, started_at_ns, duration_ns, argv_json, vars_json, warnings_json, phases_json
FROM apb_runs ORDER BY started_at_ns DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetRun returns one run by id, or ErrNotFound.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, error) {
	if s == nil || s.db == nil {
		return RunRecord{}, fmt.Errorf("history store is not open")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, playbook, target_servers, profile, check_mode, success, failure, message,
       exit_code, timed_out, started_at_ns, duration_ns, argv_json, vars_json, warnings_json, phases_json
FROM apb_runs WHERE run_id = ?
`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("run %q: %w", runID, ErrNotFound)
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var checkMode, success, timedOut int
	var startedAtNs, durationNs int64
	var argvJSON, varsJSON, warningsJSON, phasesJSON string
	err := row.Scan(&rec.RunID, &rec.Playbook, &rec.TargetServers, &rec.Profile, &checkMode, &success,
		&rec.Failure, &rec.Message, &rec.ExitCode, &timedOut, &startedAtNs, &durationNs,
		&argvJSON, &varsJSON, &warningsJSON, &phasesJSON)
	if err != nil {
		return RunRecord{}, err
	}
	rec.CheckMode = checkMode != 0
	rec.Success = success != 0
	rec.TimedOut = timedOut != 0
	rec.StartedAt = time.Unix(0, startedAtNs).UTC()
	rec.Duration = time.Duration(durationNs)
	if err := unmarshalColumn(argvJSON, &rec.Argv); err != nil {
		return RunRecord{}, err
	}
	if err := unmarshalColumn(varsJSON, &rec.Vars); err != nil {
		return RunRecord{}, err
	}
	if err := unmarshalColumn(warningsJSON, &rec.Warnings); err != nil {
		return RunRecord{}, err
	}
	if err := unmarshalColumn(phasesJSON, &rec.Phases); err != nil {
		return RunRecord{}, err
	}
	return rec, nil
}

func marshalColumn(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode history column: %w", err)
	}
	return string(raw), nil
}

func unmarshalColumn(raw string, v interface{}) error {
	if strings.TrimSpace(raw) == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode history column: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
