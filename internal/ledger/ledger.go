// Package ledger records finalfit runs and their sub-steps.
//
// The default store is a SQLite file under the finalfit state directory. A
// postgres:// or postgresql:// DSN selects PostgreSQL instead, for groups that
// share one ledger between several login nodes. Timestamps are stored as
// fixed-width RFC3339 text with nanoseconds in UTC so both backends sort them
// the same way.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"finalfit/internal/config"
)

var (
	ErrNotFound  = errors.New("run not found")
	ErrAmbiguous = errors.New("run id prefix is ambiguous")
)

// Run statuses.
const (
	RunRunning     = "running"
	RunSucceeded   = "succeeded"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

type Run struct {
	ID             string
	Stages         string
	Skip           string
	FinalFitDir    string
	Args           string
	GitCommit      string
	GitBranch      string
	Status         string
	Error          string
	ConfigSnapshot string
	Archive        string
	CreatedAt      time.Time
	CompletedAt    time.Time

	Steps []Step
}

type Step struct {
	RunID      string
	Position   int
	Stage      string
	Name       string
	Status     string
	Command    string
	Dir        string
	LogPath    string
	ExitCode   *int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// Ledger is a handle on the run store.
type Ledger struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// DefaultPath is the SQLite file used when no DSN is configured.
func DefaultPath() (string, error) {
	dir, err := config.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "runs.db"), nil
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open opens (and migrates) the ledger named by dsn. An empty dsn opens the
// default SQLite file.
func Open(ctx context.Context, dsn string) (*Ledger, error) {
	var err error
	if dsn == "" {
		if dsn, err = DefaultPath(); err != nil {
			return nil, err
		}
	}

	l := &Ledger{now: time.Now}
	driver := "sqlite"
	if isPostgres(dsn) {
		driver = "pgx"
		l.dialect = dialectPostgres
	} else {
		if dsn, err = expandPath(dsn); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	l.db = db

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if l.dialect == dialectSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := l.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

func expandPath(p string) (string, error) {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return filepath.Abs(p)
}

func (l *Ledger) initSchema(ctx context.Context) error {
	const createRuns = `
CREATE TABLE IF NOT EXISTS runs (
  id              TEXT PRIMARY KEY,
  stages          TEXT,
  skip            TEXT,
  finalfit_dir    TEXT,
  args            TEXT,
  git_commit      TEXT,
  git_branch      TEXT,
  status          TEXT,
  error           TEXT,
  config_snapshot TEXT,
  created_at      TEXT,
  completed_at    TEXT
);`
	const createSteps = `
CREATE TABLE IF NOT EXISTS steps (
  run_id      TEXT NOT NULL,
  position    INTEGER NOT NULL,
  stage       TEXT,
  name        TEXT,
  status      TEXT,
  command     TEXT,
  dir         TEXT,
  log_path    TEXT,
  exit_code   INTEGER,
  error       TEXT,
  started_at  TEXT,
  finished_at TEXT,
  PRIMARY KEY (run_id, position)
);`
	for _, stmt := range []string{createRuns, createSteps} {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	migrations := []string{
		`ALTER TABLE runs ADD COLUMN archive TEXT`,
	}
	for _, stmt := range migrations {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
				continue
			}
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders for PostgreSQL.
func (l *Ledger) rebind(query string) string {
	if l.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (l *Ledger) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return l.db.ExecContext(ctx, l.rebind(query), args...)
}

// timeLayout keeps a fixed width so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// CreateRun inserts run, assigning its ID and creation time when unset.
func (l *Ledger) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = l.now()
	}
	if run.Status == "" {
		run.Status = RunRunning
	}
	_, err := l.exec(ctx, `INSERT INTO runs (id, stages, skip, finalfit_dir, args, git_commit, git_branch, status, error, config_snapshot, archive, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Stages, run.Skip, run.FinalFitDir, run.Args, run.GitCommit, run.GitBranch,
		run.Status, run.Error, run.ConfigSnapshot, run.Archive, formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// SaveStep inserts or replaces the step at (RunID, Position).
func (l *Ledger) SaveStep(ctx context.Context, s Step) error {
	var exitCode any
	if s.ExitCode != nil {
		exitCode = *s.ExitCode
	}
	_, err := l.exec(ctx, `INSERT INTO steps (run_id, position, stage, name, status, command, dir, log_path, exit_code, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, position) DO UPDATE SET
  status = excluded.status,
  command = excluded.command,
  dir = excluded.dir,
  log_path = excluded.log_path,
  exit_code = excluded.exit_code,
  error = excluded.error,
  started_at = COALESCE(excluded.started_at, steps.started_at),
  finished_at = excluded.finished_at`,
		s.RunID, s.Position, s.Stage, s.Name, s.Status, s.Command, s.Dir, s.LogPath,
		exitCode, s.Error, formatTime(s.StartedAt), formatTime(s.FinishedAt))
	if err != nil {
		return fmt.Errorf("save step %s/%s: %w", s.Stage, s.Name, err)
	}
	return nil
}

// FinishRun records the final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, id, status, errMsg string) error {
	res, err := l.exec(ctx, `UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, errMsg, formatTime(l.now()), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return expectOne(res, id)
}

// SetArchive records where a run's logs were uploaded.
func (l *Ledger) SetArchive(ctx context.Context, id, url string) error {
	res, err := l.exec(ctx, `UPDATE runs SET archive = ? WHERE id = ?`, url, id)
	if err != nil {
		return fmt.Errorf("set archive: %w", err)
	}
	return expectOne(res, id)
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const runColumns = `id, stages, skip, finalfit_dir, args, git_commit, git_branch, status, error, config_snapshot, archive, created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                                             Run
		stages, skip, dir, args, commit, branch, status sql.NullString
		errMsg, snapshot, archive, created, completed   sql.NullString
	)
	if err := row.Scan(&run.ID, &stages, &skip, &dir, &args, &commit, &branch, &status,
		&errMsg, &snapshot, &archive, &created, &completed); err != nil {
		return nil, err
	}
	run.Stages = stages.String
	run.Skip = skip.String
	run.FinalFitDir = dir.String
	run.Args = args.String
	run.GitCommit = commit.String
	run.GitBranch = branch.String
	run.Status = status.String
	run.Error = errMsg.String
	run.ConfigSnapshot = snapshot.String
	run.Archive = archive.String
	run.CreatedAt = parseTime(created)
	run.CompletedAt = parseTime(completed)
	return &run, nil
}

// ListRuns returns runs newest first. A limit <= 0 returns all of them.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, l.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// LoadRun returns the run whose ID starts with prefix, with its steps.
func (l *Ledger) LoadRun(ctx context.Context, prefix string) (*Run, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty id", ErrNotFound)
	}
	rows, err := l.db.QueryContext(ctx, l.rebind(`SELECT `+runColumns+` FROM runs WHERE id LIKE ? LIMIT 2`), escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	var matches []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
	default:
		return nil, fmt.Errorf("%w: %s", ErrAmbiguous, prefix)
	}
	run := matches[0]
	if run.Steps, err = l.steps(ctx, run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

// escapeLike drops LIKE wildcards; run IDs never contain them.
func escapeLike(s string) string {
	return strings.NewReplacer("%", "", "_", "").Replace(s)
}

func (l *Ledger) steps(ctx context.Context, runID string) ([]Step, error) {
	rows, err := l.db.QueryContext(ctx, l.rebind(`SELECT run_id, position, stage, name, status, command, dir, log_path, exit_code, error, started_at, finished_at
FROM steps WHERE run_id = ? ORDER BY position`), runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var (
			s                                          Step
			stage, name, status, command, dir, logPath sql.NullString
			errMsg, started, finished                  sql.NullString
			exitCode                                   sql.NullInt64
		)
		if err := rows.Scan(&s.RunID, &s.Position, &stage, &name, &status, &command, &dir, &logPath,
			&exitCode, &errMsg, &started, &finished); err != nil {
			return nil, err
		}
		s.Stage = stage.String
		s.Name = name.String
		s.Status = status.String
		s.Command = command.String
		s.Dir = dir.String
		s.LogPath = logPath.String
		s.Error = errMsg.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			s.ExitCode = &code
		}
		s.StartedAt = parseTime(started)
		s.FinishedAt = parseTime(finished)
		out = append(out, s)
	}
	return out, rows.Err()
}
