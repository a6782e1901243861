// Package ledger records extraction runs in SQLite and allows at most one
// active run at a time.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/aluiziolira/go-scrape-colleges/models"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// ErrRunActive is returned by Begin while another run is still running.
var ErrRunActive = errors.New("ledger: another run is active")

// ErrUnknownRun is returned by Finish for an ID that was never begun.
var ErrUnknownRun = errors.New("ledger: unknown run")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	base        TEXT NOT NULL,
	filters     TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER,
	pages       INTEGER NOT NULL DEFAULT 0,
	new_records INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS runs_status ON runs(status);
`

// Run is one row of the ledger.
type Run struct {
	ID         string
	Base       string
	Filters    string
	Status     Status
	StartedAt  time.Time
	FinishedAt time.Time
	Pages      int
	NewRecords int
	Error      string
}

// Ledger is the run table.
type Ledger struct {
	db         *sql.DB
	staleAfter time.Duration
	now        func() time.Time
}

// Open creates or opens the ledger at path. A running row older than
// staleAfter is treated as abandoned by a crashed process.
func Open(path string, staleAfter time.Duration) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configure ledger (%s): %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db, staleAfter: staleAfter, now: time.Now}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Begin registers a new running run. It fails with ErrRunActive when a
// non-stale run is still marked running.
func (l *Ledger) Begin(ctx context.Context, base string, filters models.ScrapeFilters) (*Run, error) {
	now := l.now()
	run := &Run{
		ID:        ulid.Make().String(),
		Base:      base,
		Filters:   describe(filters),
		Status:    StatusRunning,
		StartedAt: now,
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	if l.staleAfter > 0 {
		res, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE status = ? AND started_at < ?`,
			StatusAbandoned, now.UnixNano(), "stale: no heartbeat", StatusRunning, now.Add(-l.staleAfter).UnixNano())
		if err != nil {
			return nil, fmt.Errorf("expire stale runs: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			slog.Warn("marked stale runs abandoned", slog.Int64("runs", n))
		}
	}

	var active string
	err = tx.QueryRowContext(ctx, `SELECT id FROM runs WHERE status = ? LIMIT 1`, StatusRunning).Scan(&active)
	switch {
	case err == nil:
		return nil, fmt.Errorf("%w: %s", ErrRunActive, active)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("check active runs: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, base, filters, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Base, run.Filters, run.Status, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run: %w", err)
	}
	return run, nil
}

// Finish closes run id with the outcome of an extraction. result may be nil
// when the run failed before producing one.
func (l *Ledger) Finish(ctx context.Context, id string, result *models.ScraperResult, runErr error) error {
	status := StatusSucceeded
	message := ""
	if runErr != nil {
		status = StatusFailed
		message = runErr.Error()
	}
	pages, records := 0, 0
	if result != nil {
		pages, records = result.PageCount, result.NewRecords
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, pages = ?, new_records = ?, error = ? WHERE id = ?`,
		status, l.now().UnixNano(), pages, records, message, id)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return nil
}

// List returns the most recent runs, newest first.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, base, filters, status, started_at, finished_at, pages, new_records, error
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			status   string
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Base, &r.Filters, &status, &started, &finished, &r.Pages, &r.NewRecords, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = Status(status)
		r.StartedAt = time.Unix(0, started)
		if finished.Valid {
			r.FinishedAt = time.Unix(0, finished.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func describe(f models.ScrapeFilters) string {
	value := func(s string) string {
		if s == "" {
			return "null"
		}
		return s
	}
	return fmt.Sprintf("%s/%s/%s/%s", value(f.CourseCategory), value(f.Specialization), value(f.City), value(f.University))
}
