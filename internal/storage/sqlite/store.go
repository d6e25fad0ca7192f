package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/ntuple-tools/internal/timeutil"
)

// ErrRunNotFound is returned when a run id is not in the store.
var ErrRunNotFound = errors.New("run not found")

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run is one invocation of the event loop over a sample.
type Run struct {
	RunID      string
	Sample     string
	ConfigJSON string
	FirstEntry int
	LastEntry  int
	Processed  int
	Failed     int
	Status     string
	StartedAt  int64
	FinishedAt int64
}

// EventSummary counts the products of one processed event.
type EventSummary struct {
	Entry   int
	Run     uint32
	Lumi    uint32
	Event   uint64
	NCells  int
	NCl2D   int
	NCl3D   int
	NMerged int
	NDBSCAN int
}

// Failure records an aborted event.
type Failure struct {
	Entry     int
	Run       uint32
	Lumi      uint32
	Event     uint64
	Stage     string
	Message   string
	CreatedAt int64
}

// Store wraps the results database.
type Store struct {
	db    *sql.DB
	clock timeutil.Clock
}

// Open opens (or creates) the database at path, applies PRAGMAs and runs
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// WAL and busy_timeout are per connection; keep a single writer.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db, clock: timeutil.RealClock{}}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// SetClock replaces the clock used for timestamps and busy retries.
func (s *Store) SetClock(c timeutil.Clock) { s.clock = c }

// StartRun inserts a running row and returns its id.
func (s *Store) StartRun(sample, configJSON string, firstEntry, lastEntry int) (string, error) {
	id := uuid.New().String()
	err := s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO analysis_runs (run_id, sample, config_json, first_entry, last_entry, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, sample, nullString(configJSON), firstEntry, lastEntry, StatusRunning, s.clock.Now().UnixNano())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// RecordEventSummary stores the product counts of a processed event.
func (s *Store) RecordEventSummary(runID string, e EventSummary) error {
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT OR REPLACE INTO event_summaries
				(run_id, entry, run, lumi, event, n_cells, n_cl2d, n_cl3d, n_merged, n_dbscan)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, e.Entry, e.Run, e.Lumi, int64(e.Event), e.NCells, e.NCl2D, e.NCl3D, e.NMerged, e.NDBSCAN)
		return err
	})
}

// RecordFailure stores an aborted event.
func (s *Store) RecordFailure(runID string, f Failure) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = s.clock.Now().UnixNano()
	}
	return s.retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO event_failures (run_id, entry, run, lumi, event, stage, message, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, f.Entry, f.Run, f.Lumi, int64(f.Event), f.Stage, f.Message, f.CreatedAt)
		return err
	})
}

// FinishRun stores the final counts and status.
func (s *Store) FinishRun(runID string, processed, failed int, status string) error {
	var res sql.Result
	err := s.retryOnBusy(func() error {
		var err error
		res, err = s.db.Exec(`
			UPDATE analysis_runs SET processed = ?, failed = ?, status = ?, finished_at = ?
			WHERE run_id = ?`,
			processed, failed, status, s.clock.Now().UnixNano(), runID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun returns a run by id.
func (s *Store) GetRun(runID string) (*Run, error) {
	var (
		r        Run
		cfg      sql.NullString
		finished sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT run_id, sample, config_json, first_entry, last_entry, processed, failed,
		       status, started_at, finished_at
		FROM analysis_runs WHERE run_id = ?`, runID).Scan(
		&r.RunID, &r.Sample, &cfg, &r.FirstEntry, &r.LastEntry, &r.Processed, &r.Failed,
		&r.Status, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	r.ConfigJSON = cfg.String
	r.FinishedAt = finished.Int64
	return &r, nil
}

// ListFailures returns the failures of a run in entry order.
func (s *Store) ListFailures(runID string) ([]Failure, error) {
	rows, err := s.db.Query(`
		SELECT entry, run, lumi, event, stage, message, created_at
		FROM event_failures WHERE run_id = ? ORDER BY entry, failure_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var (
			f  Failure
			ev int64
		)
		if err := rows.Scan(&f.Entry, &f.Run, &f.Lumi, &ev, &f.Stage, &f.Message, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.Event = uint64(ev)
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountSummaries returns the number of summary rows of a run.
func (s *Store) CountSummaries(runID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM event_summaries WHERE run_id = ?`, runID).Scan(&n)
	return n, err
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// retryOnBusy retries fn while SQLite reports the database as locked.
func (s *Store) retryOnBusy(fn func() error) error {
	const attempts = 5
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		s.clock.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
