package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	job        TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	state      TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS iterations (
	id           TEXT PRIMARY KEY,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	iteration    INTEGER NOT NULL,
	accuracy     REAL NOT NULL,
	locked_count INTEGER NOT NULL,
	total_count  INTEGER NOT NULL,
	decision     TEXT NOT NULL,
	cost_usd     REAL NOT NULL,
	elapsed_ms   INTEGER NOT NULL,
	detail       TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	job            TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_iterations_run_id ON iterations(run_id);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, job model.Job) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal job")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, job, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(jobJSON), string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        id,
		Job:       job,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) SaveRunState(ctx context.Context, runID string, state *model.RunState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal state")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, updated_at = ? WHERE id = ?`,
		string(stateJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save run state %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job, status, state, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, job, status, state, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) AppendIteration(ctx context.Context, runID string, rec model.IterationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	detailJSON, err := json.Marshal(detailOf(rec))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal iteration detail")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO iterations (id, run_id, iteration, accuracy, locked_count, total_count, decision, cost_usd, elapsed_ms, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, runID, rec.Iteration, rec.Accuracy, rec.LockedCount, rec.TotalCount,
		rec.Decision, rec.CostUSD, rec.Elapsed.Milliseconds(), string(detailJSON), rec.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: insert iteration for run %s", runID)
}

func (s *SQLiteStore) ListIterations(ctx context.Context, runID string) ([]model.IterationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, iteration, accuracy, locked_count, total_count, decision, cost_usd, elapsed_ms, detail, created_at
		 FROM iterations WHERE run_id = ? ORDER BY iteration ASC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list iterations for run %s", runID)
	}
	defer rows.Close()

	var records []model.IterationRecord
	for rows.Next() {
		rec, err := scanIteration(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list iterations iterate")
}

// Dead letter queue methods

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	jobJSON, err := json.Marshal(entry.Job)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq job")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error, error_type = excluded.error_type,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, string(jobJSON), entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, job, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= ? AND retry_count < max_retries`
	args := []any{time.Now().UTC()}

	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var jobJSON string
		if err := rows.Scan(&e.ID, &jobJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(jobJSON), &e.Job); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq job")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue dlq iterate")
}

func (s *SQLiteStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = ?, error = ?, last_failed_at = ?
		 WHERE id = ?`,
		nextRetryAt.UTC(), lastErr, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment dlq retry %s", id)
	}
	return checkRowsAffected(res, "dlq_entry", id)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var jobJSON string
	var stateJSON sql.NullString

	err := row.Scan(&r.ID, &jobJSON, &r.Status, &stateJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(jobJSON), &r.Job); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal job")
	}
	if stateJSON.Valid {
		r.State = &model.RunState{}
		if err := json.Unmarshal([]byte(stateJSON.String), r.State); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal state")
		}
	}
	return &r, nil
}

func scanIteration(row scannable) (*model.IterationRecord, error) {
	var rec model.IterationRecord
	var detailJSON string
	var elapsedMS int64

	err := row.Scan(&rec.ID, &rec.RunID, &rec.Iteration, &rec.Accuracy,
		&rec.LockedCount, &rec.TotalCount, &rec.Decision, &rec.CostUSD,
		&elapsedMS, &detailJSON, &rec.CreatedAt)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan iteration")
	}

	rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond

	var d iterationDetail
	if err := json.Unmarshal([]byte(detailJSON), &d); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal iteration detail")
	}
	d.apply(&rec)
	return &rec, nil
}
