package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/shelfsight/shelfscan/internal/db"
	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
)

// PostgresStore implements Store using pgxpool. Beyond the Store interface it
// maintains a run_items mirror: one row per consensus item, upserted at every
// state save, so item-level agreement and lock churn are queryable in SQL
// without unpacking state blobs.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, job, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_status": `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"save_run_state":    `UPDATE runs SET state = $1, updated_at = $2 WHERE id = $3`,
	"get_run":           `SELECT id, job, status, state, created_at, updated_at FROM runs WHERE id = $1`,
	"insert_iteration":  `INSERT INTO iterations (id, run_id, iteration, accuracy, locked_count, total_count, decision, cost_usd, elapsed_ms, detail, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., item-level analytics over the run_items mirror).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job        JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'queued',
	state      JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS iterations (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	iteration    INTEGER NOT NULL,
	accuracy     DOUBLE PRECISION NOT NULL,
	locked_count INTEGER NOT NULL,
	total_count  INTEGER NOT NULL,
	decision     TEXT NOT NULL,
	cost_usd     DOUBLE PRECISION NOT NULL,
	elapsed_ms   BIGINT NOT NULL,
	detail       JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS run_items (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	position   TEXT NOT NULL,
	stage      TEXT NOT NULL,
	payload    JSONB NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	lock_state TEXT NOT NULL,
	votes      INTEGER NOT NULL,
	responders INTEGER NOT NULL,
	locked_at  INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, position)
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	job            JSONB NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL DEFAULT 'transient',
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at);
CREATE INDEX IF NOT EXISTS idx_iterations_run_id ON iterations(run_id);
CREATE INDEX IF NOT EXISTS idx_run_items_lock_state ON run_items(lock_state);
CREATE INDEX IF NOT EXISTS idx_dlq_error_type ON dead_letter_queue(error_type);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, job model.Job) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal job")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, job, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, jobJSON, string(model.RunStatusQueued), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        id,
		Job:       job,
		Status:    model.RunStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) SaveRunState(ctx context.Context, runID string, state *model.RunState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal state")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET state = $1, updated_at = $2 WHERE id = $3`,
		stateJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save run state %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}

	return s.mirrorItems(ctx, runID, state.Result.Items)
}

// mirrorItems replaces the run_items rows for a run with the current merged
// layout: an upsert keyed on (run_id, position) plus a prune of positions the
// layout no longer contains.
func (s *PostgresStore) mirrorItems(ctx context.Context, runID string, items []model.ExtractedItem) error {
	rows := make([][]any, 0, len(items))
	positions := make([]string, 0, len(items))
	now := time.Now().UTC()

	for _, it := range items {
		payloadJSON, err := json.Marshal(it.Payload)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal item payload %s", it.Position)
		}
		rows = append(rows, []any{
			runID, it.Position, string(it.Stage), payloadJSON,
			it.Confidence, string(it.Lock), it.Votes, it.Responders,
			it.LockedAt, now,
		})
		positions = append(positions, it.Position)
	}

	if _, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table: "run_items",
		Columns: []string{
			"run_id", "position", "stage", "payload",
			"confidence", "lock_state", "votes", "responders",
			"locked_at", "updated_at",
		},
		ConflictKeys: []string{"run_id", "position"},
	}, rows); err != nil {
		return eris.Wrapf(err, "postgres: mirror run items %s", runID)
	}

	_, err := s.pool.Exec(ctx,
		`DELETE FROM run_items WHERE run_id = $1 AND NOT (position = ANY($2))`,
		runID, positions,
	)
	return eris.Wrapf(err, "postgres: prune run items %s", runID)
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var jobJSON []byte
	var stateNull *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, job, status, state, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &jobJSON, &r.Status, &stateNull, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if err := json.Unmarshal(jobJSON, &r.Job); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal job")
	}
	if stateNull != nil {
		r.State = &model.RunState{}
		if err := json.Unmarshal(*stateNull, r.State); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal state")
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, job, status, state, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
		argIdx++
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var jobJSON []byte
		var stateNull *[]byte

		if err := rows.Scan(&r.ID, &jobJSON, &r.Status, &stateNull, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if err := json.Unmarshal(jobJSON, &r.Job); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job")
		}
		if stateNull != nil {
			r.State = &model.RunState{}
			if err := json.Unmarshal(*stateNull, r.State); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal state")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) AppendIteration(ctx context.Context, runID string, rec model.IterationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	detailJSON, err := json.Marshal(detailOf(rec))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal iteration detail")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO iterations (id, run_id, iteration, accuracy, locked_count, total_count, decision, cost_usd, elapsed_ms, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, runID, rec.Iteration, rec.Accuracy, rec.LockedCount, rec.TotalCount,
		rec.Decision, rec.CostUSD, rec.Elapsed.Milliseconds(), detailJSON, rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: insert iteration for run %s", runID)
}

func (s *PostgresStore) ListIterations(ctx context.Context, runID string) ([]model.IterationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, iteration, accuracy, locked_count, total_count, decision, cost_usd, elapsed_ms, detail, created_at
		 FROM iterations WHERE run_id = $1 ORDER BY iteration ASC`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list iterations for run %s", runID)
	}
	defer rows.Close()

	var records []model.IterationRecord
	for rows.Next() {
		var rec model.IterationRecord
		var detailJSON []byte
		var elapsedMS int64

		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Iteration, &rec.Accuracy,
			&rec.LockedCount, &rec.TotalCount, &rec.Decision, &rec.CostUSD,
			&elapsedMS, &detailJSON, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan iteration")
		}

		rec.Elapsed = time.Duration(elapsedMS) * time.Millisecond

		var d iterationDetail
		if err := json.Unmarshal(detailJSON, &d); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal iteration detail")
		}
		d.apply(&rec)
		records = append(records, rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list iterations iterate")
}

// Dead letter queue methods

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	jobJSON, err := json.Marshal(entry.Job)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq job")
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue
		 (id, job, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $3, error_type = $4, retry_count = $5,
		   next_retry_at = $7, last_failed_at = $9`,
		entry.ID, jobJSON, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries,
		entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, job, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at
	          FROM dead_letter_queue
	          WHERE next_retry_at <= now() AND retry_count < max_retries`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}

	query += ` ORDER BY next_retry_at ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var jobJSON []byte
		if err := rows.Scan(&e.ID, &jobJSON, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries,
			&e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(jobJSON, &e.Job); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq job")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue dlq iterate")
}

func (s *PostgresStore) IncrementDLQRetry(ctx context.Context, id string, nextRetryAt time.Time, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET retry_count = retry_count + 1, next_retry_at = $1, error = $2, last_failed_at = now()
		 WHERE id = $3`,
		nextRetryAt, lastErr, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment dlq retry %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dlq_entry not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}
