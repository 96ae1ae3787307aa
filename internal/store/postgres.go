package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/inboxops/triage-engine/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for the
// hot write path: stage and consolidated upserts run once (or more) per item.
var preparedStatements = map[string]string{
	"upsert_stage_result": `INSERT INTO stage_results (item_id, stage, run_id, priority, confidence, model_used, raw_output, status, error, produced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (item_id, stage) DO UPDATE SET
		  priority = excluded.priority, confidence = excluded.confidence,
		  model_used = excluded.model_used, raw_output = excluded.raw_output,
		  status = excluded.status, error = excluded.error, produced_at = excluded.produced_at`,
	"upsert_consolidated": `INSERT INTO consolidated_results (item_id, run_id, final_priority, final_confidence, final_model_used, highest_stage, degraded, consolidated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (item_id) DO UPDATE SET
		  final_priority = excluded.final_priority, final_confidence = excluded.final_confidence,
		  final_model_used = excluded.final_model_used, highest_stage = excluded.highest_stage,
		  degraded = excluded.degraded, consolidated_at = excluded.consolidated_at`,
	"update_run_status": `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status     TEXT NOT NULL DEFAULT 'ingesting',
	item_count INTEGER NOT NULL DEFAULT 0,
	summary    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS items (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	content     TEXT NOT NULL,
	metadata    JSONB,
	received_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_results (
	item_id     TEXT NOT NULL,
	stage       INTEGER NOT NULL,
	run_id      TEXT NOT NULL,
	priority    TEXT,
	confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
	model_used  TEXT NOT NULL,
	raw_output  TEXT,
	status      TEXT NOT NULL,
	error       TEXT,
	produced_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (item_id, stage)
);

CREATE TABLE IF NOT EXISTS consolidated_results (
	item_id          TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	final_priority   TEXT NOT NULL,
	final_confidence DOUBLE PRECISION NOT NULL,
	final_model_used TEXT NOT NULL,
	highest_stage    INTEGER NOT NULL,
	degraded         BOOLEAN NOT NULL DEFAULT FALSE,
	consolidated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id         TEXT NOT NULL,
	item_id        TEXT NOT NULL,
	payload        JSONB NOT NULL,
	error          TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_items_run_id ON items(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_results_run_id ON stage_results(run_id);
CREATE INDEX IF NOT EXISTS idx_consolidated_run_id ON consolidated_results(run_id);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
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

func (s *PostgresStore) CreateRun(ctx context.Context, itemCount int) (*model.BatchRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, item_count, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		id, string(model.RunStatusIngesting), itemCount, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.BatchRun{
		ID:        id,
		Status:    model.RunStatusIngesting,
		ItemCount: itemCount,
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

func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, summary = $2, updated_at = $3 WHERE id = $4`,
		string(status), summaryJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.BatchRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, item_count, summary, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	)
	return scanPgRun(row)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error) {
	query := `SELECT id, status, item_count, summary, created_at, updated_at FROM runs WHERE 1=1`
	var args []any
	arg := 0

	if filter.Status != "" {
		arg++
		query += ` AND status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	arg++
	query += ` LIMIT $` + strconv.Itoa(arg)
	args = append(args, limit)

	if filter.Offset > 0 {
		arg++
		query += ` OFFSET $` + strconv.Itoa(arg)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.BatchRun
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) InsertItems(ctx context.Context, runID string, items []model.Item) error {
	for _, item := range items {
		metaJSON, err := json.Marshal(item.Metadata)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal metadata %s", item.ID)
		}
		_, err = s.pool.Exec(ctx,
			`INSERT INTO items (id, run_id, content, metadata, received_at) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			item.ID, runID, item.Content, metaJSON, item.ReceivedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert item %s", item.ID)
		}
	}
	return nil
}

func (s *PostgresStore) FetchPendingItems(ctx context.Context, runID string, afterID string, limit int) ([]model.Item, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT i.id, i.content, i.metadata, i.received_at FROM items i
		 LEFT JOIN consolidated_results c ON c.item_id = i.id
		 WHERE i.run_id = $1 AND i.id > $2 AND c.item_id IS NULL
		 ORDER BY i.id LIMIT $3`,
		runID, afterID, limit,
	)
	if err != nil {
		return nil, "", eris.Wrap(err, "postgres: fetch pending items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var (
			item     model.Item
			metaJSON []byte
		)
		if err := rows.Scan(&item.ID, &item.Content, &metaJSON, &item.ReceivedAt); err != nil {
			return nil, "", eris.Wrap(err, "postgres: scan item")
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &item.Metadata); err != nil {
				return nil, "", eris.Wrapf(err, "postgres: unmarshal metadata %s", item.ID)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, "", eris.Wrap(err, "postgres: fetch pending iterate")
	}

	next := ""
	if len(items) == limit {
		next = items[len(items)-1].ID
	}
	return items, next, nil
}

func (s *PostgresStore) UpsertStageResult(ctx context.Context, runID string, res model.StageResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_results (item_id, stage, run_id, priority, confidence, model_used, raw_output, status, error, produced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (item_id, stage) DO UPDATE SET
		   priority = excluded.priority,
		   confidence = excluded.confidence,
		   model_used = excluded.model_used,
		   raw_output = excluded.raw_output,
		   status = excluded.status,
		   error = excluded.error,
		   produced_at = excluded.produced_at`,
		res.ItemID, res.Stage, runID, string(res.Priority), res.Confidence,
		res.ModelUsed, res.RawOutput, string(res.Status), res.Error, res.ProducedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert stage %d result %s", res.Stage, res.ItemID)
}

func (s *PostgresStore) UpsertConsolidatedResult(ctx context.Context, runID string, res model.ConsolidatedResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO consolidated_results (item_id, run_id, final_priority, final_confidence, final_model_used, highest_stage, degraded, consolidated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (item_id) DO UPDATE SET
		   final_priority = excluded.final_priority,
		   final_confidence = excluded.final_confidence,
		   final_model_used = excluded.final_model_used,
		   highest_stage = excluded.highest_stage,
		   degraded = excluded.degraded,
		   consolidated_at = excluded.consolidated_at`,
		res.ItemID, runID, string(res.FinalPriority), res.FinalConfidence,
		res.FinalModelUsed, res.HighestStageReached, res.Degraded, res.ConsolidatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert consolidated result %s", res.ItemID)
}

func (s *PostgresStore) GetConsolidatedResult(ctx context.Context, itemID string) (*model.ConsolidatedResult, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT item_id, final_priority, final_confidence, final_model_used, highest_stage, degraded, consolidated_at
		 FROM consolidated_results WHERE item_id = $1`,
		itemID,
	)

	var res model.ConsolidatedResult
	err := row.Scan(&res.ItemID, &res.FinalPriority, &res.FinalConfidence,
		&res.FinalModelUsed, &res.HighestStageReached, &res.Degraded, &res.ConsolidatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get consolidated result %s", itemID)
	}
	return &res, nil
}

func (s *PostgresStore) ListStageResults(ctx context.Context, itemID string) ([]model.StageResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item_id, stage, priority, confidence, model_used, raw_output, status, error, produced_at
		 FROM stage_results WHERE item_id = $1 ORDER BY stage`,
		itemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list stage results %s", itemID)
	}
	defer rows.Close()

	var results []model.StageResult
	for rows.Next() {
		var res model.StageResult
		if err := rows.Scan(&res.ItemID, &res.Stage, &res.Priority, &res.Confidence,
			&res.ModelUsed, &res.RawOutput, &res.Status, &res.Error, &res.ProducedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage result")
		}
		results = append(results, res)
	}
	return results, eris.Wrap(rows.Err(), "postgres: list stage results iterate")
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	if entry.LastFailedAt.IsZero() {
		entry.LastFailedAt = now
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (id, run_id, item_id, payload, error, retry_count, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error,
		   retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.RunID, entry.ItemID, entry.Payload, entry.Error,
		entry.RetryCount, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: enqueue dead letter")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, item_id, payload, error, retry_count, next_retry_at, created_at, last_failed_at
		 FROM dead_letter_queue WHERE next_retry_at <= now()
		 ORDER BY next_retry_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dead letters")
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var e DLQEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.ItemID, &e.Payload, &e.Error,
			&e.RetryCount, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: dequeue iterate")
}

func (s *PostgresStore) DeleteDLQ(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete dead letter %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("dead letter not found: %s", id)
	}
	return nil
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		RunsByStatus:    make(map[string]int),
		ByFinalPriority: make(map[string]int),
	}

	if err := s.countGrouped(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`, stats.RunsByStatus); err != nil {
		return nil, err
	}
	if err := s.countGrouped(ctx, `SELECT final_priority, COUNT(*) FROM consolidated_results GROUP BY final_priority`, stats.ByFinalPriority); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM items`)
	if err := row.Scan(&stats.ItemsTotal); err != nil {
		return nil, eris.Wrap(err, "postgres: count items")
	}
	row = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stage_results WHERE status = 'degraded'`)
	if err := row.Scan(&stats.DegradedResults); err != nil {
		return nil, eris.Wrap(err, "postgres: count degraded")
	}
	row = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`)
	if err := row.Scan(&stats.DeadLetters); err != nil {
		return nil, eris.Wrap(err, "postgres: count dead letters")
	}
	return stats, nil
}

func (s *PostgresStore) countGrouped(ctx context.Context, query string, dest map[string]int) error {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return eris.Wrap(err, "postgres: grouped count")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return eris.Wrap(err, "postgres: scan grouped count")
		}
		dest[key] = n
	}
	return eris.Wrap(rows.Err(), "postgres: grouped count iterate")
}

func scanPgRun(row pgx.Row) (*model.BatchRun, error) {
	var (
		r           model.BatchRun
		summaryJSON []byte
	)

	err := row.Scan(&r.ID, &r.Status, &r.ItemCount, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan run")
	}

	if len(summaryJSON) > 0 {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}
