package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/inboxops/triage-engine/internal/model"
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
		"PRAGMA foreign_keys=ON",
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
	status     TEXT NOT NULL DEFAULT 'ingesting',
	item_count INTEGER NOT NULL DEFAULT 0,
	summary    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS items (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	content     TEXT NOT NULL,
	metadata    TEXT,
	received_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS stage_results (
	item_id     TEXT NOT NULL,
	stage       INTEGER NOT NULL,
	run_id      TEXT NOT NULL,
	priority    TEXT,
	confidence  REAL NOT NULL DEFAULT 0,
	model_used  TEXT NOT NULL,
	raw_output  TEXT,
	status      TEXT NOT NULL,
	error       TEXT,
	produced_at DATETIME NOT NULL,
	PRIMARY KEY (item_id, stage)
);

CREATE TABLE IF NOT EXISTS consolidated_results (
	item_id          TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	final_priority   TEXT NOT NULL,
	final_confidence REAL NOT NULL,
	final_model_used TEXT NOT NULL,
	highest_stage    INTEGER NOT NULL,
	degraded         INTEGER NOT NULL DEFAULT 0,
	consolidated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	run_id         TEXT NOT NULL,
	item_id        TEXT NOT NULL,
	payload        TEXT NOT NULL,
	error          TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_items_run_id ON items(run_id);
CREATE INDEX IF NOT EXISTS idx_stage_results_run_id ON stage_results(run_id);
CREATE INDEX IF NOT EXISTS idx_consolidated_run_id ON consolidated_results(run_id);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, itemCount int) (*model.BatchRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, item_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(model.RunStatusIngesting), itemCount, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.BatchRun{
		ID:        id,
		Status:    model.RunStatusIngesting,
		ItemCount: itemCount,
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

func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(status), string(summaryJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.BatchRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, item_count, summary, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.BatchRun, error) {
	query := `SELECT id, status, item_count, summary, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
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

	var runs []model.BatchRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) InsertItems(ctx context.Context, runID string, items []model.Item) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin insert items")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO items (id, run_id, content, metadata, received_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare insert items")
	}
	defer stmt.Close()

	for _, item := range items {
		metaJSON, err := json.Marshal(item.Metadata)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal metadata %s", item.ID)
		}
		if _, err := stmt.ExecContext(ctx, item.ID, runID, item.Content, string(metaJSON), item.ReceivedAt.UTC()); err != nil {
			return eris.Wrapf(err, "sqlite: insert item %s", item.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit insert items")
}

func (s *SQLiteStore) FetchPendingItems(ctx context.Context, runID string, afterID string, limit int) ([]model.Item, string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.content, i.metadata, i.received_at FROM items i
		 LEFT JOIN consolidated_results c ON c.item_id = i.id
		 WHERE i.run_id = ? AND i.id > ? AND c.item_id IS NULL
		 ORDER BY i.id LIMIT ?`,
		runID, afterID, limit,
	)
	if err != nil {
		return nil, "", eris.Wrap(err, "sqlite: fetch pending items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var (
			item     model.Item
			metaJSON sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.Content, &metaJSON, &item.ReceivedAt); err != nil {
			return nil, "", eris.Wrap(err, "sqlite: scan item")
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &item.Metadata); err != nil {
				return nil, "", eris.Wrapf(err, "sqlite: unmarshal metadata %s", item.ID)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, "", eris.Wrap(err, "sqlite: fetch pending iterate")
	}

	next := ""
	if len(items) == limit {
		next = items[len(items)-1].ID
	}
	return items, next, nil
}

func (s *SQLiteStore) UpsertStageResult(ctx context.Context, runID string, res model.StageResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_results (item_id, stage, run_id, priority, confidence, model_used, raw_output, status, error, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
	return eris.Wrapf(err, "sqlite: upsert stage %d result %s", res.Stage, res.ItemID)
}

func (s *SQLiteStore) UpsertConsolidatedResult(ctx context.Context, runID string, res model.ConsolidatedResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consolidated_results (item_id, run_id, final_priority, final_confidence, final_model_used, highest_stage, degraded, consolidated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
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
	return eris.Wrapf(err, "sqlite: upsert consolidated result %s", res.ItemID)
}

func (s *SQLiteStore) GetConsolidatedResult(ctx context.Context, itemID string) (*model.ConsolidatedResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT item_id, final_priority, final_confidence, final_model_used, highest_stage, degraded, consolidated_at
		 FROM consolidated_results WHERE item_id = ?`,
		itemID,
	)

	var res model.ConsolidatedResult
	err := row.Scan(&res.ItemID, &res.FinalPriority, &res.FinalConfidence,
		&res.FinalModelUsed, &res.HighestStageReached, &res.Degraded, &res.ConsolidatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get consolidated result %s", itemID)
	}
	return &res, nil
}

func (s *SQLiteStore) ListStageResults(ctx context.Context, itemID string) ([]model.StageResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, stage, priority, confidence, model_used, raw_output, status, error, produced_at
		 FROM stage_results WHERE item_id = ? ORDER BY stage`,
		itemID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list stage results %s", itemID)
	}
	defer rows.Close()

	var results []model.StageResult
	for rows.Next() {
		var (
			res       model.StageResult
			rawOutput sql.NullString
			errText   sql.NullString
		)
		if err := rows.Scan(&res.ItemID, &res.Stage, &res.Priority, &res.Confidence,
			&res.ModelUsed, &rawOutput, &res.Status, &errText, &res.ProducedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage result")
		}
		res.RawOutput = rawOutput.String
		res.Error = errText.String
		results = append(results, res)
	}
	return results, eris.Wrap(rows.Err(), "sqlite: list stage results iterate")
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry DLQEntry) error {
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (id, run_id, item_id, payload, error, retry_count, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   error = excluded.error,
		   retry_count = excluded.retry_count,
		   next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, entry.RunID, entry.ItemID, string(entry.Payload), entry.Error,
		entry.RetryCount, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dead letter")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, limit int) ([]DLQEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, item_id, payload, error, retry_count, next_retry_at, created_at, last_failed_at
		 FROM dead_letter_queue WHERE next_retry_at <= datetime('now')
		 ORDER BY next_retry_at LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dead letters")
	}
	defer rows.Close()

	var entries []DLQEntry
	for rows.Next() {
		var (
			e       DLQEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &e.ItemID, &payload, &e.Error,
			&e.RetryCount, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: dequeue iterate")
}

func (s *SQLiteStore) DeleteDLQ(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete dead letter %s", id)
	}
	return checkRowsAffected(res, "dead letter", id)
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
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

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`)
	if err := row.Scan(&stats.ItemsTotal); err != nil {
		return nil, eris.Wrap(err, "sqlite: count items")
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_results WHERE status = 'degraded'`)
	if err := row.Scan(&stats.DegradedResults); err != nil {
		return nil, eris.Wrap(err, "sqlite: count degraded")
	}
	row = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`)
	if err := row.Scan(&stats.DeadLetters); err != nil {
		return nil, eris.Wrap(err, "sqlite: count dead letters")
	}
	return stats, nil
}

func (s *SQLiteStore) countGrouped(ctx context.Context, query string, dest map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return eris.Wrap(err, "sqlite: grouped count")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return eris.Wrap(err, "sqlite: scan grouped count")
		}
		dest[key] = n
	}
	return eris.Wrap(rows.Err(), "sqlite: grouped count iterate")
}

// helpers

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

func scanRun(row scannable) (*model.BatchRun, error) {
	var (
		r           model.BatchRun
		summaryJSON sql.NullString
	)

	err := row.Scan(&r.ID, &r.Status, &r.ItemCount, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if summaryJSON.Valid && summaryJSON.String != "" && summaryJSON.String != "null" {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}
