package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/callpipe/internal/model"
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
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	tag            TEXT NOT NULL DEFAULT '',
	degradation    TEXT NOT NULL,
	aborted        INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0,
	result         TEXT NOT NULL,
	started_at     DATETIME NOT NULL,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_tag ON runs(tag);
CREATE INDEX IF NOT EXISTS idx_runs_degradation ON runs(degradation);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.AggregateResult) error {
	if run == nil || run.RunID == "" {
		return eris.New("sqlite: save run: missing run id")
	}
	resultJSON, err := json.Marshal(run)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tag, degradation, aborted, estimated_cost, result, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			tag = excluded.tag,
			degradation = excluded.degradation,
			aborted = excluded.aborted,
			estimated_cost = excluded.estimated_cost,
			result = excluded.result`,
		run.RunID, run.Tag, string(run.Degradation), run.Aborted, run.EstimatedCost,
		string(resultJSON), run.StartedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save run %s", run.RunID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.AggregateResult, error) {
	var resultJSON string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM runs WHERE id = ?`, runID).Scan(&resultJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return decodeRun([]byte(resultJSON))
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AggregateResult, error) {
	query := `SELECT result FROM runs WHERE 1=1`
	var args []any

	if filter.Tag != "" {
		query += ` AND tag = ?`
		args = append(args, filter.Tag)
	}
	if filter.Degradation != "" {
		query += ` AND degradation = ?`
		args = append(args, string(filter.Degradation))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, filter.limit())

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	runs := []model.AggregateResult{}
	for rows.Next() {
		var resultJSON string
		if err := rows.Scan(&resultJSON); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		r, err := decodeRun([]byte(resultJSON))
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func decodeRun(data []byte) (*model.AggregateResult, error) {
	var r model.AggregateResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal run")
	}
	return &r, nil
}
