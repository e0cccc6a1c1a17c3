package run

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrAlreadyFinal is returned by Finalize when the run is no longer running.
var ErrAlreadyFinal = errors.New("run already finalized")

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Create(ctx context.Context, runID string) (*Log, error) {
	l := &Log{RunID: runID, Status: StatusRunning}
	query := `INSERT INTO ingestion_logs (run_id, status) VALUES ($1, 'running') RETURNING id, started_at`
	if err := r.db.QueryRowContext(ctx, query, runID).Scan(&l.ID, &l.StartedAt); err != nil {
		return nil, err
	}
	return l, nil
}

// Increment adds delta to the run's counters in a single statement so
// concurrent workers never lose an update.
func (r *PostgresRepo) Increment(ctx context.Context, runID string, delta Counts) error {
	if delta.IsZero() {
		return nil
	}
	query := `
		UPDATE ingestion_logs
		SET articles_found = articles_found + $1,
			articles_new = articles_new + $2,
			articles_updated = articles_updated + $3,
			articles_failed = articles_failed + $4
		WHERE run_id = $5 AND status = 'running'`
	_, err := r.db.ExecContext(ctx, query, delta.Found, delta.New, delta.Updated, delta.Failed, runID)
	return err
}

// Finalize writes the terminal status and absolute counts. It only touches a
// row that is still running.
func (r *PostgresRepo) Finalize(ctx context.Context, runID string, f Final) error {
	details := f.Details
	if details == nil {
		details = map[string]interface{}{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode run details: %w", err)
	}
	query := `
		UPDATE ingestion_logs
		SET status = $1, completed_at = NOW(),
			articles_found = $2, articles_new = $3, articles_updated = $4, articles_failed = $5,
			error_message = $6, details = $7::jsonb
		WHERE run_id = $8 AND status = 'running'`
	res, err := r.db.ExecContext(ctx, query, f.Status, f.Counts.Found, f.Counts.New, f.Counts.Updated,
		f.Counts.Failed, f.ErrorMessage, string(payload), runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyFinal
	}
	return nil
}

const logColumns = `id, run_id, started_at, completed_at, articles_found, articles_new, articles_updated,
	articles_failed, status, error_message, details`

func scanLog(s interface{ Scan(...interface{}) error }) (*Log, error) {
	l := &Log{}
	var completed sql.NullTime
	var details []byte
	err := s.Scan(&l.ID, &l.RunID, &l.StartedAt, &completed, &l.ArticlesFound, &l.ArticlesNew,
		&l.ArticlesUpdated, &l.ArticlesFailed, &l.Status, &l.ErrorMessage, &details)
	if err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		l.CompletedAt = &t
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &l.Details); err != nil {
			return nil, fmt.Errorf("decode run details: %w", err)
		}
	}
	return l, nil
}

func (r *PostgresRepo) Get(ctx context.Context, runID string) (*Log, error) {
	query := `SELECT ` + logColumns + ` FROM ingestion_logs WHERE run_id = $1`
	return scanLog(r.db.QueryRowContext(ctx, query, runID))
}

// Latest returns the most recently started run, or nil when none exists.
func (r *PostgresRepo) Latest(ctx context.Context) (*Log, error) {
	query := `SELECT ` + logColumns + ` FROM ingestion_logs ORDER BY started_at DESC, id DESC LIMIT 1`
	l, err := scanLog(r.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (r *PostgresRepo) List(ctx context.Context, limit int) ([]Log, error) {
	query := `SELECT ` + logColumns + ` FROM ingestion_logs ORDER BY started_at DESC, id DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []Log
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}
