package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"qlbridge/internal/services"
	"qlbridge/internal/textutil"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// ErrRunFinished is returned when ending a run that already ended.
var ErrRunFinished = errors.New("run already finished")

// Create records a new running query and assigns its output location.
func (s *Store) Create(ctx context.Context, queryPath, databasePath string) (*Run, error) {
	queryPath = strings.TrimSpace(queryPath)
	databasePath = strings.TrimSpace(databasePath)
	if queryPath == "" || databasePath == "" {
		return nil, services.Wrap(services.ErrValidation, "history", "create", "query and database paths are required", nil)
	}

	id := uuid.NewString()
	now := formatTime(s.now())
	outputPath := filepath.Join(s.outputRoot, id, "results.bqrs")
	if _, err := s.execWithRetry(ctx,
		`INSERT INTO query_runs (
            id, session_id, query_path, query_name, database_path, output_path,
            status, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		nullableString(s.sessionID),
		queryPath,
		textutil.QueryDisplayName(queryPath),
		databasePath,
		outputPath,
		StatusRunning,
		now,
		now,
	); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.Get(ctx, id)
}

// Complete ends a run successfully.
func (s *Store) Complete(ctx context.Context, id string, outcome Outcome) error {
	return s.finish(ctx, id, StatusCompleted, outcome)
}

// Fail ends a run with an error outcome.
func (s *Store) Fail(ctx context.Context, id string, outcome Outcome) error {
	return s.finish(ctx, id, StatusFailed, outcome)
}

// Cancel ends a run that was cancelled before it finished. An empty message
// is recorded as "cancelled".
func (s *Store) Cancel(ctx context.Context, id string, outcome Outcome) error {
	if outcome.Message == "" {
		outcome.Message = "cancelled"
	}
	return s.finish(ctx, id, StatusCancelled, outcome)
}

// finish moves a running run to a terminal status exactly once.
func (s *Store) finish(ctx context.Context, id string, status Status, outcome Outcome) error {
	now := formatTime(s.now())
	res, err := s.execWithRetry(ctx,
		`UPDATE query_runs
         SET status = ?, result_type = ?, message = ?, result_count = ?, evaluation_ms = ?,
             updated_at = ?, completed_at = ?
         WHERE id = ? AND status = ?`,
		status,
		nullableString(outcome.ResultType),
		nullableString(outcome.Message),
		outcome.ResultCount,
		outcome.Evaluation.Milliseconds(),
		now,
		now,
		id,
		StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if affected == 1 {
		return nil
	}
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return services.Wrap(services.ErrValidation, "history", "finish", fmt.Sprintf("run %s is %s", run.ID, run.Status), ErrRunFinished)
}

// Get fetches a run by id. An unambiguous id prefix of at least eight
// characters is accepted.
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	id = strings.TrimSpace(id)
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM query_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) && len(id) >= 8 && len(id) < 36 {
		return s.getByPrefix(ctx, id)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "history", "get", id, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

func (s *Store) getByPrefix(ctx context.Context, prefix string) (*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM query_runs WHERE id LIKE ? ESCAPE '\' LIMIT 2`,
		escapeLike(prefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("get run by prefix: %w", err)
	}
	defer rows.Close()

	var matches []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		matches = append(matches, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	switch len(matches) {
	case 0:
		return nil, services.Wrap(services.ErrNotFound, "history", "get", prefix, ErrRunNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, services.Wrap(services.ErrValidation, "history", "get", fmt.Sprintf("id prefix %q is ambiguous", prefix), nil)
	}
}

func escapeLike(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}

// List returns the newest runs first. A non-positive limit returns all runs.
func (s *Store) List(ctx context.Context, limit int, statuses ...Status) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM query_runs`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Remove deletes a finished run and its output directory.
func (s *Store) Remove(ctx context.Context, id string) error {
	run, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if run.Status == StatusRunning {
		return services.Wrap(services.ErrValidation, "history", "remove", fmt.Sprintf("run %s is still running", run.ID), nil)
	}
	if _, err := s.execWithRetry(ctx, `DELETE FROM query_runs WHERE id = ?`, run.ID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return s.removeOutput(run)
}

// removeOutput deletes the run directory when it lies under the output root.
func (s *Store) removeOutput(run *Run) error {
	dir := run.OutputDir()
	if s.outputRoot == "" || dir == "" {
		return nil
	}
	rel, err := filepath.Rel(s.outputRoot, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove run output: %w", err)
	}
	return nil
}
