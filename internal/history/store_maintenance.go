package history

import (
	"context"
	"fmt"
	"time"

	"qlbridge/internal/services"
)

// MarkInterrupted fails every run still marked running. Call it only while
// holding the query server lock, when no other process can own those runs.
func (s *Store) MarkInterrupted(ctx context.Context) (int64, error) {
	now := formatTime(s.now())
	res, err := s.execWithRetry(ctx,
		`UPDATE query_runs
         SET status = ?, message = ?, updated_at = ?, completed_at = ?
         WHERE status = ?`,
		StatusFailed,
		InterruptedMessage,
		now,
		now,
		StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

// Prune removes finished runs created more than olderThan ago, together
// with their output directories, and returns how many were removed.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, services.Wrap(services.ErrValidation, "history", "prune", "age must be positive", nil)
	}
	cutoff := formatTime(s.now().Add(-olderThan))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM query_runs WHERE created_at < ? AND status != ?`,
		cutoff,
		StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("select prunable runs: %w", err)
	}
	var victims []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan run: %w", err)
		}
		victims = append(victims, run)
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("iterate runs: %w", err)
	}

	removed := 0
	for _, run := range victims {
		if _, err := s.execWithRetry(ctx, `DELETE FROM query_runs WHERE id = ?`, run.ID); err != nil {
			return removed, fmt.Errorf("delete run %s: %w", run.ID, err)
		}
		if err := s.removeOutput(run); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Stats counts runs by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM query_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("history stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var (
			status Status
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history database: %w", err)
	}
	return nil
}
