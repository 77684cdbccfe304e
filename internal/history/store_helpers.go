package history

import (
	"database/sql"
	"errors"
	"time"
)

// timeLayout sorts lexically, which created_at range queries rely on.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const runColumns = "id, session_id, query_path, query_name, database_path, output_path, status, result_type, message, result_count, evaluation_ms, created_at, updated_at, completed_at"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*Run, error) {
	var (
		run          Run
		sessionID    sql.NullString
		status       string
		resultType   sql.NullString
		message      sql.NullString
		evaluationMS int64
		createdRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&run.ID,
		&sessionID,
		&run.QueryPath,
		&run.QueryName,
		&run.DatabasePath,
		&run.OutputPath,
		&status,
		&resultType,
		&message,
		&run.ResultCount,
		&evaluationMS,
		&createdRaw,
		&updatedRaw,
		&completedRaw,
	); err != nil {
		return nil, err
	}
	run.SessionID = sessionID.String
	run.Status = Status(status)
	run.ResultType = resultType.String
	run.Message = message.String
	run.Evaluation = time.Duration(evaluationMS) * time.Millisecond
	if created, err := parseTimeString(createdRaw); err == nil {
		run.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		run.UpdatedAt = updated
	}
	if completedRaw.Valid {
		if completed, err := parseTimeString(completedRaw.String); err == nil {
			run.CompletedAt = &completed
		}
	}
	return &run, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
