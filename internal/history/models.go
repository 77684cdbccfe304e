package history

import (
	"path/filepath"
	"time"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// InterruptedMessage is recorded on runs that were still running when the
// process that owned them went away.
const InterruptedMessage = "interrupted: qlbridge exited before the query finished"

var allStatuses = []Status{StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, bool) {
	for _, s := range allStatuses {
		if string(s) == value {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether the run has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Run is one recorded query evaluation.
type Run struct {
	ID           string
	SessionID    string
	QueryPath    string
	QueryName    string
	DatabasePath string
	OutputPath   string
	Status       Status
	ResultType   string
	Message      string
	ResultCount  int64
	Evaluation   time.Duration
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// OutputDir is the directory holding the run's artifacts.
func (r Run) OutputDir() string {
	return filepath.Dir(r.OutputPath)
}

// QuerySnapshotPath is where the query text is copied before evaluation.
func (r Run) QuerySnapshotPath() string {
	return filepath.Join(r.OutputDir(), "query.ql")
}

// EvaluatorLogPath is the per-run evaluator log.
func (r Run) EvaluatorLogPath() string {
	return filepath.Join(r.OutputDir(), "evaluator.log")
}

// Elapsed is the wall time between creation and completion, or until now
// for a running query.
func (r Run) Elapsed(now time.Time) time.Duration {
	if r.CompletedAt != nil {
		return r.CompletedAt.Sub(r.CreatedAt)
	}
	return now.Sub(r.CreatedAt)
}

// Outcome carries what the evaluator reported when a run ends.
type Outcome struct {
	ResultType  string
	Message     string
	Evaluation  time.Duration
	ResultCount int64
}
