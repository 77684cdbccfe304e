package queryserver

import (
	"errors"
	"fmt"
	"time"

	"qlbridge/internal/services"
)

// Wire method names of the query server protocol.
const (
	MethodRegisterDatabases   = "evaluation/registerDatabases"
	MethodDeregisterDatabases = "evaluation/deregisterDatabases"
	MethodRunQuery            = "evaluation/runQuery"
	MethodClearCache          = "evaluation/clearCache"
	MethodTrimCache           = "evaluation/trimCache"
	MethodShutdown            = "shutdown"
	MethodMessage             = "ql/message"
)

// RegisterDatabasesParams lists database directories to load or unload.
type RegisterDatabasesParams struct {
	Databases []string `json:"databases"`
}

// RegisterDatabasesResult echoes the databases the server now has registered.
type RegisterDatabasesResult struct {
	RegisteredDatabases []string `json:"registeredDatabases"`
}

// Position identifies a source range for quick evaluation.
type Position struct {
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndLine   int    `json:"endLine"`
	EndColumn int    `json:"endColumn"`
	FileName  string `json:"fileName"`
}

// QuickEvalTarget restricts evaluation to the predicate at a position.
type QuickEvalTarget struct {
	QuickEvalPos Position `json:"quickEvalPos"`
}

// CompilationTarget selects whole-query or quick evaluation. Exactly one
// field is set; the zero value evaluates the whole query.
type CompilationTarget struct {
	Query     *struct{}        `json:"query,omitempty"`
	QuickEval *QuickEvalTarget `json:"quickEval,omitempty"`
}

// WholeQuery returns the target that evaluates every query predicate.
func WholeQuery() CompilationTarget {
	return CompilationTarget{Query: &struct{}{}}
}

// RunQueryParams describes one evaluation.
type RunQueryParams struct {
	QueryPath               string            `json:"queryPath"`
	OutputPath              string            `json:"outputPath"`
	DB                      string            `json:"db"`
	AdditionalPacks         []string          `json:"additionalPacks"`
	Target                  CompilationTarget `json:"target"`
	ExternalInputs          map[string]string `json:"externalInputs"`
	SingletonExternalInputs map[string]string `json:"singletonExternalInputs"`
	LogPath                 string            `json:"logPath,omitempty"`
	ExtensionPacks          []string          `json:"extensionPacks,omitempty"`
}

// ResultType classifies how an evaluation ended.
type ResultType int

const (
	ResultSuccess ResultType = iota
	ResultOtherError
	ResultCompilationError
	ResultOOM
	ResultTimeout
	ResultCancellation
)

var resultTypeNames = map[ResultType]string{
	ResultSuccess:          "SUCCESS",
	ResultOtherError:       "OTHER_ERROR",
	ResultCompilationError: "COMPILATION_ERROR",
	ResultOOM:              "OOM",
	ResultTimeout:          "TIMEOUT",
	ResultCancellation:     "CANCELLATION",
}

func (r ResultType) String() string {
	if name, ok := resultTypeNames[r]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(r))
}

// RunQueryResult is the evaluator's verdict for one query.
type RunQueryResult struct {
	ResultType           ResultType `json:"resultType"`
	Message              string     `json:"message,omitempty"`
	EvaluationTime       float64    `json:"evaluationTime"`
	ExpectedDBSchemeName string     `json:"expectedDbschemeName,omitempty"`
}

// Duration converts EvaluationTime, reported in milliseconds.
func (r *RunQueryResult) Duration() time.Duration {
	return time.Duration(r.EvaluationTime * float64(time.Millisecond))
}

// Err maps an unsuccessful result onto the shared error markers, or returns
// nil on success.
func (r *RunQueryResult) Err() error {
	if r == nil || r.ResultType == ResultSuccess {
		return nil
	}
	message := r.Message
	if message == "" {
		message = "no message from evaluator"
	}
	var marker error
	switch r.ResultType {
	case ResultCompilationError:
		marker = services.ErrValidation
	case ResultTimeout:
		marker = services.ErrTimeout
	case ResultCancellation:
		marker = services.ErrTransient
	default:
		marker = services.ErrExternalTool
	}
	return services.Wrap(marker, "queryserver", "run query", r.ResultType.String(), errors.New(message))
}

// ClearCacheParams selects the database whose cache should be cleared or trimmed.
type ClearCacheParams struct {
	DB     string `json:"db"`
	DryRun bool   `json:"dryRun"`
}

// TrimCacheParams selects the database whose cache should be trimmed.
type TrimCacheParams struct {
	DB string `json:"db"`
}

// ClearCacheResult reports what the evaluator deleted.
type ClearCacheResult struct {
	DeletionMessage string `json:"deletionMessage"`
}

type messageParams struct {
	Message string `json:"message"`
}
