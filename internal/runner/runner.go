package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"qlbridge/internal/bqrs"
	"qlbridge/internal/fileutil"
	"qlbridge/internal/history"
	"qlbridge/internal/jsonrpc"
	"qlbridge/internal/logging"
	"qlbridge/internal/queryserver"
	"qlbridge/internal/services"
)

const component = "runner"

// QueryServer is the part of the query server client the runner drives.
type QueryServer interface {
	RegisterDatabases(ctx context.Context, databases []string, onProgress jsonrpc.ProgressFunc) error
	RegisteredDatabases() []string
	RunQuery(ctx context.Context, params queryserver.RunQueryParams, onProgress jsonrpc.ProgressFunc) (*queryserver.RunQueryResult, error)
}

// ResultDecoder reads pages of a finished run's results.
type ResultDecoder interface {
	Decode(ctx context.Context, path, resultSet string, page int) (*bqrs.ResultSet, error)
}

// HistoryStore records run lifecycles.
type HistoryStore interface {
	Create(ctx context.Context, queryPath, databasePath string) (*history.Run, error)
	Complete(ctx context.Context, id string, outcome history.Outcome) error
	Fail(ctx context.Context, id string, outcome history.Outcome) error
	Cancel(ctx context.Context, id string, outcome history.Outcome) error
}

// QueryObserver is told how each evaluation ended.
type QueryObserver interface {
	QueryFinished(result string)
}

// Outcome labels for evaluations that never produced a result type.
const (
	OutcomeTransportError = "TRANSPORT_ERROR"
	OutcomeSetupError     = "SETUP_ERROR"
)

// Request describes one query to evaluate.
type Request struct {
	QueryPath       string
	DatabasePath    string
	AdditionalPacks []string
	ExternalInputs  map[string]string
	// ResultSet names the result set decoded after a successful run; empty
	// selects the default.
	ResultSet string
}

// Result is the outcome of one evaluation.
type Result struct {
	Run   *history.Run
	Query *queryserver.RunQueryResult
	// Page is the first page of results for a successful run.
	Page *bqrs.ResultSet
	Err  error
}

// Event is a progress update tagged with the run it belongs to.
type Event struct {
	RunID     string
	QueryName string
	Progress  jsonrpc.Progress
}

// Option customizes a Runner.
type Option func(*Runner)

// WithProgress receives every progress update. It may be called from
// several goroutines when queries run concurrently.
func WithProgress(fn func(Event)) Option {
	return func(r *Runner) { r.onProgress = fn }
}

// WithParallelism caps concurrent evaluations in RunAll.
func WithParallelism(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.parallel = n
		}
	}
}

// WithObserver reports finished evaluations, typically to metrics.
func WithObserver(o QueryObserver) Option {
	return func(r *Runner) { r.observer = o }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logging.NewComponentLogger(logger, component) }
}

// Runner orchestrates evaluations against one query server.
type Runner struct {
	server   QueryServer
	store    HistoryStore
	decoder  ResultDecoder
	observer QueryObserver
	logger   *slog.Logger
	parallel int

	onProgress func(Event)

	registerMu sync.Mutex
}

// New returns a runner. decoder may be nil to skip result decoding.
func New(server QueryServer, store HistoryStore, decoder ResultDecoder, opts ...Option) *Runner {
	r := &Runner{
		server:   server,
		store:    store,
		decoder:  decoder,
		logger:   logging.NewComponentLogger(nil, component),
		parallel: 1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run evaluates one query and records it in history. The returned Result is
// non-nil whenever a history record was created, even when err is set.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}

	run, err := r.store.Create(ctx, req.QueryPath, req.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	ctx = services.WithRunID(ctx, run.ID)
	logger := logging.WithContext(ctx, r.logger).With(
		logging.String(logging.FieldQuery, run.QueryName),
		logging.String(logging.FieldDatabase, req.DatabasePath),
	)
	res := &Result{Run: run}

	if err := r.prepareOutput(run, req.QueryPath, logger); err != nil {
		return r.fail(ctx, res, OutcomeSetupError, err)
	}
	if err := r.ensureRegistered(ctx, req.DatabasePath); err != nil {
		return r.fail(ctx, res, OutcomeSetupError, err)
	}

	logger.Info("query evaluation started", logging.String("output", run.OutputPath))
	qr, err := r.server.RunQuery(ctx, queryserver.RunQueryParams{
		QueryPath:       req.QueryPath,
		OutputPath:      run.OutputPath,
		DB:              req.DatabasePath,
		AdditionalPacks: req.AdditionalPacks,
		ExternalInputs:  req.ExternalInputs,
		Target:          queryserver.WholeQuery(),
		LogPath:         run.EvaluatorLogPath(),
	}, r.progressFunc(run, logger))
	if err != nil {
		if errors.Is(err, jsonrpc.ErrCancelled) {
			return r.cancel(ctx, res, history.Outcome{ResultType: queryserver.ResultCancellation.String()}, err)
		}
		return r.fail(ctx, res, OutcomeTransportError, err)
	}
	res.Query = qr

	outcome := history.Outcome{
		ResultType: qr.ResultType.String(),
		Message:    strings.TrimSpace(qr.Message),
		Evaluation: qr.Duration(),
	}
	switch qr.ResultType {
	case queryserver.ResultSuccess:
	case queryserver.ResultCancellation:
		return r.cancel(ctx, res, outcome, qr.Err())
	default:
		res.Err = qr.Err()
		r.finish(ctx, run.ID, history.StatusFailed, outcome)
		logger.Warn("query evaluation failed",
			logging.String("result_type", outcome.ResultType),
			logging.String("message", outcome.Message),
			logging.Duration("evaluation", outcome.Evaluation),
		)
		return res, res.Err
	}

	if r.decoder != nil {
		page, err := r.decoder.Decode(ctx, run.OutputPath, req.ResultSet, 0)
		if err != nil {
			res.Err = fmt.Errorf("decode results: %w", err)
			logger.Warn("result decoding failed", logging.Error(err))
		} else {
			res.Page = page
			outcome.ResultCount = page.TotalRows
		}
	}
	r.finish(ctx, run.ID, history.StatusCompleted, outcome)
	logger.Info("query evaluation completed",
		logging.Int64("results", outcome.ResultCount),
		logging.Duration("evaluation", outcome.Evaluation),
	)
	return res, res.Err
}

// RunAll evaluates reqs concurrently, at most the configured parallelism at
// a time. Results keep the order of reqs; per-query failures are reported in
// Result.Err and joined into the returned error.
func (r *Runner) RunAll(ctx context.Context, reqs []Request) ([]*Result, error) {
	results := make([]*Result, len(reqs))

	var databases []string
	for _, req := range reqs {
		if db, err := filepath.Abs(strings.TrimSpace(req.DatabasePath)); err == nil && !slices.Contains(databases, db) {
			databases = append(databases, db)
		}
	}
	for _, db := range databases {
		if err := r.ensureRegistered(ctx, db); err != nil {
			return results, err
		}
	}

	var g errgroup.Group
	g.SetLimit(r.parallel)
	for i, req := range reqs {
		g.Go(func() error {
			res, err := r.Run(ctx, req)
			if res == nil {
				res = &Result{}
			}
			res.Err = err
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err == nil {
		return results, nil
	}

	var errs []error
	for i, res := range results {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", reqs[i].QueryPath, res.Err))
		}
	}
	return results, errors.Join(errs...)
}

func normalizeRequest(req Request) (Request, error) {
	query := strings.TrimSpace(req.QueryPath)
	db := strings.TrimSpace(req.DatabasePath)
	if query == "" || db == "" {
		return req, services.Wrap(services.ErrValidation, component, "run", "query and database are required", nil)
	}
	var err error
	if req.QueryPath, err = filepath.Abs(query); err != nil {
		return req, services.Wrap(services.ErrValidation, component, "run", "resolve query path", err)
	}
	if req.DatabasePath, err = filepath.Abs(db); err != nil {
		return req, services.Wrap(services.ErrValidation, component, "run", "resolve database path", err)
	}
	info, err := os.Stat(req.QueryPath)
	if err != nil {
		return req, services.Wrap(services.ErrNotFound, component, "run", req.QueryPath, err)
	}
	if info.IsDir() {
		return req, services.Wrap(services.ErrValidation, component, "run", req.QueryPath+" is a directory", nil)
	}
	return req, nil
}

// prepareOutput creates the run directory and snapshots the query text.
func (r *Runner) prepareOutput(run *history.Run, queryPath string, logger *slog.Logger) error {
	if err := os.MkdirAll(run.OutputDir(), 0o755); err != nil {
		return services.Wrap(services.ErrConfiguration, component, "prepare output", run.OutputDir(), err)
	}
	digest, err := fileutil.SnapshotFile(queryPath, run.QuerySnapshotPath())
	if err != nil {
		logger.Warn("query snapshot failed", logging.Error(err))
		return nil
	}
	logger.Debug("query snapshot written", logging.String("sha256", digest))
	return nil
}

// ensureRegistered registers db with the server unless it already is.
func (r *Runner) ensureRegistered(ctx context.Context, db string) error {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()
	if slices.Contains(r.server.RegisteredDatabases(), db) {
		return nil
	}
	if err := r.server.RegisterDatabases(ctx, []string{db}, nil); err != nil {
		return fmt.Errorf("register database %s: %w", db, err)
	}
	r.logger.Info("database registered", logging.String(logging.FieldDatabase, db))
	return nil
}

func (r *Runner) progressFunc(run *history.Run, logger *slog.Logger) jsonrpc.ProgressFunc {
	var mu sync.Mutex
	sampler := logging.NewProgressSampler(0)
	return func(p jsonrpc.Progress) {
		mu.Lock()
		emit := sampler.ShouldLog(p.Step, p.MaxStep, p.Message)
		mu.Unlock()
		if emit {
			logger.Info("query progress",
				logging.Int(logging.FieldProgressStep, p.Step),
				logging.Int(logging.FieldProgressMax, p.MaxStep),
				logging.String("message", p.Message),
			)
		}
		if r.onProgress != nil {
			r.onProgress(Event{RunID: run.ID, QueryName: run.QueryName, Progress: p})
		}
	}
}

func (r *Runner) fail(ctx context.Context, res *Result, resultType string, err error) (*Result, error) {
	res.Err = err
	r.finish(ctx, res.Run.ID, history.StatusFailed, history.Outcome{ResultType: resultType, Message: err.Error()})
	logging.WarnWithContext(r.logger, "query evaluation failed", "query_failed",
		logging.String(logging.FieldRunID, res.Run.ID),
		logging.String("result_type", resultType),
		logging.Error(err),
	)
	return res, err
}

func (r *Runner) cancel(ctx context.Context, res *Result, outcome history.Outcome, err error) (*Result, error) {
	res.Err = err
	r.finish(ctx, res.Run.ID, history.StatusCancelled, outcome)
	r.logger.Info("query evaluation cancelled", logging.String(logging.FieldRunID, res.Run.ID))
	return res, err
}

// finish records the terminal status even when ctx is already cancelled.
func (r *Runner) finish(ctx context.Context, id string, status history.Status, outcome history.Outcome) {
	ctx = context.WithoutCancel(ctx)
	var err error
	switch status {
	case history.StatusCompleted:
		err = r.store.Complete(ctx, id, outcome)
	case history.StatusCancelled:
		err = r.store.Cancel(ctx, id, outcome)
	default:
		err = r.store.Fail(ctx, id, outcome)
	}
	if err != nil {
		r.logger.Warn("record run outcome failed", logging.String(logging.FieldRunID, id), logging.Error(err))
	}
	if r.observer != nil {
		r.observer.QueryFinished(outcome.ResultType)
	}
}
