package runner_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qlbridge/internal/bqrs"
	"qlbridge/internal/history"
	"qlbridge/internal/jsonrpc"
	"qlbridge/internal/queryserver"
	"qlbridge/internal/runner"
	"qlbridge/internal/services"
	"qlbridge/internal/testsupport"
)

type fakeServer struct {
	mu         sync.Mutex
	registered []string
	registers  int
	results    map[string]*queryserver.RunQueryResult
	errs       map[string]error
	delay      time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeServer) RegisterDatabases(_ context.Context, dbs []string, _ jsonrpc.ProgressFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers++
	f.registered = append(f.registered, dbs...)
	return nil
}

func (f *fakeServer) RegisteredDatabases() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.registered)
}

func (f *fakeServer) RunQuery(ctx context.Context, params queryserver.RunQueryParams, onProgress jsonrpc.ProgressFunc) (*queryserver.RunQueryResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		max := f.maxActive.Load()
		if n <= max || f.maxActive.CompareAndSwap(max, n) {
			break
		}
	}
	if onProgress != nil {
		onProgress(jsonrpc.Progress{Step: 1, MaxStep: 2, Message: "Compiling"})
		onProgress(jsonrpc.Progress{Step: 2, MaxStep: 2, Message: "Evaluating"})
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", jsonrpc.ErrCancelled, ctx.Err())
		}
	}
	name := filepath.Base(params.QueryPath)
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	if result := f.results[name]; result != nil {
		return result, nil
	}
	return &queryserver.RunQueryResult{ResultType: queryserver.ResultSuccess, EvaluationTime: 25}, nil
}

type stubDecoder struct {
	rows int64
	err  error
}

func (s stubDecoder) Decode(_ context.Context, _, _ string, _ int) (*bqrs.ResultSet, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &bqrs.ResultSet{Name: "#select", TotalRows: s.rows, Next: 1}, nil
}

type countingObserver struct {
	mu      sync.Mutex
	results []string
}

func (c *countingObserver) QueryFinished(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
}

type fixture struct {
	store *history.Store
	dir   string
	db    string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	dir := t.TempDir()
	return fixture{
		store: testsupport.MustOpenStore(t, cfg),
		dir:   dir,
		db:    testsupport.MakeDatabase(t, dir, "app-db"),
	}
}

func (f fixture) query(t *testing.T, name string) string {
	return testsupport.WriteQuery(t, f.dir, name, "")
}

func TestRunSuccessRecordsHistoryAndDecodes(t *testing.T) {
	fx := newFixture(t)
	server := &fakeServer{}
	observer := &countingObserver{}
	var events atomic.Int32
	r := runner.New(server, fx.store, stubDecoder{rows: 7},
		runner.WithObserver(observer),
		runner.WithProgress(func(runner.Event) { events.Add(1) }),
	)
	ctx := context.Background()

	res, err := r.Run(ctx, runner.Request{QueryPath: fx.query(t, "FindCalls.ql"), DatabasePath: fx.db})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Page == nil || res.Page.TotalRows != 7 {
		t.Fatalf("expected decoded page, got %+v", res.Page)
	}
	if events.Load() != 2 {
		t.Fatalf("expected 2 progress events, got %d", events.Load())
	}

	run, err := fx.store.Get(ctx, res.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != history.StatusCompleted || run.ResultCount != 7 || run.ResultType != "SUCCESS" {
		t.Fatalf("unexpected history %+v", run)
	}
	if run.Evaluation != 25*time.Millisecond {
		t.Fatalf("unexpected evaluation time %s", run.Evaluation)
	}
	if _, err := os.Stat(run.QuerySnapshotPath()); err != nil {
		t.Fatalf("expected query snapshot: %v", err)
	}

	if _, err := r.Run(ctx, runner.Request{QueryPath: fx.query(t, "Other.ql"), DatabasePath: fx.db}); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if server.registers != 1 {
		t.Fatalf("expected database registered once, got %d", server.registers)
	}
	if strings.Join(observer.results, ",") != "SUCCESS,SUCCESS" {
		t.Fatalf("unexpected observed results %v", observer.results)
	}
}

func TestRunClassifiesEvaluatorVerdicts(t *testing.T) {
	fx := newFixture(t)
	server := &fakeServer{
		results: map[string]*queryserver.RunQueryResult{
			"Broken.ql":    {ResultType: queryserver.ResultCompilationError, Message: "could not resolve type"},
			"Slow.ql":      {ResultType: queryserver.ResultTimeout, Message: "timed out"},
			"Cancelled.ql": {ResultType: queryserver.ResultCancellation},
		},
		errs: map[string]error{
			"Aborted.ql": fmt.Errorf("%w: evaluation/runQuery: %w", jsonrpc.ErrCancelled, context.Canceled),
			"Lost.ql":    fmt.Errorf("%w: EOF", jsonrpc.ErrConnectionClosed),
		},
	}
	r := runner.New(server, fx.store, stubDecoder{})

	cases := []struct {
		query      string
		status     history.Status
		resultType string
		marker     error
	}{
		{"Broken.ql", history.StatusFailed, "COMPILATION_ERROR", services.ErrValidation},
		{"Slow.ql", history.StatusFailed, "TIMEOUT", services.ErrTimeout},
		{"Cancelled.ql", history.StatusCancelled, "", services.ErrTransient},
		{"Aborted.ql", history.StatusCancelled, "", jsonrpc.ErrCancelled},
		{"Lost.ql", history.StatusFailed, runner.OutcomeTransportError, jsonrpc.ErrConnectionClosed},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			res, err := r.Run(context.Background(), runner.Request{QueryPath: fx.query(t, tc.query), DatabasePath: fx.db})
			if !errors.Is(err, tc.marker) {
				t.Fatalf("expected %v, got %v", tc.marker, err)
			}
			run, gerr := fx.store.Get(context.Background(), res.Run.ID)
			if gerr != nil {
				t.Fatal(gerr)
			}
			if run.Status != tc.status || run.ResultType != tc.resultType {
				t.Fatalf("unexpected history status=%s result_type=%q", run.Status, run.ResultType)
			}
			if res.Page != nil {
				t.Fatal("failed runs should not decode results")
			}
		})
	}
}

func TestRunCancelledContextRecordsCancellation(t *testing.T) {
	fx := newFixture(t)
	r := runner.New(&fakeServer{delay: 5 * time.Second}, fx.store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := r.Run(ctx, runner.Request{QueryPath: fx.query(t, "Long.ql"), DatabasePath: fx.db})
	if !errors.Is(err, jsonrpc.ErrCancelled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	run, err := fx.store.Get(context.Background(), res.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != history.StatusCancelled {
		t.Fatalf("expected cancelled run, got %s", run.Status)
	}
	if run.ResultType != queryserver.ResultCancellation.String() || run.Message != "cancelled" {
		t.Fatalf("expected cancellation outcome recorded, got type=%q message=%q", run.ResultType, run.Message)
	}
}

func TestRunEvaluatorCancellationKeepsOutcome(t *testing.T) {
	fx := newFixture(t)
	server := &fakeServer{results: map[string]*queryserver.RunQueryResult{
		"Stopped.ql": {ResultType: queryserver.ResultCancellation, Message: "Query was cancelled", EvaluationTime: 1200},
	}}
	r := runner.New(server, fx.store, nil)

	res, err := r.Run(context.Background(), runner.Request{QueryPath: fx.query(t, "Stopped.ql"), DatabasePath: fx.db})
	if err == nil {
		t.Fatal("expected cancellation verdict to surface as an error")
	}
	run, err := fx.store.Get(context.Background(), res.Run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != history.StatusCancelled || run.ResultType != "CANCELLATION" || run.Message != "Query was cancelled" {
		t.Fatalf("unexpected run %+v", run)
	}
	if run.Evaluation != 1200*time.Millisecond {
		t.Fatalf("expected evaluation time kept, got %s", run.Evaluation)
	}
}

func TestRunDecodeFailureStillCompletes(t *testing.T) {
	fx := newFixture(t)
	r := runner.New(&fakeServer{}, fx.store, stubDecoder{err: errors.New("bqrs decode exploded")})

	res, err := r.Run(context.Background(), runner.Request{QueryPath: fx.query(t, "A.ql"), DatabasePath: fx.db})
	if err == nil || !strings.Contains(err.Error(), "decode results") {
		t.Fatalf("expected decode error, got %v", err)
	}
	run, gerr := fx.store.Get(context.Background(), res.Run.ID)
	if gerr != nil {
		t.Fatal(gerr)
	}
	if run.Status != history.StatusCompleted {
		t.Fatalf("evaluation succeeded, expected completed, got %s", run.Status)
	}
}

func TestRunValidatesRequest(t *testing.T) {
	fx := newFixture(t)
	r := runner.New(&fakeServer{}, fx.store, nil)

	if _, err := r.Run(context.Background(), runner.Request{QueryPath: filepath.Join(fx.dir, "missing.ql"), DatabasePath: fx.db}); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.Run(context.Background(), runner.Request{QueryPath: fx.dir, DatabasePath: fx.db}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for directory, got %v", err)
	}
	if _, err := r.Run(context.Background(), runner.Request{QueryPath: fx.query(t, "A.ql")}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for missing database, got %v", err)
	}
	runs, err := fx.store.List(context.Background(), 0)
	if err != nil || len(runs) != 0 {
		t.Fatalf("invalid requests should not be recorded: %v %v", runs, err)
	}
}

func TestRunAllReturnsNilWhenEveryQuerySucceeds(t *testing.T) {
	fx := newFixture(t)
	r := runner.New(&fakeServer{}, fx.store, stubDecoder{rows: 1}, runner.WithParallelism(3))

	reqs := []runner.Request{
		{QueryPath: fx.query(t, "A.ql"), DatabasePath: fx.db},
		{QueryPath: fx.query(t, "B.ql"), DatabasePath: fx.db},
	}
	results, err := r.RunAll(context.Background(), reqs)
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	for i, res := range results {
		if res.Err != nil || res.Run == nil {
			t.Fatalf("result %d: %+v", i, res)
		}
	}
}

func TestRunAllRespectsParallelismAndOrder(t *testing.T) {
	fx := newFixture(t)
	server := &fakeServer{
		delay: 30 * time.Millisecond,
		results: map[string]*queryserver.RunQueryResult{
			"Q2.ql": {ResultType: queryserver.ResultOtherError, Message: "boom"},
		},
	}
	r := runner.New(server, fx.store, stubDecoder{rows: 1}, runner.WithParallelism(2))

	var reqs []runner.Request
	for i := 0; i < 5; i++ {
		reqs = append(reqs, runner.Request{QueryPath: fx.query(t, fmt.Sprintf("Q%d.ql", i)), DatabasePath: fx.db})
	}
	results, err := r.RunAll(context.Background(), reqs)
	if err == nil || !strings.Contains(err.Error(), "Q2.ql") {
		t.Fatalf("expected joined error naming Q2.ql, got %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for i, res := range results {
		if want := fmt.Sprintf("Q%d.ql", i); filepath.Base(res.Run.QueryPath) != want {
			t.Fatalf("result %d is %s, want %s", i, res.Run.QueryPath, want)
		}
		if (i == 2) != (res.Err != nil) {
			t.Fatalf("unexpected error state for result %d: %v", i, res.Err)
		}
	}
	if got := server.maxActive.Load(); got > 2 || got < 1 {
		t.Fatalf("expected at most 2 concurrent evaluations, saw %d", got)
	}
	if server.registers != 1 {
		t.Fatalf("expected one registration, got %d", server.registers)
	}
}
