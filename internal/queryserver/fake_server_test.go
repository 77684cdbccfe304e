package queryserver

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"

	"qlbridge/internal/jsonrpc"
)

const (
	fakeServerEnv    = "QLBRIDGE_FAKE_QUERY_SERVER"
	fakeModeEnv      = "QLBRIDGE_FAKE_MODE"
	fakeMarkerEnv    = "QLBRIDGE_FAKE_MARKER"
	fakeMethodLogEnv = "QLBRIDGE_FAKE_METHOD_LOG"
)

// TestQueryServerHelperProcess is not a real test. It stands in for
// `codeql execution query-server2` when the client spawns the test binary.
func TestQueryServerHelperProcess(t *testing.T) {
	if os.Getenv(fakeServerEnv) != "1" {
		return
	}
	os.Exit(runFakeServer(os.Getenv(fakeModeEnv)))
}

type fakeMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type fakeEnvelope struct {
	Body       json.RawMessage `json:"body"`
	ProgressID int64           `json:"progressId"`
}

type fakeServer struct {
	mode   string
	writer jsonrpc.FrameWriter

	writeMu sync.Mutex
	mu      sync.Mutex
	slow    map[int64]chan struct{}
}

func runFakeServer(mode string) int {
	if mode == "exit-immediately" {
		fmt.Fprintln(os.Stderr, "A fatal error occurred: cache directory is locked")
		return 2
	}
	s := &fakeServer{
		mode:   mode,
		writer: jsonrpc.NewFrameWriter(jsonrpc.FramingHeader, os.Stdout),
		slow:   make(map[int64]chan struct{}),
	}
	reader := jsonrpc.NewFrameReader(jsonrpc.FramingHeader, os.Stdin, 0)
	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			if mode == "ignore-shutdown" {
				select {}
			}
			if err == io.EOF {
				return 0
			}
			return 1
		}
		var msg fakeMessage
		if err := json.Unmarshal(frame, &msg); err != nil {
			return 1
		}
		logMethod(msg.Method)
		if msg.Method == jsonrpc.MethodCancelRequest {
			s.cancel(msg.Params)
			continue
		}
		if msg.ID == nil {
			continue
		}
		go s.handle(*msg.ID, msg.Method, msg.Params)
	}
}

func logMethod(method string) {
	path := os.Getenv(fakeMethodLogEnv)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, method)
}

func (s *fakeServer) handle(id int64, method string, raw json.RawMessage) {
	var env fakeEnvelope
	_ = json.Unmarshal(raw, &env)

	switch method {
	case MethodShutdown:
		if s.mode == "ignore-shutdown" {
			return
		}
		s.reply(id, nil)
	case MethodRegisterDatabases, MethodDeregisterDatabases:
		if s.mode == "hang-register-on-restart" && markerPresent() {
			return
		}
		var body RegisterDatabasesParams
		_ = json.Unmarshal(env.Body, &body)
		s.reply(id, RegisterDatabasesResult{RegisteredDatabases: body.Databases})
	case MethodClearCache, MethodTrimCache:
		s.progress(env.ProgressID, 1, 1, "Clearing cache")
		s.reply(id, ClearCacheResult{DeletionMessage: "Deleted 3 cached predicates"})
	case MethodRunQuery:
		s.runQuery(id, env)
	default:
		s.replyError(id, jsonrpc.CodeMethodNotFound, "unknown method "+method)
	}
}

func (s *fakeServer) runQuery(id int64, env fakeEnvelope) {
	var params RunQueryParams
	_ = json.Unmarshal(env.Body, &params)

	switch {
	case (s.mode == "crash-on-run" || s.mode == "hang-register-on-restart") && !markerExists():
		fmt.Fprintln(os.Stderr, "Oops! A fatal internal error occurred.")
		os.Exit(3)
	case s.mode == "garbage-on-run" && !markerExists():
		s.writeMu.Lock()
		_, _ = io.WriteString(os.Stdout, "Content-Length: 3\r\n\r\nxyz")
		select {}
	case strings.Contains(params.QueryPath, "compile-error"):
		s.reply(id, RunQueryResult{
			ResultType: ResultCompilationError,
			Message:    "ERROR: could not resolve type Foo",
		})
	case strings.Contains(params.QueryPath, "slow"):
		ch := make(chan struct{})
		s.mu.Lock()
		s.slow[id] = ch
		s.mu.Unlock()
		select {
		case <-ch:
			s.replyError(id, jsonrpc.CodeRequestCancelled, "The operation was cancelled")
		case <-time.After(30 * time.Second):
			s.reply(id, RunQueryResult{ResultType: ResultSuccess})
		}
	default:
		s.progress(env.ProgressID, 1, 2, "Compiling query")
		s.notify(MethodMessage, messageParams{Message: "Evaluation starting\n"})
		s.progress(env.ProgressID, 2, 2, "Evaluating query")
		if params.OutputPath != "" {
			_ = os.WriteFile(params.OutputPath, []byte("bqrs"), 0o644)
		}
		s.reply(id, RunQueryResult{ResultType: ResultSuccess, EvaluationTime: 42})
	}
}

func markerPresent() bool {
	_, err := os.Stat(os.Getenv(fakeMarkerEnv))
	return err == nil
}

// markerExists creates the marker on first use so only the first query crashes.
func markerExists() bool {
	path := os.Getenv(fakeMarkerEnv)
	if _, err := os.Stat(path); err == nil {
		return true
	}
	_ = os.WriteFile(path, nil, 0o644)
	return false
}

func (s *fakeServer) cancel(raw json.RawMessage) {
	var params struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.slow[params.ID]
	delete(s.slow, params.ID)
	s.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (s *fakeServer) progress(progressID int64, step, maxStep int, message string) {
	s.notify(jsonrpc.MethodProgress, jsonrpc.Progress{ID: progressID, Step: step, MaxStep: maxStep, Message: message})
}

func (s *fakeServer) notify(method string, params any) {
	s.send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func (s *fakeServer) reply(id int64, result any) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *fakeServer) replyError(id int64, code int64, message string) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": message}})
}

func (s *fakeServer) send(msg map[string]any) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.writer.WriteFrame(body)
}
