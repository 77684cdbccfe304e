package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"qlbridge/internal/config"
	"qlbridge/internal/history"
	"qlbridge/internal/services"
	"qlbridge/internal/testsupport"
)

const stubCodeQL = `case "$1 $2" in
"version --format=json")
  echo '{"productName":"CodeQL","version":"2.19.3","unpackedLocation":"/opt/codeql"}' ;;
"bqrs info")
  echo '{"resultSets":[{"name":"#select","rows":2,"columns":[{"name":"name","kind":"s"},{"name":"n","kind":"i"}]},{"name":"edges","rows":0,"columns":[{"kind":"e"}]}]}' ;;
"bqrs decode")
  echo '{"#select":{"columns":[{"name":"name","kind":"s"},{"name":"n","kind":"i"}],"tuples":[["alpha",1],["beta",2]]}}' ;;
*)
  echo "unexpected: $*" >&2
  exit 1 ;;
esac
`

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithStubbedCodeQL(stubCodeQL))
	cfg.Logging.Level = "error"
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	base := testsupport.BaseDir(cfg)
	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func seedCompletedRun(t *testing.T, store *history.Store, env *cliTestEnv, name string) *history.Run {
	t.Helper()
	query := testsupport.WriteQuery(t, env.baseDir, name, "")
	db := testsupport.MakeDatabase(t, env.baseDir, "db")
	run := testsupport.NewRun(t, store, query, db)
	if err := os.MkdirAll(run.OutputDir(), 0o755); err != nil {
		t.Fatalf("mkdir output: %v", err)
	}
	if err := os.WriteFile(run.OutputPath, []byte("bqrs"), 0o644); err != nil {
		t.Fatalf("write bqrs: %v", err)
	}
	if err := store.Complete(context.Background(), run.ID, history.Outcome{ResultType: "SUCCESS", ResultCount: 2}); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	return run
}

func TestConfigInitAndShow(t *testing.T) {
	target := filepath.Join(t.TempDir(), "qlbridge", "config.toml")

	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("unexpected init output: %q", out)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected second init without --overwrite to fail")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}

	env := setupCLITestEnv(t)
	out, _, err = runCLI(t, []string{"config", "show"}, env.configPath)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, env.cfg.Paths.StorageDir) || !strings.Contains(out, "[query_server]") {
		t.Fatalf("config show missing values: %q", out)
	}

	out, _, err = runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Fatalf("unexpected validate output: %q", out)
	}
}

func TestHistoryCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"history", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if !strings.Contains(out, "No runs recorded") {
		t.Fatalf("expected empty history, got %q", out)
	}

	store := testsupport.MustOpenStore(t, env.cfg)
	done := seedCompletedRun(t, store, env, "findCalls.ql")
	running := testsupport.NewRun(t, store, done.QueryPath, done.DatabasePath)

	out, _, err = runCLI(t, []string{"history", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("history list: %v", err)
	}
	if !strings.Contains(out, "Find Calls") || !strings.Contains(out, shortID(running.ID)) {
		t.Fatalf("history list missing runs: %q", out)
	}

	out, _, err = runCLI(t, []string{"history", "list", "--status", "completed"}, env.configPath)
	if err != nil {
		t.Fatalf("history list --status: %v", err)
	}
	if strings.Contains(out, shortID(running.ID)) {
		t.Fatalf("status filter ignored: %q", out)
	}

	_, _, err = runCLI(t, []string{"history", "list", "--status", "bogus"}, env.configPath)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for bad status, got %v", err)
	}

	out, _, err = runCLI(t, []string{"history", "show", shortID(done.ID)}, env.configPath)
	if err != nil {
		t.Fatalf("history show: %v", err)
	}
	if !strings.Contains(out, done.OutputPath) {
		t.Fatalf("history show missing output path: %q", out)
	}

	out, _, err = runCLI(t, []string{"history", "stats"}, env.configPath)
	if err != nil {
		t.Fatalf("history stats: %v", err)
	}
	if !strings.Contains(out, "completed") || !strings.Contains(out, "running") {
		t.Fatalf("unexpected stats output: %q", out)
	}

	if _, _, err := runCLI(t, []string{"history", "remove", running.ID}, env.configPath); err == nil {
		t.Fatal("expected removing a running run to fail")
	}
	out, _, err = runCLI(t, []string{"history", "remove", done.ID}, env.configPath)
	if err != nil {
		t.Fatalf("history remove: %v", err)
	}
	if !strings.Contains(out, "Removed run") {
		t.Fatalf("unexpected remove output: %q", out)
	}
	if _, err := os.Stat(done.OutputDir()); !os.IsNotExist(err) {
		t.Fatalf("expected output dir removed, stat err=%v", err)
	}

	out, _, err = runCLI(t, []string{"history", "prune", "--older-than", "1d"}, env.configPath)
	if err != nil {
		t.Fatalf("history prune: %v", err)
	}
	if !strings.Contains(out, "Pruned 0 runs") {
		t.Fatalf("unexpected prune output: %q", out)
	}
}

func TestResultsCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	store := testsupport.MustOpenStore(t, env.cfg)
	run := seedCompletedRun(t, store, env, "names.ql")

	out, _, err := runCLI(t, []string{"results", shortID(run.ID)}, env.configPath)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	for _, want := range []string{"alpha", "beta", "#select: 2 of 2 rows"} {
		if !strings.Contains(out, want) {
			t.Fatalf("results output missing %q: %q", want, out)
		}
	}

	out, _, err = runCLI(t, []string{"results", run.ID, "--list"}, env.configPath)
	if err != nil {
		t.Fatalf("results --list: %v", err)
	}
	if !strings.Contains(out, "edges") {
		t.Fatalf("result set listing missing edges: %q", out)
	}

	out, _, err = runCLI(t, []string{"results", run.ID, "--result-set", "edges"}, env.configPath)
	if err != nil {
		t.Fatalf("results --result-set edges: %v", err)
	}
	if !strings.Contains(out, "edges: no results") {
		t.Fatalf("unexpected empty result set output: %q", out)
	}

	out, _, err = runCLI(t, []string{"results", run.ID, "--json"}, env.configPath)
	if err != nil {
		t.Fatalf("results --json: %v", err)
	}
	if !strings.Contains(out, `"total_rows": 2`) || !strings.Contains(out, `"alpha"`) {
		t.Fatalf("unexpected JSON output: %q", out)
	}

	exportDir := filepath.Join(env.baseDir, "export")
	out, _, err = runCLI(t, []string{"results", run.ID, "--export", exportDir}, env.configPath)
	if err != nil {
		t.Fatalf("results --export: %v", err)
	}
	if !strings.Contains(out, "Exported 2 rows") {
		t.Fatalf("unexpected export output: %q", out)
	}
	exported := filepath.Join(exportDir, "Names-select-"+shortID(run.ID)+".csv")
	data, err := os.ReadFile(exported)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(data) != "name,n\nalpha,1\nbeta,2\n" {
		t.Fatalf("unexpected csv %q", data)
	}

	_, _, err = runCLI(t, []string{"results", run.ID, "--page", "3"}, env.configPath)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for page out of range, got %v", err)
	}
}

func TestResultsRejectsUnfinishedRun(t *testing.T) {
	env := setupCLITestEnv(t)
	store := testsupport.MustOpenStore(t, env.cfg)
	query := testsupport.WriteQuery(t, env.baseDir, "q.ql", "")
	run := testsupport.NewRun(t, store, query, testsupport.MakeDatabase(t, env.baseDir, "db"))

	_, _, err := runCLI(t, []string{"results", run.ID}, env.configPath)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if services.ExitCode(err) != 2 {
		t.Fatalf("expected exit code 2, got %d", services.ExitCode(err))
	}
}

func TestRunRequiresDatabase(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"run", "query.ql"}, env.configPath)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDoctor(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.Mkdir(filepath.Join(filepath.Dir(env.cfg.CodeQL.Binary), "tools"), 0o755); err != nil {
		t.Fatalf("mkdir tools: %v", err)
	}

	out, _, err := runCLI(t, []string{"doctor"}, env.configPath)
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	for _, want := range []string{"CodeQL 2.19.3", "Storage directory", "Run history"} {
		if !strings.Contains(out, want) {
			t.Fatalf("doctor output missing %q: %q", want, out)
		}
	}
	if strings.Contains(out, "FAIL") {
		t.Fatalf("unexpected failure in doctor output: %q", out)
	}
}

func TestDoctorReportsMissingBundle(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"doctor"}, env.configPath)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if !strings.Contains(out, "tools directory") {
		t.Fatalf("expected missing tools detail, got %q", out)
	}
}

func TestVersionCommand(t *testing.T) {
	env := setupCLITestEnv(t)
	out, _, err := runCLI(t, []string{"version"}, env.configPath)
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "qlbridge dev") || !strings.Contains(out, "CodeQL 2.19.3") {
		t.Fatalf("unexpected version output: %q", out)
	}
}

func TestLogsCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	if err := os.WriteFile(env.cfg.LogPath(), []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}
	out, _, err := runCLI(t, []string{"logs", "--lines", "2"}, env.configPath)
	if err != nil {
		t.Fatalf("logs --lines: %v", err)
	}
	if strings.Contains(out, "first") || !strings.Contains(out, "second") || !strings.Contains(out, "third") {
		t.Fatalf("unexpected logs output: %q", out)
	}

	store := testsupport.MustOpenStore(t, env.cfg)
	run := seedCompletedRun(t, store, env, "q.ql")
	if err := os.WriteFile(run.EvaluatorLogPath(), []byte("Evaluating predicate Foo\n"), 0o644); err != nil {
		t.Fatalf("write evaluator log: %v", err)
	}
	out, _, err = runCLI(t, []string{"logs", shortID(run.ID)}, env.configPath)
	if err != nil {
		t.Fatalf("logs <run>: %v", err)
	}
	if !strings.Contains(out, "Evaluating predicate Foo") {
		t.Fatalf("unexpected evaluator log output: %q", out)
	}
}

func TestLogsFollowStopsOnCancel(t *testing.T) {
	env := setupCLITestEnv(t)
	if err := os.WriteFile(env.cfg.LogPath(), []byte("start\n"), 0o644); err != nil {
		t.Fatalf("write log file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := newRootCommand()
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", env.configPath, "logs", "--follow"})

	done := make(chan error, 1)
	go func() {
		done <- cmd.ExecuteContext(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(env.cfg.LogPath(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	_, _ = f.WriteString("followed\n")
	_ = f.Close()
	time.Sleep(600 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("logs --follow: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("logs --follow did not exit")
	}
	if !strings.Contains(stdout.String(), "followed") {
		t.Fatalf("expected followed line, got %q", stdout.String())
	}
}
