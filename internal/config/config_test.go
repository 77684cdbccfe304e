package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pelletier/go-toml/v2"

	"qlbridge/internal/config"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("CODEQL_PATH", "")
	t.Setenv("CODEQL_DIST", "")
	return tempHome
}

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := isolateEnv(t)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantStorage := filepath.Join(tempHome, ".local", "share", "qlbridge")
	if cfg.Paths.StorageDir != wantStorage {
		t.Fatalf("unexpected storage dir: got %q want %q", cfg.Paths.StorageDir, wantStorage)
	}
	if cfg.Paths.LogDir != filepath.Join(wantStorage, "logs") {
		t.Fatalf("unexpected log dir: %q", cfg.Paths.LogDir)
	}
	if cfg.CodeQL.Binary != "codeql" {
		t.Fatalf("expected bare codeql binary, got %q", cfg.CodeQL.Binary)
	}
	if cfg.QueryServer.Framing != "header" {
		t.Fatalf("expected header framing by default, got %q", cfg.QueryServer.Framing)
	}
	if !cfg.QueryServer.RestartOnFailure {
		t.Fatal("expected restart on failure enabled by default")
	}
	if cfg.QueryServer.MaxRestarts != 3 {
		t.Fatalf("unexpected max restarts: %d", cfg.QueryServer.MaxRestarts)
	}
	if diff := cmp.Diff([]string{"url", "string"}, cfg.Results.Entities); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
	if cfg.HistoryPath() != filepath.Join(wantStorage, "history.db") {
		t.Fatalf("unexpected history path: %q", cfg.HistoryPath())
	}
	if cfg.LockPath() != filepath.Join(wantStorage, "queryserver.lock") {
		t.Fatalf("unexpected lock path: %q", cfg.LockPath())
	}
	if cfg.ShutdownGrace().Seconds() != 5 {
		t.Fatalf("unexpected shutdown grace: %s", cfg.ShutdownGrace())
	}
	if cfg.StartupGrace().Milliseconds() != 500 {
		t.Fatalf("unexpected startup grace: %s", cfg.StartupGrace())
	}
}

func TestLoadCustomConfig(t *testing.T) {
	tempHome := isolateEnv(t)

	configPath := filepath.Join(t.TempDir(), "config.toml")
	payload := struct {
		Paths struct {
			StorageDir string `toml:"storage_dir"`
		} `toml:"paths"`
		CodeQL struct {
			Binary string `toml:"binary"`
		} `toml:"codeql"`
		QueryServer struct {
			Threads           int      `toml:"threads"`
			EvaluatorLogLevel int      `toml:"evaluator_log_level"`
			Framing           string   `toml:"framing"`
			ExtraArgs         []string `toml:"extra_args"`
			RestartOnFailure  bool     `toml:"restart_on_failure"`
		} `toml:"query_server"`
		Results struct {
			PageSize int      `toml:"page_size"`
			Entities []string `toml:"entities"`
		} `toml:"results"`
		Logging struct {
			Format string `toml:"format"`
			Level  string `toml:"level"`
		} `toml:"logging"`
	}{}
	payload.Paths.StorageDir = "~/ql"
	payload.CodeQL.Binary = "~/tools/codeql/codeql"
	payload.QueryServer.Threads = 8
	payload.QueryServer.EvaluatorLogLevel = 3
	payload.QueryServer.Framing = " LINE "
	payload.QueryServer.ExtraArgs = []string{"--tuple-counting", "  ", "--no-release-compatibility"}
	payload.QueryServer.RestartOnFailure = false
	payload.Results.PageSize = 25
	payload.Results.Entities = []string{"URL", "string", "url", " "}
	payload.Logging.Format = "JSON"
	payload.Logging.Level = "DEBUG"

	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Paths.StorageDir != filepath.Join(tempHome, "ql") {
		t.Fatalf("unexpected storage dir: %q", cfg.Paths.StorageDir)
	}
	if cfg.CodeQL.Binary != filepath.Join(tempHome, "tools", "codeql", "codeql") {
		t.Fatalf("unexpected binary: %q", cfg.CodeQL.Binary)
	}
	if cfg.QueryServer.Threads != 8 {
		t.Fatalf("unexpected threads: %d", cfg.QueryServer.Threads)
	}
	if cfg.QueryServer.EvaluatorLogLevel != 3 {
		t.Fatalf("unexpected evaluator log level: %d", cfg.QueryServer.EvaluatorLogLevel)
	}
	if cfg.QueryServer.Framing != "line" {
		t.Fatalf("expected normalized framing, got %q", cfg.QueryServer.Framing)
	}
	if diff := cmp.Diff([]string{"--tuple-counting", "--no-release-compatibility"}, cfg.QueryServer.ExtraArgs); diff != "" {
		t.Fatalf("extra args mismatch (-want +got):\n%s", diff)
	}
	if cfg.QueryServer.RestartOnFailure {
		t.Fatal("expected restart on failure disabled")
	}
	if diff := cmp.Diff([]string{"url", "string"}, cfg.Results.Entities); diff != "" {
		t.Fatalf("entities mismatch (-want +got):\n%s", diff)
	}
	if cfg.Results.PageSize != 25 {
		t.Fatalf("unexpected page size: %d", cfg.Results.PageSize)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging config: %+v", cfg.Logging)
	}
}

func TestCodeQLEnvironmentFallbacks(t *testing.T) {
	isolateEnv(t)

	dist := t.TempDir()
	t.Setenv("CODEQL_DIST", dist)
	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.CodeQL.Binary != filepath.Join(dist, "codeql") {
		t.Fatalf("expected CODEQL_DIST binary, got %q", cfg.CodeQL.Binary)
	}

	explicit := filepath.Join(t.TempDir(), "bin", "codeql")
	t.Setenv("CODEQL_PATH", explicit)
	cfg, _, _, err = config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.CodeQL.Binary != explicit {
		t.Fatalf("expected CODEQL_PATH to win, got %q", cfg.CodeQL.Binary)
	}
}

func TestCodeQLExplicitBinaryIgnoresEnvironment(t *testing.T) {
	isolateEnv(t)
	t.Setenv("CODEQL_PATH", "/opt/other/codeql")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[codeql]\nbinary = \"/usr/local/codeql/codeql\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.CodeQL.Binary != "/usr/local/codeql/codeql" {
		t.Fatalf("expected configured binary, got %q", cfg.CodeQL.Binary)
	}
}

func TestValidateRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name:   "framing",
			mutate: func(c *config.Config) { c.QueryServer.Framing = "websocket" },
			want:   "query_server.framing",
		},
		{
			name:   "negative threads",
			mutate: func(c *config.Config) { c.QueryServer.Threads = -1 },
			want:   "query_server.threads",
		},
		{
			name:   "evaluator log level",
			mutate: func(c *config.Config) { c.QueryServer.EvaluatorLogLevel = 9 },
			want:   "query_server.evaluator_log_level",
		},
		{
			name:   "negative restarts",
			mutate: func(c *config.Config) { c.QueryServer.MaxRestarts = -2 },
			want:   "query_server.max_restarts",
		},
		{
			name:   "zero frame limit",
			mutate: func(c *config.Config) { c.QueryServer.MaxFrameBytes = 0 },
			want:   "query_server.max_frame_bytes",
		},
		{
			name:   "entity column",
			mutate: func(c *config.Config) { c.Results.Entities = []string{"label"} },
			want:   "results.entities",
		},
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Logging.Level = "verbose" },
			want:   "logging.level",
		},
		{
			name:   "binary",
			mutate: func(c *config.Config) { c.CodeQL.Binary = " " },
			want:   "codeql.binary",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	isolateEnv(t)
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[query_server\nthreads = 2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(configPath); err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestEnsureDirectoriesCreatesLayout(t *testing.T) {
	isolateEnv(t)
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.StorageDir = filepath.Join(base, "storage")
	cfg.Paths.LogDir = filepath.Join(base, "logs")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories returned error: %v", err)
	}
	for _, dir := range []string{cfg.Paths.StorageDir, cfg.QueriesDir(), cfg.Paths.LogDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected %s to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %s to be a directory", dir)
		}
	}
}

func TestCreateSampleLoadsCleanly(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("sample config should load: %v", err)
	}
	if !exists {
		t.Fatal("expected sample config to exist")
	}
	defaults := config.Default()
	if cfg.QueryServer.MaxParallelQueries != defaults.QueryServer.MaxParallelQueries {
		t.Fatalf("sample parallelism drifted from defaults: %d", cfg.QueryServer.MaxParallelQueries)
	}
	if cfg.Results.PageSize != defaults.Results.PageSize {
		t.Fatalf("sample page size drifted from defaults: %d", cfg.Results.PageSize)
	}
}
