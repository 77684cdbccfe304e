package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofrs/flock"

	"qlbridge/internal/codeql"
	"qlbridge/internal/testsupport"
)

type stubProber struct {
	info codeql.VersionInfo
	err  error
}

func (s stubProber) Version(context.Context) (codeql.VersionInfo, error) {
	return s.info, s.err
}

type stubHistory struct{ err error }

func (s stubHistory) Ping(context.Context) error { return s.err }

func (s stubHistory) SchemaVersion(context.Context) (string, error) { return "0002", nil }

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckCodeQLVersion(t *testing.T) {
	ok := CheckCodeQLVersion(context.Background(), stubProber{info: codeql.VersionInfo{ProductName: "CodeQL", Version: "2.19.3"}})
	if !ok.Passed || ok.Detail != "CodeQL 2.19.3" {
		t.Fatalf("unexpected result %#v", ok)
	}

	failed := CheckCodeQLVersion(context.Background(), stubProber{err: errors.New("exit status 2")})
	if failed.Passed || !strings.Contains(failed.Detail, "exit status 2") {
		t.Fatalf("expected failure detail, got %#v", failed)
	}
}

func TestCheckHistory(t *testing.T) {
	if r := CheckHistory(context.Background(), "/tmp/history.db", stubHistory{}); !r.Passed || !strings.Contains(r.Detail, "schema 0002") {
		t.Fatalf("expected pass with schema version, got %#v", r)
	}
	r := CheckHistory(context.Background(), "/tmp/history.db", stubHistory{err: errors.New("database is locked")})
	if r.Passed || !strings.Contains(r.Detail, "database is locked") {
		t.Fatalf("expected failure, got %#v", r)
	}
}

func TestCheckServerLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "query-server.lock")
	if r := CheckServerLock(path); !r.Passed || r.Detail != "free" {
		t.Fatalf("expected free lock, got %#v", r)
	}

	held := flock.New(path)
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("acquire lock: ok=%v err=%v", ok, err)
	}
	defer func() { _ = held.Unlock() }()

	r := CheckServerLock(path)
	if !r.Passed || !strings.Contains(r.Detail, "another") {
		t.Fatalf("expected held lock to be reported, got %#v", r)
	}
}

func TestCheckSystemDeps_MissingBinary(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCodeQLBinary("clearly-not-a-codeql-binary"))
	statuses := CheckSystemDeps(cfg)
	if len(statuses) != 1 {
		t.Fatalf("expected only the binary check when missing, got %d", len(statuses))
	}
	if statuses[0].Available {
		t.Fatal("expected missing binary to be unavailable")
	}
}

func TestRunAll(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedCodeQL(""))
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	if err := os.Mkdir(filepath.Join(filepath.Dir(cfg.CodeQL.Binary), "tools"), 0o755); err != nil {
		t.Fatalf("mkdir tools: %v", err)
	}

	results := RunAll(context.Background(), cfg, Probes{
		CodeQL:  stubProber{info: codeql.VersionInfo{Version: "2.19.3"}},
		History: stubHistory{},
	})
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
		if !r.Passed {
			t.Errorf("check %q failed: %s", r.Name, r.Detail)
		}
	}
	want := []string{"Storage directory", "Log directory", "CodeQL CLI", "CodeQL distribution", "CodeQL version", "Run history", "Query server lock"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected checks %v", names)
	}
	if Failed(results) {
		t.Fatal("expected no failures")
	}
}

func TestRunAllReportsMissingDirectories(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithCodeQLBinary("clearly-not-a-codeql-binary"))
	results := RunAll(context.Background(), cfg, Probes{})
	if !Failed(results) {
		t.Fatal("expected failures for missing directories and binary")
	}
	if results[0].Passed {
		t.Fatalf("storage directory should not exist yet: %#v", results[0])
	}
}
