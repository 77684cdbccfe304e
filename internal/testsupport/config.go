package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"qlbridge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StorageDir = filepath.Join(base, "storage")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.QueryServer.StartupGraceMillis = 50
	cfgVal.QueryServer.ShutdownGraceSeconds = 2

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithCodeQLBinary points the config at a specific launcher.
func WithCodeQLBinary(path string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.CodeQL.Binary = path
	}
}

// WithPageSize overrides the result page size.
func WithPageSize(rows int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Results.PageSize = rows
	}
}

// WithStubbedCodeQL writes a shell script named codeql with the given body,
// prepends its directory to PATH, and points the config at it.
func WithStubbedCodeQL(body string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		if body == "" {
			body = "exit 0\n"
		}
		target := filepath.Join(binDir, "codeql")
		if err := os.WriteFile(target, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
			b.t.Fatalf("write codeql stub: %v", err)
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
		b.cfg.CodeQL.Binary = target
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StorageDir)
}
