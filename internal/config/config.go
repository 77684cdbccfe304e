package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StorageDir string `toml:"storage_dir"`
	LogDir     string `toml:"log_dir"`
}

// CodeQL contains configuration for the CodeQL command-line toolchain.
type CodeQL struct {
	Binary                string `toml:"binary"`
	CommandTimeoutSeconds int    `toml:"command_timeout_seconds"`
}

// QueryServer contains configuration for the long-running evaluator process.
type QueryServer struct {
	Threads              int      `toml:"threads"`
	TimeoutSeconds       int      `toml:"timeout_seconds"`
	MaxDiskCacheMB       int      `toml:"max_disk_cache_mb"`
	EvaluatorLogLevel    int      `toml:"evaluator_log_level"`
	Debug                bool     `toml:"debug"`
	ExtraArgs            []string `toml:"extra_args"`
	Framing              string   `toml:"framing"`
	MaxFrameBytes        int      `toml:"max_frame_bytes"`
	StartupGraceMillis   int      `toml:"startup_grace_ms"`
	ShutdownGraceSeconds int      `toml:"shutdown_grace_seconds"`
	RestartOnFailure     bool     `toml:"restart_on_failure"`
	MaxRestarts          int      `toml:"max_restarts"`
	RestartWindowSeconds int      `toml:"restart_window_seconds"`
	MaxParallelQueries   int      `toml:"max_parallel_queries"`
}

// Results contains configuration for BQRS decoding and display.
type Results struct {
	PageSize int      `toml:"page_size"`
	Entities []string `toml:"entities"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for qlbridge.
//
// Configuration sections by subsystem:
//   - Paths: storage (history database, query outputs) and log directories
//   - CodeQL: toolchain binary and one-shot command timeout
//   - QueryServer: evaluator process flags, framing, lifecycle and restart policy
//   - Results: BQRS paging and entity rendering
//   - Logging: log format and level
type Config struct {
	Paths       Paths       `toml:"paths"`
	CodeQL      CodeQL      `toml:"codeql"`
	QueryServer QueryServer `toml:"query_server"`
	Results     Results     `toml:"results"`
	Logging     Logging     `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("qlbridge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the storage, query output, and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StorageDir, c.QueriesDir(), c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// HistoryPath is the SQLite database recording query runs.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StorageDir, "history.db")
}

// QueriesDir holds one output directory per query run.
func (c *Config) QueriesDir() string {
	return filepath.Join(c.Paths.StorageDir, "queries")
}

// LockPath guards the storage directory against a second query server.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StorageDir, "queryserver.lock")
}

// ServerLogDir is passed to the evaluator as --logdir.
func (c *Config) ServerLogDir() string {
	return filepath.Join(c.Paths.LogDir, "query-server")
}

// LogPath is the JSON log file shared by every qlbridge invocation.
func (c *Config) LogPath() string {
	return filepath.Join(c.Paths.LogDir, "qlbridge.log")
}

// CommandTimeout bounds one-shot codeql invocations such as bqrs decode.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.CodeQL.CommandTimeoutSeconds) * time.Second
}

// StartupGrace is how long a freshly spawned evaluator must stay alive.
func (c *Config) StartupGrace() time.Duration {
	return time.Duration(c.QueryServer.StartupGraceMillis) * time.Millisecond
}

// ShutdownGrace is how long Stop waits for the evaluator before killing it.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.QueryServer.ShutdownGraceSeconds) * time.Second
}

// RestartWindow is the sliding window in which MaxRestarts applies.
func (c *Config) RestartWindow() time.Duration {
	return time.Duration(c.QueryServer.RestartWindowSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
