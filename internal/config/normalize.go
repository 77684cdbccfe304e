package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeCodeQL(); err != nil {
		return err
	}
	c.normalizeQueryServer()
	c.normalizeResults()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StorageDir) == "" {
		c.Paths.StorageDir = defaultStorageDir
	}
	if c.Paths.StorageDir, err = expandPath(c.Paths.StorageDir); err != nil {
		return fmt.Errorf("paths.storage_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StorageDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

// normalizeCodeQL resolves the toolchain binary. CODEQL_PATH names the
// executable directly and wins over CODEQL_DIST, which names the unpacked
// distribution directory. Both override the file only when the file keeps the
// default bare "codeql" lookup.
func (c *Config) normalizeCodeQL() error {
	c.CodeQL.Binary = strings.TrimSpace(c.CodeQL.Binary)
	if c.CodeQL.Binary == "" || c.CodeQL.Binary == defaultCodeQLBinary {
		if value, ok := os.LookupEnv("CODEQL_PATH"); ok && strings.TrimSpace(value) != "" {
			c.CodeQL.Binary = strings.TrimSpace(value)
		} else if value, ok := os.LookupEnv("CODEQL_DIST"); ok && strings.TrimSpace(value) != "" {
			c.CodeQL.Binary = filepath.Join(strings.TrimSpace(value), "codeql")
		}
	}
	if c.CodeQL.Binary == "" {
		c.CodeQL.Binary = defaultCodeQLBinary
	}
	if strings.ContainsAny(c.CodeQL.Binary, `/\`) || strings.HasPrefix(c.CodeQL.Binary, "~") {
		expanded, err := expandPath(c.CodeQL.Binary)
		if err != nil {
			return fmt.Errorf("codeql.binary: %w", err)
		}
		c.CodeQL.Binary = expanded
	}
	if c.CodeQL.CommandTimeoutSeconds <= 0 {
		c.CodeQL.CommandTimeoutSeconds = defaultCommandTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizeQueryServer() {
	qs := &c.QueryServer
	qs.Framing = strings.ToLower(strings.TrimSpace(qs.Framing))
	if qs.Framing == "" {
		qs.Framing = defaultFraming
	}
	if qs.MaxFrameBytes <= 0 {
		qs.MaxFrameBytes = defaultMaxFrameBytes
	}
	if qs.StartupGraceMillis <= 0 {
		qs.StartupGraceMillis = defaultStartupGraceMillis
	}
	if qs.ShutdownGraceSeconds <= 0 {
		qs.ShutdownGraceSeconds = defaultShutdownGraceSeconds
	}
	if qs.RestartWindowSeconds <= 0 {
		qs.RestartWindowSeconds = defaultRestartWindowSeconds
	}
	if qs.MaxParallelQueries <= 0 {
		qs.MaxParallelQueries = defaultMaxParallelQueries
	}
	args := make([]string, 0, len(qs.ExtraArgs))
	for _, arg := range qs.ExtraArgs {
		if trimmed := strings.TrimSpace(arg); trimmed != "" {
			args = append(args, trimmed)
		}
	}
	qs.ExtraArgs = args
}

func (c *Config) normalizeResults() {
	if c.Results.PageSize <= 0 {
		c.Results.PageSize = defaultResultsPageSize
	}
	if len(c.Results.Entities) == 0 {
		c.Results.Entities = append([]string(nil), defaultEntities...)
		return
	}
	entities := make([]string, 0, len(c.Results.Entities))
	seen := make(map[string]struct{}, len(c.Results.Entities))
	for _, entity := range c.Results.Entities {
		normalized := strings.ToLower(strings.TrimSpace(entity))
		if normalized == "" {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		entities = append(entities, normalized)
	}
	if len(entities) == 0 {
		entities = append(entities, defaultEntities...)
	}
	c.Results.Entities = entities
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
