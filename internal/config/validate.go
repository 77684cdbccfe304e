package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	validFramings = map[string]struct{}{"header": {}, "line": {}}
	validEntities = map[string]struct{}{"url": {}, "string": {}, "id": {}, "all": {}}
	validLevels   = map[string]struct{}{"debug": {}, "info": {}, "warn": {}, "error": {}}
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCodeQL(); err != nil {
		return err
	}
	if err := c.validateQueryServer(); err != nil {
		return err
	}
	if err := c.validateResults(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.StorageDir) == "" {
		return errors.New("paths.storage_dir must be set")
	}
	return nil
}

func (c *Config) validateCodeQL() error {
	if strings.TrimSpace(c.CodeQL.Binary) == "" {
		return errors.New("codeql.binary must be set (or set CODEQL_PATH)")
	}
	if c.CodeQL.CommandTimeoutSeconds <= 0 {
		return errors.New("codeql.command_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateQueryServer() error {
	qs := c.QueryServer
	if _, ok := validFramings[qs.Framing]; !ok {
		return fmt.Errorf("query_server.framing must be \"header\" or \"line\", got %q", qs.Framing)
	}
	if qs.Threads < 0 {
		return errors.New("query_server.threads must be >= 0 (0 uses one thread per core)")
	}
	if qs.TimeoutSeconds < 0 {
		return errors.New("query_server.timeout_seconds must be >= 0")
	}
	if qs.MaxDiskCacheMB < 0 {
		return errors.New("query_server.max_disk_cache_mb must be >= 0")
	}
	if qs.EvaluatorLogLevel < 0 || qs.EvaluatorLogLevel > 5 {
		return errors.New("query_server.evaluator_log_level must be between 0 (unset) and 5")
	}
	if qs.MaxRestarts < 0 {
		return errors.New("query_server.max_restarts must be >= 0")
	}
	if err := ensurePositiveMap(map[string]int{
		"query_server.max_frame_bytes":        qs.MaxFrameBytes,
		"query_server.startup_grace_ms":       qs.StartupGraceMillis,
		"query_server.shutdown_grace_seconds": qs.ShutdownGraceSeconds,
		"query_server.restart_window_seconds": qs.RestartWindowSeconds,
		"query_server.max_parallel_queries":   qs.MaxParallelQueries,
	}); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateResults() error {
	if c.Results.PageSize <= 0 {
		return errors.New("results.page_size must be positive")
	}
	for _, entity := range c.Results.Entities {
		if _, ok := validEntities[entity]; !ok {
			return fmt.Errorf("results.entities: unsupported entity column %q", entity)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	if _, ok := validLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
