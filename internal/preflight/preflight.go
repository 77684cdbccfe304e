package preflight

import (
	"context"

	"qlbridge/internal/codeql"
	"qlbridge/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// VersionProber reports the installed toolchain version.
type VersionProber interface {
	Version(ctx context.Context) (codeql.VersionInfo, error)
}

// HistoryProbe verifies the run history database.
type HistoryProbe interface {
	Ping(ctx context.Context) error
	SchemaVersion(ctx context.Context) (string, error)
}

// Probes carries the live dependencies RunAll may exercise. Nil probes are
// skipped.
type Probes struct {
	CodeQL  VersionProber
	History HistoryProbe
}

// RunAll executes every preflight check for the given config.
func RunAll(ctx context.Context, cfg *config.Config, probes Probes) []Result {
	if cfg == nil {
		return nil
	}

	var results []Result
	results = append(results, CheckDirectoryAccess("Storage directory", cfg.Paths.StorageDir))
	results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))

	for _, status := range CheckSystemDeps(cfg) {
		results = append(results, Result{
			Name:   status.Name,
			Passed: status.Available || status.Optional,
			Detail: statusDetail(status.Command, status.Detail),
		})
	}

	if probes.CodeQL != nil {
		results = append(results, CheckCodeQLVersion(ctx, probes.CodeQL))
	}
	if probes.History != nil {
		results = append(results, CheckHistory(ctx, cfg.HistoryPath(), probes.History))
	}
	results = append(results, CheckServerLock(cfg.LockPath()))
	return results
}

// Failed reports whether any result did not pass.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

func statusDetail(command, detail string) string {
	switch {
	case detail == "":
		return command
	case command == "" || detail == command:
		return detail
	default:
		return command + " (" + detail + ")"
	}
}
