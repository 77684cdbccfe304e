package preflight

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"qlbridge/internal/config"
	"qlbridge/internal/deps"
)

// CheckCodeQLVersion runs "codeql version" with a short timeout.
func CheckCodeQLVersion(ctx context.Context, prober VersionProber) Result {
	const name = "CodeQL version"

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	info, err := prober.Version(checkCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(checkCtx.Err(), context.DeadlineExceeded) {
			return Result{Name: name, Detail: "version check timed out"}
		}
		return Result{Name: name, Detail: err.Error()}
	}
	detail := info.Version
	if info.ProductName != "" {
		detail = info.ProductName + " " + info.Version
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckHistory verifies the run history database answers queries and
// reports its schema version.
func CheckHistory(ctx context.Context, path string, probe HistoryProbe) Result {
	const name = "Run history"
	if err := probe.Ping(ctx); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	version, err := probe.SchemaVersion(ctx)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (schema %s)", path, version)}
}

// CheckServerLock reports whether another qlbridge process currently owns
// the query server. A held lock is informational and still passes.
func CheckServerLock(path string) Result {
	const name = "Query server lock"

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{Name: name, Passed: true, Detail: "free"}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if !locked {
		return Result{Name: name, Passed: true, Detail: "held by another qlbridge process"}
	}
	_ = lock.Unlock()
	return Result{Name: name, Passed: true, Detail: "free"}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the external binaries qlbridge needs. Both
// "qlbridge run" and "qlbridge doctor" use it.
func CheckSystemDeps(cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "CodeQL CLI",
			Command:     cfg.CodeQL.Binary,
			Description: "Required for the query server and BQRS decoding",
		},
	}
	results := deps.CheckBinaries(requirements)
	if results[0].Available {
		results = append(results, deps.CheckCodeQLDistribution(cfg.CodeQL.Binary))
	}
	return results
}
