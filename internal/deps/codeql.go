package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CheckCodeQLDistribution reports the distribution directory behind the
// codeql launcher.
//
// The launcher is usually symlinked onto PATH from an unpacked bundle, and
// the query server needs the bundle's tools directory next to the real
// launcher. Symlinks are resolved so the detail names the actual bundle.
func CheckCodeQLDistribution(launcher string) Status {
	result := Status{
		Name:        "CodeQL distribution",
		Description: "Bundle providing the evaluator and its tools",
	}

	launcher = strings.TrimSpace(launcher)
	if launcher == "" {
		result.Detail = "codeql binary not configured"
		return result
	}
	resolved, err := exec.LookPath(launcher)
	if err != nil {
		result.Command = launcher
		result.Detail = fmt.Sprintf("binary %q not found", launcher)
		return result
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}
	result.Command = resolved

	dist := filepath.Dir(resolved)
	tools := filepath.Join(dist, "tools")
	info, err := os.Stat(tools)
	if err != nil || !info.IsDir() {
		result.Detail = fmt.Sprintf("%s has no tools directory; is this an unpacked CodeQL bundle?", dist)
		return result
	}
	result.Available = true
	result.Detail = dist
	return result
}
