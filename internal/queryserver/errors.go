package queryserver

import "errors"

var (
	// ErrBinaryNotFound means the codeql launcher could not be resolved.
	ErrBinaryNotFound = errors.New("codeql binary not found")
	// ErrExitedEarly means the query server died during its startup window.
	ErrExitedEarly = errors.New("query server exited during startup")
	// ErrNotRunning is returned for requests made while no server is running.
	ErrNotRunning = errors.New("query server is not running")
	// ErrLocked means another client holds the storage directory.
	ErrLocked = errors.New("query server storage is locked by another process")
)
