// Package queryserver manages the lifecycle of a CodeQL query server
// (`codeql execution query-server2`) and exposes its evaluation requests as
// typed Go calls.
//
// A Client owns at most one child process at a time. Requests are multiplexed
// over the child's stdin/stdout through a jsonrpc.Conn, so several queries may
// be in flight at once. Start fails fast when the binary is missing or the
// process dies during its startup window; Stop asks the server to shut down
// and kills the whole process group if it lingers. When restart is enabled an
// unexpected exit rejects in-flight requests, spawns a fresh server, and
// re-registers every database that was registered before the crash.
package queryserver
