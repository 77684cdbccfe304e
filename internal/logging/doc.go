// Package logging assembles structured slog loggers and formatting helpers used
// across qlbridge.
//
// It owns the console and JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so query-server code can tag
// log lines with run IDs, request IDs, and JSON-RPC method names. Console
// output goes to stderr so tables printed on stdout stay clean; a JSON copy
// can be teed into the log directory. The package also provides a no-op
// logger for tests and wiring code that cannot fail.
package logging
