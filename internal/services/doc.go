// Package services defines shared utilities consumed by the query-server
// client, the CodeQL CLI wrapper, and the runner.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, component names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     into consistent history statuses and CLI exit codes.
//
// Use these helpers when wiring new components so operational behaviour
// (error handling, observability) stays uniform across the tool.
package services
