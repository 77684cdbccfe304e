// Package logs tails qlbridge's own log file and per-run evaluator logs.
//
// A Tailer remembers its byte offset, so "qlbridge logs --follow" can print
// the last N lines and then poll for appended ones with bounded memory. The
// evaluator rewrites nothing in place, so offsets only move forward; a file
// that shrinks is treated as rotated and read again from the start.
package logs
