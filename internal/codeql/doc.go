// Package codeql runs one-shot codeql CLI subcommands and decodes their
// JSON output.
//
// Long-lived evaluation goes through the query server (package queryserver);
// this package covers the short commands around it: version and database
// resolution for preflight checks, query resolution for directories and
// suites, and the bqrs info/decode commands the result decoder builds on.
// Commands run through an Executor so tests can substitute canned output.
package codeql
