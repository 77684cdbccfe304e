// Package config loads, normalizes, and validates qlbridge configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// CODEQL_PATH and CODEQL_DIST. The Config type centralizes every knob the CLI,
// the query-server client, and the result decoder need, so storage directories
// and evaluator settings are discovered in one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
