// Package main hosts the qlbridge CLI entrypoint and command graph.
//
// The Cobra command tree starts a CodeQL query server for the duration of a
// command, evaluates queries through the runner, and renders decoded BQRS
// pages as tables or JSON. Run history lives in the SQLite store under the
// storage directory, so "results" and "history" work without a server.
//
// Keep this package lean: add behaviour to the internal packages first and
// surface it here through a command or flag.
package main
