// Package runner drives query evaluations end to end.
//
// A Runner records each query in the history store, prepares its output
// directory, makes sure the target database is registered with the query
// server, evaluates the query, classifies the evaluator's verdict into a
// history status, and decodes the first page of results. RunAll evaluates
// several queries concurrently over the one server connection.
package runner
