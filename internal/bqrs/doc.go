// Package bqrs decodes CodeQL result sets into typed tuples.
//
// BQRS is the evaluator's binary on-disk format. Rather than reading it
// directly, the package asks the codeql CLI for JSON (`bqrs info` for the
// schema and page offsets, `bqrs decode` for one page of rows) and converts
// that JSON into Values typed by column kind. ParseInfo and ParseResultSet
// are pure and can be used on captured output.
package bqrs
