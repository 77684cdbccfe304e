// Package jsonrpc multiplexes JSON-RPC 2.0 calls over a single framed byte
// stream, typically the stdin/stdout pipes of a child process.
//
// A Conn assigns monotonically increasing request ids, keeps a pending entry
// per in-flight call, and resolves each call exactly once: with the response
// result, with the peer's error payload (*Error), with ErrCancelled when the
// caller's context ends first, or with ErrConnectionClosed when the stream
// fails. Responses may arrive in any order. Progress notifications that carry
// a request id are routed to that call's progress callback.
//
// Two framings are supported: Content-Length headers (the vscode-jsonrpc
// convention spoken by the CodeQL query server) and newline-delimited JSON.
package jsonrpc
